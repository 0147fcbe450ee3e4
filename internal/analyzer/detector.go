// Package analyzer compares a profile's recent activity against its baseline.
// Everything here is pure: it reads a profile snapshot and returns candidates.
package analyzer

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"behaviorwatch/internal/similarity"
	"behaviorwatch/pkg/models"
)

// Config holds detection thresholds.
type Config struct {
	Lookback           time.Duration
	LoginHourTolerance int
	DeviceSimilarity   float64
	APIRateHigh        float64
	APIRateCritical    float64
	LargeTransferBytes int64
	LargeTransferCount int
	SensitiveKeywords  []string
	RiskWindow         time.Duration
	ActivityRiskPoints int
}

// DefaultConfig returns the standard thresholds.
func DefaultConfig() Config {
	return Config{
		Lookback:           24 * time.Hour,
		LoginHourTolerance: 2,
		DeviceSimilarity:   0.7,
		APIRateHigh:        3,
		APIRateCritical:    6,
		LargeTransferBytes: 100 * 1024 * 1024,
		LargeTransferCount: 3,
		SensitiveKeywords:  []string{"confidential", "secret", "private", "admin"},
		RiskWindow:         7 * 24 * time.Hour,
		ActivityRiskPoints: 5,
	}
}

// Detector runs the four behavioral checks.
type Detector struct {
	cfg     Config
	devices similarity.Matcher
}

// NewDetector creates a detector; zero config fields fall back to defaults.
func NewDetector(cfg Config) *Detector {
	def := DefaultConfig()
	if cfg.Lookback <= 0 {
		cfg.Lookback = def.Lookback
	}
	if cfg.LoginHourTolerance <= 0 {
		cfg.LoginHourTolerance = def.LoginHourTolerance
	}
	if cfg.DeviceSimilarity <= 0 {
		cfg.DeviceSimilarity = def.DeviceSimilarity
	}
	if cfg.APIRateHigh <= 0 {
		cfg.APIRateHigh = def.APIRateHigh
	}
	if cfg.APIRateCritical <= 0 {
		cfg.APIRateCritical = def.APIRateCritical
	}
	if cfg.LargeTransferBytes <= 0 {
		cfg.LargeTransferBytes = def.LargeTransferBytes
	}
	if cfg.LargeTransferCount <= 0 {
		cfg.LargeTransferCount = def.LargeTransferCount
	}
	if len(cfg.SensitiveKeywords) == 0 {
		cfg.SensitiveKeywords = def.SensitiveKeywords
	}
	if cfg.RiskWindow <= 0 {
		cfg.RiskWindow = def.RiskWindow
	}
	if cfg.ActivityRiskPoints <= 0 {
		cfg.ActivityRiskPoints = def.ActivityRiskPoints
	}
	return &Detector{cfg: cfg, devices: similarity.RatioMatcher{Threshold: cfg.DeviceSimilarity}}
}

// WithDeviceMatcher swaps the device fingerprint comparison.
func (d *Detector) WithDeviceMatcher(m similarity.Matcher) *Detector {
	d.devices = m
	return d
}

// Analyze returns anomaly candidates for the profile as of now. Candidates have no id yet.
func (d *Detector) Analyze(p models.BehaviorProfile, now time.Time) []models.Anomaly {
	window := d.window(p.RecentActivity, now)

	var out []models.Anomaly
	out = append(out, d.checkLogins(p, window)...)
	out = append(out, d.checkAPIRate(p, window, now)...)
	out = append(out, d.checkDataAccess(p, window, now)...)
	out = append(out, d.checkPrivilege(p, window)...)
	return out
}

func (d *Detector) window(recent []models.ActivityRecord, now time.Time) []models.ActivityRecord {
	cutoff := now.Add(-d.cfg.Lookback)
	out := make([]models.ActivityRecord, 0, len(recent))
	for _, rec := range recent {
		if rec.Timestamp.Before(cutoff) || rec.Timestamp.After(now) {
			continue
		}
		out = append(out, rec)
	}
	return out
}

func (d *Detector) checkLogins(p models.BehaviorProfile, window []models.ActivityRecord) []models.Anomaly {
	var out []models.Anomaly
	seen := make(map[string]struct{})
	emit := func(key string, a models.Anomaly) {
		if _, dup := seen[key]; dup {
			return
		}
		seen[key] = struct{}{}
		out = append(out, a)
	}

	for _, rec := range window {
		if rec.Kind != models.ActivityLogin {
			continue
		}
		ts := rec.Timestamp

		if hours := p.Baseline.HoursBefore(ts); len(hours) > 0 && !withinHours(ts.Hour(), hours, d.cfg.LoginHourTolerance) {
			emit(fmt.Sprintf("hour:%d", ts.Hour()), models.Anomaly{
				SubjectID:   p.SubjectID,
				Type:        models.AnomalyUnusualLoginTime,
				Severity:    models.SeverityMedium,
				Description: fmt.Sprintf("Login at %02d:00 is outside the usual login hours %v", ts.Hour(), hours),
				Evidence: map[string]interface{}{
					"login_hour":     ts.Hour(),
					"baseline_hours": hours,
					"activity_id":    rec.ID,
				},
				Timestamp:  ts,
				Confidence: 75,
			})
		}

		if loc := strings.TrimSpace(rec.Details.Location); loc != "" {
			known := p.Baseline.LocationsBefore(ts)
			if len(known) > 0 && !p.Baseline.KnownLocation(loc, ts) {
				emit("location:"+loc, models.Anomaly{
					SubjectID:   p.SubjectID,
					Type:        models.AnomalyNewLocation,
					Severity:    models.SeverityHigh,
					Description: fmt.Sprintf("Login from new location %q", loc),
					Evidence: map[string]interface{}{
						"location":        loc,
						"known_locations": known,
						"source_ip":       rec.Details.SourceIP,
						"activity_id":     rec.ID,
					},
					Timestamp:  ts,
					Confidence: 90,
				})
			}
		}

		if dev := rec.DeviceFingerprint(); dev != "" {
			known := p.Baseline.DevicesBefore(ts)
			if len(known) > 0 && !similarity.MatchesAny(d.devices, known, dev) {
				emit("device:"+dev, models.Anomaly{
					SubjectID:   p.SubjectID,
					Type:        models.AnomalyNewDevice,
					Severity:    models.SeverityMedium,
					Description: "Login from an unrecognized device",
					Evidence: map[string]interface{}{
						"device":        dev,
						"known_devices": len(known),
						"activity_id":   rec.ID,
					},
					Timestamp:  ts,
					Confidence: 80,
				})
			}
		}
	}
	return out
}

// withinHours reports whether hour is within tolerance of any baseline hour on a 24h dial.
func withinHours(hour int, baseline []int, tolerance int) bool {
	for _, h := range baseline {
		diff := hour - h
		if diff < 0 {
			diff = -diff
		}
		if diff > 12 {
			diff = 24 - diff
		}
		if diff <= tolerance {
			return true
		}
	}
	return false
}

// checkAPIRate compares the API calls in the lookback window with the learned
// hourly rate scaled to that window (rate * Lookback hours), not the raw hourly rate.
func (d *Detector) checkAPIRate(p models.BehaviorProfile, window []models.ActivityRecord, now time.Time) []models.Anomaly {
	rate := p.Baseline.APICallRate
	if rate <= 0 {
		return nil
	}
	count := 0
	for _, rec := range window {
		if rec.Kind == models.ActivityAPICall {
			count++
		}
	}
	expected := rate * d.cfg.Lookback.Hours()
	ratio := float64(count) / expected
	if ratio <= d.cfg.APIRateHigh {
		return nil
	}
	severity := models.SeverityHigh
	if ratio > d.cfg.APIRateCritical {
		severity = models.SeverityCritical
	}
	return []models.Anomaly{{
		SubjectID:   p.SubjectID,
		Type:        models.AnomalyExcessiveAPICalls,
		Severity:    severity,
		Description: fmt.Sprintf("%d API calls in %s, %.1fx the learned rate", count, d.cfg.Lookback, ratio),
		Evidence: map[string]interface{}{
			"count":          count,
			"hourly_rate":    rate,
			"expected_count": expected,
			"ratio":          ratio,
		},
		Timestamp:  now,
		Confidence: 85,
	}}
}

func (d *Detector) checkDataAccess(p models.BehaviorProfile, window []models.ActivityRecord, now time.Time) []models.Anomaly {
	var sensitive []string
	large := 0
	var largeBytes int64
	for _, rec := range window {
		if rec.Kind != models.ActivityFileAccess && rec.Kind != models.ActivityDataExport {
			continue
		}
		if res := rec.Details.Resource; res != "" && d.isSensitive(res) {
			sensitive = append(sensitive, res)
		}
		if rec.Details.PayloadSize > d.cfg.LargeTransferBytes {
			large++
			largeBytes += rec.Details.PayloadSize
		}
	}

	var out []models.Anomaly
	if len(sensitive) > 0 {
		sort.Strings(sensitive)
		out = append(out, models.Anomaly{
			SubjectID:   p.SubjectID,
			Type:        models.AnomalyUnusualDataAccess,
			Severity:    models.SeverityHigh,
			Description: fmt.Sprintf("Access to %d sensitive resource(s)", len(sensitive)),
			Evidence:    map[string]interface{}{"resources": sensitive},
			Timestamp:   now,
			Confidence:  90,
		})
	}
	if large > d.cfg.LargeTransferCount {
		out = append(out, models.Anomaly{
			SubjectID:   p.SubjectID,
			Type:        models.AnomalySuspiciousDownloads,
			Severity:    models.SeverityMedium,
			Description: fmt.Sprintf("%d large transfers in %s", large, d.cfg.Lookback),
			Evidence: map[string]interface{}{
				"transfers":   large,
				"total_bytes": largeBytes,
				"threshold":   d.cfg.LargeTransferBytes,
			},
			Timestamp:  now,
			Confidence: 70,
		})
	}
	return out
}

func (d *Detector) isSensitive(resource string) bool {
	lower := strings.ToLower(resource)
	for _, kw := range d.cfg.SensitiveKeywords {
		if strings.Contains(lower, strings.ToLower(kw)) {
			return true
		}
	}
	return false
}

func (d *Detector) checkPrivilege(p models.BehaviorProfile, window []models.ActivityRecord) []models.Anomaly {
	var latest models.ActivityRecord
	count := 0
	for _, rec := range window {
		if rec.Kind != models.ActivityPrivilegeEscalation {
			continue
		}
		count++
		if rec.Timestamp.After(latest.Timestamp) {
			latest = rec
		}
	}
	if count == 0 {
		return nil
	}
	return []models.Anomaly{{
		SubjectID:   p.SubjectID,
		Type:        models.AnomalyPrivilegeAbuse,
		Severity:    models.SeverityCritical,
		Description: fmt.Sprintf("%d privilege escalation event(s)", count),
		Evidence: map[string]interface{}{
			"count":       count,
			"action":      latest.Details.Action,
			"resource":    latest.Details.Resource,
			"activity_id": latest.ID,
		},
		Timestamp:  latest.Timestamp,
		Confidence: 95,
	}}
}
