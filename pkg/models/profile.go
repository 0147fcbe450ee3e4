package models

import (
	"sort"
	"time"
)

// Baseline is the learned notion of normal for one subject.
// Each set maps an observed value to the time it was first seen; sets only grow.
type Baseline struct {
	LoginHours     map[int]time.Time    `json:"login_hours"`
	Locations      map[string]time.Time `json:"locations"`
	Devices        map[string]time.Time `json:"devices"`
	WorkingDays    map[int]time.Time    `json:"working_days"`
	CommonActions  map[string]time.Time `json:"common_actions"`
	APICallRate    float64              `json:"api_call_rate"`
	APIBucketStart time.Time            `json:"api_bucket_start,omitempty"`
	APIBucketCount int                  `json:"api_bucket_count"`
	APIHoursSeen   int                  `json:"api_hours_seen"`
}

// NewBaseline returns an empty baseline with allocated sets.
func NewBaseline() Baseline {
	return Baseline{
		LoginHours:    make(map[int]time.Time),
		Locations:     make(map[string]time.Time),
		Devices:       make(map[string]time.Time),
		WorkingDays:   make(map[int]time.Time),
		CommonActions: make(map[string]time.Time),
	}
}

// Clone deep-copies the baseline sets.
func (b Baseline) Clone() Baseline {
	out := b
	out.LoginHours = copyIntSet(b.LoginHours)
	out.Locations = copyStringSet(b.Locations)
	out.Devices = copyStringSet(b.Devices)
	out.WorkingDays = copyIntSet(b.WorkingDays)
	out.CommonActions = copyStringSet(b.CommonActions)
	return out
}

// HoursBefore lists login hours first observed strictly before t.
func (b Baseline) HoursBefore(t time.Time) []int {
	out := make([]int, 0, len(b.LoginHours))
	for h, seen := range b.LoginHours {
		if seen.Before(t) {
			out = append(out, h)
		}
	}
	sort.Ints(out)
	return out
}

// LocationsBefore lists locations first observed strictly before t.
func (b Baseline) LocationsBefore(t time.Time) []string {
	return keysBefore(b.Locations, t)
}

// DevicesBefore lists device fingerprints first observed strictly before t.
func (b Baseline) DevicesBefore(t time.Time) []string {
	return keysBefore(b.Devices, t)
}

// KnownLocation reports whether loc was part of the baseline before t.
func (b Baseline) KnownLocation(loc string, t time.Time) bool {
	seen, ok := b.Locations[loc]
	return ok && seen.Before(t)
}

func keysBefore(set map[string]time.Time, t time.Time) []string {
	out := make([]string, 0, len(set))
	for k, seen := range set {
		if seen.Before(t) {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

func copyIntSet(in map[int]time.Time) map[int]time.Time {
	out := make(map[int]time.Time, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func copyStringSet(in map[string]time.Time) map[string]time.Time {
	out := make(map[string]time.Time, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// BehaviorProfile is the per-subject state kept by the profile store.
// RecentActivity is ordered oldest first.
type BehaviorProfile struct {
	SubjectID      string           `json:"subject_id"`
	Baseline       Baseline         `json:"baseline"`
	RecentActivity []ActivityRecord `json:"recent_activity"`
	Anomalies      []Anomaly        `json:"anomalies"`
	RiskScore      int              `json:"risk_score"`
	CreatedAt      time.Time        `json:"created_at"`
	LastActivity   time.Time        `json:"last_activity"`
	LastAnalyzed   time.Time        `json:"last_analyzed,omitempty"`
}

// OpenAnomalies counts anomalies that are neither resolved nor false positives.
func (p BehaviorProfile) OpenAnomalies() int {
	n := 0
	for _, a := range p.Anomalies {
		if a.Open() {
			n++
		}
	}
	return n
}

// SubjectRisk is a compact row for risk listings.
type SubjectRisk struct {
	SubjectID     string    `json:"subject_id"`
	RiskScore     int       `json:"risk_score"`
	OpenAnomalies int       `json:"open_anomalies"`
	LastActivity  time.Time `json:"last_activity"`
}
