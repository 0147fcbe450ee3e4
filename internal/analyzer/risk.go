package analyzer

import (
	"math"
	"time"

	"behaviorwatch/pkg/models"
)

func severityWeight(s models.Severity) float64 {
	switch s {
	case models.SeverityCritical:
		return 40
	case models.SeverityHigh:
		return 25
	case models.SeverityMedium:
		return 15
	case models.SeverityLow:
		return 5
	default:
		return 0
	}
}

// RiskScore recomputes a 0-100 score from open anomalies raised within the risk
// window and high/critical activity still in the recent window.
func (d *Detector) RiskScore(p models.BehaviorProfile, now time.Time) int {
	cutoff := now.Add(-d.cfg.RiskWindow)
	score := 0.0
	for _, a := range p.Anomalies {
		if !a.Open() || a.Timestamp.Before(cutoff) {
			continue
		}
		score += severityWeight(a.Severity) * float64(a.Confidence) / 100
	}
	for _, rec := range p.RecentActivity {
		if rec.Risk.AtLeastHigh() {
			score += float64(d.cfg.ActivityRiskPoints)
		}
	}
	return int(math.Max(0, math.Min(100, math.Round(score))))
}
