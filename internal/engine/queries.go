package engine

import (
	"behaviorwatch/internal/alerts"
	"behaviorwatch/internal/logger"
	"behaviorwatch/internal/metrics"
	"behaviorwatch/pkg/models"
)

// Statistics is the reporting summary.
type Statistics struct {
	Alerts             alerts.Stats `json:"alerts"`
	Subjects           int          `json:"subjects"`
	AverageRiskScore   float64      `json:"average_risk_score"`
	PendingEscalations int          `json:"pending_escalations"`
}

// GetProfile returns a snapshot of a subject's profile.
func (e *Engine) GetProfile(subjectID string) (models.BehaviorProfile, bool) {
	return e.profiles.Profile(subjectID)
}

// ListHighRiskSubjects lists subjects at or above threshold, riskiest first.
func (e *Engine) ListHighRiskSubjects(threshold int) []models.SubjectRisk {
	return e.profiles.HighRisk(threshold)
}

// GetAlerts lists alerts newest first.
func (e *Engine) GetAlerts(f alerts.Filter) []models.Alert {
	return e.alerts.List(f)
}

// GetAlert returns one alert.
func (e *Engine) GetAlert(id string) (models.Alert, bool) {
	return e.alerts.Get(id)
}

// RecentActivity returns the newest activity records across all subjects.
func (e *Engine) RecentActivity(limit int) []models.ActivityRecord {
	return e.activity.Recent(limit)
}

// GetStatistics summarizes alerts and subject risk.
func (e *Engine) GetStatistics() Statistics {
	return Statistics{
		Alerts:             e.alerts.Stats(),
		Subjects:           e.profiles.Len(),
		AverageRiskScore:   e.profiles.AverageRisk(),
		PendingEscalations: e.escalation.Pending(),
	}
}

// AcknowledgeAlert acknowledges an alert and cancels its escalation chain.
// It returns false for unknown or already acknowledged alerts.
func (e *Engine) AcknowledgeAlert(id, by string) bool {
	if _, ok := e.alerts.Acknowledge(id, by); !ok {
		return false
	}
	e.escalation.Cancel(id)
	logger.Infof("alert %s acknowledged by %s", id, by)
	e.refreshAlertGauge()
	return true
}

// ResolveAnomaly marks an anomaly resolved and recomputes its subject's risk.
func (e *Engine) ResolveAnomaly(anomalyID string) bool {
	subjectID, ok := e.profiles.ResolveAnomaly(anomalyID)
	if !ok {
		return false
	}
	e.rescore(subjectID)
	return true
}

// MarkAnomalyFalsePositive flags an anomaly and recomputes its subject's risk.
func (e *Engine) MarkAnomalyFalsePositive(anomalyID string) bool {
	subjectID, ok := e.profiles.MarkFalsePositive(anomalyID)
	if !ok {
		return false
	}
	e.rescore(subjectID)
	return true
}

// PurgeSubject deletes a subject's profile.
func (e *Engine) PurgeSubject(subjectID string) bool {
	if !e.profiles.Purge(subjectID) {
		return false
	}
	logger.Infof("subject %s purged", subjectID)
	metrics.Profiles.Set(float64(e.profiles.Len()))
	return true
}

func (e *Engine) rescore(subjectID string) int {
	now := e.clock.Now()
	score, _ := e.profiles.UpdateRisk(subjectID, now, func(p models.BehaviorProfile) int {
		return e.detector.RiskScore(p, now)
	})
	return score
}

func (e *Engine) refreshAlertGauge() {
	metrics.UnacknowledgedAlerts.Set(float64(e.alerts.Unacknowledged()))
}
