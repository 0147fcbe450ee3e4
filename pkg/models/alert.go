package models

import "time"

// AlertType is the domain an alert belongs to.
type AlertType string

const (
	AlertSecurity     AlertType = "security"
	AlertSystem       AlertType = "system"
	AlertSurveillance AlertType = "surveillance"
	AlertIDS          AlertType = "ids"
	AlertMalware      AlertType = "malware"
	AlertNetwork      AlertType = "network"
)

// Valid reports whether t is a known alert type.
func (t AlertType) Valid() bool {
	switch t {
	case AlertSecurity, AlertSystem, AlertSurveillance, AlertIDS, AlertMalware, AlertNetwork:
		return true
	}
	return false
}

// AlertInput is what detectors hand to the engine; id and timestamp are assigned on creation.
type AlertInput struct {
	Type     AlertType              `json:"type"`
	Severity Severity               `json:"severity"`
	Title    string                 `json:"title"`
	Message  string                 `json:"message"`
	Source   string                 `json:"source"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// Alert is an actionable, notification-worthy event.
type Alert struct {
	ID              string                 `json:"id"`
	Type            AlertType              `json:"type"`
	Severity        Severity               `json:"severity"`
	Title           string                 `json:"title"`
	Message         string                 `json:"message"`
	Source          string                 `json:"source"`
	Timestamp       time.Time              `json:"timestamp"`
	Metadata        map[string]interface{} `json:"metadata,omitempty"`
	Acknowledged    bool                   `json:"acknowledged"`
	AcknowledgedBy  string                 `json:"acknowledged_by,omitempty"`
	AcknowledgedAt  *time.Time             `json:"acknowledged_at,omitempty"`
	Escalated       bool                   `json:"escalated"`
	EscalationLevel int                    `json:"escalation_level"`
}

// Clone returns a copy that shares nothing mutable with a.
func (a Alert) Clone() Alert {
	out := a
	if a.Metadata != nil {
		out.Metadata = make(map[string]interface{}, len(a.Metadata))
		for k, v := range a.Metadata {
			out.Metadata[k] = v
		}
	}
	if a.AcknowledgedAt != nil {
		at := *a.AcknowledgedAt
		out.AcknowledgedAt = &at
	}
	return out
}

// Metadata keys set on alerts promoted from anomalies.
const (
	MetaAnomalyID = "anomaly_id"
	MetaSubjectID = "subject_id"
)

// Alert lifecycle events recorded in the alert journal.
const (
	AlertEventCreated   = "created"
	AlertEventEscalated = "escalated"
)

// AlertEvent is one journal line: an alert as it was at a lifecycle event.
type AlertEvent struct {
	Event      string    `json:"event"`
	RecordedAt time.Time `json:"recorded_at"`
	Alert      Alert     `json:"alert"`
}
