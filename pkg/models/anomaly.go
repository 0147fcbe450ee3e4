package models

import "time"

// AnomalyType names a detected deviation.
type AnomalyType string

const (
	AnomalyUnusualLoginTime    AnomalyType = "unusual_login_time"
	AnomalyNewLocation         AnomalyType = "new_location"
	AnomalyNewDevice           AnomalyType = "new_device"
	AnomalyExcessiveAPICalls   AnomalyType = "excessive_api_calls"
	AnomalyUnusualDataAccess   AnomalyType = "unusual_data_access"
	AnomalyPrivilegeAbuse      AnomalyType = "privilege_abuse"
	AnomalySuspiciousDownloads AnomalyType = "suspicious_downloads"
	AnomalyNetworkActivity     AnomalyType = "anomalous_network_activity"
)

// Anomaly is a deviation from a subject's baseline.
type Anomaly struct {
	ID            string                 `json:"id"`
	SubjectID     string                 `json:"subject_id"`
	Type          AnomalyType            `json:"type"`
	Severity      Severity               `json:"severity"`
	Description   string                 `json:"description"`
	Evidence      map[string]interface{} `json:"evidence,omitempty"`
	Timestamp     time.Time              `json:"timestamp"`
	Confidence    int                    `json:"confidence"`
	Resolved      bool                   `json:"resolved"`
	FalsePositive bool                   `json:"false_positive"`
}

// Open is true while the anomaly still counts toward risk.
func (a Anomaly) Open() bool {
	return !a.Resolved && !a.FalsePositive
}
