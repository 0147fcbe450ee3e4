package models

import (
	"strings"
	"time"
)

// ActivityKind classifies an activity record.
type ActivityKind string

const (
	ActivityLogin               ActivityKind = "login"
	ActivityLogout              ActivityKind = "logout"
	ActivityFileAccess          ActivityKind = "file_access"
	ActivityAPICall             ActivityKind = "api_call"
	ActivityDataExport          ActivityKind = "data_export"
	ActivityPrivilegeEscalation ActivityKind = "privilege_escalation"
	ActivitySystemCommand       ActivityKind = "system_command"
	ActivityNetworkAccess       ActivityKind = "network_access"
)

// Valid reports whether k is a known activity kind.
func (k ActivityKind) Valid() bool {
	switch k {
	case ActivityLogin, ActivityLogout, ActivityFileAccess, ActivityAPICall,
		ActivityDataExport, ActivityPrivilegeEscalation, ActivitySystemCommand, ActivityNetworkAccess:
		return true
	}
	return false
}

// ActivityDetails carries the context of one activity.
type ActivityDetails struct {
	SourceIP     string        `json:"source_ip,omitempty"`
	UserAgent    string        `json:"user_agent,omitempty"`
	Device       string        `json:"device,omitempty"`
	Location     string        `json:"location,omitempty"`
	Resource     string        `json:"resource,omitempty"`
	Action       string        `json:"action,omitempty"`
	ResponseCode int           `json:"response_code,omitempty"`
	PayloadSize  int64         `json:"payload_size,omitempty"`
	Duration     time.Duration `json:"duration,omitempty"`
}

// ActivityRecord is one normalized, immutable activity event.
type ActivityRecord struct {
	ID        string          `json:"id,omitempty"`
	SubjectID string          `json:"subject_id"`
	Timestamp time.Time       `json:"timestamp"`
	Kind      ActivityKind    `json:"kind"`
	Details   ActivityDetails `json:"details"`
	Risk      Severity        `json:"risk,omitempty"`
}

// DeviceFingerprint is the device string used by the baseline; falls back to the user agent.
func (a ActivityRecord) DeviceFingerprint() string {
	if d := strings.TrimSpace(a.Details.Device); d != "" {
		return d
	}
	return strings.TrimSpace(a.Details.UserAgent)
}
