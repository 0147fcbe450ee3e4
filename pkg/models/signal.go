package models

import (
	"fmt"
	"time"
)

// Signal is a raw security event from a non-behavioral detector (IDS, EDR, Sysmon).
type Signal struct {
	Timestamp time.Time              `json:"@timestamp"`
	Source    string                 `json:"source"`
	Host      string                 `json:"host,omitempty"`
	EventID   int                    `json:"event_id,omitempty"`
	Fields    map[string]interface{} `json:"fields"`
}

// Field returns a field value rendered as a string.
func (s *Signal) Field(name string) string {
	if s == nil || s.Fields == nil {
		return ""
	}
	v, ok := s.Fields[name]
	if !ok {
		return ""
	}
	switch val := v.(type) {
	case string:
		return val
	case fmt.Stringer:
		return val.String()
	case float64:
		if val == float64(int64(val)) {
			return fmt.Sprintf("%d", int64(val))
		}
		return fmt.Sprintf("%f", val)
	default:
		return fmt.Sprintf("%v", val)
	}
}
