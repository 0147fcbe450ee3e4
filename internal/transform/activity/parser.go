// Package activity normalizes queue payloads into activity records and raw signals.
package activity

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"behaviorwatch/internal/logger"
	"behaviorwatch/pkg/models"
)

// ParseActivity converts an activity JSON document into a record. Both the flat
// layout and ECS-style nested fields are accepted.
func ParseActivity(data []byte) (models.ActivityRecord, error) {
	var raw map[string]interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return models.ActivityRecord{}, err
	}

	rec := models.ActivityRecord{
		ID:        getString(raw, "id", "event.id"),
		SubjectID: getString(raw, "subject_id", "user_id", "user.id", "user.name", "entity_id"),
		Timestamp: getTime(raw, "timestamp", "@timestamp"),
		Kind:      models.ActivityKind(strings.ToLower(getString(raw, "kind", "activity_type", "event.action"))),
		Details: models.ActivityDetails{
			SourceIP:     getString(raw, "details.source_ip", "source.ip", "ip_address"),
			UserAgent:    getString(raw, "details.user_agent", "user_agent.original", "user_agent"),
			Device:       getString(raw, "details.device", "device.id", "device"),
			Location:     getString(raw, "details.location", "source.geo.city_name", "location"),
			Resource:     getString(raw, "details.resource", "url.path", "file.path", "resource"),
			Action:       getString(raw, "details.action", "action"),
			ResponseCode: getInt(raw, "details.response_code", "http.response.status_code", "response_code"),
			PayloadSize:  getInt64(raw, "details.payload_size", "http.response.bytes", "payload_size"),
			Duration:     time.Duration(getInt64(raw, "details.duration_ms", "duration_ms")) * time.Millisecond,
		},
	}

	if rec.SubjectID == "" {
		return rec, fmt.Errorf("activity has no subject id")
	}
	if !rec.Kind.Valid() {
		return rec, fmt.Errorf("activity for %s has unknown kind %q", rec.SubjectID, rec.Kind)
	}
	if risk := getString(raw, "risk", "risk_level", "severity"); risk != "" {
		sev, ok := models.ParseSeverity(risk)
		if !ok {
			logger.Warnf("Unknown risk %q on activity for %s, using low", risk, rec.SubjectID)
			sev = models.SeverityLow
		}
		rec.Risk = sev
	}
	return rec, nil
}

// ParseSignal converts a raw security event into a signal. Winlogbeat documents
// use winlog.event_data as fields; other documents use "fields" or the whole body.
func ParseSignal(data []byte) (*models.Signal, error) {
	var raw map[string]interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}

	sig := &models.Signal{
		Timestamp: getTime(raw, "@timestamp", "timestamp"),
		Source:    getString(raw, "source", "agent.type", "observer.product"),
		Host:      getString(raw, "host.name", "host.hostname", "hostname", "host"),
		EventID:   getInt(raw, "winlog.event_id", "event.code", "event_id"),
	}

	for _, path := range []string{"winlog.event_data", "fields"} {
		if v, ok := getPath(raw, path); ok {
			if m, ok := v.(map[string]interface{}); ok {
				sig.Fields = m
				break
			}
		}
	}
	if sig.Fields == nil {
		sig.Fields = raw
	}
	if utc := getString(sig.Fields, "UtcTime"); utc != "" {
		if t, ok := parseTime(utc); ok {
			sig.Timestamp = t
		}
	}
	if len(sig.Fields) == 0 {
		logger.Warnf("Signal without fields (host=%s, event_id=%d)", sig.Host, sig.EventID)
	}
	return sig, nil
}
