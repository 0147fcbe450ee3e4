package rules

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"behaviorwatch/pkg/models"
)

// ErrUnknownChannel is reported when a rule references a channel that is not configured.
var ErrUnknownChannel = errors.New("unknown channel")

// RuleSet is the routing configuration: channels plus the rules that target them.
type RuleSet struct {
	Channels []models.NotificationChannel `yaml:"channels"`
	Rules    []models.AlertRule           `yaml:"rules"`
}

// ValidationError lists every problem found in a rule set.
type ValidationError struct {
	Problems []error
}

func (e *ValidationError) Error() string {
	msgs := make([]string, 0, len(e.Problems))
	for _, p := range e.Problems {
		msgs = append(msgs, p.Error())
	}
	return fmt.Sprintf("invalid rule set (%d problems): %s", len(e.Problems), strings.Join(msgs, "; "))
}

// Unwrap exposes the individual problems to errors.Is and errors.As.
func (e *ValidationError) Unwrap() []error {
	return e.Problems
}

func (e *ValidationError) addf(format string, args ...interface{}) {
	e.Problems = append(e.Problems, fmt.Errorf(format, args...))
}

// LoadRuleSet reads and validates a YAML rule set.
func LoadRuleSet(path string) (*RuleSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rule set: %w", err)
	}
	return ParseRuleSet(data)
}

// ParseRuleSet decodes and validates a YAML rule set.
func ParseRuleSet(data []byte) (*RuleSet, error) {
	var set RuleSet
	if err := yaml.Unmarshal(data, &set); err != nil {
		return nil, fmt.Errorf("parse rule set: %w", err)
	}
	if err := set.Validate(); err != nil {
		return nil, err
	}
	return &set, nil
}

// Validate normalizes severities and checks channel and rule definitions.
// It returns a *ValidationError when anything is wrong.
func (s *RuleSet) Validate() error {
	verr := &ValidationError{}

	channels := make(map[string]struct{}, len(s.Channels))
	for i := range s.Channels {
		ch := &s.Channels[i]
		if ch.ID == "" {
			verr.addf("channel #%d: id is required", i)
			continue
		}
		if _, dup := channels[ch.ID]; dup {
			verr.addf("channel %s: duplicate id", ch.ID)
		}
		channels[ch.ID] = struct{}{}
		validateChannel(verr, ch)
	}

	ids := make(map[string]struct{}, len(s.Rules))
	for i := range s.Rules {
		r := &s.Rules[i]
		if r.ID == "" {
			verr.addf("rule #%d: id is required", i)
			continue
		}
		if _, dup := ids[r.ID]; dup {
			verr.addf("rule %s: duplicate id", r.ID)
		}
		ids[r.ID] = struct{}{}
		validateRule(verr, r, channels)
	}

	if len(verr.Problems) > 0 {
		return verr
	}
	return nil
}

func validateChannel(verr *ValidationError, ch *models.NotificationChannel) {
	switch ch.Type {
	case models.ChannelEmail:
		if len(ch.Config.Recipients) == 0 {
			verr.addf("channel %s: email needs at least one recipient", ch.ID)
		}
	case models.ChannelWebhook, models.ChannelSMS, models.ChannelPush:
		if !strings.HasPrefix(ch.Config.URL, "http://") && !strings.HasPrefix(ch.Config.URL, "https://") {
			verr.addf("channel %s: %s needs an http(s) url", ch.ID, ch.Type)
		}
	case models.ChannelWebSocket, models.ChannelLog:
	default:
		verr.addf("channel %s: unknown type %q", ch.ID, ch.Type)
	}
	if ch.Config.Timeout < 0 {
		verr.addf("channel %s: timeout must not be negative", ch.ID)
	}
}

func validateRule(verr *ValidationError, r *models.AlertRule, channels map[string]struct{}) {
	for i, raw := range r.Conditions.Severities {
		sev, ok := models.ParseSeverity(string(raw))
		if !ok {
			verr.addf("rule %s: unknown severity %q", r.ID, raw)
			continue
		}
		r.Conditions.Severities[i] = sev
	}
	for _, t := range r.Conditions.Types {
		if !t.Valid() {
			verr.addf("rule %s: unknown alert type %q", r.ID, t)
		}
	}

	a := r.Actions
	if len(a.Channels) == 0 {
		verr.addf("rule %s: at least one channel is required", r.ID)
	}
	for _, id := range a.Channels {
		if _, ok := channels[id]; !ok {
			verr.Problems = append(verr.Problems, fmt.Errorf("rule %s: channel %q: %w", r.ID, id, ErrUnknownChannel))
		}
	}
	if a.EscalationTime < 0 || a.MaxEscalationLevel < 0 || a.CooldownTime < 0 {
		verr.addf("rule %s: escalation and cooldown times must not be negative", r.ID)
	}

	if sch := r.Schedule; sch != nil {
		if sch.StartHour < 0 || sch.StartHour > 23 || sch.EndHour < 0 || sch.EndHour > 23 {
			verr.addf("rule %s: schedule hours must be 0-23", r.ID)
		}
		for _, d := range sch.Days {
			if d < 0 || d > 6 {
				verr.addf("rule %s: schedule day %d outside 0-6", r.ID, d)
			}
		}
		if sch.Timezone != "" {
			if _, err := time.LoadLocation(sch.Timezone); err != nil {
				verr.addf("rule %s: timezone %q: %v", r.ID, sch.Timezone, err)
			}
		}
	}
}

// Channel returns the channel with the given id.
func (s *RuleSet) Channel(id string) (models.NotificationChannel, bool) {
	for _, ch := range s.Channels {
		if ch.ID == id {
			return ch, true
		}
	}
	return models.NotificationChannel{}, false
}
