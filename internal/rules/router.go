package rules

import (
	"strings"
	"time"

	"behaviorwatch/internal/clock"
	"behaviorwatch/internal/logger"
	"behaviorwatch/internal/metrics"
	"behaviorwatch/internal/shard"
	"behaviorwatch/pkg/models"
)

// Dispatcher delivers an alert to one channel. Implementations must not block on I/O.
type Dispatcher interface {
	Dispatch(channelID string, alert models.Alert)
}

// Escalator arms an escalation chain for an alert routed by rule.
// It returns false when the alert already has one.
type Escalator interface {
	Arm(alert models.Alert, rule models.AlertRule) bool
}

// Router matches alerts against rules, applies cooldowns and hands matched
// alerts to the dispatcher and escalator.
type Router struct {
	rules     []models.AlertRule
	locations map[string]*time.Location
	clock     clock.Clock
	cooldowns *shard.Map[time.Time]
	dispatch  Dispatcher
	escalate  Escalator
}

// NewRouter builds a router over a validated rule set. escalate may be nil.
func NewRouter(set *RuleSet, clk clock.Clock, dispatch Dispatcher, escalate Escalator) *Router {
	if clk == nil {
		clk = clock.New()
	}
	r := &Router{
		locations: make(map[string]*time.Location),
		clock:     clk,
		cooldowns: shard.New[time.Time](0),
		dispatch:  dispatch,
		escalate:  escalate,
	}
	if set != nil {
		r.rules = append(r.rules, set.Rules...)
	}
	for _, rule := range r.rules {
		if rule.Schedule == nil || rule.Schedule.Timezone == "" {
			continue
		}
		loc, err := time.LoadLocation(rule.Schedule.Timezone)
		if err != nil {
			logger.Warnf("rule %s: timezone %q unavailable, using UTC: %v", rule.ID, rule.Schedule.Timezone, err)
			loc = time.UTC
		}
		r.locations[rule.Schedule.Timezone] = loc
	}
	return r
}

// Rules returns the configured rules.
func (r *Router) Rules() []models.AlertRule {
	return append([]models.AlertRule(nil), r.rules...)
}

// Match returns the enabled rules whose conditions and schedule accept the alert now.
func (r *Router) Match(alert models.Alert) []models.AlertRule {
	now := r.clock.Now()
	var out []models.AlertRule
	for _, rule := range r.rules {
		if !rule.Enabled || !conditionsMatch(rule.Conditions, alert) {
			continue
		}
		if !r.inSchedule(rule.Schedule, now) {
			continue
		}
		out = append(out, rule)
	}
	return out
}

// Route dispatches the alert for every matched rule not in cooldown and returns those rules.
// At most one escalation chain is armed per alert.
func (r *Router) Route(alert models.Alert) []models.AlertRule {
	var routed []models.AlertRule
	armed := false
	for _, rule := range r.Match(alert) {
		if !r.takeCooldown(rule, alert) {
			metrics.RuleSuppressions.WithLabelValues(rule.ID).Inc()
			logger.Debugf("rule %s: alert %s suppressed by cooldown (type=%s source=%s)", rule.ID, alert.ID, alert.Type, alert.Source)
			continue
		}
		routed = append(routed, rule)
		for _, ch := range rule.Actions.Channels {
			r.dispatch.Dispatch(ch, alert)
		}
		if !armed && r.escalate != nil && rule.Actions.Escalates() {
			armed = r.escalate.Arm(alert, rule)
		}
	}
	return routed
}

func cooldownKey(ruleID string, alert models.Alert) string {
	return ruleID + "\x00" + string(alert.Type) + "\x00" + alert.Source
}

// takeCooldown reports whether the rule may fire and, if so, records the dispatch time.
func (r *Router) takeCooldown(rule models.AlertRule, alert models.Alert) bool {
	if rule.Actions.CooldownTime <= 0 {
		return true
	}
	window := time.Duration(rule.Actions.CooldownTime) * time.Minute
	now := r.clock.Now()
	allowed := true
	r.cooldowns.Update(cooldownKey(rule.ID, alert), func(last time.Time, exists bool) time.Time {
		if exists && now.Sub(last) < window {
			allowed = false
			return last
		}
		return now
	})
	return allowed
}

func conditionsMatch(c models.RuleConditions, alert models.Alert) bool {
	if len(c.Severities) > 0 && !contains(c.Severities, alert.Severity) {
		return false
	}
	if len(c.Types) > 0 && !contains(c.Types, alert.Type) {
		return false
	}
	if len(c.Sources) > 0 && !contains(c.Sources, alert.Source) {
		return false
	}
	if len(c.Keywords) > 0 {
		text := strings.ToLower(alert.Title + " " + alert.Message)
		found := false
		for _, kw := range c.Keywords {
			if kw != "" && strings.Contains(text, strings.ToLower(kw)) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func contains[T comparable](set []T, v T) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

// inSchedule checks the working-day set and the [start, end) hour range.
// start > end wraps midnight; start == end covers the whole day.
func (r *Router) inSchedule(s *models.RuleSchedule, now time.Time) bool {
	if s == nil {
		return true
	}
	loc := time.UTC
	if l, ok := r.locations[s.Timezone]; ok {
		loc = l
	}
	local := now.In(loc)
	if len(s.Days) > 0 && !contains(s.Days, int(local.Weekday())) {
		return false
	}
	h := local.Hour()
	switch {
	case s.StartHour == s.EndHour:
		return true
	case s.StartHour < s.EndHour:
		return h >= s.StartHour && h < s.EndHour
	default:
		return h >= s.StartHour || h < s.EndHour
	}
}
