package models

// AlertRule routes matching alerts to notification channels.
type AlertRule struct {
	ID         string         `yaml:"id" json:"id"`
	Name       string         `yaml:"name" json:"name,omitempty"`
	Enabled    bool           `yaml:"enabled" json:"enabled"`
	Conditions RuleConditions `yaml:"conditions" json:"conditions"`
	Actions    RuleActions    `yaml:"actions" json:"actions"`
	Schedule   *RuleSchedule  `yaml:"schedule,omitempty" json:"schedule,omitempty"`
}

// RuleConditions are allow-lists; an empty list matches anything.
type RuleConditions struct {
	Severities []Severity  `yaml:"severity" json:"severity,omitempty"`
	Types      []AlertType `yaml:"type" json:"type,omitempty"`
	Sources    []string    `yaml:"source" json:"source,omitempty"`
	Keywords   []string    `yaml:"keywords" json:"keywords,omitempty"`
}

// RuleActions controls dispatch. Times are in minutes.
type RuleActions struct {
	Channels           []string `yaml:"channels" json:"channels"`
	EscalationTime     int      `yaml:"escalation_time" json:"escalation_time"`
	MaxEscalationLevel int      `yaml:"max_escalation_level" json:"max_escalation_level"`
	CooldownTime       int      `yaml:"cooldown_time" json:"cooldown_time"`
}

// Escalates reports whether the rule arms an escalation chain.
func (a RuleActions) Escalates() bool {
	return a.EscalationTime > 0 && a.MaxEscalationLevel > 0
}

// RuleSchedule restricts a rule to working hours [StartHour, EndHour) on Days.
type RuleSchedule struct {
	StartHour int    `yaml:"start_hour" json:"start_hour"`
	EndHour   int    `yaml:"end_hour" json:"end_hour"`
	Days      []int  `yaml:"days" json:"days,omitempty"`
	Timezone  string `yaml:"timezone" json:"timezone,omitempty"`
}
