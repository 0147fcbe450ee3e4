// Package escalation re-notifies unacknowledged alerts on a timer chain until
// they are acknowledged or reach their rule's maximum level.
package escalation

import (
	"fmt"
	"sync"
	"time"

	"behaviorwatch/internal/clock"
	"behaviorwatch/internal/logger"
	"behaviorwatch/internal/metrics"
	"behaviorwatch/internal/shard"
	"behaviorwatch/pkg/models"
)

// AlertState is the part of the alert store the scheduler reads and mutates.
type AlertState interface {
	IsAcknowledged(id string) bool
	Escalate(id string) (models.Alert, bool)
}

// Dispatcher delivers an alert to one channel without blocking on I/O.
type Dispatcher interface {
	Dispatch(channelID string, alert models.Alert)
}

// Config wires the scheduler's collaborators.
type Config struct {
	Clock      clock.Clock
	Alerts     AlertState
	Dispatcher Dispatcher
	// CriticalChannels picks where the final capped notification goes.
	CriticalChannels func() []string
	// OnEscalated is called after every successful escalation, outside any lock.
	OnEscalated func(models.Alert)
}

// Scheduler owns one timer chain per alert.
type Scheduler struct {
	cfg   Config
	tasks *shard.Map[*task]
}

type task struct {
	mu      sync.Mutex
	alertID string
	rule    models.AlertRule
	timer   *clock.Timer
	done    bool
}

// New creates a scheduler.
func New(cfg Config) *Scheduler {
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	return &Scheduler{cfg: cfg, tasks: shard.New[*task](0)}
}

// Arm starts the chain for alert using rule's interval and cap. An alert that
// already has a chain keeps it and Arm returns false.
func (s *Scheduler) Arm(alert models.Alert, rule models.AlertRule) bool {
	if !rule.Actions.Escalates() {
		return false
	}
	t, created := s.tasks.GetOrCreate(alert.ID, func() *task {
		return &task{alertID: alert.ID, rule: rule}
	})
	if !created {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	s.scheduleLocked(t)
	logger.Debugf("alert %s: escalation armed by rule %s every %dm up to level %d",
		alert.ID, rule.ID, rule.Actions.EscalationTime, rule.Actions.MaxEscalationLevel)
	return true
}

func (s *Scheduler) scheduleLocked(t *task) {
	interval := time.Duration(t.rule.Actions.EscalationTime) * time.Minute
	t.timer = s.cfg.Clock.AfterFunc(interval, func() { s.fire(t) })
}

// Cancel stops the chain for an alert. It reports whether a chain was pending.
func (s *Scheduler) Cancel(alertID string) bool {
	t, ok := s.tasks.Get(alertID)
	if !ok {
		return false
	}
	t.mu.Lock()
	wasPending := !t.done
	s.finishLocked(t)
	t.mu.Unlock()
	if wasPending {
		metrics.Escalations.WithLabelValues("acknowledged").Inc()
	}
	return wasPending
}

// Pending counts alerts with an active chain.
func (s *Scheduler) Pending() int {
	return s.tasks.Len()
}

func (s *Scheduler) finishLocked(t *task) {
	t.done = true
	if t.timer != nil {
		t.timer.Stop()
	}
	s.tasks.Delete(t.alertID)
}

func (s *Scheduler) fire(t *task) {
	t.mu.Lock()
	if t.done {
		t.mu.Unlock()
		return
	}
	if s.cfg.Alerts.IsAcknowledged(t.alertID) {
		s.finishLocked(t)
		t.mu.Unlock()
		metrics.Escalations.WithLabelValues("acknowledged").Inc()
		return
	}
	updated, ok := s.cfg.Alerts.Escalate(t.alertID)
	if !ok {
		s.finishLocked(t)
		t.mu.Unlock()
		metrics.Escalations.WithLabelValues("acknowledged").Inc()
		return
	}

	level := updated.EscalationLevel
	if level >= t.rule.Actions.MaxEscalationLevel {
		final := finalNotice(updated)
		channels := t.rule.Actions.Channels
		if s.cfg.CriticalChannels != nil {
			if cc := s.cfg.CriticalChannels(); len(cc) > 0 {
				channels = cc
			}
		}
		for _, ch := range channels {
			s.cfg.Dispatcher.Dispatch(ch, final)
		}
		s.finishLocked(t)
		t.mu.Unlock()
		metrics.Escalations.WithLabelValues("capped").Inc()
		logger.Warnf("alert %s: escalation capped at level %d (rule %s)", t.alertID, level, t.rule.ID)
	} else {
		notice := escalatedNotice(updated)
		for _, ch := range t.rule.Actions.Channels {
			s.cfg.Dispatcher.Dispatch(ch, notice)
		}
		s.scheduleLocked(t)
		t.mu.Unlock()
		metrics.Escalations.WithLabelValues("escalated").Inc()
		logger.Infof("alert %s: escalated to level %d (rule %s)", t.alertID, level, t.rule.ID)
	}

	if s.cfg.OnEscalated != nil {
		s.cfg.OnEscalated(updated)
	}
}

func escalatedNotice(a models.Alert) models.Alert {
	out := a.Clone()
	out.Title = fmt.Sprintf("ESCALATED (Level %d): %s", a.EscalationLevel, a.Title)
	return out
}

func finalNotice(a models.Alert) models.Alert {
	out := a.Clone()
	out.Severity = models.SeverityCritical
	out.Title = fmt.Sprintf("FINAL ESCALATION (Level %d): %s", a.EscalationLevel, a.Title)
	out.Message = fmt.Sprintf("Alert %s reached the maximum escalation level without acknowledgment. %s", a.ID, a.Message)
	return out
}
