// Package alerts holds created alerts and their acknowledgment/escalation state.
package alerts

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"behaviorwatch/internal/shard"
	"behaviorwatch/pkg/models"
)

// Config controls alert retention.
type Config struct {
	MaxAlerts int
}

// Store keeps alerts in creation order and evicts the oldest past MaxAlerts.
type Store struct {
	cfg   Config
	byID  *shard.Map[*entry]
	now   func() time.Time
	newID func() string

	mu    sync.Mutex
	order []string
	head  int

	unacked atomic.Int64
}

type entry struct {
	mu      sync.Mutex
	alert   models.Alert
	evicted bool
}

// Filter selects alerts for List. Zero fields match everything.
type Filter struct {
	Severity     models.Severity
	Type         models.AlertType
	Acknowledged *bool
	Limit        int
}

// Stats summarizes the retained alerts.
type Stats struct {
	Total          int                      `json:"total"`
	BySeverity     map[models.Severity]int  `json:"by_severity"`
	ByType         map[models.AlertType]int `json:"by_type"`
	Acknowledged   int                      `json:"acknowledged"`
	Unacknowledged int                      `json:"unacknowledged"`
	Escalated      int                      `json:"escalated"`
}

// NewStore creates an alert store.
func NewStore(cfg Config) *Store {
	if cfg.MaxAlerts <= 0 {
		cfg.MaxAlerts = 10000
	}
	return &Store{
		cfg:   cfg,
		byID:  shard.New[*entry](0),
		now:   time.Now,
		newID: uuid.NewString,
	}
}

// SetNow overrides the timestamp source.
func (s *Store) SetNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// Add assigns an id and timestamp, stores the alert and returns a copy.
// evicted holds the ids dropped to stay under the retention cap.
func (s *Store) Add(in models.AlertInput) (alert models.Alert, evicted []string) {
	alert = models.Alert{
		ID:        s.newID(),
		Type:      in.Type,
		Severity:  in.Severity,
		Title:     in.Title,
		Message:   in.Message,
		Source:    in.Source,
		Timestamp: s.now(),
		Metadata:  in.Metadata,
	}
	alert = alert.Clone()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.byID.Set(alert.ID, &entry{alert: alert})
	s.unacked.Add(1)
	s.order = append(s.order, alert.ID)
	for len(s.order)-s.head > s.cfg.MaxAlerts {
		id := s.order[s.head]
		s.order[s.head] = ""
		s.head++
		s.evict(id)
		evicted = append(evicted, id)
	}
	if s.head > len(s.order)/2 && s.head > 1024 {
		s.order = append([]string(nil), s.order[s.head:]...)
		s.head = 0
	}
	return alert.Clone(), evicted
}

// evict drops id; the entry is flagged so a racing Acknowledge cannot count it twice.
func (s *Store) evict(id string) {
	e, ok := s.byID.Get(id)
	if !ok {
		return
	}
	s.byID.Delete(id)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.evicted = true
	if !e.alert.Acknowledged {
		s.unacked.Add(-1)
	}
}

// Get returns a copy of the alert.
func (s *Store) Get(id string) (models.Alert, bool) {
	e, ok := s.byID.Get(id)
	if !ok {
		return models.Alert{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.alert.Clone(), true
}

// Acknowledge marks the alert acknowledged. It returns false for unknown ids
// and for alerts that were already acknowledged.
func (s *Store) Acknowledge(id, by string) (models.Alert, bool) {
	e, ok := s.byID.Get(id)
	if !ok {
		return models.Alert{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.evicted {
		return models.Alert{}, false
	}
	if e.alert.Acknowledged {
		return e.alert.Clone(), false
	}
	at := s.now()
	e.alert.Acknowledged = true
	e.alert.AcknowledgedBy = by
	e.alert.AcknowledgedAt = &at
	s.unacked.Add(-1)
	return e.alert.Clone(), true
}

// IsAcknowledged reports the current acknowledgment state. Unknown alerts
// count as acknowledged so pending work on evicted alerts stops.
func (s *Store) IsAcknowledged(id string) bool {
	e, ok := s.byID.Get(id)
	if !ok {
		return true
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.alert.Acknowledged
}

// Escalate raises the escalation level of an unacknowledged alert and returns
// the updated copy. It fails for unknown or acknowledged alerts.
func (s *Store) Escalate(id string) (models.Alert, bool) {
	e, ok := s.byID.Get(id)
	if !ok {
		return models.Alert{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.alert.Acknowledged {
		return models.Alert{}, false
	}
	e.alert.Escalated = true
	e.alert.EscalationLevel++
	return e.alert.Clone(), true
}

// List returns matching alerts, newest first.
func (s *Store) List(f Filter) []models.Alert {
	ids := s.ids()
	out := make([]models.Alert, 0)
	for i := len(ids) - 1; i >= 0; i-- {
		a, ok := s.Get(ids[i])
		if !ok || !f.matches(a) {
			continue
		}
		out = append(out, a)
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out
}

func (f Filter) matches(a models.Alert) bool {
	if f.Severity != "" && a.Severity != f.Severity {
		return false
	}
	if f.Type != "" && a.Type != f.Type {
		return false
	}
	if f.Acknowledged != nil && a.Acknowledged != *f.Acknowledged {
		return false
	}
	return true
}

// Stats counts retained alerts.
func (s *Store) Stats() Stats {
	st := Stats{
		BySeverity: make(map[models.Severity]int),
		ByType:     make(map[models.AlertType]int),
	}
	for _, id := range s.ids() {
		a, ok := s.Get(id)
		if !ok {
			continue
		}
		st.Total++
		st.BySeverity[a.Severity]++
		st.ByType[a.Type]++
		if a.Acknowledged {
			st.Acknowledged++
		} else {
			st.Unacknowledged++
		}
		if a.Escalated {
			st.Escalated++
		}
	}
	return st
}

// Unacknowledged returns the number of retained alerts not yet acknowledged
// without scanning the store.
func (s *Store) Unacknowledged() int {
	return int(s.unacked.Load())
}

// Len returns the number of retained alerts.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.order) - s.head
}

func (s *Store) ids() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.order[s.head:]...)
}
