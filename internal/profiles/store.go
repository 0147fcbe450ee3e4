// Package profiles keeps one behavior profile per subject.
package profiles

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"behaviorwatch/internal/shard"
	"behaviorwatch/pkg/models"
)

// Config controls profile retention.
type Config struct {
	RecentCapacity int
	DedupeWindow   time.Duration
}

// Store holds profiles in a sharded map; each profile has its own lock so
// activity for one subject is applied in arrival order without blocking others.
type Store struct {
	cfg       Config
	subjects  *shard.Map[*entry]
	anomalies *shard.Map[string]
	now       func() time.Time
}

type entry struct {
	mu      sync.Mutex
	profile models.BehaviorProfile
}

// NewStore creates an empty store.
func NewStore(cfg Config) *Store {
	if cfg.RecentCapacity <= 0 {
		cfg.RecentCapacity = 1000
	}
	if cfg.DedupeWindow <= 0 {
		cfg.DedupeWindow = 24 * time.Hour
	}
	return &Store{
		cfg:       cfg,
		subjects:  shard.New[*entry](0),
		anomalies: shard.New[string](0),
		now:       time.Now,
	}
}

// SetNow overrides the timestamp source used for profile creation.
func (s *Store) SetNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// RecordActivity applies one activity to its subject's profile, creating the profile on first write.
func (s *Store) RecordActivity(rec models.ActivityRecord) bool {
	e, created := s.subjects.GetOrCreate(rec.SubjectID, func() *entry {
		return &entry{profile: models.BehaviorProfile{
			SubjectID: rec.SubjectID,
			Baseline:  models.NewBaseline(),
			CreatedAt: s.now(),
		}}
	})

	e.mu.Lock()
	defer e.mu.Unlock()

	p := &e.profile
	// Dropping the oldest reslices the head; append reallocates only once the
	// backing array's tail is used up, so eviction is amortized O(1).
	if len(p.RecentActivity) >= s.cfg.RecentCapacity {
		drop := len(p.RecentActivity) - s.cfg.RecentCapacity + 1
		clear(p.RecentActivity[:drop])
		p.RecentActivity = p.RecentActivity[drop:]
	}
	p.RecentActivity = append(p.RecentActivity, rec)
	if rec.Timestamp.After(p.LastActivity) {
		p.LastActivity = rec.Timestamp
	}
	learn(&p.Baseline, rec)
	return created
}

// Profile returns a deep snapshot of the subject's profile.
func (s *Store) Profile(subjectID string) (models.BehaviorProfile, bool) {
	e, ok := s.subjects.Get(subjectID)
	if !ok {
		return models.BehaviorProfile{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return snapshot(e.profile), true
}

// Subjects lists every known subject id in sorted order.
func (s *Store) Subjects() []string {
	out := make([]string, 0, s.subjects.Len())
	s.subjects.Range(func(key string, _ *entry) bool {
		out = append(out, key)
		return true
	})
	sort.Strings(out)
	return out
}

// Len returns the number of profiles.
func (s *Store) Len() int {
	return s.subjects.Len()
}

// AddAnomalies stores candidates that are not duplicates of an anomaly of the
// same type raised within the dedupe window, and returns the ones stored.
func (s *Store) AddAnomalies(subjectID string, candidates []models.Anomaly) []models.Anomaly {
	if len(candidates) == 0 {
		return nil
	}
	e, ok := s.subjects.Get(subjectID)
	if !ok {
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	var added []models.Anomaly
	for _, a := range candidates {
		if s.isDuplicate(e.profile.Anomalies, a) {
			continue
		}
		if a.ID == "" {
			a.ID = uuid.NewString()
		}
		a.SubjectID = subjectID
		e.profile.Anomalies = append(e.profile.Anomalies, a)
		s.anomalies.Set(a.ID, subjectID)
		added = append(added, a)
	}
	return added
}

func (s *Store) isDuplicate(existing []models.Anomaly, a models.Anomaly) bool {
	for _, prev := range existing {
		if prev.Type != a.Type {
			continue
		}
		diff := a.Timestamp.Sub(prev.Timestamp)
		if diff < 0 {
			diff = -diff
		}
		if diff < s.cfg.DedupeWindow {
			return true
		}
	}
	return false
}

// ResolveAnomaly marks an anomaly resolved. False when the id is unknown.
func (s *Store) ResolveAnomaly(anomalyID string) (string, bool) {
	return s.mutateAnomaly(anomalyID, func(a *models.Anomaly) { a.Resolved = true })
}

// MarkFalsePositive flags an anomaly as a false positive. False when the id is unknown.
func (s *Store) MarkFalsePositive(anomalyID string) (string, bool) {
	return s.mutateAnomaly(anomalyID, func(a *models.Anomaly) { a.FalsePositive = true })
}

func (s *Store) mutateAnomaly(anomalyID string, fn func(a *models.Anomaly)) (string, bool) {
	subjectID, ok := s.anomalies.Get(anomalyID)
	if !ok {
		return "", false
	}
	e, ok := s.subjects.Get(subjectID)
	if !ok {
		return "", false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for i := range e.profile.Anomalies {
		if e.profile.Anomalies[i].ID == anomalyID {
			fn(&e.profile.Anomalies[i])
			return subjectID, true
		}
	}
	return "", false
}

// UpdateRisk recomputes the subject's risk score with score, which sees the live
// profile and must treat it as read-only.
func (s *Store) UpdateRisk(subjectID string, analyzedAt time.Time, score func(p models.BehaviorProfile) int) (int, bool) {
	e, ok := s.subjects.Get(subjectID)
	if !ok {
		return 0, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.profile.RiskScore = score(e.profile)
	e.profile.LastAnalyzed = analyzedAt
	return e.profile.RiskScore, true
}

// PurgeExpired drops activity older than cutoff and closed anomalies older than
// cutoff from every profile. Open anomalies are kept regardless of age.
func (s *Store) PurgeExpired(cutoff time.Time) (activities, anomalies int) {
	s.subjects.Range(func(_ string, e *entry) bool {
		e.mu.Lock()
		p := &e.profile

		keptAct := p.RecentActivity[:0]
		for _, rec := range p.RecentActivity {
			if rec.Timestamp.Before(cutoff) {
				activities++
				continue
			}
			keptAct = append(keptAct, rec)
		}
		p.RecentActivity = keptAct

		keptAn := p.Anomalies[:0]
		for _, a := range p.Anomalies {
			if !a.Open() && a.Timestamp.Before(cutoff) {
				s.anomalies.Delete(a.ID)
				anomalies++
				continue
			}
			keptAn = append(keptAn, a)
		}
		p.Anomalies = keptAn
		e.mu.Unlock()
		return true
	})
	return activities, anomalies
}

// Purge removes a subject's profile and anomaly index entries.
func (s *Store) Purge(subjectID string) bool {
	e, ok := s.subjects.Get(subjectID)
	if !ok {
		return false
	}
	e.mu.Lock()
	for _, a := range e.profile.Anomalies {
		s.anomalies.Delete(a.ID)
	}
	e.mu.Unlock()
	return s.subjects.Delete(subjectID)
}

// HighRisk lists subjects whose risk score is at least threshold, highest first.
func (s *Store) HighRisk(threshold int) []models.SubjectRisk {
	var out []models.SubjectRisk
	s.subjects.Range(func(_ string, e *entry) bool {
		e.mu.Lock()
		if e.profile.RiskScore >= threshold {
			out = append(out, summary(e.profile))
		}
		e.mu.Unlock()
		return true
	})
	sortRisk(out)
	return out
}

// Summaries returns a risk row for every subject, highest risk first.
func (s *Store) Summaries() []models.SubjectRisk {
	return s.HighRisk(0)
}

// AverageRisk is the mean risk score across profiles; zero when empty.
func (s *Store) AverageRisk() float64 {
	total, n := 0, 0
	s.subjects.Range(func(_ string, e *entry) bool {
		e.mu.Lock()
		total += e.profile.RiskScore
		e.mu.Unlock()
		n++
		return true
	})
	if n == 0 {
		return 0
	}
	return float64(total) / float64(n)
}

func summary(p models.BehaviorProfile) models.SubjectRisk {
	return models.SubjectRisk{
		SubjectID:     p.SubjectID,
		RiskScore:     p.RiskScore,
		OpenAnomalies: p.OpenAnomalies(),
		LastActivity:  p.LastActivity,
	}
}

func sortRisk(rows []models.SubjectRisk) {
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].RiskScore != rows[j].RiskScore {
			return rows[i].RiskScore > rows[j].RiskScore
		}
		return rows[i].SubjectID < rows[j].SubjectID
	})
}

func snapshot(p models.BehaviorProfile) models.BehaviorProfile {
	out := p
	out.Baseline = p.Baseline.Clone()
	out.RecentActivity = append([]models.ActivityRecord(nil), p.RecentActivity...)
	out.Anomalies = make([]models.Anomaly, len(p.Anomalies))
	for i, a := range p.Anomalies {
		if a.Evidence != nil {
			ev := make(map[string]interface{}, len(a.Evidence))
			for k, v := range a.Evidence {
				ev[k] = v
			}
			a.Evidence = ev
		}
		out.Anomalies[i] = a
	}
	return out
}
