package profiles

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"behaviorwatch/pkg/models"
)

var base = time.Date(2026, 4, 6, 9, 0, 0, 0, time.UTC) // Monday

func login(subject string, ts time.Time, loc, device string) models.ActivityRecord {
	return models.ActivityRecord{
		SubjectID: subject,
		Timestamp: ts,
		Kind:      models.ActivityLogin,
		Details:   models.ActivityDetails{Location: loc, Device: device},
		Risk:      models.SeverityLow,
	}
}

func TestRecordActivityLearnsBaselineWithFirstSeen(t *testing.T) {
	s := NewStore(Config{})
	created := s.RecordActivity(login("u1", base, "HQ", "laptop-1"))
	assert.True(t, created)
	s.RecordActivity(login("u1", base.Add(time.Hour), "HQ", "laptop-1"))

	p, ok := s.Profile("u1")
	require.True(t, ok)
	assert.Equal(t, base, p.Baseline.Locations["HQ"])
	assert.Equal(t, base, p.Baseline.LoginHours[9])
	assert.Contains(t, p.Baseline.LoginHours, 10)
	assert.Contains(t, p.Baseline.WorkingDays, int(time.Monday))
	assert.Contains(t, p.Baseline.CommonActions, "login")
	assert.Len(t, p.RecentActivity, 2)

	assert.False(t, p.Baseline.KnownLocation("HQ", base))
	assert.True(t, p.Baseline.KnownLocation("HQ", base.Add(time.Minute)))
}

func TestRecentActivityEvictsOldest(t *testing.T) {
	s := NewStore(Config{RecentCapacity: 3})
	for i := 0; i < 5; i++ {
		s.RecordActivity(login("u1", base.Add(time.Duration(i)*time.Minute), "HQ", ""))
	}
	p, _ := s.Profile("u1")
	require.Len(t, p.RecentActivity, 3)
	assert.Equal(t, base.Add(2*time.Minute), p.RecentActivity[0].Timestamp)
	assert.Equal(t, base.Add(4*time.Minute), p.LastActivity)
}

func TestRecentActivityEvictionDoesNotShift(t *testing.T) {
	s := NewStore(Config{RecentCapacity: 100})
	n := 0
	push := func() {
		s.RecordActivity(login("u1", base.Add(time.Duration(n)*time.Second), "HQ", ""))
		n++
	}
	for n < 101 {
		push()
	}
	e, ok := s.subjects.Get("u1")
	require.True(t, ok)
	// a push into a full backing array reallocates once; after that eviction stays in place
	for cap(e.profile.RecentActivity) == len(e.profile.RecentActivity) {
		push()
	}
	secondOldest := &e.profile.RecentActivity[1]

	push()
	require.Len(t, e.profile.RecentActivity, 100)
	assert.True(t, secondOldest == &e.profile.RecentActivity[0], "eviction moved retained records")
	assert.Equal(t, base.Add(time.Duration(n-100)*time.Second), e.profile.RecentActivity[0].Timestamp)
	assert.Equal(t, base.Add(time.Duration(n-1)*time.Second), e.profile.RecentActivity[99].Timestamp)
}

func TestProfileSnapshotIsIsolated(t *testing.T) {
	s := NewStore(Config{})
	s.RecordActivity(login("u1", base, "HQ", ""))
	p, _ := s.Profile("u1")
	p.Baseline.Locations["Elsewhere"] = base
	p.RecentActivity[0].SubjectID = "tampered"

	again, _ := s.Profile("u1")
	assert.NotContains(t, again.Baseline.Locations, "Elsewhere")
	assert.Equal(t, "u1", again.RecentActivity[0].SubjectID)
}

func TestAPIRateLearnsHourlyAverage(t *testing.T) {
	s := NewStore(Config{})
	for h := 0; h < 3; h++ {
		for i := 0; i < 10; i++ {
			s.RecordActivity(models.ActivityRecord{
				SubjectID: "svc",
				Timestamp: base.Add(time.Duration(h)*time.Hour + time.Duration(i)*time.Minute),
				Kind:      models.ActivityAPICall,
			})
		}
	}
	p, _ := s.Profile("svc")
	assert.InDelta(t, 10.0, p.Baseline.APICallRate, 1e-9)
	assert.Equal(t, 2, p.Baseline.APIHoursSeen)
	assert.Equal(t, 10, p.Baseline.APIBucketCount)
}

func TestAddAnomaliesDedupesWithinWindow(t *testing.T) {
	s := NewStore(Config{})
	s.RecordActivity(login("u1", base, "HQ", ""))

	first := s.AddAnomalies("u1", []models.Anomaly{{Type: models.AnomalyNewLocation, Severity: models.SeverityHigh, Timestamp: base}})
	require.Len(t, first, 1)
	assert.NotEmpty(t, first[0].ID)

	dup := s.AddAnomalies("u1", []models.Anomaly{{Type: models.AnomalyNewLocation, Timestamp: base.Add(23 * time.Hour)}})
	assert.Empty(t, dup)

	other := s.AddAnomalies("u1", []models.Anomaly{{Type: models.AnomalyNewDevice, Timestamp: base.Add(time.Hour)}})
	assert.Len(t, other, 1)

	later := s.AddAnomalies("u1", []models.Anomaly{{Type: models.AnomalyNewLocation, Timestamp: base.Add(25 * time.Hour)}})
	assert.Len(t, later, 1)

	p, _ := s.Profile("u1")
	assert.Len(t, p.Anomalies, 3)
	assert.Nil(t, s.AddAnomalies("ghost", []models.Anomaly{{Type: models.AnomalyNewLocation}}))
}

func TestResolveAndFalsePositive(t *testing.T) {
	s := NewStore(Config{})
	s.RecordActivity(login("u1", base, "HQ", ""))
	added := s.AddAnomalies("u1", []models.Anomaly{
		{Type: models.AnomalyNewLocation, Timestamp: base},
		{Type: models.AnomalyNewDevice, Timestamp: base},
	})
	require.Len(t, added, 2)

	subject, ok := s.ResolveAnomaly(added[0].ID)
	assert.True(t, ok)
	assert.Equal(t, "u1", subject)
	_, ok = s.MarkFalsePositive(added[1].ID)
	assert.True(t, ok)
	_, ok = s.ResolveAnomaly("missing")
	assert.False(t, ok)

	p, _ := s.Profile("u1")
	assert.True(t, p.Anomalies[0].Resolved)
	assert.True(t, p.Anomalies[1].FalsePositive)
	assert.Equal(t, 0, p.OpenAnomalies())
}

func TestPurgeExpiredKeepsOpenAnomalies(t *testing.T) {
	s := NewStore(Config{})
	s.RecordActivity(login("u1", base, "HQ", ""))
	s.RecordActivity(login("u1", base.Add(8*24*time.Hour), "HQ", ""))
	added := s.AddAnomalies("u1", []models.Anomaly{
		{Type: models.AnomalyNewLocation, Timestamp: base},
		{Type: models.AnomalyNewDevice, Timestamp: base},
	})
	s.ResolveAnomaly(added[0].ID)

	acts, ans := s.PurgeExpired(base.Add(24 * time.Hour))
	assert.Equal(t, 1, acts)
	assert.Equal(t, 1, ans)

	p, _ := s.Profile("u1")
	require.Len(t, p.Anomalies, 1)
	assert.Equal(t, models.AnomalyNewDevice, p.Anomalies[0].Type)
	_, ok := s.ResolveAnomaly(added[0].ID)
	assert.False(t, ok)
}

func TestHighRiskAndPurge(t *testing.T) {
	s := NewStore(Config{})
	for i, score := range []int{10, 80, 55} {
		id := fmt.Sprintf("u%d", i)
		s.RecordActivity(login(id, base, "HQ", ""))
		s.UpdateRisk(id, base, func(models.BehaviorProfile) int { return score })
	}

	rows := s.HighRisk(50)
	require.Len(t, rows, 2)
	assert.Equal(t, "u1", rows[0].SubjectID)
	assert.Equal(t, 80, rows[0].RiskScore)
	assert.InDelta(t, 145.0/3.0, s.AverageRisk(), 1e-9)

	assert.True(t, s.Purge("u1"))
	assert.False(t, s.Purge("u1"))
	assert.Equal(t, 2, s.Len())
}

func TestConcurrentIngestForOneSubjectLosesNothing(t *testing.T) {
	s := NewStore(Config{RecentCapacity: 10000})
	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s.RecordActivity(login("u1", base.Add(time.Duration(i)*time.Second), fmt.Sprintf("loc-%d", i%20), ""))
		}(i)
	}
	wg.Wait()
	p, _ := s.Profile("u1")
	assert.Len(t, p.RecentActivity, 200)
	assert.Len(t, p.Baseline.Locations, 20)
}
