package escalation

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"behaviorwatch/internal/alerts"
	"behaviorwatch/internal/clock"
	"behaviorwatch/pkg/models"
)

type sent struct {
	channel string
	alert   models.Alert
}

type recorder struct {
	mu   sync.Mutex
	sent []sent
}

func (r *recorder) Dispatch(channelID string, alert models.Alert) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, sent{channel: channelID, alert: alert})
}

func (r *recorder) all() []sent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]sent(nil), r.sent...)
}

type fixture struct {
	clock *clock.Mock
	store *alerts.Store
	rec   *recorder
	sched *Scheduler

	mu        sync.Mutex
	escalated []models.Alert
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		clock: clock.NewMock(time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)),
		store: alerts.NewStore(alerts.Config{}),
		rec:   &recorder{},
	}
	f.store.SetNow(f.clock.Now)
	f.sched = New(Config{
		Clock:            f.clock,
		Alerts:           f.store,
		Dispatcher:       f.rec,
		CriticalChannels: func() []string { return []string{"pager"} },
		OnEscalated:      f.recordEscalation,
	})
	return f
}

func (f *fixture) recordEscalation(a models.Alert) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.escalated = append(f.escalated, a)
}

func (f *fixture) escalations() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.escalated)
}

// step advances the clock by d and waits until the timer callback has run,
// which is asynchronous on the mock clock.
func (f *fixture) step(t *testing.T, d time.Duration, escalations int) {
	t.Helper()
	f.clock.Add(d)
	require.Eventually(t, func() bool { return f.escalations() == escalations }, time.Second, time.Millisecond)
}

func (f *fixture) quiet(t *testing.T, sends int) {
	t.Helper()
	assert.Never(t, func() bool { return len(f.rec.all()) > sends }, 50*time.Millisecond, 5*time.Millisecond)
}

func rule(interval, max int) models.AlertRule {
	return models.AlertRule{
		ID:      "r1",
		Enabled: true,
		Actions: models.RuleActions{Channels: []string{"email_standard"}, EscalationTime: interval, MaxEscalationLevel: max},
	}
}

func (f *fixture) newAlert() models.Alert {
	a, _ := f.store.Add(models.AlertInput{Type: models.AlertSecurity, Severity: models.SeverityHigh, Title: "New location", Source: "ueba"})
	return a
}

func TestChainStopsAtMaxLevel(t *testing.T) {
	f := newFixture(t)
	a := f.newAlert()
	require.True(t, f.sched.Arm(a, rule(5, 3)))

	for level := 1; level <= 3; level++ {
		f.step(t, 5*time.Minute, level)
	}
	f.clock.Add(2 * time.Hour)
	f.quiet(t, 3)

	got := f.rec.all()
	require.Len(t, got, 3)
	assert.Equal(t, "email_standard", got[0].channel)
	assert.True(t, strings.HasPrefix(got[0].alert.Title, "ESCALATED (Level 1)"))
	assert.True(t, strings.HasPrefix(got[1].alert.Title, "ESCALATED (Level 2)"))
	assert.Equal(t, "pager", got[2].channel)
	assert.Equal(t, models.SeverityCritical, got[2].alert.Severity)

	assert.Equal(t, 0, f.sched.Pending())
	stored, _ := f.store.Get(a.ID)
	assert.Equal(t, 3, stored.EscalationLevel)
	assert.Equal(t, models.SeverityHigh, stored.Severity, "stored alert keeps its severity")
	assert.Equal(t, 3, f.escalations())
}

func TestAcknowledgeBeforeFirstFireSendsNothing(t *testing.T) {
	f := newFixture(t)
	a := f.newAlert()
	require.True(t, f.sched.Arm(a, rule(10, 3)))

	f.clock.Add(9 * time.Minute)
	_, ok := f.store.Acknowledge(a.ID, "alice")
	require.True(t, ok)
	assert.True(t, f.sched.Cancel(a.ID))

	f.clock.Add(time.Hour)
	f.quiet(t, 0)
	assert.Equal(t, 0, f.sched.Pending())
	assert.Equal(t, 0, f.escalations())
}

func TestAcknowledgedWithoutCancelStopsAtNextFire(t *testing.T) {
	f := newFixture(t)
	a := f.newAlert()
	f.sched.Arm(a, rule(10, 5))

	f.step(t, 10*time.Minute, 1)
	require.Len(t, f.rec.all(), 1)

	f.store.Acknowledge(a.ID, "bob")
	f.clock.Add(time.Hour)
	require.Eventually(t, func() bool { return f.sched.Pending() == 0 }, time.Second, time.Millisecond)
	f.quiet(t, 1)
}

func TestArmIsOncePerAlert(t *testing.T) {
	f := newFixture(t)
	a := f.newAlert()
	assert.True(t, f.sched.Arm(a, rule(10, 2)))
	assert.False(t, f.sched.Arm(a, rule(1, 9)))
	assert.False(t, f.sched.Arm(f.newAlert(), rule(0, 2)), "no interval, no chain")
	assert.Equal(t, 1, f.sched.Pending())

	assert.False(t, f.sched.Cancel("missing"))
}

func TestFinalNoticeFallsBackToRuleChannels(t *testing.T) {
	f := newFixture(t)
	f.sched.cfg.CriticalChannels = func() []string { return nil }
	a := f.newAlert()
	f.sched.Arm(a, rule(10, 1))

	f.step(t, 10*time.Minute, 1)
	got := f.rec.all()
	require.Len(t, got, 1)
	assert.Equal(t, "email_standard", got[0].channel)
	assert.Equal(t, models.SeverityCritical, got[0].alert.Severity)
}
