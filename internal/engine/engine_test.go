package engine

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"behaviorwatch/internal/alerts"
	"behaviorwatch/internal/analyzer"
	"behaviorwatch/internal/clock"
	"behaviorwatch/internal/rules"
	"behaviorwatch/pkg/models"
)

type delivery struct {
	channel string
	alert   models.Alert
}

type recordingNotifier struct {
	mu       sync.Mutex
	sent     []delivery
	critical []string
}

func (n *recordingNotifier) Dispatch(channelID string, alert models.Alert) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, delivery{channel: channelID, alert: alert})
}

func (n *recordingNotifier) CriticalChannels() []string { return n.critical }

func (n *recordingNotifier) all() []delivery {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]delivery(nil), n.sent...)
}

// alertLog collects alerts from engine callbacks, which escalation fires off the test goroutine.
type alertLog struct {
	mu     sync.Mutex
	alerts []models.Alert
}

func (l *alertLog) add(a models.Alert) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.alerts = append(l.alerts, a)
}

func (l *alertLog) all() []models.Alert {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]models.Alert(nil), l.alerts...)
}

func (l *alertLog) len() int {
	return len(l.all())
}

// day0 is Monday 2026-06-01 00:00 UTC.
var day0 = time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)

func emailRuleSet() *rules.RuleSet {
	return &rules.RuleSet{
		Channels: []models.NotificationChannel{{ID: "email_standard", Type: models.ChannelEmail, Enabled: true}},
		Rules: []models.AlertRule{{
			ID:         "high-security",
			Enabled:    true,
			Conditions: models.RuleConditions{Severities: []models.Severity{models.SeverityHigh, models.SeverityCritical}},
			Actions: models.RuleActions{
				Channels:           []string{"email_standard"},
				EscalationTime:     10,
				MaxEscalationLevel: 2,
				CooldownTime:       15,
			},
		}},
	}
}

func newEngine(t *testing.T, clk clock.Clock, set *rules.RuleSet, opts ...func(*Options)) (*Engine, *recordingNotifier) {
	t.Helper()
	n := &recordingNotifier{critical: []string{"email_standard"}}
	o := Options{Clock: clk, RuleSet: set, Notifier: n}
	for _, fn := range opts {
		fn(&o)
	}
	e, err := New(Config{}, o)
	require.NoError(t, err)
	return e, n
}

func login(subject string, ts time.Time, loc string) models.ActivityRecord {
	return models.ActivityRecord{
		SubjectID: subject,
		Timestamp: ts,
		Kind:      models.ActivityLogin,
		Details:   models.ActivityDetails{Location: loc, Device: "laptop-7"},
		Risk:      models.SeverityLow,
	}
}

func seedBaseline(t *testing.T, e *Engine, subject string) {
	t.Helper()
	for _, h := range []int{9, 10, 17} {
		require.NoError(t, e.IngestActivity(login(subject, day0.Add(time.Duration(h)*time.Hour), "HQ")))
	}
}

func TestOffHoursVPNLoginEscalatesUntilCapped(t *testing.T) {
	loginTS := day0.Add(3*24*time.Hour + 3*time.Hour)
	clk := clock.NewMock(loginTS.Add(5 * time.Minute))
	e, n := newEngine(t, clk, emailRuleSet())

	created, escalated := &alertLog{}, &alertLog{}
	e.OnAlertCreated(created.add)
	e.OnAlertEscalated(escalated.add)

	seedBaseline(t, e, "u1")
	require.NoError(t, e.IngestActivity(login("u1", loginTS, "Unknown-VPN")))

	res := e.AnalyzeAll(context.Background())
	assert.Equal(t, 1, res.Subjects)
	assert.Equal(t, 2, res.Anomalies)
	assert.Equal(t, 1, res.Alerts)

	p, ok := e.GetProfile("u1")
	require.True(t, ok)
	types := map[models.AnomalyType]models.Severity{}
	var locationAnomaly models.Anomaly
	for _, a := range p.Anomalies {
		types[a.Type] = a.Severity
		if a.Type == models.AnomalyNewLocation {
			locationAnomaly = a
		}
	}
	assert.Equal(t, map[models.AnomalyType]models.Severity{
		models.AnomalyUnusualLoginTime: models.SeverityMedium,
		models.AnomalyNewLocation:      models.SeverityHigh,
	}, types)
	assert.Equal(t, 34, p.RiskScore)

	require.Equal(t, 1, created.len())
	alert := created.all()[0]
	assert.Equal(t, models.SeverityHigh, alert.Severity)
	assert.Equal(t, locationAnomaly.ID, alert.Metadata[models.MetaAnomalyID])
	assert.Equal(t, "u1", alert.Metadata[models.MetaSubjectID])

	sent := n.all()
	require.Len(t, sent, 1)
	assert.Equal(t, "email_standard", sent[0].channel)

	clk.Add(10 * time.Minute)
	require.Eventually(t, func() bool { return escalated.len() == 1 }, time.Second, time.Millisecond)
	sent = n.all()
	require.Len(t, sent, 2)
	assert.True(t, strings.HasPrefix(sent[1].alert.Title, "ESCALATED (Level 1)"))

	clk.Add(10 * time.Minute)
	require.Eventually(t, func() bool { return escalated.len() == 2 }, time.Second, time.Millisecond)
	sent = n.all()
	require.Len(t, sent, 3)
	assert.Equal(t, models.SeverityCritical, sent[2].alert.Severity)
	assert.Equal(t, "email_standard", sent[2].channel)

	clk.Add(time.Hour)
	assert.Never(t, func() bool { return len(n.all()) > 3 }, 50*time.Millisecond, 5*time.Millisecond)
	assert.Equal(t, 2, escalated.len())

	stats := e.GetStatistics()
	assert.Equal(t, 1, stats.Alerts.Total)
	assert.Equal(t, 1, stats.Alerts.Escalated)
	assert.Equal(t, 0, stats.PendingEscalations)

	again := e.AnalyzeAll(context.Background())
	assert.Equal(t, 0, again.Anomalies, "deduplicated within 24h")
}

func TestAcknowledgeStopsEscalation(t *testing.T) {
	clk := clock.NewMock(day0.Add(72 * time.Hour))
	e, n := newEngine(t, clk, emailRuleSet())

	a, err := e.CreateRawAlert(models.AlertInput{Type: models.AlertIDS, Severity: "HIGH", Title: "Port scan", Source: "suricata"})
	require.NoError(t, err)
	require.Len(t, n.all(), 1)

	clk.Add(5 * time.Minute)
	assert.True(t, e.AcknowledgeAlert(a.ID, "alice"))
	assert.False(t, e.AcknowledgeAlert(a.ID, "alice"))
	assert.False(t, e.AcknowledgeAlert("missing", "alice"))

	clk.Add(time.Hour)
	assert.Never(t, func() bool { return len(n.all()) > 1 }, 50*time.Millisecond, 5*time.Millisecond)

	got, _ := e.GetAlert(a.ID)
	assert.Equal(t, "alice", got.AcknowledgedBy)
	assert.Equal(t, 0, got.EscalationLevel)

	no := false
	assert.Empty(t, e.GetAlerts(alerts.Filter{Acknowledged: &no}))
}

func TestCooldownAcrossRawAlerts(t *testing.T) {
	clk := clock.NewMock(day0)
	e, n := newEngine(t, clk, emailRuleSet())
	in := models.AlertInput{Type: models.AlertIDS, Severity: models.SeverityCritical, Title: "Beacon", Source: "zeek"}

	_, err := e.CreateRawAlert(in)
	require.NoError(t, err)
	clk.Add(14 * time.Minute)
	_, err = e.CreateRawAlert(in)
	require.NoError(t, err)

	var first []delivery
	for _, d := range n.all() {
		if !strings.HasPrefix(d.alert.Title, "ESCALATED") {
			first = append(first, d)
		}
	}
	assert.Len(t, first, 1)
	assert.Equal(t, 2, e.GetStatistics().Alerts.Total)
}

func TestHighRiskActivityTriggersImmediateAnalysis(t *testing.T) {
	clk := clock.NewMock(day0.Add(10 * time.Hour))
	e, _ := newEngine(t, clk, nil)

	require.NoError(t, e.IngestActivity(models.ActivityRecord{
		SubjectID: "svc-backup",
		Kind:      models.ActivityPrivilegeEscalation,
		Details:   models.ActivityDetails{Action: "sudo su"},
		Risk:      models.SeverityCritical,
	}))
	require.NoError(t, e.IngestActivity(models.ActivityRecord{SubjectID: "quiet", Kind: models.ActivityLogout}))

	assert.Equal(t, 1, e.AnalyzePending())
	assert.Equal(t, 0, e.AnalyzePending())

	p, _ := e.GetProfile("svc-backup")
	require.Len(t, p.Anomalies, 1)
	assert.Equal(t, models.AnomalyPrivilegeAbuse, p.Anomalies[0].Type)
	assert.Equal(t, 43, p.RiskScore)

	list := e.GetAlerts(alerts.Filter{Severity: models.SeverityCritical})
	require.Len(t, list, 1)

	high := e.ListHighRiskSubjects(40)
	require.Len(t, high, 1)
	assert.Equal(t, "svc-backup", high[0].SubjectID)
	assert.Equal(t, 1, high[0].OpenAnomalies)
}

func TestResolvingAnomaliesLowersRisk(t *testing.T) {
	loginTS := day0.Add(3*24*time.Hour + 3*time.Hour)
	clk := clock.NewMock(loginTS.Add(time.Minute))
	e, _ := newEngine(t, clk, nil)
	seedBaseline(t, e, "u1")
	require.NoError(t, e.IngestActivity(login("u1", loginTS, "Unknown-VPN")))
	e.AnalyzeAll(context.Background())

	p, _ := e.GetProfile("u1")
	require.Len(t, p.Anomalies, 2)
	assert.Equal(t, 34, p.RiskScore)

	for _, a := range p.Anomalies {
		if a.Type == models.AnomalyNewLocation {
			assert.True(t, e.ResolveAnomaly(a.ID))
		} else {
			assert.True(t, e.MarkAnomalyFalsePositive(a.ID))
		}
	}
	p, _ = e.GetProfile("u1")
	assert.Equal(t, 0, p.RiskScore)
	assert.False(t, e.ResolveAnomaly("missing"))
	assert.False(t, e.MarkAnomalyFalsePositive("missing"))
}

type panicMatcher struct{}

func (panicMatcher) Match(known, observed string) bool {
	if observed == "cursed-device" {
		panic("matcher exploded")
	}
	return known == observed
}

func TestAnalysisFailureIsIsolated(t *testing.T) {
	clk := clock.NewMock(day0.Add(3*24*time.Hour + 12*time.Hour))
	det := analyzer.NewDetector(analyzer.DefaultConfig()).WithDeviceMatcher(panicMatcher{})
	e, _ := newEngine(t, clk, nil, func(o *Options) { o.Detector = det })

	for _, s := range []string{"a-bad", "b-good"} {
		seedBaseline(t, e, s)
	}
	bad := login("a-bad", day0.Add(3*24*time.Hour+10*time.Hour), "HQ")
	bad.Details.Device = "cursed-device"
	require.NoError(t, e.IngestActivity(bad))
	require.NoError(t, e.IngestActivity(models.ActivityRecord{
		SubjectID: "b-good",
		Timestamp: day0.Add(3*24*time.Hour + 11*time.Hour),
		Kind:      models.ActivityPrivilegeEscalation,
	}))

	res := e.AnalyzeAll(context.Background())
	assert.Equal(t, 2, res.Subjects)
	assert.Equal(t, 1, res.Failures)
	assert.Equal(t, 1, res.Anomalies)
}

// gateMatcher blocks on the "slow-device" login until release is closed.
type gateMatcher struct {
	entered chan struct{}
	release chan struct{}
}

func (g gateMatcher) Match(known, observed string) bool {
	if observed == "slow-device" {
		g.entered <- struct{}{}
		<-g.release
	}
	return known == observed
}

func TestSlowSubjectDoesNotHoldUpPass(t *testing.T) {
	clk := clock.NewMock(day0.Add(3*24*time.Hour + 12*time.Hour))
	gate := gateMatcher{entered: make(chan struct{}, 1), release: make(chan struct{})}
	det := analyzer.NewDetector(analyzer.DefaultConfig()).WithDeviceMatcher(gate)
	e, _ := newEngine(t, clk, nil, func(o *Options) { o.Detector = det })

	seedBaseline(t, e, "a-slow")
	slow := login("a-slow", day0.Add(3*24*time.Hour+10*time.Hour), "HQ")
	slow.Details.Device = "slow-device"
	require.NoError(t, e.IngestActivity(slow))
	for _, s := range []string{"b-root", "c-root", "d-root"} {
		require.NoError(t, e.IngestActivity(models.ActivityRecord{
			SubjectID: s,
			Timestamp: day0.Add(3*24*time.Hour + 11*time.Hour),
			Kind:      models.ActivityPrivilegeEscalation,
		}))
	}

	done := make(chan PassResult, 1)
	go func() { done <- e.AnalyzeAll(context.Background()) }()
	<-gate.entered

	require.Eventually(t, func() bool {
		for _, s := range []string{"b-root", "c-root", "d-root"} {
			if p, _ := e.GetProfile(s); len(p.Anomalies) != 1 {
				return false
			}
		}
		return true
	}, 2*time.Second, time.Millisecond)

	close(gate.release)
	res := <-done
	assert.Equal(t, 4, res.Subjects)
	assert.Equal(t, 0, res.Failures)
	assert.Equal(t, 4, res.Anomalies)
}

type fakeSignals struct{}

func (fakeSignals) Detect(sig *models.Signal) []models.AlertInput {
	if sig.Field("CommandLine") == "" {
		return nil
	}
	return []models.AlertInput{{
		Type:     models.AlertIDS,
		Severity: models.SeverityLow,
		Title:    "Suspicious command",
		Source:   sig.Host,
		Metadata: map[string]interface{}{"technique": "T1059"},
	}}
}

func TestIngestSignalRaisesAlert(t *testing.T) {
	e, _ := newEngine(t, clock.NewMock(day0), nil, func(o *Options) { o.Signals = fakeSignals{} })

	out, err := e.IngestSignal(&models.Signal{Host: "ws-1", EventID: 1, Fields: map[string]interface{}{"CommandLine": "powershell -enc"}})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, models.AlertIDS, out[0].Type)
	assert.Equal(t, models.SeverityLow, out[0].Severity)
	assert.Equal(t, "ws-1", out[0].Source)
	assert.Equal(t, "T1059", out[0].Metadata["technique"])

	out, err = e.IngestSignal(&models.Signal{Fields: map[string]interface{}{}})
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestInboundValidationAndClose(t *testing.T) {
	e, _ := newEngine(t, clock.NewMock(day0), nil)

	assert.Error(t, e.IngestActivity(models.ActivityRecord{Kind: models.ActivityLogin}))
	assert.Error(t, e.IngestActivity(models.ActivityRecord{SubjectID: "u", Kind: "teleport"}))
	_, err := e.CreateRawAlert(models.AlertInput{Type: "weather", Severity: models.SeverityLow, Title: "x"})
	assert.Error(t, err)
	_, err = e.CreateRawAlert(models.AlertInput{Type: models.AlertSystem, Severity: "urgent", Title: "x"})
	assert.Error(t, err)
	_, err = e.CreateRawAlert(models.AlertInput{Type: models.AlertSystem, Severity: models.SeverityLow})
	assert.Error(t, err)

	require.NoError(t, e.IngestActivity(models.ActivityRecord{SubjectID: "u", Kind: models.ActivityAPICall}))
	recent := e.RecentActivity(10)
	require.Len(t, recent, 1)
	assert.NotEmpty(t, recent[0].ID)
	assert.Equal(t, day0, recent[0].Timestamp)
	assert.Equal(t, models.SeverityLow, recent[0].Risk)

	assert.True(t, e.PurgeSubject("u"))
	assert.False(t, e.PurgeSubject("u"))

	e.Close()
	assert.True(t, errors.Is(e.IngestActivity(models.ActivityRecord{SubjectID: "u", Kind: models.ActivityLogin}), ErrClosed))
	_, err = e.CreateRawAlert(models.AlertInput{Type: models.AlertSystem, Severity: models.SeverityLow, Title: "x"})
	assert.ErrorIs(t, err, ErrClosed)
}

type recordingSnapshots struct {
	mu     sync.Mutex
	rows   []models.SubjectRisk
	writes int
}

func (r *recordingSnapshots) WriteProfiles(_ context.Context, rows []models.SubjectRisk) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rows = rows
	r.writes++
	return nil
}

func (r *recordingSnapshots) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.writes
}

func TestPassPurgesAndPublishesSnapshots(t *testing.T) {
	clk := clock.NewMock(day0)
	snaps := &recordingSnapshots{}
	e, _ := newEngine(t, clk, nil, func(o *Options) { o.Snapshots = snaps })

	require.NoError(t, e.IngestActivity(models.ActivityRecord{SubjectID: "old", Timestamp: day0, Kind: models.ActivityFileAccess}))
	clk.Add(8 * 24 * time.Hour)
	require.NoError(t, e.IngestActivity(models.ActivityRecord{SubjectID: "new", Kind: models.ActivityFileAccess}))

	res := e.AnalyzeAll(context.Background())
	assert.Equal(t, 1, res.PurgedActivities)
	assert.Len(t, e.RecentActivity(0), 1)
	require.Len(t, snaps.rows, 2)

	p, _ := e.GetProfile("old")
	assert.Empty(t, p.RecentActivity)
}

func TestRunTicksServesTriggersAndStopsOnCancel(t *testing.T) {
	clk := clock.NewMock(day0.Add(time.Hour))
	snaps := &recordingSnapshots{}
	e, _ := newEngine(t, clk, nil, func(o *Options) { o.Snapshots = snaps })
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	require.NoError(t, e.IngestActivity(models.ActivityRecord{SubjectID: "root", Kind: models.ActivityPrivilegeEscalation, Risk: models.SeverityHigh}))
	require.Eventually(t, func() bool {
		p, _ := e.GetProfile("root")
		return len(p.Anomalies) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Zero(t, snaps.count(), "immediate analysis is not a full pass")

	clk.Add(5 * time.Minute)
	require.Eventually(t, func() bool { return snaps.count() == 1 }, 2*time.Second, time.Millisecond)

	cancel()
	require.NoError(t, <-done)
	assert.ErrorIs(t, e.IngestActivity(models.ActivityRecord{SubjectID: "root", Kind: models.ActivityLogin}), ErrClosed)
}
