// Package engine composes the behavior analytics and alerting components and
// exposes the inbound, query and command operations used by adapters.
package engine

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"behaviorwatch/internal/activitylog"
	"behaviorwatch/internal/alerts"
	"behaviorwatch/internal/analyzer"
	"behaviorwatch/internal/clock"
	"behaviorwatch/internal/escalation"
	"behaviorwatch/internal/logger"
	"behaviorwatch/internal/metrics"
	"behaviorwatch/internal/profiles"
	"behaviorwatch/internal/rules"
	"behaviorwatch/pkg/models"
)

// ErrClosed is returned by inbound operations after Close.
var ErrClosed = errors.New("engine: closed")

// Notifier queues channel sends and names the channels for final escalation notices.
type Notifier interface {
	Dispatch(channelID string, alert models.Alert)
	CriticalChannels() []string
}

// Config holds engine tunables.
type Config struct {
	AnalysisInterval time.Duration
	AnalysisWorkers  int
	Retention        time.Duration
	DedupeWindow     time.Duration
	RecentCapacity   int
	LogCapacity      int
	MaxAlerts        int
	// AlertSource is the source recorded on alerts promoted from anomalies.
	AlertSource string
}

func (c *Config) applyDefaults() {
	if c.AnalysisInterval <= 0 {
		c.AnalysisInterval = 5 * time.Minute
	}
	if c.AnalysisWorkers <= 0 {
		c.AnalysisWorkers = 4
	}
	if c.Retention <= 0 {
		c.Retention = 7 * 24 * time.Hour
	}
	if c.AlertSource == "" {
		c.AlertSource = "behavior-analytics"
	}
}

// Options supplies collaborators. Clock, Detector and Signals are optional.
type Options struct {
	Clock     clock.Clock
	Detector  *analyzer.Detector
	RuleSet   *rules.RuleSet
	Notifier  Notifier
	Signals   rules.SignalDetector
	Snapshots SnapshotWriter
}

// Engine is the service object holding every shared registry.
type Engine struct {
	cfg   Config
	clock clock.Clock

	activity   *activitylog.Log
	profiles   *profiles.Store
	detector   *analyzer.Detector
	alerts     *alerts.Store
	router     *rules.Router
	escalation *escalation.Scheduler
	signals    rules.SignalDetector
	snapshots  SnapshotWriter

	subMu       sync.RWMutex
	onCreated   []func(models.Alert)
	onEscalated []func(models.Alert)

	pendingMu sync.Mutex
	pending   map[string]struct{}
	triggerCh chan struct{}

	closed atomic.Bool
}

// New wires the engine.
func New(cfg Config, opts Options) (*Engine, error) {
	cfg.applyDefaults()
	if opts.Notifier == nil {
		return nil, fmt.Errorf("engine: notifier is required")
	}
	if opts.RuleSet == nil {
		opts.RuleSet = &rules.RuleSet{}
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Detector == nil {
		opts.Detector = analyzer.NewDetector(analyzer.DefaultConfig())
	}
	if opts.Signals == nil {
		opts.Signals = &rules.NoopDetector{}
	}

	e := &Engine{
		cfg:       cfg,
		clock:     opts.Clock,
		activity:  activitylog.New(cfg.LogCapacity),
		profiles:  profiles.NewStore(profiles.Config{RecentCapacity: cfg.RecentCapacity, DedupeWindow: cfg.DedupeWindow}),
		detector:  opts.Detector,
		alerts:    alerts.NewStore(alerts.Config{MaxAlerts: cfg.MaxAlerts}),
		signals:   opts.Signals,
		snapshots: opts.Snapshots,
		pending:   make(map[string]struct{}),
		triggerCh: make(chan struct{}, 1),
	}
	e.profiles.SetNow(e.clock.Now)
	e.alerts.SetNow(e.clock.Now)
	e.escalation = escalation.New(escalation.Config{
		Clock:            e.clock,
		Alerts:           e.alerts,
		Dispatcher:       opts.Notifier,
		CriticalChannels: opts.Notifier.CriticalChannels,
		OnEscalated:      e.emitEscalated,
	})
	e.router = rules.NewRouter(opts.RuleSet, e.clock, opts.Notifier, e.escalation)
	return e, nil
}

// OnAlertCreated subscribes fn to every new alert.
func (e *Engine) OnAlertCreated(fn func(models.Alert)) {
	e.subMu.Lock()
	defer e.subMu.Unlock()
	e.onCreated = append(e.onCreated, fn)
}

// OnAlertEscalated subscribes fn to every escalation.
func (e *Engine) OnAlertEscalated(fn func(models.Alert)) {
	e.subMu.Lock()
	defer e.subMu.Unlock()
	e.onEscalated = append(e.onEscalated, fn)
}

func (e *Engine) emitCreated(a models.Alert) {
	e.subMu.RLock()
	subs := e.onCreated
	e.subMu.RUnlock()
	for _, fn := range subs {
		fn(a.Clone())
	}
}

func (e *Engine) emitEscalated(a models.Alert) {
	e.subMu.RLock()
	subs := e.onEscalated
	e.subMu.RUnlock()
	for _, fn := range subs {
		fn(a.Clone())
	}
}

// IngestActivity records an activity against its subject. HIGH and CRITICAL
// activity schedules an immediate analysis of that subject.
func (e *Engine) IngestActivity(rec models.ActivityRecord) error {
	if e.closed.Load() {
		return ErrClosed
	}
	if rec.SubjectID == "" {
		return fmt.Errorf("activity: subject id is required")
	}
	if !rec.Kind.Valid() {
		return fmt.Errorf("activity %s: unknown kind %q", rec.SubjectID, rec.Kind)
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = e.clock.Now()
	}
	if !rec.Risk.Valid() {
		rec.Risk = models.SeverityLow
	}

	e.activity.Append(rec)
	if e.profiles.RecordActivity(rec) {
		metrics.Profiles.Set(float64(e.profiles.Len()))
	}
	metrics.ActivitiesIngested.WithLabelValues(string(rec.Kind), string(rec.Risk)).Inc()

	if rec.Risk.AtLeastHigh() {
		e.trigger(rec.SubjectID)
	}
	return nil
}

// CreateRawAlert injects an alert from a non-behavioral detector.
func (e *Engine) CreateRawAlert(in models.AlertInput) (models.Alert, error) {
	if e.closed.Load() {
		return models.Alert{}, ErrClosed
	}
	if !in.Type.Valid() {
		return models.Alert{}, fmt.Errorf("alert: unknown type %q", in.Type)
	}
	sev, ok := models.ParseSeverity(string(in.Severity))
	if !ok {
		return models.Alert{}, fmt.Errorf("alert: unknown severity %q", in.Severity)
	}
	in.Severity = sev
	if in.Title == "" {
		return models.Alert{}, fmt.Errorf("alert: title is required")
	}
	return e.createAlert(in), nil
}

func (e *Engine) createAlert(in models.AlertInput) models.Alert {
	alert, evicted := e.alerts.Add(in)
	for _, id := range evicted {
		e.escalation.Cancel(id)
	}
	metrics.AlertsCreated.WithLabelValues(string(alert.Type), string(alert.Severity)).Inc()
	logger.Infof("alert %s created: %s %s %q (source=%s)", alert.ID, alert.Severity, alert.Type, alert.Title, alert.Source)

	e.emitCreated(alert)
	routed := e.router.Route(alert)
	if len(routed) == 0 {
		logger.Debugf("alert %s matched no rule", alert.ID)
	}
	e.refreshAlertGauge()
	return alert
}

// IngestSignal runs a raw signal through the signal detector and raises an alert per match.
func (e *Engine) IngestSignal(sig *models.Signal) ([]models.Alert, error) {
	if e.closed.Load() {
		return nil, ErrClosed
	}
	inputs := e.signals.Detect(sig)
	metrics.SignalsEvaluated.WithLabelValues(fmt.Sprintf("%t", len(inputs) > 0)).Inc()

	out := make([]models.Alert, 0, len(inputs))
	for _, in := range inputs {
		a, err := e.CreateRawAlert(in)
		if err != nil {
			return out, err
		}
		out = append(out, a)
	}
	return out, nil
}

// Close rejects further ingestion. Pending escalations keep running.
func (e *Engine) Close() {
	e.closed.Store(true)
}

// Healthy returns ErrClosed once Close has been called.
func (e *Engine) Healthy() error {
	if e.closed.Load() {
		return ErrClosed
	}
	return nil
}
