// Package notify fans alerts out to notification channels. Sends run on a
// worker pool so callers never wait on channel I/O.
package notify

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"behaviorwatch/internal/logger"
	"behaviorwatch/internal/metrics"
	"behaviorwatch/pkg/models"
)

// Config sizes the worker pool.
type Config struct {
	Workers   int
	QueueSize int
	// CriticalChannel overrides the channel used for final escalation notices.
	CriticalChannel string
}

type task struct {
	channelID string
	alert     models.Alert
}

// Dispatcher looks up channels and hands alerts to the sender for each channel type.
type Dispatcher struct {
	cfg      Config
	channels map[string]models.NotificationChannel
	senders  map[models.ChannelType]Sender

	mu      sync.RWMutex
	tasks   chan task
	started bool
	stopped bool
	wg      sync.WaitGroup
}

// New creates a dispatcher over the configured channels.
func New(cfg Config, channels []models.NotificationChannel) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	d := &Dispatcher{
		cfg:      cfg,
		channels: make(map[string]models.NotificationChannel, len(channels)),
		senders:  make(map[models.ChannelType]Sender),
		tasks:    make(chan task, cfg.QueueSize),
	}
	for _, ch := range channels {
		d.channels[ch.ID] = ch
	}
	d.senders[models.ChannelLog] = LogSender{}
	return d
}

// Register sets the sender for a channel type. Call before Start.
func (d *Dispatcher) Register(t models.ChannelType, s Sender) {
	d.senders[t] = s
}

// Channel returns a configured channel.
func (d *Dispatcher) Channel(id string) (models.NotificationChannel, bool) {
	ch, ok := d.channels[id]
	return ch, ok
}

// Send delivers synchronously. It returns false for missing or disabled
// channels and for delivery failures, which are logged and never propagated.
func (d *Dispatcher) Send(ctx context.Context, channelID string, alert models.Alert) (ok bool) {
	ch, found := d.channels[channelID]
	if !found {
		logger.Warnf("notify: alert %s: channel %s is not configured", alert.ID, channelID)
		metrics.Notifications.WithLabelValues(channelID, "", "unknown").Inc()
		return false
	}
	if !ch.Enabled {
		logger.Debugf("notify: alert %s: channel %s is disabled", alert.ID, channelID)
		metrics.Notifications.WithLabelValues(channelID, string(ch.Type), "disabled").Inc()
		return false
	}
	sender, found := d.senders[ch.Type]
	if !found {
		logger.Warnf("notify: alert %s: no sender for %s channel %s", alert.ID, ch.Type, channelID)
		metrics.Notifications.WithLabelValues(channelID, string(ch.Type), "unsupported").Inc()
		return false
	}

	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("notify: alert %s: channel %s sender panic: %v", alert.ID, channelID, r)
			metrics.Notifications.WithLabelValues(channelID, string(ch.Type), "failed").Inc()
			ok = false
		}
	}()
	if err := sender.Send(ctx, ch, alert); err != nil {
		logger.Errorf("notify: alert %s: channel %s delivery failed: %v", alert.ID, channelID, err)
		metrics.Notifications.WithLabelValues(channelID, string(ch.Type), "failed").Inc()
		return false
	}
	metrics.Notifications.WithLabelValues(channelID, string(ch.Type), "sent").Inc()
	return true
}

// Dispatch queues a send. When the queue is full or the dispatcher is
// stopped the task is dropped with a warning.
func (d *Dispatcher) Dispatch(channelID string, alert models.Alert) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.stopped {
		logger.Warnf("notify: alert %s: dispatcher stopped, dropping send to %s", alert.ID, channelID)
		metrics.Notifications.WithLabelValues(channelID, "", "dropped").Inc()
		return
	}
	select {
	case d.tasks <- task{channelID: channelID, alert: alert.Clone()}:
		metrics.QueueDepth.WithLabelValues("notify").Set(float64(len(d.tasks)))
	default:
		logger.Warnf("notify: alert %s: queue full (%d), dropping send to %s", alert.ID, cap(d.tasks), channelID)
		metrics.Notifications.WithLabelValues(channelID, "", "dropped").Inc()
	}
}

// Start launches the workers. Sends use ctx.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started {
		return fmt.Errorf("dispatcher already started")
	}
	d.started = true
	for i := 0; i < d.cfg.Workers; i++ {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			for t := range d.tasks {
				d.Send(ctx, t.channelID, t.alert)
				metrics.QueueDepth.WithLabelValues("notify").Set(float64(len(d.tasks)))
			}
		}()
	}
	logger.Infof("Notification dispatcher started: workers=%d queue=%d channels=%d", d.cfg.Workers, d.cfg.QueueSize, len(d.channels))
	return nil
}

// Stop stops accepting tasks, drains the queue and waits for the workers.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.stopped = true
	close(d.tasks)
	started := d.started
	d.mu.Unlock()
	if started {
		d.wg.Wait()
	}
}

// CriticalChannels returns the configured critical channel when it is enabled,
// otherwise every enabled channel sharing the highest priority.
func (d *Dispatcher) CriticalChannels() []string {
	if id := d.cfg.CriticalChannel; id != "" {
		if ch, ok := d.channels[id]; ok && ch.Enabled {
			return []string{id}
		}
		logger.Warnf("notify: critical channel %s is missing or disabled, using highest priority", id)
	}
	best := 0
	var out []string
	for id, ch := range d.channels {
		if !ch.Enabled {
			continue
		}
		switch {
		case len(out) == 0 || ch.Priority > best:
			best = ch.Priority
			out = []string{id}
		case ch.Priority == best:
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}
