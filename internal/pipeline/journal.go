package pipeline

import (
	"context"
	"errors"
	"sync"
	"time"

	"behaviorwatch/internal/logger"
	"behaviorwatch/internal/metrics"
	"behaviorwatch/pkg/models"
)

// AlertJournal batches alert lifecycle events to an AlertWriter.
type AlertJournal struct {
	writer        AlertWriter
	events        chan models.AlertEvent
	batchSize     int
	flushInterval time.Duration
	now           func() time.Time

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

// NewAlertJournal creates a journal. Events beyond bufferSize are dropped.
func NewAlertJournal(writer AlertWriter, bufferSize, batchSize int, flushInterval time.Duration) *AlertJournal {
	if bufferSize <= 0 {
		bufferSize = 4096
	}
	if batchSize <= 0 {
		batchSize = 200
	}
	if flushInterval <= 0 {
		flushInterval = 2 * time.Second
	}
	return &AlertJournal{
		writer:        writer,
		events:        make(chan models.AlertEvent, bufferSize),
		batchSize:     batchSize,
		flushInterval: flushInterval,
		now:           time.Now,
		done:          make(chan struct{}),
	}
}

// Created records a new alert. It never blocks.
func (j *AlertJournal) Created(a models.Alert) {
	j.record(models.AlertEventCreated, a)
}

// Escalated records an escalation. It never blocks.
func (j *AlertJournal) Escalated(a models.Alert) {
	j.record(models.AlertEventEscalated, a)
}

func (j *AlertJournal) record(event string, a models.Alert) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.closed {
		return
	}
	select {
	case j.events <- models.AlertEvent{Event: event, RecordedAt: j.now(), Alert: a}:
		metrics.QueueDepth.WithLabelValues("journal").Set(float64(len(j.events)))
	default:
		logger.Warnf("Alert journal buffer full, dropping %s event for alert %s", event, a.ID)
	}
}

// isPermanent reports whether a sink error says the batch can never be written.
func isPermanent(err error) bool {
	var p interface{ Permanent() bool }
	return errors.As(err, &p) && p.Permanent()
}

// Run writes batches until Close is called, then flushes what is left.
// Failed writes are retried until ctx is done unless the sink rejects the
// batch permanently.
func (j *AlertJournal) Run(ctx context.Context) {
	defer close(j.done)
	ticker := time.NewTicker(j.flushInterval)
	defer ticker.Stop()

	var batch []models.AlertEvent
	flush := func() {
		if len(batch) == 0 {
			return
		}
		for {
			if err := j.writer.WriteAlerts(batch); err != nil {
				if isPermanent(err) {
					logger.Errorf("Alert sink rejected %d events, dropping batch: %v", len(batch), err)
					batch = nil
					return
				}
				logger.Errorf("Failed to write alerts: %v", err)
				select {
				case <-ctx.Done():
					return
				case <-time.After(1 * time.Second):
				}
				continue
			}
			batch = nil
			return
		}
	}

	for {
		select {
		case <-ticker.C:
			flush()
		case ev, ok := <-j.events:
			if !ok {
				flush()
				return
			}
			batch = append(batch, ev)
			if len(batch) >= j.batchSize {
				flush()
			}
		}
	}
}

// Close stops accepting events, waits for Run to drain and closes the writer.
// Run must have been started.
func (j *AlertJournal) Close() error {
	j.mu.Lock()
	if j.closed {
		j.mu.Unlock()
		return nil
	}
	j.closed = true
	close(j.events)
	j.mu.Unlock()

	<-j.done
	return j.writer.Close()
}
