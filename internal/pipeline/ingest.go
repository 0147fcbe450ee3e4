package pipeline

import (
	"context"
	"errors"
	"sync"
	"time"

	"behaviorwatch/internal/input"
	"behaviorwatch/internal/logger"
	"behaviorwatch/internal/metrics"
	"behaviorwatch/internal/transform/activity"
)

// errStop ends the pipeline when the ingestor has shut down.
var errStop = errors.New("pipeline: ingestor closed")

// IngestPipeline consumes queue messages, decodes them on a worker pool and
// hands them to the ingestor.
type IngestPipeline struct {
	source   Source
	ingestor Ingestor
	workers  int
	// stopOn reports ingestor errors that mean no further input will be accepted.
	stopOn func(error) bool
}

// NewIngestPipeline creates a pipeline. stopOn may be nil.
func NewIngestPipeline(source Source, ingestor Ingestor, workers int, stopOn func(error) bool) *IngestPipeline {
	if workers <= 0 {
		workers = 8
	}
	if stopOn == nil {
		stopOn = func(error) bool { return false }
	}
	return &IngestPipeline{
		source:   source,
		ingestor: ingestor,
		workers:  workers,
		stopOn:   stopOn,
	}
}

// Run starts the pipeline loop and blocks until ctx is done or the ingestor closes.
func (p *IngestPipeline) Run(ctx context.Context) error {
	logger.Infof("Ingest pipeline started: workers=%d", p.workers)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	msgCh := make(chan input.Message, p.workers*4)
	var stopped bool
	var stopOnce sync.Once

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		p.readLoop(ctx, msgCh)
		close(msgCh)
	}()

	for i := 0; i < p.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := p.workerLoop(msgCh); errors.Is(err, errStop) {
				stopOnce.Do(func() {
					stopped = true
					cancel()
				})
			}
		}()
	}

	wg.Wait()
	if stopped {
		logger.Infof("Ingest pipeline stopped: ingestor closed")
		return nil
	}
	return ctx.Err()
}

// Close releases the source.
func (p *IngestPipeline) Close() error {
	if p.source != nil {
		return p.source.Close()
	}
	return nil
}

func (p *IngestPipeline) readLoop(ctx context.Context, out chan<- input.Message) {
	for {
		msg, err := p.source.Pop(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Errorf("Failed to pop queue message: %v", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(500 * time.Millisecond):
			}
			continue
		}
		if msg.Payload == nil {
			if ctx.Err() != nil {
				return
			}
			continue
		}
		select {
		case out <- msg:
			metrics.QueueDepth.WithLabelValues("ingest").Set(float64(len(out)))
		case <-ctx.Done():
			return
		}
	}
}

func (p *IngestPipeline) workerLoop(in <-chan input.Message) error {
	for msg := range in {
		if err := p.handle(msg); err != nil {
			if p.stopOn(err) {
				return errStop
			}
		}
	}
	return nil
}

func (p *IngestPipeline) handle(msg input.Message) error {
	switch msg.Kind {
	case input.KindActivity:
		rec, err := activity.ParseActivity(msg.Payload)
		if err != nil {
			logger.Warnf("Failed to parse activity: %v", err)
			return nil
		}
		if err := p.ingestor.IngestActivity(rec); err != nil {
			if !p.stopOn(err) {
				logger.Warnf("Activity for %s rejected: %v", rec.SubjectID, err)
			}
			return err
		}
	case input.KindSignal:
		sig, err := activity.ParseSignal(msg.Payload)
		if err != nil {
			logger.Warnf("Failed to parse signal: %v", err)
			return nil
		}
		if _, err := p.ingestor.IngestSignal(sig); err != nil {
			if !p.stopOn(err) {
				logger.Warnf("Signal from %s rejected: %v", sig.Host, err)
			}
			return err
		}
	default:
		logger.Warnf("Dropping message of unknown kind %s", msg.Kind)
	}
	return nil
}
