package pipeline

import (
	"context"

	"behaviorwatch/internal/input"
	"behaviorwatch/pkg/models"
)

// Source is a queue consumer. Pop returns a zero Message when its wait times out.
type Source interface {
	Pop(ctx context.Context) (input.Message, error)
	Close() error
}

// Ingestor receives decoded payloads.
type Ingestor interface {
	IngestActivity(rec models.ActivityRecord) error
	IngestSignal(sig *models.Signal) ([]models.Alert, error)
}
