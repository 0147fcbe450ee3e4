package pipeline

import "behaviorwatch/pkg/models"

// AlertWriter writes alert journal batches.
type AlertWriter interface {
	WriteAlerts(events []models.AlertEvent) error
	Close() error
}
