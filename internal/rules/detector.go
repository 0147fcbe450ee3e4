package rules

import "behaviorwatch/pkg/models"

// SignalDetector turns a raw signal into alert inputs, one per matching detection rule.
type SignalDetector interface {
	Detect(sig *models.Signal) []models.AlertInput
}

// NoopDetector never matches.
type NoopDetector struct{}

// Detect returns nil.
func (n *NoopDetector) Detect(sig *models.Signal) []models.AlertInput {
	return nil
}
