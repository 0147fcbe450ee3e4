// Package clock is the time source shared by the engine, the rule router and
// the escalation scheduler.
package clock

import (
	"time"

	bclock "github.com/benbjohnson/clock"
)

// Clock provides the current time, delayed callbacks and tickers.
type Clock = bclock.Clock

// Timer is a pending AfterFunc callback.
type Timer = bclock.Timer

// Mock only moves when Add or Set is called. Due AfterFunc callbacks run on
// their own goroutines.
type Mock = bclock.Mock

// New returns the wall clock.
func New() Clock {
	return bclock.New()
}

// NewMock returns a mock clock set to start.
func NewMock(start time.Time) *Mock {
	m := bclock.NewMock()
	m.Set(start)
	return m
}
