// Package activitylog keeps a bounded, time-windowed journal of normalized activity.
package activitylog

import (
	"sync"
	"time"

	"behaviorwatch/pkg/models"
)

// Log is an append-only ring of activity records. When full, the oldest record is overwritten.
type Log struct {
	mu    sync.RWMutex
	buf   []models.ActivityRecord
	start int
	size  int
}

// New creates a log holding at most capacity records.
func New(capacity int) *Log {
	if capacity <= 0 {
		capacity = 100000
	}
	return &Log{buf: make([]models.ActivityRecord, capacity)}
}

// Append adds a record, evicting the oldest when at capacity.
func (l *Log) Append(rec models.ActivityRecord) {
	l.mu.Lock()
	defer l.mu.Unlock()
	idx := (l.start + l.size) % len(l.buf)
	if l.size == len(l.buf) {
		l.buf[l.start] = rec
		l.start = (l.start + 1) % len(l.buf)
		return
	}
	l.buf[idx] = rec
	l.size++
}

// Len returns the number of retained records.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.size
}

// Recent returns up to limit newest records, newest first. limit <= 0 returns everything.
func (l *Log) Recent(limit int) []models.ActivityRecord {
	l.mu.RLock()
	defer l.mu.RUnlock()
	n := l.size
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]models.ActivityRecord, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, l.buf[(l.start+l.size-1-i)%len(l.buf)])
	}
	return out
}

// Since returns records with timestamps at or after t, in append order.
func (l *Log) Since(t time.Time) []models.ActivityRecord {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []models.ActivityRecord
	for i := 0; i < l.size; i++ {
		rec := l.buf[(l.start+i)%len(l.buf)]
		if !rec.Timestamp.Before(t) {
			out = append(out, rec)
		}
	}
	return out
}

// Purge drops records older than cutoff and returns how many were removed.
// Records are compacted in append order.
func (l *Log) Purge(cutoff time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	kept := make([]models.ActivityRecord, 0, l.size)
	for i := 0; i < l.size; i++ {
		rec := l.buf[(l.start+i)%len(l.buf)]
		if !rec.Timestamp.Before(cutoff) {
			kept = append(kept, rec)
		}
	}
	removed := l.size - len(kept)
	if removed == 0 {
		return 0
	}
	next := make([]models.ActivityRecord, len(l.buf))
	copy(next, kept)
	l.buf = next
	l.start = 0
	l.size = len(kept)
	return removed
}
