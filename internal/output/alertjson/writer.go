package alertjson

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"behaviorwatch/internal/logger"
	"behaviorwatch/pkg/models"
)

// Writer appends alert journal events to a JSON lines file. When MaxBytes is
// set the file is rotated to path.<unix-nanos> once it grows past the limit.
type Writer struct {
	path     string
	maxBytes int64
	now      func() time.Time

	mu      sync.Mutex
	file    *os.File
	encoder *json.Encoder
	size    int64
}

// countingWriter tracks bytes written to the current file.
type countingWriter struct{ w *Writer }

func (c countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.file.Write(p)
	c.w.size += int64(n)
	return n, err
}

// NewWriter opens path for appending, creating it and its directory if needed.
// maxBytes <= 0 disables rotation.
func NewWriter(path string, maxBytes int64) (*Writer, error) {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create output directory: %w", err)
		}
	}

	w := &Writer{path: path, maxBytes: maxBytes, now: time.Now}
	if err := w.open(); err != nil {
		return nil, err
	}
	logger.Infof("Alert JSON writer initialized: %s", path)
	return w, nil
}

func (w *Writer) open() error {
	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open output file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("failed to stat output file: %w", err)
	}
	w.file = f
	w.size = info.Size()
	w.encoder = json.NewEncoder(countingWriter{w})
	return nil
}

func (w *Writer) rotate() error {
	if err := w.file.Close(); err != nil {
		return fmt.Errorf("failed to close output file: %w", err)
	}
	w.file = nil
	rotated := fmt.Sprintf("%s.%d", w.path, w.now().UnixNano())
	if err := os.Rename(w.path, rotated); err != nil {
		return fmt.Errorf("failed to rotate output file: %w", err)
	}
	logger.Infof("Alert JSON file rotated to %s", rotated)
	return w.open()
}

// WriteAlerts writes a batch of events, one per line.
func (w *Writer) WriteAlerts(events []models.AlertEvent) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return fmt.Errorf("alert JSON writer for %s is closed", w.path)
	}
	for _, ev := range events {
		if err := w.encoder.Encode(ev); err != nil {
			return fmt.Errorf("failed to encode alert %s: %w", ev.Alert.ID, err)
		}
	}
	if w.maxBytes > 0 && w.size >= w.maxBytes {
		return w.rotate()
	}
	return nil
}

// Close closes the output file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file != nil {
		err := w.file.Close()
		w.file = nil
		return err
	}
	return nil
}
