package alerthttp

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"behaviorwatch/pkg/models"
)

// Config configures the HTTP writer.
type Config struct {
	URL     string
	Timeout time.Duration
	Headers map[string]string
	// Gzip compresses request bodies.
	Gzip bool
}

// StatusError is a non-2xx response. Client errors other than 408 and 429
// will not succeed on retry.
type StatusError struct {
	Code   int
	Status string
	Body   string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("http request failed with status %s", e.Status)
	}
	return fmt.Sprintf("http request failed with status %s: %s", e.Status, e.Body)
}

// Permanent reports whether retrying the same batch is pointless.
func (e *StatusError) Permanent() bool {
	if e.Code == http.StatusRequestTimeout || e.Code == http.StatusTooManyRequests {
		return false
	}
	return e.Code >= 400 && e.Code < 500
}

// Writer posts alert journal batches to a collector as one JSON array per batch.
type Writer struct {
	url     string
	headers map[string]string
	gzip    bool
	client  *http.Client
}

// NewWriter creates an HTTP writer.
func NewWriter(cfg Config) (*Writer, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("http alert URL is empty")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Writer{
		url:     cfg.URL,
		headers: cfg.Headers,
		gzip:    cfg.Gzip,
		client:  &http.Client{Timeout: timeout},
	}, nil
}

// WriteAlerts posts a batch of events.
func (w *Writer) WriteAlerts(events []models.AlertEvent) error {
	if len(events) == 0 {
		return nil
	}

	body, err := w.encode(events)
	if err != nil {
		return err
	}

	req, err := http.NewRequest(http.MethodPost, w.url, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if w.gzip {
		req.Header.Set("Content-Encoding", "gzip")
	}
	for k, v := range w.headers {
		req.Header.Set(k, v)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{Code: resp.StatusCode, Status: resp.Status, Body: strings.TrimSpace(string(snippet))}
	}
	io.Copy(io.Discard, resp.Body)
	return nil
}

func (w *Writer) encode(events []models.AlertEvent) (io.Reader, error) {
	raw, err := json.Marshal(events)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal alerts: %w", err)
	}
	if !w.gzip {
		return bytes.NewReader(raw), nil
	}
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(raw); err != nil {
		return nil, fmt.Errorf("failed to compress alerts: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("failed to compress alerts: %w", err)
	}
	return &buf, nil
}

// Close drops idle connections.
func (w *Writer) Close() error {
	w.client.CloseIdleConnections()
	return nil
}
