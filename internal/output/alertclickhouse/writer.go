package alertclickhouse

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"behaviorwatch/pkg/models"
)

// Config configures the ClickHouse HTTP writer.
type Config struct {
	URL      string
	Database string
	Table    string
	Username string
	Password string
	Timeout  time.Duration
	Headers  map[string]string
}

// Writer inserts alert journal events into ClickHouse via HTTP JSONEachRow.
type Writer struct {
	endpoint string
	headers  map[string]string
	client   *http.Client
}

// row is the flattened table shape. Metadata is stored as a JSON string.
type row struct {
	Event           string `json:"event"`
	RecordedAt      string `json:"recorded_at"`
	AlertID         string `json:"alert_id"`
	Type            string `json:"type"`
	Severity        string `json:"severity"`
	Title           string `json:"title"`
	Message         string `json:"message"`
	Source          string `json:"source"`
	Timestamp       string `json:"ts"`
	Acknowledged    uint8  `json:"acknowledged"`
	EscalationLevel int    `json:"escalation_level"`
	SubjectID       string `json:"subject_id"`
	Metadata        string `json:"metadata"`
}

const chTime = "2006-01-02 15:04:05.000"

// NewWriter creates a ClickHouse HTTP writer.
func NewWriter(cfg Config) (*Writer, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("clickhouse URL is empty")
	}
	if cfg.Database == "" {
		cfg.Database = "default"
	}
	if cfg.Table == "" {
		cfg.Table = "alert_events"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	q := fmt.Sprintf("INSERT INTO %s.%s FORMAT JSONEachRow", quoteIdent(cfg.Database), quoteIdent(cfg.Table))
	base := strings.TrimRight(cfg.URL, "/")
	endpoint := base + "/?query=" + url.QueryEscape(q)

	headers := map[string]string{}
	for k, v := range cfg.Headers {
		headers[k] = v
	}
	if cfg.Username != "" {
		headers["X-ClickHouse-User"] = cfg.Username
	}
	if cfg.Password != "" {
		headers["X-ClickHouse-Key"] = cfg.Password
	}

	return &Writer{
		endpoint: endpoint,
		headers:  headers,
		client:   &http.Client{Timeout: timeout},
	}, nil
}

// WriteAlerts sends a batch of events.
func (w *Writer) WriteAlerts(events []models.AlertEvent) error {
	if len(events) == 0 {
		return nil
	}

	var body bytes.Buffer
	enc := json.NewEncoder(&body)
	for _, ev := range events {
		r, err := toRow(ev)
		if err != nil {
			return err
		}
		if err := enc.Encode(r); err != nil {
			return fmt.Errorf("failed to marshal alert %s: %w", ev.Alert.ID, err)
		}
	}

	req, err := http.NewRequest(http.MethodPost, w.endpoint, &body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range w.headers {
		req.Header.Set(k, v)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("clickhouse request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode >= 300 {
		return &InsertError{Code: resp.StatusCode, Status: resp.Status, Body: strings.TrimSpace(string(respBody))}
	}
	return nil
}

// InsertError is a rejected insert. ClickHouse answers 4xx for malformed rows
// and unknown tables, which no retry will fix.
type InsertError struct {
	Code   int
	Status string
	Body   string
}

func (e *InsertError) Error() string {
	return fmt.Sprintf("clickhouse request failed with status %s: %s", e.Status, e.Body)
}

// Permanent reports whether retrying the same batch is pointless.
func (e *InsertError) Permanent() bool {
	return e.Code >= 400 && e.Code < 500 && e.Code != http.StatusTooManyRequests
}

// Close releases resources.
func (w *Writer) Close() error {
	w.client.CloseIdleConnections()
	return nil
}

func toRow(ev models.AlertEvent) (row, error) {
	a := ev.Alert
	meta := "{}"
	if len(a.Metadata) > 0 {
		raw, err := json.Marshal(a.Metadata)
		if err != nil {
			return row{}, fmt.Errorf("failed to marshal metadata of alert %s: %w", a.ID, err)
		}
		meta = string(raw)
	}
	subject, _ := a.Metadata[models.MetaSubjectID].(string)

	r := row{
		Event:           ev.Event,
		RecordedAt:      ev.RecordedAt.UTC().Format(chTime),
		AlertID:         a.ID,
		Type:            string(a.Type),
		Severity:        string(a.Severity),
		Title:           a.Title,
		Message:         a.Message,
		Source:          a.Source,
		Timestamp:       a.Timestamp.UTC().Format(chTime),
		EscalationLevel: a.EscalationLevel,
		SubjectID:       subject,
		Metadata:        meta,
	}
	if a.Acknowledged {
		r.Acknowledged = 1
	}
	return r, nil
}

func quoteIdent(v string) string {
	if v == "" {
		return ""
	}
	v = strings.ReplaceAll(v, "`", "")
	return "`" + v + "`"
}
