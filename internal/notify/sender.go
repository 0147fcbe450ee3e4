package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/smtp"
	"strings"
	"time"

	"behaviorwatch/internal/logger"
	"behaviorwatch/pkg/models"
)

// Sender delivers one alert over one channel type.
type Sender interface {
	Send(ctx context.Context, ch models.NotificationChannel, alert models.Alert) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, ch models.NotificationChannel, alert models.Alert) error

// Send calls f.
func (f SenderFunc) Send(ctx context.Context, ch models.NotificationChannel, alert models.Alert) error {
	return f(ctx, ch, alert)
}

// SMTPConfig configures the email sender.
type SMTPConfig struct {
	Addr     string
	From     string
	Username string
	Password string
}

// SMTPSender sends HTML email through an SMTP relay.
type SMTPSender struct {
	cfg      SMTPConfig
	sendMail func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

// NewSMTPSender creates an email sender.
func NewSMTPSender(cfg SMTPConfig) (*SMTPSender, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("smtp addr is empty")
	}
	if cfg.From == "" {
		return nil, fmt.Errorf("smtp from address is empty")
	}
	return &SMTPSender{cfg: cfg, sendMail: smtp.SendMail}, nil
}

// Send renders and delivers the email.
func (s *SMTPSender) Send(ctx context.Context, ch models.NotificationChannel, alert models.Alert) error {
	msg, err := BuildEmail(alert, ch)
	if err != nil {
		return err
	}
	if len(msg.To) == 0 {
		return fmt.Errorf("channel %s has no recipients", ch.ID)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	var auth smtp.Auth
	if s.cfg.Username != "" {
		host := s.cfg.Addr
		if i := strings.LastIndex(host, ":"); i > 0 {
			host = host[:i]
		}
		auth = smtp.PlainAuth("", s.cfg.Username, s.cfg.Password, host)
	}
	if err := s.sendMail(s.cfg.Addr, auth, s.cfg.From, msg.To, mimeMessage(s.cfg.From, msg)); err != nil {
		return fmt.Errorf("smtp send: %w", err)
	}
	return nil
}

func mimeMessage(from string, msg EmailMessage) []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(msg.To, ", "))
	fmt.Fprintf(&b, "Subject: %s\r\n", msg.Subject)
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/html; charset=UTF-8\r\n\r\n")
	b.WriteString(msg.HTML)
	return b.Bytes()
}

// HTTPSender posts webhook cards, SMS gateway requests and push notifications.
type HTTPSender struct {
	client *http.Client
}

// NewHTTPSender creates an HTTP sender. Per-channel timeouts apply on top of the client.
func NewHTTPSender(client *http.Client) *HTTPSender {
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPSender{client: client}
}

// Send builds the payload for the channel type and delivers it.
func (s *HTTPSender) Send(ctx context.Context, ch models.NotificationChannel, alert models.Alert) error {
	var payload interface{}
	switch ch.Type {
	case models.ChannelWebhook:
		payload = BuildWebhookCard(alert)
	case models.ChannelSMS:
		payload = SMSRequest{To: ch.Config.Recipients, Body: BuildSMS(alert, ch)}
	case models.ChannelPush:
		payload = BuildPush(alert, ch)
	default:
		return fmt.Errorf("http sender does not handle %s channels", ch.Type)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	timeout := ch.Config.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	method := ch.Config.Method
	if method == "" {
		method = http.MethodPost
	}
	req, err := http.NewRequestWithContext(ctx, method, ch.Config.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range ch.Config.Headers {
		req.Header.Set(k, v)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("http request failed: %w", err)
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("http request failed with status %s", resp.Status)
	}
	return nil
}

// Broadcaster fans events out to connected real-time clients.
type Broadcaster interface {
	Broadcast(ctx context.Context, event BroadcastEvent) error
}

// BroadcastSender delivers websocket channels through a Broadcaster.
type BroadcastSender struct {
	B Broadcaster
}

// Send broadcasts the alert.
func (s BroadcastSender) Send(ctx context.Context, ch models.NotificationChannel, alert models.Alert) error {
	if s.B == nil {
		return fmt.Errorf("no broadcaster configured for channel %s", ch.ID)
	}
	return s.B.Broadcast(ctx, BuildBroadcast(alert))
}

// LogSender writes alerts to the process log.
type LogSender struct{}

// Send logs the alert at warn level.
func (LogSender) Send(ctx context.Context, ch models.NotificationChannel, alert models.Alert) error {
	logger.WithFields(logger.Fields{
		"channel":          ch.ID,
		"alert_id":         alert.ID,
		"severity":         alert.Severity,
		"type":             alert.Type,
		"source":           alert.Source,
		"escalation_level": alert.EscalationLevel,
	}).Warn(alert.Title)
	return nil
}
