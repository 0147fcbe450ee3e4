package notify

import (
	"bytes"
	"fmt"
	"html/template"
	"sort"
	"strings"
	"time"

	"behaviorwatch/pkg/models"
)

// SeverityColor is the accent color used for a severity in rich payloads.
func SeverityColor(s models.Severity) string {
	switch s {
	case models.SeverityCritical:
		return "#b71c1c"
	case models.SeverityHigh:
		return "#e65100"
	case models.SeverityMedium:
		return "#f9a825"
	case models.SeverityLow:
		return "#2e7d32"
	default:
		return "#546e7a"
	}
}

// EmailMessage is a rendered email.
type EmailMessage struct {
	To      []string
	Subject string
	HTML    string
	Text    string
}

var emailTemplate = template.Must(template.New("email").Parse(`<!DOCTYPE html>
<html>
<body style="font-family: Arial, sans-serif; margin: 0; padding: 0;">
  <div style="background-color: {{.Color}}; color: #ffffff; padding: 16px;">
    <h2 style="margin: 0;">{{.Alert.Title}}</h2>
    <p style="margin: 4px 0 0 0;">{{.Severity}} {{.Alert.Type}} alert from {{.Alert.Source}}</p>
  </div>
  <div style="padding: 16px;">
    <p>{{.Alert.Message}}</p>
    <table style="border-collapse: collapse;">
      <tr><td><strong>Alert ID</strong></td><td>{{.Alert.ID}}</td></tr>
      <tr><td><strong>Time</strong></td><td>{{.Time}}</td></tr>
      {{- if .Alert.EscalationLevel}}
      <tr><td><strong>Escalation level</strong></td><td>{{.Alert.EscalationLevel}}</td></tr>
      {{- end}}
      {{- range .Metadata}}
      <tr><td><strong>{{.Key}}</strong></td><td>{{.Value}}</td></tr>
      {{- end}}
    </table>
  </div>
</body>
</html>
`))

type metaRow struct {
	Key   string
	Value string
}

// BuildEmail renders the HTML email for an alert.
func BuildEmail(alert models.Alert, ch models.NotificationChannel) (EmailMessage, error) {
	data := struct {
		Alert    models.Alert
		Severity string
		Color    string
		Time     string
		Metadata []metaRow
	}{
		Alert:    alert,
		Severity: strings.ToUpper(string(alert.Severity)),
		Color:    SeverityColor(alert.Severity),
		Time:     alert.Timestamp.UTC().Format(time.RFC1123),
		Metadata: sortedMeta(alert.Metadata),
	}

	var buf bytes.Buffer
	if err := emailTemplate.Execute(&buf, data); err != nil {
		return EmailMessage{}, fmt.Errorf("render email: %w", err)
	}
	return EmailMessage{
		To:      append([]string(nil), ch.Config.Recipients...),
		Subject: fmt.Sprintf("[%s] %s", data.Severity, alert.Title),
		HTML:    buf.String(),
		Text:    fmt.Sprintf("%s\n\n%s\n\nAlert %s at %s", alert.Title, alert.Message, alert.ID, data.Time),
	}, nil
}

// WebhookCard is the JSON body posted to webhook channels.
type WebhookCard struct {
	Text        string              `json:"text"`
	Attachments []WebhookAttachment `json:"attachments"`
	Alert       models.Alert        `json:"alert"`
}

// WebhookAttachment is one colored block of a webhook card.
type WebhookAttachment struct {
	Color  string         `json:"color"`
	Title  string         `json:"title"`
	Text   string         `json:"text"`
	Fields []WebhookField `json:"fields"`
	TS     int64          `json:"ts"`
}

// WebhookField is a key/value row inside an attachment.
type WebhookField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

// BuildWebhookCard builds the structured card for webhook channels.
func BuildWebhookCard(alert models.Alert) WebhookCard {
	fields := []WebhookField{
		{Title: "Severity", Value: strings.ToUpper(string(alert.Severity)), Short: true},
		{Title: "Type", Value: string(alert.Type), Short: true},
		{Title: "Source", Value: alert.Source, Short: true},
		{Title: "Alert ID", Value: alert.ID, Short: true},
	}
	if alert.EscalationLevel > 0 {
		fields = append(fields, WebhookField{Title: "Escalation level", Value: fmt.Sprintf("%d", alert.EscalationLevel), Short: true})
	}
	return WebhookCard{
		Text: fmt.Sprintf("Security alert: %s", alert.Title),
		Attachments: []WebhookAttachment{{
			Color:  SeverityColor(alert.Severity),
			Title:  alert.Title,
			Text:   alert.Message,
			Fields: fields,
			TS:     alert.Timestamp.Unix(),
		}},
		Alert: alert,
	}
}

// DefaultSMSTemplate is used when a channel has no template.
const DefaultSMSTemplate = "[{severity}] {title}: {message} ({time})"

const smsLimit = 160

// BuildSMS substitutes alert fields into the channel template and trims to one SMS.
// Placeholders: {id} {severity} {type} {title} {message} {source} {time} {level}.
func BuildSMS(alert models.Alert, ch models.NotificationChannel) string {
	tmpl := ch.Config.Template
	if tmpl == "" {
		tmpl = DefaultSMSTemplate
	}
	r := strings.NewReplacer(
		"{id}", alert.ID,
		"{severity}", strings.ToUpper(string(alert.Severity)),
		"{type}", string(alert.Type),
		"{title}", alert.Title,
		"{message}", alert.Message,
		"{source}", alert.Source,
		"{time}", alert.Timestamp.UTC().Format("2006-01-02 15:04 MST"),
		"{level}", fmt.Sprintf("%d", alert.EscalationLevel),
	)
	msg := r.Replace(tmpl)
	if runes := []rune(msg); len(runes) > smsLimit {
		msg = string(runes[:smsLimit-3]) + "..."
	}
	return msg
}

// SMSRequest is the body posted to an SMS gateway.
type SMSRequest struct {
	To   []string `json:"to"`
	Body string   `json:"body"`
}

// PushNotification is the body posted to a push gateway.
type PushNotification struct {
	To       []string          `json:"to,omitempty"`
	Title    string            `json:"title"`
	Body     string            `json:"body"`
	Priority string            `json:"priority"`
	Data     map[string]string `json:"data"`
}

// BuildPush builds a push notification; high and critical alerts are sent with high priority.
func BuildPush(alert models.Alert, ch models.NotificationChannel) PushNotification {
	priority := "normal"
	if alert.Severity.AtLeastHigh() {
		priority = "high"
	}
	body := alert.Message
	if runes := []rune(body); len(runes) > 240 {
		body = string(runes[:237]) + "..."
	}
	return PushNotification{
		To:       append([]string(nil), ch.Config.Recipients...),
		Title:    alert.Title,
		Body:     body,
		Priority: priority,
		Data: map[string]string{
			"alert_id": alert.ID,
			"severity": string(alert.Severity),
			"type":     string(alert.Type),
		},
	}
}

// BroadcastEvent is what real-time subscribers receive.
type BroadcastEvent struct {
	Event string       `json:"event"`
	Alert models.Alert `json:"alert"`
}

// BuildBroadcast wraps the alert for real-time subscribers.
func BuildBroadcast(alert models.Alert) BroadcastEvent {
	event := "alert.created"
	if alert.EscalationLevel > 0 {
		event = "alert.escalated"
	}
	return BroadcastEvent{Event: event, Alert: alert}
}

func sortedMeta(meta map[string]interface{}) []metaRow {
	if len(meta) == 0 {
		return nil
	}
	keys := make([]string, 0, len(meta))
	for k := range meta {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	rows := make([]metaRow, 0, len(keys))
	for _, k := range keys {
		rows = append(rows, metaRow{Key: k, Value: fmt.Sprintf("%v", meta[k])})
	}
	return rows
}
