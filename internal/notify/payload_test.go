package notify

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"behaviorwatch/pkg/models"
)

func sampleAlert() models.Alert {
	return models.Alert{
		ID:        "a-1",
		Type:      models.AlertSecurity,
		Severity:  models.SeverityHigh,
		Title:     "New location for u1",
		Message:   "Login from <Unknown-VPN>",
		Source:    "ueba",
		Timestamp: time.Date(2026, 6, 4, 3, 0, 0, 0, time.UTC),
		Metadata:  map[string]interface{}{"subject_id": "u1", "anomaly_id": "an-9"},
	}
}

func TestBuildEmail(t *testing.T) {
	ch := models.NotificationChannel{ID: "email_standard", Type: models.ChannelEmail, Config: models.ChannelConfig{Recipients: []string{"soc@example.com"}}}
	msg, err := BuildEmail(sampleAlert(), ch)
	require.NoError(t, err)

	assert.Equal(t, []string{"soc@example.com"}, msg.To)
	assert.Equal(t, "[HIGH] New location for u1", msg.Subject)
	assert.Contains(t, msg.HTML, SeverityColor(models.SeverityHigh))
	assert.Contains(t, msg.HTML, "Login from &lt;Unknown-VPN&gt;")
	assert.Less(t, strings.Index(msg.HTML, "anomaly_id"), strings.Index(msg.HTML, "subject_id"))
	assert.NotContains(t, msg.HTML, "Escalation level")

	escalated := sampleAlert()
	escalated.EscalationLevel = 2
	msg, err = BuildEmail(escalated, ch)
	require.NoError(t, err)
	assert.Contains(t, msg.HTML, "Escalation level")
}

func TestSeverityColorsDiffer(t *testing.T) {
	seen := map[string]bool{}
	for _, s := range []models.Severity{models.SeverityLow, models.SeverityMedium, models.SeverityHigh, models.SeverityCritical} {
		seen[SeverityColor(s)] = true
	}
	assert.Len(t, seen, 4)
}

func TestBuildWebhookCard(t *testing.T) {
	card := BuildWebhookCard(sampleAlert())
	require.Len(t, card.Attachments, 1)
	att := card.Attachments[0]
	assert.Equal(t, SeverityColor(models.SeverityHigh), att.Color)
	assert.Equal(t, int64(1780542000), att.TS)
	assert.Len(t, att.Fields, 4)
	assert.Equal(t, "HIGH", att.Fields[0].Value)
	assert.Equal(t, "a-1", card.Alert.ID)
}

func TestBuildSMS(t *testing.T) {
	ch := models.NotificationChannel{Config: models.ChannelConfig{Template: "{severity}/{type} {title} [{id}] L{level} {unknown}"}}
	assert.Equal(t, "HIGH/security New location for u1 [a-1] L0 {unknown}", BuildSMS(sampleAlert(), ch))

	def := BuildSMS(sampleAlert(), models.NotificationChannel{})
	assert.Equal(t, "[HIGH] New location for u1: Login from <Unknown-VPN> (2026-06-04 03:00 UTC)", def)

	long := sampleAlert()
	long.Message = strings.Repeat("x", 400)
	out := BuildSMS(long, models.NotificationChannel{})
	assert.Len(t, []rune(out), 160)
	assert.True(t, strings.HasSuffix(out, "..."))
}

func TestBuildPushAndBroadcast(t *testing.T) {
	p := BuildPush(sampleAlert(), models.NotificationChannel{Config: models.ChannelConfig{Recipients: []string{"device-1"}}})
	assert.Equal(t, "high", p.Priority)
	assert.Equal(t, "a-1", p.Data["alert_id"])

	low := sampleAlert()
	low.Severity = models.SeverityLow
	assert.Equal(t, "normal", BuildPush(low, models.NotificationChannel{}).Priority)

	assert.Equal(t, "alert.created", BuildBroadcast(sampleAlert()).Event)
	low.EscalationLevel = 1
	assert.Equal(t, "alert.escalated", BuildBroadcast(low).Event)
}
