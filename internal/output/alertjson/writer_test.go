package alertjson

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"behaviorwatch/pkg/models"
)

func readEvents(t *testing.T, path string) []models.AlertEvent {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var out []models.AlertEvent
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var ev models.AlertEvent
		require.NoError(t, json.Unmarshal(sc.Bytes(), &ev))
		out = append(out, ev)
	}
	return out
}

func TestWriterAppendsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "alerts.jsonl")
	at := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)

	w, err := NewWriter(path, 0)
	require.NoError(t, err)
	require.NoError(t, w.WriteAlerts([]models.AlertEvent{
		{Event: models.AlertEventCreated, RecordedAt: at, Alert: models.Alert{ID: "a1", Severity: models.SeverityHigh}},
	}))
	require.NoError(t, w.Close())
	assert.NoError(t, w.Close())
	assert.Error(t, w.WriteAlerts([]models.AlertEvent{{}}))

	w, err = NewWriter(path, 0)
	require.NoError(t, err)
	require.NoError(t, w.WriteAlerts([]models.AlertEvent{
		{Event: models.AlertEventEscalated, RecordedAt: at, Alert: models.Alert{ID: "a1", EscalationLevel: 1}},
	}))
	require.NoError(t, w.Close())

	got := readEvents(t, path)
	require.Len(t, got, 2)
	assert.Equal(t, models.AlertEventCreated, got[0].Event)
	assert.Equal(t, models.SeverityHigh, got[0].Alert.Severity)
	assert.Equal(t, 1, got[1].Alert.EscalationLevel)
}

func TestWriterRotatesPastLimit(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "alerts.jsonl")

	w, err := NewWriter(path, 10)
	require.NoError(t, err)
	tick := int64(41)
	w.now = func() time.Time {
		tick++
		return time.Unix(0, tick)
	}

	require.NoError(t, w.WriteAlerts([]models.AlertEvent{{Alert: models.Alert{ID: "first"}}}))
	require.NoError(t, w.WriteAlerts([]models.AlertEvent{{Alert: models.Alert{ID: "second"}}}))
	require.NoError(t, w.Close())

	first := readEvents(t, path+".42")
	require.Len(t, first, 1)
	assert.Equal(t, "first", first[0].Alert.ID)
	second := readEvents(t, path+".43")
	require.Len(t, second, 1)
	assert.Equal(t, "second", second[0].Alert.ID)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Zero(t, info.Size())
}
