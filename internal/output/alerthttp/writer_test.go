package alerthttp

import (
	"compress/gzip"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"behaviorwatch/pkg/models"
)

func TestWriterPostsBatch(t *testing.T) {
	var got []models.AlertEvent
	var token string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		token = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	w, err := NewWriter(Config{URL: srv.URL, Headers: map[string]string{"Authorization": "Bearer t"}})
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, w.WriteAlerts([]models.AlertEvent{
		{Event: models.AlertEventCreated, Alert: models.Alert{ID: "a1"}},
		{Event: models.AlertEventCreated, Alert: models.Alert{ID: "a2"}},
	}))
	assert.Equal(t, "Bearer t", token)
	require.Len(t, got, 2)
	assert.Equal(t, "a2", got[1].Alert.ID)
}

func TestWriterGzip(t *testing.T) {
	var got []models.AlertEvent
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "gzip", r.Header.Get("Content-Encoding"))
		zr, err := gzip.NewReader(r.Body)
		require.NoError(t, err)
		require.NoError(t, json.NewDecoder(zr).Decode(&got))
	}))
	defer srv.Close()

	w, err := NewWriter(Config{URL: srv.URL, Gzip: true})
	require.NoError(t, err)
	require.NoError(t, w.WriteAlerts([]models.AlertEvent{{Event: models.AlertEventEscalated, Alert: models.Alert{ID: "a1"}}}))
	require.Len(t, got, 1)
	assert.Equal(t, models.AlertEventEscalated, got[0].Event)
}

func TestWriterClassifiesStatus(t *testing.T) {
	var code atomic.Int32
	code.Store(http.StatusBadGateway)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream down", int(code.Load()))
	}))
	defer srv.Close()

	w, err := NewWriter(Config{URL: srv.URL})
	require.NoError(t, err)
	assert.NoError(t, w.WriteAlerts(nil))

	batch := []models.AlertEvent{{Alert: models.Alert{ID: "a1"}}}
	var se *StatusError
	err = w.WriteAlerts(batch)
	require.True(t, errors.As(err, &se))
	assert.False(t, se.Permanent())
	assert.Contains(t, err.Error(), "upstream down")

	code.Store(http.StatusBadRequest)
	require.True(t, errors.As(w.WriteAlerts(batch), &se))
	assert.True(t, se.Permanent())

	code.Store(http.StatusTooManyRequests)
	require.True(t, errors.As(w.WriteAlerts(batch), &se))
	assert.False(t, se.Permanent())
}

func TestNewWriterRequiresURL(t *testing.T) {
	_, err := NewWriter(Config{})
	assert.Error(t, err)
}
