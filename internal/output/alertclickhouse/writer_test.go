package alertclickhouse

import (
	"bufio"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"behaviorwatch/pkg/models"
)

func TestWriterSendsJSONEachRow(t *testing.T) {
	var query, user string
	var rows []map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		query = r.URL.Query().Get("query")
		user = r.Header.Get("X-ClickHouse-User")
		sc := bufio.NewScanner(r.Body)
		for sc.Scan() {
			var m map[string]interface{}
			require.NoError(t, json.Unmarshal(sc.Bytes(), &m))
			rows = append(rows, m)
		}
	}))
	defer srv.Close()

	w, err := NewWriter(Config{URL: srv.URL + "/", Database: "sec", Username: "ingest"})
	require.NoError(t, err)
	defer w.Close()

	ts := time.Date(2024, 5, 6, 7, 8, 9, 0, time.UTC)
	err = w.WriteAlerts([]models.AlertEvent{{
		Event:      models.AlertEventCreated,
		RecordedAt: ts,
		Alert: models.Alert{
			ID: "a1", Type: models.AlertSecurity, Severity: models.SeverityCritical,
			Timestamp: ts, Acknowledged: true,
			Metadata: map[string]interface{}{models.MetaSubjectID: "alice"},
		},
	}})
	require.NoError(t, err)

	assert.Equal(t, "INSERT INTO `sec`.`alert_events` FORMAT JSONEachRow", query)
	assert.Equal(t, "ingest", user)
	require.Len(t, rows, 1)
	assert.Equal(t, "alice", rows[0]["subject_id"])
	assert.Equal(t, "2024-05-06 07:08:09.000", rows[0]["ts"])
	assert.Equal(t, float64(1), rows[0]["acknowledged"])
	assert.JSONEq(t, `{"subject_id":"alice"}`, rows[0]["metadata"].(string))
}

func TestWriterSurfacesServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "Code: 60. Table does not exist", http.StatusNotFound)
	}))
	defer srv.Close()

	w, err := NewWriter(Config{URL: srv.URL})
	require.NoError(t, err)
	err = w.WriteAlerts([]models.AlertEvent{{Alert: models.Alert{ID: "a1"}}})
	assert.ErrorContains(t, err, "Table does not exist")
	var ie *InsertError
	require.ErrorAs(t, err, &ie)
	assert.True(t, ie.Permanent())
}

func TestQuoteIdent(t *testing.T) {
	assert.Equal(t, "`x`", quoteIdent("x`"))
	assert.Equal(t, "", quoteIdent(""))
}
