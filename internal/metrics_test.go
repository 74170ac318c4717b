package internal

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	return string(body)
}

func TestMetricsExposition(t *testing.T) {
	m := NewMetrics()
	m.RoomCreated()
	m.MessageAppended("text")
	m.EventsDelivered(EventNewMessage, 3)
	m.EventsDropped(2)
	m.SessionOpened()
	m.SessionOpened()
	m.SessionClosed()
	m.Uploaded("image")
	m.RateLimited("http")

	body := scrape(t, m)
	assert.Contains(t, body, "roomchat_rooms_created_total 1")
	assert.Contains(t, body, `roomchat_messages_appended_total{type="text"} 1`)
	assert.Contains(t, body, `roomchat_fanout_events_total{event="newMessage"} 3`)
	assert.Contains(t, body, "roomchat_fanout_dropped_total 2")
	assert.Contains(t, body, "roomchat_active_sessions 1")
	assert.Contains(t, body, `roomchat_uploads_total{type="image"} 1`)
	assert.Contains(t, body, `roomchat_rate_limited_total{surface="http"} 1`)
}

func TestHubCloseReleasesSessionGauge(t *testing.T) {
	m := NewMetrics()
	hub := NewHub(WithHubLogger(quietLogger()), WithHubMetrics(m))
	connect(t, hub, "alice", 4)
	connect(t, hub, "bob", 4)
	hub.Disconnect("bob")
	require.Contains(t, scrape(t, m), "roomchat_active_sessions 1")

	hub.Close()
	hub.Disconnect("alice")
	hub.Close()
	assert.Contains(t, scrape(t, m), "roomchat_active_sessions 0")
}

func TestNilMetricsAreSafe(t *testing.T) {
	var m *Metrics
	m.RoomCreated()
	m.EventsDropped(1)
	m.SessionOpened()

	rec := httptest.NewRecorder()
	m.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
