package internal

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the server's Prometheus collectors. Each instance owns its
// registry so several servers can live in one process. All methods are safe
// on a nil receiver.
type Metrics struct {
	registry *prometheus.Registry

	roomsCreated   prometheus.Counter
	messages       *prometheus.CounterVec
	eventsSent     *prometheus.CounterVec
	eventsDropped  prometheus.Counter
	activeSessions prometheus.Gauge
	uploads        *prometheus.CounterVec
	rateLimited    *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		roomsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "roomchat",
			Name:      "rooms_created_total",
			Help:      "Rooms created.",
		}),
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "roomchat",
			Name:      "messages_appended_total",
			Help:      "Messages appended to room logs, by type.",
		}, []string{"type"}),
		eventsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "roomchat",
			Name:      "fanout_events_total",
			Help:      "Events queued for delivery to sessions, by event type.",
		}, []string{"event"}),
		eventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "roomchat",
			Name:      "fanout_dropped_total",
			Help:      "Queued events discarded because a session fell behind.",
		}),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "roomchat",
			Name:      "active_sessions",
			Help:      "Connected websocket sessions.",
		}),
		uploads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "roomchat",
			Name:      "uploads_total",
			Help:      "Accepted media uploads, by type.",
		}, []string{"type"}),
		rateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "roomchat",
			Name:      "rate_limited_total",
			Help:      "Requests rejected by rate limiting, by surface.",
		}, []string{"surface"}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.roomsCreated,
		m.messages,
		m.eventsSent,
		m.eventsDropped,
		m.activeSessions,
		m.uploads,
		m.rateLimited,
	)
	return m
}

func (m *Metrics) RoomCreated() {
	if m == nil {
		return
	}
	m.roomsCreated.Inc()
}

func (m *Metrics) MessageAppended(kind string) {
	if m == nil {
		return
	}
	m.messages.WithLabelValues(kind).Inc()
}

func (m *Metrics) EventsDelivered(event EventType, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.eventsSent.WithLabelValues(string(event)).Add(float64(n))
}

func (m *Metrics) EventsDropped(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.eventsDropped.Add(float64(n))
}

func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.activeSessions.Inc()
}

func (m *Metrics) SessionClosed() {
	if m == nil {
		return
	}
	m.activeSessions.Dec()
}

func (m *Metrics) Uploaded(kind string) {
	if m == nil {
		return
	}
	m.uploads.WithLabelValues(kind).Inc()
}

func (m *Metrics) RateLimited(surface string) {
	if m == nil {
		return
	}
	m.rateLimited.WithLabelValues(surface).Inc()
}

// ServeHTTP exposes the registry in the Prometheus text format.
func (m *Metrics) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if m == nil {
		http.NotFound(w, r)
		return
	}
	promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
}
