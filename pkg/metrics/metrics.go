// Package metrics provides Prometheus metrics instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestDuration tracks HTTP request duration.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "api_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path", "status"},
	)

	// RequestsTotal tracks total HTTP requests.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "api_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// RealtimeEventDuration tracks how long an inbound real-time event takes to handle.
	RealtimeEventDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "realtime_event_duration_seconds",
			Help:    "Inbound real-time event handling duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		},
		[]string{"event", "status"},
	)

	// WSConnectionsActive tracks open WebSocket connections.
	WSConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ws_connections_active",
			Help: "Number of open WebSocket connections",
		},
	)

	// TenantsActive tracks tenants with a live service bundle.
	TenantsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tenants_active",
			Help: "Number of tenants with an initialised service bundle",
		},
	)

	// ConversationsTotal tracks total conversations created.
	ConversationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conversations_total",
			Help: "Total conversations created",
		},
		[]string{"tenant_id", "type"},
	)

	// MessagesTotal tracks total messages persisted.
	MessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "messages_total",
			Help: "Total messages persisted",
		},
		[]string{"tenant_id", "type"},
	)

	// FanoutTotal tracks per-recipient fan-out outcomes.
	FanoutTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fanout_total",
			Help: "Outbound events pushed to recipients, by outcome",
		},
		[]string{"tenant_id", "event", "outcome"},
	)

	// StatusTransitionsTotal tracks message status advances.
	StatusTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "message_status_transitions_total",
			Help: "Message status transitions",
		},
		[]string{"tenant_id", "status"},
	)

	// JournalPublishFailures tracks events that could not be appended to the journal.
	JournalPublishFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "journal_publish_failures_total",
			Help: "Chat events that failed to reach the event journal",
		},
		[]string{"tenant_id"},
	)
)

// RecordRequest records metrics for an HTTP request.
func RecordRequest(method, path, status string, duration float64) {
	RequestDuration.WithLabelValues(method, path, status).Observe(duration)
	RequestsTotal.WithLabelValues(method, path, status).Inc()
}

// RecordRealtimeEvent records metrics for a handled inbound real-time event.
func RecordRealtimeEvent(event, status string, duration float64) {
	RealtimeEventDuration.WithLabelValues(event, status).Observe(duration)
}

// RecordFanout records the outcome of a fan-out round.
func RecordFanout(tenantID, event string, reached, missed int) {
	if reached > 0 {
		FanoutTotal.WithLabelValues(tenantID, event, "reached").Add(float64(reached))
	}
	if missed > 0 {
		FanoutTotal.WithLabelValues(tenantID, event, "unreachable").Add(float64(missed))
	}
}

// IncrementWSConnections increments the open WebSocket connection count.
func IncrementWSConnections() {
	WSConnectionsActive.Inc()
}

// DecrementWSConnections decrements the open WebSocket connection count.
func DecrementWSConnections() {
	WSConnectionsActive.Dec()
}
