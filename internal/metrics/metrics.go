// Package metrics provides Prometheus instrumentation for the Duet realtime
// delivery core. It exposes gauges for connection and session counts,
// counters for event throughput and failure classes, and histograms for
// publish and persistence latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of active WebSocket connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "duet_connections_total",
		Help: "Current number of active WebSocket connections",
	})

	// EventsPublished counts room events published, labeled by variant
	// (new_message, typing_status, reaction_added, ...).
	EventsPublished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "duet_events_published_total",
		Help: "Total number of room events published",
	}, []string{"event"})

	// SessionsReplaced counts sessions evicted by a newer connection for the
	// same (room, user, device).
	SessionsReplaced = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "duet_sessions_replaced_total",
		Help: "Sessions evicted by a replacement connection",
	})

	// SessionOverflows counts sessions force-closed because their outbound
	// queue filled up (the backpressure policy).
	SessionOverflows = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "duet_session_overflows_total",
		Help: "Sessions force-closed due to outbound queue overflow",
	})

	// PersistenceFailures counts store call-outs that failed and therefore
	// suppressed a publish.
	PersistenceFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "duet_persistence_failures_total",
		Help: "Persistence call-outs that failed before publish",
	})

	// FramesRejected counts inbound frames rejected before reaching the
	// coordinator, labeled by reason: "parse_error", "unsupported_event",
	// "rate_limited", "invalid_message", "not_a_member".
	FramesRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "duet_frames_rejected_total",
		Help: "Inbound frames rejected by the dispatcher",
	}, []string{"reason"})

	// PublishLatency records the fan-out critical section duration in seconds.
	PublishLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "duet_publish_latency_seconds",
		Help:    "Room event fan-out latency in seconds",
		Buckets: []float64{.0001, .0005, .001, .005, .01, .025, .05, .1},
	})

	// PersistLatency records the persistence call-out duration in seconds.
	PersistLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "duet_persist_latency_seconds",
		Help:    "Persistence call-out latency in seconds",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	})

	// TypingRooms tracks the number of rooms with at least one active typer.
	TypingRooms = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "duet_typing_rooms",
		Help: "Rooms with at least one user currently typing",
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		EventsPublished,
		SessionsReplaced,
		SessionOverflows,
		PersistenceFailures,
		FramesRejected,
		PublishLatency,
		PersistLatency,
		TypingRooms,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
