// Package metrics provides Prometheus instrumentation for the polychat client.
// It exposes a gauge for the connection state, counters for frame throughput
// and reconnects, a gauge for roster size, and histograms for REST latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionState tracks the Connection Manager state as a number:
	// 0 = disconnected, 1 = connecting, 2 = open, 3 = closing.
	ConnectionState = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "polychat_connection_state",
		Help: "Current state of the persistent chat connection",
	})

	// FramesTotal counts chat connection frames, labeled by direction:
	// "sent", "received", or "dropped" (malformed or unknown inbound).
	FramesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "polychat_frames_total",
		Help: "Total number of frames handled on the chat connection",
	}, []string{"direction"})

	// ReconnectAttempts counts reconnect attempts made by the session.
	ReconnectAttempts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "polychat_reconnect_attempts_total",
		Help: "Reconnect attempts, labeled by outcome",
	}, []string{"outcome"}) // outcome = "success", "failure", "exhausted"

	// RosterSize tracks the number of relations currently cached.
	RosterSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "polychat_roster_size",
		Help: "Number of relations in the roster cache",
	})

	// RequestDuration records REST request latency in seconds per endpoint.
	RequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "polychat_request_duration_seconds",
		Help:    "REST request latency in seconds",
		Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
	}, []string{"endpoint"})

	// RequestErrors counts failed REST requests per endpoint.
	RequestErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "polychat_request_errors_total",
		Help: "Failed REST requests",
	}, []string{"endpoint"})

	// MessagesTotal counts chat messages appended to conversation buffers,
	// labeled by direction ("sent" or "received").
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "polychat_messages_total",
		Help: "Chat messages appended to conversation buffers",
	}, []string{"direction"})
)

func init() {
	prometheus.MustRegister(
		ConnectionState,
		FramesTotal,
		ReconnectAttempts,
		RosterSize,
		RequestDuration,
		RequestErrors,
		MessagesTotal,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
