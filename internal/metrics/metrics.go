// Package metrics provides Prometheus instrumentation for the taskhive
// realtime core. It exposes gauges for connection counts, counters for
// event fan-out throughput, and histograms for publish latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of live push connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "realtime_connections_total",
		Help: "Current number of live push connections",
	})

	// OnlineUsers tracks the current number of users with at least one
	// live connection.
	OnlineUsers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "realtime_online_users",
		Help: "Current number of users with at least one live connection",
	})

	// EventsPublished counts published envelopes, labeled by event kind.
	EventsPublished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "realtime_events_published_total",
		Help: "Total number of envelopes published",
	}, []string{"kind"})

	// FramesDropped counts frames not delivered, labeled by reason:
	// "slow_consumer" or "closed".
	FramesDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "realtime_frames_dropped_total",
		Help: "Total number of frames dropped instead of delivered",
	}, []string{"reason"})

	// PublishLatency records fan-out latency per publish call in seconds.
	PublishLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "realtime_publish_latency_seconds",
		Help:    "Fan-out latency per publish call in seconds",
		Buckets: []float64{.0001, .0005, .001, .005, .01, .025, .05, .1},
	})

	// TypingRequests counts accepted and rejected typing indicator posts.
	TypingRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "realtime_typing_requests_total",
		Help: "Total number of typing indicator requests",
	}, []string{"result"}) // result = "ok", "rate_limited", "rejected"
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		OnlineUsers,
		EventsPublished,
		FramesDropped,
		PublishLatency,
		TypingRequests,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
