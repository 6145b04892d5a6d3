package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "filesearch",
		Name:      "http_requests_total",
		Help:      "Total gateway HTTP requests by method, path and status code.",
	}, []string{"method", "path", "status"})

	HTTPRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "filesearch",
		Name:      "http_request_duration_seconds",
		Help:      "Gateway HTTP request duration in seconds.",
		Buckets:   []float64{0.05, 0.1, 0.3, 0.5, 1, 2, 5, 10, 20},
	}, []string{"method", "path"})

	SearchesStarted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "filesearch",
		Name:      "searches_started_total",
		Help:      "Searches opened against the backend by transport mode.",
	}, []string{"mode"})

	SearchOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "filesearch",
		Name:      "search_outcomes_total",
		Help:      "Terminal search states by status and error kind.",
	}, []string{"status", "kind"})

	FramesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "filesearch",
		Name:      "frames_total",
		Help:      "Inbound stream frames by normalized event kind.",
	}, []string{"kind"})

	MalformedFramesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "filesearch",
		Name:      "malformed_frames_total",
		Help:      "Inbound frames skipped because they could not be parsed.",
	})

	StreamDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "filesearch",
		Name:      "stream_duration_seconds",
		Help:      "Time from opening a search until its terminal event.",
		Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 20, 30, 60, 120},
	}, []string{"mode", "outcome"})

	ActiveSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "filesearch",
		Name:      "gateway_active_sessions",
		Help:      "Open gateway websocket sessions.",
	})
)

func Register(reg prometheus.Registerer) {
	reg.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		SearchesStarted,
		SearchOutcomes,
		FramesTotal,
		MalformedFramesTotal,
		StreamDuration,
		ActiveSessions,
	)
}
