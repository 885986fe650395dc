// Package metrics holds the Prometheus collectors for the discovery service.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Search kinds.
const (
	KindInitial = "initial"
	KindRefine  = "refine"
	KindPage    = "page"
)

// Search outcomes.
const (
	OutcomeOK    = "ok"
	OutcomeError = "error"
	OutcomeStale = "stale"
)

// Metrics holds all Prometheus metrics.
type Metrics struct {
	registry *prometheus.Registry

	// Search metrics
	Searches       *prometheus.CounterVec
	SearchDuration *prometheus.HistogramVec

	// Voice metrics
	VoiceCommits prometheus.Counter
	VoiceErrors  *prometheus.CounterVec

	// Session metrics
	SessionsActive   prometheus.Gauge
	SessionsRestored prometheus.Counter
	SessionsExpired  prometheus.Counter

	// WebSocket metrics
	WSConnections prometheus.Gauge
}

// New creates collectors on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		Searches: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shoplens_searches_total",
				Help: "Search backend calls by kind and outcome",
			},
			[]string{"kind", "outcome"},
		),
		SearchDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "shoplens_search_duration_seconds",
				Help:    "Search backend latency in seconds",
				Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"backend"},
		),

		VoiceCommits: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "shoplens_voice_commits_total",
				Help: "Utterances committed by the silence window",
			},
		),
		VoiceErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shoplens_voice_errors_total",
				Help: "Voice capture failures by kind",
			},
			[]string{"kind"},
		),

		SessionsActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "shoplens_sessions_active",
				Help: "Discovery sessions held in memory",
			},
		),
		SessionsRestored: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "shoplens_sessions_restored_total",
				Help: "Sessions restored from a snapshot",
			},
		),
		SessionsExpired: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "shoplens_sessions_expired_total",
				Help: "Sessions evicted by the TTL worker",
			},
		),

		WSConnections: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "shoplens_ws_connections",
				Help: "Open discovery websocket connections",
			},
		),
	}
}

// ObserveSearch records one backend call.
func (m *Metrics) ObserveSearch(backend, kind, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.Searches.WithLabelValues(kind, outcome).Inc()
	if outcome != OutcomeStale {
		m.SearchDuration.WithLabelValues(backend).Observe(elapsed.Seconds())
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry exposes the underlying registry for tests and extra collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
