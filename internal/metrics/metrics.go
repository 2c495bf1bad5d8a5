// Package metrics exposes engine metrics on a standalone Prometheus
// registry (the engine is not a controller-runtime manager).
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// EngineMetrics holds Prometheus metrics for the reconciliation engine.
type EngineMetrics struct {
	registry *prometheus.Registry

	CycleDuration    *prometheus.HistogramVec
	CyclesTotal      *prometheus.CounterVec
	OperationsTotal  *prometheus.CounterVec
	AppsByState      *prometheus.GaugeVec
	QueueDepth       prometheus.Gauge
	GitFetchDuration *prometheus.HistogramVec
	GitFetchTotal    *prometheus.CounterVec
	HealthGateWait   prometheus.Histogram
	LastCycleTime    *prometheus.GaugeVec
	SnapshotStale    *prometheus.CounterVec
	WebhookRequests  *prometheus.CounterVec
}

// NewEngineMetrics creates and registers all engine metrics on a standalone
// registry.
func NewEngineMetrics() *EngineMetrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	reg.MustRegister(collectors.NewGoCollector())

	m := &EngineMetrics{
		registry: reg,

		CycleDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "gyre",
				Subsystem: "engine",
				Name:      "cycle_duration_seconds",
				Help:      "Duration of reconciliation cycles in seconds.",
				Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
			},
			[]string{"app"},
		),
		CyclesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "gyre",
				Subsystem: "engine",
				Name:      "cycles_total",
				Help:      "Total number of reconciliation cycles by terminal state.",
			},
			[]string{"app", "state"},
		),
		OperationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "gyre",
				Subsystem: "engine",
				Name:      "operations_total",
				Help:      "Total number of sync operations by kind and outcome.",
			},
			[]string{"op", "outcome"},
		),
		AppsByState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "gyre",
				Subsystem: "engine",
				Name:      "applications",
				Help:      "Number of applications currently in each state.",
			},
			[]string{"state"},
		),
		QueueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "gyre",
				Subsystem: "engine",
				Name:      "queue_depth",
				Help:      "Number of applications waiting for a reconciliation slot.",
			},
		),
		GitFetchDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "gyre",
				Subsystem: "engine",
				Name:      "git_fetch_duration_seconds",
				Help:      "Duration of git resolve/clone/fetch operations in seconds.",
				Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
			},
			[]string{"operation"},
		),
		GitFetchTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "gyre",
				Subsystem: "engine",
				Name:      "git_fetch_total",
				Help:      "Total number of git resolve/clone/fetch operations.",
			},
			[]string{"operation", "result"},
		),
		HealthGateWait: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "gyre",
				Subsystem: "engine",
				Name:      "health_gate_wait_seconds",
				Help:      "Time spent waiting for applied resources to settle.",
				Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
			},
		),
		LastCycleTime: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "gyre",
				Subsystem: "engine",
				Name:      "last_cycle_timestamp_seconds",
				Help:      "Unix timestamp of the last finished cycle per application.",
			},
			[]string{"app"},
		),
		SnapshotStale: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "gyre",
				Subsystem: "engine",
				Name:      "stale_snapshots_total",
				Help:      "Total number of cycles that ran on a stale live snapshot.",
			},
			[]string{"app"},
		),
		WebhookRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "gyre",
				Subsystem: "webhook",
				Name:      "requests_total",
				Help:      "Total number of refresh webhook requests.",
			},
			[]string{"source", "status_code"},
		),
	}

	reg.MustRegister(
		m.CycleDuration,
		m.CyclesTotal,
		m.OperationsTotal,
		m.AppsByState,
		m.QueueDepth,
		m.GitFetchDuration,
		m.GitFetchTotal,
		m.HealthGateWait,
		m.LastCycleTime,
		m.SnapshotStale,
		m.WebhookRequests,
	)

	return m
}

// Handler returns an http.Handler that serves the metrics endpoint.
func (m *EngineMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
