// Package observability provides Prometheus metrics for the fan-out pipeline.
package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the pipeline's collectors. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	// Dispatch metrics
	DispatchRuns     *prometheus.CounterVec
	DispatchDuration prometheus.Histogram
	FollowerOutcomes *prometheus.CounterVec
	WorkersInFlight  prometheus.Gauge

	// Close metrics
	CloseRuns     *prometheus.CounterVec
	CloseOutcomes *prometheus.CounterVec

	// Venue metrics
	VenueCallLatency *prometheus.HistogramVec
	VenueCallErrors  *prometheus.CounterVec

	// Ingress metrics
	SignalsReceived *prometheus.CounterVec

	gatherer prometheus.Gatherer
}

// NewMetrics registers all collectors with reg. A nil reg uses a fresh
// private registry.
func NewMetrics(namespace string, reg *prometheus.Registry) *Metrics {
	if namespace == "" {
		namespace = "shadowtrade"
	}
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)

	return &Metrics{
		DispatchRuns: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "fanout",
			Name:      "dispatch_runs_total",
			Help:      "Dispatch runs by result",
		}, []string{"result"}),
		DispatchDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "fanout",
			Name:      "dispatch_duration_seconds",
			Help:      "Wall time of a dispatch run in seconds",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}),
		FollowerOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "fanout",
			Name:      "follower_outcomes_total",
			Help:      "Per-follower entry outcomes by status and failure reason",
		}, []string{"status", "reason"}),
		WorkersInFlight: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "fanout",
			Name:      "workers_in_flight",
			Help:      "Follower executions currently running",
		}),

		CloseRuns: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "fanout",
			Name:      "close_runs_total",
			Help:      "Close runs by result",
		}, []string{"result"}),
		CloseOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "fanout",
			Name:      "close_outcomes_total",
			Help:      "Per-position close outcomes",
		}, []string{"status"}),

		VenueCallLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "venue",
			Name:      "call_latency_seconds",
			Help:      "Venue call latency in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
		VenueCallErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "venue",
			Name:      "call_errors_total",
			Help:      "Venue call errors by operation and kind",
		}, []string{"operation", "kind"}),

		SignalsReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingress",
			Name:      "signals_total",
			Help:      "Operator signals received by source, action and result",
		}, []string{"source", "action", "result"}),

		gatherer: reg,
	}
}

// Handler returns an HTTP handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

func (m *Metrics) RecordDispatch(result string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.DispatchRuns.WithLabelValues(result).Inc()
	m.DispatchDuration.Observe(elapsed.Seconds())
}

func (m *Metrics) RecordFollowerOutcome(status, reason string) {
	if m == nil {
		return
	}
	m.FollowerOutcomes.WithLabelValues(status, reason).Inc()
}

func (m *Metrics) WorkerStarted() {
	if m == nil {
		return
	}
	m.WorkersInFlight.Inc()
}

func (m *Metrics) WorkerDone() {
	if m == nil {
		return
	}
	m.WorkersInFlight.Dec()
}

func (m *Metrics) RecordClose(result string) {
	if m == nil {
		return
	}
	m.CloseRuns.WithLabelValues(result).Inc()
}

func (m *Metrics) RecordCloseOutcome(status string) {
	if m == nil {
		return
	}
	m.CloseOutcomes.WithLabelValues(status).Inc()
}

// RecordVenueCall records latency and, when kind is non-empty, an error.
func (m *Metrics) RecordVenueCall(operation string, elapsed time.Duration, kind string) {
	if m == nil {
		return
	}
	m.VenueCallLatency.WithLabelValues(operation).Observe(elapsed.Seconds())
	if kind != "" {
		m.VenueCallErrors.WithLabelValues(operation, kind).Inc()
	}
}

func (m *Metrics) RecordSignal(source, action, result string) {
	if m == nil {
		return
	}
	m.SignalsReceived.WithLabelValues(source, action, result).Inc()
}
