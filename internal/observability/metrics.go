// Package observability provides Prometheus metrics for monitoring.
package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the application.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	// Upstream metrics
	SourceRequests *prometheus.CounterVec
	SourceLatency  *prometheus.HistogramVec
	PagesFetched   *prometheus.CounterVec
	RowsFetched    *prometheus.CounterVec

	// Data quality metrics
	MalformedRows     *prometheus.CounterVec
	InconsistentState *prometheus.CounterVec

	// Cache metrics
	CacheLookups *prometheus.CounterVec

	// Aggregation metrics
	AggregationDuration *prometheus.HistogramVec
	AggregationErrors   *prometheus.CounterVec

	// HTTP metrics
	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec

	// Worker metrics
	WorkerRuns        *prometheus.CounterVec
	LastStatsWarmTime prometheus.Gauge
}

// NewMetrics creates a Metrics instance registered on its own registry,
// together with the Go runtime and process collectors.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "market_aggregator"
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		SourceRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "source",
			Name:      "requests_total",
			Help:      "Total number of upstream requests by source and outcome",
		}, []string{"source", "outcome"}),
		SourceLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "source",
			Name:      "request_duration_seconds",
			Help:      "Upstream request latency in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"source"}),
		PagesFetched: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "source",
			Name:      "pages_fetched_total",
			Help:      "Total number of indexer pages fetched by entity",
		}, []string{"entity"}),
		RowsFetched: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "source",
			Name:      "rows_fetched_total",
			Help:      "Total number of indexer rows fetched by entity",
		}, []string{"entity"}),

		MalformedRows: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "normalize",
			Name:      "malformed_rows_total",
			Help:      "Total number of upstream rows skipped as malformed",
		}, []string{"entity", "field"}),
		InconsistentState: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "normalize",
			Name:      "inconsistent_state_total",
			Help:      "Total number of upstream values violating an invariant",
		}, []string{"entity", "reason"}),

		CacheLookups: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "lookups_total",
			Help:      "Total number of cache lookups by data kind and result",
		}, []string{"kind", "result"}),

		AggregationDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "aggregation",
			Name:      "duration_seconds",
			Help:      "Aggregation duration in seconds, cache misses included",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"operation"}),
		AggregationErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "aggregation",
			Name:      "errors_total",
			Help:      "Total number of degraded aggregations by error category",
		}, []string{"operation", "category"}),

		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests by route and status",
		}, []string{"route", "status"}),
		HTTPDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),

		WorkerRuns: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "runs_total",
			Help:      "Total number of background worker runs by status",
		}, []string{"worker", "status"}),
		LastStatsWarmTime: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "last_stats_warm_timestamp",
			Help:      "Unix timestamp of the last successful stats warm-up",
		}),
	}
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns an HTTP handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordSourceRequest records one upstream request.
func (m *Metrics) RecordSourceRequest(source, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.SourceRequests.WithLabelValues(source, outcome).Inc()
	m.SourceLatency.WithLabelValues(source).Observe(d.Seconds())
}

// RecordPage records one fetched page of rows.
func (m *Metrics) RecordPage(entity string, rows int) {
	if m == nil {
		return
	}
	m.PagesFetched.WithLabelValues(entity).Inc()
	m.RowsFetched.WithLabelValues(entity).Add(float64(rows))
}

// RecordMalformedRow records a skipped row.
func (m *Metrics) RecordMalformedRow(entity, field string) {
	if m == nil {
		return
	}
	m.MalformedRows.WithLabelValues(entity, field).Inc()
}

// RecordInconsistentState records an invariant violation in upstream data.
func (m *Metrics) RecordInconsistentState(entity, reason string) {
	if m == nil {
		return
	}
	m.InconsistentState.WithLabelValues(entity, reason).Inc()
}

// RecordCacheLookup records a cache hit, miss or error.
func (m *Metrics) RecordCacheLookup(kind, result string) {
	if m == nil {
		return
	}
	m.CacheLookups.WithLabelValues(kind, result).Inc()
}

// ObserveAggregation records how long an aggregation took and, when it
// degraded, the category of the failure.
func (m *Metrics) ObserveAggregation(operation string, d time.Duration, category string) {
	if m == nil {
		return
	}
	m.AggregationDuration.WithLabelValues(operation).Observe(d.Seconds())
	if category != "" {
		m.AggregationErrors.WithLabelValues(operation, category).Inc()
	}
}

// RecordHTTPRequest records one served HTTP request.
func (m *Metrics) RecordHTTPRequest(route string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(route, statusClass(status)).Inc()
	m.HTTPDuration.WithLabelValues(route).Observe(d.Seconds())
}

// RecordWorkerRun records one background worker cycle.
func (m *Metrics) RecordWorkerRun(worker string, err error, at time.Time) {
	if m == nil {
		return
	}
	if err != nil {
		m.WorkerRuns.WithLabelValues(worker, "error").Inc()
		return
	}
	m.WorkerRuns.WithLabelValues(worker, "success").Inc()
	m.LastStatsWarmTime.Set(float64(at.Unix()))
}

func statusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
