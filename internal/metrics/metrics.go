// Package metrics defines the service's Prometheus collectors. The registry
// is owned by the composition root and exposed at /metrics; components
// receive a *Metrics and tolerate nil.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles every collector the service emits.
type Metrics struct {
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	AuthzDecisionsTotal *prometheus.CounterVec
	TokenOperations     *prometheus.CounterVec
	RateLimitExceeded   *prometheus.CounterVec
	ActiveSessions      prometheus.Gauge

	AuditEventsWritten prometheus.Counter
	AuditEventsDropped prometheus.Counter
	AuditBatchDuration prometheus.Histogram
	AuditQueueDepth    prometheus.Gauge

	registry *prometheus.Registry
}

// New builds the full collector set under the given namespace and registers
// it together with the standard Go and process collectors.
func New(namespace string) *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "HTTP requests by method, route, and status code",
			},
			[]string{"method", "route", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "HTTP request latency",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
		AuthzDecisionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "authz_decisions_total",
				Help:      "Authorization decisions by outcome",
			},
			[]string{"decision"},
		),
		TokenOperations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "token_operations_total",
				Help:      "Token mint/validate/revoke operations by result",
			},
			[]string{"operation", "result"},
		),
		RateLimitExceeded: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rate_limit_exceeded_total",
				Help:      "Requests rejected by the rate limiter, by limit class",
			},
			[]string{"class"},
		),
		ActiveSessions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_sessions",
				Help:      "Sessions that are neither revoked nor expired",
			},
		),
		AuditEventsWritten: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "audit",
				Name:      "events_written_total",
				Help:      "Audit events successfully persisted",
			},
		),
		AuditEventsDropped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "audit",
				Name:      "events_dropped_total",
				Help:      "Audit events rejected because the queue was full",
			},
		),
		AuditBatchDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "audit",
				Name:      "batch_write_duration_seconds",
				Help:      "Latency of audit batch writes across backends",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
			},
		),
		AuditQueueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "audit",
				Name:      "queue_depth",
				Help:      "Events currently buffered in the audit queue",
			},
		),
		registry: registry,
	}

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.AuthzDecisionsTotal,
		m.TokenOperations,
		m.RateLimitExceeded,
		m.ActiveSessions,
		m.AuditEventsWritten,
		m.AuditEventsDropped,
		m.AuditBatchDuration,
		m.AuditQueueDepth,
	)
	return m
}

// Handler returns the exposition endpoint handler.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveHTTP records one completed HTTP request.
func (m *Metrics) ObserveHTTP(method, route, status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(method, route, status).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, route).Observe(elapsed.Seconds())
}

// RecordDecision counts one authorization decision.
func (m *Metrics) RecordDecision(decision string) {
	if m == nil {
		return
	}
	m.AuthzDecisionsTotal.WithLabelValues(decision).Inc()
}

// RecordTokenOp counts one token operation outcome.
func (m *Metrics) RecordTokenOp(operation, result string) {
	if m == nil {
		return
	}
	m.TokenOperations.WithLabelValues(operation, result).Inc()
}

// RecordRateLimited counts one rejected admission.
func (m *Metrics) RecordRateLimited(class string) {
	if m == nil {
		return
	}
	m.RateLimitExceeded.WithLabelValues(class).Inc()
}

// RecordAuditWrite records a persisted batch.
func (m *Metrics) RecordAuditWrite(count int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.AuditEventsWritten.Add(float64(count))
	m.AuditBatchDuration.Observe(elapsed.Seconds())
}

// RecordAuditDrop counts an event rejected at enqueue.
func (m *Metrics) RecordAuditDrop() {
	if m == nil {
		return
	}
	m.AuditEventsDropped.Inc()
}

// SetAuditQueueDepth publishes the current queue depth.
func (m *Metrics) SetAuditQueueDepth(depth int) {
	if m == nil {
		return
	}
	m.AuditQueueDepth.Set(float64(depth))
}

// SetActiveSessions publishes the active session count.
func (m *Metrics) SetActiveSessions(count int) {
	if m == nil {
		return
	}
	m.ActiveSessions.Set(float64(count))
}
