// Package metrics exposes the evaluator's Prometheus collectors.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the evaluator's collectors on a private registry.
type Metrics struct {
	decisionsTotal   *prometheus.CounterVec
	errorsTotal      *prometheus.CounterVec
	rateLimitedTotal *prometheus.CounterVec
	receiptsLost     prometheus.Counter
	requestDuration  *prometheus.HistogramVec
	activeRequests   prometheus.Gauge

	registry *prometheus.Registry
}

// New creates the collectors under the given namespace.
func New(namespace string) *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		decisionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "decisions_total",
				Help:      "Evaluation decisions by decision and code",
			},
			[]string{"decision", "code"},
		),
		errorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_total",
				Help:      "Request errors by code",
			},
			[]string{"code"},
		),
		rateLimitedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rate_limited_total",
				Help:      "Requests rejected by rate limiting, by band",
			},
			[]string{"band"},
		),
		receiptsLost: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "receipts_lost_total",
				Help:      "Decisions whose receipt could not be signed or stored",
			},
		),
		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "request_duration_seconds",
				Help:      "Request latency by endpoint",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
			},
			[]string{"endpoint"},
		),
		activeRequests: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_requests",
				Help:      "Requests currently in flight",
			},
		),
		registry: registry,
	}

	registry.MustRegister(
		m.decisionsTotal,
		m.errorsTotal,
		m.rateLimitedTotal,
		m.receiptsLost,
		m.requestDuration,
		m.activeRequests,
	)
	return m
}

// RecordDecision counts a final ALLOW/DENY.
func (m *Metrics) RecordDecision(decision, code string) {
	if code == "" {
		code = "none"
	}
	m.decisionsTotal.WithLabelValues(decision, code).Inc()
}

// RecordError counts a coded request error.
func (m *Metrics) RecordError(code string) {
	m.errorsTotal.WithLabelValues(code).Inc()
}

// RecordRateLimited counts a rate-limit rejection. band is "ip" or "tenant".
func (m *Metrics) RecordRateLimited(band string) {
	m.rateLimitedTotal.WithLabelValues(band).Inc()
}

// RecordReceiptLost counts a degraded receipt.
func (m *Metrics) RecordReceiptLost() {
	m.receiptsLost.Inc()
}

// ObserveRequest records one request's latency.
func (m *Metrics) ObserveRequest(endpoint string, d time.Duration) {
	m.requestDuration.WithLabelValues(endpoint).Observe(d.Seconds())
}

// RequestStarted and RequestFinished track the in-flight gauge.
func (m *Metrics) RequestStarted()  { m.activeRequests.Inc() }
func (m *Metrics) RequestFinished() { m.activeRequests.Dec() }

// HTTPHandler serves the scrape endpoint.
func (m *Metrics) HTTPHandler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
