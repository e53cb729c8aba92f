package fetcher

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the HTTP client collectors. Each Metrics owns its registry so
// tests and runs never share counters. A nil *Metrics records nothing.
type Metrics struct {
	Registry *prometheus.Registry

	requests *prometheus.CounterVec
	latency  *prometheus.HistogramVec
	inFlight prometheus.Gauge
	bytes    prometheus.Counter
	retries  prometheus.Counter
	errors   *prometheus.CounterVec
}

// NewMetrics registers the client collectors on a fresh registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		Registry: registry,
		requests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "harvester_http_requests_total",
			Help: "HTTP requests issued against the catalog, by outcome.",
		}, []string{"outcome"}),
		latency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "harvester_http_request_duration_seconds",
			Help:    "Catalog request latency, by outcome.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"outcome"}),
		inFlight: factory.NewGauge(prometheus.GaugeOpts{
			Name: "harvester_http_requests_in_flight",
			Help: "Catalog requests currently running.",
		}),
		bytes: factory.NewCounter(prometheus.CounterOpts{
			Name: "harvester_http_response_bytes_total",
			Help: "Response body bytes received.",
		}),
		retries: factory.NewCounter(prometheus.CounterOpts{
			Name: "harvester_http_retries_total",
			Help: "Requests repeated after a failed attempt.",
		}),
		errors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "harvester_http_errors_total",
			Help: "Failed catalog requests, by error type.",
		}, []string{"error_type"}),
	}
}

// Track marks a request as running. The returned function ends it, recording
// the outcome label and the elapsed time.
func (m *Metrics) Track() func(outcome string) {
	if m == nil {
		return func(string) {}
	}
	start := time.Now()
	m.inFlight.Inc()
	return func(outcome string) {
		m.inFlight.Dec()
		m.requests.WithLabelValues(outcome).Inc()
		m.latency.WithLabelValues(outcome).Observe(time.Since(start).Seconds())
	}
}

func (m *Metrics) AddBytes(n int) {
	if m == nil {
		return
	}
	m.bytes.Add(float64(n))
}

func (m *Metrics) IncRetries() {
	if m == nil {
		return
	}
	m.retries.Inc()
}

func (m *Metrics) IncError(errorType string) {
	if m == nil {
		return
	}
	m.errors.WithLabelValues(errorType).Inc()
}
