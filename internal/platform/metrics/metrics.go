package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds Prometheus collectors for the relay.
type Metrics struct {
	registry           *prometheus.Registry
	requestsTotal      prometheus.Counter
	errorsTotal        prometheus.Counter
	activeSessions     prometheus.Gauge
	sessionsTotal      *prometheus.CounterVec
	bytesRelayedTotal  prometheus.Counter
	headersSynthesized prometheus.Counter
	upstreamErrors     *prometheus.CounterVec
	sessionDuration    prometheus.Histogram
}

// New creates and registers Prometheus metrics for the relay.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		requestsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tts_http_requests_total",
			Help: "Total number of HTTP requests received",
		}),
		errorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tts_http_errors_total",
			Help: "Total number of HTTP responses with error status (4xx or 5xx)",
		}),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tts_relay_active_sessions",
			Help: "Number of relay sessions currently forwarding audio",
		}),
		sessionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tts_relay_sessions_total",
			Help: "Relay sessions by transport and outcome",
		}, []string{"transport", "outcome"}),
		bytesRelayedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tts_relay_bytes_total",
			Help: "Audio bytes written to clients, including synthesized headers",
		}),
		headersSynthesized: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tts_relay_headers_synthesized_total",
			Help: "Sessions where the backend sent headerless PCM and a header was synthesized",
		}),
		upstreamErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tts_upstream_errors_total",
			Help: "Backend failures by kind",
		}, []string{"kind"}),
		sessionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tts_relay_session_duration_seconds",
			Help:    "Wall time from first byte requested to stream end",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 10),
		}),
	}

	registry.MustRegister(
		m.requestsTotal,
		m.errorsTotal,
		m.activeSessions,
		m.sessionsTotal,
		m.bytesRelayedTotal,
		m.headersSynthesized,
		m.upstreamErrors,
		m.sessionDuration,
	)

	return m
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// IncRequests increments the total request counter.
func (m *Metrics) IncRequests() {
	m.requestsTotal.Inc()
}

// IncErrors increments the errors counter.
func (m *Metrics) IncErrors() {
	m.errorsTotal.Inc()
}

// SessionStarted marks a relay session as active.
func (m *Metrics) SessionStarted() {
	m.activeSessions.Inc()
}

// SessionFinished records the outcome of a relay session.
func (m *Metrics) SessionFinished(transport, outcome string, elapsed time.Duration) {
	m.activeSessions.Dec()
	m.sessionsTotal.WithLabelValues(transport, outcome).Inc()
	m.sessionDuration.Observe(elapsed.Seconds())
}

// AddBytesRelayed adds to the relayed byte counter.
func (m *Metrics) AddBytesRelayed(n int) {
	m.bytesRelayedTotal.Add(float64(n))
}

// IncHeadersSynthesized counts a synthesized container header.
func (m *Metrics) IncHeadersSynthesized() {
	m.headersSynthesized.Inc()
}

// IncUpstreamErrors counts a backend failure of the given kind.
func (m *Metrics) IncUpstreamErrors(kind string) {
	m.upstreamErrors.WithLabelValues(kind).Inc()
}

// Handler returns an http.Handler that serves Prometheus metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
