// Package metrics provides Prometheus metrics for the hospital services.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all application metrics of one process. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	HTTPRequests        *prometheus.CounterVec
	HTTPDuration        *prometheus.HistogramVec
	SyncDeliveries      *prometheus.CounterVec
	PatientsIndexed     *prometheus.CounterVec
	PeerRequests        *prometheus.CounterVec
	Dispenses           *prometheus.CounterVec
	OutboxPending       prometheus.Gauge
	OutboxFailed        prometheus.Gauge
	CircuitBreakerState *prometheus.GaugeVec
}

// New creates the metrics of service on a private registry.
func New(service string) *Metrics {
	reg := prometheus.NewRegistry()
	wrapped := prometheus.WrapRegistererWith(prometheus.Labels{"service": service}, reg)

	m := &Metrics{
		registry: reg,
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "HTTP requests by route and status",
		}, []string{"method", "route", "status"}),
		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}, []string{"method", "route"}),
		SyncDeliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "patient_sync_deliveries_total",
			Help: "Patient sync delivery attempts by transport and result",
		}, []string{"transport", "result"}),
		PatientsIndexed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "patient_index_upserts_total",
			Help: "Patient index upserts by department and result (created, updated, duplicate)",
		}, []string{"department", "result"}),
		PeerRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "peer_requests_total",
			Help: "Outbound calls to other services by peer and outcome",
		}, []string{"peer", "outcome"}),
		Dispenses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "prescription_dispenses_total",
			Help: "Dispense attempts by result",
		}, []string{"result"}),
		OutboxPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "outbox_pending_entries",
			Help: "Outbox entries awaiting delivery",
		}),
		OutboxFailed: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "outbox_failed_entries",
			Help: "Outbox entries parked after exhausting their attempts",
		}),
		CircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		}, []string{"name"}),
	}

	wrapped.MustRegister(
		m.HTTPRequests,
		m.HTTPDuration,
		m.SyncDeliveries,
		m.PatientsIndexed,
		m.PeerRequests,
		m.Dispenses,
		m.OutboxPending,
		m.OutboxFailed,
		m.CircuitBreakerState,
	)
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m
}

// Handler returns the Prometheus HTTP handler for this registry.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) ObserveHTTP(method, route string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.HTTPDuration.WithLabelValues(method, route).Observe(d.Seconds())
}

func (m *Metrics) SyncDelivered(transport, result string) {
	if m == nil {
		return
	}
	m.SyncDeliveries.WithLabelValues(transport, result).Inc()
}

func (m *Metrics) PatientIndexed(department, result string) {
	if m == nil {
		return
	}
	m.PatientsIndexed.WithLabelValues(department, result).Inc()
}

func (m *Metrics) PeerRequest(peer, outcome string) {
	if m == nil {
		return
	}
	m.PeerRequests.WithLabelValues(peer, outcome).Inc()
}

func (m *Metrics) Dispense(result string) {
	if m == nil {
		return
	}
	m.Dispenses.WithLabelValues(result).Inc()
}

func (m *Metrics) SetOutboxBacklog(pending, failed int64) {
	if m == nil {
		return
	}
	m.OutboxPending.Set(float64(pending))
	m.OutboxFailed.Set(float64(failed))
}

func (m *Metrics) SetBreakerState(name string, state float64) {
	if m == nil {
		return
	}
	m.CircuitBreakerState.WithLabelValues(name).Set(state)
}
