// Package observability provides Prometheus metrics and OpenTelemetry
// tracing for goenact. Both are injected, never global.
package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus collectors on a custom registry.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	Registry *prometheus.Registry

	ResolveTotal      *prometheus.CounterVec
	ProvisionTotal    *prometheus.CounterVec
	ProvisionDuration *prometheus.HistogramVec
	ExecutionsTotal   *prometheus.CounterVec
	ExecutionDuration *prometheus.HistogramVec
	EvictionsTotal    prometheus.Counter
	JobsInFlight      prometheus.Gauge
}

// NewMetrics creates a Metrics with every collector registered.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,

		ResolveTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "goenact",
			Subsystem: "envcache",
			Name:      "resolve_total",
			Help:      "Environment resolutions by outcome (hit, disk_hit, miss, wait, error).",
		}, []string{"outcome"}),

		ProvisionTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "goenact",
			Subsystem: "envcache",
			Name:      "provision_total",
			Help:      "Provisioning attempts by final state.",
		}, []string{"status"}),

		ProvisionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "goenact",
			Subsystem: "envcache",
			Name:      "provision_duration_seconds",
			Help:      "Provisioning duration in seconds.",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		}, []string{"status"}),

		ExecutionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "goenact",
			Subsystem: "runner",
			Name:      "executions_total",
			Help:      "Task executions by status and error kind.",
		}, []string{"status", "kind"}),

		ExecutionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "goenact",
			Subsystem: "runner",
			Name:      "execution_duration_seconds",
			Help:      "Task execution duration in seconds.",
			Buckets:   []float64{0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
		}, []string{"status"}),

		EvictionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "goenact",
			Subsystem: "envcache",
			Name:      "evictions_total",
			Help:      "Environments removed by the eviction policy.",
		}),

		JobsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "goenact",
			Subsystem: "worker",
			Name:      "jobs_in_flight",
			Help:      "Jobs currently being executed by this worker.",
		}),
	}

	reg.MustRegister(
		m.ResolveTotal,
		m.ProvisionTotal,
		m.ProvisionDuration,
		m.ExecutionsTotal,
		m.ExecutionDuration,
		m.EvictionsTotal,
		m.JobsInFlight,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// ObserveResolve counts one environment resolution.
func (m *Metrics) ObserveResolve(outcome string) {
	if m == nil {
		return
	}
	m.ResolveTotal.WithLabelValues(outcome).Inc()
}

// ObserveProvision records one provisioning attempt.
func (m *Metrics) ObserveProvision(status string, d time.Duration) {
	if m == nil {
		return
	}
	m.ProvisionTotal.WithLabelValues(status).Inc()
	m.ProvisionDuration.WithLabelValues(status).Observe(d.Seconds())
}

// ObserveExecution records one task execution. kind is empty on success.
func (m *Metrics) ObserveExecution(status, kind string, d time.Duration) {
	if m == nil {
		return
	}
	m.ExecutionsTotal.WithLabelValues(status, kind).Inc()
	m.ExecutionDuration.WithLabelValues(status).Observe(d.Seconds())
}

// ObserveEviction counts one evicted environment.
func (m *Metrics) ObserveEviction() {
	if m == nil {
		return
	}
	m.EvictionsTotal.Inc()
}

// JobStarted and JobFinished track in-flight jobs.
func (m *Metrics) JobStarted() {
	if m == nil {
		return
	}
	m.JobsInFlight.Inc()
}

func (m *Metrics) JobFinished() {
	if m == nil {
		return
	}
	m.JobsInFlight.Dec()
}
