// Package metric contains the Prometheus metrics of the gateway. A nil
// *Metrics is valid and records nothing.
package metric

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "graphql_gateway"

type Metrics struct {
	registry *prometheus.Registry

	SDLFetches          *prometheus.CounterVec
	RetryAttempts       *prometheus.CounterVec
	ServiceHealth       *prometheus.GaugeVec
	SchemaReplacements  prometheus.Counter
	SchemaVersion       prometheus.Gauge
	UpstreamRequests    *prometheus.CounterVec
	UpstreamDuration    *prometheus.HistogramVec
	ActiveSubscriptions prometheus.Gauge
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		SDLFetches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "registry",
				Name:      "sdl_fetches_total",
				Help:      "SDL fetches per service and result",
			},
			[]string{"service", "result"},
		),

		RetryAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "registry",
				Name:      "retry_attempts_total",
				Help:      "SDL fetch retries of unreachable services",
			},
			[]string{"service"},
		),

		ServiceHealth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "registry",
				Name:      "service_health",
				Help:      "Service health (0=healthy, 1=degraded, 2=retrying, 3=excluded, 4=fatal)",
			},
			[]string{"service"},
		),

		SchemaReplacements: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "schema",
				Name:      "replacements_total",
				Help:      "Number of times the live schema was replaced",
			},
		),

		SchemaVersion: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "schema",
				Name:      "version",
				Help:      "Version of the live schema",
			},
		),

		UpstreamRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "upstream",
				Name:      "requests_total",
				Help:      "Requests sent to services per result",
			},
			[]string{"service", "result"},
		),

		UpstreamDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "upstream",
				Name:      "request_duration_seconds",
				Help:      "Duration of requests sent to services",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"service"},
		),

		ActiveSubscriptions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "subscriptions",
				Name:      "active",
				Help:      "Number of running subscriptions",
			},
		),
	}

	m.registry.MustRegister(
		m.SDLFetches,
		m.RetryAttempts,
		m.ServiceHealth,
		m.SchemaReplacements,
		m.SchemaVersion,
		m.UpstreamRequests,
		m.UpstreamDuration,
		m.ActiveSubscriptions,
	)
	return m
}

// Handler serves the metrics in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) RecordSDLFetch(service string, err error) {
	if m == nil {
		return
	}
	m.SDLFetches.WithLabelValues(service, result(err)).Inc()
}

func (m *Metrics) RecordRetryAttempt(service string) {
	if m == nil {
		return
	}
	m.RetryAttempts.WithLabelValues(service).Inc()
}

func (m *Metrics) RecordServiceHealth(service string, health int32) {
	if m == nil {
		return
	}
	m.ServiceHealth.WithLabelValues(service).Set(float64(health))
}

func (m *Metrics) RecordSchemaReplaced(version uint64) {
	if m == nil {
		return
	}
	m.SchemaReplacements.Inc()
	m.SchemaVersion.Set(float64(version))
}

func (m *Metrics) RecordUpstreamRequest(service string, duration time.Duration, err error) {
	if m == nil {
		return
	}
	m.UpstreamRequests.WithLabelValues(service, result(err)).Inc()
	m.UpstreamDuration.WithLabelValues(service).Observe(duration.Seconds())
}

func (m *Metrics) SubscriptionStarted() {
	if m == nil {
		return
	}
	m.ActiveSubscriptions.Inc()
}

func (m *Metrics) SubscriptionFinished() {
	if m == nil {
		return
	}
	m.ActiveSubscriptions.Dec()
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
