// Package metrics exposes Prometheus counters for relay sessions and
// blocking upstream calls.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "difyrelay"

// Collector owns its own registry so tests and multiple servers in one
// process never collide on the global default registry.
//
// A nil *Collector is valid and records nothing. That is what callers get
// when metrics are disabled in config.
type Collector struct {
	registry *prometheus.Registry

	sessionsActive   *prometheus.GaugeVec
	sessionsTotal    *prometheus.CounterVec
	eventsTotal      *prometheus.CounterVec
	blockingTotal    *prometheus.CounterVec
	blockingDuration *prometheus.HistogramVec
}

// NewCollector creates and registers every relay metric. A nil registry
// gets a fresh one.
func NewCollector(registry *prometheus.Registry) *Collector {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	c := &Collector{
		registry: registry,
		sessionsActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "sessions_active",
			Help:      "Streaming relay sessions currently open.",
		}, []string{"domain"}),
		sessionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "sessions_total",
			Help:      "Streaming relay sessions by terminal outcome.",
		}, []string{"domain", "outcome"}),
		eventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "events_total",
			Help:      "Relay events delivered downstream.",
		}, []string{"domain"}),
		blockingTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "blocking",
			Name:      "requests_total",
			Help:      "Blocking upstream calls by result (ok or error kind).",
		}, []string{"domain", "result"}),
		blockingDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "blocking",
			Name:      "request_duration_seconds",
			Help:      "Latency of blocking upstream calls.",
			// Blocking workflows can take minutes.
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"domain"}),
	}

	registry.MustRegister(
		c.sessionsActive,
		c.sessionsTotal,
		c.eventsTotal,
		c.blockingTotal,
		c.blockingDuration,
	)
	return c
}

// SessionOpened marks a streaming session as in flight.
func (c *Collector) SessionOpened(domain string) {
	if c == nil {
		return
	}
	c.sessionsActive.WithLabelValues(domain).Inc()
}

// SessionClosed records a session's terminal outcome.
func (c *Collector) SessionClosed(domain, outcome string) {
	if c == nil {
		return
	}
	c.sessionsActive.WithLabelValues(domain).Dec()
	c.sessionsTotal.WithLabelValues(domain, outcome).Inc()
}

// EventDelivered counts one event handed to a downstream sink.
func (c *Collector) EventDelivered(domain string) {
	if c == nil {
		return
	}
	c.eventsTotal.WithLabelValues(domain).Inc()
}

// BlockingRequest records one blocking call. result is "ok" or the error
// kind.
func (c *Collector) BlockingRequest(domain, result string, elapsed time.Duration) {
	if c == nil {
		return
	}
	c.blockingTotal.WithLabelValues(domain, result).Inc()
	c.blockingDuration.WithLabelValues(domain).Observe(elapsed.Seconds())
}

// Registry returns the registry metrics are registered on.
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// Handler serves the collector's registry in the Prometheus exposition
// format.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
		ErrorHandling: promhttp.ContinueOnError,
	})
}
