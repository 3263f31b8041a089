package admin

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hrygo/txndispatch/dispatch"
)

// Collector implements dispatch.Metrics on top of a dedicated Prometheus
// registry, and serves it at GET /metrics.
type Collector struct {
	registry *prometheus.Registry

	routed        *prometheus.CounterVec
	parked        *prometheus.CounterVec
	backendDeaths *prometheus.CounterVec
	liveAdapters  prometheus.Gauge
}

// NewCollector creates a Collector with its own Prometheus registry.
func NewCollector() *Collector {
	registry := prometheus.NewRegistry()
	c := &Collector{
		registry: registry,
		routed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dispatch_tasks_routed_total",
			Help: "Tasks successfully handed to a backend, by routing key.",
		}, []string{"family", "version"}),
		parked: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dispatch_tasks_parked_total",
			Help: "Tasks appended to the waiting set because no backend claimed their routing key.",
		}, []string{"family", "version"}),
		backendDeaths: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dispatch_backend_deaths_total",
			Help: "Backend evictions caused by a dead Send, by routing key.",
		}, []string{"family", "version"}),
		liveAdapters: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dispatch_live_adapters",
			Help: "Current count of live ingress adapters.",
		}),
	}
	registry.MustRegister(c.routed, c.parked, c.backendDeaths, c.liveAdapters)
	return c
}

// TaskRouted implements dispatch.Metrics.
func (c *Collector) TaskRouted(key dispatch.RoutingKey) {
	c.routed.WithLabelValues(key.Family, key.Version).Inc()
}

// TaskParked implements dispatch.Metrics.
func (c *Collector) TaskParked(key dispatch.RoutingKey) {
	c.parked.WithLabelValues(key.Family, key.Version).Inc()
}

// BackendDied implements dispatch.Metrics.
func (c *Collector) BackendDied(key dispatch.RoutingKey) {
	c.backendDeaths.WithLabelValues(key.Family, key.Version).Inc()
}

// LiveAdapters implements dispatch.Metrics.
func (c *Collector) LiveAdapters(n int) {
	c.liveAdapters.Set(float64(n))
}

// Handler returns the http.Handler that serves this collector's registry
// in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
