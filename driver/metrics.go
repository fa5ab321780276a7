package driver

import "github.com/prometheus/client_golang/prometheus"

// driverMetrics tracks the three counters the Data Model calls out
// (§3's listener/connector lists and closed_count) as Prometheus gauges on a
// Driver-owned registry -- never the global default registry, so multiple
// Drivers in one process never collide. The increment/get split generalizes
// Atsika-aznet's Metrics interface (atomic counters behind Increment*/Get*)
// onto prometheus/client_golang, the metrics library moby-moby depends on.
type driverMetrics struct {
	registry   *prometheus.Registry
	listeners  prometheus.Gauge
	connectors prometheus.Gauge
	closed     prometheus.Gauge
}

func newDriverMetrics() *driverMetrics {
	reg := prometheus.NewRegistry()
	m := &driverMetrics{
		registry: reg,
		listeners: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "driver_listeners",
			Help: "Number of listeners currently owned by the driver.",
		}),
		connectors: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "driver_connectors",
			Help: "Number of connectors currently owned by the driver.",
		}),
		closed: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "driver_connectors_closed",
			Help: "Number of connectors that are closed but not yet freed.",
		}),
	}
	reg.MustRegister(m.listeners, m.connectors, m.closed)
	return m
}

// Registry exposes the driver's private Prometheus registry so an embedder
// can scrape it alongside its own metrics.
func (d *Driver) Registry() *prometheus.Registry { return d.metrics.registry }
