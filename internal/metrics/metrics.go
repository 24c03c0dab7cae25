// Package metrics exposes Prometheus instrumentation for the
// collection pipeline and transports.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Monitor holds the service's Prometheus collectors on a private
// registry so tests can build monitors without collision.
type Monitor struct {
	registry *prometheus.Registry

	collectDuration *prometheus.HistogramVec
	collectNodes    *prometheus.GaugeVec
	collectErrors   *prometheus.CounterVec
	cycleDuration   prometheus.Histogram
	busPublished    prometheus.Counter
	busDelivered    prometheus.Counter
	busErrors       prometheus.Counter
	wsClients       prometheus.Gauge
	storeNodes      prometheus.Gauge

	syncMu        sync.Mutex
	lastPublished uint64
	lastDelivered uint64
	lastErrors    uint64
}

// NewMonitor builds a Monitor with all collectors registered.
func NewMonitor() *Monitor {
	reg := prometheus.NewRegistry()
	m := &Monitor{
		registry: reg,
		collectDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "meshforge_collection_duration_seconds",
			Help:    "Duration of one source collection.",
			Buckets: prometheus.DefBuckets,
		}, []string{"source"}),
		collectNodes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "meshforge_collection_nodes",
			Help: "Nodes returned by the most recent collection per source.",
		}, []string{"source"}),
		collectErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "meshforge_collection_errors_total",
			Help: "Collections that fell back to cache or empty.",
		}, []string{"source"}),
		cycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "meshforge_aggregation_cycle_seconds",
			Help:    "Duration of a full aggregation cycle.",
			Buckets: prometheus.DefBuckets,
		}),
		busPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "meshforge_bus_published_total",
			Help: "Events published on the internal bus.",
		}),
		busDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "meshforge_bus_delivered_total",
			Help: "Event deliveries to bus subscribers.",
		}),
		busErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "meshforge_bus_handler_errors_total",
			Help: "Bus handler panics recovered.",
		}),
		wsClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "meshforge_websocket_clients",
			Help: "Connected WebSocket clients.",
		}),
		storeNodes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "meshforge_live_store_nodes",
			Help: "Nodes tracked in the live MQTT store.",
		}),
	}
	reg.MustRegister(
		m.collectDuration, m.collectNodes, m.collectErrors, m.cycleDuration,
		m.busPublished, m.busDelivered, m.busErrors, m.wsClients, m.storeNodes,
	)
	return m
}

// Handler returns the /metrics HTTP handler for this monitor.
func (m *Monitor) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveCollection records one source collection.
func (m *Monitor) ObserveCollection(source string, d time.Duration, nodes int, failed bool) {
	m.collectDuration.WithLabelValues(source).Observe(d.Seconds())
	m.collectNodes.WithLabelValues(source).Set(float64(nodes))
	if failed {
		m.collectErrors.WithLabelValues(source).Inc()
	}
}

// ObserveCycle records one full aggregation cycle.
func (m *Monitor) ObserveCycle(d time.Duration) {
	m.cycleDuration.Observe(d.Seconds())
}

// SyncBusStats mirrors cumulative bus counters into Prometheus. The
// arguments are lifetime totals; the monitor tracks the last synced
// values and adds only the delta.
func (m *Monitor) SyncBusStats(published, delivered, errors uint64) {
	m.syncMu.Lock()
	defer m.syncMu.Unlock()
	if published > m.lastPublished {
		m.busPublished.Add(float64(published - m.lastPublished))
		m.lastPublished = published
	}
	if delivered > m.lastDelivered {
		m.busDelivered.Add(float64(delivered - m.lastDelivered))
		m.lastDelivered = delivered
	}
	if errors > m.lastErrors {
		m.busErrors.Add(float64(errors - m.lastErrors))
		m.lastErrors = errors
	}
}

// SetWSClients updates the connected WebSocket client gauge.
func (m *Monitor) SetWSClients(n int) { m.wsClients.Set(float64(n)) }

// SetStoreNodes updates the live store size gauge.
func (m *Monitor) SetStoreNodes(n int) { m.storeNodes.Set(float64(n)) }
