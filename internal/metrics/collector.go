package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// Collector holds the mesh's Prometheus instruments. It registers against an
// injected Registerer, never the global default, so several independent
// participants can coexist in one process.
type Collector struct {
	// Discovery
	advertisementEvents *prometheus.CounterVec
	cacheSize           prometheus.Gauge

	// RPC
	rpcCallsTotal   *prometheus.CounterVec
	rpcCallDuration *prometheus.HistogramVec

	// Chain tracing
	chainEventsTotal *prometheus.CounterVec

	// Topology
	topologyChanges *prometheus.CounterVec

	logger *zap.Logger
}

// NewCollector creates a collector registered on reg.
func NewCollector(namespace string, reg prometheus.Registerer, logger *zap.Logger) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	factory := promauto.With(reg)

	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	c.advertisementEvents = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "advertisement_events_total",
			Help:      "Discovery cache events by type",
		},
		[]string{"event"},
	)

	c.cacheSize = factory.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "discovery_cache_size",
			Help:      "Number of live advertisements in the discovery cache",
		},
	)

	c.rpcCallsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rpc_calls_total",
			Help:      "RPC calls by endpoint and outcome",
		},
		[]string{"endpoint", "status"},
	)

	c.rpcCallDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "rpc_call_duration_seconds",
			Help:      "RPC call duration in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10},
		},
		[]string{"endpoint"},
	)

	c.chainEventsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chain_events_total",
			Help:      "Chain trace events by type",
		},
		[]string{"type"},
	)

	c.topologyChanges = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "topology_changes_total",
			Help:      "Topology graph changes by kind",
		},
		[]string{"kind", "change"},
	)

	return c
}

// RecordAdvertisementEvent counts one discovery cache event.
func (c *Collector) RecordAdvertisementEvent(event string) {
	c.advertisementEvents.WithLabelValues(event).Inc()
}

// SetCacheSize records the discovery cache size.
func (c *Collector) SetCacheSize(n int) {
	c.cacheSize.Set(float64(n))
}

// RecordRPCCall records one call's outcome and latency.
func (c *Collector) RecordRPCCall(endpoint, status string, duration time.Duration) {
	c.rpcCallsTotal.WithLabelValues(endpoint, status).Inc()
	c.rpcCallDuration.WithLabelValues(endpoint).Observe(duration.Seconds())
}

// RecordChainEvent counts one emitted chain event.
func (c *Collector) RecordChainEvent(eventType string) {
	c.chainEventsTotal.WithLabelValues(eventType).Inc()
}

// RecordTopologyChange counts one graph change notification.
func (c *Collector) RecordTopologyChange(kind, change string) {
	c.topologyChanges.WithLabelValues(kind, change).Inc()
}
