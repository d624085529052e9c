package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCollector_RecordsInstruments(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector("capmesh", reg, nil)

	c.RecordAdvertisementEvent("added")
	c.RecordAdvertisementEvent("added")
	c.RecordAdvertisementEvent("expired")
	c.SetCacheSize(7)
	c.RecordRPCCall("s1/add", "ok", 12*time.Millisecond)
	c.RecordRPCCall("s1/add", "timeout", 50*time.Millisecond)
	c.RecordChainEvent("start")
	c.RecordTopologyChange("node", "created")

	if got := testutil.ToFloat64(c.advertisementEvents.WithLabelValues("added")); got != 2 {
		t.Errorf("advertisement_events_total{event=added} = %v, want 2", got)
	}
	if got := testutil.ToFloat64(c.cacheSize); got != 7 {
		t.Errorf("discovery_cache_size = %v, want 7", got)
	}
	if got := testutil.ToFloat64(c.rpcCallsTotal.WithLabelValues("s1/add", "timeout")); got != 1 {
		t.Errorf("rpc_calls_total{status=timeout} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.chainEventsTotal.WithLabelValues("start")); got != 1 {
		t.Errorf("chain_events_total{type=start} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.topologyChanges.WithLabelValues("node", "created")); got != 1 {
		t.Errorf("topology_changes_total = %v, want 1", got)
	}
}

func TestCollector_IndependentRegistries(t *testing.T) {
	// Two collectors must be able to coexist, each on its own registry.
	a := NewCollector("capmesh", prometheus.NewRegistry(), nil)
	b := NewCollector("capmesh", prometheus.NewRegistry(), nil)
	a.RecordChainEvent("start")
	if got := testutil.ToFloat64(b.chainEventsTotal.WithLabelValues("start")); got != 0 {
		t.Errorf("collectors leaked state across registries: %v", got)
	}
}
