package topology

import (
	"context"
	"testing"

	"pgregory.net/rapid"

	"github.com/capmesh/capmesh/transport"
)

// The graph is a pure function of the distinct identities observed, no matter
// how often or in what interleaving they are upserted.
func TestBuilder_UpsertIdempotenceProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		bus := transport.NewInprocBus(nil, nil)
		defer bus.Close()
		b := NewBuilder(bus, nil, nil, nil)
		if err := b.Start(context.Background()); err != nil {
			t.Fatalf("failed to start builder: %v", err)
		}
		defer b.Close()

		ids := rapid.SliceOfN(rapid.SampledFrom([]string{"a1", "a2", "s1", "s2", "f1"}), 1, 20).Draw(t, "ids")
		edgeTypes := []EdgeType{EdgeCanCall, EdgeConnection, EdgeActivity}

		wantNodes := make(map[string]bool)
		wantEdges := make(map[EdgeKey]bool)
		for _, id := range ids {
			b.UpsertNode(id, NodeAgent, id, StateReady)
			wantNodes[id] = true
		}
		edgeCount := rapid.IntRange(0, 30).Draw(t, "edgeCount")
		for i := 0; i < edgeCount; i++ {
			src := rapid.SampledFrom(ids).Draw(t, "src")
			dst := rapid.SampledFrom(ids).Draw(t, "dst")
			typ := rapid.SampledFrom(edgeTypes).Draw(t, "typ")
			b.UpsertEdge(src, dst, typ)
			wantEdges[EdgeKey{Source: src, Target: dst, Type: typ}] = true
		}

		g := b.Snapshot()
		if len(g.Nodes) != len(wantNodes) {
			t.Fatalf("expected %d nodes, got %d", len(wantNodes), len(g.Nodes))
		}
		for _, n := range g.Nodes {
			if !wantNodes[n.ID] {
				t.Fatalf("unexpected node %q", n.ID)
			}
		}
		if len(g.Edges) != len(wantEdges) {
			t.Fatalf("expected %d edges, got %d", len(wantEdges), len(g.Edges))
		}
		for _, e := range g.Edges {
			if !wantEdges[e.EdgeKey] {
				t.Fatalf("unexpected edge %s", e.EdgeKey)
			}
		}
	})
}
