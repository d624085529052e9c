package topology

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/capmesh/capmesh/chain"
	"github.com/capmesh/capmesh/registry"
	"github.com/capmesh/capmesh/transport"
)

// BuilderConfig holds configuration for a Builder.
type BuilderConfig struct {
	// ChainTopic overrides the chain event topic. Defaults to
	// chain.EventTopic.
	ChainTopic string `yaml:"chain_topic"`

	// ActivityWindow is how long an activity edge survives without renewal.
	ActivityWindow time.Duration `yaml:"activity_window"`

	// OrphanWindow bounds how long a start event may wait for its terminal
	// event before the call is considered orphaned.
	OrphanWindow time.Duration `yaml:"orphan_window"`

	// DecayInterval is how often activity decay and orphan expiry run.
	DecayInterval time.Duration `yaml:"decay_interval"`

	// PublishFacts republishes node and edge creations on the durable
	// topology topics so late-joining observers can replay them.
	PublishFacts bool `yaml:"publish_facts"`
}

// DefaultBuilderConfig returns a BuilderConfig with sensible defaults.
func DefaultBuilderConfig() *BuilderConfig {
	return &BuilderConfig{
		ChainTopic:     chain.EventTopic,
		ActivityWindow: 3 * time.Second,
		OrphanWindow:   30 * time.Second,
		DecayInterval:  500 * time.Millisecond,
	}
}

// callRecord tracks one hop while its start/terminal pair is incomplete.
// Chain events can arrive reordered; the record reconciles either order
// idempotently.
type callRecord struct {
	chainID      string
	sourceID     string
	targetID     string
	startSeen    bool
	terminalSeen bool
	firstSeen    time.Time
}

// Builder maintains the in-memory topology graph.
type Builder struct {
	bus       transport.Bus
	discovery *registry.Discovery
	config    *BuilderConfig
	logger    *zap.Logger

	mu        sync.RWMutex
	nodes     map[string]*Node
	edges     map[EdgeKey]*Edge
	calls     map[string]*callRecord       // by call id
	ownerCaps map[string]map[string]string // owner id -> capability global id -> state hint

	handlerMu    sync.RWMutex
	nodeHandlers map[string]NodeHandler
	edgeHandlers map[string]EdgeHandler
	handlerID    int64

	chainSub   transport.Subscription
	discoverID string

	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewBuilder creates a topology builder fed by the given discovery cache and
// the chain event stream on bus. The discovery cache is injected, not global,
// so multiple independent builders can coexist in one process.
func NewBuilder(bus transport.Bus, discovery *registry.Discovery, config *BuilderConfig, logger *zap.Logger) *Builder {
	if config == nil {
		config = DefaultBuilderConfig()
	}
	if config.ChainTopic == "" {
		config.ChainTopic = chain.EventTopic
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Builder{
		bus:          bus,
		discovery:    discovery,
		config:       config,
		logger:       logger.With(zap.String("component", "topology_builder")),
		nodes:        make(map[string]*Node),
		edges:        make(map[EdgeKey]*Edge),
		calls:        make(map[string]*callRecord),
		ownerCaps:    make(map[string]map[string]string),
		nodeHandlers: make(map[string]NodeHandler),
		edgeHandlers: make(map[string]EdgeHandler),
		done:         make(chan struct{}),
	}
}

// Start subscribes to both event streams and launches the decay loop.
func (b *Builder) Start(ctx context.Context) error {
	if b.discovery != nil {
		b.discoverID = b.discovery.Subscribe(b.onDiscoveryEvent)
		// Seed from what the cache already holds; upserts are idempotent so
		// racing live events are harmless.
		for _, ad := range b.discovery.ListAll() {
			b.applyAdvertisement(ad)
		}
	}

	sub, err := b.bus.Subscribe(b.config.ChainTopic, b.onChainSample, transport.QoS{
		Reliability: transport.BestEffort,
		Durability:  transport.Volatile,
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to chain events: %w", err)
	}
	b.chainSub = sub

	b.wg.Add(1)
	go b.decayLoop()
	b.logger.Info("topology builder started")
	return nil
}

// Close stops consumption and the decay loop.
func (b *Builder) Close() error {
	b.stopOnce.Do(func() { close(b.done) })
	if b.discovery != nil && b.discoverID != "" {
		b.discovery.Unsubscribe(b.discoverID)
	}
	if b.chainSub != nil {
		_ = b.chainSub.Close()
	}
	b.wg.Wait()
	b.logger.Info("topology builder closed")
	return nil
}

// UpsertNode creates or refreshes a node by id. Creation is idempotent:
// observing the same id twice neither duplicates the node nor re-fires the
// creation notification.
func (b *Builder) UpsertNode(id string, typ NodeType, label string, state NodeState) {
	now := time.Now()

	b.mu.Lock()
	node, known := b.nodes[id]
	var change *NodeChange
	if !known {
		node = &Node{ID: id, Type: typ, Label: label, State: state, CreatedAt: now, UpdatedAt: now}
		b.nodes[id] = node
		change = &NodeChange{Node: *node.clone(), Created: true}
	} else if node.Type != typ || node.Label != label || node.State != state {
		node.Type = typ
		node.Label = label
		node.State = state
		node.UpdatedAt = now
		change = &NodeChange{Node: *node.clone()}
	}
	b.mu.Unlock()

	if change != nil {
		b.emitNode(*change)
	}
}

// UpsertEdge creates or renews an edge by its composite key, idempotently.
func (b *Builder) UpsertEdge(source, target string, typ EdgeType) {
	now := time.Now()
	key := EdgeKey{Source: source, Target: target, Type: typ}

	b.mu.Lock()
	edge, known := b.edges[key]
	var change *EdgeChange
	if !known {
		edge = &Edge{EdgeKey: key, CreatedAt: now, LastActivity: now}
		b.edges[key] = edge
		change = &EdgeChange{Edge: *edge, Created: true}
	} else {
		edge.LastActivity = now
	}
	b.mu.Unlock()

	if change != nil {
		b.emitEdge(*change)
	}
}

// SetNodeState transitions a node's state, notifying on actual change.
func (b *Builder) SetNodeState(id string, state NodeState) {
	b.mu.Lock()
	node, known := b.nodes[id]
	var change *NodeChange
	if known && node.State != state {
		node.State = state
		node.UpdatedAt = time.Now()
		change = &NodeChange{Node: *node.clone()}
	}
	b.mu.Unlock()

	if change != nil {
		b.emitNode(*change)
	}
}

// RemoveNode removes a node and every edge touching it. Used for explicit
// withdrawal only; lease timeouts degrade state instead, to avoid flicker.
func (b *Builder) RemoveNode(id string) {
	b.mu.Lock()
	node, known := b.nodes[id]
	if known {
		delete(b.nodes, id)
	}
	var removedEdges []Edge
	for key, edge := range b.edges {
		if key.Source == id || key.Target == id {
			removedEdges = append(removedEdges, *edge)
			delete(b.edges, key)
		}
	}
	b.mu.Unlock()

	if known {
		b.emitNode(NodeChange{Node: *node.clone(), Removed: true})
	}
	for _, edge := range removedEdges {
		b.emitEdge(EdgeChange{Edge: edge, Removed: true})
	}
}

// Snapshot returns a consistent point-in-time copy of the graph.
func (b *Builder) Snapshot() Graph {
	b.mu.RLock()
	defer b.mu.RUnlock()

	g := Graph{
		Nodes: make([]Node, 0, len(b.nodes)),
		Edges: make([]Edge, 0, len(b.edges)),
		Taken: time.Now(),
	}
	for _, node := range b.nodes {
		g.Nodes = append(g.Nodes, *node.clone())
	}
	for _, edge := range b.edges {
		g.Edges = append(g.Edges, *edge)
	}
	return g
}

// Node returns a copy of the node with the given id.
func (b *Builder) Node(id string) (Node, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	node, ok := b.nodes[id]
	if !ok {
		return Node{}, false
	}
	return *node.clone(), true
}

// Subscribe registers incremental-change handlers; either may be nil. The
// returned id cancels via Unsubscribe.
func (b *Builder) Subscribe(onNode NodeHandler, onEdge EdgeHandler) string {
	b.handlerMu.Lock()
	defer b.handlerMu.Unlock()
	b.handlerID++
	id := fmt.Sprintf("topology-sub-%d", b.handlerID)
	if onNode != nil {
		b.nodeHandlers[id] = onNode
	}
	if onEdge != nil {
		b.edgeHandlers[id] = onEdge
	}
	return id
}

// Unsubscribe removes a change subscription.
func (b *Builder) Unsubscribe(id string) {
	b.handlerMu.Lock()
	defer b.handlerMu.Unlock()
	delete(b.nodeHandlers, id)
	delete(b.edgeHandlers, id)
}

// onDiscoveryEvent maps registry events onto graph mutations.
func (b *Builder) onDiscoveryEvent(event registry.Event) {
	ad := event.Advertisement
	switch event.Type {
	case registry.EventAdded, registry.EventUpdated:
		b.applyAdvertisement(ad)
	case registry.EventRemoved:
		// Explicit withdrawal removes the capability node outright.
		b.forgetCapability(ad.OwnerID, ad.GlobalID())
		b.RemoveNode(ad.GlobalID())
		b.reviewOwner(ad.OwnerID, StateReady)
	case registry.EventExpired:
		// Lease timeout alone never removes nodes; it degrades them.
		b.forgetCapability(ad.OwnerID, ad.GlobalID())
		b.SetNodeState(ad.GlobalID(), StateStopped)
		b.reviewOwner(ad.OwnerID, StateDegraded)
	}
}

// applyAdvertisement upserts the owner node, the capability node, and the
// structural edges between them.
func (b *Builder) applyAdvertisement(ad registry.Advertisement) {
	capID := ad.GlobalID()

	b.mu.Lock()
	if b.ownerCaps[ad.OwnerID] == nil {
		b.ownerCaps[ad.OwnerID] = make(map[string]string)
	}
	b.ownerCaps[ad.OwnerID][capID] = ad.Name
	b.mu.Unlock()

	b.UpsertNode(ad.OwnerID, ownerNodeType(ad.Kind), ad.OwnerID, StateReady)
	b.UpsertNode(capID, capabilityNodeType(ad.Kind), ad.Name, StateReady)
	b.UpsertEdge(ad.OwnerID, capID, EdgeConnection)
}

// forgetCapability drops the owner's bookkeeping for a capability.
func (b *Builder) forgetCapability(ownerID, capID string) {
	b.mu.Lock()
	if caps := b.ownerCaps[ownerID]; caps != nil {
		delete(caps, capID)
		if len(caps) == 0 {
			delete(b.ownerCaps, ownerID)
		}
	}
	b.mu.Unlock()
}

// reviewOwner transitions the owner node after losing a capability: stopped
// when nothing is left, otherwise the given fallback state.
func (b *Builder) reviewOwner(ownerID string, remaining NodeState) {
	b.mu.RLock()
	left := len(b.ownerCaps[ownerID])
	b.mu.RUnlock()
	if left == 0 {
		b.SetNodeState(ownerID, StateStopped)
	} else {
		b.SetNodeState(ownerID, remaining)
	}
}

// onChainSample decodes and applies one chain event.
func (b *Builder) onChainSample(s transport.Sample) {
	if s.Tombstone() {
		return
	}
	var event chain.Event
	if err := json.Unmarshal(s.Payload, &event); err != nil {
		b.logger.Warn("malformed chain event dropped", zap.Error(err))
		return
	}
	if event.CallID == "" || event.SourceID == "" || event.TargetID == "" {
		b.logger.Warn("incomplete chain event dropped", zap.String("chain_id", event.ChainID))
		return
	}
	b.applyChainEvent(event)
}

// applyChainEvent reconciles one hop's events into activity edges and node
// states, tolerating terminal-before-start arrival.
func (b *Builder) applyChainEvent(event chain.Event) {
	b.mu.Lock()
	rec, known := b.calls[event.CallID]
	if !known {
		rec = &callRecord{
			chainID:   event.ChainID,
			sourceID:  event.SourceID,
			targetID:  event.TargetID,
			firstSeen: time.Now(),
		}
		b.calls[event.CallID] = rec
	}
	switch event.Type {
	case chain.EventStart:
		rec.startSeen = true
	case chain.EventComplete, chain.EventError:
		rec.terminalSeen = true
	}
	startOnly := rec.startSeen && !rec.terminalSeen
	settled := rec.startSeen && rec.terminalSeen
	if settled {
		delete(b.calls, event.CallID)
	}
	b.mu.Unlock()

	// Nodes referenced by a chain event exist even before any advertisement;
	// a later advertisement refines type and label.
	b.ensureNode(event.SourceID)
	b.ensureNode(event.TargetID)
	b.UpsertEdge(event.SourceID, event.TargetID, EdgeActivity)

	if startOnly {
		b.SetNodeState(event.TargetID, StateBusy)
	} else {
		b.settleBusy(event.TargetID)
	}
}

// ensureNode creates a placeholder node on first reference.
func (b *Builder) ensureNode(id string) {
	b.mu.RLock()
	_, known := b.nodes[id]
	b.mu.RUnlock()
	if !known {
		b.UpsertNode(id, NodeAgent, id, StateStarting)
	}
}

// settleBusy returns a busy node to ready once its hop finished.
func (b *Builder) settleBusy(id string) {
	b.mu.Lock()
	node, known := b.nodes[id]
	var change *NodeChange
	if known && node.State == StateBusy {
		node.State = StateReady
		node.UpdatedAt = time.Now()
		change = &NodeChange{Node: *node.clone()}
	}
	b.mu.Unlock()
	if change != nil {
		b.emitNode(*change)
	}
}

// decayLoop removes stale activity edges and abandons orphaned calls.
func (b *Builder) decayLoop() {
	defer b.wg.Done()

	ticker := time.NewTicker(b.config.DecayInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			b.decay(time.Now())
		case <-b.done:
			return
		}
	}
}

func (b *Builder) decay(now time.Time) {
	b.mu.Lock()
	var removed []Edge
	for key, edge := range b.edges {
		if key.Type == EdgeActivity && now.Sub(edge.LastActivity) > b.config.ActivityWindow {
			removed = append(removed, *edge)
			delete(b.edges, key)
		}
	}
	type orphan struct {
		callID   string
		targetID string
	}
	var orphans []orphan
	for callID, rec := range b.calls {
		if now.Sub(rec.firstSeen) > b.config.OrphanWindow {
			orphans = append(orphans, orphan{callID: callID, targetID: rec.targetID})
			delete(b.calls, callID)
		}
	}
	b.mu.Unlock()

	for _, edge := range removed {
		b.emitEdge(EdgeChange{Edge: edge, Removed: true})
	}
	for _, o := range orphans {
		// The terminal event is gone for good (the chain topic is
		// best-effort), so the start must not pin the target busy forever.
		b.logger.Warn("orphaned call abandoned",
			zap.String("call_id", o.callID), zap.String("target_id", o.targetID))
		b.settleBusy(o.targetID)
	}
}

// emitNode fans a node change out and, when configured, republishes it as a
// durable topology fact.
func (b *Builder) emitNode(change NodeChange) {
	b.handlerMu.RLock()
	handlers := make([]NodeHandler, 0, len(b.nodeHandlers))
	for _, h := range b.nodeHandlers {
		handlers = append(handlers, h)
	}
	b.handlerMu.RUnlock()
	for _, h := range handlers {
		go h(change)
	}

	if b.config.PublishFacts {
		b.publishFact(NodeTopic, change.Node.ID, change.Node, change.Removed)
	}
}

func (b *Builder) emitEdge(change EdgeChange) {
	b.handlerMu.RLock()
	handlers := make([]EdgeHandler, 0, len(b.edgeHandlers))
	for _, h := range b.edgeHandlers {
		handlers = append(handlers, h)
	}
	b.handlerMu.RUnlock()
	for _, h := range handlers {
		go h(change)
	}

	if b.config.PublishFacts && change.Edge.Type != EdgeActivity {
		b.publishFact(EdgeTopic, change.Edge.String(), change.Edge, change.Removed)
	}
}

func (b *Builder) publishFact(topic, key string, fact interface{}, removed bool) {
	qos := transport.QoS{
		Reliability: transport.Reliable,
		Durability:  transport.DurableLastN,
		Depth:       1,
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var payload []byte
	if !removed {
		var err error
		payload, err = json.Marshal(fact)
		if err != nil {
			b.logger.Warn("failed to marshal topology fact", zap.Error(err))
			return
		}
	}
	if err := b.bus.Publish(ctx, topic, key, payload, qos); err != nil {
		b.logger.Warn("failed to publish topology fact",
			zap.String("topic", topic), zap.String("key", key), zap.Error(err))
	}
}

func ownerNodeType(kind registry.Kind) NodeType {
	if kind == registry.KindAgent {
		return NodeAgent
	}
	return NodeService
}

func capabilityNodeType(kind registry.Kind) NodeType {
	switch kind {
	case registry.KindAgent:
		return NodeAgent
	case registry.KindFunction:
		return NodeFunction
	default:
		return NodeService
	}
}
