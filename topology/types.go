package topology

import (
	"time"
)

// Durable fact topics for late-joining observers.
const (
	// NodeTopic carries node facts, durable last-1 per node id.
	NodeTopic = "capmesh.topology.nodes"
	// EdgeTopic carries edge facts, durable last-1 per edge key.
	EdgeTopic = "capmesh.topology.edges"
)

// NodeType classifies a graph node.
type NodeType string

const (
	NodeAgent     NodeType = "agent"
	NodeService   NodeType = "service"
	NodeFunction  NodeType = "function"
	NodeInterface NodeType = "interface"
)

// NodeState is the lifecycle state drawn for a node.
type NodeState string

const (
	StateStarting NodeState = "starting"
	StateReady    NodeState = "ready"
	StateBusy     NodeState = "busy"
	StateDegraded NodeState = "degraded"
	StateStopped  NodeState = "stopped"
)

// EdgeType classifies a graph edge.
type EdgeType string

const (
	// EdgeCanCall is a durable capability relationship.
	EdgeCanCall EdgeType = "can_call"
	// EdgeConnection is an owner-to-capability structural link; it persists
	// until explicit teardown.
	EdgeConnection EdgeType = "connection"
	// EdgeActivity is ephemeral live-call activity; it decays unless renewed.
	EdgeActivity EdgeType = "activity"
)

// Node is a participant or capability as drawn in the graph.
type Node struct {
	ID       string            `json:"id"`
	Type     NodeType          `json:"type"`
	Label    string            `json:"label"`
	State    NodeState         `json:"state"`
	Metadata map[string]string `json:"metadata,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (n *Node) clone() *Node {
	c := *n
	if n.Metadata != nil {
		c.Metadata = make(map[string]string, len(n.Metadata))
		for k, v := range n.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

// EdgeKey is the composite identity an edge is idempotent by.
type EdgeKey struct {
	Source string   `json:"source"`
	Target string   `json:"target"`
	Type   EdgeType `json:"type"`
}

// String renders the key for use as a topic key.
func (k EdgeKey) String() string {
	return k.Source + "->" + k.Target + ":" + string(k.Type)
}

// Edge is a relationship between two nodes.
type Edge struct {
	EdgeKey
	CreatedAt time.Time `json:"created_at"`

	// LastActivity is when the edge was last renewed; only activity edges
	// decay by it.
	LastActivity time.Time `json:"last_activity"`
}

// Graph is a consistent point-in-time copy of the topology.
type Graph struct {
	Nodes []Node    `json:"nodes"`
	Edges []Edge    `json:"edges"`
	Taken time.Time `json:"taken"`
}

// NodeChange is one incremental node notification. Created marks the first
// observation of the id; refreshes carry Created=false.
type NodeChange struct {
	Node    Node
	Created bool
	Removed bool
}

// EdgeChange is one incremental edge notification.
type EdgeChange struct {
	Edge    Edge
	Created bool
	Removed bool
}

// NodeHandler and EdgeHandler receive incremental changes on their own
// goroutine per event.
type (
	NodeHandler func(NodeChange)
	EdgeHandler func(EdgeChange)
)
