// Package topology reconstructs the observability graph of the mesh: nodes
// are participants and capabilities, edges are durable "can call"
// relationships and ephemeral "is calling now" activity. The Builder consumes
// discovery events and chain events, keeps an in-memory graph with idempotent
// mutation, and exposes point-in-time snapshots plus an incremental-change
// subscription that distinguishes creations from refreshes so observers are
// not flooded by heartbeat traffic.
package topology
