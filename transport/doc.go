// Package transport provides the publish/subscribe channel abstraction the rest
// of the mesh is built on. It is the only package that knows about a concrete
// network substrate; everything else depends on the Bus interface, so the
// substrate (in-process fan-out, Redis, ...) stays swappable.
//
// Topics are configured per subscription/publication with a QoS: reliability
// (acknowledged vs fire-and-forget), durability (volatile vs last-N retained
// samples per key replayed to late joiners), and a liveliness lease after which
// a silent publisher key is reported lost.
package transport
