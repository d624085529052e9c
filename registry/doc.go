// Package registry implements the distributed capability registry: an
// Advertiser publishes leased capability advertisements on a durable topic,
// and a Discovery cache gives every consumer a local, eventually-consistent
// view of all live advertisements, populated by late-joiner replay plus live
// updates and pruned by lease expiry.
package registry
