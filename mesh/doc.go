// Package mesh ties the subsystems together into one Participant: a bus,
// an advertiser, a discovery cache, an RPC requester and replier, a chain
// tracer, a capability router, and optionally a topology builder. Every
// dependency is an owned instance injected at construction, never a
// process-wide singleton, so multiple independent participants can run in
// one process (which is how most of the tests work).
package mesh
