// Package chain emits paired start/complete (and error) events around every
// RPC hop, all carrying the chain id of the outermost request, so a
// downstream observer can reconstruct multi-hop call graphs. The tracer does
// no buffering or correlation of its own and publishing is best-effort: a
// transport failure here never fails the call being instrumented.
package chain
