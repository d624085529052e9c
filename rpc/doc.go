// Package rpc provides correlated request/reply calls over the transport:
// a Requester publishes a request carrying a fresh correlation id and blocks
// until a reply echoing that id arrives, and a Replier serves an endpoint by
// wrapping arbitrary handler logic. Multiple repliers may serve the same
// endpoint with no coordination; the first reply wins and late duplicates are
// discarded.
package rpc
