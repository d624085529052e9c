package rpc

import (
	"errors"
	"fmt"
	"time"
)

// RequestTopic carries requests, keyed by target endpoint.
const RequestTopic = "capmesh.rpc.requests"

// replyTopicPrefix prefixes each requester's private reply topic.
const replyTopicPrefix = "capmesh.rpc.replies."

// Status is the outcome carried in a reply.
type Status string

const (
	StatusOK      Status = "ok"
	StatusError   Status = "error"
	StatusTimeout Status = "timeout"
)

// Request is one correlated call. It is transient: nothing retains it beyond
// the call.
type Request struct {
	// CorrelationID is caller-generated and echoed verbatim in the reply.
	CorrelationID string `json:"correlation_id"`

	// Endpoint is the opaque routing address of the target.
	Endpoint string `json:"endpoint"`

	// ReplyTo is the topic the reply must be published on.
	ReplyTo string `json:"reply_to"`

	Payload []byte    `json:"payload,omitempty"`
	SentAt  time.Time `json:"sent_at"`
}

// Reply is the endpoint owner's answer to a request.
type Reply struct {
	CorrelationID string `json:"correlation_id"`
	Status        Status `json:"status"`
	Payload       []byte `json:"payload,omitempty"`
	ErrorMessage  string `json:"error_message,omitempty"`
}

// RemoteError is returned by Call when the reply carries StatusError: the
// handler on the other side failed and sent its message back.
type RemoteError struct {
	Endpoint string
	Message  string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("rpc: remote error from %s: %s", e.Endpoint, e.Message)
}

var (
	// ErrTimeout is returned by Call when no reply arrives in time. A caller
	// invoking a capability that disappeared mid-flight sees this, not a
	// crash.
	ErrTimeout = errors.New("rpc: call timed out")

	// ErrClosed is returned by operations on a closed requester or replier.
	ErrClosed = errors.New("rpc: closed")
)
