package transport

import (
	"context"
	"errors"
	"time"
)

// Reliability selects the delivery guarantee for a publication.
type Reliability int

const (
	// BestEffort publications are fire-and-forget: delivery failures are
	// logged and dropped, Publish never reports them.
	BestEffort Reliability = iota
	// Reliable publications surface transport failures to the publisher and
	// block until the sample has been handed to the substrate.
	Reliable
)

// Durability selects what a late-joining subscriber observes.
type Durability int

const (
	// Volatile topics deliver nothing published before the subscription.
	Volatile Durability = iota
	// DurableLastN topics retain the last Depth samples per key and replay
	// them to new subscribers before live delivery starts.
	DurableLastN
)

// QoS configures one publication or subscription.
type QoS struct {
	Reliability Reliability
	Durability  Durability

	// Depth is the number of retained samples per key for DurableLastN
	// topics. Zero means 1.
	Depth int

	// LivelinessLease is the maximum interval a publisher key may go silent
	// before liveliness subscribers are told the key is lost. Zero disables
	// liveliness tracking.
	LivelinessLease time.Duration
}

// depth returns the effective retained-sample depth.
func (q QoS) depth() int {
	if q.Depth <= 0 {
		return 1
	}
	return q.Depth
}

// Sample is one delivered publication. A nil Payload is a tombstone: it clears
// any retained samples for the key and tells subscribers the key is withdrawn.
type Sample struct {
	Topic       string
	Key         string
	Payload     []byte
	PublishedAt time.Time
}

// Tombstone reports whether the sample withdraws its key.
func (s Sample) Tombstone() bool { return s.Payload == nil }

// Handler receives samples asynchronously. Handlers run on a per-subscription
// goroutine, in per-key publish order; they must not block on an RPC call back
// into the same process.
type Handler func(Sample)

// LivelinessHandler is told when a publisher key on a leased topic has gone
// silent past its lease.
type LivelinessHandler func(topic, key string)

// Subscription is a cancellable handle returned by Subscribe.
type Subscription interface {
	// Close stops delivery. It is safe to call more than once.
	Close() error
}

// Bus is the pub/sub channel contract.
type Bus interface {
	// Publish sends payload on topic under key. For Reliable QoS the error
	// reflects substrate failure; for BestEffort it is always nil.
	// A nil payload publishes a tombstone for key.
	Publish(ctx context.Context, topic, key string, payload []byte, qos QoS) error

	// Subscribe registers handler for topic. It never blocks the caller;
	// retained samples of durable topics are replayed asynchronously before
	// live samples. The returned Subscription stops delivery when closed.
	Subscribe(topic string, handler Handler, qos QoS) (Subscription, error)

	// SubscribeLiveliness registers a handler for publisher keys on topic
	// whose liveliness lease has lapsed.
	SubscribeLiveliness(topic string, handler LivelinessHandler) (Subscription, error)

	// Close releases the bus. Open subscriptions stop delivering.
	Close() error
}

var (
	// ErrBusClosed is returned by operations on a closed bus.
	ErrBusClosed = errors.New("transport: bus closed")
)
