package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/capmesh/capmesh/transport"
)

// RequesterConfig holds configuration for a Requester.
type RequesterConfig struct {
	// RequestTopic overrides the request topic. Defaults to RequestTopic.
	RequestTopic string `yaml:"request_topic"`

	// DefaultTimeout bounds Call when the caller passes zero.
	DefaultTimeout time.Duration `yaml:"default_timeout"`
}

// DefaultRequesterConfig returns a RequesterConfig with sensible defaults.
func DefaultRequesterConfig() *RequesterConfig {
	return &RequesterConfig{
		RequestTopic:   RequestTopic,
		DefaultTimeout: 10 * time.Second,
	}
}

// Requester issues correlated calls. Each requester owns a private reply
// topic; pending calls are matched to replies by correlation id, so replies
// with foreign correlation ids are never delivered to the wrong waiter.
type Requester struct {
	bus         transport.Bus
	requesterID string
	replyTopic  string
	config      *RequesterConfig
	logger      *zap.Logger

	mu      sync.Mutex
	pending map[string]chan Reply
	closed  bool

	sub transport.Subscription
}

// NewRequester creates a requester for the given participant.
func NewRequester(bus transport.Bus, requesterID string, config *RequesterConfig, logger *zap.Logger) *Requester {
	if config == nil {
		config = DefaultRequesterConfig()
	}
	if config.RequestTopic == "" {
		config.RequestTopic = RequestTopic
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Requester{
		bus:         bus,
		requesterID: requesterID,
		replyTopic:  replyTopicPrefix + requesterID,
		config:      config,
		logger:      logger.With(zap.String("component", "rpc_requester"), zap.String("requester_id", requesterID)),
		pending:     make(map[string]chan Reply),
	}
}

// Start subscribes to the requester's reply topic.
func (r *Requester) Start(ctx context.Context) error {
	sub, err := r.bus.Subscribe(r.replyTopic, r.onReply, transport.QoS{
		Reliability: transport.Reliable,
		Durability:  transport.Volatile,
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to replies: %w", err)
	}
	r.sub = sub
	return nil
}

// Call publishes a request to endpoint and blocks until a reply with the same
// correlation id arrives, the timeout lapses (ErrTimeout), or ctx is
// cancelled. Cancellation stops the wait but does not retract the request; a
// replier may still process it and the response is discarded.
//
// A reply with StatusError is returned together with a *RemoteError.
func (r *Requester) Call(ctx context.Context, endpoint string, payload []byte, timeout time.Duration) (*Reply, error) {
	if timeout <= 0 {
		timeout = r.config.DefaultTimeout
	}

	correlationID := uuid.NewString()
	ch := make(chan Reply, 1)

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrClosed
	}
	r.pending[correlationID] = ch
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.pending, correlationID)
		r.mu.Unlock()
	}()

	req := Request{
		CorrelationID: correlationID,
		Endpoint:      endpoint,
		ReplyTo:       r.replyTopic,
		Payload:       payload,
		SentAt:        time.Now(),
	}
	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	err = r.bus.Publish(ctx, r.config.RequestTopic, endpoint, data, transport.QoS{
		Reliability: transport.Reliable,
		Durability:  transport.Volatile,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to publish request: %w", err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case reply := <-ch:
		if reply.Status == StatusError {
			return &reply, &RemoteError{Endpoint: endpoint, Message: reply.ErrorMessage}
		}
		return &reply, nil
	case <-timer.C:
		r.logger.Debug("call timed out",
			zap.String("endpoint", endpoint),
			zap.String("correlation_id", correlationID),
			zap.Duration("timeout", timeout),
		)
		return nil, ErrTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close stops matching replies. In-flight calls fail with ErrClosed only via
// their own timeout or cancellation; the pending map is simply abandoned.
func (r *Requester) Close() error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	if r.sub != nil {
		return r.sub.Close()
	}
	return nil
}

// onReply resolves the pending call for a reply's correlation id. First reply
// wins: once resolved, the entry is gone and late duplicates are discarded.
func (r *Requester) onReply(s transport.Sample) {
	var reply Reply
	if err := json.Unmarshal(s.Payload, &reply); err != nil {
		r.logger.Warn("malformed reply dropped", zap.Error(err))
		return
	}

	r.mu.Lock()
	ch, ok := r.pending[reply.CorrelationID]
	if ok {
		delete(r.pending, reply.CorrelationID)
	}
	r.mu.Unlock()

	if !ok {
		// Duplicate from a replicated replier, a late reply to a timed-out
		// call, or a foreign correlation id.
		r.logger.Debug("unmatched reply discarded",
			zap.String("correlation_id", reply.CorrelationID))
		return
	}
	ch <- reply
}
