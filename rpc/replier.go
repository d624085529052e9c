package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/capmesh/capmesh/transport"
)

// replyPublishTimeout bounds the reply publish independently of the handler
// budget.
const replyPublishTimeout = 5 * time.Second

// Handler is the business logic a replier wraps. The returned bytes become
// the reply payload; a non-nil error becomes a StatusError reply carrying the
// error message.
type Handler func(ctx context.Context, payload []byte) ([]byte, error)

// ReplierConfig holds configuration for a Replier.
type ReplierConfig struct {
	// RequestTopic overrides the request topic. Defaults to RequestTopic.
	RequestTopic string `yaml:"request_topic"`

	// HandlerTimeout bounds a single handler invocation.
	HandlerTimeout time.Duration `yaml:"handler_timeout"`
}

// DefaultReplierConfig returns a ReplierConfig with sensible defaults.
func DefaultReplierConfig() *ReplierConfig {
	return &ReplierConfig{
		RequestTopic:   RequestTopic,
		HandlerTimeout: 30 * time.Second,
	}
}

// Replier serves endpoints. Several repliers (in one process or many) may
// serve the same endpoint: every one of them answers, and the requester keeps
// the first reply. A panicking handler produces a StatusError reply and the
// replier keeps serving.
type Replier struct {
	bus       transport.Bus
	replierID string
	config    *ReplierConfig
	logger    *zap.Logger

	mu     sync.Mutex
	subs   map[string]transport.Subscription // by endpoint
	closed bool
}

// NewReplier creates a replier for the given participant.
func NewReplier(bus transport.Bus, replierID string, config *ReplierConfig, logger *zap.Logger) *Replier {
	if config == nil {
		config = DefaultReplierConfig()
	}
	if config.RequestTopic == "" {
		config.RequestTopic = RequestTopic
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Replier{
		bus:       bus,
		replierID: replierID,
		config:    config,
		logger:    logger.With(zap.String("component", "rpc_replier"), zap.String("replier_id", replierID)),
		subs:      make(map[string]transport.Subscription),
	}
}

// Serve subscribes the handler to requests addressed to endpoint. It returns
// immediately; requests are handled on their own goroutines so a handler that
// calls back into the mesh cannot deadlock the delivery path.
func (r *Replier) Serve(endpoint string, handler Handler) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	if _, exists := r.subs[endpoint]; exists {
		return fmt.Errorf("rpc: endpoint %q already served", endpoint)
	}

	sub, err := r.bus.Subscribe(r.config.RequestTopic, func(s transport.Sample) {
		if s.Key != endpoint || s.Tombstone() {
			return
		}
		go r.handle(endpoint, handler, s.Payload)
	}, transport.QoS{
		Reliability: transport.Reliable,
		Durability:  transport.Volatile,
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to requests: %w", err)
	}
	r.subs[endpoint] = sub
	r.logger.Info("serving endpoint", zap.String("endpoint", endpoint))
	return nil
}

// Stop withdraws the handler for endpoint.
func (r *Replier) Stop(endpoint string) error {
	r.mu.Lock()
	sub, exists := r.subs[endpoint]
	if exists {
		delete(r.subs, endpoint)
	}
	r.mu.Unlock()
	if !exists {
		return fmt.Errorf("rpc: endpoint %q not served", endpoint)
	}
	return sub.Close()
}

// Close stops serving every endpoint.
func (r *Replier) Close() error {
	r.mu.Lock()
	r.closed = true
	subs := make([]transport.Subscription, 0, len(r.subs))
	for _, sub := range r.subs {
		subs = append(subs, sub)
	}
	r.subs = make(map[string]transport.Subscription)
	r.mu.Unlock()

	for _, sub := range subs {
		_ = sub.Close()
	}
	return nil
}

// handle runs one request through the handler and publishes the reply.
func (r *Replier) handle(endpoint string, handler Handler, data []byte) {
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		r.logger.Warn("malformed request dropped", zap.String("endpoint", endpoint), zap.Error(err))
		return
	}
	if req.CorrelationID == "" || req.ReplyTo == "" {
		r.logger.Warn("request missing correlation id or reply topic",
			zap.String("endpoint", endpoint))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.config.HandlerTimeout)
	defer cancel()

	reply := Reply{CorrelationID: req.CorrelationID}
	result, err := r.invoke(ctx, handler, req.Payload)
	if err != nil {
		reply.Status = StatusError
		reply.ErrorMessage = err.Error()
		r.logger.Warn("handler failed",
			zap.String("endpoint", endpoint),
			zap.String("correlation_id", req.CorrelationID),
			zap.Error(err),
		)
	} else {
		reply.Status = StatusOK
		reply.Payload = result
	}

	out, err := json.Marshal(reply)
	if err != nil {
		r.logger.Error("failed to marshal reply", zap.Error(err))
		return
	}
	// A fresh context for the publish: a handler that used up its whole
	// budget still earned its reply, and the handler deadline must not turn
	// that success into a caller-side timeout.
	pubCtx, pubCancel := context.WithTimeout(context.Background(), replyPublishTimeout)
	defer pubCancel()
	err = r.bus.Publish(pubCtx, req.ReplyTo, req.CorrelationID, out, transport.QoS{
		Reliability: transport.Reliable,
		Durability:  transport.Volatile,
	})
	if err != nil {
		r.logger.Warn("failed to publish reply",
			zap.String("correlation_id", req.CorrelationID), zap.Error(err))
	}
}

// invoke runs the handler, converting a panic into an error so one bad
// request never takes the replier down.
func (r *Replier) invoke(ctx context.Context, handler Handler, payload []byte) (result []byte, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("handler panic recovered",
				zap.Any("panic", rec),
				zap.ByteString("stack", debug.Stack()),
			)
			err = fmt.Errorf("handler panic: %v", rec)
		}
	}()
	return handler(ctx, payload)
}
