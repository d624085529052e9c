package chain

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/capmesh/capmesh/transport"
)

// EventTopic carries chain events, best-effort and volatile: this is the
// high-volume activity signal, not a durable record.
const EventTopic = "capmesh.chain.events"

// EventType identifies one observable step of a call.
type EventType string

const (
	EventStart    EventType = "start"
	EventComplete EventType = "complete"
	EventError    EventType = "error"
)

// Event is one observable step of a call. Events are never mutated after
// emission.
type Event struct {
	// ChainID persists across all hops of one logical request.
	ChainID string `json:"chain_id"`

	// CallID is unique per hop.
	CallID string `json:"call_id"`

	Type     EventType `json:"type"`
	SourceID string    `json:"source_id"`
	TargetID string    `json:"target_id"`

	Timestamp time.Time `json:"timestamp"`
	Error     string    `json:"error,omitempty"`
}

// NewChainID mints the chain id an outermost caller (an interface handling a
// user request) threads unmodified through every subsequent hop.
func NewChainID() string {
	return uuid.NewString()
}

// TracerConfig holds configuration for a Tracer.
type TracerConfig struct {
	// Topic overrides the chain event topic. Defaults to EventTopic.
	Topic string `yaml:"topic"`

	// EventsPerSecond caps emitted start events; excess events are dropped
	// rather than slowing the instrumented path. Terminal events always
	// emit so observers can settle in-flight state. Zero means unlimited.
	EventsPerSecond float64 `yaml:"events_per_second"`

	// Burst is the limiter burst when EventsPerSecond is set.
	Burst int `yaml:"burst"`
}

// DefaultTracerConfig returns a TracerConfig with sensible defaults.
func DefaultTracerConfig() *TracerConfig {
	return &TracerConfig{
		Topic:           EventTopic,
		EventsPerSecond: 1000,
		Burst:           200,
	}
}

// Tracer emits chain events around RPC hops for one participant.
type Tracer struct {
	bus     transport.Bus
	config  *TracerConfig
	logger  *zap.Logger
	limiter *rate.Limiter

	// otel mirroring is optional; spans are tracked per call id so the
	// terminal event can end what the start event opened.
	otel    oteltrace.Tracer
	spansMu sync.Mutex
	spans   map[string]oteltrace.Span
}

// NewTracer creates a tracer publishing on the given bus.
func NewTracer(bus transport.Bus, config *TracerConfig, logger *zap.Logger) *Tracer {
	if config == nil {
		config = DefaultTracerConfig()
	}
	if config.Topic == "" {
		config.Topic = EventTopic
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	var limiter *rate.Limiter
	if config.EventsPerSecond > 0 {
		burst := config.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(config.EventsPerSecond), burst)
	}
	return &Tracer{
		bus:     bus,
		config:  config,
		logger:  logger.With(zap.String("component", "chain_tracer")),
		limiter: limiter,
		spans:   make(map[string]oteltrace.Span),
	}
}

// AttachOTel mirrors every hop as an OpenTelemetry span on the given tracer.
func (t *Tracer) AttachOTel(tracer oteltrace.Tracer) {
	t.otel = tracer
}

// StartSpan emits the start event for one hop and returns the fresh call id
// the terminal event must carry.
func (t *Tracer) StartSpan(ctx context.Context, chainID, sourceID, targetID string) string {
	callID := uuid.NewString()
	t.emit(ctx, Event{
		ChainID:   chainID,
		CallID:    callID,
		Type:      EventStart,
		SourceID:  sourceID,
		TargetID:  targetID,
		Timestamp: time.Now(),
	})

	if t.otel != nil {
		_, span := t.otel.Start(ctx, "capmesh.call",
			oteltrace.WithSpanKind(oteltrace.SpanKindClient),
			oteltrace.WithAttributes(
				attribute.String("capmesh.chain_id", chainID),
				attribute.String("capmesh.call_id", callID),
				attribute.String("capmesh.source_id", sourceID),
				attribute.String("capmesh.target_id", targetID),
			),
		)
		t.spansMu.Lock()
		t.spans[callID] = span
		t.spansMu.Unlock()
	}
	return callID
}

// CompleteSpan emits the matching terminal event for a successful hop.
func (t *Tracer) CompleteSpan(ctx context.Context, chainID, callID, sourceID, targetID string) {
	t.emit(ctx, Event{
		ChainID:   chainID,
		CallID:    callID,
		Type:      EventComplete,
		SourceID:  sourceID,
		TargetID:  targetID,
		Timestamp: time.Now(),
	})
	t.endSpan(callID, nil)
}

// ErrorSpan emits the matching terminal event for a failed hop.
func (t *Tracer) ErrorSpan(ctx context.Context, chainID, callID, sourceID, targetID string, err error) {
	event := Event{
		ChainID:   chainID,
		CallID:    callID,
		Type:      EventError,
		SourceID:  sourceID,
		TargetID:  targetID,
		Timestamp: time.Now(),
	}
	if err != nil {
		event.Error = err.Error()
	}
	t.emit(ctx, event)
	t.endSpan(callID, err)
}

// emit publishes best-effort. It never returns an error and never blocks
// beyond the limiter's reservation check. Only start events count against
// the limiter: shedding a terminal event would strand its start's in-flight
// state at every downstream observer.
func (t *Tracer) emit(ctx context.Context, event Event) {
	if event.Type == EventStart && t.limiter != nil && !t.limiter.Allow() {
		t.logger.Debug("chain event rate limited",
			zap.String("chain_id", event.ChainID), zap.String("type", string(event.Type)))
		return
	}
	payload, err := json.Marshal(event)
	if err != nil {
		t.logger.Warn("failed to marshal chain event", zap.Error(err))
		return
	}
	err = t.bus.Publish(ctx, t.config.Topic, event.CallID, payload, transport.QoS{
		Reliability: transport.BestEffort,
		Durability:  transport.Volatile,
	})
	if err != nil {
		// Best-effort: the instrumented call must not notice.
		t.logger.Debug("chain event publish failed", zap.Error(err))
	}
}

func (t *Tracer) endSpan(callID string, callErr error) {
	if t.otel == nil {
		return
	}
	t.spansMu.Lock()
	span, ok := t.spans[callID]
	if ok {
		delete(t.spans, callID)
	}
	t.spansMu.Unlock()
	if !ok {
		return
	}
	if callErr != nil {
		span.RecordError(callErr)
		span.SetStatus(codes.Error, callErr.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
