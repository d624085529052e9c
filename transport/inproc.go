package transport

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// subscriptionCounter generates unique subscription IDs across all buses.
var subscriptionCounter int64

func nextSubscriptionID() int64 {
	return atomic.AddInt64(&subscriptionCounter, 1)
}

// InprocConfig holds configuration for the in-process bus.
type InprocConfig struct {
	// BufferSize is the per-subscription delivery buffer.
	BufferSize int `yaml:"buffer_size"`

	// LivelinessSweepInterval is how often lapsed publisher keys are scanned.
	LivelinessSweepInterval time.Duration `yaml:"liveliness_sweep_interval"`
}

// DefaultInprocConfig returns an InprocConfig with sensible defaults.
func DefaultInprocConfig() *InprocConfig {
	return &InprocConfig{
		BufferSize:              256,
		LivelinessSweepInterval: 500 * time.Millisecond,
	}
}

// InprocBus is an in-process Bus for single-process meshes and tests. Delivery
// is asynchronous: every subscription owns a buffered channel drained by its
// own goroutine, so publishers never run subscriber code.
type InprocBus struct {
	config *InprocConfig
	logger *zap.Logger

	mu     sync.RWMutex
	topics map[string]*inprocTopic
	closed bool

	done chan struct{}
	wg   sync.WaitGroup
}

type inprocTopic struct {
	name string

	mu       sync.Mutex
	retained map[string][]Sample // per key, oldest first
	lastSeen map[string]time.Time
	lease    time.Duration // shortest liveliness lease seen on this topic
	depth    int           // largest retained depth seen on this topic
	subs     map[int64]*inprocSub
	liveSubs map[int64]LivelinessHandler
}

type inprocSub struct {
	id       int64
	topic    *inprocTopic
	qos      QoS
	ch       chan Sample
	done     chan struct{}
	stopOnce sync.Once
}

// NewInprocBus creates an in-process bus.
func NewInprocBus(config *InprocConfig, logger *zap.Logger) *InprocBus {
	if config == nil {
		config = DefaultInprocConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &InprocBus{
		config: config,
		logger: logger.With(zap.String("component", "inproc_bus")),
		topics: make(map[string]*inprocTopic),
		done:   make(chan struct{}),
	}
	b.wg.Add(1)
	go b.livelinessLoop()
	return b
}

// Publish implements Bus.
func (b *InprocBus) Publish(ctx context.Context, topic, key string, payload []byte, qos QoS) error {
	t, err := b.topic(topic)
	if err != nil {
		if qos.Reliability == Reliable {
			return err
		}
		return nil
	}

	sample := Sample{Topic: topic, Key: key, Payload: payload, PublishedAt: time.Now()}

	t.mu.Lock()
	if sample.Tombstone() {
		delete(t.retained, key)
		delete(t.lastSeen, key)
	} else {
		if qos.Durability == DurableLastN {
			if qos.depth() > t.depth {
				t.depth = qos.depth()
			}
			ring := append(t.retained[key], sample)
			if len(ring) > t.depth {
				ring = ring[len(ring)-t.depth:]
			}
			t.retained[key] = ring
		}
		if qos.LivelinessLease > 0 {
			if t.lease == 0 || qos.LivelinessLease < t.lease {
				t.lease = qos.LivelinessLease
			}
			t.lastSeen[key] = sample.PublishedAt
		}
	}
	subs := make([]*inprocSub, 0, len(t.subs))
	for _, s := range t.subs {
		subs = append(subs, s)
	}
	t.mu.Unlock()

	for _, s := range subs {
		if err := s.deliver(ctx, sample, qos.Reliability); err != nil {
			if qos.Reliability == Reliable {
				return err
			}
		}
	}
	return nil
}

// Subscribe implements Bus.
func (b *InprocBus) Subscribe(topic string, handler Handler, qos QoS) (Subscription, error) {
	t, err := b.topic(topic)
	if err != nil {
		return nil, err
	}

	sub := &inprocSub{
		id:    nextSubscriptionID(),
		topic: t,
		qos:   qos,
		ch:    make(chan Sample, b.config.BufferSize),
		done:  make(chan struct{}),
	}

	t.mu.Lock()
	// Replay retained samples ahead of live traffic; enqueued under the topic
	// lock so no live sample can slip in front of the replay.
	if qos.Durability == DurableLastN {
		for _, ring := range t.retained {
			for _, s := range ring {
				select {
				case sub.ch <- s:
				default:
					b.logger.Warn("replay buffer overflow, sample dropped",
						zap.String("topic", topic), zap.String("key", s.Key))
				}
			}
		}
	}
	t.subs[sub.id] = sub
	t.mu.Unlock()

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		sub.pump(handler)
	}()
	return sub, nil
}

// SubscribeLiveliness implements Bus.
func (b *InprocBus) SubscribeLiveliness(topic string, handler LivelinessHandler) (Subscription, error) {
	t, err := b.topic(topic)
	if err != nil {
		return nil, err
	}
	id := nextSubscriptionID()
	t.mu.Lock()
	t.liveSubs[id] = handler
	t.mu.Unlock()
	return &livelinessSub{id: id, topic: t}, nil
}

// Close implements Bus.
func (b *InprocBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	topics := make([]*inprocTopic, 0, len(b.topics))
	for _, t := range b.topics {
		topics = append(topics, t)
	}
	b.mu.Unlock()

	close(b.done)
	for _, t := range topics {
		t.mu.Lock()
		for _, s := range t.subs {
			s.stop()
		}
		t.subs = make(map[int64]*inprocSub)
		t.liveSubs = make(map[int64]LivelinessHandler)
		t.mu.Unlock()
	}
	b.wg.Wait()
	return nil
}

// topic returns the named topic, creating it on first use.
func (b *InprocBus) topic(name string) (*inprocTopic, error) {
	b.mu.RLock()
	t, ok := b.topics[name]
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		return nil, ErrBusClosed
	}
	if ok {
		return t, nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrBusClosed
	}
	if t, ok = b.topics[name]; ok {
		return t, nil
	}
	t = &inprocTopic{
		name:     name,
		retained: make(map[string][]Sample),
		lastSeen: make(map[string]time.Time),
		depth:    1,
		subs:     make(map[int64]*inprocSub),
		liveSubs: make(map[int64]LivelinessHandler),
	}
	b.topics[name] = t
	return t, nil
}

// livelinessLoop scans leased topics for silent publisher keys.
func (b *InprocBus) livelinessLoop() {
	defer b.wg.Done()

	ticker := time.NewTicker(b.config.LivelinessSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			b.sweepLiveliness(time.Now())
		case <-b.done:
			return
		}
	}
}

func (b *InprocBus) sweepLiveliness(now time.Time) {
	b.mu.RLock()
	topics := make([]*inprocTopic, 0, len(b.topics))
	for _, t := range b.topics {
		topics = append(topics, t)
	}
	b.mu.RUnlock()

	for _, t := range topics {
		t.mu.Lock()
		if t.lease == 0 {
			t.mu.Unlock()
			continue
		}
		var lost []string
		for key, seen := range t.lastSeen {
			if now.Sub(seen) > t.lease {
				lost = append(lost, key)
				delete(t.lastSeen, key)
			}
		}
		handlers := make([]LivelinessHandler, 0, len(t.liveSubs))
		if len(lost) > 0 {
			for _, h := range t.liveSubs {
				handlers = append(handlers, h)
			}
		}
		t.mu.Unlock()

		for _, key := range lost {
			b.logger.Debug("publisher liveliness lost",
				zap.String("topic", t.name), zap.String("key", key))
			for _, h := range handlers {
				go h(t.name, key)
			}
		}
	}
}

// deliver enqueues a sample for the subscription. Best-effort samples are
// dropped when the buffer is full; reliable delivery waits for space.
func (s *inprocSub) deliver(ctx context.Context, sample Sample, rel Reliability) error {
	if rel == BestEffort {
		select {
		case s.ch <- sample:
		case <-s.done:
		default:
		}
		return nil
	}
	select {
	case s.ch <- sample:
		return nil
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// pump drains the delivery buffer into the handler.
func (s *inprocSub) pump(handler Handler) {
	for {
		select {
		case sample := <-s.ch:
			handler(sample)
		case <-s.done:
			// Drain what was already enqueued so reliable samples accepted
			// before Close are not silently lost.
			for {
				select {
				case sample := <-s.ch:
					handler(sample)
				default:
					return
				}
			}
		}
	}
}

func (s *inprocSub) stop() {
	s.stopOnce.Do(func() { close(s.done) })
}

// Close implements Subscription.
func (s *inprocSub) Close() error {
	s.topic.mu.Lock()
	delete(s.topic.subs, s.id)
	s.topic.mu.Unlock()
	s.stop()
	return nil
}

type livelinessSub struct {
	id    int64
	topic *inprocTopic
}

func (s *livelinessSub) Close() error {
	s.topic.mu.Lock()
	delete(s.topic.liveSubs, s.id)
	s.topic.mu.Unlock()
	return nil
}

// Ensure InprocBus implements Bus.
var _ Bus = (*InprocBus)(nil)
