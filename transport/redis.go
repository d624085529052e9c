package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/capmesh/capmesh/internal/tlsutil"
)

// RedisConfig holds configuration for the Redis-backed bus.
type RedisConfig struct {
	Host      string `yaml:"host"`
	Port      int    `yaml:"port"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	PoolSize  int    `yaml:"pool_size"`
	KeyPrefix string `yaml:"key_prefix"`

	// TLS secures the connection; nil or disabled means plaintext.
	TLS *tlsutil.Config `yaml:"tls"`

	// LivelinessSweepInterval is how often lapsed publisher keys are scanned.
	LivelinessSweepInterval time.Duration `yaml:"liveliness_sweep_interval"`
}

// DefaultRedisConfig returns a RedisConfig with sensible defaults.
func DefaultRedisConfig() *RedisConfig {
	return &RedisConfig{
		Host:                    "localhost",
		Port:                    6379,
		PoolSize:                10,
		KeyPrefix:               "capmesh:",
		LivelinessSweepInterval: 500 * time.Millisecond,
	}
}

// Addr returns the host:port address.
func (c *RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// redisEnvelope is the wire form of a Sample on Redis channels and retained
// lists. The publisher's liveliness lease rides along so remote consumers can
// track liveliness without knowing the publisher's QoS.
type redisEnvelope struct {
	Key         string    `json:"key"`
	Payload     []byte    `json:"payload,omitempty"`
	PublishedAt time.Time `json:"published_at"`
	Tombstone   bool      `json:"tombstone,omitempty"`
	LeaseMillis int64     `json:"lease_ms,omitempty"`
}

// RedisBus is a Bus backed by Redis: pub/sub channels for live delivery and
// per-key lists for durable last-N retention. Durable topics are at-least-once
// for late joiners (a sample can be both replayed and live-delivered during the
// join window); consumers are expected to be idempotent, which every capmesh
// consumer is.
type RedisBus struct {
	config *RedisConfig
	client *redis.Client
	logger *zap.Logger

	mu     sync.Mutex
	subs   map[int64]*redisSub
	closed bool

	wg sync.WaitGroup
}

// NewRedisBus connects to Redis and returns a bus. The connection is verified
// with a bounded ping, matching how the rest of the system treats transport
// startup as fail-fast.
func NewRedisBus(config *RedisConfig, logger *zap.Logger) (*RedisBus, error) {
	if config == nil {
		config = DefaultRedisConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	tlsConfig, err := config.TLS.ClientConfig()
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(&redis.Options{
		Addr:      config.Addr(),
		Password:  config.Password,
		DB:        config.DB,
		PoolSize:  config.PoolSize,
		TLSConfig: tlsConfig,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisBus{
		config: config,
		client: client,
		logger: logger.With(zap.String("component", "redis_bus")),
		subs:   make(map[int64]*redisSub),
	}, nil
}

func (b *RedisBus) channelKey(topic string) string {
	return b.config.KeyPrefix + "chan:" + topic
}

func (b *RedisBus) retainedKey(topic, key string) string {
	return b.config.KeyPrefix + "ret:" + topic + ":" + key
}

func (b *RedisBus) keysetKey(topic string) string {
	return b.config.KeyPrefix + "keys:" + topic
}

// Publish implements Bus.
func (b *RedisBus) Publish(ctx context.Context, topic, key string, payload []byte, qos QoS) error {
	env := redisEnvelope{
		Key:         key,
		Payload:     payload,
		PublishedAt: time.Now(),
		Tombstone:   payload == nil,
		LeaseMillis: qos.LivelinessLease.Milliseconds(),
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}

	err = b.publish(ctx, topic, key, data, env.Tombstone, qos)
	if err != nil && qos.Reliability == BestEffort {
		b.logger.Debug("best-effort publish dropped",
			zap.String("topic", topic), zap.String("key", key), zap.Error(err))
		return nil
	}
	return err
}

func (b *RedisBus) publish(ctx context.Context, topic, key string, data []byte, tombstone bool, qos QoS) error {
	if tombstone {
		pipe := b.client.Pipeline()
		pipe.Del(ctx, b.retainedKey(topic, key))
		pipe.SRem(ctx, b.keysetKey(topic), key)
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("failed to clear retained samples: %w", err)
		}
	} else if qos.Durability == DurableLastN {
		pipe := b.client.Pipeline()
		pipe.LPush(ctx, b.retainedKey(topic, key), data)
		pipe.LTrim(ctx, b.retainedKey(topic, key), 0, int64(qos.depth()-1))
		pipe.SAdd(ctx, b.keysetKey(topic), key)
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("failed to retain sample: %w", err)
		}
	}

	if err := b.client.Publish(ctx, b.channelKey(topic), data).Err(); err != nil {
		return fmt.Errorf("failed to publish: %w", err)
	}
	return nil
}

// Subscribe implements Bus.
func (b *RedisBus) Subscribe(topic string, handler Handler, qos QoS) (Subscription, error) {
	return b.subscribe(topic, qos, func(s Sample) { handler(s) }, nil)
}

// SubscribeLiveliness implements Bus. The subscription observes topic traffic
// and reports keys whose publisher lease (carried in the envelope) lapses.
func (b *RedisBus) SubscribeLiveliness(topic string, handler LivelinessHandler) (Subscription, error) {
	tracker := newLeaseTracker()
	sub, err := b.subscribe(topic, QoS{Durability: DurableLastN}, func(s Sample) {
		// Tracking only; samples are not forwarded anywhere.
	}, tracker)
	if err != nil {
		return nil, err
	}

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		ticker := time.NewTicker(b.config.LivelinessSweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				for _, key := range tracker.expired(time.Now()) {
					b.logger.Debug("publisher liveliness lost",
						zap.String("topic", topic), zap.String("key", key))
					handler(topic, key)
				}
			case <-sub.done:
				return
			}
		}
	}()
	return sub, nil
}

func (b *RedisBus) subscribe(topic string, qos QoS, handler Handler, tracker *leaseTracker) (*redisSub, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrBusClosed
	}
	b.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	ps := b.client.Subscribe(ctx, b.channelKey(topic))

	sub := &redisSub{
		id:     nextSubscriptionID(),
		bus:    b,
		pubsub: ps,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	b.mu.Lock()
	b.subs[sub.id] = sub
	b.mu.Unlock()

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer sub.stop()

		// Replay retained samples after the channel subscription is live, so
		// nothing published during the replay is missed (it is buffered by
		// the pubsub receiver and delivered afterwards).
		if qos.Durability == DurableLastN {
			b.replay(ctx, topic, qos, handler, tracker)
		}
		for {
			select {
			case msg, ok := <-ps.Channel():
				if !ok {
					return
				}
				b.dispatch(topic, []byte(msg.Payload), handler, tracker)
			case <-ctx.Done():
				return
			}
		}
	}()
	return sub, nil
}

func (b *RedisBus) replay(ctx context.Context, topic string, qos QoS, handler Handler, tracker *leaseTracker) {
	keys, err := b.client.SMembers(ctx, b.keysetKey(topic)).Result()
	if err != nil {
		b.logger.Warn("retained key scan failed", zap.String("topic", topic), zap.Error(err))
		return
	}
	for _, key := range keys {
		items, err := b.client.LRange(ctx, b.retainedKey(topic, key), 0, int64(qos.depth()-1)).Result()
		if err != nil {
			b.logger.Warn("retained replay failed",
				zap.String("topic", topic), zap.String("key", key), zap.Error(err))
			continue
		}
		// Lists are newest-first; replay oldest-first to preserve per-key order.
		for i := len(items) - 1; i >= 0; i-- {
			b.dispatch(topic, []byte(items[i]), handler, tracker)
		}
	}
}

func (b *RedisBus) dispatch(topic string, data []byte, handler Handler, tracker *leaseTracker) {
	var env redisEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		b.logger.Warn("malformed envelope dropped", zap.String("topic", topic), zap.Error(err))
		return
	}
	sample := Sample{
		Topic:       topic,
		Key:         env.Key,
		Payload:     env.Payload,
		PublishedAt: env.PublishedAt,
	}
	if env.Tombstone {
		sample.Payload = nil
	}
	if tracker != nil {
		tracker.observe(env, time.Now())
	}
	handler(sample)
}

// Close implements Bus.
func (b *RedisBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := make([]*redisSub, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	for _, s := range subs {
		s.stop()
	}
	b.wg.Wait()
	return b.client.Close()
}

type redisSub struct {
	id       int64
	bus      *RedisBus
	pubsub   *redis.PubSub
	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once
}

func (s *redisSub) stop() {
	s.stopOnce.Do(func() {
		s.cancel()
		_ = s.pubsub.Close()
		close(s.done)
		s.bus.mu.Lock()
		delete(s.bus.subs, s.id)
		s.bus.mu.Unlock()
	})
}

// Close implements Subscription.
func (s *redisSub) Close() error {
	s.stop()
	return nil
}

// leaseTracker tracks per-key publisher leases observed from envelopes.
type leaseTracker struct {
	mu       sync.Mutex
	lastSeen map[string]time.Time
	leases   map[string]time.Duration
}

func newLeaseTracker() *leaseTracker {
	return &leaseTracker{
		lastSeen: make(map[string]time.Time),
		leases:   make(map[string]time.Duration),
	}
}

// observe records a sample for its key. Samples without a lease, and
// tombstones, end tracking for the key.
func (t *leaseTracker) observe(env redisEnvelope, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if env.Tombstone || env.LeaseMillis <= 0 {
		delete(t.lastSeen, env.Key)
		delete(t.leases, env.Key)
		return
	}
	t.lastSeen[env.Key] = now
	t.leases[env.Key] = time.Duration(env.LeaseMillis) * time.Millisecond
}

// expired returns and forgets keys whose lease has lapsed.
func (t *leaseTracker) expired(now time.Time) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var lost []string
	for key, seen := range t.lastSeen {
		if now.Sub(seen) > t.leases[key] {
			lost = append(lost, key)
			delete(t.lastSeen, key)
			delete(t.leases, key)
		}
	}
	return lost
}

// Ensure RedisBus implements Bus.
var _ Bus = (*RedisBus)(nil)
