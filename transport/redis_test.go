package transport

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func newTestRedisBus(t *testing.T) *RedisBus {
	t.Helper()
	mr := miniredis.RunT(t)
	port, err := strconv.Atoi(mr.Port())
	if err != nil {
		t.Fatalf("failed to parse miniredis port: %v", err)
	}
	cfg := DefaultRedisConfig()
	cfg.Host = mr.Host()
	cfg.Port = port
	cfg.LivelinessSweepInterval = 10 * time.Millisecond
	bus, err := NewRedisBus(cfg, nil)
	if err != nil {
		t.Fatalf("failed to create redis bus: %v", err)
	}
	t.Cleanup(func() { _ = bus.Close() })
	return bus
}

func TestRedisBus_PublishSubscribe(t *testing.T) {
	bus := newTestRedisBus(t)

	var mu sync.Mutex
	var got []Sample
	_, err := bus.Subscribe("test", func(s Sample) {
		mu.Lock()
		got = append(got, s)
		mu.Unlock()
	}, QoS{Reliability: Reliable})
	if err != nil {
		t.Fatalf("failed to subscribe: %v", err)
	}

	// The pubsub receiver needs a moment to be live before publishing on a
	// volatile topic.
	time.Sleep(50 * time.Millisecond)

	if err := bus.Publish(context.Background(), "test", "k1", []byte("hello"), QoS{Reliability: Reliable}); err != nil {
		t.Fatalf("failed to publish: %v", err)
	}

	waitUntil(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	})

	mu.Lock()
	defer mu.Unlock()
	if got[0].Key != "k1" || string(got[0].Payload) != "hello" {
		t.Errorf("unexpected sample: key=%q payload=%q", got[0].Key, got[0].Payload)
	}
}

func TestRedisBus_DurableReplayForLateJoiner(t *testing.T) {
	bus := newTestRedisBus(t)

	durable := QoS{Reliability: Reliable, Durability: DurableLastN, Depth: 1}
	if err := bus.Publish(context.Background(), "state", "owner/cap", []byte("v1"), durable); err != nil {
		t.Fatalf("failed to publish: %v", err)
	}

	var mu sync.Mutex
	var got []Sample
	_, err := bus.Subscribe("state", func(s Sample) {
		mu.Lock()
		got = append(got, s)
		mu.Unlock()
	}, durable)
	if err != nil {
		t.Fatalf("failed to subscribe: %v", err)
	}

	waitUntil(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	})

	mu.Lock()
	defer mu.Unlock()
	if got[0].Key != "owner/cap" || string(got[0].Payload) != "v1" {
		t.Errorf("unexpected replayed sample: key=%q payload=%q", got[0].Key, got[0].Payload)
	}
}

func TestRedisBus_TombstoneClearsRetained(t *testing.T) {
	bus := newTestRedisBus(t)

	durable := QoS{Reliability: Reliable, Durability: DurableLastN}
	if err := bus.Publish(context.Background(), "state", "k", []byte("v1"), durable); err != nil {
		t.Fatalf("failed to publish: %v", err)
	}
	if err := bus.Publish(context.Background(), "state", "k", nil, durable); err != nil {
		t.Fatalf("failed to publish tombstone: %v", err)
	}

	var mu sync.Mutex
	var got []Sample
	_, err := bus.Subscribe("state", func(s Sample) {
		mu.Lock()
		got = append(got, s)
		mu.Unlock()
	}, durable)
	if err != nil {
		t.Fatalf("failed to subscribe: %v", err)
	}

	time.Sleep(100 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if len(got) != 0 {
		t.Errorf("expected no replay after tombstone, got %d samples", len(got))
	}
}

func TestRedisBus_LivelinessLost(t *testing.T) {
	bus := newTestRedisBus(t)

	var mu sync.Mutex
	var lost []string
	_, err := bus.SubscribeLiveliness("leased", func(topic, key string) {
		mu.Lock()
		lost = append(lost, key)
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("failed to subscribe liveliness: %v", err)
	}
	time.Sleep(50 * time.Millisecond)

	qos := QoS{Reliability: Reliable, Durability: DurableLastN, LivelinessLease: 40 * time.Millisecond}
	if err := bus.Publish(context.Background(), "leased", "k", []byte("alive"), qos); err != nil {
		t.Fatalf("failed to publish: %v", err)
	}

	waitUntil(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(lost) == 1 && lost[0] == "k"
	})
}
