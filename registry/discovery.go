package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/capmesh/capmesh/transport"
)

// DiscoveryConfig holds configuration for a Discovery cache.
type DiscoveryConfig struct {
	// Topic is the advertisement topic. Defaults to AdvertisementTopic.
	Topic string `yaml:"topic"`

	// SweepInterval is how often expired leases are evicted.
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// DefaultDiscoveryConfig returns a DiscoveryConfig with sensible defaults.
func DefaultDiscoveryConfig() *DiscoveryConfig {
	return &DiscoveryConfig{
		Topic:         AdvertisementTopic,
		SweepInterval: time.Second,
	}
}

// Predicate selects advertisements for WaitFor.
type Predicate func(Advertisement) bool

// Discovery is a consumer's local, eventually-consistent view of all live
// advertisements. It is never authoritative: always a snapshot of what has
// been observed via late-joiner replay and live updates, pruned by lease
// expiry.
type Discovery struct {
	bus    transport.Bus
	config *DiscoveryConfig
	logger *zap.Logger

	mu     sync.RWMutex
	cache  map[string]*Advertisement            // by global id
	byName map[string]map[string]*Advertisement // name -> global id -> ad
	byTag  map[string]map[string]*Advertisement // tag -> global id -> ad

	handlerMu sync.RWMutex
	handlers  map[string]EventHandler
	handlerID int64

	waiterMu sync.Mutex
	waiters  map[int64]*waiter
	waiterID int64

	sub      transport.Subscription
	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

type waiter struct {
	predicate Predicate
	ch        chan Advertisement
}

// NewDiscovery creates a discovery cache over the given bus.
func NewDiscovery(bus transport.Bus, config *DiscoveryConfig, logger *zap.Logger) *Discovery {
	if config == nil {
		config = DefaultDiscoveryConfig()
	}
	if config.Topic == "" {
		config.Topic = AdvertisementTopic
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Discovery{
		bus:      bus,
		config:   config,
		logger:   logger.With(zap.String("component", "discovery")),
		cache:    make(map[string]*Advertisement),
		byName:   make(map[string]map[string]*Advertisement),
		byTag:    make(map[string]map[string]*Advertisement),
		handlers: make(map[string]EventHandler),
		waiters:  make(map[int64]*waiter),
		done:     make(chan struct{}),
	}
}

// Start subscribes to the advertisement topic (replaying retained state for
// late joiners) and launches the eviction sweep.
func (d *Discovery) Start(ctx context.Context) error {
	sub, err := d.bus.Subscribe(d.config.Topic, d.onSample, transport.QoS{
		Reliability: transport.Reliable,
		Durability:  transport.DurableLastN,
		Depth:       1,
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to advertisements: %w", err)
	}
	d.sub = sub

	d.wg.Add(1)
	go d.sweepLoop()
	d.logger.Info("discovery started", zap.String("topic", d.config.Topic))
	return nil
}

// ListAll returns a copy of every cached advertisement.
func (d *Discovery) ListAll() []Advertisement {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]Advertisement, 0, len(d.cache))
	for _, ad := range d.cache {
		out = append(out, *ad.clone())
	}
	return out
}

// FindByName returns all cached advertisements with the given name.
func (d *Discovery) FindByName(name string) []Advertisement {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]Advertisement, 0, len(d.byName[name]))
	for _, ad := range d.byName[name] {
		out = append(out, *ad.clone())
	}
	return out
}

// FindByTag returns all cached advertisements carrying the given tag.
func (d *Discovery) FindByTag(tag string) []Advertisement {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]Advertisement, 0, len(d.byTag[tag]))
	for _, ad := range d.byTag[tag] {
		out = append(out, *ad.clone())
	}
	return out
}

// Get returns the advertisement with the given global id, if cached.
func (d *Discovery) Get(globalID string) (Advertisement, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	ad, ok := d.cache[globalID]
	if !ok {
		return Advertisement{}, false
	}
	return *ad.clone(), true
}

// WaitFor blocks until an advertisement matching the predicate is observed,
// the timeout lapses (ErrDiscoveryTimeout), or ctx is cancelled. Already
// cached matches return immediately.
func (d *Discovery) WaitFor(ctx context.Context, predicate Predicate, timeout time.Duration) (Advertisement, error) {
	// Register before scanning the cache: an advertisement landing between
	// the scan and the registration would otherwise signal nobody and leave
	// this call blocked until the owner's next refresh.
	w := &waiter{predicate: predicate, ch: make(chan Advertisement, 1)}
	d.waiterMu.Lock()
	d.waiterID++
	id := d.waiterID
	d.waiters[id] = w
	d.waiterMu.Unlock()
	defer func() {
		d.waiterMu.Lock()
		delete(d.waiters, id)
		d.waiterMu.Unlock()
	}()

	d.mu.RLock()
	for _, ad := range d.cache {
		if predicate(*ad) {
			match := *ad.clone()
			d.mu.RUnlock()
			return match, nil
		}
	}
	d.mu.RUnlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case ad := <-w.ch:
		return ad, nil
	case <-timer.C:
		return Advertisement{}, ErrDiscoveryTimeout
	case <-ctx.Done():
		return Advertisement{}, ctx.Err()
	case <-d.done:
		return Advertisement{}, ErrClosed
	}
}

// Subscribe registers a handler for discovery events and returns a
// subscription id for Unsubscribe.
func (d *Discovery) Subscribe(handler EventHandler) string {
	d.handlerMu.Lock()
	defer d.handlerMu.Unlock()
	d.handlerID++
	id := fmt.Sprintf("discovery-sub-%d", d.handlerID)
	d.handlers[id] = handler
	return id
}

// Unsubscribe removes a previously registered handler.
func (d *Discovery) Unsubscribe(id string) {
	d.handlerMu.Lock()
	defer d.handlerMu.Unlock()
	delete(d.handlers, id)
}

// Size returns the number of cached advertisements.
func (d *Discovery) Size() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.cache)
}

// Close stops the sweep and delivery.
func (d *Discovery) Close() error {
	d.stopOnce.Do(func() { close(d.done) })
	if d.sub != nil {
		_ = d.sub.Close()
	}
	d.wg.Wait()
	d.logger.Info("discovery closed")
	return nil
}

// onSample is the transport delivery handler. It mutates the cache under the
// write lock but always notifies handlers and waiters after releasing it.
func (d *Discovery) onSample(s transport.Sample) {
	if s.Tombstone() {
		d.remove(s.Key)
		return
	}

	var ad Advertisement
	if err := json.Unmarshal(s.Payload, &ad); err != nil {
		d.logger.Warn("malformed advertisement dropped", zap.String("key", s.Key), zap.Error(err))
		return
	}
	if err := ad.Validate(); err != nil {
		d.logger.Warn("malformed advertisement dropped", zap.String("key", s.Key), zap.Error(err))
		return
	}

	d.mu.Lock()
	id := ad.GlobalID()
	existing, known := d.cache[id]
	var event *Event
	switch {
	case !known:
		d.insert(&ad)
		event = &Event{Type: EventAdded, Advertisement: *ad.clone(), Timestamp: time.Now()}
	case existing.equalIgnoringLastSeen(&ad):
		// Pure refresh: bump the lease clock, no notification.
		if ad.LastSeen.After(existing.LastSeen) {
			existing.LastSeen = ad.LastSeen
		}
	default:
		d.unindex(existing)
		d.insert(&ad)
		event = &Event{Type: EventUpdated, Advertisement: *ad.clone(), Timestamp: time.Now()}
	}
	d.mu.Unlock()

	if event != nil {
		d.emit(*event)
	}
	d.signalWaiters(ad)
}

// remove handles an explicit withdrawal tombstone.
func (d *Discovery) remove(globalID string) {
	d.mu.Lock()
	ad, known := d.cache[globalID]
	if known {
		d.unindex(ad)
		delete(d.cache, globalID)
	}
	d.mu.Unlock()
	if known {
		d.emit(Event{Type: EventRemoved, Advertisement: *ad, Timestamp: time.Now()})
	}
}

// insert stores an advertisement and indexes it. Caller holds the write lock.
func (d *Discovery) insert(ad *Advertisement) {
	stored := ad.clone()
	id := stored.GlobalID()
	d.cache[id] = stored
	if d.byName[stored.Name] == nil {
		d.byName[stored.Name] = make(map[string]*Advertisement)
	}
	d.byName[stored.Name][id] = stored
	for _, tag := range stored.Tags {
		if d.byTag[tag] == nil {
			d.byTag[tag] = make(map[string]*Advertisement)
		}
		d.byTag[tag][id] = stored
	}
}

// unindex drops an advertisement from the secondary indices. Caller holds the
// write lock.
func (d *Discovery) unindex(ad *Advertisement) {
	id := ad.GlobalID()
	if byID := d.byName[ad.Name]; byID != nil {
		delete(byID, id)
		if len(byID) == 0 {
			delete(d.byName, ad.Name)
		}
	}
	for _, tag := range ad.Tags {
		if byID := d.byTag[tag]; byID != nil {
			delete(byID, id)
			if len(byID) == 0 {
				delete(d.byTag, tag)
			}
		}
	}
}

// emit fans an event out to subscribers on their own goroutines.
func (d *Discovery) emit(event Event) {
	d.handlerMu.RLock()
	handlers := make([]EventHandler, 0, len(d.handlers))
	for _, h := range d.handlers {
		handlers = append(handlers, h)
	}
	d.handlerMu.RUnlock()

	for _, h := range handlers {
		go h(event)
	}
}

// signalWaiters wakes WaitFor callers whose predicate now matches.
func (d *Discovery) signalWaiters(ad Advertisement) {
	d.waiterMu.Lock()
	defer d.waiterMu.Unlock()
	for id, w := range d.waiters {
		if w.predicate(ad) {
			select {
			case w.ch <- *ad.clone():
			default:
			}
			delete(d.waiters, id)
		}
	}
}

// sweepLoop evicts advertisements whose lease has lapsed. Eviction decisions
// are collected under the lock; expiry notifications fire after it is
// released, so a notification handler can call back into the cache.
func (d *Discovery) sweepLoop() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			d.sweep(time.Now())
		case <-d.done:
			return
		}
	}
}

func (d *Discovery) sweep(now time.Time) {
	d.mu.Lock()
	var expired []*Advertisement
	for id, ad := range d.cache {
		if ad.Expired(now) {
			expired = append(expired, ad)
			d.unindex(ad)
			delete(d.cache, id)
		}
	}
	d.mu.Unlock()

	for _, ad := range expired {
		d.logger.Info("advertisement lease expired",
			zap.String("capability_id", ad.CapabilityID),
			zap.String("owner_id", ad.OwnerID),
			zap.String("name", ad.Name),
		)
		d.emit(Event{Type: EventExpired, Advertisement: *ad, Timestamp: now})
	}
}
