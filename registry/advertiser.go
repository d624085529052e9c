package registry

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

// AdvertiserConfig holds configuration for an Advertiser.
type AdvertiserConfig struct {
	// Topic is the advertisement topic. Defaults to AdvertisementTopic.
	Topic string `yaml:"topic"`

	// DefaultLease is applied to advertisements registered without one.
	DefaultLease time.Duration `yaml:"default_lease"`

	// RefreshTick is how often the refresh loop checks which advertisements
	// are due. Each advertisement is republished at a third of its lease.
	RefreshTick time.Duration `yaml:"refresh_tick"`
}

// DefaultAdvertiserConfig returns an AdvertiserConfig with sensible defaults.
func DefaultAdvertiserConfig() *AdvertiserConfig {
	return &AdvertiserConfig{
		Topic:        AdvertisementTopic,
		DefaultLease: 15 * time.Second,
		RefreshTick:  200 * time.Millisecond,
	}
}

// Advertiser publishes one participant's capability advertisements and keeps
// them alive with periodic refreshes until they are withdrawn.
type Advertiser struct {
	bus     transport.Bus
	ownerID string
	config  *AdvertiserConfig
	logger  *zap.Logger

	mu     sync.Mutex
	active map[string]*Advertisement // by capability id
	closed bool

	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewAdvertiser creates an advertiser for the owning participant.
func NewAdvertiser(bus transport.Bus, ownerID string, config *AdvertiserConfig, logger *zap.Logger) *Advertiser {
	if config == nil {
		config = DefaultAdvertiserConfig()
	}
	if config.Topic == "" {
		config.Topic = AdvertisementTopic
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Advertiser{
		bus:     bus,
		ownerID: ownerID,
		config:  config,
		logger:  logger.With(zap.String("component", "advertiser"), zap.String("owner_id", ownerID)),
		active:  make(map[string]*Advertisement),
		done:    make(chan struct{}),
	}
}

// Start launches the refresh loop.
func (a *Advertiser) Start(ctx context.Context) error {
	a.wg.Add(1)
	go a.refreshLoop()
	a.logger.Info("advertiser started")
	return nil
}

// Register validates and publishes an advertisement, returning its capability
// id (generated when empty). Registering an id that is already active fails
// with ErrDuplicateCapability.
func (a *Advertiser) Register(ctx context.Context, ad *Advertisement) (string, error) {
	if ad == nil {
		return "", fmt.Errorf("%w: advertisement is nil", ErrMalformedAdvertisement)
	}
	ad = ad.clone()
	ad.OwnerID = a.ownerID
	if ad.CapabilityID == "" {
		ad.CapabilityID = uuid.NewString()
	}
	if ad.LeaseDuration <= 0 {
		ad.LeaseDuration = a.config.DefaultLease
	}
	if err := ad.Validate(); err != nil {
		return "", err
	}

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return "", ErrClosed
	}
	if _, exists := a.active[ad.CapabilityID]; exists {
		a.mu.Unlock()
		return "", fmt.Errorf("%w: %s", ErrDuplicateCapability, ad.CapabilityID)
	}
	ad.LastSeen = time.Now()
	a.active[ad.CapabilityID] = ad
	a.mu.Unlock()

	if err := a.publish(ctx, ad); err != nil {
		a.mu.Lock()
		delete(a.active, ad.CapabilityID)
		a.mu.Unlock()
		return "", fmt.Errorf("failed to publish advertisement: %w", err)
	}

	a.logger.Info("capability registered",
		zap.String("capability_id", ad.CapabilityID),
		zap.String("name", ad.Name),
		zap.String("kind", string(ad.Kind)),
	)
	return ad.CapabilityID, nil
}

// Withdraw retracts an advertisement. A tombstone is published so late
// joiners do not resurrect the capability from retained samples.
func (a *Advertiser) Withdraw(ctx context.Context, capabilityID string) error {
	a.mu.Lock()
	ad, exists := a.active[capabilityID]
	if exists {
		delete(a.active, capabilityID)
	}
	a.mu.Unlock()
	if !exists {
		return fmt.Errorf("%w: %s", ErrCapabilityNotFound, capabilityID)
	}

	qos := advertisementQoS(ad.LeaseDuration)
	if err := a.bus.Publish(ctx, a.config.Topic, ad.GlobalID(), nil, qos); err != nil {
		return fmt.Errorf("failed to publish withdrawal: %w", err)
	}

	a.logger.Info("capability withdrawn", zap.String("capability_id", capabilityID))
	return nil
}

// Active returns the advertisements currently kept alive.
func (a *Advertiser) Active() []Advertisement {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Advertisement, 0, len(a.active))
	for _, ad := range a.active {
		out = append(out, *ad.clone())
	}
	return out
}

// Close withdraws nothing but stops refreshing; leases will lapse on their
// own. Use Withdraw for an orderly goodbye.
func (a *Advertiser) Close() error {
	a.stopOnce.Do(func() {
		a.mu.Lock()
		a.closed = true
		a.mu.Unlock()
		close(a.done)
	})
	a.wg.Wait()
	a.logger.Info("advertiser closed")
	return nil
}

func (a *Advertiser) publish(ctx context.Context, ad *Advertisement) error {
	payload, err := json.Marshal(ad)
	if err != nil {
		return fmt.Errorf("failed to marshal advertisement: %w", err)
	}
	return a.bus.Publish(ctx, a.config.Topic, ad.GlobalID(), payload, advertisementQoS(ad.LeaseDuration))
}

// advertisementQoS is the QoS from the topic contract: reliable, durable
// last-1 per key, publisher liveliness bounded by the lease.
func advertisementQoS(lease time.Duration) transport.QoS {
	return transport.QoS{
		Reliability:     transport.Reliable,
		Durability:      transport.DurableLastN,
		Depth:           1,
		LivelinessLease: lease,
	}
}

// refreshLoop republishes each live advertisement at a third of its lease so
// consumers never see a healthy owner lapse.
func (a *Advertiser) refreshLoop() {
	defer a.wg.Done()

	ticker := time.NewTicker(a.config.RefreshTick)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			a.refreshDue(time.Now())
		case <-a.done:
			return
		}
	}
}

func (a *Advertiser) refreshDue(now time.Time) {
	a.mu.Lock()
	due := make([]*Advertisement, 0)
	for _, ad := range a.active {
		if now.Sub(ad.LastSeen) >= ad.LeaseDuration/3 {
			ad.LastSeen = now
			due = append(due, ad.clone())
		}
	}
	a.mu.Unlock()

	for _, ad := range due {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := a.publish(ctx, ad); err != nil {
			a.logger.Warn("advertisement refresh failed",
				zap.String("capability_id", ad.CapabilityID), zap.Error(err))
		}
		cancel()
	}
}
