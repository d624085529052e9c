package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// AdvertisementTopic is the durable topic capability advertisements travel on.
const AdvertisementTopic = "capmesh.advertisements"

// Kind classifies what a capability is.
type Kind string

const (
	// KindAgent is a conversational agent capability.
	KindAgent Kind = "agent"
	// KindFunction is a callable function capability.
	KindFunction Kind = "function"
	// KindService is a service endpoint capability.
	KindService Kind = "service"
)

// Advertisement is one thing a participant can do, as broadcast by its owner.
type Advertisement struct {
	// CapabilityID is unique within the owner.
	CapabilityID string `json:"capability_id"`

	// OwnerID identifies the advertising participant.
	OwnerID string `json:"owner_id"`

	Kind        Kind   `json:"kind"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`

	// Endpoint is the opaque routing address callers use with the RPC channel.
	Endpoint string `json:"endpoint"`

	// Tags are free-form specializations used for discovery lookups.
	Tags []string `json:"tags,omitempty"`

	// InputSchema is an opaque structured schema describing the capability's
	// input. Validation against it happens at the replier boundary, not here.
	InputSchema json.RawMessage `json:"input_schema,omitempty"`

	// DefaultCapable marks the capability the router falls back to when no
	// classifier is configured or the classifier fails.
	DefaultCapable bool `json:"default_capable,omitempty"`

	// LastSeen is when the owner last published or refreshed this
	// advertisement.
	LastSeen time.Time `json:"last_seen"`

	// LeaseDuration is how long the advertisement stays valid without a
	// refresh.
	LeaseDuration time.Duration `json:"lease_duration"`
}

// GlobalID returns the globally addressable identity, owner-scoped.
func (a *Advertisement) GlobalID() string {
	return a.OwnerID + "/" + a.CapabilityID
}

// HasTag reports whether the advertisement carries the given tag.
func (a *Advertisement) HasTag(tag string) bool {
	for _, t := range a.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// Expired reports whether the lease has lapsed at the given instant.
func (a *Advertisement) Expired(now time.Time) bool {
	return now.Sub(a.LastSeen) > a.LeaseDuration
}

// Validate checks the shape invariants every advertisement must satisfy.
func (a *Advertisement) Validate() error {
	if a.OwnerID == "" {
		return fmt.Errorf("%w: owner_id is empty", ErrMalformedAdvertisement)
	}
	if a.Name == "" {
		return fmt.Errorf("%w: name is empty", ErrMalformedAdvertisement)
	}
	switch a.Kind {
	case KindAgent, KindFunction, KindService:
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrMalformedAdvertisement, a.Kind)
	}
	if a.LeaseDuration <= 0 {
		return fmt.Errorf("%w: lease_duration must be positive", ErrMalformedAdvertisement)
	}
	return nil
}

// equalIgnoringLastSeen reports whether two advertisements differ only in
// their LastSeen refresh timestamp. A refresh that changes nothing else must
// not fire an updated notification.
func (a *Advertisement) equalIgnoringLastSeen(b *Advertisement) bool {
	if a.CapabilityID != b.CapabilityID || a.OwnerID != b.OwnerID ||
		a.Kind != b.Kind || a.Name != b.Name || a.Description != b.Description ||
		a.Endpoint != b.Endpoint || a.DefaultCapable != b.DefaultCapable ||
		a.LeaseDuration != b.LeaseDuration {
		return false
	}
	if len(a.Tags) != len(b.Tags) {
		return false
	}
	for i := range a.Tags {
		if a.Tags[i] != b.Tags[i] {
			return false
		}
	}
	return string(a.InputSchema) == string(b.InputSchema)
}

// clone returns a deep copy so cache internals never escape to callers.
func (a *Advertisement) clone() *Advertisement {
	c := *a
	if a.Tags != nil {
		c.Tags = append([]string(nil), a.Tags...)
	}
	if a.InputSchema != nil {
		c.InputSchema = append(json.RawMessage(nil), a.InputSchema...)
	}
	return &c
}

// EventType identifies a discovery cache change.
type EventType string

const (
	// EventAdded fires the first time a capability is observed.
	EventAdded EventType = "added"
	// EventUpdated fires when a known capability changes any field besides
	// LastSeen.
	EventUpdated EventType = "updated"
	// EventRemoved fires when the owner explicitly withdraws a capability.
	EventRemoved EventType = "removed"
	// EventExpired fires when a capability's lease lapses without a refresh.
	EventExpired EventType = "expired"
)

// Event is one discovery cache change.
type Event struct {
	Type          EventType
	Advertisement Advertisement
	Timestamp     time.Time
}

// EventHandler receives discovery events. Handlers are invoked on their own
// goroutine and must not assume ordering across capabilities.
type EventHandler func(Event)

var (
	// ErrDiscoveryTimeout is returned by WaitFor when no matching
	// advertisement appears within the deadline.
	ErrDiscoveryTimeout = errors.New("registry: discovery timeout")

	// ErrMalformedAdvertisement marks advertisements violating shape
	// invariants; they are logged and dropped, never cached.
	ErrMalformedAdvertisement = errors.New("registry: malformed advertisement")

	// ErrDuplicateCapability is returned when an owner registers a
	// capability id that is already active.
	ErrDuplicateCapability = errors.New("registry: duplicate capability id")

	// ErrCapabilityNotFound is returned when withdrawing an unknown id.
	ErrCapabilityNotFound = errors.New("registry: capability not found")

	// ErrClosed is returned by operations on a closed advertiser or
	// discovery cache.
	ErrClosed = errors.New("registry: closed")
)
