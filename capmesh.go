// Package capmesh provides a top-level convenience entry point for joining
// the mesh with minimal boilerplate.
//
// Usage:
//
//	import "github.com/capmesh/capmesh"
//
//	p, err := capmesh.Join(ctx, "calc-service")
//	p, err := capmesh.Join(ctx, "calc-service", capmesh.WithConfigFile("capmesh.yaml"))
//
// This is a thin wrapper around [mesh.New] followed by [mesh.Participant.Start];
// use the mesh package directly when you need to inject a bus, a classifier,
// or a metrics registerer.
package capmesh

import (
	"context"

	"github.com/capmesh/capmesh/config"
	"github.com/capmesh/capmesh/mesh"
	"github.com/capmesh/capmesh/transport"
)

// Option configures the participant created by [Join].
type Option func(*mesh.Options) error

// WithConfigFile loads the participant's configuration from a YAML file
// (with CAPMESH_ environment overrides).
func WithConfigFile(path string) Option {
	return func(o *mesh.Options) error {
		cfg, err := config.NewLoader().WithConfigPath(path).Load()
		if err != nil {
			return err
		}
		o.Config = cfg
		return nil
	}
}

// WithBus shares an existing transport between participants (several
// in-process participants on one InprocBus, or an externally managed
// RedisBus). The participant does not close a shared bus.
func WithBus(bus transport.Bus) Option {
	return func(o *mesh.Options) error {
		o.Bus = bus
		return nil
	}
}

// WithTopology enables the in-process topology builder.
func WithTopology() Option {
	return func(o *mesh.Options) error {
		o.EnableTopology = true
		return nil
	}
}

// Join creates and starts a mesh participant.
func Join(ctx context.Context, id string, opts ...Option) (*mesh.Participant, error) {
	var mo mesh.Options
	for _, opt := range opts {
		if err := opt(&mo); err != nil {
			return nil, err
		}
	}
	p, err := mesh.New(id, mo)
	if err != nil {
		return nil, err
	}
	if err := p.Start(ctx); err != nil {
		_ = p.Close()
		return nil, err
	}
	return p, nil
}
