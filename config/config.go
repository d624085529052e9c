// Package config provides unified configuration loading for a mesh
// participant: defaults, then an optional YAML file, then environment
// variables with the CAPMESH_ prefix, in increasing precedence.
package config

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/capmesh/capmesh/chain"
	"github.com/capmesh/capmesh/internal/telemetry"
	"github.com/capmesh/capmesh/registry"
	"github.com/capmesh/capmesh/rpc"
	"github.com/capmesh/capmesh/topology"
	"github.com/capmesh/capmesh/transport"
)

// Transport substrate kinds.
const (
	TransportInproc = "inproc"
	TransportRedis  = "redis"
)

// Config is the complete configuration of one mesh participant.
type Config struct {
	// Log configures structured logging.
	Log LogConfig `yaml:"log"`

	// Transport selects and configures the pub/sub substrate.
	Transport TransportConfig `yaml:"transport"`

	// Registry configures advertising and discovery.
	Registry RegistryConfig `yaml:"registry"`

	// RPC configures the correlated request/reply channel.
	RPC RPCConfig `yaml:"rpc"`

	// Chain configures the call-chain tracer.
	Chain *chain.TracerConfig `yaml:"chain"`

	// Topology configures the graph builder.
	Topology *topology.BuilderConfig `yaml:"topology"`

	// Telemetry configures the OpenTelemetry SDK.
	Telemetry *telemetry.Config `yaml:"telemetry"`
}

// LogConfig configures zap.
type LogConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level"`

	// Development switches to the human-oriented console encoder.
	Development bool `yaml:"development"`
}

// TransportConfig selects the substrate.
type TransportConfig struct {
	// Kind is "inproc" or "redis".
	Kind string `yaml:"kind"`

	Inproc *transport.InprocConfig `yaml:"inproc"`
	Redis  *transport.RedisConfig  `yaml:"redis"`
}

// RegistryConfig groups the registry component configs.
type RegistryConfig struct {
	Advertiser *registry.AdvertiserConfig `yaml:"advertiser"`
	Discovery  *registry.DiscoveryConfig  `yaml:"discovery"`
}

// RPCConfig groups the RPC component configs.
type RPCConfig struct {
	Requester *rpc.RequesterConfig `yaml:"requester"`
	Replier   *rpc.ReplierConfig   `yaml:"replier"`
}

// Default returns the full default configuration.
func Default() *Config {
	return &Config{
		Log:       LogConfig{Level: "info"},
		Transport: TransportConfig{Kind: TransportInproc, Inproc: transport.DefaultInprocConfig(), Redis: transport.DefaultRedisConfig()},
		Registry:  RegistryConfig{Advertiser: registry.DefaultAdvertiserConfig(), Discovery: registry.DefaultDiscoveryConfig()},
		RPC:       RPCConfig{Requester: rpc.DefaultRequesterConfig(), Replier: rpc.DefaultReplierConfig()},
		Chain:     chain.DefaultTracerConfig(),
		Topology:  topology.DefaultBuilderConfig(),
		Telemetry: telemetry.DefaultConfig(),
	}
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	switch c.Transport.Kind {
	case TransportInproc, TransportRedis:
	default:
		return fmt.Errorf("config: unknown transport kind %q", c.Transport.Kind)
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		return err
	}
	return nil
}

// BuildLogger constructs the zap logger described by the Log section.
func (c *Config) BuildLogger() (*zap.Logger, error) {
	level, err := parseLevel(c.Log.Level)
	if err != nil {
		return nil, err
	}
	var zc zap.Config
	if c.Log.Development {
		zc = zap.NewDevelopmentConfig()
	} else {
		zc = zap.NewProductionConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}

func parseLevel(s string) (zapcore.Level, error) {
	switch s {
	case "", "info":
		return zapcore.InfoLevel, nil
	case "debug":
		return zapcore.DebugLevel, nil
	case "warn":
		return zapcore.WarnLevel, nil
	case "error":
		return zapcore.ErrorLevel, nil
	default:
		return 0, fmt.Errorf("config: unknown log level %q", s)
	}
}
