package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capmesh/capmesh/chain"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	assert.Equal(t, TransportInproc, cfg.Transport.Kind)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.NotNil(t, cfg.Registry.Advertiser)
	assert.NotNil(t, cfg.Registry.Discovery)
	assert.NotNil(t, cfg.RPC.Requester)
	assert.NotNil(t, cfg.Chain)
	assert.NotNil(t, cfg.Topology)
	require.NoError(t, cfg.Validate())
}

func TestLoader_YAMLOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "capmesh.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
log:
  level: debug
transport:
  kind: redis
  redis:
    host: redis.internal
    port: 6380
registry:
  advertiser:
    default_lease: 30s
rpc:
  requester:
    default_timeout: 2s
`), 0o644))

	cfg, err := NewLoader().WithConfigPath(path).Load()
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, TransportRedis, cfg.Transport.Kind)
	assert.Equal(t, "redis.internal", cfg.Transport.Redis.Host)
	assert.Equal(t, 6380, cfg.Transport.Redis.Port)
	assert.Equal(t, 30*time.Second, cfg.Registry.Advertiser.DefaultLease)
	assert.Equal(t, 2*time.Second, cfg.RPC.Requester.DefaultTimeout)
	// Untouched sections keep their defaults.
	assert.Equal(t, chain.DefaultTracerConfig().Topic, cfg.Chain.Topic)
}

func TestLoader_EnvOverridesYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "capmesh.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
log:
  level: warn
transport:
  kind: inproc
`), 0o644))

	t.Setenv("CAPMESH_LOG_LEVEL", "error")
	t.Setenv("CAPMESH_TRANSPORT", "redis")
	t.Setenv("CAPMESH_REDIS_HOST", "cache.internal")
	t.Setenv("CAPMESH_REDIS_TLS", "true")
	t.Setenv("CAPMESH_DEFAULT_LEASE", "45s")

	cfg, err := NewLoader().WithConfigPath(path).Load()
	require.NoError(t, err)

	assert.Equal(t, "error", cfg.Log.Level)
	assert.Equal(t, TransportRedis, cfg.Transport.Kind)
	assert.Equal(t, "cache.internal", cfg.Transport.Redis.Host)
	require.NotNil(t, cfg.Transport.Redis.TLS)
	assert.True(t, cfg.Transport.Redis.TLS.Enabled)
	assert.Equal(t, 45*time.Second, cfg.Registry.Advertiser.DefaultLease)
}

func TestLoader_CustomEnvPrefix(t *testing.T) {
	t.Setenv("MYAPP_LOG_LEVEL", "debug")
	t.Setenv("CAPMESH_LOG_LEVEL", "warn")

	cfg, err := NewLoader().WithEnvPrefix("MYAPP").Load()
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoader_MissingFile(t *testing.T) {
	_, err := NewLoader().WithConfigPath("/nonexistent/capmesh.yaml").Load()
	require.Error(t, err)
}

func TestLoader_InvalidValues(t *testing.T) {
	t.Run("bad transport kind", func(t *testing.T) {
		t.Setenv("CAPMESH_TRANSPORT", "carrier-pigeon")
		_, err := NewLoader().Load()
		require.Error(t, err)
	})
	t.Run("bad log level", func(t *testing.T) {
		t.Setenv("CAPMESH_LOG_LEVEL", "verbose")
		_, err := NewLoader().Load()
		require.Error(t, err)
	})
	t.Run("bad redis port", func(t *testing.T) {
		t.Setenv("CAPMESH_REDIS_PORT", "not-a-port")
		_, err := NewLoader().Load()
		require.Error(t, err)
	})
	t.Run("bad lease duration", func(t *testing.T) {
		t.Setenv("CAPMESH_DEFAULT_LEASE", "soon")
		_, err := NewLoader().Load()
		require.Error(t, err)
	})
}

func TestBuildLogger(t *testing.T) {
	cfg := Default()
	logger, err := cfg.BuildLogger()
	require.NoError(t, err)
	require.NotNil(t, logger)
	_ = logger.Sync()

	cfg.Log.Level = "not-a-level"
	_, err = cfg.BuildLogger()
	require.Error(t, err)
}
