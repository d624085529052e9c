package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/capmesh/capmesh/internal/tlsutil"
)

// Loader loads configuration with defaults → YAML file → environment
// precedence.
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("capmesh.yaml").
//	    Load()
type Loader struct {
	configPath string
	envPrefix  string
}

// NewLoader creates a loader with the CAPMESH_ env prefix.
func NewLoader() *Loader {
	return &Loader{envPrefix: "CAPMESH"}
}

// WithConfigPath points the loader at a YAML file. A missing file is an
// error; an empty path skips the file stage.
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix overrides the environment variable prefix.
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// Load produces the final configuration.
func (l *Loader) Load() (*Config, error) {
	cfg := Default()

	if l.configPath != "" {
		data, err := os.ReadFile(l.configPath)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", l.configPath, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", l.configPath, err)
		}
	}

	if err := l.applyEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides the operationally relevant knobs from the environment.
func (l *Loader) applyEnv(cfg *Config) error {
	if v, ok := l.lookup("LOG_LEVEL"); ok {
		cfg.Log.Level = v
	}
	if v, ok := l.lookup("LOG_DEVELOPMENT"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("config: %s_LOG_DEVELOPMENT: %w", l.envPrefix, err)
		}
		cfg.Log.Development = b
	}
	if v, ok := l.lookup("TRANSPORT"); ok {
		cfg.Transport.Kind = strings.ToLower(v)
	}
	if v, ok := l.lookup("REDIS_HOST"); ok {
		cfg.Transport.Redis.Host = v
	}
	if v, ok := l.lookup("REDIS_PORT"); ok {
		p, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: %s_REDIS_PORT: %w", l.envPrefix, err)
		}
		cfg.Transport.Redis.Port = p
	}
	if v, ok := l.lookup("REDIS_PASSWORD"); ok {
		cfg.Transport.Redis.Password = v
	}
	if v, ok := l.lookup("REDIS_TLS"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("config: %s_REDIS_TLS: %w", l.envPrefix, err)
		}
		if cfg.Transport.Redis.TLS == nil {
			cfg.Transport.Redis.TLS = &tlsutil.Config{}
		}
		cfg.Transport.Redis.TLS.Enabled = b
	}
	if v, ok := l.lookup("REDIS_DB"); ok {
		db, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: %s_REDIS_DB: %w", l.envPrefix, err)
		}
		cfg.Transport.Redis.DB = db
	}
	if v, ok := l.lookup("DEFAULT_LEASE"); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("config: %s_DEFAULT_LEASE: %w", l.envPrefix, err)
		}
		cfg.Registry.Advertiser.DefaultLease = d
	}
	if v, ok := l.lookup("RPC_TIMEOUT"); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("config: %s_RPC_TIMEOUT: %w", l.envPrefix, err)
		}
		cfg.RPC.Requester.DefaultTimeout = d
	}
	if v, ok := l.lookup("TELEMETRY_ENABLED"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("config: %s_TELEMETRY_ENABLED: %w", l.envPrefix, err)
		}
		cfg.Telemetry.Enabled = b
	}
	if v, ok := l.lookup("OTLP_ENDPOINT"); ok {
		cfg.Telemetry.OTLPEndpoint = v
	}
	return nil
}

func (l *Loader) lookup(key string) (string, bool) {
	return os.LookupEnv(l.envPrefix + "_" + key)
}
