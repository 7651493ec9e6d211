// Package config loads the storefront client configuration from the
// environment, with an optional YAML file overlay for deployments that
// prefer files over env vars.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joeshaw/envdecode"
	"gopkg.in/yaml.v3"
)

// Config is the full process configuration.
type Config struct {
	Supabase SupabaseConfig `yaml:"supabase"`
	Storage  StorageConfig  `yaml:"storage"`
	Log      LogConfig      `yaml:"log"`
}

// Duration is a time.Duration readable from both sources in Go's "30s"
// notation.
type Duration time.Duration

// Decode implements envdecode.Decoder.
func (d *Duration) Decode(s string) error {
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	return d.Decode(node.Value)
}

// Std returns the standard-library value.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// SupabaseConfig points the remote adapters at a Supabase project.
type SupabaseConfig struct {
	URL     string `env:"SUPABASE_URL" yaml:"url"`
	AnonKey string `env:"SUPABASE_ANON_KEY" yaml:"anon_key"`
	// RequestTimeout bounds individual REST calls.
	RequestTimeout Duration `env:"SUPABASE_TIMEOUT" yaml:"request_timeout"`
	// RequestsPerSecond caps PostgREST traffic; 0 disables the limiter.
	RequestsPerSecond float64 `env:"SUPABASE_RPS" yaml:"requests_per_second"`
	// Realtime enables the websocket session-event channel.
	Realtime bool `env:"SUPABASE_REALTIME" yaml:"realtime"`
}

// StorageConfig selects the durable local key-value backend.
type StorageConfig struct {
	// Dir is the file-backed store location, used when RedisURL is empty.
	Dir string `env:"STOREFRONT_DATA_DIR" yaml:"dir"`
	// RedisURL switches persistence to Redis when set.
	RedisURL string `env:"STOREFRONT_REDIS_URL" yaml:"redis_url"`
	// Namespace prefixes every key in shared backends.
	Namespace string `env:"STOREFRONT_NAMESPACE" yaml:"namespace"`
}

// LogConfig configures the root logger.
type LogConfig struct {
	Level  string `env:"LOG_LEVEL" yaml:"level"`
	Format string `env:"LOG_FORMAT" yaml:"format"`
}

// Load builds the configuration. Order of precedence: environment variables,
// then the YAML file at path (if any), then built-in defaults.
func Load(path string) (*Config, error) {
	var cfg Config

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	if err := envdecode.Decode(&cfg); err != nil && err != envdecode.ErrNoTargetFieldsAreSet {
		return nil, fmt.Errorf("decode environment: %w", err)
	}

	cfg.applyDefaults()

	if cfg.Supabase.URL == "" {
		return nil, fmt.Errorf("supabase URL is required")
	}
	if cfg.Supabase.AnonKey == "" {
		return nil, fmt.Errorf("supabase anon key is required")
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Supabase.RequestTimeout == 0 {
		c.Supabase.RequestTimeout = Duration(30 * time.Second)
	}
	if c.Storage.Dir == "" {
		c.Storage.Dir = ".storefront"
	}
	if c.Storage.Namespace == "" {
		c.Storage.Namespace = "zabtt"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "console"
	}
}
