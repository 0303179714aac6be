// Package config loads the gateway configuration from a strict YAML
// document. Unknown options are rejected at startup so typos fail fast
// instead of silently falling back to defaults.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvProxyAPIKey overrides auth.proxy_api_key so deployments can keep
// the secret out of config files.
const EnvProxyAPIKey = "LUTHIEN_PROXY_API_KEY"

// Defaults.
const (
	DefaultMaxRequestBytes   = 10 << 20
	DefaultStallThresholdMS  = 30000
	DefaultOverallDeadlineMS = 600000
	DefaultQueueCapacity     = 64
	DefaultActivityRate      = 50
	DefaultListenAddr        = ":8080"
	DefaultShutdownGraceMS   = 30000
)

type (
	// Config is the root configuration document.
	Config struct {
		// Policy is the ordered policy chain applied to every request.
		Policy []PolicyConfig `yaml:"policy"`
		// Upstream configures provider routing.
		Upstream Upstream `yaml:"upstream"`
		// Limits bounds request size and timing.
		Limits Limits `yaml:"limits"`
		// Queues sizes the orchestrator queues.
		Queues Queues `yaml:"queues"`
		// Activity tunes the activity stream endpoint.
		Activity Activity `yaml:"activity"`
		// Auth holds the gateway credential.
		Auth Auth `yaml:"auth"`
		// Persistence configures the transaction store. Empty disables
		// persistence (an in-memory store is used).
		Persistence Persistence `yaml:"persistence"`
		// PubSub configures the activity event stream backend. Empty
		// keeps events in process.
		PubSub PubSub `yaml:"pubsub"`
		// Server holds HTTP server settings.
		Server Server `yaml:"server"`
	}

	// PolicyConfig names a registered policy class and its settings.
	PolicyConfig struct {
		ClassRef string         `yaml:"class_ref"`
		Config   map[string]any `yaml:"config"`
	}

	// Upstream maps model patterns to providers.
	Upstream struct {
		// Providers is keyed by model pattern: an exact model name or a
		// prefix followed by '*'.
		Providers map[string]Provider `yaml:"providers"`
	}

	// Provider describes one upstream endpoint.
	Provider struct {
		// BaseURL overrides the provider endpoint. Empty uses the SDK
		// default.
		BaseURL string `yaml:"base_url"`
		// CredentialsRef names the environment variable holding the API
		// key.
		CredentialsRef string `yaml:"credentials_ref"`
		// Dialect is "openai" or "anthropic".
		Dialect string `yaml:"dialect"`
	}

	// Limits bounds request size and timing.
	Limits struct {
		MaxRequestBytes   int64 `yaml:"max_request_bytes"`
		StallThresholdMS  int   `yaml:"stall_threshold_ms"`
		OverallDeadlineMS int   `yaml:"overall_deadline_ms"`
	}

	// Queues sizes the bounded orchestrator queues.
	Queues struct {
		Capacity int `yaml:"capacity"`
	}

	// Activity tunes the activity stream.
	Activity struct {
		RatePerSec int `yaml:"rate_per_sec"`
	}

	// Auth holds the gateway credential.
	Auth struct {
		ProxyAPIKey string `yaml:"proxy_api_key"`
	}

	// Persistence configures the MongoDB transaction store.
	Persistence struct {
		MongoURI string `yaml:"mongo_uri"`
		Database string `yaml:"database"`
	}

	// PubSub configures the Redis-backed event stream.
	PubSub struct {
		RedisAddr     string `yaml:"redis_addr"`
		RedisPassword string `yaml:"redis_password"`
		StreamMaxLen  int    `yaml:"stream_max_len"`
	}

	// Server holds HTTP server settings.
	Server struct {
		Addr            string `yaml:"addr"`
		ShutdownGraceMS int    `yaml:"shutdown_grace_ms"`
	}
)

// Load reads and parses the config file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes a YAML document, applies defaults and environment
// overrides, and validates the result.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()
	if key := os.Getenv(EnvProxyAPIKey); key != "" {
		cfg.Auth.ProxyAPIKey = key
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Limits.MaxRequestBytes <= 0 {
		c.Limits.MaxRequestBytes = DefaultMaxRequestBytes
	}
	if c.Limits.StallThresholdMS <= 0 {
		c.Limits.StallThresholdMS = DefaultStallThresholdMS
	}
	if c.Limits.OverallDeadlineMS <= 0 {
		c.Limits.OverallDeadlineMS = DefaultOverallDeadlineMS
	}
	if c.Queues.Capacity <= 0 {
		c.Queues.Capacity = DefaultQueueCapacity
	}
	if c.Activity.RatePerSec <= 0 {
		c.Activity.RatePerSec = DefaultActivityRate
	}
	if c.Server.Addr == "" {
		c.Server.Addr = DefaultListenAddr
	}
	if c.Server.ShutdownGraceMS <= 0 {
		c.Server.ShutdownGraceMS = DefaultShutdownGraceMS
	}
}

// Validate checks required fields and option values.
func (c *Config) Validate() error {
	if c.Auth.ProxyAPIKey == "" {
		return errors.New("auth.proxy_api_key is required")
	}
	if len(c.Upstream.Providers) == 0 {
		return errors.New("upstream.providers is required")
	}
	for pattern, p := range c.Upstream.Providers {
		if pattern == "" {
			return errors.New("upstream.providers: empty model pattern")
		}
		switch p.Dialect {
		case "openai", "anthropic":
		default:
			return fmt.Errorf("upstream.providers[%q]: unknown dialect %q", pattern, p.Dialect)
		}
	}
	for i, p := range c.Policy {
		if p.ClassRef == "" {
			return fmt.Errorf("policy[%d]: class_ref is required", i)
		}
	}
	if c.Persistence.MongoURI != "" && c.Persistence.Database == "" {
		return errors.New("persistence.database is required when mongo_uri is set")
	}
	return nil
}

// StallThreshold returns limits.stall_threshold_ms as a duration.
func (c *Config) StallThreshold() time.Duration {
	return time.Duration(c.Limits.StallThresholdMS) * time.Millisecond
}

// OverallDeadline returns limits.overall_deadline_ms as a duration.
func (c *Config) OverallDeadline() time.Duration {
	return time.Duration(c.Limits.OverallDeadlineMS) * time.Millisecond
}

// ShutdownGrace returns server.shutdown_grace_ms as a duration.
func (c *Config) ShutdownGrace() time.Duration {
	return time.Duration(c.Server.ShutdownGraceMS) * time.Millisecond
}
