package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dyluth/warren/pkg/contexttree"
)

// DefaultFileName is the config file warren looks for at the workspace root.
const DefaultFileName = "warren.yml"

// Defaults applied by Validate when the config omits a setting.
const (
	DefaultCacheCapacity = 1024
	DefaultCacheTTL      = "5m"
	DefaultStoreRetries  = 3
	DefaultRetryInterval = "50ms"
)

// WarrenConfig represents the top-level warren.yml configuration
type WarrenConfig struct {
	Version     string            `yaml:"version"`
	Tenant      string            `yaml:"tenant"`    // Namespace for all keys and channels (DNS-style name)
	RedisURL    string            `yaml:"redis_url"` // Redis connection string, e.g. redis://localhost:6379
	Cache       *CacheConfig      `yaml:"cache,omitempty"`
	Delegations *DelegationConfig `yaml:"delegations,omitempty"`
	Store       *StoreRetryConfig `yaml:"store,omitempty"`
}

// CacheConfig tunes the resolved-context cache
type CacheConfig struct {
	Capacity            *int   `yaml:"capacity,omitempty"`              // Max cached resolutions; 0 disables caching (default 1024)
	TTL                 string `yaml:"ttl,omitempty"`                   // Entry age bound as a Go duration (default 5m)
	DisableReverseIndex bool   `yaml:"disable_reverse_index,omitempty"` // Rely on version checks alone
	ServeStaleOnOutage  bool   `yaml:"serve_stale_on_outage,omitempty"` // Serve last-known-good, flagged stale, when Redis is down
}

// DelegationConfig tunes delegation handling
type DelegationConfig struct {
	AutoApply bool `yaml:"auto_apply,omitempty"` // Apply each delegation immediately after submission
}

// StoreRetryConfig tunes the retry policy around transient Redis failures
type StoreRetryConfig struct {
	Retries       *int   `yaml:"retries,omitempty"`        // Retry attempts after the first failure (default 3, 0 disables)
	RetryInterval string `yaml:"retry_interval,omitempty"` // Initial backoff interval as a Go duration (default 50ms)
}

// Validate performs strict validation on the configuration and fills in
// defaults for omitted settings.
func (c *WarrenConfig) Validate() error {
	// Required: version
	if c.Version != "1.0" {
		return fmt.Errorf("unsupported version: %s (expected: 1.0)", c.Version)
	}

	// Required: tenant, DNS-style
	if c.Tenant == "" {
		return fmt.Errorf("tenant is required")
	}
	if err := contexttree.ValidateTenant(c.Tenant); err != nil {
		return fmt.Errorf("invalid tenant: %w", err)
	}

	// Required: redis_url
	if c.RedisURL == "" {
		return fmt.Errorf("redis_url is required")
	}

	// Apply cache defaults if missing
	if c.Cache == nil {
		c.Cache = &CacheConfig{}
	}
	if c.Cache.Capacity == nil {
		capacity := DefaultCacheCapacity
		c.Cache.Capacity = &capacity
	}
	if *c.Cache.Capacity < 0 {
		return fmt.Errorf("cache.capacity must be >= 0 (0 disables caching), got %d", *c.Cache.Capacity)
	}
	if c.Cache.TTL == "" {
		c.Cache.TTL = DefaultCacheTTL
	}
	ttl, err := time.ParseDuration(c.Cache.TTL)
	if err != nil {
		return fmt.Errorf("cache.ttl is not a valid duration: %s", c.Cache.TTL)
	}
	if ttl < 0 {
		return fmt.Errorf("cache.ttl cannot be negative: %s", c.Cache.TTL)
	}

	if c.Delegations == nil {
		c.Delegations = &DelegationConfig{}
	}

	// Apply store retry defaults if missing
	if c.Store == nil {
		c.Store = &StoreRetryConfig{}
	}
	if c.Store.Retries == nil {
		retries := DefaultStoreRetries
		c.Store.Retries = &retries
	}
	if *c.Store.Retries < 0 {
		return fmt.Errorf("store.retries must be >= 0 (0 disables retries), got %d", *c.Store.Retries)
	}
	if c.Store.RetryInterval == "" {
		c.Store.RetryInterval = DefaultRetryInterval
	}
	interval, err := time.ParseDuration(c.Store.RetryInterval)
	if err != nil {
		return fmt.Errorf("store.retry_interval is not a valid duration: %s", c.Store.RetryInterval)
	}
	if interval <= 0 {
		return fmt.Errorf("store.retry_interval must be positive: %s", c.Store.RetryInterval)
	}

	return nil
}

// ServiceConfig maps the file configuration onto the engine's service
// configuration. Call Validate first; durations were checked there.
func (c *WarrenConfig) ServiceConfig() contexttree.Config {
	ttl, _ := time.ParseDuration(c.Cache.TTL)
	interval, _ := time.ParseDuration(c.Store.RetryInterval)

	return contexttree.Config{
		CacheCapacity:        *c.Cache.Capacity,
		CacheTTL:             ttl,
		DisableReverseIndex:  c.Cache.DisableReverseIndex,
		ServeStaleOnOutage:   c.Cache.ServeStaleOnOutage,
		AutoApplyDelegations: c.Delegations.AutoApply,
		StoreRetries:         uint64(*c.Store.Retries),
		RetryInitialInterval: interval,
	}
}

// Load reads warren.yml from the specified path, applies environment
// overrides, validates, and fills in defaults.
//
// WARREN_TENANT and WARREN_REDIS_URL override the file values, so one
// checked-in config can serve several environments.
func Load(path string) (*WarrenConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var config WarrenConfig
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	applyEnvOverrides(&config)

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

func applyEnvOverrides(config *WarrenConfig) {
	if tenant := os.Getenv("WARREN_TENANT"); tenant != "" {
		config.Tenant = tenant
	}
	if redisURL := os.Getenv("WARREN_REDIS_URL"); redisURL != "" {
		config.RedisURL = redisURL
	}
}
