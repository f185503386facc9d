package ratelimit

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration parses from YAML either as a Go duration string ("500ms", "1h")
// or as a bare number of seconds.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var seconds int64
	if err := node.Decode(&seconds); err == nil {
		*d = Duration(time.Duration(seconds) * time.Second)
		return nil
	}
	var text string
	if err := node.Decode(&text); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(text)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

// RedisConfig selects the shared Redis backend.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// TierConfig declares or overrides a quota tier.
type TierConfig struct {
	PerSecond int64 `yaml:"per_second"`
	PerMinute int64 `yaml:"per_minute"`
	PerHour   int64 `yaml:"per_hour"`
	PerDay    int64 `yaml:"per_day"`
	Burst     int64 `yaml:"burst"`
}

// WhitelistConfig exempts identities and paths from limiting entirely.
type WhitelistConfig struct {
	IPs   []string `yaml:"ips"`
	Users []string `yaml:"users"`
	Paths []string `yaml:"paths"`
}

// AbuseConfig tunes the abuse analytics aggregation.
type AbuseConfig struct {
	// Interval between aggregation passes.
	Interval Duration `yaml:"interval"`
	// RapidFireThreshold flags a single IP exceeding this many violations
	// inside one interval.
	RapidFireThreshold int `yaml:"rapid_fire_threshold"`
	// DistributedThreshold flags an endpoint denied to more than this many
	// distinct IPs inside one interval.
	DistributedThreshold int `yaml:"distributed_threshold"`
	// MaxEvents bounds the in-memory violation buffer.
	MaxEvents int `yaml:"max_events"`
	// AutoBlock lets the engine act on block recommendations without an
	// operator. Off by default.
	AutoBlock bool `yaml:"auto_block"`
	// BlockDuration applies to auto-applied blocks.
	BlockDuration Duration `yaml:"block_duration"`
}

// Config is the engine's startup configuration. It is immutable at runtime;
// per-caller changes go through the administrative operations.
type Config struct {
	Listen   string       `yaml:"listen"`
	Strategy StrategyKind `yaml:"strategy"`
	Backend  string       `yaml:"backend"` // "memory" or "redis"
	Redis    RedisConfig  `yaml:"redis"`

	// FailOpen admits all traffic when the counter store is unreachable.
	// The default (false) denies it, which is the safer posture for
	// security-sensitive deployments.
	FailOpen     bool     `yaml:"fail_open"`
	StoreTimeout Duration `yaml:"store_timeout"`

	TrustProxy    bool `yaml:"trust_proxy"`
	CascadeLimits bool `yaml:"cascade_limits"`

	// BlockDuration, when set, turns repeated denial into a short block so
	// follow-up requests short-circuit without touching bucket state.
	BlockDuration Duration `yaml:"block_duration"`

	Whitelist WhitelistConfig       `yaml:"whitelist"`
	Tiers     map[string]TierConfig `yaml:"tiers"`
	Abuse     AbuseConfig           `yaml:"abuse"`
}

// DefaultConfig mirrors the production defaults: sliding window over the
// in-process store, fail closed, hourly abuse aggregation.
func DefaultConfig() *Config {
	return &Config{
		Listen:       "localhost:8080",
		Strategy:     SlidingWindowKind,
		Backend:      "memory",
		StoreTimeout: Duration(2 * time.Second),
		Abuse: AbuseConfig{
			Interval:             Duration(time.Hour),
			RapidFireThreshold:   100,
			DistributedThreshold: 50,
			MaxEvents:            10000,
			BlockDuration:        Duration(time.Hour),
		},
	}
}

// LoadConfig reads a YAML config file over the defaults and validates it.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the engine must not serve with.
func (c *Config) Validate() error {
	switch c.Strategy {
	case FixedWindowKind, SlidingWindowKind, TokenBucketKind, LeakyBucketKind:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownStrategy, c.Strategy)
	}
	switch c.Backend {
	case "memory", "redis":
	default:
		return fmt.Errorf("%w: %q", ErrUnknownBackend, c.Backend)
	}
	if c.Backend == "redis" && c.Redis.Addr == "" {
		return fmt.Errorf("%w: redis backend requires an address", ErrUnknownBackend)
	}
	if c.StoreTimeout <= 0 {
		return fmt.Errorf("store_timeout must be positive")
	}
	for name, t := range c.Tiers {
		if err := t.validate(); err != nil {
			return fmt.Errorf("%w: tier %q: %v", ErrMalformedTier, name, err)
		}
	}
	return nil
}

func (t TierConfig) validate() error {
	if t.PerSecond < 0 || t.PerMinute < 0 || t.PerHour < 0 || t.PerDay < 0 || t.Burst < 0 {
		return fmt.Errorf("negative limit")
	}
	if t.PerSecond == 0 && t.PerMinute == 0 && t.PerHour == 0 && t.PerDay == 0 {
		return fmt.Errorf("no quota window defined")
	}
	return nil
}

// tierTable converts configured tiers into the resolver's form.
func (c *Config) tierTable() map[string]Tier {
	out := make(map[string]Tier, len(c.Tiers))
	for name, t := range c.Tiers {
		out[name] = Tier{
			Name:      name,
			PerSecond: t.PerSecond,
			PerMinute: t.PerMinute,
			PerHour:   t.PerHour,
			PerDay:    t.PerDay,
			Burst:     t.Burst,
		}
	}
	return out
}
