package ratelimit

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, SlidingWindowKind, cfg.Strategy)
	assert.Equal(t, "memory", cfg.Backend)
	assert.False(t, cfg.FailOpen)
	assert.Equal(t, 2*time.Second, cfg.StoreTimeout.Std())
	assert.Equal(t, time.Hour, cfg.Abuse.Interval.Std())
}

func TestLoadConfig(t *testing.T) {
	path := writeConfig(t, `
listen: ":9090"
strategy: token-bucket
backend: redis
redis:
  addr: "localhost:6379"
  db: 2
fail_open: true
store_timeout: 500ms
trust_proxy: true
cascade_limits: true
block_duration: 300
whitelist:
  ips: ["127.0.0.1"]
  users: ["admin"]
tiers:
  partner:
    per_minute: 500
    per_hour: 10000
    burst: 50
abuse:
  interval: 15m
  rapid_fire_threshold: 20
  auto_block: true
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Listen)
	assert.Equal(t, TokenBucketKind, cfg.Strategy)
	assert.Equal(t, "redis", cfg.Backend)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, 2, cfg.Redis.DB)
	assert.True(t, cfg.FailOpen)
	assert.True(t, cfg.TrustProxy)
	assert.True(t, cfg.CascadeLimits)

	// Durations parse both as Go duration strings and bare seconds.
	assert.Equal(t, 500*time.Millisecond, cfg.StoreTimeout.Std())
	assert.Equal(t, 5*time.Minute, cfg.BlockDuration.Std())
	assert.Equal(t, 15*time.Minute, cfg.Abuse.Interval.Std())

	assert.Equal(t, []string{"127.0.0.1"}, cfg.Whitelist.IPs)
	require.Contains(t, cfg.Tiers, "partner")
	assert.Equal(t, int64(500), cfg.Tiers["partner"].PerMinute)
	assert.Equal(t, int64(50), cfg.Tiers["partner"].Burst)
	assert.True(t, cfg.Abuse.AutoBlock)
	assert.Equal(t, 20, cfg.Abuse.RapidFireThreshold)

	// Unset fields keep their defaults.
	assert.Equal(t, 50, cfg.Abuse.DistributedThreshold)
	assert.Equal(t, 10000, cfg.Abuse.MaxEvents)
}

func TestLoadConfig_Missing(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoadConfig_Malformed(t *testing.T) {
	path := writeConfig(t, "listen: [unclosed")
	_, err := LoadConfig(path)
	assert.Error(t, err)
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr error
	}{
		{
			name:    "unknown strategy",
			mutate:  func(c *Config) { c.Strategy = "round-robin" },
			wantErr: ErrUnknownStrategy,
		},
		{
			name:    "unknown backend",
			mutate:  func(c *Config) { c.Backend = "dynamo" },
			wantErr: ErrUnknownBackend,
		},
		{
			name:    "redis backend without address",
			mutate:  func(c *Config) { c.Backend = "redis" },
			wantErr: ErrUnknownBackend,
		},
		{
			name: "negative tier limit",
			mutate: func(c *Config) {
				c.Tiers = map[string]TierConfig{"bad": {PerMinute: -1}}
			},
			wantErr: ErrMalformedTier,
		},
		{
			name: "tier without windows",
			mutate: func(c *Config) {
				c.Tiers = map[string]TierConfig{"bad": {Burst: 10}}
			},
			wantErr: ErrMalformedTier,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}

	t.Run("non-positive store timeout", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.StoreTimeout = 0
		assert.Error(t, cfg.Validate())
	})
}
