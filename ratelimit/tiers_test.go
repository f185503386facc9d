package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTierWindows(t *testing.T) {
	tier := Tier{Name: "t", PerSecond: 5, PerMinute: 100, PerDay: 5000, Burst: 2}
	ws := tier.windows()
	require.Len(t, ws, 3)

	// Tightest window first, so cascading checks fail fast.
	assert.Equal(t, ":1s", ws[0].suffix)
	assert.Equal(t, Limit{Points: 5, Window: time.Second, Burst: 2}, ws[0].limit)
	assert.Equal(t, ":1m", ws[1].suffix)
	assert.Equal(t, ":1d", ws[2].suffix)

	assert.Empty(t, Tier{Name: "empty"}.windows())
}

func TestTierPrimary(t *testing.T) {
	w, ok := Tier{PerSecond: 5, PerMinute: 100, PerHour: 1000}.primary()
	require.True(t, ok)
	assert.Equal(t, ":1m", w.suffix)

	// Without a per-minute window the tightest one is enforced.
	w, ok = Tier{PerHour: 1000, PerDay: 5000}.primary()
	require.True(t, ok)
	assert.Equal(t, ":1h", w.suffix)

	_, ok = Tier{}.primary()
	assert.False(t, ok)
}

func TestBuiltinTiers(t *testing.T) {
	tiers := BuiltinTiers()
	for _, name := range []string{"anonymous", "free", "basic", "premium", "unlimited"} {
		assert.Contains(t, tiers, name)
	}
	assert.Equal(t, int64(30), tiers["anonymous"].PerMinute)
	assert.Equal(t, int64(60), tiers["free"].PerMinute)
	assert.Equal(t, int64(300), tiers["premium"].PerMinute)
}

func TestTierResolver_Resolve(t *testing.T) {
	store, _ := newTestMemoryStore(t, time.Now())
	resolver := NewTierResolver(store, map[string]Tier{
		"Partner": {PerMinute: 500},
	})
	ctx := context.Background()

	// Anonymous callers get the anonymous tier.
	tier := resolver.Resolve(ctx, &Request{IP: "203.0.113.7"})
	assert.Equal(t, "anonymous", tier.Name)

	// Authenticated callers without a subscription default to free.
	tier = resolver.Resolve(ctx, &Request{UserID: "42"})
	assert.Equal(t, "free", tier.Name)

	// The identity's subscription tier applies when present.
	tier = resolver.Resolve(ctx, &Request{UserID: "42", Tier: "premium"})
	assert.Equal(t, "premium", tier.Name)

	// Config-declared tiers resolve case-insensitively.
	tier = resolver.Resolve(ctx, &Request{IP: "203.0.113.7", Tier: "partner"})
	assert.Equal(t, "Partner", tier.Name)

	// Unknown tier names fall back to anonymous rather than failing open.
	tier = resolver.Resolve(ctx, &Request{IP: "203.0.113.7", Tier: "gold"})
	assert.Equal(t, "anonymous", tier.Name)
}

func TestTierResolver_OverridesWin(t *testing.T) {
	store, _ := newTestMemoryStore(t, time.Now())
	resolver := NewTierResolver(store, nil)
	ctx := context.Background()

	// Custom limits take precedence over the subscription tier.
	require.NoError(t, store.SetCustomLimits(ctx, "42", Tier{PerMinute: 7}))
	tier := resolver.Resolve(ctx, &Request{UserID: "42", Tier: "premium"})
	assert.Equal(t, "custom", tier.Name)
	assert.Equal(t, int64(7), tier.PerMinute)

	// An administrative override beats everything else.
	require.NoError(t, store.SetTierOverride(ctx, "42", "basic"))
	tier = resolver.Resolve(ctx, &Request{UserID: "42", Tier: "premium"})
	assert.Equal(t, "basic", tier.Name)
}

func TestTierResolver_LookupFailureFallsBack(t *testing.T) {
	resolver := NewTierResolver(failingStore{}, nil)
	ctx := context.Background()

	// Override and custom-limit lookups failing must not fail the
	// resolution; the request-carried tier still applies.
	tier := resolver.Resolve(ctx, &Request{UserID: "42", Tier: "premium"})
	assert.Equal(t, "premium", tier.Name)

	tier = resolver.Resolve(ctx, &Request{UserID: "42"})
	assert.Equal(t, "free", tier.Name)
}

func TestTierResolver_Known(t *testing.T) {
	store, _ := newTestMemoryStore(t, time.Now())
	resolver := NewTierResolver(store, map[string]Tier{"partner": {PerMinute: 500}})

	assert.True(t, resolver.Known("premium"))
	assert.True(t, resolver.Known("Partner"))
	assert.False(t, resolver.Known("gold"))
}
