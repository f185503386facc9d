package ratelimit

import (
	"context"
	"time"
)

// bucketTTL bounds storage growth: idle bucket state expires after a day.
const bucketTTL = 24 * time.Hour

// overrideTTL caps how long per-user tier overrides and custom limits are
// retained without being refreshed.
const overrideTTL = 24 * time.Hour

// OpResult is the raw outcome of one atomic store operation. The store itself
// takes the admission decision so the read-modify-write stays indivisible;
// strategies only translate it into a Result.
type OpResult struct {
	Allowed    bool
	Remaining  float64
	RetryAfter time.Duration
	ResetAt    time.Time
}

// Block is an active block record for an identity or a derived key.
type Block struct {
	Reason    string
	ExpiresAt time.Time
}

// Violation is one denied decision, recorded for abuse analytics.
type Violation struct {
	Identity  string
	IP        string
	UserID    string
	Endpoint  string
	Method    string
	Tier      string
	Limit     int64
	Window    time.Duration
	UserAgent string
	At        time.Time
}

// SubjectCount ranks a blocked subject by violation count.
type SubjectCount struct {
	Subject string
	Count   int64
}

// Totals summarizes the durable violation counters.
type Totals struct {
	TotalBlocked int64
	TopIPs       []SubjectCount
	TopUsers     []SubjectCount
}

// Store is the shared counter store. Every quota mutation is a single atomic
// read-compute-write: the in-process implementation holds a per-shard lock for
// the duration of the operation, the Redis implementation executes one
// server-side script per operation. Keys never contend with each other beyond
// their shard.
//
// The four consume operations return the decision together with the state
// needed to report remaining quota, an analytic retry-after, and the reset
// time. The Peek variants read without mutating and return nil when no state
// exists for the key.
type Store interface {
	// IncrWindow backs the fixed window strategy: increment the key's
	// counter by cost, starting a fresh interval of the given width when
	// none is active.
	IncrWindow(ctx context.Context, key string, limit, cost int64, window time.Duration) (*OpResult, error)

	// SlideWindow backs the sliding window strategy: admit cost events iff
	// the trailing window holds at most limit events afterwards.
	SlideWindow(ctx context.Context, key string, limit, cost int64, window time.Duration) (*OpResult, error)

	// TakeTokens backs the token bucket strategy: refill by elapsed time
	// times refillRate (capped at capacity), then take cost tokens if
	// present.
	TakeTokens(ctx context.Context, key string, capacity, refillRate, cost float64) (*OpResult, error)

	// AddVolume backs the leaky bucket strategy: drain by elapsed time
	// times leakRate (floored at zero), then add drops unless that would
	// exceed capacity.
	AddVolume(ctx context.Context, key string, capacity, leakRate, drops float64) (*OpResult, error)

	PeekWindow(ctx context.Context, key string, limit int64, window time.Duration) (*OpResult, error)
	PeekSlide(ctx context.Context, key string, limit int64, window time.Duration) (*OpResult, error)
	PeekTokens(ctx context.Context, key string, capacity, refillRate float64) (*OpResult, error)
	PeekVolume(ctx context.Context, key string, capacity, leakRate float64) (*OpResult, error)

	// Remove discards all state for the key.
	Remove(ctx context.Context, key string) error

	SetBlock(ctx context.Context, subject string, ttl time.Duration, reason string) error
	// GetBlock returns nil when the subject is not blocked.
	GetBlock(ctx context.Context, subject string) (*Block, error)
	RemoveBlock(ctx context.Context, subject string) error

	SetTierOverride(ctx context.Context, userID, tier string) error
	// TierOverride returns "" when no override is set.
	TierOverride(ctx context.Context, userID string) (string, error)
	SetCustomLimits(ctx context.Context, userID string, limits Tier) error
	// CustomLimits returns nil when no custom limits are set.
	CustomLimits(ctx context.Context, userID string) (*Tier, error)

	RecordViolation(ctx context.Context, v Violation) error
	Totals(ctx context.Context, topN int) (*Totals, error)
}
