package ratelimit

import (
	"context"
	"fmt"
	"time"
)

// StrategyKind names one of the four supported limiting algorithms.
type StrategyKind string

const (
	FixedWindowKind   StrategyKind = "fixed-window"
	SlidingWindowKind StrategyKind = "sliding-window"
	TokenBucketKind   StrategyKind = "token-bucket"
	LeakyBucketKind   StrategyKind = "leaky-bucket"
)

// Limit describes one quota window: Points requests per Window, with an
// optional Burst allowance on top (consumed by the bucket strategies).
type Limit struct {
	Points int64
	Window time.Duration
	Burst  int64
}

// Result is the outcome of a single consume or peek against one window. It is
// computed fresh from bucket state on every call and never persisted.
type Result struct {
	Allowed    bool
	Limit      int64
	Remaining  int64
	RetryAfter time.Duration
	ResetAt    time.Time
}

// Strategy is the common contract of the limiting algorithms. Consume admits
// or denies a request of the given cost; Peek reports current state without
// mutating it (nil when the key has no state yet); Reset discards the key's
// state.
type Strategy interface {
	Consume(ctx context.Context, key string, limit Limit, cost int64) (*Result, error)
	Peek(ctx context.Context, key string, limit Limit) (*Result, error)
	Reset(ctx context.Context, key string) error
	Name() string
}

// NewStrategy returns the implementation registered under kind. The strategy
// set is closed: anything else is a configuration error.
func NewStrategy(kind StrategyKind, store Store) (Strategy, error) {
	switch kind {
	case FixedWindowKind:
		return NewFixedWindow(store), nil
	case SlidingWindowKind:
		return NewSlidingWindow(store), nil
	case TokenBucketKind:
		return NewTokenBucket(store), nil
	case LeakyBucketKind:
		return NewLeakyBucket(store), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownStrategy, kind)
	}
}

func resultFromOp(op *OpResult, limit int64) *Result {
	remaining := int64(op.Remaining)
	if remaining < 0 {
		remaining = 0
	}
	return &Result{
		Allowed:    op.Allowed,
		Limit:      limit,
		Remaining:  remaining,
		RetryAfter: op.RetryAfter,
		ResetAt:    op.ResetAt,
	}
}
