package ratelimit

import "context"

const tokenBucketPrefix = "rl:tb:"

// TokenBucket holds up to capacity tokens and refills continuously at the
// limit's average rate. Unused capacity carries forward, so short bursts up
// to the full capacity are admitted while the long-term rate stays bounded.
//
// A Limit maps to bucket parameters as capacity = Points + Burst and
// refill rate = Points per Window.
type TokenBucket struct {
	store Store
}

func NewTokenBucket(store Store) *TokenBucket {
	return &TokenBucket{store: store}
}

func (s *TokenBucket) Name() string { return string(TokenBucketKind) }

func (s *TokenBucket) params(limit Limit) (capacity, rate float64) {
	capacity = float64(limit.Points + limit.Burst)
	rate = float64(limit.Points) / limit.Window.Seconds()
	return capacity, rate
}

func (s *TokenBucket) Consume(ctx context.Context, key string, limit Limit, cost int64) (*Result, error) {
	capacity, rate := s.params(limit)
	op, err := s.store.TakeTokens(ctx, tokenBucketPrefix+key, capacity, rate, float64(cost))
	if err != nil {
		return nil, err
	}
	return resultFromOp(op, int64(capacity)), nil
}

func (s *TokenBucket) Peek(ctx context.Context, key string, limit Limit) (*Result, error) {
	capacity, rate := s.params(limit)
	op, err := s.store.PeekTokens(ctx, tokenBucketPrefix+key, capacity, rate)
	if err != nil || op == nil {
		return nil, err
	}
	return resultFromOp(op, int64(capacity)), nil
}

func (s *TokenBucket) Reset(ctx context.Context, key string) error {
	return s.store.Remove(ctx, tokenBucketPrefix+key)
}
