package ratelimit

import "context"

const leakyBucketPrefix = "rl:lb:"

// LeakyBucket holds a volume that drains at the limit's average rate; a
// request adds its drops only when the result stays within capacity. Unlike
// the token bucket it does not accumulate burst credit: it smooths the
// admitted rate instead.
//
// A Limit maps to bucket parameters as capacity = Points + Burst and
// leak rate = Points per Window.
type LeakyBucket struct {
	store Store
}

func NewLeakyBucket(store Store) *LeakyBucket {
	return &LeakyBucket{store: store}
}

func (s *LeakyBucket) Name() string { return string(LeakyBucketKind) }

func (s *LeakyBucket) params(limit Limit) (capacity, rate float64) {
	capacity = float64(limit.Points + limit.Burst)
	rate = float64(limit.Points) / limit.Window.Seconds()
	return capacity, rate
}

func (s *LeakyBucket) Consume(ctx context.Context, key string, limit Limit, cost int64) (*Result, error) {
	capacity, rate := s.params(limit)
	op, err := s.store.AddVolume(ctx, leakyBucketPrefix+key, capacity, rate, float64(cost))
	if err != nil {
		return nil, err
	}
	return resultFromOp(op, int64(capacity)), nil
}

func (s *LeakyBucket) Peek(ctx context.Context, key string, limit Limit) (*Result, error) {
	capacity, rate := s.params(limit)
	op, err := s.store.PeekVolume(ctx, leakyBucketPrefix+key, capacity, rate)
	if err != nil || op == nil {
		return nil, err
	}
	return resultFromOp(op, int64(capacity)), nil
}

func (s *LeakyBucket) Reset(ctx context.Context, key string) error {
	return s.store.Remove(ctx, leakyBucketPrefix+key)
}
