package ratelimit

import "context"

const fixedWindowPrefix = "rl:fw:"

// FixedWindow divides time into non-overlapping intervals and counts requests
// per interval, resetting when the interval rolls over.
//
// Known edge case: a burst at the very end of one window followed by a burst
// at the start of the next admits up to twice the limit across the boundary.
// That is the accepted tradeoff for this strategy; use SlidingWindow where it
// matters.
type FixedWindow struct {
	store Store
}

func NewFixedWindow(store Store) *FixedWindow {
	return &FixedWindow{store: store}
}

func (s *FixedWindow) Name() string { return string(FixedWindowKind) }

func (s *FixedWindow) Consume(ctx context.Context, key string, limit Limit, cost int64) (*Result, error) {
	op, err := s.store.IncrWindow(ctx, fixedWindowPrefix+key, limit.Points, cost, limit.Window)
	if err != nil {
		return nil, err
	}
	return resultFromOp(op, limit.Points), nil
}

func (s *FixedWindow) Peek(ctx context.Context, key string, limit Limit) (*Result, error) {
	op, err := s.store.PeekWindow(ctx, fixedWindowPrefix+key, limit.Points, limit.Window)
	if err != nil || op == nil {
		return nil, err
	}
	return resultFromOp(op, limit.Points), nil
}

func (s *FixedWindow) Reset(ctx context.Context, key string) error {
	return s.store.Remove(ctx, fixedWindowPrefix+key)
}
