package ratelimit

import "context"

const slidingWindowPrefix = "rl:sw:"

// SlidingWindow tracks every admitted event inside a continuously-moving
// window, so the limit holds over any rolling span of the window's width.
// This eliminates the boundary burst the fixed window permits, at the price
// of one state entry per admitted event. It is the default strategy.
type SlidingWindow struct {
	store Store
}

func NewSlidingWindow(store Store) *SlidingWindow {
	return &SlidingWindow{store: store}
}

func (s *SlidingWindow) Name() string { return string(SlidingWindowKind) }

func (s *SlidingWindow) Consume(ctx context.Context, key string, limit Limit, cost int64) (*Result, error) {
	op, err := s.store.SlideWindow(ctx, slidingWindowPrefix+key, limit.Points, cost, limit.Window)
	if err != nil {
		return nil, err
	}
	return resultFromOp(op, limit.Points), nil
}

func (s *SlidingWindow) Peek(ctx context.Context, key string, limit Limit) (*Result, error) {
	op, err := s.store.PeekSlide(ctx, slidingWindowPrefix+key, limit.Points, limit.Window)
	if err != nil || op == nil {
		return nil, err
	}
	return resultFromOp(op, limit.Points), nil
}

func (s *SlidingWindow) Reset(ctx context.Context, key string) error {
	return s.store.Remove(ctx, slidingWindowPrefix+key)
}
