package ratelimit

import (
	"context"
	"hash/fnv"
	"sort"
	"sync"
	"time"
)

const memoryShards = 32

// MemoryStore is the in-process counter store. State lives in sharded maps,
// each guarded by its own mutex, so distinct keys rarely contend. It is only
// suitable for single-instance deployments; multi-instance deployments need
// the Redis store.
type MemoryStore struct {
	shards   [memoryShards]*memoryShard
	counters violationCounters
	now      func() time.Time

	stopOnce sync.Once
	stop     chan struct{}
}

type memoryShard struct {
	mu      sync.Mutex
	windows map[string]*windowEntry
	logs    map[string]*logEntry
	buckets map[string]*bucketEntry
	values  map[string]*valueEntry
}

type windowEntry struct {
	count   int64
	resetAt time.Time
}

type logEntry struct {
	stamps  []time.Time
	staleAt time.Time
}

type bucketEntry struct {
	level   float64 // tokens or volume, depending on the strategy
	stamp   time.Time
	staleAt time.Time
}

type valueEntry struct {
	str       string
	tier      *Tier
	expiresAt time.Time
}

type violationCounters struct {
	mu     sync.Mutex
	total  int64
	byIP   map[string]int64
	byUser map[string]int64
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithMemoryClock injects the time source, used by tests to advance time
// deterministically.
func WithMemoryClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) { s.now = now }
}

// NewMemoryStore builds an in-process store and starts a background sweeper
// that prunes expired entries once a minute. Call Close to stop it.
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		now:  time.Now,
		stop: make(chan struct{}),
	}
	for i := range s.shards {
		s.shards[i] = &memoryShard{
			windows: make(map[string]*windowEntry),
			logs:    make(map[string]*logEntry),
			buckets: make(map[string]*bucketEntry),
			values:  make(map[string]*valueEntry),
		}
	}
	s.counters.byIP = make(map[string]int64)
	s.counters.byUser = make(map[string]int64)
	for _, opt := range opts {
		opt(s)
	}
	go s.sweep()
	return s
}

// Close stops the background sweeper.
func (s *MemoryStore) Close() {
	s.stopOnce.Do(func() { close(s.stop) })
}

func (s *MemoryStore) sweep() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			now := s.now()
			for _, sh := range s.shards {
				sh.prune(now)
			}
		}
	}
}

func (sh *memoryShard) prune(now time.Time) {
	sh.mu.Lock()
	defer sh.mu.Unlock()
	for k, e := range sh.windows {
		if now.After(e.resetAt) {
			delete(sh.windows, k)
		}
	}
	for k, e := range sh.logs {
		if now.After(e.staleAt) {
			delete(sh.logs, k)
		}
	}
	for k, e := range sh.buckets {
		if now.After(e.staleAt) {
			delete(sh.buckets, k)
		}
	}
	for k, e := range sh.values {
		if now.After(e.expiresAt) {
			delete(sh.values, k)
		}
	}
}

func (s *MemoryStore) shard(key string) *memoryShard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return s.shards[h.Sum32()%memoryShards]
}

func (s *MemoryStore) IncrWindow(ctx context.Context, key string, limit, cost int64, window time.Duration) (*OpResult, error) {
	sh := s.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	now := s.now()
	e := sh.windows[key]
	if e == nil || !now.Before(e.resetAt) {
		e = &windowEntry{resetAt: now.Add(window)}
		sh.windows[key] = e
	}
	e.count += cost

	op := &OpResult{
		Allowed:   e.count <= limit,
		Remaining: float64(limit - e.count),
		ResetAt:   e.resetAt,
	}
	if !op.Allowed {
		op.Remaining = 0
		op.RetryAfter = e.resetAt.Sub(now)
	}
	return op, nil
}

func (s *MemoryStore) PeekWindow(ctx context.Context, key string, limit int64, window time.Duration) (*OpResult, error) {
	sh := s.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	now := s.now()
	e := sh.windows[key]
	if e == nil || !now.Before(e.resetAt) {
		return nil, nil
	}
	op := &OpResult{
		Allowed:   e.count < limit,
		Remaining: float64(limit - e.count),
		ResetAt:   e.resetAt,
	}
	if op.Remaining < 0 {
		op.Remaining = 0
	}
	if !op.Allowed {
		op.RetryAfter = e.resetAt.Sub(now)
	}
	return op, nil
}

func (s *MemoryStore) SlideWindow(ctx context.Context, key string, limit, cost int64, window time.Duration) (*OpResult, error) {
	sh := s.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	now := s.now()
	e := sh.logs[key]
	if e == nil {
		e = &logEntry{}
		sh.logs[key] = e
	}
	e.trim(now.Add(-window))
	e.staleAt = now.Add(bucketTTL)

	count := int64(len(e.stamps))
	if count+cost > limit {
		op := &OpResult{Remaining: float64(limit - count)}
		if op.Remaining < 0 {
			op.Remaining = 0
		}
		// Wait until enough of the oldest events leave the window for a
		// unit-cost request to fit.
		if count >= limit {
			idx := count - limit
			op.RetryAfter = e.stamps[idx].Add(window).Sub(now)
		}
		op.ResetAt = now.Add(window)
		if count > 0 {
			op.ResetAt = e.stamps[0].Add(window)
		}
		return op, nil
	}

	for i := int64(0); i < cost; i++ {
		e.stamps = append(e.stamps, now)
	}
	count += cost
	return &OpResult{
		Allowed:   true,
		Remaining: float64(limit - count),
		ResetAt:   e.stamps[0].Add(window),
	}, nil
}

func (s *MemoryStore) PeekSlide(ctx context.Context, key string, limit int64, window time.Duration) (*OpResult, error) {
	sh := s.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	now := s.now()
	e := sh.logs[key]
	if e == nil || now.After(e.staleAt) {
		return nil, nil
	}
	min := now.Add(-window)
	var count int64
	var oldest time.Time
	for _, t := range e.stamps {
		if t.After(min) {
			if count == 0 {
				oldest = t
			}
			count++
		}
	}
	op := &OpResult{
		Allowed:   count < limit,
		Remaining: float64(limit - count),
		ResetAt:   now.Add(window),
	}
	if count > 0 {
		op.ResetAt = oldest.Add(window)
	}
	if op.Remaining < 0 {
		op.Remaining = 0
	}
	if !op.Allowed {
		idx := count - limit
		op.RetryAfter = e.stamps[int64(len(e.stamps))-count+idx].Add(window).Sub(now)
	}
	return op, nil
}

func (e *logEntry) trim(min time.Time) {
	i := 0
	for i < len(e.stamps) && !e.stamps[i].After(min) {
		i++
	}
	if i > 0 {
		e.stamps = append(e.stamps[:0], e.stamps[i:]...)
	}
}

func (s *MemoryStore) TakeTokens(ctx context.Context, key string, capacity, refillRate, cost float64) (*OpResult, error) {
	sh := s.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	now := s.now()
	e := sh.buckets[key]
	if e == nil || now.After(e.staleAt) {
		e = &bucketEntry{level: capacity, stamp: now}
		sh.buckets[key] = e
	}
	if elapsed := now.Sub(e.stamp).Seconds(); elapsed > 0 {
		e.level += elapsed * refillRate
		if e.level > capacity {
			e.level = capacity
		}
	}
	e.stamp = now
	e.staleAt = now.Add(bucketTTL)

	op := &OpResult{ResetAt: now.Add(secondsToDuration((capacity - e.level) / refillRate))}
	if e.level >= cost {
		e.level -= cost
		op.Allowed = true
		op.Remaining = e.level
		op.ResetAt = now.Add(secondsToDuration((capacity - e.level) / refillRate))
		return op, nil
	}
	op.Remaining = e.level
	if e.level < 1 {
		op.RetryAfter = secondsToDuration((1 - e.level) / refillRate)
	}
	return op, nil
}

func (s *MemoryStore) PeekTokens(ctx context.Context, key string, capacity, refillRate float64) (*OpResult, error) {
	sh := s.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	now := s.now()
	e := sh.buckets[key]
	if e == nil || now.After(e.staleAt) {
		return nil, nil
	}
	level := e.level + now.Sub(e.stamp).Seconds()*refillRate
	if level > capacity {
		level = capacity
	}
	op := &OpResult{
		Allowed:   level >= 1,
		Remaining: level,
		ResetAt:   now.Add(secondsToDuration((capacity - level) / refillRate)),
	}
	if !op.Allowed {
		op.RetryAfter = secondsToDuration((1 - level) / refillRate)
	}
	return op, nil
}

func (s *MemoryStore) AddVolume(ctx context.Context, key string, capacity, leakRate, drops float64) (*OpResult, error) {
	sh := s.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	now := s.now()
	e := sh.buckets[key]
	if e == nil || now.After(e.staleAt) {
		e = &bucketEntry{stamp: now}
		sh.buckets[key] = e
	}
	if elapsed := now.Sub(e.stamp).Seconds(); elapsed > 0 {
		e.level -= elapsed * leakRate
		if e.level < 0 {
			e.level = 0
		}
	}
	e.stamp = now
	e.staleAt = now.Add(bucketTTL)

	op := &OpResult{}
	if e.level+drops <= capacity {
		e.level += drops
		op.Allowed = true
	} else if e.level+1 > capacity {
		op.RetryAfter = secondsToDuration((e.level + 1 - capacity) / leakRate)
	}
	op.Remaining = capacity - e.level
	op.ResetAt = now.Add(secondsToDuration(e.level / leakRate))
	return op, nil
}

func (s *MemoryStore) PeekVolume(ctx context.Context, key string, capacity, leakRate float64) (*OpResult, error) {
	sh := s.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	now := s.now()
	e := sh.buckets[key]
	if e == nil || now.After(e.staleAt) {
		return nil, nil
	}
	level := e.level - now.Sub(e.stamp).Seconds()*leakRate
	if level < 0 {
		level = 0
	}
	op := &OpResult{
		Allowed:   level+1 <= capacity,
		Remaining: capacity - level,
		ResetAt:   now.Add(secondsToDuration(level / leakRate)),
	}
	if !op.Allowed {
		op.RetryAfter = secondsToDuration((level + 1 - capacity) / leakRate)
	}
	return op, nil
}

func (s *MemoryStore) Remove(ctx context.Context, key string) error {
	sh := s.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	delete(sh.windows, key)
	delete(sh.logs, key)
	delete(sh.buckets, key)
	return nil
}

func (s *MemoryStore) SetBlock(ctx context.Context, subject string, ttl time.Duration, reason string) error {
	key := blockKey(subject)
	sh := s.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	sh.values[key] = &valueEntry{str: reason, expiresAt: s.now().Add(ttl)}
	return nil
}

func (s *MemoryStore) GetBlock(ctx context.Context, subject string) (*Block, error) {
	key := blockKey(subject)
	sh := s.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	e := sh.values[key]
	if e == nil {
		return nil, nil
	}
	if !s.now().Before(e.expiresAt) {
		delete(sh.values, key)
		return nil, nil
	}
	return &Block{Reason: e.str, ExpiresAt: e.expiresAt}, nil
}

func (s *MemoryStore) RemoveBlock(ctx context.Context, subject string) error {
	key := blockKey(subject)
	sh := s.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	delete(sh.values, key)
	return nil
}

func (s *MemoryStore) SetTierOverride(ctx context.Context, userID, tier string) error {
	key := tierKey(userID)
	sh := s.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	sh.values[key] = &valueEntry{str: tier, expiresAt: s.now().Add(overrideTTL)}
	return nil
}

func (s *MemoryStore) TierOverride(ctx context.Context, userID string) (string, error) {
	key := tierKey(userID)
	sh := s.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	e := sh.values[key]
	if e == nil || !s.now().Before(e.expiresAt) {
		return "", nil
	}
	return e.str, nil
}

func (s *MemoryStore) SetCustomLimits(ctx context.Context, userID string, limits Tier) error {
	key := limitsKey(userID)
	sh := s.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	sh.values[key] = &valueEntry{tier: &limits, expiresAt: s.now().Add(overrideTTL)}
	return nil
}

func (s *MemoryStore) CustomLimits(ctx context.Context, userID string) (*Tier, error) {
	key := limitsKey(userID)
	sh := s.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	e := sh.values[key]
	if e == nil || !s.now().Before(e.expiresAt) {
		return nil, nil
	}
	t := *e.tier
	return &t, nil
}

func (s *MemoryStore) RecordViolation(ctx context.Context, v Violation) error {
	s.counters.mu.Lock()
	defer s.counters.mu.Unlock()
	s.counters.total++
	if v.IP != "" {
		s.counters.byIP[v.IP]++
	}
	if v.UserID != "" {
		s.counters.byUser[v.UserID]++
	}
	return nil
}

func (s *MemoryStore) Totals(ctx context.Context, topN int) (*Totals, error) {
	s.counters.mu.Lock()
	defer s.counters.mu.Unlock()
	return &Totals{
		TotalBlocked: s.counters.total,
		TopIPs:       topCounts(s.counters.byIP, topN),
		TopUsers:     topCounts(s.counters.byUser, topN),
	}, nil
}

func topCounts(m map[string]int64, n int) []SubjectCount {
	out := make([]SubjectCount, 0, len(m))
	for k, v := range m {
		out = append(out, SubjectCount{Subject: k, Count: v})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Subject < out[j].Subject
	})
	if len(out) > n {
		out = out[:n]
	}
	return out
}

func secondsToDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

func blockKey(subject string) string { return "blocked:" + subject }
func tierKey(userID string) string   { return "tier:user:" + userID }
func limitsKey(userID string) string { return "limits:user:" + userID }
