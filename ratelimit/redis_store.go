package ratelimit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisStore is the network-shared counter store. Every consume operation is a
// single server-executed Lua script, so the read-compute-write cycle is
// indivisible across independent processes: there is no client-side
// read-then-write anywhere on the quota path.
type RedisStore struct {
	client *redis.Client
	now    func() time.Time

	incrWindow  *redis.Script
	slideWindow *redis.Script
	takeTokens  *redis.Script
	addVolume   *redis.Script
}

// RedisOption configures a RedisStore.
type RedisOption func(*RedisStore)

// WithRedisClock injects the time source. The store passes its notion of time
// to the scripts, which keeps miniredis-backed tests deterministic.
func WithRedisClock(now func() time.Time) RedisOption {
	return func(s *RedisStore) { s.now = now }
}

// NewRedisStore wraps a go-redis client. The scripts are registered lazily:
// go-redis issues EVALSHA and falls back to EVAL when the script cache is
// cold.
func NewRedisStore(client *redis.Client, opts ...RedisOption) *RedisStore {
	s := &RedisStore{
		client:      client,
		now:         time.Now,
		incrWindow:  redis.NewScript(incrWindowScript),
		slideWindow: redis.NewScript(slideWindowScript),
		takeTokens:  redis.NewScript(takeTokensScript),
		addVolume:   redis.NewScript(addVolumeScript),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// incrWindowScript increments the fixed-window counter, attaching the window
// TTL on first use. Returns {allowed, remaining, retry_ms, reset_ms}.
const incrWindowScript = `
local count = redis.call('INCRBY', KEYS[1], ARGV[2])
local ttl = redis.call('PTTL', KEYS[1])
if ttl < 0 then
  redis.call('PEXPIRE', KEYS[1], ARGV[3])
  ttl = tonumber(ARGV[3])
end
local limit = tonumber(ARGV[1])
if count <= limit then
  return {1, limit - count, 0, ttl}
end
return {0, 0, ttl, ttl}
`

// slideWindowScript keeps one sorted-set member per admitted event, scored by
// its millisecond timestamp, and prunes members older than the window before
// deciding. Returns {allowed, remaining, retry_ms, reset_ms}.
const slideWindowScript = `
local limit = tonumber(ARGV[1])
local cost = tonumber(ARGV[2])
local window = tonumber(ARGV[3])
local now = tonumber(ARGV[4])

redis.call('ZREMRANGEBYSCORE', KEYS[1], 0, now - window)
local count = redis.call('ZCARD', KEYS[1])

if count + cost > limit then
  local retry = 0
  if count >= limit then
    local idx = count - limit
    local oldest = redis.call('ZRANGE', KEYS[1], idx, idx, 'WITHSCORES')
    if oldest[2] then
      retry = tonumber(oldest[2]) + window - now
    end
  end
  local reset = window
  local first = redis.call('ZRANGE', KEYS[1], 0, 0, 'WITHSCORES')
  if first[2] then
    reset = tonumber(first[2]) + window - now
  end
  local remaining = limit - count
  if remaining < 0 then
    remaining = 0
  end
  return {0, remaining, retry, reset}
end

for i = 5, 4 + cost do
  redis.call('ZADD', KEYS[1], now, ARGV[i])
end
redis.call('PEXPIRE', KEYS[1], window)
count = count + cost
local reset = window
local first = redis.call('ZRANGE', KEYS[1], 0, 0, 'WITHSCORES')
if first[2] then
  reset = tonumber(first[2]) + window - now
end
return {1, limit - count, 0, reset}
`

// takeTokensScript refills by elapsed time, then takes the requested tokens if
// the balance covers them. Time is in microseconds for sub-second refill
// resolution. Returns {allowed, remaining, retry_us, reset_us}.
const takeTokensScript = `
local capacity = tonumber(ARGV[1])
local rate = tonumber(ARGV[2])
local cost = tonumber(ARGV[3])
local now = tonumber(ARGV[4])
local ttl = tonumber(ARGV[5])

local state = redis.call('HMGET', KEYS[1], 'tokens', 'last_refill')
local tokens = tonumber(state[1])
local last = tonumber(state[2])
if tokens == nil then
  tokens = capacity
  last = now
end

local elapsed = (now - last) / 1000000
if elapsed > 0 then
  tokens = math.min(capacity, tokens + elapsed * rate)
end

local allowed = 0
local retry = 0
if tokens >= cost then
  tokens = tokens - cost
  allowed = 1
elseif tokens < 1 then
  retry = math.ceil((1 - tokens) / rate * 1000000)
end

redis.call('HSET', KEYS[1], 'tokens', tokens, 'last_refill', now)
redis.call('PEXPIRE', KEYS[1], ttl)

local reset = math.ceil((capacity - tokens) / rate * 1000000)
return {allowed, math.floor(tokens), retry, reset}
`

// addVolumeScript drains by elapsed time, then adds the requested drops unless
// the bucket would overflow. Returns {allowed, remaining, retry_us, reset_us}.
const addVolumeScript = `
local capacity = tonumber(ARGV[1])
local rate = tonumber(ARGV[2])
local drops = tonumber(ARGV[3])
local now = tonumber(ARGV[4])
local ttl = tonumber(ARGV[5])

local state = redis.call('HMGET', KEYS[1], 'volume', 'last_leak')
local volume = tonumber(state[1])
local last = tonumber(state[2])
if volume == nil then
  volume = 0
  last = now
end

local elapsed = (now - last) / 1000000
if elapsed > 0 then
  volume = math.max(0, volume - elapsed * rate)
end

local allowed = 0
local retry = 0
if volume + drops <= capacity then
  volume = volume + drops
  allowed = 1
elseif volume + 1 > capacity then
  retry = math.ceil((volume + 1 - capacity) / rate * 1000000)
end

redis.call('HSET', KEYS[1], 'volume', volume, 'last_leak', now)
redis.call('PEXPIRE', KEYS[1], ttl)

local reset = math.ceil(volume / rate * 1000000)
return {allowed, math.floor(capacity - volume), retry, reset}
`

func (s *RedisStore) IncrWindow(ctx context.Context, key string, limit, cost int64, window time.Duration) (*OpResult, error) {
	raw, err := s.incrWindow.Run(ctx, s.client, []string{key},
		limit, cost, window.Milliseconds()).Result()
	if err != nil {
		return nil, fmt.Errorf("incr window %q: %w", key, err)
	}
	return s.opFromReply(raw, time.Millisecond)
}

func (s *RedisStore) SlideWindow(ctx context.Context, key string, limit, cost int64, window time.Duration) (*OpResult, error) {
	args := make([]interface{}, 0, 4+cost)
	args = append(args, limit, cost, window.Milliseconds(), s.now().UnixMilli())
	for i := int64(0); i < cost; i++ {
		args = append(args, uuid.NewString())
	}
	raw, err := s.slideWindow.Run(ctx, s.client, []string{key}, args...).Result()
	if err != nil {
		return nil, fmt.Errorf("slide window %q: %w", key, err)
	}
	return s.opFromReply(raw, time.Millisecond)
}

func (s *RedisStore) TakeTokens(ctx context.Context, key string, capacity, refillRate, cost float64) (*OpResult, error) {
	raw, err := s.takeTokens.Run(ctx, s.client, []string{key},
		formatFloat(capacity), formatFloat(refillRate), formatFloat(cost),
		s.now().UnixMicro(), bucketTTL.Milliseconds()).Result()
	if err != nil {
		return nil, fmt.Errorf("take tokens %q: %w", key, err)
	}
	return s.opFromReply(raw, time.Microsecond)
}

func (s *RedisStore) AddVolume(ctx context.Context, key string, capacity, leakRate, drops float64) (*OpResult, error) {
	raw, err := s.addVolume.Run(ctx, s.client, []string{key},
		formatFloat(capacity), formatFloat(leakRate), formatFloat(drops),
		s.now().UnixMicro(), bucketTTL.Milliseconds()).Result()
	if err != nil {
		return nil, fmt.Errorf("add volume %q: %w", key, err)
	}
	return s.opFromReply(raw, time.Microsecond)
}

// opFromReply decodes the {allowed, remaining, retry, reset} reply shared by
// all four scripts. The unit argument scales the two relative times.
func (s *RedisStore) opFromReply(raw interface{}, unit time.Duration) (*OpResult, error) {
	values, ok := raw.([]interface{})
	if !ok || len(values) != 4 {
		return nil, fmt.Errorf("unexpected script reply %v", raw)
	}
	allowed, _ := values[0].(int64)
	remaining := replyFloat(values[1])
	retry := replyFloat(values[2])
	reset := replyFloat(values[3])
	return &OpResult{
		Allowed:    allowed == 1,
		Remaining:  remaining,
		RetryAfter: time.Duration(retry) * unit,
		ResetAt:    s.now().Add(time.Duration(reset) * unit),
	}, nil
}

func replyFloat(v interface{}) float64 {
	switch x := v.(type) {
	case int64:
		return float64(x)
	case string:
		f, _ := strconv.ParseFloat(x, 64)
		return f
	case float64:
		return x
	default:
		return 0
	}
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

func (s *RedisStore) PeekWindow(ctx context.Context, key string, limit int64, window time.Duration) (*OpResult, error) {
	pipe := s.client.Pipeline()
	getCmd := pipe.Get(ctx, key)
	ttlCmd := pipe.PTTL(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("peek window %q: %w", key, err)
	}
	count, err := getCmd.Int64()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("peek window %q: %w", key, err)
	}
	ttl := ttlCmd.Val()
	if ttl < 0 {
		ttl = window
	}
	op := &OpResult{
		Allowed:   count < limit,
		Remaining: float64(limit - count),
		ResetAt:   s.now().Add(ttl),
	}
	if op.Remaining < 0 {
		op.Remaining = 0
	}
	if !op.Allowed {
		op.RetryAfter = ttl
	}
	return op, nil
}

func (s *RedisStore) PeekSlide(ctx context.Context, key string, limit int64, window time.Duration) (*OpResult, error) {
	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("peek slide %q: %w", key, err)
	}
	if exists == 0 {
		return nil, nil
	}
	now := s.now()
	min := strconv.FormatInt(now.Add(-window).UnixMilli(), 10)
	count, err := s.client.ZCount(ctx, key, min, "+inf").Result()
	if err != nil {
		return nil, fmt.Errorf("peek slide %q: %w", key, err)
	}
	op := &OpResult{
		Allowed:   count < limit,
		Remaining: float64(limit - count),
		ResetAt:   now.Add(window),
	}
	if op.Remaining < 0 {
		op.Remaining = 0
	}
	first, err := s.client.ZRangeByScoreWithScores(ctx, key, &redis.ZRangeBy{
		Min: min, Max: "+inf", Count: 1,
	}).Result()
	if err == nil && len(first) > 0 {
		op.ResetAt = time.UnixMilli(int64(first[0].Score)).Add(window)
		if !op.Allowed {
			op.RetryAfter = op.ResetAt.Sub(now)
		}
	}
	return op, nil
}

func (s *RedisStore) PeekTokens(ctx context.Context, key string, capacity, refillRate float64) (*OpResult, error) {
	state, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("peek tokens %q: %w", key, err)
	}
	if len(state) == 0 {
		return nil, nil
	}
	tokens, _ := strconv.ParseFloat(state["tokens"], 64)
	lastMicro, _ := strconv.ParseInt(state["last_refill"], 10, 64)
	now := s.now()
	if elapsed := now.Sub(time.UnixMicro(lastMicro)).Seconds(); elapsed > 0 {
		tokens += elapsed * refillRate
		if tokens > capacity {
			tokens = capacity
		}
	}
	op := &OpResult{
		Allowed:   tokens >= 1,
		Remaining: tokens,
		ResetAt:   now.Add(secondsToDuration((capacity - tokens) / refillRate)),
	}
	if !op.Allowed {
		op.RetryAfter = secondsToDuration((1 - tokens) / refillRate)
	}
	return op, nil
}

func (s *RedisStore) PeekVolume(ctx context.Context, key string, capacity, leakRate float64) (*OpResult, error) {
	state, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("peek volume %q: %w", key, err)
	}
	if len(state) == 0 {
		return nil, nil
	}
	volume, _ := strconv.ParseFloat(state["volume"], 64)
	lastMicro, _ := strconv.ParseInt(state["last_leak"], 10, 64)
	now := s.now()
	if elapsed := now.Sub(time.UnixMicro(lastMicro)).Seconds(); elapsed > 0 {
		volume -= elapsed * leakRate
		if volume < 0 {
			volume = 0
		}
	}
	op := &OpResult{
		Allowed:   volume+1 <= capacity,
		Remaining: capacity - volume,
		ResetAt:   now.Add(secondsToDuration(volume / leakRate)),
	}
	if !op.Allowed {
		op.RetryAfter = secondsToDuration((volume + 1 - capacity) / leakRate)
	}
	return op, nil
}

func (s *RedisStore) Remove(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("remove %q: %w", key, err)
	}
	return nil
}

func (s *RedisStore) SetBlock(ctx context.Context, subject string, ttl time.Duration, reason string) error {
	if err := s.client.Set(ctx, blockKey(subject), reason, ttl).Err(); err != nil {
		return fmt.Errorf("set block %q: %w", subject, err)
	}
	return nil
}

func (s *RedisStore) GetBlock(ctx context.Context, subject string) (*Block, error) {
	pipe := s.client.Pipeline()
	getCmd := pipe.Get(ctx, blockKey(subject))
	ttlCmd := pipe.TTL(ctx, blockKey(subject))
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("get block %q: %w", subject, err)
	}
	reason, err := getCmd.Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("get block %q: %w", subject, err)
	}
	return &Block{Reason: reason, ExpiresAt: s.now().Add(ttlCmd.Val())}, nil
}

func (s *RedisStore) RemoveBlock(ctx context.Context, subject string) error {
	if err := s.client.Del(ctx, blockKey(subject)).Err(); err != nil {
		return fmt.Errorf("remove block %q: %w", subject, err)
	}
	return nil
}

func (s *RedisStore) SetTierOverride(ctx context.Context, userID, tier string) error {
	if err := s.client.Set(ctx, tierKey(userID), tier, overrideTTL).Err(); err != nil {
		return fmt.Errorf("set tier override %q: %w", userID, err)
	}
	return nil
}

func (s *RedisStore) TierOverride(ctx context.Context, userID string) (string, error) {
	tier, err := s.client.Get(ctx, tierKey(userID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	} else if err != nil {
		return "", fmt.Errorf("tier override %q: %w", userID, err)
	}
	return tier, nil
}

func (s *RedisStore) SetCustomLimits(ctx context.Context, userID string, limits Tier) error {
	data, err := json.Marshal(limits)
	if err != nil {
		return fmt.Errorf("encode custom limits %q: %w", userID, err)
	}
	if err := s.client.Set(ctx, limitsKey(userID), data, overrideTTL).Err(); err != nil {
		return fmt.Errorf("set custom limits %q: %w", userID, err)
	}
	return nil
}

func (s *RedisStore) CustomLimits(ctx context.Context, userID string) (*Tier, error) {
	data, err := s.client.Get(ctx, limitsKey(userID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("custom limits %q: %w", userID, err)
	}
	var t Tier
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("decode custom limits %q: %w", userID, err)
	}
	return &t, nil
}

const (
	violationTotalsKey = "rl:metrics:violations"
	violationIPKey     = "rl:metrics:violations:ip"
	violationUserKey   = "rl:metrics:violations:user"
)

func (s *RedisStore) RecordViolation(ctx context.Context, v Violation) error {
	pipe := s.client.Pipeline()
	pipe.HIncrBy(ctx, violationTotalsKey, "total", 1)
	if v.IP != "" {
		pipe.HIncrBy(ctx, violationIPKey, v.IP, 1)
	}
	if v.UserID != "" {
		pipe.HIncrBy(ctx, violationUserKey, v.UserID, 1)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("record violation: %w", err)
	}
	return nil
}

func (s *RedisStore) Totals(ctx context.Context, topN int) (*Totals, error) {
	pipe := s.client.Pipeline()
	totalCmd := pipe.HGet(ctx, violationTotalsKey, "total")
	ipsCmd := pipe.HGetAll(ctx, violationIPKey)
	usersCmd := pipe.HGetAll(ctx, violationUserKey)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("violation totals: %w", err)
	}
	total, _ := totalCmd.Int64()
	return &Totals{
		TotalBlocked: total,
		TopIPs:       topCounts(parseCounts(ipsCmd.Val()), topN),
		TopUsers:     topCounts(parseCounts(usersCmd.Val()), topN),
	}, nil
}

func parseCounts(raw map[string]string) map[string]int64 {
	out := make(map[string]int64, len(raw))
	for k, v := range raw {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			continue
		}
		out[k] = n
	}
	return out
}
