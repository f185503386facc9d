package ratelimit

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/mediacore/ratelimit/internal/log"
)

// Outcome classifies an admission decision. Blocked is deliberately distinct
// from Limited: a blocked caller should not simply retry later.
type Outcome int

const (
	OutcomeAllowed Outcome = iota
	OutcomeLimited
	OutcomeBlocked
)

func (o Outcome) String() string {
	switch o {
	case OutcomeAllowed:
		return "allowed"
	case OutcomeLimited:
		return "limited"
	case OutcomeBlocked:
		return "blocked"
	default:
		return "unknown"
	}
}

// Policy is an explicit per-request (usually per-route) limit that overrides
// the caller's tier.
type Policy struct {
	Points        int64
	Window        time.Duration
	BlockDuration time.Duration
}

// Request carries everything the engine needs to decide one admission.
type Request struct {
	IP        string
	UserID    string
	Tier      string // subscription tier from the authenticated identity
	Route     string
	Method    string
	UserAgent string
	Policy    *Policy
	Cost      int64 // defaults to 1
}

// Decision is the engine's answer for one request.
type Decision struct {
	Outcome    Outcome
	Limit      int64
	Remaining  int64
	RetryAfter time.Duration
	ResetAt    time.Time
	Tier       string
	Reason     string // populated for blocked outcomes
}

// Engine orchestrates admission control: it resolves the caller's tier,
// derives the rate-limit key, short-circuits explicit blocks, consumes quota
// through the configured strategy (cascading over every tier window when
// enabled), records violations, and exposes the administrative surface.
type Engine struct {
	cfg        *Config
	store      Store
	strategy   Strategy
	strategies map[StrategyKind]Strategy
	tiers      *TierResolver
	analytics  *Analytics
	metrics    *Metrics
	keyFn      KeyFunc
	now        func() time.Time

	whitelistIPs   map[string]struct{}
	whitelistUsers map[string]struct{}
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithClock injects the time source.
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) { e.now = now }
}

// WithAnalytics attaches the abuse analytics sink.
func WithAnalytics(a *Analytics) EngineOption {
	return func(e *Engine) { e.analytics = a }
}

// WithMetrics attaches prometheus counters.
func WithMetrics(m *Metrics) EngineOption {
	return func(e *Engine) { e.metrics = m }
}

// WithKeyFunc replaces the default key composition.
func WithKeyFunc(fn KeyFunc) EngineOption {
	return func(e *Engine) { e.keyFn = fn }
}

// NewEngine validates the configuration and wires the engine. Configuration
// errors are fatal: an engine is never constructed around a config it cannot
// honor.
func NewEngine(cfg *Config, store Store, opts ...EngineOption) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	e := &Engine{
		cfg:            cfg,
		store:          store,
		strategies:     make(map[StrategyKind]Strategy, 4),
		tiers:          NewTierResolver(store, cfg.tierTable()),
		now:            time.Now,
		whitelistIPs:   make(map[string]struct{}, len(cfg.Whitelist.IPs)),
		whitelistUsers: make(map[string]struct{}, len(cfg.Whitelist.Users)),
	}
	for _, kind := range []StrategyKind{FixedWindowKind, SlidingWindowKind, TokenBucketKind, LeakyBucketKind} {
		s, err := NewStrategy(kind, store)
		if err != nil {
			return nil, err
		}
		e.strategies[kind] = s
	}
	e.strategy = e.strategies[cfg.Strategy]
	for _, ip := range cfg.Whitelist.IPs {
		e.whitelistIPs[ip] = struct{}{}
	}
	for _, user := range cfg.Whitelist.Users {
		e.whitelistUsers[user] = struct{}{}
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// storeCtx bounds a store call. The parent's cancellation is detached on
// purpose: an in-flight consume must complete against the store even when the
// request that triggered it is gone, or accounting drifts.
func (e *Engine) storeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), e.cfg.StoreTimeout.Std())
}

// Check decides one admission. Quota exhaustion and active blocks are normal
// outcomes, not errors; an error return means the store was unreachable and
// the engine is configured to fail closed.
func (e *Engine) Check(ctx context.Context, req *Request) (*Decision, error) {
	cost := req.Cost
	if cost <= 0 {
		cost = 1
	}

	if e.whitelisted(req) {
		return &Decision{Outcome: OutcomeAllowed, Limit: unlimitedPoints, Remaining: unlimitedPoints}, nil
	}

	key := e.key(req)

	if dec, err := e.checkBlocks(ctx, req, key); dec != nil || err != nil {
		return dec, err
	}

	tier := e.resolveTier(ctx, req)

	var (
		result        *Result
		blockDuration = e.cfg.BlockDuration.Std()
		window        time.Duration
		err           error
	)
	switch {
	case req.Policy != nil:
		limit := Limit{Points: req.Policy.Points, Window: req.Policy.Window}
		window = limit.Window
		if req.Policy.BlockDuration > 0 {
			blockDuration = req.Policy.BlockDuration
		}
		result, err = e.consume(ctx, key, limit, cost)
	case e.cfg.CascadeLimits:
		result, window, err = e.consumeCascading(ctx, key, tier, cost)
	default:
		primary, ok := tier.primary()
		if !ok {
			// A tier with no windows limits nothing.
			return &Decision{Outcome: OutcomeAllowed, Limit: unlimitedPoints, Remaining: unlimitedPoints, Tier: tier.Name}, nil
		}
		window = primary.limit.Window
		result, err = e.consume(ctx, key+primary.suffix, primary.limit, cost)
	}
	if err != nil {
		return e.degrade(err)
	}

	dec := &Decision{
		Outcome:    OutcomeAllowed,
		Limit:      result.Limit,
		Remaining:  result.Remaining,
		RetryAfter: result.RetryAfter,
		ResetAt:    result.ResetAt,
		Tier:       tier.Name,
	}
	if !result.Allowed {
		dec.Outcome = OutcomeLimited
		if blockDuration > 0 {
			e.applyBlock(ctx, key, blockDuration)
		}
		e.recordDenial(ctx, req, tier, result, window)
	}
	e.metrics.observeDecision(dec.Outcome)
	return dec, nil
}

// checkBlocks short-circuits callers with an active block record. The address
// and the user identity are probed independently: an IP block applies to
// every request from that address, authenticated or not. The derived key
// catches engine-applied blocks after repeated denial.
func (e *Engine) checkBlocks(ctx context.Context, req *Request, key string) (*Decision, error) {
	sctx, cancel := e.storeCtx(ctx)
	defer cancel()
	probes := make([]string, 0, 3)
	if req.IP != "" {
		probes = append(probes, "ip:"+HashIP(req.IP))
	}
	if req.UserID != "" {
		probes = append(probes, "user:"+req.UserID)
	}
	probes = append(probes, key)
	for _, probe := range probes {
		block, err := e.store.GetBlock(sctx, probe)
		if err != nil {
			dec, derr := e.degrade(err)
			return dec, derr
		}
		if block != nil {
			dec := &Decision{
				Outcome:    OutcomeBlocked,
				RetryAfter: block.ExpiresAt.Sub(e.now()),
				ResetAt:    block.ExpiresAt,
				Reason:     block.Reason,
			}
			e.metrics.observeDecision(dec.Outcome)
			return dec, nil
		}
	}
	return nil, nil
}

// resolveTier runs tier resolution under the same bounded, detached context
// as every other store call.
func (e *Engine) resolveTier(ctx context.Context, req *Request) Tier {
	sctx, cancel := e.storeCtx(ctx)
	defer cancel()
	return e.tiers.Resolve(sctx, req)
}

func (e *Engine) consume(ctx context.Context, key string, l Limit, cost int64) (*Result, error) {
	sctx, cancel := e.storeCtx(ctx)
	defer cancel()
	return e.strategy.Consume(sctx, key, l, cost)
}

// consumeCascading walks every window the tier defines, tightest first, on
// window-suffixed keys. The first denial wins; when everything is admitted
// the result with the fewest remaining points is reported so headers reflect
// the caller's real headroom. Windows consumed before a later denial stay
// consumed, matching how the quota would have been spent had the request been
// admitted.
func (e *Engine) consumeCascading(ctx context.Context, key string, tier Tier, cost int64) (*Result, time.Duration, error) {
	windows := tier.windows()
	if len(windows) == 0 {
		return &Result{Allowed: true, Limit: unlimitedPoints, Remaining: unlimitedPoints}, 0, nil
	}
	var tightest *Result
	var tightestWindow time.Duration
	for _, w := range windows {
		res, err := e.consume(ctx, key+w.suffix, w.limit, cost)
		if err != nil {
			return nil, 0, err
		}
		if !res.Allowed {
			return res, w.limit.Window, nil
		}
		if tightest == nil || res.Remaining < tightest.Remaining {
			tightest = res
			tightestWindow = w.limit.Window
		}
	}
	return tightest, tightestWindow, nil
}

// applyBlock installs a key-level block so follow-up requests short-circuit
// without touching bucket state.
func (e *Engine) applyBlock(ctx context.Context, key string, d time.Duration) {
	sctx, cancel := e.storeCtx(ctx)
	defer cancel()
	if err := e.store.SetBlock(sctx, key, d, "rate limit exceeded repeatedly"); err != nil {
		e.metrics.observeStoreFailure()
		log.Logger().Error("failed to install block record", zap.String("key", key), zap.Error(err))
	}
}

// recordDenial forwards a denied decision to analytics and the durable
// counters. Both are fire-and-forget: nothing here may delay or fail the
// response.
func (e *Engine) recordDenial(ctx context.Context, req *Request, tier Tier, res *Result, window time.Duration) {
	e.metrics.observeViolation()
	v := Violation{
		Identity:  subjectFor(req),
		IP:        HashIP(req.IP),
		UserID:    req.UserID,
		Endpoint:  req.Route,
		Method:    req.Method,
		Tier:      tier.Name,
		Limit:     res.Limit,
		Window:    window,
		UserAgent: req.UserAgent,
		At:        e.now(),
	}
	if e.analytics != nil {
		e.analytics.Record(v)
	}
	go func() {
		sctx, cancel := e.storeCtx(ctx)
		defer cancel()
		if err := e.store.RecordViolation(sctx, v); err != nil {
			log.Logger().Warn("failed to persist violation counters", zap.Error(err))
		}
	}()
}

// degrade applies the fail-open/fail-closed policy to a store failure.
func (e *Engine) degrade(err error) (*Decision, error) {
	e.metrics.observeStoreFailure()
	if e.cfg.FailOpen {
		log.Logger().Error("counter store unreachable, failing open", zap.Error(err))
		return &Decision{Outcome: OutcomeAllowed, Limit: unlimitedPoints, Remaining: unlimitedPoints}, nil
	}
	log.Logger().Error("counter store unreachable, failing closed", zap.Error(err))
	return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
}

func (e *Engine) whitelisted(req *Request) bool {
	if _, ok := e.whitelistIPs[req.IP]; ok {
		return true
	}
	if req.UserID != "" {
		if _, ok := e.whitelistUsers[req.UserID]; ok {
			return true
		}
	}
	return false
}

func (e *Engine) key(req *Request) string {
	if e.keyFn != nil {
		return e.keyFn(req)
	}
	return buildKey(req)
}

// SetTier attaches a named tier to a user. The tier must be registered.
func (e *Engine) SetTier(ctx context.Context, userID, tierName string) error {
	if !e.tiers.Known(tierName) {
		return fmt.Errorf("%w: %q", ErrMalformedTier, tierName)
	}
	sctx, cancel := e.storeCtx(ctx)
	defer cancel()
	if err := e.store.SetTierOverride(sctx, userID, tierName); err != nil {
		return err
	}
	log.Logger().Info("tier override set", zap.String("user", userID), zap.String("tier", tierName))
	return nil
}

// SetCustomLimits attaches bespoke quota windows to a user.
func (e *Engine) SetCustomLimits(ctx context.Context, userID string, limits Tier) error {
	sctx, cancel := e.storeCtx(ctx)
	defer cancel()
	if err := e.store.SetCustomLimits(sctx, userID, limits); err != nil {
		return err
	}
	log.Logger().Info("custom limits set", zap.String("user", userID))
	return nil
}

// BlockIP blocks all traffic from an address for the given duration. The
// address is hashed before storage.
func (e *Engine) BlockIP(ctx context.Context, ip string, d time.Duration, reason string) error {
	hashed := HashIP(ip)
	sctx, cancel := e.storeCtx(ctx)
	defer cancel()
	if err := e.store.SetBlock(sctx, "ip:"+hashed, d, reason); err != nil {
		return err
	}
	log.Logger().Warn("ip blocked",
		zap.String("ipHash", hashed), zap.Duration("for", d), zap.String("reason", reason))
	return nil
}

// BlockUser blocks an authenticated user for the given duration.
func (e *Engine) BlockUser(ctx context.Context, userID string, d time.Duration, reason string) error {
	sctx, cancel := e.storeCtx(ctx)
	defer cancel()
	if err := e.store.SetBlock(sctx, "user:"+userID, d, reason); err != nil {
		return err
	}
	log.Logger().Warn("user blocked",
		zap.String("user", userID), zap.Duration("for", d), zap.String("reason", reason))
	return nil
}

// UnblockIP lifts an IP block.
func (e *Engine) UnblockIP(ctx context.Context, ip string) error {
	sctx, cancel := e.storeCtx(ctx)
	defer cancel()
	return e.store.RemoveBlock(sctx, "ip:"+HashIP(ip))
}

// UnblockUser lifts a user block.
func (e *Engine) UnblockUser(ctx context.Context, userID string) error {
	sctx, cancel := e.storeCtx(ctx)
	defer cancel()
	return e.store.RemoveBlock(sctx, "user:"+userID)
}

// ResetKey discards all bucket state for a key across every strategy and
// removes any key-level block.
func (e *Engine) ResetKey(ctx context.Context, key string) error {
	sctx, cancel := e.storeCtx(ctx)
	defer cancel()
	for _, s := range e.strategies {
		if err := s.Reset(sctx, key); err != nil {
			return err
		}
		for _, suffix := range []string{":1s", ":1m", ":1h", ":1d"} {
			if err := s.Reset(sctx, key+suffix); err != nil {
				return err
			}
		}
	}
	return e.store.RemoveBlock(sctx, key)
}

// Usage reports current consumption for a key under the default strategy and
// the given limit, or nil when the key has no state.
func (e *Engine) Usage(ctx context.Context, key string, l Limit) (*Result, error) {
	sctx, cancel := e.storeCtx(ctx)
	defer cancel()
	return e.strategy.Peek(sctx, key, l)
}

// Metrics reports the durable violation totals and top offenders.
func (e *Engine) Metrics(ctx context.Context) (*Totals, error) {
	sctx, cancel := e.storeCtx(ctx)
	defer cancel()
	return e.store.Totals(sctx, 10)
}

// ApplyRecommendation enforces an analytics recommendation. It is wired as
// the analytics callback only when auto-blocking is enabled; otherwise
// recommendations stay advisory.
func (e *Engine) ApplyRecommendation(rec Recommendation) {
	switch rec.Kind {
	case RecommendBlockIP:
		sctx, cancel := e.storeCtx(context.Background())
		defer cancel()
		d := e.cfg.Abuse.BlockDuration.Std()
		if d <= 0 {
			d = time.Hour
		}
		if err := e.store.SetBlock(sctx, "ip:"+rec.Subject, d, rec.Reason); err != nil {
			log.Logger().Error("failed to apply block recommendation", zap.Error(err))
		}
	default:
		log.Logger().Warn("abuse pattern needs operator attention",
			zap.String("kind", string(rec.Kind)), zap.String("subject", rec.Subject), zap.Int("count", rec.Count))
	}
}
