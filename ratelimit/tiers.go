package ratelimit

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/mediacore/ratelimit/internal/log"
)

// Tier is a named quota profile. A zero window limit means that window is not
// enforced for the tier. Tiers are immutable once the engine is constructed;
// per-caller overrides go through the store.
type Tier struct {
	Name      string `json:"name"`
	PerSecond int64  `json:"perSecond,omitempty"`
	PerMinute int64  `json:"perMinute,omitempty"`
	PerHour   int64  `json:"perHour,omitempty"`
	PerDay    int64  `json:"perDay,omitempty"`
	Burst     int64  `json:"burst,omitempty"`
}

// tierWindow is one enforced window of a tier, with the key suffix that keeps
// cascading windows from sharing bucket state.
type tierWindow struct {
	suffix string
	limit  Limit
}

// windows lists the tier's enforced windows, tightest first.
func (t Tier) windows() []tierWindow {
	var out []tierWindow
	if t.PerSecond > 0 {
		out = append(out, tierWindow{":1s", Limit{Points: t.PerSecond, Window: time.Second, Burst: t.Burst}})
	}
	if t.PerMinute > 0 {
		out = append(out, tierWindow{":1m", Limit{Points: t.PerMinute, Window: time.Minute, Burst: t.Burst}})
	}
	if t.PerHour > 0 {
		out = append(out, tierWindow{":1h", Limit{Points: t.PerHour, Window: time.Hour, Burst: t.Burst}})
	}
	if t.PerDay > 0 {
		out = append(out, tierWindow{":1d", Limit{Points: t.PerDay, Window: 24 * time.Hour, Burst: t.Burst}})
	}
	return out
}

// primary returns the window the engine enforces when cascading is off:
// the per-minute window when present, otherwise the tightest enforced one.
func (t Tier) primary() (tierWindow, bool) {
	ws := t.windows()
	if len(ws) == 0 {
		return tierWindow{}, false
	}
	for _, w := range ws {
		if w.limit.Window == time.Minute {
			return w, true
		}
	}
	return ws[0], true
}

const unlimitedPoints = int64(1) << 50

// BuiltinTiers returns the default tier table. Config tiers are merged on
// top of it.
func BuiltinTiers() map[string]Tier {
	return map[string]Tier{
		"anonymous": {Name: "anonymous", PerMinute: 30, PerHour: 500, PerDay: 2000, Burst: 10},
		"free":      {Name: "free", PerMinute: 60, PerHour: 1000, PerDay: 5000, Burst: 20},
		"basic":     {Name: "basic", PerMinute: 120, PerHour: 2000, PerDay: 10000, Burst: 40},
		"premium":   {Name: "premium", PerMinute: 300, PerHour: 5000, PerDay: 50000, Burst: 100},
		"unlimited": {Name: "unlimited", PerMinute: unlimitedPoints, Burst: unlimitedPoints},
	}
}

// TierResolver maps a caller to its quota tier. Resolution order: explicit
// per-user override set by an administrator, custom limits set for the user,
// the subscription tier carried in the authenticated identity, then the
// default for authenticated or anonymous callers.
type TierResolver struct {
	store Store
	tiers map[string]Tier
}

func NewTierResolver(store Store, extra map[string]Tier) *TierResolver {
	tiers := BuiltinTiers()
	for name, t := range extra {
		if t.Name == "" {
			t.Name = name
		}
		tiers[strings.ToLower(name)] = t
	}
	return &TierResolver{store: store, tiers: tiers}
}

// Known reports whether a tier name is registered.
func (r *TierResolver) Known(name string) bool {
	_, ok := r.tiers[strings.ToLower(name)]
	return ok
}

func (r *TierResolver) Resolve(ctx context.Context, req *Request) Tier {
	if req.UserID != "" {
		// A failed lookup degrades to the request-carried tier rather
		// than failing the admission; the error is surfaced so operators
		// see overrides going unapplied.
		if name, err := r.store.TierOverride(ctx, req.UserID); err != nil {
			log.Logger().Warn("tier override lookup failed",
				zap.String("user", req.UserID), zap.Error(err))
		} else if name != "" {
			return r.lookup(name)
		}
		if limits, err := r.store.CustomLimits(ctx, req.UserID); err != nil {
			log.Logger().Warn("custom limits lookup failed",
				zap.String("user", req.UserID), zap.Error(err))
		} else if limits != nil {
			if limits.Name == "" {
				limits.Name = "custom"
			}
			return *limits
		}
	}
	if req.Tier != "" {
		return r.lookup(req.Tier)
	}
	if req.UserID != "" {
		return r.lookup("free")
	}
	return r.lookup("anonymous")
}

func (r *TierResolver) lookup(name string) Tier {
	if t, ok := r.tiers[strings.ToLower(name)]; ok {
		return t
	}
	log.Logger().Warn("unknown tier, falling back to anonymous", zap.String("tier", name))
	return r.tiers["anonymous"]
}
