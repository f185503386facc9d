// Package gate wraps an http.Handler with admission control: every request is
// checked against the rate-limiting engine before it reaches the wrapped
// handler, and the decision's metadata is attached to the response whether or
// not the request goes through.
package gate

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/mediacore/ratelimit/internal/log"
	"github.com/mediacore/ratelimit/ratelimit"
)

const (
	headerLimit      = "X-RateLimit-Limit"
	headerRemaining  = "X-RateLimit-Remaining"
	headerReset      = "X-RateLimit-Reset"
	headerRetryAfter = "Retry-After"
)

// IdentityFunc resolves the authenticated caller from a request. Return empty
// strings for anonymous traffic.
type IdentityFunc func(r *http.Request) (userID, tier string)

// Config wires the gate.
type Config struct {
	Engine *ratelimit.Engine
	// TrustProxy honors X-Forwarded-For / X-Real-IP when resolving the
	// client address. Only enable it behind a proxy you control.
	TrustProxy bool
	Identity   IdentityFunc
	// SkipPaths are served without admission control, in addition to the
	// built-in /health and /metrics exemptions.
	SkipPaths []string
	// Policies maps "METHOD /path" to an explicit limit that overrides the
	// caller's tier for that route. The table is fixed at registration
	// time.
	Policies map[string]*ratelimit.Policy
}

type handler struct {
	next http.Handler
	cfg  *Config
	skip map[string]struct{}
}

// NewHandler wraps next with admission control. If the engine denies a
// request the wrapped handler is never invoked.
func NewHandler(next http.Handler, cfg *Config) http.Handler {
	skip := map[string]struct{}{
		"/health":  {},
		"/metrics": {},
	}
	for _, p := range cfg.SkipPaths {
		skip[p] = struct{}{}
	}
	return &handler{next: next, cfg: cfg, skip: skip}
}

func (h *handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.skip[r.URL.Path]; ok {
		h.next.ServeHTTP(w, r)
		return
	}

	req := &ratelimit.Request{
		IP:        ClientIP(r, h.cfg.TrustProxy),
		Route:     r.URL.Path,
		Method:    r.Method,
		UserAgent: r.UserAgent(),
		Policy:    h.cfg.Policies[r.Method+" "+r.URL.Path],
	}
	if h.cfg.Identity != nil {
		req.UserID, req.Tier = h.cfg.Identity(r)
	}

	dec, err := h.cfg.Engine.Check(r.Context(), req)
	if err != nil {
		// Fail-closed store degradation: deny without quota metadata.
		log.Logger().Error("admission check failed", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"error":   "Service Unavailable",
			"message": "admission control is temporarily unavailable",
		})
		return
	}

	w.Header().Set(headerLimit, strconv.FormatInt(dec.Limit, 10))
	w.Header().Set(headerRemaining, strconv.FormatInt(dec.Remaining, 10))
	w.Header().Set(headerReset, strconv.FormatInt(dec.ResetAt.Unix(), 10))

	switch dec.Outcome {
	case ratelimit.OutcomeBlocked:
		writeJSON(w, http.StatusForbidden, map[string]interface{}{
			"error":   "Forbidden",
			"message": "your access has been temporarily suspended due to excessive requests",
		})
	case ratelimit.OutcomeLimited:
		retry := int64(dec.RetryAfter.Seconds() + 0.999)
		if retry < 1 {
			retry = 1
		}
		w.Header().Set(headerRetryAfter, strconv.FormatInt(retry, 10))
		writeJSON(w, http.StatusTooManyRequests, map[string]interface{}{
			"error":      "Too Many Requests",
			"message":    fmt.Sprintf("rate limit exceeded, try again in %d seconds", retry),
			"retryAfter": retry,
		})
	default:
		h.next.ServeHTTP(w, r)
	}
}

func writeJSON(w http.ResponseWriter, status int, body map[string]interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Logger().Error("failed to write response body", zap.Error(err))
	}
}

// ClientIP resolves the requester's address. With trustProxy set it honors
// the first X-Forwarded-For hop, then X-Real-IP, before falling back to the
// connection's remote address.
func ClientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
			if i := strings.IndexByte(fwd, ','); i >= 0 {
				fwd = fwd[:i]
			}
			return strings.TrimSpace(fwd)
		}
		if real := r.Header.Get("X-Real-IP"); real != "" {
			return strings.TrimSpace(real)
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
