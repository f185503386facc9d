package gate

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mediacore/ratelimit/ratelimit"
)

func newTestEngine(t *testing.T) *ratelimit.Engine {
	t.Helper()
	store := ratelimit.NewMemoryStore()
	t.Cleanup(store.Close)
	engine, err := ratelimit.NewEngine(ratelimit.DefaultConfig(), store)
	require.NoError(t, err)
	return engine
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})
}

func TestHandler_Allowed(t *testing.T) {
	handler := NewHandler(okHandler(), &Config{Engine: newTestEngine(t)})

	req := httptest.NewRequest(http.MethodGet, "/api/feed", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
	assert.Equal(t, "30", rec.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "29", rec.Header().Get("X-RateLimit-Remaining"))
	assert.NotEmpty(t, rec.Header().Get("X-RateLimit-Reset"))
	assert.Empty(t, rec.Header().Get("Retry-After"))
}

func TestHandler_Limited(t *testing.T) {
	handler := NewHandler(okHandler(), &Config{
		Engine: newTestEngine(t),
		Policies: map[string]*ratelimit.Policy{
			"GET /api/exports": {Points: 1, Window: time.Minute},
		},
	})

	req := httptest.NewRequest(http.MethodGet, "/api/exports", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "Too Many Requests", body["error"])
	assert.Equal(t, float64(60), body["retryAfter"])
}

func TestHandler_Blocked(t *testing.T) {
	engine := newTestEngine(t)
	require.NoError(t, engine.BlockIP(context.Background(), "192.0.2.1", time.Hour, "abuse"))
	handler := NewHandler(okHandler(), &Config{Engine: engine})

	req := httptest.NewRequest(http.MethodGet, "/api/feed", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusForbidden, rec.Code)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "Forbidden", body["error"])
}

func TestHandler_SkipPaths(t *testing.T) {
	handler := NewHandler(okHandler(), &Config{
		Engine:    newTestEngine(t),
		SkipPaths: []string{"/internal/debug"},
	})

	// Built-in and configured exemptions bypass admission entirely.
	for _, path := range []string{"/health", "/metrics", "/internal/debug"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code, path)
		assert.Empty(t, rec.Header().Get("X-RateLimit-Limit"), path)
	}
}

func TestHandler_Identity(t *testing.T) {
	handler := NewHandler(okHandler(), &Config{
		Engine: newTestEngine(t),
		Identity: func(r *http.Request) (string, string) {
			return r.Header.Get("X-User"), "premium"
		},
	})

	req := httptest.NewRequest(http.MethodGet, "/api/feed", nil)
	req.Header.Set("X-User", "42")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "300", rec.Header().Get("X-RateLimit-Limit"))
}

func TestHandler_StoreDown(t *testing.T) {
	engine, err := ratelimit.NewEngine(ratelimit.DefaultConfig(), downStore{})
	require.NoError(t, err)
	handler := NewHandler(okHandler(), &Config{Engine: engine})

	req := httptest.NewRequest(http.MethodGet, "/api/feed", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	// Fail-closed degradation surfaces as service unavailability, not as a
	// limit decision.
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Empty(t, rec.Header().Get("X-RateLimit-Limit"))
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name       string
		remoteAddr string
		headers    map[string]string
		trustProxy bool
		want       string
	}{
		{
			name:       "remote address",
			remoteAddr: "192.0.2.1:51234",
			want:       "192.0.2.1",
		},
		{
			name:       "remote address without port",
			remoteAddr: "192.0.2.1",
			want:       "192.0.2.1",
		},
		{
			name:       "forwarded header ignored without trust",
			remoteAddr: "192.0.2.1:51234",
			headers:    map[string]string{"X-Forwarded-For": "203.0.113.7"},
			want:       "192.0.2.1",
		},
		{
			name:       "first forwarded hop wins",
			remoteAddr: "192.0.2.1:51234",
			headers:    map[string]string{"X-Forwarded-For": "203.0.113.7, 10.0.0.1"},
			trustProxy: true,
			want:       "203.0.113.7",
		},
		{
			name:       "real ip fallback",
			remoteAddr: "192.0.2.1:51234",
			headers:    map[string]string{"X-Real-IP": "203.0.113.9"},
			trustProxy: true,
			want:       "203.0.113.9",
		},
		{
			name:       "ipv6 remote address",
			remoteAddr: "[2001:db8::1]:51234",
			want:       "2001:db8::1",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remoteAddr
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			assert.Equal(t, tt.want, ClientIP(req, tt.trustProxy))
		})
	}
}

var errDown = errors.New("store down")

type downStore struct{}

func (downStore) IncrWindow(context.Context, string, int64, int64, time.Duration) (*ratelimit.OpResult, error) {
	return nil, errDown
}
func (downStore) SlideWindow(context.Context, string, int64, int64, time.Duration) (*ratelimit.OpResult, error) {
	return nil, errDown
}
func (downStore) TakeTokens(context.Context, string, float64, float64, float64) (*ratelimit.OpResult, error) {
	return nil, errDown
}
func (downStore) AddVolume(context.Context, string, float64, float64, float64) (*ratelimit.OpResult, error) {
	return nil, errDown
}
func (downStore) PeekWindow(context.Context, string, int64, time.Duration) (*ratelimit.OpResult, error) {
	return nil, errDown
}
func (downStore) PeekSlide(context.Context, string, int64, time.Duration) (*ratelimit.OpResult, error) {
	return nil, errDown
}
func (downStore) PeekTokens(context.Context, string, float64, float64) (*ratelimit.OpResult, error) {
	return nil, errDown
}
func (downStore) PeekVolume(context.Context, string, float64, float64) (*ratelimit.OpResult, error) {
	return nil, errDown
}
func (downStore) Remove(context.Context, string) error { return errDown }
func (downStore) SetBlock(context.Context, string, time.Duration, string) error {
	return errDown
}
func (downStore) GetBlock(context.Context, string) (*ratelimit.Block, error) {
	return nil, errDown
}
func (downStore) RemoveBlock(context.Context, string) error { return errDown }
func (downStore) SetTierOverride(context.Context, string, string) error {
	return errDown
}
func (downStore) TierOverride(context.Context, string) (string, error) { return "", errDown }
func (downStore) SetCustomLimits(context.Context, string, ratelimit.Tier) error {
	return errDown
}
func (downStore) CustomLimits(context.Context, string) (*ratelimit.Tier, error) {
	return nil, errDown
}
func (downStore) RecordViolation(context.Context, ratelimit.Violation) error { return errDown }
func (downStore) Totals(context.Context, int) (*ratelimit.Totals, error) {
	return nil, errDown
}
