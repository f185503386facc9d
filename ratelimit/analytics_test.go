package ratelimit

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAnalytics(t *testing.T, cfg AbuseConfig, start time.Time, opts ...AnalyticsOption) (*Analytics, *time.Time) {
	t.Helper()
	now := start
	opts = append(opts, WithAnalyticsClock(func() time.Time { return now }))
	return NewAnalytics(cfg, opts...), &now
}

func TestAnalytics_Defaults(t *testing.T) {
	a := NewAnalytics(AbuseConfig{})
	assert.Equal(t, time.Hour, a.interval)
	assert.Equal(t, 100, a.rapidFire)
	assert.Equal(t, 50, a.distributed)
	assert.Equal(t, 10000, a.maxEvents)
}

func TestAnalytics_RapidFire(t *testing.T) {
	start := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	a, _ := newTestAnalytics(t, AbuseConfig{RapidFireThreshold: 5}, start)

	for i := 0; i < 6; i++ {
		a.Record(Violation{IP: "aaaa", Endpoint: "/api/users", Method: "GET", At: start})
	}
	a.Record(Violation{IP: "bbbb", Endpoint: "/api/users", Method: "GET", At: start})

	report := a.Aggregate()
	assert.Equal(t, 7, report.Total)
	assert.Equal(t, 2, report.UniqueIPs)
	require.Len(t, report.Recommendations, 1)

	rec := report.Recommendations[0]
	assert.Equal(t, RecommendBlockIP, rec.Kind)
	assert.Equal(t, "aaaa", rec.Subject)
	assert.Equal(t, 6, rec.Count)
}

func TestAnalytics_DistributedAttack(t *testing.T) {
	start := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	a, _ := newTestAnalytics(t, AbuseConfig{DistributedThreshold: 3}, start)

	// Four distinct sources hammering one endpoint, none individually
	// over the rapid-fire threshold.
	for i := 0; i < 4; i++ {
		a.Record(Violation{IP: fmt.Sprintf("ip%d", i), Endpoint: "/login", Method: "POST", At: start})
	}

	report := a.Aggregate()
	require.Len(t, report.Recommendations, 1)
	rec := report.Recommendations[0]
	assert.Equal(t, RecommendEndpointUnderAttack, rec.Kind)
	assert.Equal(t, "POST /login", rec.Subject)
	assert.Equal(t, 4, rec.Count)
}

func TestAnalytics_PrunesOldEvents(t *testing.T) {
	start := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	a, now := newTestAnalytics(t, AbuseConfig{Interval: Duration(time.Hour)}, start)

	a.Record(Violation{IP: "old", At: start.Add(-2 * time.Hour)})
	a.Record(Violation{IP: "recent", At: start.Add(-time.Minute)})

	report := a.Aggregate()
	assert.Equal(t, 1, report.Total)
	assert.Equal(t, 1, report.UniqueIPs)

	// Once the remaining event ages past the interval, the next pass is
	// empty.
	*now = start.Add(2 * time.Hour)
	report = a.Aggregate()
	assert.Equal(t, 0, report.Total)
}

func TestAnalytics_BufferCap(t *testing.T) {
	start := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	a, _ := newTestAnalytics(t, AbuseConfig{MaxEvents: 5}, start)

	for i := 0; i < 8; i++ {
		a.Record(Violation{IP: fmt.Sprintf("ip%d", i), At: start})
	}

	events := a.RecentEvents(time.Hour)
	require.Len(t, events, 5)
	// Oldest events are discarded first.
	assert.Equal(t, "ip3", events[0].IP)
	assert.Equal(t, "ip7", events[4].IP)
}

func TestAnalytics_ReportBreakdowns(t *testing.T) {
	start := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	a, _ := newTestAnalytics(t, AbuseConfig{}, start)

	a.Record(Violation{IP: "a", UserID: "1", Tier: "free", Endpoint: "/x", Method: "GET", UserAgent: "curl/8.0", At: start})
	a.Record(Violation{IP: "a", Tier: "anonymous", Endpoint: "/x", Method: "GET", UserAgent: "Googlebot/2.1", At: start})
	a.Record(Violation{IP: "b", Tier: "anonymous", Endpoint: "/y", Method: "POST", UserAgent: "Mozilla/5.0", At: start})

	report := a.Aggregate()
	assert.Equal(t, 3, report.Total)
	assert.Equal(t, 2, report.UniqueIPs)
	assert.Equal(t, 1, report.UniqueUsers)
	assert.Equal(t, 2, report.ByEndpoint["GET /x"])
	assert.Equal(t, 1, report.ByEndpoint["POST /y"])
	assert.Equal(t, 2, report.ByTier["anonymous"])
	assert.Equal(t, 1, report.ByUserAgent["api_tool"])
	assert.Equal(t, 1, report.ByUserAgent["bot"])
	assert.Equal(t, 1, report.ByUserAgent["browser"])
}

func TestAnalytics_RecommendationHandler(t *testing.T) {
	start := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	var got []Recommendation
	a, _ := newTestAnalytics(t, AbuseConfig{RapidFireThreshold: 2}, start,
		WithRecommendationHandler(func(rec Recommendation) { got = append(got, rec) }))

	for i := 0; i < 3; i++ {
		a.Record(Violation{IP: "aaaa", At: start})
	}
	a.Aggregate()

	require.Len(t, got, 1)
	assert.Equal(t, RecommendBlockIP, got[0].Kind)
	assert.Equal(t, "aaaa", got[0].Subject)
}

func TestAnalytics_RecordNeverBlocks(t *testing.T) {
	a := NewAnalytics(AbuseConfig{})
	// Nothing drains the channel here; once it fills, further records are
	// dropped instead of blocking the caller.
	for i := 0; i < 5000; i++ {
		a.Record(Violation{IP: "x", At: time.Now()})
	}
}

func TestCategorizeUserAgent(t *testing.T) {
	tests := []struct {
		ua   string
		want string
	}{
		{"Googlebot/2.1 (+http://www.google.com/bot.html)", "bot"},
		{"python-scraper/1.0", "bot"},
		{"Mozilla/5.0 (iPhone) Mobile Safari", "mobile"},
		{"Mozilla/5.0 (X11; Linux x86_64) Firefox/115.0", "browser"},
		{"curl/8.0.1", "api_tool"},
		{"python-requests/2.31", "api_tool"},
		{"PostmanRuntime/7.32", "api_tool"},
		{"", "other"},
		{"weird-client", "other"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, CategorizeUserAgent(tt.ua), tt.ua)
	}
}

func TestIsBot(t *testing.T) {
	assert.True(t, IsBot("Googlebot/2.1"))
	assert.True(t, IsBot("curl/8.0.1"))
	assert.False(t, IsBot("Mozilla/5.0 Firefox/115.0"))
	assert.False(t, IsBot(""))
}
