package ratelimit

import (
	"context"
	"regexp"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mediacore/ratelimit/internal/log"
)

// Recommendation asks an operator (or, when auto-blocking is enabled, the
// engine) to act on an abuse pattern. Analytics never enforces anything
// itself.
type Recommendation struct {
	Kind    RecommendationKind
	Subject string // hashed IP or normalized endpoint
	Count   int
	Reason  string
}

type RecommendationKind string

const (
	// RecommendBlockIP flags a single source exceeding the rapid-fire
	// threshold.
	RecommendBlockIP RecommendationKind = "block_ip"
	// RecommendEndpointUnderAttack flags an endpoint denied to an unusually
	// wide set of distinct sources.
	RecommendEndpointUnderAttack RecommendationKind = "endpoint_under_attack"
)

// Report is the outcome of one aggregation pass.
type Report struct {
	Window          time.Duration
	Total           int
	UniqueIPs       int
	UniqueUsers     int
	ByEndpoint      map[string]int
	ByTier          map[string]int
	ByUserAgent     map[string]int
	Recommendations []Recommendation
}

// Analytics keeps a bounded, time-ordered buffer of violation events and
// periodically aggregates it for abuse patterns. Recording is decoupled from
// the admission path through a buffered channel: when the buffer is full the
// event is dropped rather than delaying a response.
type Analytics struct {
	events    chan Violation
	mu        sync.Mutex
	buffer    []Violation
	maxEvents int

	interval    time.Duration
	rapidFire   int
	distributed int

	now         func() time.Time
	onRecommend func(Recommendation)
}

// AnalyticsOption configures Analytics.
type AnalyticsOption func(*Analytics)

// WithAnalyticsClock injects the time source.
func WithAnalyticsClock(now func() time.Time) AnalyticsOption {
	return func(a *Analytics) { a.now = now }
}

// WithRecommendationHandler registers the callback invoked for every
// recommendation an aggregation pass produces.
func WithRecommendationHandler(fn func(Recommendation)) AnalyticsOption {
	return func(a *Analytics) { a.onRecommend = fn }
}

// OnRecommendation sets the recommendation callback after construction. It
// resolves the circular wiring between engine and analytics and must be
// called before Run.
func (a *Analytics) OnRecommendation(fn func(Recommendation)) {
	a.onRecommend = fn
}

func NewAnalytics(cfg AbuseConfig, opts ...AnalyticsOption) *Analytics {
	a := &Analytics{
		events:      make(chan Violation, 1024),
		maxEvents:   cfg.MaxEvents,
		interval:    cfg.Interval.Std(),
		rapidFire:   cfg.RapidFireThreshold,
		distributed: cfg.DistributedThreshold,
		now:         time.Now,
	}
	if a.maxEvents <= 0 {
		a.maxEvents = 10000
	}
	if a.interval <= 0 {
		a.interval = time.Hour
	}
	if a.rapidFire <= 0 {
		a.rapidFire = 100
	}
	if a.distributed <= 0 {
		a.distributed = 50
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Record hands a violation to the analytics loop without blocking. It is safe
// to call from any goroutine.
func (a *Analytics) Record(v Violation) {
	select {
	case a.events <- v:
	default:
		// Analytics is best effort; losing an event beats delaying a
		// response.
	}
}

// Run owns the event buffer: it drains the channel and aggregates once per
// interval until the context is cancelled. Aggregation failures are contained
// here and never reach the admission path.
func (a *Analytics) Run(ctx context.Context) {
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case v := <-a.events:
			a.append(v)
		case <-ticker.C:
			report := a.Aggregate()
			log.Logger().Info("abuse analytics report",
				zap.Int("violations", report.Total),
				zap.Int("uniqueIps", report.UniqueIPs),
				zap.Int("recommendations", len(report.Recommendations)))
		}
	}
}

func (a *Analytics) append(v Violation) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.buffer = append(a.buffer, v)
	if len(a.buffer) > a.maxEvents {
		a.buffer = a.buffer[len(a.buffer)-a.maxEvents:]
	}
}

// drain pulls everything currently queued into the buffer. Aggregate calls it
// so events recorded just before a pass are included.
func (a *Analytics) drain() {
	for {
		select {
		case v := <-a.events:
			a.append(v)
		default:
			return
		}
	}
}

// Aggregate analyzes events inside the current interval and prunes older
// ones. It is called from the Run loop; tests may call it directly.
func (a *Analytics) Aggregate() *Report {
	a.drain()
	cutoff := a.now().Add(-a.interval)

	a.mu.Lock()
	recent := a.buffer[:0:0]
	for _, v := range a.buffer {
		if v.At.After(cutoff) {
			recent = append(recent, v)
		}
	}
	a.buffer = append(a.buffer[:0], recent...)
	a.mu.Unlock()

	report := &Report{
		Window:      a.interval,
		Total:       len(recent),
		ByEndpoint:  make(map[string]int),
		ByTier:      make(map[string]int),
		ByUserAgent: make(map[string]int),
	}

	perIP := make(map[string]int)
	perUser := make(map[string]int)
	endpointIPs := make(map[string]map[string]struct{})
	for _, v := range recent {
		perIP[v.IP]++
		if v.UserID != "" {
			perUser[v.UserID]++
		}
		endpoint := v.Method + " " + v.Endpoint
		report.ByEndpoint[endpoint]++
		if v.Tier != "" {
			report.ByTier[v.Tier]++
		}
		report.ByUserAgent[CategorizeUserAgent(v.UserAgent)]++
		ips := endpointIPs[endpoint]
		if ips == nil {
			ips = make(map[string]struct{})
			endpointIPs[endpoint] = ips
		}
		ips[v.IP] = struct{}{}
	}
	report.UniqueIPs = len(perIP)
	report.UniqueUsers = len(perUser)

	for ip, count := range perIP {
		if count > a.rapidFire {
			report.Recommendations = append(report.Recommendations, Recommendation{
				Kind:    RecommendBlockIP,
				Subject: ip,
				Count:   count,
				Reason:  "rapid fire violations from a single source",
			})
		}
	}
	for endpoint, ips := range endpointIPs {
		if len(ips) > a.distributed {
			report.Recommendations = append(report.Recommendations, Recommendation{
				Kind:    RecommendEndpointUnderAttack,
				Subject: endpoint,
				Count:   len(ips),
				Reason:  "violations from an unusually wide set of sources",
			})
		}
	}
	sort.Slice(report.Recommendations, func(i, j int) bool {
		return report.Recommendations[i].Count > report.Recommendations[j].Count
	})

	if a.onRecommend != nil {
		for _, rec := range report.Recommendations {
			a.onRecommend(rec)
		}
	}
	return report
}

// RecentEvents returns the buffered violations newer than the given age.
func (a *Analytics) RecentEvents(age time.Duration) []Violation {
	a.drain()
	cutoff := a.now().Add(-age)
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []Violation
	for _, v := range a.buffer {
		if v.At.After(cutoff) {
			out = append(out, v)
		}
	}
	return out
}

var (
	botPattern     = regexp.MustCompile(`(?i)bot|crawler|spider|scraper`)
	mobilePattern  = regexp.MustCompile(`(?i)mobile`)
	browserPattern = regexp.MustCompile(`(?i)mozilla|chrome|safari|firefox`)
	apiToolPattern = regexp.MustCompile(`(?i)curl|wget|python-requests|postman`)
)

// IsBot reports whether a user agent looks like automated traffic.
func IsBot(userAgent string) bool {
	if userAgent == "" {
		return false
	}
	return botPattern.MatchString(userAgent) || apiToolPattern.MatchString(userAgent)
}

// CategorizeUserAgent buckets a user agent for the analytics breakdown.
func CategorizeUserAgent(userAgent string) string {
	switch {
	case userAgent == "":
		return "other"
	case botPattern.MatchString(userAgent):
		return "bot"
	case mobilePattern.MatchString(userAgent):
		return "mobile"
	case browserPattern.MatchString(userAgent):
		return "browser"
	case apiToolPattern.MatchString(userAgent):
		return "api_tool"
	default:
		return "other"
	}
}
