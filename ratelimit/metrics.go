package ratelimit

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics publishes admission counters. All methods are nil-safe so the
// engine runs unchanged without a registry.
type Metrics struct {
	decisions     *prometheus.CounterVec
	storeFailures prometheus.Counter
	violations    prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		decisions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ratelimit",
			Name:      "decisions_total",
			Help:      "Admission decisions by outcome.",
		}, []string{"outcome"}),
		storeFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "ratelimit",
			Name:      "store_failures_total",
			Help:      "Counter store operations that failed or timed out.",
		}),
		violations: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "ratelimit",
			Name:      "violations_total",
			Help:      "Denied requests recorded for abuse analytics.",
		}),
	}
}

func (m *Metrics) observeDecision(o Outcome) {
	if m == nil {
		return
	}
	m.decisions.WithLabelValues(o.String()).Inc()
}

func (m *Metrics) observeStoreFailure() {
	if m == nil {
		return
	}
	m.storeFailures.Inc()
}

func (m *Metrics) observeViolation() {
	if m == nil {
		return
	}
	m.violations.Inc()
}
