// Package metrics holds the Matcher's observational counters (§4.4):
// matches created/completed/failed, match-construction latency, and
// point-in-time gauges for active matches, book size, and available
// sessions. Backed by github.com/prometheus/client_golang, matching the
// observability stack the wider retrieved corpus reaches for in
// matching/trading systems (DimaJoyti-ai-agentic-crypto-browser,
// VictorVVedtion-perp-dex, chidi150c-coinbase, virtengine-virtengine,
// mselser95-polymarket-arb, abdoElHodaky-tradSys).
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Matcher collects the observational metrics described in §4.4. Safe
// for concurrent use: Prometheus collectors are internally synchronized,
// and the gauges are only ever set from the single-writer match loop.
type Matcher struct {
	MatchesCreated   prometheus.Counter
	MatchesCompleted prometheus.Counter
	MatchesFailed    prometheus.Counter

	MatchLatency prometheus.Histogram

	ActiveMatches     prometheus.Gauge
	BookSize          prometheus.Gauge
	AvailableSessions prometheus.Gauge
}

// NewMatcher constructs and registers the matcher's metrics on reg. Pass
// prometheus.NewRegistry() for isolated tests or prometheus.DefaultRegisterer
// in production.
func NewMatcher(reg prometheus.Registerer) *Matcher {
	m := &Matcher{
		MatchesCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "matching_engine",
			Name:      "matches_created_total",
			Help:      "Total matches admitted by the matcher.",
		}),
		MatchesCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "matching_engine",
			Name:      "matches_completed_total",
			Help:      "Total matches ended with status Completed.",
		}),
		MatchesFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "matching_engine",
			Name:      "matches_failed_total",
			Help:      "Total matches ended with status Cancelled or Failed.",
		}),
		MatchLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "matching_engine",
			Name:      "match_construction_latency_seconds",
			Help:      "Latency of a single successful match attempt.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 14), // ~0.1ms .. ~800ms
		}),
		ActiveMatches: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "matching_engine",
			Name:      "active_matches",
			Help:      "Current number of active matches.",
		}),
		BookSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "matching_engine",
			Name:      "book_size",
			Help:      "Current number of pending bids in the order book.",
		}),
		AvailableSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "matching_engine",
			Name:      "available_sessions",
			Help:      "Current number of available sessions in the pool.",
		}),
	}
	reg.MustRegister(
		m.MatchesCreated,
		m.MatchesCompleted,
		m.MatchesFailed,
		m.MatchLatency,
		m.ActiveMatches,
		m.BookSize,
		m.AvailableSessions,
	)
	return m
}

// ObserveMatchLatency records how long a successful match attempt took.
func (m *Matcher) ObserveMatchLatency(d time.Duration) {
	m.MatchLatency.Observe(d.Seconds())
}
