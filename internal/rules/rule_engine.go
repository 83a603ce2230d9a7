// Package rules implements the matching core's pure predicates and
// arithmetic: match admission, continuation-with-grace-period, and the
// price/settlement formulas. Nothing in this package blocks or mutates
// anything outside its own grace-period bookkeeping (§4.3, §9).
package rules

import (
	"time"
)

// Reason is a machine-readable rejection code so callers never need to
// string-match error text.
type Reason int

const (
	ReasonNone Reason = iota
	ReasonSessionAlreadyMatched
	ReasonSessionNotAvailable
	ReasonPriceBelowFloor
	ReasonHeartbeatStale
	ReasonAttentionBelowMinimum
	ReasonBidNotPending
	ReasonBidExpired
	ReasonEngagementBelowRequired
	ReasonMatchNotActive
	ReasonSessionDisconnected
	ReasonLivenessBelowThreshold
	ReasonEngagementGraceExpired
)

func (r Reason) String() string {
	switch r {
	case ReasonNone:
		return "none"
	case ReasonSessionAlreadyMatched:
		return "session_already_matched"
	case ReasonSessionNotAvailable:
		return "session_not_available"
	case ReasonPriceBelowFloor:
		return "price_below_floor"
	case ReasonHeartbeatStale:
		return "heartbeat_stale"
	case ReasonAttentionBelowMinimum:
		return "attention_below_minimum"
	case ReasonBidNotPending:
		return "bid_not_pending"
	case ReasonBidExpired:
		return "bid_expired"
	case ReasonEngagementBelowRequired:
		return "engagement_below_required"
	case ReasonMatchNotActive:
		return "match_not_active"
	case ReasonSessionDisconnected:
		return "session_disconnected"
	case ReasonLivenessBelowThreshold:
		return "liveness_below_threshold"
	case ReasonEngagementGraceExpired:
		return "engagement_grace_expired"
	default:
		return "unknown"
	}
}

// Options are the Enforcer's recognized options (§6).
type Options struct {
	MinAttentionSeconds        int64
	HeartbeatTimeout           time.Duration
	MinEngagementScore         float64
	MinLivenessScore           float64
	LowEngagementGracePeriod   time.Duration
}

// DefaultOptions mirrors the §6 documented defaults.
func DefaultOptions() Options {
	return Options{
		MinAttentionSeconds:      5,
		HeartbeatTimeout:         30 * time.Second,
		MinEngagementScore:       0.30,
		MinLivenessScore:         0.50,
		LowEngagementGracePeriod: 3 * time.Second,
	}
}

// SessionView and BidView and MatchView are the read-only shapes the
// engine needs. They are deliberately narrower than the owning
// packages' structs so this package never imports book/pool/matcher and
// stays a pure, dependency-free leaf.
type SessionView struct {
	Status              int // 0 Available, 1 Busy, 2 Disconnected
	CurrentMatchID      string
	PriceFloorPerSecond uint64
	LastHeartbeat       time.Time
	LastEngagementScore float64
	LastLivenessScore   float64
}

type BidView struct {
	Status            int // 0 Pending, 1 Matched, 2 Expired, 3 Cancelled
	MaxPricePerSecond uint64
	MinAttentionSeconds int64
	RequiredAttentionScore float64
	ExpiresAt time.Time
}

type MatchView struct {
	Status int // 0 Active, 1 Completed, 2 Cancelled, 3 Failed
}

// Status codes mirror the owning packages' enums (pool.Status,
// domain.MatchStatus) by int value, so this package never imports them.
const (
	SessionAvailable    = 0
	SessionBusy         = 1
	SessionDisconnected = 2

	BidPending = 0

	MatchActive = 0
)

const (
	sessionAvailable = SessionAvailable
	bidPending       = BidPending
)

// Engine holds only the grace-period memory described in §4.3/§9: a
// mapping from match id to the timestamp of the first observed
// low-engagement reading for that match. It must be cleared on every
// terminal transition via ClearMatchState.
type Engine struct {
	opts        Options
	graceStarts map[string]time.Time
}

// New constructs a RuleEngine with the given recognized options.
func New(opts Options) *Engine {
	return &Engine{
		opts:        opts,
		graceStarts: make(map[string]time.Time),
	}
}

// CanMatch is the match-admission predicate (§4.3). It does not check
// engagement; see MeetsEngagement.
func (e *Engine) CanMatch(s SessionView, b BidView, now time.Time) (bool, Reason) {
	if s.CurrentMatchID != "" {
		return false, ReasonSessionAlreadyMatched
	}
	if s.Status != sessionAvailable {
		return false, ReasonSessionNotAvailable
	}
	if b.MaxPricePerSecond < s.PriceFloorPerSecond {
		return false, ReasonPriceBelowFloor
	}
	if now.Sub(s.LastHeartbeat) > e.opts.HeartbeatTimeout {
		return false, ReasonHeartbeatStale
	}
	// NOTE: this reads as inverted from an intuitive "bid must request at
	// least the configured minimum" — preserved verbatim per spec's
	// documented (possibly-buggy) source behavior, flagged in tests.
	if b.MinAttentionSeconds < e.opts.MinAttentionSeconds {
		return false, ReasonAttentionBelowMinimum
	}
	if b.Status != bidPending {
		return false, ReasonBidNotPending
	}
	if !b.ExpiresAt.After(now) {
		return false, ReasonBidExpired
	}
	return true, ReasonNone
}

// MeetsEngagement must hold in addition to CanMatch for the Matcher to
// admit the pair.
func (e *Engine) MeetsEngagement(s SessionView, b BidView) (bool, Reason) {
	if s.LastEngagementScore < b.RequiredAttentionScore {
		return false, ReasonEngagementBelowRequired
	}
	return true, ReasonNone
}

// AgreedPrice is specified as extensible; today it is trivially the
// bid's max price (§4.3).
func (e *Engine) AgreedPrice(b BidView) uint64 {
	return b.MaxPricePerSecond
}

// SettlementTotal computes verifiedSeconds * agreedPricePerSecond in
// integer micro-units, no rounding.
func SettlementTotal(verifiedSeconds int64, agreedPricePerSecond uint64) uint64 {
	return uint64(verifiedSeconds) * agreedPricePerSecond
}

// ShouldContinue is the continuation predicate with memory (§4.3). matchID
// keys the grace-period bookkeeping.
func (e *Engine) ShouldContinue(matchID string, m MatchView, s SessionView, now time.Time) (bool, Reason) {
	if m.Status != MatchActive {
		return false, ReasonMatchNotActive
	}
	if s.Status == SessionDisconnected {
		return false, ReasonSessionDisconnected
	}
	if now.Sub(s.LastHeartbeat) > e.opts.HeartbeatTimeout {
		return false, ReasonHeartbeatStale
	}
	if s.LastLivenessScore < e.opts.MinLivenessScore {
		return false, ReasonLivenessBelowThreshold
	}
	if s.LastEngagementScore < e.opts.MinEngagementScore {
		start, ok := e.graceStarts[matchID]
		if !ok {
			e.graceStarts[matchID] = now
			return true, ReasonNone
		}
		if now.Sub(start) > e.opts.LowEngagementGracePeriod {
			return false, ReasonEngagementGraceExpired
		}
		return true, ReasonNone
	}
	// Engagement has recovered: clear any outstanding grace record.
	delete(e.graceStarts, matchID)
	return true, ReasonNone
}

// ClearMatchState removes any grace-period bookkeeping for matchID. Must
// be called exactly once per match at end (§4.3, §9) to avoid unbounded
// growth of the grace-period map.
func (e *Engine) ClearMatchState(matchID string) {
	delete(e.graceStarts, matchID)
}
