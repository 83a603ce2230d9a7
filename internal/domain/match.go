package domain

import "time"

// MatchStatus tracks the lifecycle of a metered pairing.
type MatchStatus int

const (
	MatchActive MatchStatus = iota
	MatchCompleted
	MatchCancelled
	MatchFailed
)

func (s MatchStatus) String() string {
	switch s {
	case MatchActive:
		return "active"
	case MatchCompleted:
		return "completed"
	case MatchCancelled:
		return "cancelled"
	case MatchFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// EndReason records why a match ended.
type EndReason int

const (
	EndReasonNone EndReason = iota
	EndReasonDurationMet
	EndReasonLowEngagement
	EndReasonUserDisconnected
)

func (r EndReason) String() string {
	switch r {
	case EndReasonNone:
		return "none"
	case EndReasonDurationMet:
		return "duration_met"
	case EndReasonLowEngagement:
		return "low_engagement"
	case EndReasonUserDisconnected:
		return "user_disconnected"
	default:
		return "unknown"
	}
}

// Match is an opened, metered pairing of one bid and one session.
// Owned exclusively by the Matcher's active-match table; it exits that
// table only via endMatch.
type Match struct {
	ID        string `json:"match_id"`
	BidID     string `json:"bid_id"`
	SessionID string `json:"session_id"`
	AgentID   string `json:"agent_id"`
	HumanID   string `json:"human_id"`

	AgreedPricePerSecond uint64 `json:"agreed_price_per_second"`
	VerifiedSeconds      int64  `json:"verified_seconds"`
	AccumulatedAmount    uint64 `json:"accumulated_amount"`

	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at,omitempty"`
	EndReason EndReason `json:"end_reason"`
	Status    MatchStatus `json:"status"`
}

// Recompute keeps AccumulatedAmount consistent with the core invariant
// accumulatedAmount = verifiedSeconds * agreedPricePerSecond.
func (m *Match) Recompute() {
	m.AccumulatedAmount = uint64(m.VerifiedSeconds) * m.AgreedPricePerSecond
}
