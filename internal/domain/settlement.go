package domain

import "time"

// SettlementInstruction is the terminal record describing the amount
// owed for an ended match. Produced at most once per match id.
type SettlementInstruction struct {
	MatchID              string    `json:"match_id"`
	VerifiedSeconds      int64     `json:"verified_seconds"`
	AgreedPricePerSecond uint64    `json:"agreed_price_per_second"`
	TotalAmount          uint64    `json:"total_amount"`
	EscrowAccountID      string    `json:"escrow_account_id"`
	PayeeID              string    `json:"payee_id"`
	Nonce                int64     `json:"nonce"`
	Timestamp            time.Time `json:"timestamp"`
}

// NewSettlement builds the instruction for an ended match. escrow is the
// agent identity placeholder (§4.4); payee is the session's human
// identity; nonce is derived from the match's end time.
func NewSettlement(m *Match) SettlementInstruction {
	return SettlementInstruction{
		MatchID:              m.ID,
		VerifiedSeconds:      m.VerifiedSeconds,
		AgreedPricePerSecond: m.AgreedPricePerSecond,
		TotalAmount:          m.AccumulatedAmount,
		EscrowAccountID:      m.AgentID,
		PayeeID:              m.HumanID,
		Nonce:                m.EndedAt.UnixNano(),
		Timestamp:            m.EndedAt,
	}
}
