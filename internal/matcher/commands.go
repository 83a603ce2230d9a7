package matcher

import (
	"context"
	"fmt"

	"github.com/blockpal1/attention-matching-engine/internal/book"
	"github.com/blockpal1/attention-matching-engine/internal/pool"
)

// Command is a mutation request queued onto the Matcher's single
// writer loop. §9's design notes call for "one event loop consuming a
// merged queue of {ingress events, tick events, sweep events,
// engagement updates}" — Command is that queue's element type.
// IngressHandlers never mutate OrderBook/SessionPool/the active-match
// table directly; they build a Command and Submit it, then ack the
// originating bus message only once Submit returns nil (§7.iv).
type Command interface {
	apply(ctx context.Context, m *Matcher) error
}

// Submit enqueues cmd onto the matcher's command channel and blocks
// until the single-writer loop has applied it (or the context is
// cancelled first).
func (m *Matcher) Submit(ctx context.Context, cmd Command) error {
	reply := make(chan error, 1)
	envelope := commandEnvelope{cmd: cmd, reply: reply}
	select {
	case m.commands <- envelope:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

type commandEnvelope struct {
	cmd   Command
	reply chan error
}

// BidCreated admits a new bid to the order book.
type BidCreated struct {
	Bid book.Bid
}

func (c BidCreated) apply(ctx context.Context, m *Matcher) error {
	if err := m.book.Add(c.Bid); err != nil {
		return fmt.Errorf("matcher: admit bid %s: %w", c.Bid.ID, err)
	}
	m.RefreshGauges()
	return nil
}

// BidCancelled removes a pending bid from the book. Removing an id that
// is not present (already matched, expired, or a duplicate-delivery of
// the same cancellation) is not an error — idempotent per §7.iv.
type BidCancelled struct {
	BidID string
}

func (c BidCancelled) apply(ctx context.Context, m *Matcher) error {
	if _, err := m.book.RemoveByID(c.BidID); err != nil {
		return nil
	}
	m.RefreshGauges()
	return nil
}

// UserConnected upserts a session into the pool.
type UserConnected struct {
	Session pool.Session
}

func (c UserConnected) apply(ctx context.Context, m *Matcher) error {
	m.pool.Upsert(c.Session)
	m.RefreshGauges()
	return nil
}

// UserDisconnected ends the session's active match (if any) and removes
// it from the pool.
type UserDisconnected struct {
	SessionID string
}

func (c UserDisconnected) apply(ctx context.Context, m *Matcher) error {
	m.HandleUserDisconnect(ctx, c.SessionID)
	m.RefreshGauges()
	return nil
}

// EngagementUpdate drives the engagement pipeline (§4.4).
type EngagementUpdate struct {
	SessionID       string
	Attention       float64
	Liveness        float64
	DurationSeconds int64
}

func (c EngagementUpdate) apply(ctx context.Context, m *Matcher) error {
	return m.ProcessEngagement(ctx, c.SessionID, c.Attention, c.Liveness, c.DurationSeconds)
}
