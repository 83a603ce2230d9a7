// Package matcher implements the orchestrator described in §4.4: it
// owns the active-match table, runs the match loop, accumulates
// verified attention time from engagement updates, ends matches, and
// emits settlement instructions.
//
// The concurrency shape is grounded in the teacher repo's worker-pool
// and session-handler pattern (internal/worker.go, the former
// internal/net/server.go): a gopkg.in/tomb.v2 Tomb drives the
// long-lived goroutines, and exactly one goroutine — this package's Run
// loop — ever mutates the OrderBook, SessionPool, active-match table,
// or RuleEngine grace-period state, per §5's single-writer discipline.
package matcher

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	tomb "gopkg.in/tomb.v2"

	"github.com/blockpal1/attention-matching-engine/internal/book"
	"github.com/blockpal1/attention-matching-engine/internal/domain"
	"github.com/blockpal1/attention-matching-engine/internal/metrics"
	"github.com/blockpal1/attention-matching-engine/internal/pool"
	"github.com/blockpal1/attention-matching-engine/internal/rules"
)

// Publisher is the Matcher's only outbound dependency: emitting the
// three event types described in §4.4/§6. A nil Publisher is valid and
// simply means emitEvents is effectively false.
type Publisher interface {
	PublishMatchAssigned(ctx context.Context, m domain.Match) error
	PublishMatchEnded(ctx context.Context, m domain.Match) error
	PublishSettlement(ctx context.Context, s domain.SettlementInstruction) error
}

// Outcome is the result of one match attempt (§4.4 step 1-5).
type Outcome int

const (
	OutcomeNoMatch Outcome = iota
	OutcomeMatched
)

// Matcher owns the active-match table and drives the match loop.
type Matcher struct {
	book  *book.OrderBook
	pool  *pool.Pool
	rules *rules.Engine
	pub   Publisher

	opts    Options
	metrics *metrics.Matcher

	active map[string]*domain.Match // matchID -> match
	topBidSkips map[string]int      // bidID -> failed-attempt count while in the book

	commands chan commandEnvelope

	now func() time.Time
}

// commandQueueSize bounds the merged queue described in §9's design
// notes; ingress handlers block on Submit once it is full, which is the
// desired backpressure onto at-least-once redelivery rather than
// unbounded memory growth.
const commandQueueSize = 256

// New constructs a Matcher. nowFn defaults to time.Now and exists so
// tests can control time deterministically.
func New(b *book.OrderBook, p *pool.Pool, r *rules.Engine, pub Publisher, opts Options, m *metrics.Matcher, nowFn func() time.Time) *Matcher {
	if nowFn == nil {
		nowFn = time.Now
	}
	return &Matcher{
		book:        b,
		pool:        p,
		rules:       r,
		pub:         pub,
		opts:        opts,
		metrics:     m,
		active:      make(map[string]*domain.Match),
		topBidSkips: make(map[string]int),
		commands:    make(chan commandEnvelope, commandQueueSize),
		now:         nowFn,
	}
}

// ActiveCount returns the number of currently active matches.
func (m *Matcher) ActiveCount() int {
	return len(m.active)
}

// GetActive returns the active match for id, if any.
func (m *Matcher) GetActive(id string) (domain.Match, bool) {
	am, ok := m.active[id]
	if !ok {
		return domain.Match{}, false
	}
	return *am, true
}

// TryMatch performs one match attempt (§4.4 "One match attempt").
func (m *Matcher) TryMatch(ctx context.Context) Outcome {
	start := m.now()

	top, ok := m.book.PeekTop()
	if !ok {
		return OutcomeNoMatch
	}

	if top.Expired(start) {
		m.book.PopTop()
		delete(m.topBidSkips, top.ID)
		return OutcomeNoMatch
	}

	candidates := m.pool.FindMatchingFor(top.MaxPricePerSecond, start)
	if len(candidates) == 0 {
		return OutcomeNoMatch
	}

	for _, cand := range candidates {
		sv := sessionView(cand)
		bv := bidView(top)

		if ok, _ := m.rules.CanMatch(sv, bv, start); !ok {
			continue
		}
		if ok, _ := m.rules.MeetsEngagement(sv, bv); !ok {
			continue
		}

		// Admit: popTop the bid, mark the session Busy, create the match.
		bid, _ := m.book.PopTop()
		delete(m.topBidSkips, bid.ID)
		matchID := uuid.New().String()
		if err := m.pool.MarkBusy(cand.ID, matchID); err != nil {
			// Session vanished between FindMatchingFor and here: put the
			// bid back and try the next candidate.
			_ = m.book.Add(bid)
			continue
		}

		match := &domain.Match{
			ID:                   matchID,
			BidID:                bid.ID,
			SessionID:            cand.ID,
			AgentID:              bid.AgentID,
			HumanID:              cand.HumanID,
			AgreedPricePerSecond: m.rules.AgreedPrice(bv),
			StartedAt:            start,
			Status:               domain.MatchActive,
		}
		m.active[match.ID] = match

		m.metrics.MatchesCreated.Inc()
		m.metrics.ActiveMatches.Set(float64(len(m.active)))
		m.metrics.ObserveMatchLatency(m.now().Sub(start))

		if m.opts.EmitEvents && m.pub != nil {
			if err := m.pub.PublishMatchAssigned(ctx, *match); err != nil {
				log.Error().Err(err).Str("matchID", match.ID).Msg("failed to publish match_assigned")
			}
		}
		return OutcomeMatched
	}

	if m.opts.MaxTopBidSkips > 0 {
		m.topBidSkips[top.ID]++
		if m.topBidSkips[top.ID] >= m.opts.MaxTopBidSkips {
			if bid, err := m.book.RemoveByID(top.ID); err == nil {
				delete(m.topBidSkips, top.ID)
				log.Warn().Str("bidID", bid.ID).Msg("top bid exceeded max skip count; removing to prevent starvation")
			}
		}
	}

	return OutcomeNoMatch
}

// ProcessEngagement is the engagement pipeline (§4.4): updates the
// session's scores, then evaluates whether its current match (if any)
// should continue, accumulating verified seconds or ending the match.
func (m *Matcher) ProcessEngagement(ctx context.Context, sessionID string, attention, liveness float64, durationSeconds int64) error {
	now := m.now()
	if err := m.pool.UpdateEngagement(sessionID, attention, liveness, now); err != nil {
		return err
	}

	sess, ok := m.pool.GetByID(sessionID)
	if !ok || sess.CurrentMatchID == "" {
		return nil
	}
	match, ok := m.active[sess.CurrentMatchID]
	if !ok || match.Status != domain.MatchActive {
		return nil
	}

	sv := sessionView(sess)
	mv := rules.MatchView{Status: rules.MatchActive}

	if cont, reason := m.rules.ShouldContinue(match.ID, mv, sv, now); !cont {
		log.Info().Str("matchID", match.ID).Str("reason", reason.String()).Msg("ending match: continuation predicate failed")
		m.EndMatch(ctx, match.ID, domain.MatchFailed, domain.EndReasonLowEngagement)
		return nil
	}

	match.VerifiedSeconds += durationSeconds
	match.Recompute()
	return nil
}

// EndMatch atomically ends a match and emits settlement (§4.4).
// Idempotent per id: a second call for the same id returns nil with no
// side effects.
func (m *Matcher) EndMatch(ctx context.Context, matchID string, status domain.MatchStatus, reason domain.EndReason) *domain.SettlementInstruction {
	match, ok := m.active[matchID]
	if !ok {
		return nil
	}

	now := m.now()
	match.Status = status
	match.EndReason = reason
	match.EndedAt = now
	match.Recompute()

	if err := m.pool.MarkAvailable(match.SessionID); err != nil && !errors.Is(err, pool.ErrNotFound) {
		log.Error().Err(err).Str("sessionID", match.SessionID).Msg("failed to free session on match end")
	}
	m.rules.ClearMatchState(matchID)
	delete(m.active, matchID)

	switch status {
	case domain.MatchCompleted:
		m.metrics.MatchesCompleted.Inc()
	default:
		m.metrics.MatchesFailed.Inc()
	}
	m.metrics.ActiveMatches.Set(float64(len(m.active)))

	settlement := domain.NewSettlement(match)

	if m.opts.EmitEvents && m.pub != nil {
		if err := m.pub.PublishMatchEnded(ctx, *match); err != nil {
			log.Error().Err(err).Str("matchID", matchID).Msg("failed to publish match_ended")
		}
		if err := m.pub.PublishSettlement(ctx, settlement); err != nil {
			log.Error().Err(err).Str("matchID", matchID).Msg("failed to publish settlement_instruction")
		}
	}

	return &settlement
}

// HandleUserDisconnect ends any active match for sessionID as Cancelled/
// UserDisconnected, then removes the session from the pool (§4.4).
func (m *Matcher) HandleUserDisconnect(ctx context.Context, sessionID string) {
	sess, ok := m.pool.GetByID(sessionID)
	if ok && sess.CurrentMatchID != "" {
		m.EndMatch(ctx, sess.CurrentMatchID, domain.MatchCancelled, domain.EndReasonUserDisconnected)
	}
	m.pool.Remove(sessionID)
}

// RefreshGauges updates the book-size and available-session gauges.
// Called on each sweep and may also be called after ingress mutations.
func (m *Matcher) RefreshGauges() {
	m.metrics.BookSize.Set(float64(m.book.Size()))
	m.metrics.AvailableSessions.Set(float64(m.pool.AvailableCount()))
}

// Sweep runs the periodic pruning pass (§4.4: "a separate periodic sweep").
func (m *Matcher) Sweep() {
	now := m.now()
	expired := m.book.PruneExpired(now)
	stale := m.pool.PruneStale(now)
	if expired > 0 || stale > 0 {
		log.Debug().Int("expiredBids", expired).Int("staleSessions", stale).Msg("sweep completed")
	}
	m.RefreshGauges()
}

// Run drives the match loop scheduling model from §4.4: when both the
// book is non-empty and the pool has available sessions, iterate
// immediately; otherwise back off by MatchInterval. A separate ticker
// invokes Sweep at PruneInterval. Exits when t is dying.
func (m *Matcher) Run(t *tomb.Tomb, ctx context.Context) error {
	sweepTicker := time.NewTicker(m.opts.PruneInterval)
	defer sweepTicker.Stop()

	idle := time.NewTimer(m.opts.MatchInterval)
	defer idle.Stop()

	for {
		select {
		case <-t.Dying():
			return nil
		case env := <-m.commands:
			m.applyCommand(ctx, env)
		case <-sweepTicker.C:
			m.Sweep()
		default:
		}

		if m.book.Size() == 0 || m.pool.AvailableCount() == 0 {
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(m.opts.MatchInterval)
			select {
			case <-t.Dying():
				return nil
			case env := <-m.commands:
				m.applyCommand(ctx, env)
			case <-idle.C:
			case <-sweepTicker.C:
				m.Sweep()
			}
			continue
		}

		attempted := 0
		for attempted < m.opts.MaxMatchesPerIteration {
			select {
			case env := <-m.commands:
				m.applyCommand(ctx, env)
				continue
			default:
			}
			if m.TryMatch(ctx) == OutcomeNoMatch {
				break
			}
			attempted++
		}
	}
}

// applyCommand runs cmd against the matcher's single-writer state and
// reports the result back to the submitter. Ingress handlers never
// mutate book/pool/the active-match table directly — every mutation
// flows through this loop (§9's merged single-writer queue).
func (m *Matcher) applyCommand(ctx context.Context, env commandEnvelope) {
	err := env.cmd.apply(ctx, m)
	env.reply <- err
}

func sessionView(s pool.Session) rules.SessionView {
	return rules.SessionView{
		Status:              int(s.Status),
		CurrentMatchID:      s.CurrentMatchID,
		PriceFloorPerSecond: s.PriceFloorPerSecond,
		LastHeartbeat:       s.LastHeartbeat,
		LastEngagementScore: s.LastEngagementScore,
		LastLivenessScore:   s.LastLivenessScore,
	}
}

func bidView(b book.Bid) rules.BidView {
	return rules.BidView{
		Status:                 int(b.Status),
		MaxPricePerSecond:      b.MaxPricePerSecond,
		MinAttentionSeconds:    b.MinAttentionSeconds,
		RequiredAttentionScore: b.RequiredAttentionScore,
		ExpiresAt:              b.ExpiresAt,
	}
}
