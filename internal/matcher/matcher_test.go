package matcher

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blockpal1/attention-matching-engine/internal/book"
	"github.com/blockpal1/attention-matching-engine/internal/domain"
	"github.com/blockpal1/attention-matching-engine/internal/metrics"
	"github.com/blockpal1/attention-matching-engine/internal/pool"
	"github.com/blockpal1/attention-matching-engine/internal/rules"

	"github.com/prometheus/client_golang/prometheus"
	tomb "gopkg.in/tomb.v2"
)

// --- Setup & Helpers --------------------------------------------------------

// recordingPublisher records every emitted event so tests can assert on
// the §8 ordering law: match_assigned, ..., match_ended, settlement.
type recordingPublisher struct {
	assigned    []domain.Match
	ended       []domain.Match
	settlements []domain.SettlementInstruction
}

func (p *recordingPublisher) PublishMatchAssigned(_ context.Context, m domain.Match) error {
	p.assigned = append(p.assigned, m)
	return nil
}

func (p *recordingPublisher) PublishMatchEnded(_ context.Context, m domain.Match) error {
	p.ended = append(p.ended, m)
	return nil
}

func (p *recordingPublisher) PublishSettlement(_ context.Context, s domain.SettlementInstruction) error {
	p.settlements = append(p.settlements, s)
	return nil
}

type testHarness struct {
	m    *Matcher
	b    *book.OrderBook
	p    *pool.Pool
	r    *rules.Engine
	pub  *recordingPublisher
	now  time.Time
}

func newHarness() *testHarness {
	now := time.Now()
	h := &testHarness{
		b:   book.New(),
		p:   pool.New(30 * time.Second),
		r:   rules.New(rules.DefaultOptions()),
		pub: &recordingPublisher{},
		now: now,
	}
	opts := DefaultOptions()
	opts.EmitEvents = true
	h.m = New(h.b, h.p, h.r, h.pub, opts, metrics.NewMatcher(prometheus.NewRegistry()), func() time.Time { return h.now })
	return h
}

func (h *testHarness) addBid(id string, price uint64, minAttn int64, reqScore float64) {
	_ = h.b.Add(book.Bid{
		ID:                     id,
		AgentID:                "agent-" + id,
		MaxPricePerSecond:      price,
		RequiredAttentionScore: reqScore,
		MinAttentionSeconds:    minAttn,
		CreatedAt:              h.now,
		ExpiresAt:              h.now.Add(time.Minute),
		Status:                 book.Pending,
	})
}

func (h *testHarness) addSession(id, humanID string, floor uint64) {
	h.p.Upsert(pool.Session{
		ID:                  id,
		HumanID:             humanID,
		PriceFloorPerSecond: floor,
		LastEngagementScore: 0.8,
		LastLivenessScore:   0.9,
		LastHeartbeat:       h.now,
		ConnectedAt:         h.now,
		Status:              pool.Available,
	})
}

// --- Scenario 1: simple match ----------------------------------------------

func TestScenario_SimpleMatch(t *testing.T) {
	h := newHarness()
	h.addSession("sess", "human-1", 50)
	h.addBid("bid", 100, 5, 0.5)

	outcome := h.m.TryMatch(context.Background())
	require.Equal(t, OutcomeMatched, outcome)
	require.Len(t, h.pub.assigned, 1)

	match := h.pub.assigned[0]
	assert.Equal(t, uint64(100), match.AgreedPricePerSecond)

	sess, _ := h.p.GetByID("sess")
	assert.Equal(t, pool.Busy, sess.Status)

	require.NoError(t, h.m.ProcessEngagement(context.Background(), "sess", 0.8, 0.9, 2))
	require.NoError(t, h.m.ProcessEngagement(context.Background(), "sess", 0.8, 0.9, 2))

	active, ok := h.m.GetActive(match.ID)
	require.True(t, ok)
	assert.Equal(t, int64(4), active.VerifiedSeconds)
	assert.Equal(t, uint64(400), active.AccumulatedAmount)

	settlement := h.m.EndMatch(context.Background(), match.ID, domain.MatchCompleted, domain.EndReasonDurationMet)
	require.NotNil(t, settlement)
	assert.Equal(t, uint64(400), settlement.TotalAmount)

	// Idempotence: a second end for the same id is a no-op.
	assert.Nil(t, h.m.EndMatch(context.Background(), match.ID, domain.MatchCompleted, domain.EndReasonDurationMet))
	assert.Len(t, h.pub.settlements, 1)
}

// --- Scenario 2: price-floor rejection -------------------------------------

func TestScenario_PriceFloorRejection(t *testing.T) {
	h := newHarness()
	h.addSession("sess", "human-1", 200)
	h.addBid("bid", 100, 5, 0.5)

	outcome := h.m.TryMatch(context.Background())
	assert.Equal(t, OutcomeNoMatch, outcome)
	assert.Equal(t, 1, h.b.Size())
}

// --- Scenario 3: skip expired top -------------------------------------------

func TestScenario_SkipExpiredTop(t *testing.T) {
	h := newHarness()
	h.addSession("sess", "human-1", 10)

	expired := book.Bid{
		ID: "expired", AgentID: "a1", MaxPricePerSecond: 200,
		MinAttentionSeconds: 5, CreatedAt: h.now,
		ExpiresAt: h.now.Add(-time.Second), Status: book.Pending,
	}
	require.NoError(t, h.b.Add(expired))
	h.addBid("valid", 50, 5, 0.5)

	// First attempt pops the expired top and reports no-match (§8
	// scenario 3); the valid bid matches on the next attempt.
	assert.Equal(t, OutcomeNoMatch, h.m.TryMatch(context.Background()))
	_, stillThere := h.b.GetByID("expired")
	assert.False(t, stillThere)

	assert.Equal(t, OutcomeMatched, h.m.TryMatch(context.Background()))
}

// --- Scenario 4: assignment to cheapest session -----------------------------

func TestScenario_AssignmentToCheapestSession(t *testing.T) {
	h := newHarness()
	h.addSession("u1", "human-1", 150)
	h.addSession("u2", "human-2", 25)
	h.addBid("a", 200, 5, 0.5)
	h.addBid("b", 30, 5, 0.5)

	outcome := h.m.TryMatch(context.Background())
	require.Equal(t, OutcomeMatched, outcome)
	require.Len(t, h.pub.assigned, 1)
	assert.Equal(t, "a", h.pub.assigned[0].BidID)
	assert.Equal(t, "u2", h.pub.assigned[0].SessionID)

	outcome = h.m.TryMatch(context.Background())
	assert.Equal(t, OutcomeNoMatch, outcome, "bid b (max=30) cannot match u1 (floor=150)")
}

// --- Scenario 5: grace-period eviction --------------------------------------

func TestScenario_GracePeriodEviction(t *testing.T) {
	h := newHarness()
	h.addSession("sess", "human-1", 50)
	h.addBid("bid", 100, 5, 0.5)
	require.Equal(t, OutcomeMatched, h.m.TryMatch(context.Background()))
	matchID := h.pub.assigned[0].ID

	h.now = h.now.Add(time.Second)
	require.NoError(t, h.m.ProcessEngagement(context.Background(), "sess", 0.1, 0.9, 1))
	_, active := h.m.GetActive(matchID)
	assert.True(t, active, "within grace period, match stays active")

	h.now = h.now.Add(time.Second)
	require.NoError(t, h.m.ProcessEngagement(context.Background(), "sess", 0.1, 0.9, 1))
	_, active = h.m.GetActive(matchID)
	assert.True(t, active, "still within grace period")

	h.now = h.now.Add(4 * time.Second)
	require.NoError(t, h.m.ProcessEngagement(context.Background(), "sess", 0.1, 0.9, 1))
	_, active = h.m.GetActive(matchID)
	assert.False(t, active, "grace period exceeded, match must end")

	require.Len(t, h.pub.ended, 1)
	assert.Equal(t, domain.EndReasonLowEngagement, h.pub.ended[0].EndReason)
	assert.Equal(t, domain.MatchFailed, h.pub.ended[0].Status, "a rule-engine-detected continuation failure is a Failed match, not Completed")
}

// --- Scenario 6: stale heartbeat exclusion ----------------------------------

func TestScenario_StaleHeartbeatExclusion(t *testing.T) {
	h := newHarness()
	h.p.Upsert(pool.Session{
		ID: "stale", HumanID: "human-1", PriceFloorPerSecond: 10,
		LastEngagementScore: 0.8, LastLivenessScore: 0.9,
		LastHeartbeat: h.now.Add(-time.Hour), ConnectedAt: h.now,
		Status: pool.Available,
	})

	candidates := h.p.FindMatchingFor(100, h.now)
	assert.Empty(t, candidates)

	removed := h.p.PruneStale(h.now)
	assert.Equal(t, 1, removed)
}

// --- Disconnect and ordering -------------------------------------------------

func TestHandleUserDisconnect_EndsActiveMatch(t *testing.T) {
	h := newHarness()
	h.addSession("sess", "human-1", 50)
	h.addBid("bid", 100, 5, 0.5)
	require.Equal(t, OutcomeMatched, h.m.TryMatch(context.Background()))
	matchID := h.pub.assigned[0].ID

	h.m.HandleUserDisconnect(context.Background(), "sess")

	_, ok := h.m.GetActive(matchID)
	assert.False(t, ok)
	require.Len(t, h.pub.ended, 1)
	assert.Equal(t, domain.EndReasonUserDisconnected, h.pub.ended[0].EndReason)

	_, ok = h.p.GetByID("sess")
	assert.False(t, ok, "disconnect removes the session from the pool")
}

func TestEventOrdering_AssignedThenEndedThenSettlement(t *testing.T) {
	h := newHarness()
	h.addSession("sess", "human-1", 50)
	h.addBid("bid", 100, 5, 0.5)
	require.Equal(t, OutcomeMatched, h.m.TryMatch(context.Background()))
	matchID := h.pub.assigned[0].ID

	h.m.EndMatch(context.Background(), matchID, domain.MatchCompleted, domain.EndReasonDurationMet)

	require.Len(t, h.pub.assigned, 1)
	require.Len(t, h.pub.ended, 1)
	require.Len(t, h.pub.settlements, 1)
	assert.Equal(t, matchID, h.pub.ended[0].ID)
	assert.Equal(t, matchID, h.pub.settlements[0].MatchID)
}

func TestCommandQueue_AppliesThroughRunLoop(t *testing.T) {
	h := newHarness()
	ctx := context.Background()

	var tb tomb.Tomb
	tb.Go(func() error {
		return h.m.Run(&tb, ctx)
	})

	errs := make(chan error, 1)
	go func() {
		errs <- h.m.Submit(ctx, BidCreated{Bid: book.Bid{
			ID: "bid", AgentID: "a1", MaxPricePerSecond: 100,
			MinAttentionSeconds: 5, RequiredAttentionScore: 0.5,
			CreatedAt: h.now, ExpiresAt: h.now.Add(time.Minute),
			Status: book.Pending,
		}})
	}()

	// Run's select loop must read the command off the queue and reply.
	select {
	case err := <-errs:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("command was never read off the queue")
	}

	tb.Kill(nil)
	require.NoError(t, tb.Wait())
	assert.Equal(t, 1, h.b.Size())
}
