package book

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Setup & Helpers --------------------------------------------------------

func newTestBid(id string, price uint64, createdAt time.Time) Bid {
	return Bid{
		ID:                  id,
		AgentID:             "agent-" + id,
		MaxPricePerSecond:   price,
		MinAttentionSeconds: 5,
		CreatedAt:           createdAt,
		ExpiresAt:           createdAt.Add(time.Minute),
		Status:              Pending,
	}
}

// --- Tests ------------------------------------------------------------------

func TestAdd_PriceOrdering(t *testing.T) {
	b := New()
	now := time.Now()

	require.NoError(t, b.Add(newTestBid("low", 50, now)))
	require.NoError(t, b.Add(newTestBid("high", 200, now)))
	require.NoError(t, b.Add(newTestBid("mid", 100, now)))

	top, ok := b.PeekTop()
	require.True(t, ok)
	assert.Equal(t, "high", top.ID)
}

func TestAdd_TieBreakByCreatedAt(t *testing.T) {
	b := New()
	now := time.Now()

	require.NoError(t, b.Add(newTestBid("second", 100, now.Add(time.Second))))
	require.NoError(t, b.Add(newTestBid("first", 100, now)))

	first, ok := b.PopTop()
	require.True(t, ok)
	assert.Equal(t, "first", first.ID, "earlier createdAt must pop before a later one at equal price")

	second, ok := b.PopTop()
	require.True(t, ok)
	assert.Equal(t, "second", second.ID)
}

func TestAdd_TieBreakStableUnderIntervening(t *testing.T) {
	b := New()
	now := time.Now()

	require.NoError(t, b.Add(newTestBid("a", 100, now)))
	require.NoError(t, b.Add(newTestBid("b", 100, now.Add(time.Second))))
	// Interleave an unrelated insertion and removal between a and b.
	require.NoError(t, b.Add(newTestBid("z", 500, now)))
	_, err := b.RemoveByID("z")
	require.NoError(t, err)

	first, _ := b.PopTop()
	second, _ := b.PopTop()
	assert.Equal(t, "a", first.ID)
	assert.Equal(t, "b", second.ID)
}

func TestAdd_RejectsDuplicateID(t *testing.T) {
	b := New()
	now := time.Now()
	require.NoError(t, b.Add(newTestBid("dup", 100, now)))
	err := b.Add(newTestBid("dup", 100, now))
	assert.ErrorIs(t, err, ErrDuplicateID)
}

func TestAdd_RejectsNonPending(t *testing.T) {
	b := New()
	bid := newTestBid("x", 100, time.Now())
	bid.Status = Matched
	err := b.Add(bid)
	assert.ErrorIs(t, err, ErrNotPending)
}

func TestRemoveByID_MaintainsHeapProperty(t *testing.T) {
	b := New()
	now := time.Now()
	prices := []uint64{500, 10, 300, 50, 400, 20, 250}
	for i, p := range prices {
		id := string(rune('a' + i))
		require.NoError(t, b.Add(newTestBid(id, p, now.Add(time.Duration(i)*time.Millisecond))))
	}

	_, err := b.RemoveByID("a") // removes the top (price 500)
	require.NoError(t, err)

	var popped []uint64
	for {
		bid, ok := b.PopTop()
		if !ok {
			break
		}
		popped = append(popped, bid.MaxPricePerSecond)
	}
	assert.Equal(t, []uint64{400, 300, 250, 50, 20, 10}, popped)
}

func TestRemoveByID_Unknown(t *testing.T) {
	b := New()
	_, err := b.RemoveByID("nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPruneExpired(t *testing.T) {
	b := New()
	now := time.Now()

	expired := newTestBid("expired", 100, now.Add(-time.Hour))
	expired.ExpiresAt = now.Add(-time.Second)
	require.NoError(t, b.Add(expired))
	require.NoError(t, b.Add(newTestBid("valid", 100, now)))

	removed := b.PruneExpired(now)
	assert.Equal(t, 1, removed)
	assert.Equal(t, 1, b.Size())

	_, ok := b.GetByID("expired")
	assert.False(t, ok)
}

func TestSnapshotAbovePrice(t *testing.T) {
	b := New()
	now := time.Now()
	require.NoError(t, b.Add(newTestBid("a", 300, now)))
	require.NoError(t, b.Add(newTestBid("b", 100, now)))
	require.NoError(t, b.Add(newTestBid("c", 200, now)))

	snap := b.SnapshotAbovePrice(150)
	require.Len(t, snap, 2)
	assert.Equal(t, "a", snap[0].ID)
	assert.Equal(t, "c", snap[1].ID)
}

func TestRoundTrip_AdmitThenCancelLeavesBookEmpty(t *testing.T) {
	b := New()
	require.NoError(t, b.Add(newTestBid("x", 100, time.Now())))
	_, err := b.RemoveByID("x")
	require.NoError(t, err)
	assert.Equal(t, 0, b.Size())
	_, ok := b.PeekTop()
	assert.False(t, ok)
}
