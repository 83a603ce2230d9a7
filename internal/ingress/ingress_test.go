package ingress

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tomb "gopkg.in/tomb.v2"

	"github.com/blockpal1/attention-matching-engine/internal/book"
	"github.com/blockpal1/attention-matching-engine/internal/eventbus"
	"github.com/blockpal1/attention-matching-engine/internal/matcher"
)

// recordingSubmitter captures every command handed to it instead of
// running the matcher's single-writer loop, so these tests exercise
// parsing/validation/ack discipline in isolation.
type recordingSubmitter struct {
	cmds []matcher.Command
	err  error
}

func (s *recordingSubmitter) Submit(_ context.Context, cmd matcher.Command) error {
	if s.err != nil {
		return s.err
	}
	s.cmds = append(s.cmds, cmd)
	return nil
}

func appendJSON(t *testing.T, bus eventbus.Bus, stream, eventType string, payload any) string {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	id, err := bus.Append(context.Background(), stream, map[string]string{
		"type":      eventType,
		"timestamp": fmt.Sprintf("%d", time.Now().UnixMilli()),
		"data":      string(data),
	}, 0)
	require.NoError(t, err)
	return id
}

func TestHandleBidCreated_DefaultsAndAdmits(t *testing.T) {
	sub := &recordingSubmitter{}
	h := New(eventbus.NewMemoryBus(), sub, "test")

	msg := eventbus.Message{Fields: map[string]string{
		"type": "bid_created",
		"data": `{"agent_id":"agent-1","max_price_per_second":100,"required_attention_score":0.5}`,
	}}

	require.NoError(t, h.handleBidEvent(context.Background(), msg))
	require.Len(t, sub.cmds, 1)

	cmd, ok := sub.cmds[0].(matcher.BidCreated)
	require.True(t, ok)
	assert.NotEmpty(t, cmd.Bid.ID, "bid id is generated when absent")
	assert.Equal(t, int64(defaultMinAttentionSeconds), cmd.Bid.MinAttentionSeconds)
	assert.True(t, cmd.Bid.ExpiresAt.After(time.Now()))
}

func TestHandleBidCreated_InvalidPayloadDropped(t *testing.T) {
	sub := &recordingSubmitter{}
	h := New(eventbus.NewMemoryBus(), sub, "test")

	msg := eventbus.Message{Fields: map[string]string{
		"type": "bid_created",
		"data": `{"agent_id":"","max_price_per_second":100,"required_attention_score":0.5}`,
	}}

	// Validation failures are logged and dropped, not surfaced as errors
	// (§7.i) — the message still gets acknowledged by the caller.
	require.NoError(t, h.handleBidEvent(context.Background(), msg))
	assert.Empty(t, sub.cmds)
}

func TestHandleBidCreated_RedeliveryOfAdmittedBidIsIdempotent(t *testing.T) {
	sub := &recordingSubmitter{err: book.ErrDuplicateID}
	h := New(eventbus.NewMemoryBus(), sub, "test")

	msg := eventbus.Message{Fields: map[string]string{
		"type": "bid_created",
		"data": `{"bid_id":"b1","agent_id":"agent-1","max_price_per_second":100,"required_attention_score":0.5}`,
	}}

	err := h.handleBidEvent(context.Background(), msg)
	assert.NoError(t, err, "a duplicate-id redelivery must not be treated as a handler error")
}

func TestHandleBidCancelled(t *testing.T) {
	sub := &recordingSubmitter{}
	h := New(eventbus.NewMemoryBus(), sub, "test")

	msg := eventbus.Message{Fields: map[string]string{
		"type": "bid_cancelled",
		"data": `{"bid_id":"b1","agent_id":"agent-1"}`,
	}}
	require.NoError(t, h.handleBidEvent(context.Background(), msg))
	require.Len(t, sub.cmds, 1)
	cmd := sub.cmds[0].(matcher.BidCancelled)
	assert.Equal(t, "b1", cmd.BidID)
}

func TestHandleUserConnected(t *testing.T) {
	sub := &recordingSubmitter{}
	h := New(eventbus.NewMemoryBus(), sub, "test")

	msg := eventbus.Message{Fields: map[string]string{
		"type": "user_connected",
		"data": `{"session_id":"s1","human_id":"h1","price_floor_per_second":50}`,
	}}
	require.NoError(t, h.handleUserEvent(context.Background(), msg))
	require.Len(t, sub.cmds, 1)
	cmd := sub.cmds[0].(matcher.UserConnected)
	assert.Equal(t, "s1", cmd.Session.ID)
	assert.Equal(t, "h1", cmd.Session.HumanID)
}

func TestHandleEngagementUpdate_ComputesDurationAndDedupesSeq(t *testing.T) {
	sub := &recordingSubmitter{}
	h := New(eventbus.NewMemoryBus(), sub, "test")

	first := eventbus.Message{Fields: map[string]string{
		"type": "engagement_update",
		"data": `{"session_id":"s1","seq":1,"timestamp":1000,"attention":0.8,"liveness":0.9}`,
	}}
	require.NoError(t, h.handleEngagementEvent(context.Background(), first))
	require.Len(t, sub.cmds, 1)
	cmd := sub.cmds[0].(matcher.EngagementUpdate)
	assert.Equal(t, int64(0), cmd.DurationSeconds, "no prior observation: zero duration")

	second := eventbus.Message{Fields: map[string]string{
		"type": "engagement_update",
		"data": `{"session_id":"s1","seq":2,"timestamp":3000,"attention":0.8,"liveness":0.9}`,
	}}
	require.NoError(t, h.handleEngagementEvent(context.Background(), second))
	require.Len(t, sub.cmds, 2)
	cmd = sub.cmds[1].(matcher.EngagementUpdate)
	assert.Equal(t, int64(2), cmd.DurationSeconds)

	// A redelivered/duplicate seq is a no-op, not a third command.
	require.NoError(t, h.handleEngagementEvent(context.Background(), second))
	assert.Len(t, sub.cmds, 2)
}

func TestConsume_RecoversPendingBeforeLive(t *testing.T) {
	bus := eventbus.NewMemoryBus()
	sub := &recordingSubmitter{}
	h := New(bus, sub, "test")
	ctx := context.Background()

	require.NoError(t, bus.EnsureGroup(ctx, eventbus.StreamBidsIncoming, eventbus.ConsumerGroup, "$"))

	appendJSON(t, bus, eventbus.StreamBidsIncoming, "bid_created", map[string]any{
		"agent_id": "agent-1", "max_price_per_second": 100, "required_attention_score": 0.5,
	})

	// Deliver-then-crash: read without acking leaves it pending for this
	// consumer, the way an unacked handler error would (§7.iv).
	msgs, err := bus.Read(ctx, eventbus.StreamBidsIncoming, eventbus.ConsumerGroup, h.consumer, ">", 0, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	pending, err := bus.Read(ctx, eventbus.StreamBidsIncoming, eventbus.ConsumerGroup, h.consumer, "0", 0, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1, "undelivered message must be replayable from this consumer's pending set")

	// Restart: consume replays the pending message through the handler and
	// acks it; the tomb is already dying, so it returns before the live read.
	var tb tomb.Tomb
	tb.Kill(nil)
	require.NoError(t, h.consume(&tb, ctx, eventbus.StreamBidsIncoming, h.handleBidEvent))
	require.Len(t, sub.cmds, 1)
	_, isBid := sub.cmds[0].(matcher.BidCreated)
	assert.True(t, isBid)

	left, err := bus.Pending(ctx, eventbus.StreamBidsIncoming, eventbus.ConsumerGroup)
	require.NoError(t, err)
	assert.Empty(t, left, "a replayed message its handler accepted is acknowledged")
}
