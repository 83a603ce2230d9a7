// Package ingress implements the matching core's event routing (§4.5):
// three consumer-group loops (bids, users, engagement) that parse
// discriminated JSON events off the event bus and translate them into
// matcher.Command values, submitted onto the matcher's single-writer
// queue. Acknowledgement follows §7's discipline: a message is only
// acknowledged after its handler returns without error, and messages
// left pending for this consumer at startup are replayed (one batch)
// before joining the live stream.
//
// The per-stream loop shape is grounded in the teacher's
// internal/net/server.go sessionHandler: one dedicated goroutine reads
// and applies messages in arrival order off a single channel, with
// errors logged rather than crashing the loop. A generic worker pool
// (the teacher's internal/worker.go) was deliberately not reused here —
// see DESIGN.md — because fanning these messages out across workers
// would violate §5's per-stream, per-session ordering guarantees.
package ingress

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	tomb "gopkg.in/tomb.v2"

	"github.com/blockpal1/attention-matching-engine/internal/book"
	"github.com/blockpal1/attention-matching-engine/internal/eventbus"
	"github.com/blockpal1/attention-matching-engine/internal/matcher"
	"github.com/blockpal1/attention-matching-engine/internal/pool"
)

// defaults for bid_created optional fields (§6).
const (
	defaultExpirySeconds      = 60
	defaultMinAttentionSeconds = 5
)

// blockDuration and batchSize govern each consumer's blocking read
// (§5's only suspension points besides event emission and idle backoff).
const (
	blockDuration = 2 * time.Second
	batchSize     = 64
)

// Submitter is the subset of *matcher.Matcher the handlers depend on.
// Narrowed to an interface so tests can substitute a recording fake.
type Submitter interface {
	Submit(ctx context.Context, cmd matcher.Command) error
}

// Handlers owns the three inbound consumer loops.
type Handlers struct {
	bus      eventbus.Bus
	matcher  Submitter
	consumer string

	now func() time.Time

	// engagement tracks per-session last-seen (seq, timestamp) so
	// redelivered engagement_update messages are idempotent (§7.iv) and
	// so verified-seconds accumulation (§4.4) has a duration to accrue.
	engagement map[string]engagementState
}

type engagementState struct {
	lastSeq         int64
	lastTimestampMs int64
}

// New constructs Handlers. consumerID becomes the suffix of every
// per-stream consumer name (§6: "consumer name = prefix + process
// identifier").
func New(bus eventbus.Bus, m Submitter, consumerID string) *Handlers {
	return &Handlers{
		bus:        bus,
		matcher:    m,
		consumer:   eventbus.ConsumerNamePrefix + consumerID,
		now:        time.Now,
		engagement: make(map[string]engagementState),
	}
}

// Run ensures each stream's consumer group exists, starts the three
// consumer loops under t, and returns; the loops run until t is dying.
// Each loop replays pending messages for this consumer, then joins the
// live stream.
func (h *Handlers) Run(t *tomb.Tomb, ctx context.Context) error {
	loops := []struct {
		stream  string
		apply   func(context.Context, eventbus.Message) error
	}{
		{eventbus.StreamBidsIncoming, h.handleBidEvent},
		{eventbus.StreamUsersStatus, h.handleUserEvent},
		{eventbus.StreamEngagementEvents, h.handleEngagementEvent},
	}

	for _, l := range loops {
		stream, apply := l.stream, l.apply
		if err := h.bus.EnsureGroup(ctx, stream, eventbus.ConsumerGroup, "$"); err != nil {
			return fmt.Errorf("ingress: ensure group for %s: %w", stream, err)
		}
		t.Go(func() error {
			return h.consume(t, ctx, stream, apply)
		})
	}
	return nil
}

// consume drives one stream's recovery-then-live read/apply/ack loop.
func (h *Handlers) consume(t *tomb.Tomb, ctx context.Context, stream string, apply func(context.Context, eventbus.Message) error) error {
	// Startup recovery (§4.5, §7.iv): replay this consumer's own pending
	// messages before joining the live stream. This is a single read of
	// at most batchSize messages; pending messages beyond that batch are
	// not replayed here.
	pending, err := h.bus.Read(ctx, stream, eventbus.ConsumerGroup, h.consumer, "0", 0, batchSize)
	if err != nil {
		log.Error().Err(err).Str("stream", stream).Msg("ingress: pending recovery read failed")
	}
	for _, msg := range pending {
		h.applyAndAck(ctx, stream, msg, apply)
	}

	for {
		select {
		case <-t.Dying():
			return nil
		default:
		}

		msgs, err := h.bus.Read(ctx, stream, eventbus.ConsumerGroup, h.consumer, ">", int(blockDuration.Milliseconds()), batchSize)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			log.Error().Err(err).Str("stream", stream).Msg("ingress: read failed, retrying")
			select {
			case <-t.Dying():
				return nil
			case <-time.After(100 * time.Millisecond):
			}
			continue
		}
		for _, msg := range msgs {
			h.applyAndAck(ctx, stream, msg, apply)
		}
	}
}

// applyAndAck runs apply and acknowledges only on success (§7's
// discipline). Handler errors leave the message pending for the next
// startup's recovery sweep or a future redelivery.
func (h *Handlers) applyAndAck(ctx context.Context, stream string, msg eventbus.Message, apply func(context.Context, eventbus.Message) error) {
	if err := apply(ctx, msg); err != nil {
		log.Error().Err(err).Str("stream", stream).Str("messageID", msg.ID).Msg("ingress: handler error, leaving message pending")
		return
	}
	if err := h.bus.Ack(ctx, stream, eventbus.ConsumerGroup, msg.ID); err != nil {
		log.Error().Err(err).Str("stream", stream).Str("messageID", msg.ID).Msg("ingress: ack failed")
	}
}

// --- bids ---

type bidCreatedPayload struct {
	BidID                  string   `json:"bid_id"`
	AgentID                string   `json:"agent_id"`
	MaxPricePerSecond      uint64   `json:"max_price_per_second"`
	RequiredAttentionScore float64  `json:"required_attention_score"`
	MinAttentionSeconds    *int64   `json:"min_attention_seconds"`
	ExpirySeconds          *int64   `json:"expiry_seconds"`
}

type bidCancelledPayload struct {
	BidID   string `json:"bid_id"`
	AgentID string `json:"agent_id"`
}

func (h *Handlers) handleBidEvent(ctx context.Context, msg eventbus.Message) error {
	switch msg.Type() {
	case "bid_created":
		return h.handleBidCreated(ctx, msg)
	case "bid_cancelled":
		return h.handleBidCancelled(ctx, msg)
	default:
		log.Warn().Str("type", msg.Type()).Msg("ingress: unknown bid event type, dropping")
		return nil
	}
}

func (h *Handlers) handleBidCreated(ctx context.Context, msg eventbus.Message) error {
	var p bidCreatedPayload
	if err := json.Unmarshal([]byte(msg.Data()), &p); err != nil {
		log.Warn().Err(err).Str("messageID", msg.ID).Msg("ingress: malformed bid_created, dropping")
		return nil
	}

	now := h.now()
	bidID := p.BidID
	if bidID == "" {
		bidID = uuid.New().String()
	}
	minAttn := int64(defaultMinAttentionSeconds)
	if p.MinAttentionSeconds != nil {
		minAttn = *p.MinAttentionSeconds
	}
	expirySec := int64(defaultExpirySeconds)
	if p.ExpirySeconds != nil {
		expirySec = *p.ExpirySeconds
	}
	expiresAt := now.Add(time.Duration(expirySec) * time.Second)

	// Validation (§4.5): positive price, attention score in [0,1],
	// future expiry, non-empty agent identity. Malformed/out-of-range
	// events are logged and dropped, not retried (§7.i).
	switch {
	case p.AgentID == "":
		log.Warn().Str("messageID", msg.ID).Msg("ingress: bid_created missing agent identity, dropping")
		return nil
	case p.MaxPricePerSecond == 0:
		log.Warn().Str("messageID", msg.ID).Msg("ingress: bid_created non-positive price, dropping")
		return nil
	case p.RequiredAttentionScore < 0 || p.RequiredAttentionScore > 1:
		log.Warn().Str("messageID", msg.ID).Float64("score", p.RequiredAttentionScore).Msg("ingress: bid_created attention score out of [0,1], dropping")
		return nil
	case !expiresAt.After(now):
		log.Warn().Str("messageID", msg.ID).Msg("ingress: bid_created non-future expiry, dropping")
		return nil
	}

	bid := book.Bid{
		ID:                     bidID,
		AgentID:                p.AgentID,
		MaxPricePerSecond:      p.MaxPricePerSecond,
		RequiredAttentionScore: p.RequiredAttentionScore,
		MinAttentionSeconds:    minAttn,
		CreatedAt:              now,
		ExpiresAt:              expiresAt,
		Status:                 book.Pending,
	}

	err := h.matcher.Submit(ctx, matcher.BidCreated{Bid: bid})
	if errors.Is(err, book.ErrDuplicateID) {
		// At-least-once redelivery of a bid we already admitted: not an
		// error, just a no-op (§7.iv).
		log.Debug().Str("bidID", bidID).Msg("ingress: bid_created redelivery of already-admitted bid")
		return nil
	}
	return err
}

func (h *Handlers) handleBidCancelled(ctx context.Context, msg eventbus.Message) error {
	var p bidCancelledPayload
	if err := json.Unmarshal([]byte(msg.Data()), &p); err != nil {
		log.Warn().Err(err).Str("messageID", msg.ID).Msg("ingress: malformed bid_cancelled, dropping")
		return nil
	}
	if p.BidID == "" {
		log.Warn().Str("messageID", msg.ID).Msg("ingress: bid_cancelled missing bid_id, dropping")
		return nil
	}
	return h.matcher.Submit(ctx, matcher.BidCancelled{BidID: p.BidID})
}

// --- users ---

type userConnectedPayload struct {
	SessionID           string  `json:"session_id"`
	HumanID             string  `json:"human_id"`
	PriceFloorPerSecond uint64  `json:"price_floor_per_second"`
}

type userDisconnectedPayload struct {
	SessionID string `json:"session_id"`
	Reason    string `json:"reason"`
}

func (h *Handlers) handleUserEvent(ctx context.Context, msg eventbus.Message) error {
	switch msg.Type() {
	case "user_connected":
		return h.handleUserConnected(ctx, msg)
	case "user_disconnected":
		return h.handleUserDisconnected(ctx, msg)
	default:
		log.Warn().Str("type", msg.Type()).Msg("ingress: unknown user event type, dropping")
		return nil
	}
}

func (h *Handlers) handleUserConnected(ctx context.Context, msg eventbus.Message) error {
	var p userConnectedPayload
	if err := json.Unmarshal([]byte(msg.Data()), &p); err != nil {
		log.Warn().Err(err).Str("messageID", msg.ID).Msg("ingress: malformed user_connected, dropping")
		return nil
	}
	if p.SessionID == "" || p.HumanID == "" {
		log.Warn().Str("messageID", msg.ID).Msg("ingress: user_connected missing session or human identity, dropping")
		return nil
	}

	now := h.now()
	sess := pool.Session{
		ID:                  p.SessionID,
		HumanID:             p.HumanID,
		PriceFloorPerSecond: p.PriceFloorPerSecond,
		LastHeartbeat:       now,
		ConnectedAt:         now,
		Status:              pool.Available,
	}
	return h.matcher.Submit(ctx, matcher.UserConnected{Session: sess})
}

func (h *Handlers) handleUserDisconnected(ctx context.Context, msg eventbus.Message) error {
	var p userDisconnectedPayload
	if err := json.Unmarshal([]byte(msg.Data()), &p); err != nil {
		log.Warn().Err(err).Str("messageID", msg.ID).Msg("ingress: malformed user_disconnected, dropping")
		return nil
	}
	if p.SessionID == "" {
		log.Warn().Str("messageID", msg.ID).Msg("ingress: user_disconnected missing session_id, dropping")
		return nil
	}
	return h.matcher.Submit(ctx, matcher.UserDisconnected{SessionID: p.SessionID})
}

// --- engagement ---

type engagementUpdatePayload struct {
	SessionID string  `json:"session_id"`
	Seq       int64   `json:"seq"`
	Timestamp int64   `json:"timestamp"`
	Attention float64 `json:"attention"`
	Liveness  float64 `json:"liveness"`
	IsHuman   bool    `json:"is_human"`
	Signature string  `json:"signature,omitempty"`
}

func (h *Handlers) handleEngagementEvent(ctx context.Context, msg eventbus.Message) error {
	if msg.Type() != "engagement_update" {
		log.Warn().Str("type", msg.Type()).Msg("ingress: unknown engagement event type, dropping")
		return nil
	}

	var p engagementUpdatePayload
	if err := json.Unmarshal([]byte(msg.Data()), &p); err != nil {
		log.Warn().Err(err).Str("messageID", msg.ID).Msg("ingress: malformed engagement_update, dropping")
		return nil
	}
	if p.SessionID == "" {
		log.Warn().Str("messageID", msg.ID).Msg("ingress: engagement_update missing session_id, dropping")
		return nil
	}
	// Non-goal (§1): no cryptographic verification of engagement signals
	// inside the core. The signature travels with the event but is not
	// checked here; an upstream collaborator is expected to do that.

	state, seen := h.engagement[p.SessionID]
	if seen && p.Seq <= state.lastSeq {
		// Redelivery or out-of-order duplicate: idempotent no-op (§7.iv).
		log.Debug().Str("sessionID", p.SessionID).Int64("seq", p.Seq).Msg("ingress: stale/duplicate engagement_update, dropping")
		return nil
	}

	var durationMs int64
	if seen {
		durationMs = p.Timestamp - state.lastTimestampMs
	}
	if durationMs < 0 {
		durationMs = 0
	}
	h.engagement[p.SessionID] = engagementState{lastSeq: p.Seq, lastTimestampMs: p.Timestamp}

	err := h.matcher.Submit(ctx, matcher.EngagementUpdate{
		SessionID:       p.SessionID,
		Attention:       p.Attention,
		Liveness:        p.Liveness,
		DurationSeconds: durationMs / 1000,
	})
	if errors.Is(err, pool.ErrNotFound) {
		// The session disconnected/was evicted before this update was
		// processed: nothing to accumulate against, not an error worth
		// retrying forever.
		log.Debug().Str("sessionID", p.SessionID).Msg("ingress: engagement_update for unknown session, dropping")
		return nil
	}
	return err
}
