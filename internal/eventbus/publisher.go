package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/blockpal1/attention-matching-engine/internal/domain"
)

// Publisher emits the three outbound event types described in §4.4/§6
// (match_assigned, match_ended, settlement_instruction) onto their
// respective streams. It is the only writer of the message field
// encoding convention: a `type` discriminant, an integer-millisecond
// `timestamp`, and a `data` field holding the JSON payload.
type Publisher struct {
	bus          Bus
	maxLenApprox int64
}

// NewPublisher constructs a Publisher backed by bus. maxLenApprox <= 0
// falls back to DefaultMaxLenApprox.
func NewPublisher(bus Bus, maxLenApprox int64) *Publisher {
	if maxLenApprox <= 0 {
		maxLenApprox = DefaultMaxLenApprox
	}
	return &Publisher{bus: bus, maxLenApprox: maxLenApprox}
}

func (p *Publisher) append(ctx context.Context, stream, eventType string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("eventbus: encode %s payload: %w", eventType, err)
	}
	fields := map[string]string{
		"type":      eventType,
		"timestamp": fmt.Sprintf("%d", time.Now().UnixMilli()),
		"data":      string(data),
	}
	_, err = p.bus.Append(ctx, stream, fields, p.maxLenApprox)
	return err
}

// PublishMatchAssigned emits the full Match record to
// "matching:matches:assignments".
func (p *Publisher) PublishMatchAssigned(ctx context.Context, m domain.Match) error {
	return p.append(ctx, StreamMatchAssignments, "match_assigned", m)
}

// PublishMatchEnded emits the full Match record to
// "matching:matches:updates".
func (p *Publisher) PublishMatchEnded(ctx context.Context, m domain.Match) error {
	return p.append(ctx, StreamMatchUpdates, "match_ended", m)
}

// PublishSettlement emits the SettlementInstruction to
// "matching:settlements:instructions".
func (p *Publisher) PublishSettlement(ctx context.Context, s domain.SettlementInstruction) error {
	return p.append(ctx, StreamSettlementInstructions, "settlement_instruction", s)
}
