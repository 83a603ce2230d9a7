// Package eventbus defines the matching core's only dependency on the
// outside event-bus system (§6): append, consumer-group
// create-if-missing, and blocking read with acknowledge and
// pending-range. The core talks to the Bus interface only; concrete
// adapters (Redis Streams, or an in-memory fake for tests) live
// alongside it.
package eventbus

import (
	"context"
	"time"
)

// Message is one entry read off a stream: an opaque id plus flat
// key->string fields. Field encoding (§6): a `type` field, a
// `timestamp` field (integer milliseconds), and a `data` field holding
// a JSON object with the remaining payload.
type Message struct {
	ID     string
	Fields map[string]string
}

// Type returns the message's discriminant, or "" if absent.
func (m Message) Type() string { return m.Fields["type"] }

// Data returns the message's JSON payload field, or "" if absent.
func (m Message) Data() string { return m.Fields["data"] }

// Timestamp returns the message's timestamp field parsed as unix millis.
func (m Message) Timestamp() time.Time {
	ms, ok := m.Fields["timestamp"]
	if !ok {
		return time.Time{}
	}
	var n int64
	for _, c := range ms {
		if c < '0' || c > '9' {
			return time.Time{}
		}
		n = n*10 + int64(c-'0')
	}
	return time.UnixMilli(n)
}

// PendingEntry describes one message still outstanding for a consumer
// group, as reported by pending-range.
type PendingEntry struct {
	ID       string
	Consumer string
	Idle     time.Duration
}

// Bus is the external interface the core depends on (§6). Implementors
// must support: approximate length-capped append; idempotent
// create-if-missing consumer groups; a blocking read that returns
// zero-or-more messages; acknowledge; and pending-range for startup
// recovery of undelivered messages.
type Bus interface {
	// Append adds fields to streamKey and returns the new message's id.
	// maxLenApprox caps retention approximately (0 = unbounded).
	Append(ctx context.Context, streamKey string, fields map[string]string, maxLenApprox int64) (string, error)

	// EnsureGroup creates group on streamKey starting at startID if the
	// group does not already exist. Idempotent.
	EnsureGroup(ctx context.Context, streamKey, group, startID string) error

	// Read performs a blocking read of up to count messages for
	// consumer within group on streamKey, blocking up to blockMs
	// milliseconds. A startID of ">" requests new messages; any other
	// id requests that consumer's own pending history (used on startup
	// recovery).
	Read(ctx context.Context, streamKey, group, consumer, startID string, blockMs int, count int64) ([]Message, error)

	// Ack acknowledges a message, removing it from the group's pending
	// list.
	Ack(ctx context.Context, streamKey, group, id string) error

	// Pending returns the group's outstanding (unacknowledged) entries
	// on streamKey.
	Pending(ctx context.Context, streamKey, group string) ([]PendingEntry, error)

	// Close tears down the bus connection.
	Close() error
}
