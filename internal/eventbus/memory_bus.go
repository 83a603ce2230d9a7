package eventbus

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryBus is an in-process Bus used by tests and by deployments that
// have no Redis available. It implements the same append / group /
// blocking-read / ack / pending-range contract as RedisBus, including
// redelivery of unacknowledged messages on the next Read call that
// requests a consumer's own history (§7.iv).
type MemoryBus struct {
	mu      sync.Mutex
	seq     int64
	streams map[string][]Message
	groups  map[string]map[string]*groupState // streamKey -> group -> state
	newMsg  map[string]chan struct{}
}

type groupState struct {
	cursor  int // next unread index into streams[streamKey]
	pending map[string]pendingEntry
}

type pendingEntry struct {
	consumer  string
	deliverAt time.Time
}

// NewMemoryBus constructs an empty MemoryBus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{
		streams: make(map[string][]Message),
		groups:  make(map[string]map[string]*groupState),
		newMsg:  make(map[string]chan struct{}),
	}
}

func (b *MemoryBus) Append(ctx context.Context, streamKey string, fields map[string]string, maxLenApprox int64) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seq++
	id := fmt.Sprintf("%d-0", b.seq)
	cp := make(map[string]string, len(fields))
	for k, v := range fields {
		cp[k] = v
	}
	b.streams[streamKey] = append(b.streams[streamKey], Message{ID: id, Fields: cp})
	if maxLenApprox > 0 && int64(len(b.streams[streamKey])) > maxLenApprox {
		overflow := int64(len(b.streams[streamKey])) - maxLenApprox
		b.streams[streamKey] = b.streams[streamKey][overflow:]
	}
	if ch, ok := b.newMsg[streamKey]; ok {
		close(ch)
		delete(b.newMsg, streamKey)
	}
	return id, nil
}

func (b *MemoryBus) EnsureGroup(ctx context.Context, streamKey, group, startID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.groups[streamKey]; !ok {
		b.groups[streamKey] = make(map[string]*groupState)
	}
	if _, ok := b.groups[streamKey][group]; ok {
		return nil
	}
	cursor := 0
	if startID == "$" {
		cursor = len(b.streams[streamKey])
	}
	b.groups[streamKey][group] = &groupState{cursor: cursor, pending: make(map[string]pendingEntry)}
	return nil
}

func (b *MemoryBus) Read(ctx context.Context, streamKey, group, consumer, startID string, blockMs int, count int64) ([]Message, error) {
	deadline := time.Now().Add(time.Duration(blockMs) * time.Millisecond)
	for {
		msgs, waitCh := b.tryRead(streamKey, group, consumer, startID, count)
		if len(msgs) > 0 || startID != ">" {
			return msgs, nil
		}
		if blockMs <= 0 {
			return nil, nil
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-waitCh:
		case <-time.After(remaining):
			return nil, nil
		}
	}
}

func (b *MemoryBus) tryRead(streamKey, group, consumer, startID string, count int64) ([]Message, chan struct{}) {
	b.mu.Lock()
	defer b.mu.Unlock()

	gs, ok := b.groups[streamKey][group]
	if !ok {
		return nil, closedChan()
	}

	if startID != ">" {
		// Replay this consumer's own pending history.
		var out []Message
		for _, m := range b.streams[streamKey] {
			pe, pending := gs.pending[m.ID]
			if pending && pe.consumer == consumer {
				out = append(out, m)
				if count > 0 && int64(len(out)) >= count {
					break
				}
			}
		}
		return out, closedChan()
	}

	var out []Message
	for gs.cursor < len(b.streams[streamKey]) && (count <= 0 || int64(len(out)) < count) {
		m := b.streams[streamKey][gs.cursor]
		gs.pending[m.ID] = pendingEntry{consumer: consumer, deliverAt: time.Now()}
		out = append(out, m)
		gs.cursor++
	}
	if len(out) > 0 {
		return out, closedChan()
	}

	ch, ok := b.newMsg[streamKey]
	if !ok {
		ch = make(chan struct{})
		b.newMsg[streamKey] = ch
	}
	return nil, ch
}

func closedChan() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

func (b *MemoryBus) Ack(ctx context.Context, streamKey, group, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	gs, ok := b.groups[streamKey][group]
	if !ok {
		return nil
	}
	delete(gs.pending, id)
	return nil
}

func (b *MemoryBus) Pending(ctx context.Context, streamKey, group string) ([]PendingEntry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	gs, ok := b.groups[streamKey][group]
	if !ok {
		return nil, nil
	}
	out := make([]PendingEntry, 0, len(gs.pending))
	now := time.Now()
	for id, pe := range gs.pending {
		out = append(out, PendingEntry{ID: id, Consumer: pe.consumer, Idle: now.Sub(pe.deliverAt)})
	}
	return out, nil
}

func (b *MemoryBus) Close() error { return nil }
