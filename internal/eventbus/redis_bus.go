package eventbus

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// RedisBus backs Bus with Redis Streams (XADD/XGROUP CREATE/XREADGROUP/
// XACK/XPENDING). It is the default production adapter, grounded in the
// wider retrieved corpus's own choice of github.com/redis/go-redis/v9
// for exactly this role (PxPatel-Distributed-Matching-Engine,
// SamKhachatryan-arbitrage.trade, DimaJoyti-ai-agentic-crypto-browser,
// virtengine-virtengine).
//
// §5 requires a separate connection for blocking reads so the shared
// writer is never head-of-line blocked behind a consumer's long poll;
// RedisBus therefore holds two *redis.Client handles.
type RedisBus struct {
	write *redis.Client
	read  *redis.Client
}

// NewRedisBus lazily connects two clients against addr: one for the
// (non-blocking) append/ack/pending writer path, one dedicated to
// blocking consumer reads.
func NewRedisBus(addr string) *RedisBus {
	opts := &redis.Options{Addr: addr}
	return &RedisBus{
		write: redis.NewClient(opts),
		read:  redis.NewClient(opts),
	}
}

func (b *RedisBus) Append(ctx context.Context, streamKey string, fields map[string]string, maxLenApprox int64) (string, error) {
	args := &redis.XAddArgs{
		Stream: streamKey,
		Values: fields,
	}
	if maxLenApprox > 0 {
		args.MaxLen = maxLenApprox
		args.Approx = true
	}
	id, err := b.write.XAdd(ctx, args).Result()
	if err != nil {
		return "", fmt.Errorf("eventbus: append to %s: %w", streamKey, err)
	}
	return id, nil
}

func (b *RedisBus) EnsureGroup(ctx context.Context, streamKey, group, startID string) error {
	err := b.write.XGroupCreateMkStream(ctx, streamKey, group, startID).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		// BUSYGROUP means the group already exists: not an error.
		if isBusyGroup(err) {
			return nil
		}
		return fmt.Errorf("eventbus: ensure group %s/%s: %w", streamKey, group, err)
	}
	return nil
}

func isBusyGroup(err error) bool {
	return err != nil && len(err.Error()) >= 9 && err.Error()[:9] == "BUSYGROUP"
}

func (b *RedisBus) Read(ctx context.Context, streamKey, group, consumer, startID string, blockMs int, count int64) ([]Message, error) {
	res, err := b.read.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{streamKey, startID},
		Count:    count,
		Block:    time.Duration(blockMs) * time.Millisecond,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("eventbus: read %s/%s: %w", streamKey, group, err)
	}
	var out []Message
	for _, stream := range res {
		for _, xm := range stream.Messages {
			fields := make(map[string]string, len(xm.Values))
			for k, v := range xm.Values {
				if s, ok := v.(string); ok {
					fields[k] = s
				} else {
					fields[k] = fmt.Sprint(v)
				}
			}
			out = append(out, Message{ID: xm.ID, Fields: fields})
		}
	}
	return out, nil
}

func (b *RedisBus) Ack(ctx context.Context, streamKey, group, id string) error {
	if err := b.write.XAck(ctx, streamKey, group, id).Err(); err != nil {
		return fmt.Errorf("eventbus: ack %s/%s/%s: %w", streamKey, group, id, err)
	}
	return nil
}

func (b *RedisBus) Pending(ctx context.Context, streamKey, group string) ([]PendingEntry, error) {
	res, err := b.write.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: streamKey,
		Group:  group,
		Start:  "-",
		End:    "+",
		Count:  1000,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("eventbus: pending %s/%s: %w", streamKey, group, err)
	}
	out := make([]PendingEntry, 0, len(res))
	for _, p := range res {
		out = append(out, PendingEntry{ID: p.ID, Consumer: p.Consumer, Idle: p.Idle})
	}
	return out, nil
}

func (b *RedisBus) Close() error {
	werr := b.write.Close()
	rerr := b.read.Close()
	if werr != nil {
		log.Error().Err(werr).Msg("eventbus: error closing write connection")
		return werr
	}
	return rerr
}
