package notify

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"stayswap/internal/swap"
)

// RedisNotifier appends completion events to a Redis stream and keeps a
// TTL'd hash with the latest event per proposal, so consumers can either
// tail the stream or read the most recent state.
type RedisNotifier struct {
	client    RedisPipelineClient
	stream    string
	keyPrefix string
	ttl       time.Duration
	maxLen    int64
}

// RedisPipelineClient is the minimal client surface used by RedisNotifier.
type RedisPipelineClient interface {
	Pipeline() RedisPipeliner
}

// RedisPipeliner is the subset of commands used within a pipeline.
type RedisPipeliner interface {
	HSet(ctx context.Context, key string, values ...any) *redis.IntCmd
	Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
	Exec(ctx context.Context) ([]redis.Cmder, error)
}

// NewRedisNotifier constructs a Redis-backed notifier.
func NewRedisNotifier(client RedisPipelineClient, stream string, ttl time.Duration, maxLen int64) *RedisNotifier {
	if stream == "" {
		stream = "completion_events"
	}
	return &RedisNotifier{
		client:    client,
		stream:    stream,
		keyPrefix: "completion:",
		ttl:       ttl,
		maxLen:    maxLen,
	}
}

func (r *RedisNotifier) CompletionSucceeded(ctx context.Context, n swap.CompletionNotice) error {
	return r.publish(ctx, "completion_succeeded", r.keyPrefix+n.ProposalID, n)
}

func (r *RedisNotifier) CompletionFailed(ctx context.Context, n swap.CompletionNotice) error {
	return r.publish(ctx, "completion_failed", r.keyPrefix+n.ProposalID, n)
}

func (r *RedisNotifier) OwnershipTransferred(ctx context.Context, n swap.TransferNotice) error {
	return r.publish(ctx, "ownership_transferred", r.keyPrefix+"holding:"+n.HoldingID, n)
}

func (r *RedisNotifier) publish(ctx context.Context, event, key string, payload any) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)

	pipe := r.client.Pipeline()
	pipe.HSet(ctx, key, map[string]any{
		"event":        event,
		"payload":      string(data),
		"published_at": now,
	})
	if r.ttl > 0 {
		pipe.Expire(ctx, key, r.ttl)
	}

	args := &redis.XAddArgs{
		Stream: r.stream,
		Values: map[string]any{
			"event":        event,
			"payload":      string(data),
			"published_at": now,
		},
	}
	if r.maxLen > 0 {
		args.MaxLen = r.maxLen
		args.Approx = true
	}
	pipe.XAdd(ctx, args)

	_, err = pipe.Exec(ctx)
	return err
}
