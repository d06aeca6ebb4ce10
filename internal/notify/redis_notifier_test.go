package notify

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"stayswap/internal/swap"
)

func TestRedisNotifier_PublishesHashAndStream(t *testing.T) {
	t.Parallel()

	pipe := &stubPipeline{}
	client := &stubRedisClient{pipe: pipe}
	notifier := NewRedisNotifier(client, "completion_events", 0, 0)

	notice := swap.CompletionNotice{
		ProposalID:  "prop-1",
		Kind:        swap.ProposalKindBooking,
		InitiatorID: "user-a",
		LedgerTxID:  "TX-1",
		OccurredAt:  time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
	}

	if err := notifier.CompletionSucceeded(context.Background(), notice); err != nil {
		t.Fatalf("publish: %v", err)
	}

	if len(pipe.hsets) != 1 {
		t.Fatalf("expected 1 HSET, got %d", len(pipe.hsets))
	}
	if pipe.hsets[0].key != "completion:prop-1" {
		t.Fatalf("unexpected hash key %q", pipe.hsets[0].key)
	}

	hash := toMap(pipe.hsets[0].values)
	if hash["event"] != "completion_succeeded" {
		t.Fatalf("unexpected event: %v", hash["event"])
	}
	payload, ok := hash["payload"].(string)
	if !ok {
		t.Fatalf("expected string payload, got %T", hash["payload"])
	}
	var decoded swap.CompletionNotice
	if err := json.Unmarshal([]byte(payload), &decoded); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if decoded.ProposalID != "prop-1" || decoded.LedgerTxID != "TX-1" {
		t.Fatalf("unexpected payload: %+v", decoded)
	}

	if len(pipe.xadds) != 1 {
		t.Fatalf("expected 1 XADD, got %d", len(pipe.xadds))
	}
	if pipe.xadds[0].Stream != "completion_events" {
		t.Fatalf("unexpected stream %q", pipe.xadds[0].Stream)
	}
	if !pipe.execCalled {
		t.Fatalf("expected Exec to be called")
	}
}

func TestRedisNotifier_TTLMaxLenAndDefaultStream(t *testing.T) {
	t.Parallel()

	pipe := &stubPipeline{}
	client := &stubRedisClient{pipe: pipe}
	notifier := NewRedisNotifier(client, "", time.Minute, 1000)

	failure := swap.CompletionNotice{ProposalID: "prop-ttl", Error: "executor failed"}
	transfer := swap.TransferNotice{HoldingID: "hold-1", PreviousOwnerID: "user-a", NewOwnerID: "user-b"}

	if err := notifier.CompletionFailed(context.Background(), failure); err != nil {
		t.Fatalf("publish failure: %v", err)
	}
	if err := notifier.OwnershipTransferred(context.Background(), transfer); err != nil {
		t.Fatalf("publish transfer: %v", err)
	}

	if pipe.expirationCalls != 2 {
		t.Fatalf("expected expiration on every publish, got %d", pipe.expirationCalls)
	}
	if pipe.expirations["completion:prop-ttl"] != time.Minute {
		t.Fatalf("unexpected ttl: %v", pipe.expirations["completion:prop-ttl"])
	}
	if _, ok := pipe.expirations["completion:holding:hold-1"]; !ok {
		t.Fatalf("expected transfer hash under holding key, got %v", pipe.expirations)
	}

	if len(pipe.xadds) != 2 {
		t.Fatalf("expected 2 XADDs, got %d", len(pipe.xadds))
	}
	for _, xa := range pipe.xadds {
		if xa.Stream != "completion_events" {
			t.Fatalf("expected default stream, got %q", xa.Stream)
		}
		if xa.MaxLen != 1000 || !xa.Approx {
			t.Fatalf("expected maxlen settings applied, got %+v", xa)
		}
	}
}

func TestRedisNotifier_RespectsCanceledContext(t *testing.T) {
	t.Parallel()

	pipe := &stubPipeline{}
	client := &stubRedisClient{pipe: pipe}
	notifier := NewRedisNotifier(client, "completion_events", 0, 0)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := notifier.CompletionSucceeded(ctx, swap.CompletionNotice{ProposalID: "prop-cancel"})
	if err == nil {
		t.Fatalf("expected context error")
	}
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}

	if pipe.execCalled || len(pipe.hsets) > 0 || len(pipe.xadds) > 0 {
		t.Fatalf("expected no writes when context canceled")
	}
}

func TestRedisNotifier_PropagatesExecError(t *testing.T) {
	t.Parallel()

	pipe := &stubPipeline{execErr: errors.New("broken pipe")}
	client := &stubRedisClient{pipe: pipe}
	notifier := NewRedisNotifier(client, "completion_events", 0, 0)

	err := notifier.CompletionFailed(context.Background(), swap.CompletionNotice{ProposalID: "prop-err"})
	if err == nil || err.Error() != "broken pipe" {
		t.Fatalf("expected exec error, got %v", err)
	}
}

type stubRedisClient struct {
	pipe *stubPipeline
}

func (s *stubRedisClient) Pipeline() RedisPipeliner { return s.pipe }

type stubPipeline struct {
	hsets []struct {
		key    string
		values []any
	}
	expirations     map[string]time.Duration
	expirationCalls int
	xadds           []redis.XAddArgs
	execCalled      bool
	execErr         error
}

func (s *stubPipeline) HSet(_ context.Context, key string, values ...any) *redis.IntCmd {
	s.hsets = append(s.hsets, struct {
		key    string
		values []any
	}{key: key, values: values})
	return redis.NewIntCmd(context.Background())
}

func (s *stubPipeline) Expire(_ context.Context, key string, ttl time.Duration) *redis.BoolCmd {
	if s.expirations == nil {
		s.expirations = map[string]time.Duration{}
	}
	s.expirations[key] = ttl
	s.expirationCalls++
	return redis.NewBoolCmd(context.Background())
}

func (s *stubPipeline) XAdd(_ context.Context, a *redis.XAddArgs) *redis.StringCmd {
	s.xadds = append(s.xadds, *a)
	return redis.NewStringCmd(context.Background())
}

func (s *stubPipeline) Exec(_ context.Context) ([]redis.Cmder, error) {
	s.execCalled = true
	return nil, s.execErr
}

func toMap(args []any) map[string]any {
	if len(args) == 0 {
		return map[string]any{}
	}
	if m, ok := args[0].(map[string]any); ok {
		return m
	}
	return map[string]any{}
}
