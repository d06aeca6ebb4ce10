package notify

import (
	"context"
	"errors"
	"testing"

	"go.uber.org/zap"

	"stayswap/internal/swap"
)

type failingNotifier struct {
	err error
}

func (f *failingNotifier) CompletionSucceeded(context.Context, swap.CompletionNotice) error {
	return f.err
}

func (f *failingNotifier) CompletionFailed(context.Context, swap.CompletionNotice) error {
	return f.err
}

func (f *failingNotifier) OwnershipTransferred(context.Context, swap.TransferNotice) error {
	return f.err
}

func TestFanout_DeliversToAllDespiteFailures(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	local := NewLocalNotifier()
	fanout := NewFanout(&failingNotifier{err: boom}, local)

	err := fanout.CompletionSucceeded(context.Background(), swap.CompletionNotice{ProposalID: "prop-1"})
	if !errors.Is(err, boom) {
		t.Fatalf("expected joined error to include boom, got %v", err)
	}
	if got := local.Completions(); len(got) != 1 || got[0].ProposalID != "prop-1" {
		t.Fatalf("expected later notifier to still receive the notice, got %+v", got)
	}
}

func TestFanout_NilWhenAllSucceed(t *testing.T) {
	t.Parallel()

	a := NewLocalNotifier()
	b := NewLocalNotifier()
	fanout := NewFanout(a, b)

	if err := fanout.OwnershipTransferred(context.Background(), swap.TransferNotice{HoldingID: "hold-1"}); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if len(a.Transfers()) != 1 || len(b.Transfers()) != 1 {
		t.Fatalf("expected both notifiers to record the transfer")
	}
}

func TestBestEffort_SwallowsErrors(t *testing.T) {
	t.Parallel()

	wrapped := NewBestEffort(&failingNotifier{err: errors.New("down")}, zap.NewNop())

	if err := wrapped.CompletionSucceeded(context.Background(), swap.CompletionNotice{ProposalID: "p"}); err != nil {
		t.Fatalf("expected swallowed error, got %v", err)
	}
	if err := wrapped.CompletionFailed(context.Background(), swap.CompletionNotice{ProposalID: "p"}); err != nil {
		t.Fatalf("expected swallowed error, got %v", err)
	}
	if err := wrapped.OwnershipTransferred(context.Background(), swap.TransferNotice{HoldingID: "h"}); err != nil {
		t.Fatalf("expected swallowed error, got %v", err)
	}
}

func TestLocalNotifier_RecordsByCategory(t *testing.T) {
	t.Parallel()

	local := NewLocalNotifier()
	ctx := context.Background()

	if err := local.CompletionSucceeded(ctx, swap.CompletionNotice{ProposalID: "ok"}); err != nil {
		t.Fatalf("success: %v", err)
	}
	if err := local.CompletionFailed(ctx, swap.CompletionNotice{ProposalID: "bad", Error: "db"}); err != nil {
		t.Fatalf("failure: %v", err)
	}
	if err := local.OwnershipTransferred(ctx, swap.TransferNotice{HoldingID: "hold-9"}); err != nil {
		t.Fatalf("transfer: %v", err)
	}

	if got := local.Completions(); len(got) != 1 || got[0].ProposalID != "ok" {
		t.Fatalf("unexpected completions: %+v", got)
	}
	if got := local.Failures(); len(got) != 1 || got[0].Error != "db" {
		t.Fatalf("unexpected failures: %+v", got)
	}
	if got := local.Transfers(); len(got) != 1 || got[0].HoldingID != "hold-9" {
		t.Fatalf("unexpected transfers: %+v", got)
	}
}
