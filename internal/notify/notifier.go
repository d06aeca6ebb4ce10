package notify

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"stayswap/internal/swap"
)

// Fanout forwards each notification to every notifier in order, collecting
// errors so all of them get a chance to deliver.
type Fanout struct {
	notifiers []swap.Notifier
}

// NewFanout constructs a Fanout over the given notifiers.
func NewFanout(notifiers ...swap.Notifier) *Fanout {
	return &Fanout{notifiers: notifiers}
}

func (f *Fanout) CompletionSucceeded(ctx context.Context, n swap.CompletionNotice) error {
	var errs []error
	for _, notifier := range f.notifiers {
		if err := notifier.CompletionSucceeded(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (f *Fanout) CompletionFailed(ctx context.Context, n swap.CompletionNotice) error {
	var errs []error
	for _, notifier := range f.notifiers {
		if err := notifier.CompletionFailed(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (f *Fanout) OwnershipTransferred(ctx context.Context, n swap.TransferNotice) error {
	var errs []error
	for _, notifier := range f.notifiers {
		if err := notifier.OwnershipTransferred(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// BestEffort wraps a notifier so delivery failures are logged and swallowed.
type BestEffort struct {
	base swap.Notifier
	log  *zap.Logger
}

// NewBestEffort constructs a BestEffort wrapper.
func NewBestEffort(base swap.Notifier, logger *zap.Logger) *BestEffort {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BestEffort{base: base, log: logger}
}

func (b *BestEffort) CompletionSucceeded(ctx context.Context, n swap.CompletionNotice) error {
	if err := b.base.CompletionSucceeded(ctx, n); err != nil {
		b.log.Warn("completion-success notification dropped",
			zap.String("proposal_id", n.ProposalID), zap.Error(err))
	}
	return nil
}

func (b *BestEffort) CompletionFailed(ctx context.Context, n swap.CompletionNotice) error {
	if err := b.base.CompletionFailed(ctx, n); err != nil {
		b.log.Warn("completion-failure notification dropped",
			zap.String("proposal_id", n.ProposalID), zap.Error(err))
	}
	return nil
}

func (b *BestEffort) OwnershipTransferred(ctx context.Context, n swap.TransferNotice) error {
	if err := b.base.OwnershipTransferred(ctx, n); err != nil {
		b.log.Warn("ownership-transfer notification dropped",
			zap.String("holding_id", n.HoldingID), zap.Error(err))
	}
	return nil
}

// NewLocalNotifier constructs an in-memory notifier.
func NewLocalNotifier() *LocalNotifier {
	return &LocalNotifier{}
}

// LocalNotifier records notices in memory (for tests and local wiring).
type LocalNotifier struct {
	mu          sync.Mutex
	completions []swap.CompletionNotice
	failures    []swap.CompletionNotice
	transfers   []swap.TransferNotice
}

func (l *LocalNotifier) CompletionSucceeded(ctx context.Context, n swap.CompletionNotice) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.completions = append(l.completions, n)
	return nil
}

func (l *LocalNotifier) CompletionFailed(ctx context.Context, n swap.CompletionNotice) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failures = append(l.failures, n)
	return nil
}

func (l *LocalNotifier) OwnershipTransferred(ctx context.Context, n swap.TransferNotice) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.transfers = append(l.transfers, n)
	return nil
}

// Completions returns recorded success notices (for testing/inspection).
func (l *LocalNotifier) Completions() []swap.CompletionNotice {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]swap.CompletionNotice, len(l.completions))
	copy(out, l.completions)
	return out
}

// Failures returns recorded failure notices (for testing/inspection).
func (l *LocalNotifier) Failures() []swap.CompletionNotice {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]swap.CompletionNotice, len(l.failures))
	copy(out, l.failures)
	return out
}

// Transfers returns recorded transfer notices (for testing/inspection).
func (l *LocalNotifier) Transfers() []swap.TransferNotice {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]swap.TransferNotice, len(l.transfers))
	copy(out, l.transfers)
	return out
}
