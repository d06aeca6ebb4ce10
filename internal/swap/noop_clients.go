package swap

import "context"

// NoopNotifier is a stub Notifier that always succeeds.
type NoopNotifier struct{}

func (NoopNotifier) CompletionSucceeded(ctx context.Context, n CompletionNotice) error {
	return nil
}

func (NoopNotifier) CompletionFailed(ctx context.Context, n CompletionNotice) error {
	return nil
}

func (NoopNotifier) OwnershipTransferred(ctx context.Context, n TransferNotice) error {
	return nil
}
