package notify

import (
	"context"

	"stayswap/internal/realtime"
	"stayswap/internal/swap"
)

// HubNotifier pushes completion notices to WebSocket subscribers via the hub.
type HubNotifier struct {
	hub *realtime.Hub
}

func NewHubNotifier(hub *realtime.Hub) *HubNotifier {
	return &HubNotifier{hub: hub}
}

func (n *HubNotifier) CompletionSucceeded(ctx context.Context, notice swap.CompletionNotice) error {
	return n.publish(ctx, realtime.Event{
		Type:       "completion_succeeded",
		ProposalID: notice.ProposalID,
		Data:       notice,
		OccurredAt: notice.OccurredAt,
	})
}

func (n *HubNotifier) CompletionFailed(ctx context.Context, notice swap.CompletionNotice) error {
	return n.publish(ctx, realtime.Event{
		Type:       "completion_failed",
		ProposalID: notice.ProposalID,
		Data:       notice,
		OccurredAt: notice.OccurredAt,
	})
}

func (n *HubNotifier) OwnershipTransferred(ctx context.Context, notice swap.TransferNotice) error {
	return n.publish(ctx, realtime.Event{
		Type:       "ownership_transferred",
		Data:       notice,
		OccurredAt: notice.OccurredAt,
	})
}

func (n *HubNotifier) publish(ctx context.Context, event realtime.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return n.hub.Publish(event)
}
