package swap

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

// EntityStore loads completion entities from the transactional store.
type EntityStore interface {
	GetProposal(ctx context.Context, id string) (Proposal, error)
	GetSwap(ctx context.Context, id string) (Swap, error)
	GetHolding(ctx context.Context, id string) (Holding, error)
	// GetPaymentByProposal returns (nil, nil) when no payment record exists.
	GetPaymentByProposal(ctx context.Context, proposalID string) (*PaymentRecord, error)
}

// Resolver loads the proposal and every entity it references into one
// consistent snapshot. It is strictly read-only.
type Resolver struct {
	store EntityStore
	log   *zap.Logger
}

// NewResolver constructs a Resolver.
func NewResolver(store EntityStore, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{store: store, log: logger}
}

// Resolve loads the snapshot for a proposal. A swap is never valid without
// its holding, so a missing holding fails the same way as a missing swap.
func (r *Resolver) Resolve(ctx context.Context, proposalID string) (*Snapshot, error) {
	proposal, err := r.store.GetProposal(ctx, proposalID)
	if err != nil {
		return nil, resolveErr(err, "proposal %s", proposalID)
	}

	sourceSwap, err := r.store.GetSwap(ctx, proposal.SourceSwapID)
	if err != nil {
		return nil, resolveErr(err, "source swap %s", proposal.SourceSwapID)
	}
	sourceHolding, err := r.store.GetHolding(ctx, sourceSwap.HoldingID)
	if err != nil {
		return nil, resolveErr(err, "holding %s for swap %s", sourceSwap.HoldingID, sourceSwap.ID)
	}

	snap := &Snapshot{
		Proposal:      proposal,
		SourceSwap:    sourceSwap,
		SourceHolding: sourceHolding,
		ResolvedAt:    time.Now().UTC(),
	}

	if proposal.TargetSwapID != "" {
		targetSwap, err := r.store.GetSwap(ctx, proposal.TargetSwapID)
		if err != nil {
			return nil, resolveErr(err, "target swap %s", proposal.TargetSwapID)
		}
		targetHolding, err := r.store.GetHolding(ctx, targetSwap.HoldingID)
		if err != nil {
			return nil, resolveErr(err, "holding %s for swap %s", targetSwap.HoldingID, targetSwap.ID)
		}
		snap.TargetSwap = &targetSwap
		snap.TargetHolding = &targetHolding
	}

	if proposal.Kind == ProposalKindCash {
		payment, err := r.store.GetPaymentByProposal(ctx, proposal.ID)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return nil, WrapError(err, CodeMissingRelatedEntities, "load payment for proposal %s", proposal.ID)
		}
		// A missing payment record is not an error; it may be created
		// later in the flow.
		snap.Payment = payment
	}

	r.log.Debug("snapshot resolved",
		zap.String("proposal_id", proposal.ID),
		zap.String("kind", string(proposal.Kind)),
		zap.Bool("has_target", snap.TargetSwap != nil),
		zap.Bool("has_payment", snap.Payment != nil),
	)

	return snap, nil
}

func resolveErr(err error, format string, args ...any) error {
	if errors.Is(err, ErrNotFound) {
		return WrapError(err, CodeMissingRelatedEntities, format, args...)
	}
	return WrapError(err, CodeMissingRelatedEntities, "load failed: "+format, args...)
}
