package swap

import (
	"fmt"
	"time"
)

// ValidatePreCompletion checks that the snapshot is still eligible for
// completion. Pure: it never reads the store or mutates anything.
func ValidatePreCompletion(snap *Snapshot, now time.Time) ValidationResult {
	res := ValidationResult{IsValid: true}

	p := snap.Proposal
	if p.Status != ProposalStatusPending {
		res.addError("proposal %s is %s, want pending", p.ID, p.Status)
	}
	// An expiry exactly equal to now counts as expired.
	if !p.ExpiresAt.After(now) {
		res.addError("proposal %s expired at %s", p.ID, p.ExpiresAt.Format(time.RFC3339))
	}

	if p.Kind == ProposalKindBooking && snap.TargetSwap == nil {
		res.addError("booking proposal %s has no target swap", p.ID)
	}
	if p.Kind == ProposalKindCash && snap.TargetSwap != nil {
		res.addWarning("cash proposal %s unexpectedly references target swap %s", p.ID, snap.TargetSwap.ID)
	}

	validateSwapPre(&res, snap.SourceSwap)
	validateHoldingPre(&res, snap.SourceHolding, p.RecipientID)
	if snap.TargetSwap != nil {
		validateSwapPre(&res, *snap.TargetSwap)
	}
	if snap.TargetHolding != nil {
		validateHoldingPre(&res, *snap.TargetHolding, p.ProposerID)
	}

	if p.Kind == ProposalKindCash {
		if p.CashAmount <= 0 {
			res.addError("cash proposal %s has non-positive amount %.2f", p.ID, p.CashAmount)
		}
		if p.CashCurrency == "" {
			res.addError("cash proposal %s has no currency", p.ID)
		}
		if snap.Payment != nil && snap.Payment.Status == PaymentStatusFailed {
			res.addError("payment %s for proposal %s is failed", snap.Payment.ID, p.ID)
		}
	}

	return res
}

func validateSwapPre(res *ValidationResult, s Swap) {
	switch s.Status {
	case SwapStatusPending, SwapStatusAccepted:
	default:
		res.addError("swap %s is %s, not completable", s.ID, s.Status)
	}
	if s.CompletedAt != nil {
		res.addError("swap %s already has completion timestamp", s.ID)
	}
	if s.LedgerTxID != "" {
		res.addWarning("swap %s already references ledger tx %s", s.ID, s.LedgerTxID)
	}
}

func validateHoldingPre(res *ValidationResult, h Holding, expectedOwner string) {
	if h.Status == HoldingStatusSwapped {
		res.addError("holding %s already transferred", h.ID)
	}
	if expectedOwner != "" && h.OwnerID != expectedOwner {
		res.addError("holding %s owned by %s, want %s", h.ID, h.OwnerID, expectedOwner)
	}
}

// ValidatePostCompletion re-checks the mutated entities. On mismatch it
// records the inconsistent entity ids but reverts nothing; reversal is the
// orchestrator's decision.
func ValidatePostCompletion(swaps []Swap, holdings []Holding, proposal Proposal) ValidationResult {
	res := ValidationResult{IsValid: true}

	for _, s := range swaps {
		if s.Status != SwapStatusCompleted {
			res.addError("swap %s is %s after completion", s.ID, s.Status)
			res.addInconsistent(s.ID)
		}
		if s.CompletedAt == nil {
			res.addError("swap %s has no completion timestamp", s.ID)
			res.addInconsistent(s.ID)
		}
	}

	for _, h := range holdings {
		if h.Status != HoldingStatusSwapped {
			res.addError("holding %s is %s after completion", h.ID, h.Status)
			res.addInconsistent(h.ID)
		}
		if h.SwappedAt == nil {
			res.addError("holding %s has no swap timestamp", h.ID)
			res.addInconsistent(h.ID)
		}
	}

	if proposal.Status != ProposalStatusAccepted {
		res.addError("proposal %s is %s after completion", proposal.ID, proposal.Status)
		res.addInconsistent(proposal.ID)
	}

	return res
}

func (r *ValidationResult) addError(format string, args ...any) {
	r.IsValid = false
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
}

func (r *ValidationResult) addWarning(format string, args ...any) {
	r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...))
}

func (r *ValidationResult) addInconsistent(id string) {
	for _, existing := range r.InconsistentEntities {
		if existing == id {
			return
		}
	}
	r.InconsistentEntities = append(r.InconsistentEntities, id)
}
