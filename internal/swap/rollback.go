package swap

import (
	"context"
	"strings"

	"go.uber.org/zap"
)

// RollbackStore reverts entity rows to their snapshot state. Each method is
// one transaction; holding reverts check current state first and only write
// when it diverges, which makes a retried rollback a no-op.
type RollbackStore interface {
	RevertSwaps(ctx context.Context, originals []Swap) ([]string, error)
	RevertHoldings(ctx context.Context, originals []Holding) ([]string, error)
	RevertProposal(ctx context.Context, original Proposal) error
}

// PartialCompletion carries whatever a failed completion produced before the
// failure: committed row images and, in the hard case, a ledger transaction
// that cannot be deleted.
type PartialCompletion struct {
	Outcome     *CompletionOutcome
	LedgerTxID  string
	OperationID string
	Reason      string
}

// RollbackManager restores every entity in the snapshot to its original
// state and compensates the immutable ledger with a rollback record. Every
// step is attempted regardless of earlier failures; partial success is
// aggregated rather than short-circuited.
type RollbackManager struct {
	store  RollbackStore
	audit  AuditStore
	ledger *LedgerRecorder
	log    *zap.Logger
}

// NewRollbackManager constructs a RollbackManager.
func NewRollbackManager(store RollbackStore, audit AuditStore, ledger *LedgerRecorder, logger *zap.Logger) *RollbackManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RollbackManager{store: store, audit: audit, ledger: ledger, log: logger}
}

// Rollback reverts swaps, compensates the ledger, reverts holdings and the
// proposal, and marks the audit record rolled_back when everything restored
// after an actual committed mutation. RequiresManualIntervention is set
// whenever any step fails; it is never dropped.
func (m *RollbackManager) Rollback(ctx context.Context, auditID string, snap *Snapshot, partial *PartialCompletion) RollbackResult {
	result := RollbackResult{Success: true}
	var details []string

	// Step 1: swaps back to original status, completion timestamp and
	// ledger reference cleared.
	originals := snap.Swaps()
	restored, err := m.store.RevertSwaps(ctx, originals)
	result.RestoredEntityIDs = append(result.RestoredEntityIDs, restored...)
	if err != nil {
		result.markFailed(&details, "revert swaps: "+err.Error())
		for _, s := range originals {
			if !contains(restored, s.ID) {
				result.FailedEntityIDs = append(result.FailedEntityIDs, s.ID)
			}
		}
	}

	// Step 2: the ledger append cannot be undone; compensate with a
	// rollback record referencing the original transaction.
	if partial != nil && partial.LedgerTxID != "" {
		payload := BuildRollbackPayload(auditID, partial.LedgerTxID, snap.Proposal.ID, partial.OperationID, partial.Reason)
		if _, err := m.ledger.Record(ctx, payload); err != nil {
			result.markFailed(&details, "ledger compensation: "+err.Error())
		} else {
			m.log.Info("ledger rollback recorded",
				zap.String("proposal_id", snap.Proposal.ID),
				zap.String("original_tx_id", partial.LedgerTxID),
			)
		}
	}

	// Step 3: holdings back to original status and owner.
	holdings := snap.Holdings()
	restored, err = m.store.RevertHoldings(ctx, holdings)
	result.RestoredEntityIDs = append(result.RestoredEntityIDs, restored...)
	if err != nil {
		result.markFailed(&details, "revert holdings: "+err.Error())
		for _, h := range holdings {
			if !contains(restored, h.ID) {
				result.FailedEntityIDs = append(result.FailedEntityIDs, h.ID)
			}
		}
	}

	// Step 4: proposal status and response fields.
	if err := m.store.RevertProposal(ctx, snap.Proposal); err != nil {
		result.markFailed(&details, "revert proposal: "+err.Error())
		result.FailedEntityIDs = append(result.FailedEntityIDs, snap.Proposal.ID)
	} else {
		result.RestoredEntityIDs = append(result.RestoredEntityIDs, snap.Proposal.ID)
	}

	// Step 5: a committed-then-reverted attempt is marked rolled_back;
	// the record is kept, never deleted. Attempts that failed before any
	// commit stay terminal failed.
	if result.Success && partial != nil && partial.Outcome != nil {
		upd := AuditUpdate{ClearLedgerTx: true}
		if _, err := m.audit.UpdateStatus(ctx, snap.Proposal.ID, AuditStatusRolledBack, upd); err != nil {
			result.markFailed(&details, "mark audit rolled_back: "+err.Error())
		}
	}

	result.ErrorDetail = strings.Join(details, "; ")
	if !result.Success {
		m.log.Error("rollback incomplete, manual intervention required",
			zap.String("audit_id", auditID),
			zap.String("proposal_id", snap.Proposal.ID),
			zap.Strings("failed_entities", result.FailedEntityIDs),
			zap.String("detail", result.ErrorDetail),
		)
	}
	return result
}

func (r *RollbackResult) markFailed(details *[]string, detail string) {
	r.Success = false
	r.RequiresManualIntervention = true
	*details = append(*details, detail)
}

func contains(ids []string, id string) bool {
	for _, candidate := range ids {
		if candidate == id {
			return true
		}
	}
	return false
}
