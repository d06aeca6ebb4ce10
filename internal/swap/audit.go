package swap

import (
	"context"
	"time"
)

// AuditStore persists completion audit records. It is the only writer of
// audit rows; entity rows are owned by the executor and rollback stores.
type AuditStore interface {
	// Create inserts a record in initiated status and back-references it
	// from the proposal.
	Create(ctx context.Context, rec AuditRecord) (AuditRecord, error)
	// UpdateStatus is the single mutation path for all later status
	// changes. It resolves the record by proposal id, latest first, so
	// repeated calls act on the most recent attempt. Corrections to a
	// terminal record append to the error detail.
	UpdateStatus(ctx context.Context, proposalID string, status AuditStatus, upd AuditUpdate) (AuditRecord, error)
	GetByProposal(ctx context.Context, proposalID string) (AuditRecord, error)
	GetByID(ctx context.Context, id string) (AuditRecord, error)
	QueryHistory(ctx context.Context, filter HistoryFilter, page Page) ([]AuditRecord, error)
	Statistics(ctx context.Context, filter HistoryFilter) (AuditStatistics, error)
	// FindByEntity returns records whose affected swap or holding id sets
	// contain the given entity id.
	FindByEntity(ctx context.Context, entityID string) ([]AuditRecord, error)
	// DeleteOlderThan removes at most batchSize records created before the
	// cutoff and reports how many went.
	DeleteOlderThan(ctx context.Context, cutoff time.Time, batchSize int) (int64, error)
	// CountOlderThan reports how many records a purge would delete.
	CountOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

func newAuditRecord(snap *Snapshot, operationID, initiatorID string, pre ValidationResult, now time.Time) AuditRecord {
	rec := AuditRecord{
		ProposalID:    snap.Proposal.ID,
		Kind:          snap.Proposal.Kind,
		InitiatorID:   initiatorID,
		OperationID:   operationID,
		Status:        AuditStatusInitiated,
		PreValidation: &pre,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	for _, s := range snap.Swaps() {
		rec.AffectedSwapIDs = append(rec.AffectedSwapIDs, s.ID)
	}
	for _, h := range snap.Holdings() {
		rec.AffectedHoldingIDs = append(rec.AffectedHoldingIDs, h.ID)
	}
	return rec
}
