package swapdb

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"

	"stayswap/internal/swap"
)

var auditCols = []string{
	"id", "proposal_id", "kind", "initiator_id", "operation_id",
	"affected_swap_ids", "affected_holding_ids", "ledger_tx_id", "status",
	"pre_validation", "post_validation", "error_detail", "created_at", "updated_at", "completed_at",
}

var auditNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func auditRow(id, status string) *sqlmock.Rows {
	return sqlmock.NewRows(auditCols).AddRow(
		id, "prop-1", "booking", "user-b", "op-1",
		[]byte(`["swap-1","swap-2"]`), []byte(`["hold-1"]`), "", status,
		[]byte(`{"is_valid":true}`), nil, "", auditNow, auditNow, nil,
	)
}

func TestAuditStore_InitSchema(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS completion_audits").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE INDEX IF NOT EXISTS completion_audits_proposal_idx").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE INDEX IF NOT EXISTS completion_audits_created_idx").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectClose()

	if _, err := NewAuditStoreWithSchema(context.Background(), db); err != nil {
		t.Fatalf("InitSchema: %v", err)
	}
}

func TestAuditStore_Create_InsertsAndBackReferences(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	mock.ExpectQuery("INSERT INTO completion_audits").
		WithArgs("audit-1", "prop-1", swap.ProposalKindBooking, "user-b", "op-1",
			`["swap-1","swap-2"]`, `["hold-1"]`, swap.AuditStatusInitiated,
			sql.NullString{String: `{"is_valid":true}`, Valid: true}).
		WillReturnRows(auditRow("audit-1", "initiated"))
	mock.ExpectExec("UPDATE proposals SET audit_record_id").
		WithArgs("prop-1", "audit-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectClose()

	store := NewAuditStore(db)
	created, err := store.Create(context.Background(), swap.AuditRecord{
		ID:                 "audit-1",
		ProposalID:         "prop-1",
		Kind:               swap.ProposalKindBooking,
		InitiatorID:        "user-b",
		OperationID:        "op-1",
		AffectedSwapIDs:    []string{"swap-1", "swap-2"},
		AffectedHoldingIDs: []string{"hold-1"},
		PreValidation:      &swap.ValidationResult{IsValid: true},
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if created.Status != swap.AuditStatusInitiated {
		t.Fatalf("expected initiated status, got %s", created.Status)
	}
	if len(created.AffectedSwapIDs) != 2 || created.AffectedSwapIDs[0] != "swap-1" {
		t.Fatalf("unexpected affected swaps: %v", created.AffectedSwapIDs)
	}
	if created.PreValidation == nil || !created.PreValidation.IsValid {
		t.Fatalf("unexpected pre-validation: %+v", created.PreValidation)
	}
}

func TestAuditStore_UpdateStatus_Completed(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	completed := sqlmock.NewRows(auditCols).AddRow(
		"audit-1", "prop-1", "booking", "user-b", "op-1",
		[]byte(`["swap-1","swap-2"]`), []byte(`["hold-1"]`), "tx-9", "completed",
		[]byte(`{"is_valid":true}`), []byte(`{"is_valid":true}`), "", auditNow, auditNow, auditNow,
	)
	mock.ExpectQuery("UPDATE completion_audits").
		WithArgs("prop-1", swap.AuditStatusCompleted,
			sql.NullString{String: `{"is_valid":true}`, Valid: true}, "", "tx-9", false).
		WillReturnRows(completed)
	mock.ExpectClose()

	store := NewAuditStore(db)
	rec, err := store.UpdateStatus(context.Background(), "prop-1", swap.AuditStatusCompleted, swap.AuditUpdate{
		PostValidation: &swap.ValidationResult{IsValid: true},
		LedgerTxID:     "tx-9",
	})
	if err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}
	if rec.Status != swap.AuditStatusCompleted || rec.LedgerTxID != "tx-9" {
		t.Fatalf("unexpected record: %+v", rec)
	}
	if rec.CompletedAt == nil {
		t.Fatalf("expected completion timestamp")
	}
}

func TestAuditStore_UpdateStatus_RejectsInitiated(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)
	mock.ExpectClose()

	store := NewAuditStore(db)
	_, err := store.UpdateStatus(context.Background(), "prop-1", swap.AuditStatusInitiated, swap.AuditUpdate{})
	if !swap.IsCode(err, swap.CodeInvalidCompletionData) {
		t.Fatalf("expected rejection without touching the store, got %v", err)
	}
}

func TestAuditStore_GetByProposal_NotFound(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	mock.ExpectQuery("SELECT (.+) FROM completion_audits").
		WithArgs("prop-gone").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectClose()

	store := NewAuditStore(db)
	_, err := store.GetByProposal(context.Background(), "prop-gone")
	if !errors.Is(err, swap.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestAuditStore_QueryHistory_AppliesFilterAndPaging(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	mock.ExpectQuery("SELECT (.+) FROM completion_audits").
		WithArgs("user-b", "completed", 25, 50).
		WillReturnRows(auditRow("audit-1", "completed"))
	mock.ExpectClose()

	store := NewAuditStore(db)
	records, err := store.QueryHistory(context.Background(),
		swap.HistoryFilter{InitiatorID: "user-b", Status: swap.AuditStatusCompleted},
		swap.Page{Limit: 25, Offset: 50},
	)
	if err != nil {
		t.Fatalf("QueryHistory: %v", err)
	}
	if len(records) != 1 || records[0].ID != "audit-1" {
		t.Fatalf("unexpected records: %+v", records)
	}
}

func TestAuditStore_QueryHistory_DefaultsLimit(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	mock.ExpectQuery("SELECT (.+) FROM completion_audits").
		WithArgs(50, 0).
		WillReturnRows(sqlmock.NewRows(auditCols))
	mock.ExpectClose()

	store := NewAuditStore(db)
	records, err := store.QueryHistory(context.Background(), swap.HistoryFilter{}, swap.Page{})
	if err != nil {
		t.Fatalf("QueryHistory: %v", err)
	}
	if len(records) != 0 {
		t.Fatalf("expected empty result, got %+v", records)
	}
}

func TestAuditStore_Statistics(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	mock.ExpectQuery("FROM completion_audits").
		WillReturnRows(sqlmock.NewRows([]string{
			"total", "initiated", "completed", "failed", "rolled_back",
			"booking", "cash", "avg_seconds", "ledger_rate",
		}).AddRow(10, 1, 6, 2, 1, 7, 3, 12.5, 0.5))
	mock.ExpectClose()

	store := NewAuditStore(db)
	stats, err := store.Statistics(context.Background(), swap.HistoryFilter{})
	if err != nil {
		t.Fatalf("Statistics: %v", err)
	}
	if stats.Total != 10 {
		t.Fatalf("expected total 10, got %d", stats.Total)
	}
	if stats.ByStatus[swap.AuditStatusCompleted] != 6 || stats.ByStatus[swap.AuditStatusRolledBack] != 1 {
		t.Fatalf("unexpected status breakdown: %+v", stats.ByStatus)
	}
	if stats.ByKind[swap.ProposalKindBooking] != 7 || stats.ByKind[swap.ProposalKindCash] != 3 {
		t.Fatalf("unexpected kind breakdown: %+v", stats.ByKind)
	}
	if stats.AverageDuration != 12500*time.Millisecond {
		t.Fatalf("unexpected average duration: %v", stats.AverageDuration)
	}
	if stats.LedgerSuccessRate != 0.5 {
		t.Fatalf("unexpected ledger rate: %v", stats.LedgerSuccessRate)
	}
}

func TestAuditStore_FindByEntity(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	mock.ExpectQuery("FROM completion_audits WHERE affected_swap_ids").
		WithArgs(`["swap-2"]`).
		WillReturnRows(auditRow("audit-1", "completed"))
	mock.ExpectClose()

	store := NewAuditStore(db)
	records, err := store.FindByEntity(context.Background(), "swap-2")
	if err != nil {
		t.Fatalf("FindByEntity: %v", err)
	}
	if len(records) != 1 || records[0].ProposalID != "prop-1" {
		t.Fatalf("unexpected records: %+v", records)
	}
}

func TestAuditStore_DeleteAndCountOlderThan(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	cutoff := auditNow.AddDate(0, 0, -90)
	mock.ExpectExec("DELETE FROM completion_audits").
		WithArgs(cutoff, 100).
		WillReturnResult(sqlmock.NewResult(0, 42))
	mock.ExpectQuery("FROM completion_audits WHERE created_at").
		WithArgs(cutoff).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(7))
	mock.ExpectClose()

	store := NewAuditStore(db)
	deleted, err := store.DeleteOlderThan(context.Background(), cutoff, 100)
	if err != nil {
		t.Fatalf("DeleteOlderThan: %v", err)
	}
	if deleted != 42 {
		t.Fatalf("expected 42 deleted, got %d", deleted)
	}

	count, err := store.CountOlderThan(context.Background(), cutoff)
	if err != nil {
		t.Fatalf("CountOlderThan: %v", err)
	}
	if count != 7 {
		t.Fatalf("expected count 7, got %d", count)
	}
}
