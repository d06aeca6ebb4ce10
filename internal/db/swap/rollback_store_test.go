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

func TestRollbackStore_RevertSwaps_WritesOnlyDiverged(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	completed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	originals := []swap.Swap{
		{ID: "swap-1", HoldingID: "hold-1", Status: swap.SwapStatusAccepted},
		{ID: "swap-2", HoldingID: "hold-2", Status: swap.SwapStatusPending},
	}

	mock.ExpectBegin()
	// swap-1 diverged: currently completed with a ledger reference.
	mock.ExpectQuery("SELECT (.+) FROM swaps").
		WithArgs("swap-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "holding_id", "status", "completed_at", "ledger_tx_id"}).
			AddRow("swap-1", "hold-1", "completed", completed, "tx-1"))
	mock.ExpectExec("UPDATE swaps").
		WithArgs("swap-1", swap.SwapStatusAccepted, sql.NullTime{}, "").
		WillReturnResult(sqlmock.NewResult(0, 1))
	// swap-2 already matches the original image.
	mock.ExpectQuery("SELECT (.+) FROM swaps").
		WithArgs("swap-2").
		WillReturnRows(sqlmock.NewRows([]string{"id", "holding_id", "status", "completed_at", "ledger_tx_id"}).
			AddRow("swap-2", "hold-2", "pending", nil, ""))
	mock.ExpectCommit()
	mock.ExpectClose()

	store := NewRollbackStore(db)
	restored, err := store.RevertSwaps(context.Background(), originals)
	if err != nil {
		t.Fatalf("RevertSwaps: %v", err)
	}
	if len(restored) != 2 {
		t.Fatalf("expected both swaps restored, got %v", restored)
	}
}

func TestRollbackStore_RevertSwaps_SkipsMissingRows(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT (.+) FROM swaps").
		WithArgs("swap-gone").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectCommit()
	mock.ExpectClose()

	store := NewRollbackStore(db)
	restored, err := store.RevertSwaps(context.Background(), []swap.Swap{{ID: "swap-gone"}})
	if err != nil {
		t.Fatalf("RevertSwaps: %v", err)
	}
	if len(restored) != 0 {
		t.Fatalf("expected no restores, got %v", restored)
	}
}

func TestRollbackStore_RevertHoldings_RestoresOwner(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	swapped := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	original := swap.Holding{ID: "hold-1", OwnerID: "user-b", Status: swap.HoldingStatusUnavailable}

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT (.+) FROM holdings").
		WithArgs("hold-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "owner_id", "status", "swapped_at"}).
			AddRow("hold-1", "user-a", "swapped", swapped))
	mock.ExpectExec("UPDATE holdings").
		WithArgs("hold-1", "user-b", swap.HoldingStatusUnavailable, sql.NullTime{}).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	mock.ExpectClose()

	store := NewRollbackStore(db)
	restored, err := store.RevertHoldings(context.Background(), []swap.Holding{original})
	if err != nil {
		t.Fatalf("RevertHoldings: %v", err)
	}
	if len(restored) != 1 || restored[0] != "hold-1" {
		t.Fatalf("unexpected restored set: %v", restored)
	}
}

func TestRollbackStore_RevertHoldings_RollsBackOnError(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT (.+) FROM holdings").
		WithArgs("hold-1").
		WillReturnError(errors.New("connection reset"))
	mock.ExpectRollback()
	mock.ExpectClose()

	store := NewRollbackStore(db)
	_, err := store.RevertHoldings(context.Background(), []swap.Holding{{ID: "hold-1"}})
	if err == nil {
		t.Fatalf("expected error")
	}
}

func TestRollbackStore_RevertProposal(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	mock.ExpectExec("UPDATE proposals").
		WithArgs("prop-1", swap.ProposalStatusPending, "", sql.NullTime{}).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectClose()

	store := NewRollbackStore(db)
	err := store.RevertProposal(context.Background(), swap.Proposal{
		ID:     "prop-1",
		Status: swap.ProposalStatusPending,
	})
	if err != nil {
		t.Fatalf("RevertProposal: %v", err)
	}
}
