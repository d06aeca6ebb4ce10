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

var execNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func cashSnapshot() *swap.Snapshot {
	return &swap.Snapshot{
		Proposal: swap.Proposal{
			ID:           "prop-1",
			Kind:         swap.ProposalKindCash,
			Status:       swap.ProposalStatusPending,
			ProposerID:   "user-a",
			RecipientID:  "user-b",
			SourceSwapID: "swap-1",
			CashAmount:   50,
			CashCurrency: "USD",
			ExpiresAt:    execNow.Add(time.Hour),
		},
		SourceSwap:    swap.Swap{ID: "swap-1", HoldingID: "hold-1", Status: swap.SwapStatusAccepted},
		SourceHolding: swap.Holding{ID: "hold-1", OwnerID: "user-b", Status: swap.HoldingStatusUnavailable},
	}
}

func cashPlan() swap.CompletionPlan {
	return swap.CompletionPlan{
		OperationID: "op-1",
		Swaps: []swap.SwapUpdate{
			{SwapID: "swap-1", Status: swap.SwapStatusCompleted, CompletedAt: execNow},
		},
		Holdings: []swap.HoldingUpdate{
			{HoldingID: "hold-1", Status: swap.HoldingStatusSwapped, SwappedAt: execNow, NewOwnerID: "user-a"},
		},
		Proposal: swap.ProposalUpdate{
			Status:      swap.ProposalStatusAccepted,
			RespondedBy: "user-b",
			RespondedAt: execNow,
		},
	}
}

func proposalRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "kind", "status", "proposer_id", "recipient_id", "source_swap_id",
		"target_swap_id", "cash_amount", "cash_currency", "expires_at",
		"responded_by", "responded_at",
	}).AddRow(
		"prop-1", "cash", "accepted", "user-a", "user-b", "swap-1",
		nil, 50.0, "USD", execNow.Add(time.Hour), "user-b", execNow,
	)
}

func TestExecutorStore_ExecuteCompletion_Commits(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	mock.ExpectBegin()
	mock.ExpectQuery("UPDATE proposals").
		WithArgs("prop-1", swap.ProposalStatusAccepted, "user-b", execNow).
		WillReturnRows(proposalRows())
	mock.ExpectQuery("UPDATE swaps").
		WithArgs("swap-1", swap.SwapStatusCompleted, execNow).
		WillReturnRows(sqlmock.NewRows([]string{"id", "holding_id", "status", "completed_at", "ledger_tx_id"}).
			AddRow("swap-1", "hold-1", "completed", execNow, ""))
	mock.ExpectQuery("UPDATE holdings").
		WithArgs("hold-1", swap.HoldingStatusSwapped, execNow, "user-a").
		WillReturnRows(sqlmock.NewRows([]string{"id", "owner_id", "status", "swapped_at"}).
			AddRow("hold-1", "user-a", "swapped", execNow))
	mock.ExpectCommit()
	mock.ExpectClose()

	store := NewExecutorStore(db)
	outcome, err := store.ExecuteCompletion(context.Background(), cashSnapshot(), cashPlan())
	if err != nil {
		t.Fatalf("ExecuteCompletion: %v", err)
	}
	if outcome.Proposal.Status != swap.ProposalStatusAccepted {
		t.Fatalf("unexpected proposal outcome: %+v", outcome.Proposal)
	}
	if len(outcome.Swaps) != 1 || outcome.Swaps[0].Status != swap.SwapStatusCompleted {
		t.Fatalf("unexpected swap outcome: %+v", outcome.Swaps)
	}
	if len(outcome.Holdings) != 1 || outcome.Holdings[0].OwnerID != "user-a" {
		t.Fatalf("unexpected holding outcome: %+v", outcome.Holdings)
	}
}

func TestExecutorStore_ExecuteCompletion_PendingPrecondition(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	mock.ExpectBegin()
	mock.ExpectQuery("UPDATE proposals").
		WithArgs("prop-1", swap.ProposalStatusAccepted, "user-b", execNow).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectRollback()
	mock.ExpectClose()

	store := NewExecutorStore(db)
	_, err := store.ExecuteCompletion(context.Background(), cashSnapshot(), cashPlan())
	if !errors.Is(err, swap.ErrProposalNotPending) {
		t.Fatalf("expected pending precondition failure, got %v", err)
	}
	if !swap.IsCode(err, swap.CodeTransactionFailed) {
		t.Fatalf("expected transaction code, got %v", err)
	}
}

func TestExecutorStore_ExecuteCompletion_RollsBackOnSwapFailure(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	mock.ExpectBegin()
	mock.ExpectQuery("UPDATE proposals").
		WithArgs("prop-1", swap.ProposalStatusAccepted, "user-b", execNow).
		WillReturnRows(proposalRows())
	mock.ExpectQuery("UPDATE swaps").
		WithArgs("swap-1", swap.SwapStatusCompleted, execNow).
		WillReturnError(errors.New("connection reset"))
	mock.ExpectRollback()
	mock.ExpectClose()

	store := NewExecutorStore(db)
	_, err := store.ExecuteCompletion(context.Background(), cashSnapshot(), cashPlan())
	if !swap.IsCode(err, swap.CodeTransactionFailed) {
		t.Fatalf("expected transaction failure, got %v", err)
	}
}

func TestExecutorStore_ExecuteCompletion_RejectsInvalidPlan(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)
	mock.ExpectClose()

	plan := cashPlan()
	plan.OperationID = ""

	store := NewExecutorStore(db)
	_, err := store.ExecuteCompletion(context.Background(), cashSnapshot(), plan)
	if !swap.IsCode(err, swap.CodeInvalidCompletionData) {
		t.Fatalf("expected plan rejection before any transaction, got %v", err)
	}
}

func TestExecutorStore_AttachLedgerReference(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	mock.ExpectExec("UPDATE swaps SET ledger_tx_id").
		WithArgs("swap-1", "tx-9").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE swaps SET ledger_tx_id").
		WithArgs("swap-2", "tx-9").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectClose()

	store := NewExecutorStore(db)
	if err := store.AttachLedgerReference(context.Background(), []string{"swap-1", "swap-2"}, "tx-9"); err != nil {
		t.Fatalf("AttachLedgerReference: %v", err)
	}
}
