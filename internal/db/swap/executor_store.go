package swapdb

import (
	"context"
	"database/sql"
	"errors"

	"stayswap/internal/swap"
)

// ExecutorStore applies a completion plan as one Postgres transaction.
type ExecutorStore struct {
	db *sql.DB
}

// NewExecutorStore constructs an ExecutorStore.
func NewExecutorStore(db *sql.DB) *ExecutorStore {
	return &ExecutorStore{db: db}
}

// ExecuteCompletion runs every planned update inside one read-committed
// transaction. The proposal write goes first and carries the pending-status
// precondition, so a concurrent completion of the same proposal fails here
// instead of double-completing. All rows are returned via RETURNING so
// callers never need a second read.
func (s *ExecutorStore) ExecuteCompletion(ctx context.Context, snap *swap.Snapshot, plan swap.CompletionPlan) (*swap.CompletionOutcome, error) {
	if err := swap.ValidatePlan(snap, plan); err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, swap.WrapError(err, swap.CodeTransactionFailed, "begin completion transaction")
	}

	outcome, err := s.applyPlan(ctx, tx, snap, plan)
	if err != nil {
		_ = tx.Rollback()
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, swap.WrapError(err, swap.CodeTransactionFailed, "commit completion for proposal %s", snap.Proposal.ID)
	}
	return outcome, nil
}

func (s *ExecutorStore) applyPlan(ctx context.Context, tx *sql.Tx, snap *swap.Snapshot, plan swap.CompletionPlan) (*swap.CompletionOutcome, error) {
	outcome := &swap.CompletionOutcome{}

	row := tx.QueryRowContext(ctx, `
		UPDATE proposals
		SET status = $2, responded_by = $3, responded_at = $4
		WHERE id = $1 AND status = 'pending'
		RETURNING id, kind, status, proposer_id, recipient_id, source_swap_id,
		          target_swap_id, cash_amount, cash_currency, expires_at,
		          responded_by, responded_at`,
		snap.Proposal.ID, plan.Proposal.Status, plan.Proposal.RespondedBy, plan.Proposal.RespondedAt,
	)
	proposal, err := scanProposal(row)
	if err != nil {
		if errors.Is(err, swap.ErrNotFound) {
			return nil, swap.WrapError(swap.ErrProposalNotPending, swap.CodeTransactionFailed,
				"proposal %s precondition failed", snap.Proposal.ID)
		}
		return nil, swap.WrapError(err, swap.CodeTransactionFailed, "update proposal %s", snap.Proposal.ID)
	}
	outcome.Proposal = proposal

	for _, su := range plan.Swaps {
		row := tx.QueryRowContext(ctx, `
			UPDATE swaps
			SET status = $2, completed_at = $3
			WHERE id = $1
			RETURNING id, holding_id, status, completed_at, ledger_tx_id`,
			su.SwapID, su.Status, su.CompletedAt,
		)
		updated, err := scanSwap(row)
		if err != nil {
			return nil, swap.WrapError(err, swap.CodeTransactionFailed, "update swap %s", su.SwapID)
		}
		outcome.Swaps = append(outcome.Swaps, updated)
	}

	for _, hu := range plan.Holdings {
		row := tx.QueryRowContext(ctx, `
			UPDATE holdings
			SET status = $2, swapped_at = $3,
			    owner_id = CASE WHEN $4 <> '' THEN $4 ELSE owner_id END
			WHERE id = $1
			RETURNING id, owner_id, status, swapped_at`,
			hu.HoldingID, hu.Status, hu.SwappedAt, hu.NewOwnerID,
		)
		updated, err := scanHolding(row)
		if err != nil {
			return nil, swap.WrapError(err, swap.CodeTransactionFailed, "update holding %s", hu.HoldingID)
		}
		outcome.Holdings = append(outcome.Holdings, updated)
	}

	return outcome, nil
}

// AttachLedgerReference writes the ledger transaction id onto swap rows.
// Best-effort; the completion stands even if this fails.
func (s *ExecutorStore) AttachLedgerReference(ctx context.Context, swapIDs []string, ledgerTxID string) error {
	for _, id := range swapIDs {
		if _, err := s.db.ExecContext(ctx, `
			UPDATE swaps SET ledger_tx_id = $2 WHERE id = $1`,
			id, ledgerTxID,
		); err != nil {
			return err
		}
	}
	return nil
}
