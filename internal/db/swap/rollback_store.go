package swapdb

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"stayswap/internal/swap"
)

// RollbackStore reverts entity rows to their pre-completion images. Reverts
// check the current row first and only write when it diverges from the
// original, so a retried rollback performs no additional writes.
type RollbackStore struct {
	db *sql.DB
}

// NewRollbackStore constructs a RollbackStore.
func NewRollbackStore(db *sql.DB) *RollbackStore {
	return &RollbackStore{db: db}
}

// RevertSwaps restores swap rows inside one transaction, clearing completion
// timestamps and ledger references back to the snapshot values.
func (s *RollbackStore) RevertSwaps(ctx context.Context, originals []swap.Swap) ([]string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}

	var restored []string
	for _, original := range originals {
		row := tx.QueryRowContext(ctx, `
			SELECT id, holding_id, status, completed_at, ledger_tx_id
			FROM swaps
			WHERE id = $1`,
			original.ID,
		)
		current, err := scanSwap(row)
		if err != nil {
			if errors.Is(err, swap.ErrNotFound) {
				continue
			}
			_ = tx.Rollback()
			return nil, err
		}
		if swapRowEqual(current, original) {
			restored = append(restored, original.ID)
			continue
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE swaps
			SET status = $2, completed_at = $3, ledger_tx_id = $4
			WHERE id = $1`,
			original.ID, original.Status, nullableTime(original.CompletedAt), original.LedgerTxID,
		); err != nil {
			_ = tx.Rollback()
			return nil, err
		}
		restored = append(restored, original.ID)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return restored, nil
}

// RevertHoldings restores holding rows inside one transaction, including the
// original owner.
func (s *RollbackStore) RevertHoldings(ctx context.Context, originals []swap.Holding) ([]string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}

	var restored []string
	for _, original := range originals {
		row := tx.QueryRowContext(ctx, `
			SELECT id, owner_id, status, swapped_at
			FROM holdings
			WHERE id = $1`,
			original.ID,
		)
		current, err := scanHolding(row)
		if err != nil {
			if errors.Is(err, swap.ErrNotFound) {
				continue
			}
			_ = tx.Rollback()
			return nil, err
		}
		if holdingRowEqual(current, original) {
			restored = append(restored, original.ID)
			continue
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE holdings
			SET owner_id = $2, status = $3, swapped_at = $4
			WHERE id = $1`,
			original.ID, original.OwnerID, original.Status, nullableTime(original.SwappedAt),
		); err != nil {
			_ = tx.Rollback()
			return nil, err
		}
		restored = append(restored, original.ID)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return restored, nil
}

// RevertProposal restores the proposal's status and response fields.
func (s *RollbackStore) RevertProposal(ctx context.Context, original swap.Proposal) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE proposals
		SET status = $2, responded_by = $3, responded_at = $4
		WHERE id = $1
		  AND (status <> $2 OR responded_by <> $3)`,
		original.ID, original.Status, original.RespondedBy, nullableTime(original.RespondedAt),
	)
	return err
}

func swapRowEqual(current, original swap.Swap) bool {
	if current.Status != original.Status || current.LedgerTxID != original.LedgerTxID {
		return false
	}
	return timePtrEqual(current.CompletedAt, original.CompletedAt)
}

func holdingRowEqual(current, original swap.Holding) bool {
	if current.Status != original.Status || current.OwnerID != original.OwnerID {
		return false
	}
	return timePtrEqual(current.SwappedAt, original.SwappedAt)
}

func timePtrEqual(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}

func nullableTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
