package swapdb

import (
	"context"
	"database/sql"
	"errors"

	"stayswap/internal/swap"
)

// EntityStore loads completion entities from Postgres.
type EntityStore struct {
	db *sql.DB
}

// NewEntityStore constructs an EntityStore backed by Postgres.
func NewEntityStore(db *sql.DB) *EntityStore {
	return &EntityStore{db: db}
}

// NewEntityStoreWithSchema initializes the schema then returns the store.
func NewEntityStoreWithSchema(ctx context.Context, db *sql.DB) (*EntityStore, error) {
	store := NewEntityStore(db)
	if err := store.InitSchema(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

// InitSchema creates the entity tables if they do not exist.
func (s *EntityStore) InitSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS proposals (
			id TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			status TEXT NOT NULL,
			proposer_id TEXT NOT NULL,
			recipient_id TEXT NOT NULL,
			source_swap_id TEXT NOT NULL,
			target_swap_id TEXT,
			cash_amount DOUBLE PRECISION NOT NULL DEFAULT 0,
			cash_currency TEXT NOT NULL DEFAULT '',
			expires_at TIMESTAMPTZ NOT NULL,
			responded_by TEXT NOT NULL DEFAULT '',
			responded_at TIMESTAMPTZ,
			audit_record_id TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS swaps (
			id TEXT PRIMARY KEY,
			holding_id TEXT NOT NULL,
			status TEXT NOT NULL,
			completed_at TIMESTAMPTZ,
			ledger_tx_id TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS holdings (
			id TEXT PRIMARY KEY,
			owner_id TEXT NOT NULL,
			status TEXT NOT NULL,
			swapped_at TIMESTAMPTZ
		)`,
		`CREATE TABLE IF NOT EXISTS payments (
			id TEXT PRIMARY KEY,
			proposal_id TEXT NOT NULL,
			amount DOUBLE PRECISION NOT NULL,
			currency TEXT NOT NULL,
			payer_id TEXT NOT NULL,
			recipient_id TEXT NOT NULL,
			status TEXT NOT NULL,
			transaction_id TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}

	return nil
}

// GetProposal loads one proposal by id.
func (s *EntityStore) GetProposal(ctx context.Context, id string) (swap.Proposal, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, kind, status, proposer_id, recipient_id, source_swap_id,
		       target_swap_id, cash_amount, cash_currency, expires_at,
		       responded_by, responded_at
		FROM proposals
		WHERE id = $1`,
		id,
	)
	return scanProposal(row)
}

// GetSwap loads one swap by id.
func (s *EntityStore) GetSwap(ctx context.Context, id string) (swap.Swap, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, holding_id, status, completed_at, ledger_tx_id
		FROM swaps
		WHERE id = $1`,
		id,
	)
	return scanSwap(row)
}

// GetHolding loads one holding by id.
func (s *EntityStore) GetHolding(ctx context.Context, id string) (swap.Holding, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, owner_id, status, swapped_at
		FROM holdings
		WHERE id = $1`,
		id,
	)
	return scanHolding(row)
}

// GetPaymentByProposal loads the latest payment for a proposal, or (nil, nil)
// when none exists.
func (s *EntityStore) GetPaymentByProposal(ctx context.Context, proposalID string) (*swap.PaymentRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, proposal_id, amount, currency, payer_id, recipient_id, status, transaction_id
		FROM payments
		WHERE proposal_id = $1
		ORDER BY created_at DESC
		LIMIT 1`,
		proposalID,
	)

	var rec swap.PaymentRecord
	var status string
	err := row.Scan(&rec.ID, &rec.ProposalID, &rec.Amount, &rec.Currency,
		&rec.PayerID, &rec.RecipientID, &status, &rec.TransactionID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	rec.Status = swap.PaymentStatus(status)
	return &rec, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProposal(row rowScanner) (swap.Proposal, error) {
	var p swap.Proposal
	var kind, status string
	var targetSwapID sql.NullString
	var respondedAt sql.NullTime
	err := row.Scan(&p.ID, &kind, &status, &p.ProposerID, &p.RecipientID,
		&p.SourceSwapID, &targetSwapID, &p.CashAmount, &p.CashCurrency,
		&p.ExpiresAt, &p.RespondedBy, &respondedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return swap.Proposal{}, swap.ErrNotFound
	}
	if err != nil {
		return swap.Proposal{}, err
	}
	p.Kind = swap.ProposalKind(kind)
	p.Status = swap.ProposalStatus(status)
	if targetSwapID.Valid {
		p.TargetSwapID = targetSwapID.String
	}
	if respondedAt.Valid {
		at := respondedAt.Time
		p.RespondedAt = &at
	}
	return p, nil
}

func scanSwap(row rowScanner) (swap.Swap, error) {
	var sw swap.Swap
	var status string
	var completedAt sql.NullTime
	err := row.Scan(&sw.ID, &sw.HoldingID, &status, &completedAt, &sw.LedgerTxID)
	if errors.Is(err, sql.ErrNoRows) {
		return swap.Swap{}, swap.ErrNotFound
	}
	if err != nil {
		return swap.Swap{}, err
	}
	sw.Status = swap.SwapStatus(status)
	if completedAt.Valid {
		at := completedAt.Time
		sw.CompletedAt = &at
	}
	return sw, nil
}

func scanHolding(row rowScanner) (swap.Holding, error) {
	var h swap.Holding
	var status string
	var swappedAt sql.NullTime
	err := row.Scan(&h.ID, &h.OwnerID, &status, &swappedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return swap.Holding{}, swap.ErrNotFound
	}
	if err != nil {
		return swap.Holding{}, err
	}
	h.Status = swap.HoldingStatus(status)
	if swappedAt.Valid {
		at := swappedAt.Time
		h.SwappedAt = &at
	}
	return h, nil
}
