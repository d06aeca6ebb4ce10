package swapdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"stayswap/internal/swap"
)

// AuditStore persists completion audit records in an append-favoring table.
// Affected-id sets and validation snapshots are JSONB so entity-scoped
// lookups can use containment matching.
type AuditStore struct {
	db *sql.DB
}

// NewAuditStore constructs an AuditStore.
func NewAuditStore(db *sql.DB) *AuditStore {
	return &AuditStore{db: db}
}

// NewAuditStoreWithSchema initializes the schema then returns the store.
func NewAuditStoreWithSchema(ctx context.Context, db *sql.DB) (*AuditStore, error) {
	store := NewAuditStore(db)
	if err := store.InitSchema(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

// InitSchema creates the audit table and its indexes if they do not exist.
func (s *AuditStore) InitSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS completion_audits (
			id TEXT PRIMARY KEY,
			proposal_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			initiator_id TEXT NOT NULL,
			operation_id TEXT NOT NULL,
			affected_swap_ids JSONB NOT NULL DEFAULT '[]',
			affected_holding_ids JSONB NOT NULL DEFAULT '[]',
			ledger_tx_id TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			pre_validation JSONB,
			post_validation JSONB,
			error_detail TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			completed_at TIMESTAMPTZ
		)`,
		`CREATE INDEX IF NOT EXISTS completion_audits_proposal_idx
			ON completion_audits (proposal_id, created_at DESC)`,
		`CREATE INDEX IF NOT EXISTS completion_audits_created_idx
			ON completion_audits (created_at)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}

	return nil
}

const auditColumns = `id, proposal_id, kind, initiator_id, operation_id,
	affected_swap_ids, affected_holding_ids, ledger_tx_id, status,
	pre_validation, post_validation, error_detail, created_at, updated_at, completed_at`

// Create inserts a record in initiated status and back-references it from
// the proposal row.
func (s *AuditStore) Create(ctx context.Context, rec swap.AuditRecord) (swap.AuditRecord, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	rec.Status = swap.AuditStatusInitiated

	swapIDs, err := json.Marshal(orEmpty(rec.AffectedSwapIDs))
	if err != nil {
		return swap.AuditRecord{}, err
	}
	holdingIDs, err := json.Marshal(orEmpty(rec.AffectedHoldingIDs))
	if err != nil {
		return swap.AuditRecord{}, err
	}
	pre, err := marshalValidation(rec.PreValidation)
	if err != nil {
		return swap.AuditRecord{}, err
	}

	row := s.db.QueryRowContext(ctx, `
		INSERT INTO completion_audits
			(id, proposal_id, kind, initiator_id, operation_id,
			 affected_swap_ids, affected_holding_ids, status, pre_validation)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING `+auditColumns,
		rec.ID, rec.ProposalID, rec.Kind, rec.InitiatorID, rec.OperationID,
		string(swapIDs), string(holdingIDs), rec.Status, pre,
	)
	created, err := scanAudit(row)
	if err != nil {
		return swap.AuditRecord{}, err
	}

	if _, err := s.db.ExecContext(ctx, `
		UPDATE proposals SET audit_record_id = $2 WHERE id = $1`,
		rec.ProposalID, created.ID,
	); err != nil {
		return swap.AuditRecord{}, err
	}

	return created, nil
}

// UpdateStatus is the single mutation path for status changes. It targets
// the latest record for the proposal; error detail appends rather than
// overwrites, so terminal corrections preserve history.
func (s *AuditStore) UpdateStatus(ctx context.Context, proposalID string, status swap.AuditStatus, upd swap.AuditUpdate) (swap.AuditRecord, error) {
	if status == swap.AuditStatusInitiated {
		return swap.AuditRecord{}, swap.NewError(swap.CodeInvalidCompletionData, "audit record cannot re-enter initiated")
	}

	post, err := marshalValidation(upd.PostValidation)
	if err != nil {
		return swap.AuditRecord{}, err
	}

	row := s.db.QueryRowContext(ctx, `
		UPDATE completion_audits
		SET status = $2,
		    post_validation = COALESCE($3::jsonb, post_validation),
		    error_detail = CASE
		        WHEN $4 = '' THEN error_detail
		        WHEN error_detail = '' THEN $4
		        ELSE error_detail || '; ' || $4
		    END,
		    ledger_tx_id = CASE
		        WHEN $6 THEN ''
		        WHEN $5 <> '' THEN $5
		        ELSE ledger_tx_id
		    END,
		    completed_at = CASE
		        WHEN $2 = 'completed' AND completed_at IS NULL THEN NOW()
		        ELSE completed_at
		    END,
		    updated_at = NOW()
		WHERE id = (
			SELECT id FROM completion_audits
			WHERE proposal_id = $1
			ORDER BY created_at DESC
			LIMIT 1
		)
		RETURNING `+auditColumns,
		proposalID, status, post, upd.ErrorDetail, upd.LedgerTxID, upd.ClearLedgerTx,
	)
	updated, err := scanAudit(row)
	if errors.Is(err, swap.ErrNotFound) {
		return swap.AuditRecord{}, swap.ErrNotFound
	}
	return updated, err
}

// GetByProposal returns the latest audit record for a proposal.
func (s *AuditStore) GetByProposal(ctx context.Context, proposalID string) (swap.AuditRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+auditColumns+`
		FROM completion_audits
		WHERE proposal_id = $1
		ORDER BY created_at DESC
		LIMIT 1`,
		proposalID,
	)
	return scanAudit(row)
}

// GetByID returns an audit record by its own id.
func (s *AuditStore) GetByID(ctx context.Context, id string) (swap.AuditRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+auditColumns+`
		FROM completion_audits
		WHERE id = $1`,
		id,
	)
	return scanAudit(row)
}

// QueryHistory returns records matching the filter, newest first.
func (s *AuditStore) QueryHistory(ctx context.Context, filter swap.HistoryFilter, page swap.Page) ([]swap.AuditRecord, error) {
	where, args := buildFilter(filter)

	limit := page.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit, page.Offset)
	query := fmt.Sprintf(`
		SELECT %s
		FROM completion_audits
		%s
		ORDER BY created_at DESC
		LIMIT $%d OFFSET $%d`,
		auditColumns, where, len(args)-1, len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []swap.AuditRecord
	for rows.Next() {
		rec, err := scanAudit(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// Statistics aggregates matching records: counts by status and kind, the
// average wall-clock duration of finished attempts, and the share of
// completed attempts that carry a real ledger transaction.
func (s *AuditStore) Statistics(ctx context.Context, filter swap.HistoryFilter) (swap.AuditStatistics, error) {
	where, args := buildFilter(filter)

	query := fmt.Sprintf(`
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE status = 'initiated'),
			COUNT(*) FILTER (WHERE status = 'completed'),
			COUNT(*) FILTER (WHERE status = 'failed'),
			COUNT(*) FILTER (WHERE status = 'rolled_back'),
			COUNT(*) FILTER (WHERE kind = 'booking'),
			COUNT(*) FILTER (WHERE kind = 'cash'),
			COALESCE(EXTRACT(EPOCH FROM AVG(updated_at - created_at)
				FILTER (WHERE status <> 'initiated')), 0),
			COALESCE(AVG(CASE WHEN status = 'completed' THEN
				CASE WHEN ledger_tx_id <> '' AND ledger_tx_id NOT LIKE 'FAILED-%%'
					THEN 1.0 ELSE 0.0 END
			END), 0)
		FROM completion_audits
		%s`, where)

	var stats swap.AuditStatistics
	var initiated, completed, failed, rolledBack, booking, cash int64
	var avgSeconds, ledgerRate float64
	err := s.db.QueryRowContext(ctx, query, args...).Scan(
		&stats.Total, &initiated, &completed, &failed, &rolledBack,
		&booking, &cash, &avgSeconds, &ledgerRate,
	)
	if err != nil {
		return swap.AuditStatistics{}, err
	}

	stats.ByStatus = map[swap.AuditStatus]int64{
		swap.AuditStatusInitiated:  initiated,
		swap.AuditStatusCompleted:  completed,
		swap.AuditStatusFailed:     failed,
		swap.AuditStatusRolledBack: rolledBack,
	}
	stats.ByKind = map[swap.ProposalKind]int64{
		swap.ProposalKindBooking: booking,
		swap.ProposalKindCash:    cash,
	}
	stats.AverageDuration = time.Duration(avgSeconds * float64(time.Second))
	stats.LedgerSuccessRate = ledgerRate
	return stats, nil
}

// FindByEntity returns records whose affected swap or holding sets contain
// the entity id, via JSONB containment.
func (s *AuditStore) FindByEntity(ctx context.Context, entityID string) ([]swap.AuditRecord, error) {
	needle, err := json.Marshal([]string{entityID})
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+auditColumns+`
		FROM completion_audits
		WHERE affected_swap_ids @> $1::jsonb OR affected_holding_ids @> $1::jsonb
		ORDER BY created_at DESC`,
		string(needle),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []swap.AuditRecord
	for rows.Next() {
		rec, err := scanAudit(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// DeleteOlderThan removes at most batchSize records created before cutoff.
func (s *AuditStore) DeleteOlderThan(ctx context.Context, cutoff time.Time, batchSize int) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM completion_audits
		WHERE id IN (
			SELECT id FROM completion_audits
			WHERE created_at < $1
			ORDER BY created_at
			LIMIT $2
		)`,
		cutoff, batchSize,
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// CountOlderThan reports how many records a purge would delete.
func (s *AuditStore) CountOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM completion_audits WHERE created_at < $1`,
		cutoff,
	).Scan(&count)
	return count, err
}

func buildFilter(filter swap.HistoryFilter) (string, []any) {
	var clauses []string
	var args []any

	add := func(clause string, val any) {
		args = append(args, val)
		clauses = append(clauses, fmt.Sprintf(clause, len(args)))
	}

	if filter.InitiatorID != "" {
		add("initiator_id = $%d", filter.InitiatorID)
	}
	if filter.Kind != "" {
		add("kind = $%d", string(filter.Kind))
	}
	if filter.Status != "" {
		add("status = $%d", string(filter.Status))
	}
	if !filter.From.IsZero() {
		add("created_at >= $%d", filter.From)
	}
	if !filter.To.IsZero() {
		add("created_at <= $%d", filter.To)
	}

	if len(clauses) == 0 {
		return "", nil
	}
	return "WHERE " + strings.Join(clauses, " AND "), args
}

func scanAudit(row rowScanner) (swap.AuditRecord, error) {
	var rec swap.AuditRecord
	var kind, status string
	var swapIDs, holdingIDs []byte
	var pre, post sql.NullString
	var completedAt sql.NullTime
	err := row.Scan(&rec.ID, &rec.ProposalID, &kind, &rec.InitiatorID, &rec.OperationID,
		&swapIDs, &holdingIDs, &rec.LedgerTxID, &status,
		&pre, &post, &rec.ErrorDetail, &rec.CreatedAt, &rec.UpdatedAt, &completedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return swap.AuditRecord{}, swap.ErrNotFound
	}
	if err != nil {
		return swap.AuditRecord{}, err
	}

	rec.Kind = swap.ProposalKind(kind)
	rec.Status = swap.AuditStatus(status)
	if len(swapIDs) > 0 {
		if err := json.Unmarshal(swapIDs, &rec.AffectedSwapIDs); err != nil {
			return swap.AuditRecord{}, err
		}
	}
	if len(holdingIDs) > 0 {
		if err := json.Unmarshal(holdingIDs, &rec.AffectedHoldingIDs); err != nil {
			return swap.AuditRecord{}, err
		}
	}
	if pre.Valid {
		rec.PreValidation = &swap.ValidationResult{}
		if err := json.Unmarshal([]byte(pre.String), rec.PreValidation); err != nil {
			return swap.AuditRecord{}, err
		}
	}
	if post.Valid {
		rec.PostValidation = &swap.ValidationResult{}
		if err := json.Unmarshal([]byte(post.String), rec.PostValidation); err != nil {
			return swap.AuditRecord{}, err
		}
	}
	if completedAt.Valid {
		at := completedAt.Time
		rec.CompletedAt = &at
	}
	return rec, nil
}

func marshalValidation(v *swap.ValidationResult) (sql.NullString, error) {
	if v == nil {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func orEmpty(ids []string) []string {
	if ids == nil {
		return []string{}
	}
	return ids
}
