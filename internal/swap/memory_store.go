package swap

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-memory implementation of EntityStore, Executor,
// RollbackStore and AuditStore. It backs tests and the no-database fallback
// wiring; semantics mirror the Postgres stores, including the pending-status
// precondition and the only-write-if-diverged rollback check.
type MemoryStore struct {
	mu        sync.Mutex
	proposals map[string]Proposal
	swaps     map[string]Swap
	holdings  map[string]Holding
	payments  map[string]PaymentRecord
	audits    []AuditRecord

	// writes counts entity mutations, for verifying rollback idempotence.
	writes int

	// FailCompletionWith makes the next ExecuteCompletion fail before any
	// row is changed, mimicking a store-level transaction rollback.
	FailCompletionWith error
	// FailAttachWith makes the next AttachLedgerReference fail.
	FailAttachWith error
	// FailRevertSwapsWith / FailRevertHoldingsWith / FailRevertProposalWith
	// inject rollback-step failures.
	FailRevertSwapsWith    error
	FailRevertHoldingsWith error
	FailRevertProposalWith error
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		proposals: make(map[string]Proposal),
		swaps:     make(map[string]Swap),
		holdings:  make(map[string]Holding),
		payments:  make(map[string]PaymentRecord),
	}
}

// PutProposal seeds or replaces a proposal.
func (m *MemoryStore) PutProposal(p Proposal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.proposals[p.ID] = p
}

// PutSwap seeds or replaces a swap.
func (m *MemoryStore) PutSwap(s Swap) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.swaps[s.ID] = s
}

// PutHolding seeds or replaces a holding.
func (m *MemoryStore) PutHolding(h Holding) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.holdings[h.ID] = h
}

// PutPayment seeds or replaces a payment record.
func (m *MemoryStore) PutPayment(p PaymentRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.payments[p.ProposalID] = p
}

// Writes returns how many entity mutations have been applied.
func (m *MemoryStore) Writes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writes
}

func (m *MemoryStore) GetProposal(ctx context.Context, id string) (Proposal, error) {
	if err := ctx.Err(); err != nil {
		return Proposal{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.proposals[id]
	if !ok {
		return Proposal{}, ErrNotFound
	}
	return p, nil
}

func (m *MemoryStore) GetSwap(ctx context.Context, id string) (Swap, error) {
	if err := ctx.Err(); err != nil {
		return Swap{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.swaps[id]
	if !ok {
		return Swap{}, ErrNotFound
	}
	return s, nil
}

func (m *MemoryStore) GetHolding(ctx context.Context, id string) (Holding, error) {
	if err := ctx.Err(); err != nil {
		return Holding{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.holdings[id]
	if !ok {
		return Holding{}, ErrNotFound
	}
	return h, nil
}

func (m *MemoryStore) GetPaymentByProposal(ctx context.Context, proposalID string) (*PaymentRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.payments[proposalID]
	if !ok {
		return nil, nil
	}
	copied := p
	return &copied, nil
}

// ExecuteCompletion applies the plan atomically under the store lock.
func (m *MemoryStore) ExecuteCompletion(ctx context.Context, snap *Snapshot, plan CompletionPlan) (*CompletionOutcome, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := ValidatePlan(snap, plan); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.FailCompletionWith; err != nil {
		m.FailCompletionWith = nil
		return nil, WrapError(err, CodeTransactionFailed, "completion transaction for proposal %s", snap.Proposal.ID)
	}

	current, ok := m.proposals[snap.Proposal.ID]
	if !ok {
		return nil, ErrNotFound
	}
	if current.Status != ProposalStatusPending {
		return nil, WrapError(ErrProposalNotPending, CodeTransactionFailed, "proposal %s is %s", current.ID, current.Status)
	}

	outcome := &CompletionOutcome{}
	for _, su := range plan.Swaps {
		s := m.swaps[su.SwapID]
		s.Status = su.Status
		completedAt := su.CompletedAt
		s.CompletedAt = &completedAt
		m.swaps[su.SwapID] = s
		m.writes++
		outcome.Swaps = append(outcome.Swaps, s)
	}
	for _, hu := range plan.Holdings {
		h := m.holdings[hu.HoldingID]
		h.Status = hu.Status
		swappedAt := hu.SwappedAt
		h.SwappedAt = &swappedAt
		if hu.NewOwnerID != "" {
			h.OwnerID = hu.NewOwnerID
		}
		m.holdings[hu.HoldingID] = h
		m.writes++
		outcome.Holdings = append(outcome.Holdings, h)
	}

	current.Status = plan.Proposal.Status
	current.RespondedBy = plan.Proposal.RespondedBy
	respondedAt := plan.Proposal.RespondedAt
	current.RespondedAt = &respondedAt
	m.proposals[current.ID] = current
	m.writes++
	outcome.Proposal = current

	return outcome, nil
}

func (m *MemoryStore) AttachLedgerReference(ctx context.Context, ids []string, ledgerTxID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.FailAttachWith; err != nil {
		m.FailAttachWith = nil
		return err
	}
	for _, id := range ids {
		s, ok := m.swaps[id]
		if !ok {
			continue
		}
		s.LedgerTxID = ledgerTxID
		m.swaps[id] = s
		m.writes++
	}
	return nil
}

func (m *MemoryStore) RevertSwaps(ctx context.Context, originals []Swap) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.FailRevertSwapsWith; err != nil {
		m.FailRevertSwapsWith = nil
		return nil, err
	}

	var restored []string
	for _, original := range originals {
		current, ok := m.swaps[original.ID]
		if !ok {
			continue
		}
		if swapsEqual(current, original) {
			restored = append(restored, original.ID)
			continue
		}
		m.swaps[original.ID] = original
		m.writes++
		restored = append(restored, original.ID)
	}
	return restored, nil
}

func (m *MemoryStore) RevertHoldings(ctx context.Context, originals []Holding) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.FailRevertHoldingsWith; err != nil {
		m.FailRevertHoldingsWith = nil
		return nil, err
	}

	var restored []string
	for _, original := range originals {
		current, ok := m.holdings[original.ID]
		if !ok {
			continue
		}
		if holdingsEqual(current, original) {
			restored = append(restored, original.ID)
			continue
		}
		m.holdings[original.ID] = original
		m.writes++
		restored = append(restored, original.ID)
	}
	return restored, nil
}

func (m *MemoryStore) RevertProposal(ctx context.Context, original Proposal) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.FailRevertProposalWith; err != nil {
		m.FailRevertProposalWith = nil
		return err
	}

	current, ok := m.proposals[original.ID]
	if !ok {
		return ErrNotFound
	}
	if current.Status == original.Status && current.RespondedBy == original.RespondedBy {
		return nil
	}
	m.proposals[original.ID] = original
	m.writes++
	return nil
}

func (m *MemoryStore) Create(ctx context.Context, rec AuditRecord) (AuditRecord, error) {
	if err := ctx.Err(); err != nil {
		return AuditRecord{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	rec.UpdatedAt = rec.CreatedAt
	rec.Status = AuditStatusInitiated
	m.audits = append(m.audits, rec)
	return rec, nil
}

func (m *MemoryStore) UpdateStatus(ctx context.Context, proposalID string, status AuditStatus, upd AuditUpdate) (AuditRecord, error) {
	if err := ctx.Err(); err != nil {
		return AuditRecord{}, err
	}
	if status == AuditStatusInitiated {
		return AuditRecord{}, NewError(CodeInvalidCompletionData, "audit record cannot re-enter initiated")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	idx := m.latestIdx(proposalID)
	if idx < 0 {
		return AuditRecord{}, ErrNotFound
	}
	rec := m.audits[idx]

	rec.Status = status
	rec.UpdatedAt = time.Now().UTC()
	if status == AuditStatusCompleted && rec.CompletedAt == nil {
		at := rec.UpdatedAt
		rec.CompletedAt = &at
	}
	if upd.PostValidation != nil {
		rec.PostValidation = upd.PostValidation
	}
	if upd.ErrorDetail != "" {
		if rec.ErrorDetail != "" {
			rec.ErrorDetail += "; " + upd.ErrorDetail
		} else {
			rec.ErrorDetail = upd.ErrorDetail
		}
	}
	if upd.LedgerTxID != "" {
		rec.LedgerTxID = upd.LedgerTxID
	}
	if upd.ClearLedgerTx {
		rec.LedgerTxID = ""
	}

	m.audits[idx] = rec
	return rec, nil
}

func (m *MemoryStore) GetByProposal(ctx context.Context, proposalID string) (AuditRecord, error) {
	if err := ctx.Err(); err != nil {
		return AuditRecord{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	idx := m.latestIdx(proposalID)
	if idx < 0 {
		return AuditRecord{}, ErrNotFound
	}
	return m.audits[idx], nil
}

func (m *MemoryStore) GetByID(ctx context.Context, id string) (AuditRecord, error) {
	if err := ctx.Err(); err != nil {
		return AuditRecord{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rec := range m.audits {
		if rec.ID == id {
			return rec, nil
		}
	}
	return AuditRecord{}, ErrNotFound
}

func (m *MemoryStore) QueryHistory(ctx context.Context, filter HistoryFilter, page Page) ([]AuditRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var matched []AuditRecord
	for _, rec := range m.audits {
		if matchesFilter(rec, filter) {
			matched = append(matched, rec)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	if page.Offset >= len(matched) {
		return nil, nil
	}
	matched = matched[page.Offset:]
	if page.Limit > 0 && page.Limit < len(matched) {
		matched = matched[:page.Limit]
	}
	return matched, nil
}

func (m *MemoryStore) Statistics(ctx context.Context, filter HistoryFilter) (AuditStatistics, error) {
	if err := ctx.Err(); err != nil {
		return AuditStatistics{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := AuditStatistics{
		ByStatus: make(map[AuditStatus]int64),
		ByKind:   make(map[ProposalKind]int64),
	}
	var totalDuration time.Duration
	var finished, completed, ledgerOK int64
	for _, rec := range m.audits {
		if !matchesFilter(rec, filter) {
			continue
		}
		stats.Total++
		stats.ByStatus[rec.Status]++
		stats.ByKind[rec.Kind]++
		if rec.Status != AuditStatusInitiated {
			totalDuration += rec.UpdatedAt.Sub(rec.CreatedAt)
			finished++
		}
		if rec.Status == AuditStatusCompleted {
			completed++
			if rec.LedgerTxID != "" && !strings.HasPrefix(rec.LedgerTxID, FailedLedgerTxPrefix) {
				ledgerOK++
			}
		}
	}
	if finished > 0 {
		stats.AverageDuration = totalDuration / time.Duration(finished)
	}
	if completed > 0 {
		stats.LedgerSuccessRate = float64(ledgerOK) / float64(completed)
	}
	return stats, nil
}

func (m *MemoryStore) FindByEntity(ctx context.Context, entityID string) ([]AuditRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var matched []AuditRecord
	for _, rec := range m.audits {
		if contains(rec.AffectedSwapIDs, entityID) || contains(rec.AffectedHoldingIDs, entityID) {
			matched = append(matched, rec)
		}
	}
	return matched, nil
}

func (m *MemoryStore) DeleteOlderThan(ctx context.Context, cutoff time.Time, batchSize int) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var kept []AuditRecord
	var deleted int64
	for _, rec := range m.audits {
		if deleted < int64(batchSize) && rec.CreatedAt.Before(cutoff) {
			deleted++
			continue
		}
		kept = append(kept, rec)
	}
	m.audits = kept
	return deleted, nil
}

func (m *MemoryStore) CountOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var count int64
	for _, rec := range m.audits {
		if rec.CreatedAt.Before(cutoff) {
			count++
		}
	}
	return count, nil
}

func (m *MemoryStore) latestIdx(proposalID string) int {
	idx := -1
	for i, rec := range m.audits {
		if rec.ProposalID != proposalID {
			continue
		}
		if idx < 0 || !rec.CreatedAt.Before(m.audits[idx].CreatedAt) {
			idx = i
		}
	}
	return idx
}

func matchesFilter(rec AuditRecord, f HistoryFilter) bool {
	if f.InitiatorID != "" && rec.InitiatorID != f.InitiatorID {
		return false
	}
	if f.Kind != "" && rec.Kind != f.Kind {
		return false
	}
	if f.Status != "" && rec.Status != f.Status {
		return false
	}
	if !f.From.IsZero() && rec.CreatedAt.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && rec.CreatedAt.After(f.To) {
		return false
	}
	return true
}

func swapsEqual(a, b Swap) bool {
	if a.ID != b.ID || a.HoldingID != b.HoldingID || a.Status != b.Status || a.LedgerTxID != b.LedgerTxID {
		return false
	}
	return timePtrEqual(a.CompletedAt, b.CompletedAt)
}

func holdingsEqual(a, b Holding) bool {
	if a.ID != b.ID || a.OwnerID != b.OwnerID || a.Status != b.Status {
		return false
	}
	return timePtrEqual(a.SwappedAt, b.SwappedAt)
}

func timePtrEqual(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}
