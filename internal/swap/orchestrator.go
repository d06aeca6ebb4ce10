package swap

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Executor applies a completion plan as one atomic unit against the
// transactional store. It validates the plan's structural integrity before
// opening a transaction and never partially commits. The proposal update
// carries a pending-status precondition, so a concurrent second completion
// of the same proposal fails with ErrProposalNotPending instead of
// double-completing.
type Executor interface {
	ExecuteCompletion(ctx context.Context, snap *Snapshot, plan CompletionPlan) (*CompletionOutcome, error)
	// AttachLedgerReference writes the ledger transaction id onto the swap
	// rows after a successful append. Best-effort; a failure here does not
	// revert the completion.
	AttachLedgerReference(ctx context.Context, swapIDs []string, ledgerTxID string) error
}

// MetricsRecorder receives completion outcomes for observability.
type MetricsRecorder interface {
	RecordCompletion(kind ProposalKind, duration time.Duration, failed bool)
	RecordRollback(success bool)
	RecordLedgerOutcome(attempts int, failed bool)
}

type nopMetrics struct{}

func (nopMetrics) RecordCompletion(ProposalKind, time.Duration, bool) {}
func (nopMetrics) RecordRollback(bool)                               {}
func (nopMetrics) RecordLedgerOutcome(int, bool)                     {}

// Config tunes orchestrator policy.
type Config struct {
	// FailOnLedgerError unwinds a committed mutation when every ledger
	// attempt fails. The default treats it as a degraded success: the
	// mutation stands and the audit record notes the gap.
	FailOnLedgerError bool
	// RollbackOnPostValidation triggers a rollback when post-validation
	// finds inconsistent entities. The default logs and records them.
	RollbackOnPostValidation bool
	// PurgePause bounds store load between retention purge batches.
	PurgePause time.Duration
}

// Dependencies wires a CompletionService. Nil Notifier, Metrics and Logger
// get no-op defaults.
type Dependencies struct {
	Resolver *Resolver
	Executor Executor
	Audits   AuditStore
	Ledger   *LedgerRecorder
	Rollback *RollbackManager
	Payments PaymentClient
	Notifier Notifier
	Metrics  MetricsRecorder
	Logger   *zap.Logger
}

// CompletionService owns the completion saga: resolve, validate, mutate,
// record to the ledger, finalize the audit trail, and recover on failure.
// It is the only component callers invoke.
type CompletionService struct {
	resolver *Resolver
	executor Executor
	audits   AuditStore
	ledger   *LedgerRecorder
	rollback *RollbackManager
	payments PaymentClient
	notifier Notifier
	metrics  MetricsRecorder
	cfg      Config
	log      *zap.Logger

	purgeLimiter *RateLimiter

	now   func() time.Time
	newID func() string
}

// NewCompletionService constructs the orchestrator.
func NewCompletionService(deps Dependencies, cfg Config) *CompletionService {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Notifier == nil {
		deps.Notifier = NoopNotifier{}
	}
	if deps.Metrics == nil {
		deps.Metrics = nopMetrics{}
	}
	if cfg.PurgePause <= 0 {
		cfg.PurgePause = 250 * time.Millisecond
	}
	return &CompletionService{
		resolver:     deps.Resolver,
		executor:     deps.Executor,
		audits:       deps.Audits,
		ledger:       deps.Ledger,
		rollback:     deps.Rollback,
		payments:     deps.Payments,
		notifier:     deps.Notifier,
		metrics:      deps.Metrics,
		cfg:          cfg,
		log:          deps.Logger,
		purgeLimiter: NewRateLimiter(cfg.PurgePause, 1),
		now:          func() time.Time { return time.Now().UTC() },
		newID:        uuid.NewString,
	}
}

// CompleteBookingExchange finalizes a booking-for-booking proposal: both
// swaps complete and both holdings change owner.
func (s *CompletionService) CompleteBookingExchange(ctx context.Context, req CompletionRequest) (*CompletionResult, error) {
	return s.complete(ctx, req, ProposalKindBooking)
}

// CompleteCashPayment finalizes a cash proposal: one swap completes and its
// holding transfers to the proposer against a settled payment.
func (s *CompletionService) CompleteCashPayment(ctx context.Context, req CompletionRequest) (*CompletionResult, error) {
	return s.complete(ctx, req, ProposalKindCash)
}

func (s *CompletionService) complete(ctx context.Context, req CompletionRequest, kind ProposalKind) (*CompletionResult, error) {
	started := s.now()
	result, err := s.run(ctx, req, kind, started)
	s.metrics.RecordCompletion(kind, s.now().Sub(started), err != nil)
	if err != nil {
		s.notify(func(ctx context.Context) error {
			return s.notifier.CompletionFailed(ctx, CompletionNotice{
				ProposalID:  req.ProposalID,
				Kind:        kind,
				InitiatorID: req.InitiatorID,
				Error:       err.Error(),
				OccurredAt:  s.now(),
			})
		})
		return nil, err
	}
	return result, nil
}

func (s *CompletionService) run(ctx context.Context, req CompletionRequest, kind ProposalKind, started time.Time) (*CompletionResult, error) {
	snap, err := s.resolver.Resolve(ctx, req.ProposalID)
	if err != nil {
		return nil, err
	}
	if snap.Proposal.Kind != kind {
		return nil, NewError(CodeValidationFailed, "proposal %s is %s, want %s", req.ProposalID, snap.Proposal.Kind, kind)
	}

	pre := ValidatePreCompletion(snap, s.now())
	if !pre.IsValid {
		return nil, NewError(CodeValidationFailed, "pre-completion checks failed: %s", strings.Join(pre.Errors, "; "))
	}

	// Cash proposals without a payment record get one now; a non-success
	// settlement is a fatal validation input, never retried here.
	if kind == ProposalKindCash && snap.Payment == nil {
		payment, err := s.payments.ProcessPayment(ctx, PaymentRequest{
			ProposalID:  snap.Proposal.ID,
			PayerID:     snap.Proposal.ProposerID,
			RecipientID: snap.Proposal.RecipientID,
			Amount:      snap.Proposal.CashAmount,
			Currency:    snap.Proposal.CashCurrency,
		})
		if err != nil {
			return nil, WrapError(err, CodeValidationFailed, "payment processing for proposal %s", snap.Proposal.ID)
		}
		if payment.Status != PaymentStatusSettled {
			return nil, NewError(CodeValidationFailed, "payment %s for proposal %s is %s, want settled", payment.ID, snap.Proposal.ID, payment.Status)
		}
		snap.Payment = &payment
	}

	operationID := s.newID()
	plan := s.buildPlan(snap, req, operationID)

	if _, err := s.audits.Create(ctx, newAuditRecord(snap, operationID, req.InitiatorID, pre, s.now())); err != nil {
		return nil, WrapError(err, CodeTransactionFailed, "create audit record for proposal %s", snap.Proposal.ID)
	}

	outcome, err := s.executor.ExecuteCompletion(ctx, snap, plan)
	if err != nil {
		return nil, s.failBeforeCommit(ctx, snap, err)
	}

	// From here the mutation is committed; ledger I/O deliberately happens
	// outside the database transaction, so its failure is compensated, not
	// rolled back at the store.
	var payload LedgerPayload
	if kind == ProposalKindBooking {
		payload = BuildExchangePayload(snap, plan, req.InitiatorID)
	} else {
		payload = BuildCashPayload(snap, plan, req.InitiatorID)
	}

	receipt, ledgerErr := s.ledger.Record(ctx, payload)
	if ledgerErr != nil {
		s.recordLedgerFailure(ledgerErr)
		if s.cfg.FailOnLedgerError {
			return nil, s.failAfterCommit(ctx, snap, outcome, plan, "", ledgerErr)
		}
		// Degraded success: the committed mutation stands, the receipt
		// carries a marker id so callers can see the gap.
		receipt = LedgerReceipt{
			TransactionID: FailedLedgerTxPrefix + operationID,
			Status:        "FAILED",
		}
	} else {
		s.metrics.RecordLedgerOutcome(1, false)
		if err := s.executor.AttachLedgerReference(ctx, swapIDs(outcome.Swaps), receipt.TransactionID); err != nil {
			s.log.Warn("ledger reference write-back failed",
				zap.String("proposal_id", snap.Proposal.ID),
				zap.Error(err),
			)
		} else {
			for i := range outcome.Swaps {
				outcome.Swaps[i].LedgerTxID = receipt.TransactionID
			}
		}
	}

	post := ValidatePostCompletion(outcome.Swaps, outcome.Holdings, outcome.Proposal)
	if !post.IsValid {
		if s.cfg.RollbackOnPostValidation {
			ledgerTx := ""
			if ledgerErr == nil {
				ledgerTx = receipt.TransactionID
			}
			err := s.failAfterCommit(ctx, snap, outcome, plan, ledgerTx,
				NewError(CodeInconsistentEntities, "post-completion mismatch: %s", strings.Join(post.Errors, "; ")))
			return nil, err
		}
		s.log.Error("post-completion validation mismatch, proceeding per policy",
			zap.String("proposal_id", snap.Proposal.ID),
			zap.Strings("inconsistent_entities", post.InconsistentEntities),
		)
	}

	upd := AuditUpdate{PostValidation: &post}
	if ledgerErr != nil {
		upd.ErrorDetail = "blockchain ledger recording failed: " + ledgerErr.Error()
	} else {
		upd.LedgerTxID = receipt.TransactionID
	}
	if !post.IsValid {
		if upd.ErrorDetail != "" {
			upd.ErrorDetail += "; "
		}
		upd.ErrorDetail += "post-validation inconsistencies: " + strings.Join(post.InconsistentEntities, ",")
	}
	if _, err := s.audits.UpdateStatus(ctx, snap.Proposal.ID, AuditStatusCompleted, upd); err != nil {
		s.log.Error("audit finalization failed",
			zap.String("proposal_id", snap.Proposal.ID),
			zap.Error(err),
		)
	}

	completedAt := s.now()
	s.notifySuccess(snap, outcome, receipt, req, plan, completedAt)

	s.log.Info("completion finished",
		zap.String("proposal_id", snap.Proposal.ID),
		zap.String("kind", string(kind)),
		zap.String("operation_id", operationID),
		zap.String("ledger_tx_id", receipt.TransactionID),
		zap.Duration("took", completedAt.Sub(started)),
	)

	return &CompletionResult{
		CompletedSwaps:  outcome.Swaps,
		UpdatedHoldings: outcome.Holdings,
		Proposal:        outcome.Proposal,
		Ledger:          receipt,
		CompletedAt:     completedAt,
	}, nil
}

// failBeforeCommit finalizes an attempt whose mutation never committed. The
// store rolled the transaction back itself, so the rollback pass only
// verifies nothing diverged; the audit record stays terminal failed.
func (s *CompletionService) failBeforeCommit(ctx context.Context, snap *Snapshot, cause error) error {
	if _, err := s.audits.UpdateStatus(ctx, snap.Proposal.ID, AuditStatusFailed, AuditUpdate{ErrorDetail: cause.Error()}); err != nil {
		s.log.Error("audit failure finalization failed",
			zap.String("proposal_id", snap.Proposal.ID),
			zap.Error(err),
		)
	}

	rb := s.rollback.Rollback(ctx, "", snap, nil)
	s.metrics.RecordRollback(rb.Success)

	if CodeOf(cause) != "" {
		return cause
	}
	return WrapError(cause, CodeTransactionFailed, "completion transaction for proposal %s", snap.Proposal.ID)
}

// failAfterCommit unwinds a committed mutation: finalize the audit record as
// failed, then run the full rollback. Rollback failures are folded into the
// returned error, never thrown past the orchestrator.
func (s *CompletionService) failAfterCommit(ctx context.Context, snap *Snapshot, outcome *CompletionOutcome, plan CompletionPlan, ledgerTxID string, cause error) error {
	if _, err := s.audits.UpdateStatus(ctx, snap.Proposal.ID, AuditStatusFailed, AuditUpdate{ErrorDetail: cause.Error()}); err != nil {
		s.log.Error("audit failure finalization failed",
			zap.String("proposal_id", snap.Proposal.ID),
			zap.Error(err),
		)
	}

	rec, _ := s.audits.GetByProposal(ctx, snap.Proposal.ID)
	rb := s.rollback.Rollback(ctx, rec.ID, snap, &PartialCompletion{
		Outcome:     outcome,
		LedgerTxID:  ledgerTxID,
		OperationID: plan.OperationID,
		Reason:      cause.Error(),
	})
	s.metrics.RecordRollback(rb.Success)

	if !rb.Success {
		detail := fmt.Sprintf("rollback incomplete (manual intervention required, failed: %s)", strings.Join(rb.FailedEntityIDs, ","))
		if _, err := s.audits.UpdateStatus(ctx, snap.Proposal.ID, AuditStatusFailed, AuditUpdate{ErrorDetail: detail}); err != nil {
			s.log.Error("audit rollback-failure annotation failed",
				zap.String("proposal_id", snap.Proposal.ID),
				zap.Error(err),
			)
		}
		return WrapError(cause, CodeRollbackFailed, "completion failed and rollback incomplete for proposal %s: %s", snap.Proposal.ID, rb.ErrorDetail)
	}
	return cause
}

func (s *CompletionService) recordLedgerFailure(err error) {
	attempts := 0
	var e *Error
	if errors.As(err, &e) {
		attempts = e.Attempts
	}
	s.metrics.RecordLedgerOutcome(attempts, true)
}

func (s *CompletionService) buildPlan(snap *Snapshot, req CompletionRequest, operationID string) CompletionPlan {
	now := s.now()
	plan := CompletionPlan{
		OperationID: operationID,
		Swaps: []SwapUpdate{{
			SwapID:      snap.SourceSwap.ID,
			Status:      SwapStatusCompleted,
			CompletedAt: now,
		}},
		Holdings: []HoldingUpdate{{
			HoldingID:  snap.SourceHolding.ID,
			Status:     HoldingStatusSwapped,
			SwappedAt:  now,
			NewOwnerID: snap.Proposal.ProposerID,
		}},
		Proposal: ProposalUpdate{
			Status:      ProposalStatusAccepted,
			RespondedBy: req.InitiatorID,
			RespondedAt: now,
		},
	}
	if snap.TargetSwap != nil && snap.TargetHolding != nil {
		plan.Swaps = append(plan.Swaps, SwapUpdate{
			SwapID:      snap.TargetSwap.ID,
			Status:      SwapStatusCompleted,
			CompletedAt: now,
		})
		plan.Holdings = append(plan.Holdings, HoldingUpdate{
			HoldingID:  snap.TargetHolding.ID,
			Status:     HoldingStatusSwapped,
			SwappedAt:  now,
			NewOwnerID: snap.Proposal.RecipientID,
		})
	}
	return plan
}

func (s *CompletionService) notifySuccess(snap *Snapshot, outcome *CompletionOutcome, receipt LedgerReceipt, req CompletionRequest, plan CompletionPlan, at time.Time) {
	s.notify(func(ctx context.Context) error {
		return s.notifier.CompletionSucceeded(ctx, CompletionNotice{
			ProposalID:  snap.Proposal.ID,
			Kind:        snap.Proposal.Kind,
			InitiatorID: req.InitiatorID,
			LedgerTxID:  receipt.TransactionID,
			OccurredAt:  at,
		})
	})

	previousOwners := make(map[string]string, 2)
	for _, h := range snap.Holdings() {
		previousOwners[h.ID] = h.OwnerID
	}
	for _, hu := range plan.Holdings {
		if hu.NewOwnerID == "" || hu.NewOwnerID == previousOwners[hu.HoldingID] {
			continue
		}
		notice := TransferNotice{
			HoldingID:       hu.HoldingID,
			PreviousOwnerID: previousOwners[hu.HoldingID],
			NewOwnerID:      hu.NewOwnerID,
			OccurredAt:      at,
		}
		s.notify(func(ctx context.Context) error {
			return s.notifier.OwnershipTransferred(ctx, notice)
		})
	}
}

// notify dispatches fire-and-forget: errors and panics are logged and
// swallowed, never surfaced into the completion result.
func (s *CompletionService) notify(fn func(context.Context) error) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				s.log.Error("notification panic swallowed", zap.Any("panic", r))
			}
		}()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := fn(ctx); err != nil {
			s.log.Warn("notification failed", zap.Error(err))
		}
	}()
}

// GetAuditRecord returns the latest audit record for a proposal.
func (s *CompletionService) GetAuditRecord(ctx context.Context, proposalID string) (AuditRecord, error) {
	return s.audits.GetByProposal(ctx, proposalID)
}

// GetAuditRecordByID returns an audit record by its own id.
func (s *CompletionService) GetAuditRecordByID(ctx context.Context, id string) (AuditRecord, error) {
	return s.audits.GetByID(ctx, id)
}

// QueryCompletionHistory returns audit records matching the filter.
func (s *CompletionService) QueryCompletionHistory(ctx context.Context, filter HistoryFilter, page Page) ([]AuditRecord, error) {
	return s.audits.QueryHistory(ctx, filter, page)
}

// GetCompletionStatistics aggregates completion attempts.
func (s *CompletionService) GetCompletionStatistics(ctx context.Context, filter HistoryFilter) (AuditStatistics, error) {
	return s.audits.Statistics(ctx, filter)
}

// FindCompletionsByEntity returns audit records whose affected swap/holding
// sets contain the entity.
func (s *CompletionService) FindCompletionsByEntity(ctx context.Context, entityID string) ([]AuditRecord, error) {
	return s.audits.FindByEntity(ctx, entityID)
}

// PurgeAuditRecords deletes audit records older than the retention horizon,
// in fixed-size batches with a pause between batches to bound load. Dry-run
// reports the would-be-deleted count without mutating anything.
func (s *CompletionService) PurgeAuditRecords(ctx context.Context, retentionDays, batchSize int, dryRun bool) (PurgeResult, error) {
	if retentionDays <= 0 {
		return PurgeResult{}, fmt.Errorf("retention days must be positive, got %d", retentionDays)
	}
	if batchSize <= 0 {
		batchSize = 100
	}
	cutoff := s.now().AddDate(0, 0, -retentionDays)

	if dryRun {
		count, err := s.audits.CountOlderThan(ctx, cutoff)
		if err != nil {
			return PurgeResult{}, err
		}
		return PurgeResult{Deleted: count, DryRun: true}, nil
	}

	var result PurgeResult
	for {
		if err := s.purgeLimiter.Wait(ctx); err != nil {
			return result, err
		}
		deleted, err := s.audits.DeleteOlderThan(ctx, cutoff, batchSize)
		if err != nil {
			return result, err
		}
		if deleted == 0 {
			break
		}
		result.Deleted += deleted
		result.Batches++
		if deleted < int64(batchSize) {
			break
		}
	}

	s.log.Info("audit retention purge finished",
		zap.Int64("deleted", result.Deleted),
		zap.Int("batches", result.Batches),
		zap.Time("cutoff", cutoff),
	)
	return result, nil
}

// ValidatePlan checks the plan's structural integrity against the snapshot:
// every update must target a resolved entity and the plan must cover the
// proposal's swaps exactly once.
func ValidatePlan(snap *Snapshot, plan CompletionPlan) error {
	if plan.OperationID == "" {
		return NewError(CodeInvalidCompletionData, "plan has no operation id")
	}
	if len(plan.Swaps) == 0 || len(plan.Holdings) == 0 {
		return NewError(CodeInvalidCompletionData, "plan has no swap or holding updates")
	}

	known := make(map[string]bool, 2)
	for _, s := range snap.Swaps() {
		known[s.ID] = true
	}
	seen := make(map[string]bool, len(plan.Swaps))
	for _, su := range plan.Swaps {
		if !known[su.SwapID] {
			return NewError(CodeInvalidCompletionData, "swap update %s targets an unresolved swap", su.SwapID)
		}
		if seen[su.SwapID] {
			return NewError(CodeInvalidCompletionData, "swap update %s duplicated", su.SwapID)
		}
		seen[su.SwapID] = true
	}

	knownHoldings := make(map[string]bool, 2)
	for _, h := range snap.Holdings() {
		knownHoldings[h.ID] = true
	}
	for _, hu := range plan.Holdings {
		if !knownHoldings[hu.HoldingID] {
			return NewError(CodeInvalidCompletionData, "holding update %s targets an unresolved holding", hu.HoldingID)
		}
	}

	if plan.Proposal.Status == "" {
		return NewError(CodeInvalidCompletionData, "plan has no proposal update")
	}
	return nil
}

func swapIDs(swaps []Swap) []string {
	ids := make([]string, 0, len(swaps))
	for _, s := range swaps {
		ids = append(ids, s.ID)
	}
	return ids
}
