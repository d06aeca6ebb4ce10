package swap

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// LedgerStatusSuccess is the only receipt status accepted as a durable append.
const LedgerStatusSuccess = "SUCCESS"

// FailedLedgerTxPrefix marks the placeholder transaction id reported when the
// mutation committed but every ledger attempt failed (degraded success).
const FailedLedgerTxPrefix = "FAILED-"

// LedgerPayloadKind selects the payload shape.
type LedgerPayloadKind string

const (
	LedgerPayloadBookingExchange LedgerPayloadKind = "booking_exchange"
	LedgerPayloadCashPayment     LedgerPayloadKind = "cash_payment"
	LedgerPayloadRollback        LedgerPayloadKind = "completion_rollback"
)

// LedgerSwapDetail records one side of an exchange for the ledger.
type LedgerSwapDetail struct {
	SwapID          string `json:"swap_id"`
	HoldingID       string `json:"holding_id"`
	PreviousStatus  string `json:"previous_status"`
	NewStatus       string `json:"new_status"`
	PreviousOwnerID string `json:"previous_owner_id"`
	NewOwnerID      string `json:"new_owner_id"`
}

// LedgerExchangeDetail is the booking-exchange specific payload section.
type LedgerExchangeDetail struct {
	Source LedgerSwapDetail `json:"source"`
	Target LedgerSwapDetail `json:"target"`
}

// LedgerCashDetail is the cash-payment specific payload section.
type LedgerCashDetail struct {
	Amount    float64 `json:"amount"`
	Currency  string  `json:"currency"`
	PaymentID string  `json:"payment_id,omitempty"`
}

// LedgerRollbackDetail references the immutable transaction being compensated.
type LedgerRollbackDetail struct {
	OriginalTxID string `json:"original_tx_id"`
	AuditID      string `json:"audit_id"`
	Reason       string `json:"reason,omitempty"`
}

// LedgerPayload is the record appended to the external immutable ledger.
type LedgerPayload struct {
	Kind               LedgerPayloadKind     `json:"kind"`
	OperationID        string                `json:"operation_id"`
	ProposalID         string                `json:"proposal_id"`
	InitiatorID        string                `json:"initiator_id"`
	SwapsAffected      int                   `json:"swaps_affected"`
	HoldingsAffected   int                   `json:"holdings_affected"`
	OwnershipTransfers int                   `json:"ownership_transfers"`
	Exchange           *LedgerExchangeDetail `json:"exchange,omitempty"`
	Cash               *LedgerCashDetail     `json:"cash,omitempty"`
	Rollback           *LedgerRollbackDetail `json:"rollback,omitempty"`
	RecordedAt         time.Time             `json:"recorded_at"`
}

// LedgerRecorder submits completion records to the ledger collaborator with
// bounded retry. The ledger call always happens after the database
// transaction has committed, so a failure here is compensated, never rolled
// back at the store.
type LedgerRecorder struct {
	client LedgerClient
	retry  RetryPolicy
	log    *zap.Logger
}

// NewLedgerRecorder constructs a recorder with the default 3-attempt
// exponential backoff schedule (1s, 2s, 4s).
func NewLedgerRecorder(client LedgerClient, logger *zap.Logger) *LedgerRecorder {
	return NewLedgerRecorderWithRetry(client, RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		Jitter:      NoJitter,
	}, logger)
}

// NewLedgerRecorderWithRetry constructs a recorder with a custom policy.
func NewLedgerRecorderWithRetry(client LedgerClient, retry RetryPolicy, logger *zap.Logger) *LedgerRecorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LedgerRecorder{client: client, retry: retry, log: logger}
}

// Record appends the payload, treating any receipt without a transaction id
// and a success status as a retryable failure. After exhausting retries it
// returns a typed ledger error carrying the attempt count.
func (r *LedgerRecorder) Record(ctx context.Context, payload LedgerPayload) (LedgerReceipt, error) {
	var receipt LedgerReceipt
	attempts, err := r.retry.Do(ctx, func() error {
		got, err := r.client.Submit(ctx, payload)
		if err != nil {
			return err
		}
		if got.TransactionID == "" || got.Status != LedgerStatusSuccess {
			return fmt.Errorf("ledger returned status %q tx %q", got.Status, got.TransactionID)
		}
		receipt = got
		return nil
	})
	if err != nil {
		r.log.Warn("ledger recording failed",
			zap.String("proposal_id", payload.ProposalID),
			zap.String("kind", string(payload.Kind)),
			zap.Int("attempts", attempts),
			zap.Error(err),
		)
		lerr := WrapError(err, CodeLedgerFailed, "ledger append for proposal %s failed after %d attempts", payload.ProposalID, attempts)
		lerr.Attempts = attempts
		return LedgerReceipt{}, lerr
	}

	r.log.Info("ledger record appended",
		zap.String("proposal_id", payload.ProposalID),
		zap.String("ledger_tx_id", receipt.TransactionID),
		zap.Int("attempts", attempts),
	)
	return receipt, nil
}

// BuildExchangePayload builds the booking-exchange ledger record from the
// pre-mutation snapshot and the applied plan.
func BuildExchangePayload(snap *Snapshot, plan CompletionPlan, initiatorID string) LedgerPayload {
	payload := LedgerPayload{
		Kind:             LedgerPayloadBookingExchange,
		OperationID:      plan.OperationID,
		ProposalID:       snap.Proposal.ID,
		InitiatorID:      initiatorID,
		SwapsAffected:    len(plan.Swaps),
		HoldingsAffected: len(plan.Holdings),
		RecordedAt:       time.Now().UTC(),
	}

	detail := &LedgerExchangeDetail{}
	for _, hu := range plan.Holdings {
		if hu.NewOwnerID != "" {
			payload.OwnershipTransfers++
		}
	}
	detail.Source = exchangeSide(snap.SourceSwap, snap.SourceHolding, plan)
	if snap.TargetSwap != nil && snap.TargetHolding != nil {
		detail.Target = exchangeSide(*snap.TargetSwap, *snap.TargetHolding, plan)
	}
	payload.Exchange = detail
	return payload
}

// BuildCashPayload builds the cash-payment ledger record.
func BuildCashPayload(snap *Snapshot, plan CompletionPlan, initiatorID string) LedgerPayload {
	payload := LedgerPayload{
		Kind:             LedgerPayloadCashPayment,
		OperationID:      plan.OperationID,
		ProposalID:       snap.Proposal.ID,
		InitiatorID:      initiatorID,
		SwapsAffected:    len(plan.Swaps),
		HoldingsAffected: len(plan.Holdings),
		RecordedAt:       time.Now().UTC(),
	}
	for _, hu := range plan.Holdings {
		if hu.NewOwnerID != "" {
			payload.OwnershipTransfers++
		}
	}
	cash := &LedgerCashDetail{
		Amount:   snap.Proposal.CashAmount,
		Currency: snap.Proposal.CashCurrency,
	}
	if snap.Payment != nil {
		cash.PaymentID = snap.Payment.ID
	}
	payload.Cash = cash
	return payload
}

// BuildRollbackPayload builds the compensating record for a completion whose
// ledger transaction cannot be deleted.
func BuildRollbackPayload(auditID, originalTxID, proposalID, operationID, reason string) LedgerPayload {
	return LedgerPayload{
		Kind:        LedgerPayloadRollback,
		OperationID: operationID,
		ProposalID:  proposalID,
		Rollback: &LedgerRollbackDetail{
			OriginalTxID: originalTxID,
			AuditID:      auditID,
			Reason:       reason,
		},
		RecordedAt: time.Now().UTC(),
	}
}

func exchangeSide(s Swap, h Holding, plan CompletionPlan) LedgerSwapDetail {
	detail := LedgerSwapDetail{
		SwapID:          s.ID,
		HoldingID:       h.ID,
		PreviousStatus:  string(s.Status),
		PreviousOwnerID: h.OwnerID,
		NewOwnerID:      h.OwnerID,
	}
	for _, su := range plan.Swaps {
		if su.SwapID == s.ID {
			detail.NewStatus = string(su.Status)
		}
	}
	for _, hu := range plan.Holdings {
		if hu.HoldingID == h.ID && hu.NewOwnerID != "" {
			detail.NewOwnerID = hu.NewOwnerID
		}
	}
	return detail
}
