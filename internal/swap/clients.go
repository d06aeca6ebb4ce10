package swap

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// PaymentRequest asks the payment collaborator to move funds for a proposal.
type PaymentRequest struct {
	ProposalID  string
	PayerID     string
	RecipientID string
	Amount      float64
	Currency    string
}

// PaymentClient executes fund transfer and escrow release. A non-success
// status is treated as a fatal validation input, never retried here.
type PaymentClient interface {
	ProcessPayment(ctx context.Context, req PaymentRequest) (PaymentRecord, error)
	ReleaseEscrow(ctx context.Context, proposalID string) (PaymentRecord, error)
}

// LedgerClient appends a record to the external immutable ledger.
// Each call may be a genuinely new append attempt; the ledger cannot revoke.
type LedgerClient interface {
	Submit(ctx context.Context, payload LedgerPayload) (LedgerReceipt, error)
}

// CompletionNotice describes a finished (or failed) completion for listeners.
type CompletionNotice struct {
	ProposalID  string       `json:"proposal_id"`
	Kind        ProposalKind `json:"kind"`
	InitiatorID string       `json:"initiator_id"`
	LedgerTxID  string       `json:"ledger_tx_id,omitempty"`
	Error       string       `json:"error,omitempty"`
	OccurredAt  time.Time    `json:"occurred_at"`
}

// TransferNotice describes one ownership transfer.
type TransferNotice struct {
	HoldingID       string    `json:"holding_id"`
	PreviousOwnerID string    `json:"previous_owner_id"`
	NewOwnerID      string    `json:"new_owner_id"`
	OccurredAt      time.Time `json:"occurred_at"`
}

// Notifier delivers best-effort notifications. Errors are logged and
// swallowed by the orchestrator; they never fail the workflow.
type Notifier interface {
	CompletionSucceeded(ctx context.Context, n CompletionNotice) error
	CompletionFailed(ctx context.Context, n CompletionNotice) error
	OwnershipTransferred(ctx context.Context, n TransferNotice) error
}

// NewInMemoryPaymentClient constructs an in-memory payment client.
func NewInMemoryPaymentClient() *InMemoryPaymentClient {
	return &InMemoryPaymentClient{
		payments: make(map[string]PaymentRecord),
	}
}

// InMemoryPaymentClient settles payments in memory.
type InMemoryPaymentClient struct {
	mu       sync.Mutex
	payments map[string]PaymentRecord
	// FailNext makes the next ProcessPayment return a failed record.
	FailNext bool
}

func (c *InMemoryPaymentClient) ProcessPayment(ctx context.Context, req PaymentRequest) (PaymentRecord, error) {
	if err := ctx.Err(); err != nil {
		return PaymentRecord{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	status := PaymentStatusSettled
	if c.FailNext {
		status = PaymentStatusFailed
		c.FailNext = false
	}
	rec := PaymentRecord{
		ID:            uuid.NewString(),
		ProposalID:    req.ProposalID,
		Amount:        req.Amount,
		Currency:      req.Currency,
		PayerID:       req.PayerID,
		RecipientID:   req.RecipientID,
		Status:        status,
		TransactionID: "pay-" + uuid.NewString(),
	}
	c.payments[req.ProposalID] = rec
	return rec, nil
}

func (c *InMemoryPaymentClient) ReleaseEscrow(ctx context.Context, proposalID string) (PaymentRecord, error) {
	if err := ctx.Err(); err != nil {
		return PaymentRecord{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	rec, ok := c.payments[proposalID]
	if !ok {
		return PaymentRecord{}, fmt.Errorf("no payment for proposal %s", proposalID)
	}
	rec.Status = PaymentStatusSettled
	c.payments[proposalID] = rec
	return rec, nil
}

// Payment returns the recorded payment for a proposal (for testing/inspection).
func (c *InMemoryPaymentClient) Payment(proposalID string) (PaymentRecord, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.payments[proposalID]
	return rec, ok
}

// NewInMemoryLedgerClient constructs an in-memory ledger client.
func NewInMemoryLedgerClient() *InMemoryLedgerClient {
	return &InMemoryLedgerClient{}
}

// InMemoryLedgerClient appends payloads to an in-memory log. It never loses
// an accepted append, mirroring the non-revocable ledger contract.
type InMemoryLedgerClient struct {
	mu      sync.Mutex
	entries []LedgerPayload
	// FailAttempts makes the next n Submit calls fail.
	FailAttempts int
	submits      int
}

func (c *InMemoryLedgerClient) Submit(ctx context.Context, payload LedgerPayload) (LedgerReceipt, error) {
	if err := ctx.Err(); err != nil {
		return LedgerReceipt{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.submits++
	if c.FailAttempts > 0 {
		c.FailAttempts--
		return LedgerReceipt{}, fmt.Errorf("ledger unavailable")
	}
	c.entries = append(c.entries, payload)
	return LedgerReceipt{
		TransactionID:      "ledger-" + uuid.NewString(),
		Status:             LedgerStatusSuccess,
		ConsensusTimestamp: time.Now().UTC(),
	}, nil
}

// Entries returns a copy of the appended payloads (for testing/inspection).
func (c *InMemoryLedgerClient) Entries() []LedgerPayload {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]LedgerPayload, len(c.entries))
	copy(out, c.entries)
	return out
}

// Submits returns how many Submit calls were made (for testing/inspection).
func (c *InMemoryLedgerClient) Submits() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.submits
}
