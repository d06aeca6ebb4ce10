package swap

import "time"

// ProposalKind distinguishes a booking-for-booking exchange from a cash offer.
type ProposalKind string

const (
	ProposalKindBooking ProposalKind = "booking"
	ProposalKindCash    ProposalKind = "cash"
)

// ProposalStatus captures the proposal lifecycle.
type ProposalStatus string

const (
	ProposalStatusPending  ProposalStatus = "pending"
	ProposalStatusAccepted ProposalStatus = "accepted"
	ProposalStatusRejected ProposalStatus = "rejected"
	ProposalStatusExpired  ProposalStatus = "expired"
)

// SwapStatus captures the lifecycle of a listed swap.
type SwapStatus string

const (
	SwapStatusPending   SwapStatus = "pending"
	SwapStatusAccepted  SwapStatus = "accepted"
	SwapStatusCompleted SwapStatus = "completed"
	SwapStatusCancelled SwapStatus = "cancelled"
	SwapStatusRejected  SwapStatus = "rejected"
)

// HoldingStatus captures the availability of a holding.
type HoldingStatus string

const (
	HoldingStatusAvailable   HoldingStatus = "available"
	HoldingStatusSwapped     HoldingStatus = "swapped"
	HoldingStatusUnavailable HoldingStatus = "unavailable"
)

// PaymentStatus captures the settlement state of a payment record.
type PaymentStatus string

const (
	PaymentStatusPending PaymentStatus = "pending"
	PaymentStatusSettled PaymentStatus = "settled"
	PaymentStatusFailed  PaymentStatus = "failed"
)

// Proposal is an offer made against a swap. The completion workflow only
// ever writes its terminal status, atomically with the entity mutation.
type Proposal struct {
	ID           string
	Kind         ProposalKind
	Status       ProposalStatus
	ProposerID   string
	RecipientID  string
	SourceSwapID string
	// TargetSwapID is set only for booking-exchange proposals.
	TargetSwapID string
	CashAmount   float64
	CashCurrency string
	ExpiresAt    time.Time
	RespondedBy  string
	RespondedAt  *time.Time
}

// Swap is a listed intent to exchange ownership of a holding.
type Swap struct {
	ID          string
	HoldingID   string
	Status      SwapStatus
	CompletedAt *time.Time
	// LedgerTxID references the ledger transaction that finalized the swap.
	LedgerTxID string
}

// Holding is the reservation whose ownership can transfer. Its owner changes
// only as a side effect of a committed completion transaction.
type Holding struct {
	ID        string
	OwnerID   string
	Status    HoldingStatus
	SwappedAt *time.Time
}

// PaymentRecord is produced by the payment collaborator for cash proposals.
// The completion workflow references it but never mutates it.
type PaymentRecord struct {
	ID            string
	ProposalID    string
	Amount        float64
	Currency      string
	PayerID       string
	RecipientID   string
	Status        PaymentStatus
	TransactionID string
}

// Snapshot is the consistent in-memory view of every entity involved in a
// completion, loaded once by the resolver and treated as read-only downstream.
type Snapshot struct {
	Proposal      Proposal
	SourceSwap    Swap
	SourceHolding Holding
	TargetSwap    *Swap
	TargetHolding *Holding
	Payment       *PaymentRecord
	ResolvedAt    time.Time
}

// Swaps returns the resolved swaps, source first.
func (s *Snapshot) Swaps() []Swap {
	swaps := []Swap{s.SourceSwap}
	if s.TargetSwap != nil {
		swaps = append(swaps, *s.TargetSwap)
	}
	return swaps
}

// Holdings returns the resolved holdings, source first.
func (s *Snapshot) Holdings() []Holding {
	holdings := []Holding{s.SourceHolding}
	if s.TargetHolding != nil {
		holdings = append(holdings, *s.TargetHolding)
	}
	return holdings
}

// SwapUpdate is one planned swap mutation.
type SwapUpdate struct {
	SwapID      string
	Status      SwapStatus
	CompletedAt time.Time
}

// HoldingUpdate is one planned holding mutation. NewOwnerID is empty when the
// update does not transfer ownership.
type HoldingUpdate struct {
	HoldingID  string
	Status     HoldingStatus
	SwappedAt  time.Time
	NewOwnerID string
}

// ProposalUpdate is the planned terminal proposal write.
type ProposalUpdate struct {
	Status      ProposalStatus
	RespondedBy string
	RespondedAt time.Time
}

// CompletionPlan is the full set of mutations one completion applies as a
// single atomic unit.
type CompletionPlan struct {
	OperationID string
	Swaps       []SwapUpdate
	Holdings    []HoldingUpdate
	Proposal    ProposalUpdate
}

// CompletionOutcome carries the post-mutation row images so callers never
// need a second read.
type CompletionOutcome struct {
	Swaps    []Swap
	Holdings []Holding
	Proposal Proposal
}

// ValidationResult is the verdict of a pre- or post-completion check.
// Errors block the operation; warnings are informational.
type ValidationResult struct {
	IsValid              bool     `json:"is_valid"`
	Errors               []string `json:"errors,omitempty"`
	Warnings             []string `json:"warnings,omitempty"`
	InconsistentEntities []string `json:"inconsistent_entities,omitempty"`
}

// LedgerReceipt is the ledger collaborator's response to an append.
type LedgerReceipt struct {
	TransactionID      string    `json:"transaction_id"`
	Status             string    `json:"status"`
	ConsensusTimestamp time.Time `json:"consensus_timestamp,omitempty"`
}

// CompletionResult is returned to callers for every successful completion.
type CompletionResult struct {
	CompletedSwaps  []Swap
	UpdatedHoldings []Holding
	Proposal        Proposal
	Ledger          LedgerReceipt
	CompletedAt     time.Time
}

// RollbackResult reports which entities a rollback restored and which
// require manual intervention. It is transient, folded into the audit record.
type RollbackResult struct {
	Success                    bool
	RestoredEntityIDs          []string
	FailedEntityIDs            []string
	RequiresManualIntervention bool
	ErrorDetail                string
}

// AuditStatus captures the completion-attempt lifecycle. Transitions only
// move forward: initiated -> completed|failed, failed -> rolled_back.
type AuditStatus string

const (
	AuditStatusInitiated  AuditStatus = "initiated"
	AuditStatusCompleted  AuditStatus = "completed"
	AuditStatusFailed     AuditStatus = "failed"
	AuditStatusRolledBack AuditStatus = "rolled_back"
)

// AuditRecord is the durable trace of one completion attempt.
type AuditRecord struct {
	ID                 string
	ProposalID         string
	Kind               ProposalKind
	InitiatorID        string
	OperationID        string
	AffectedSwapIDs    []string
	AffectedHoldingIDs []string
	LedgerTxID         string
	Status             AuditStatus
	PreValidation      *ValidationResult
	PostValidation     *ValidationResult
	ErrorDetail        string
	CreatedAt          time.Time
	UpdatedAt          time.Time
	CompletedAt        *time.Time
}

// AuditUpdate is the optional extra state written alongside a status change.
type AuditUpdate struct {
	PostValidation *ValidationResult
	ErrorDetail    string
	LedgerTxID     string
	ClearLedgerTx  bool
}

// HistoryFilter narrows audit-history queries. Zero values match everything.
type HistoryFilter struct {
	InitiatorID string
	Kind        ProposalKind
	Status      AuditStatus
	From        time.Time
	To          time.Time
}

// Page bounds a history query.
type Page struct {
	Limit  int
	Offset int
}

// AuditStatistics aggregates completion attempts.
type AuditStatistics struct {
	Total             int64
	ByStatus          map[AuditStatus]int64
	ByKind            map[ProposalKind]int64
	AverageDuration   time.Duration
	LedgerSuccessRate float64
}

// PurgeResult reports a retention purge run.
type PurgeResult struct {
	Deleted int64
	Batches int
	DryRun  bool
}

// CompletionRequest identifies the proposal to complete and who asked.
type CompletionRequest struct {
	ProposalID  string
	InitiatorID string
}
