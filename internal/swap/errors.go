package swap

import (
	"errors"
	"fmt"
)

// Stable error codes surfaced to callers. Partial or ambiguous states are
// never reported as success; they carry one of these.
const (
	CodeMissingRelatedEntities = "MISSING_RELATED_ENTITIES"
	CodeValidationFailed       = "COMPLETION_VALIDATION_FAILED"
	CodeInvalidCompletionData  = "INVALID_COMPLETION_DATA"
	CodeTransactionFailed      = "DATABASE_TRANSACTION_FAILED"
	CodeLedgerFailed           = "LEDGER_RECORDING_FAILED"
	CodeRollbackFailed         = "ROLLBACK_FAILED"
	CodeInconsistentEntities   = "INCONSISTENT_ENTITY_STATES"
)

// ErrNotFound signals a missing row; stores return it so callers can
// distinguish absence from infrastructure failure.
var ErrNotFound = errors.New("entity not found")

// ErrProposalNotPending signals the status precondition failed inside the
// completion transaction, e.g. a concurrent attempt already completed it.
var ErrProposalNotPending = errors.New("proposal is not pending")

// Error is a typed completion failure carrying a stable code.
type Error struct {
	Code    string
	Message string
	// Attempts is set for ledger failures after retry exhaustion.
	Attempts int
	Err      error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError constructs a typed error with the given code.
func NewError(code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WrapError wraps a cause with a typed code.
func WrapError(err error, code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Err: err}
}

// CodeOf returns the stable code carried by err, or empty.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code string) bool {
	return CodeOf(err) == code
}
