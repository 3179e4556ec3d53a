// Package errs defines the execution engine's error taxonomy. Every error an
// agent or internal component can raise is one of these sentinel/typed
// values, checked with errors.Is/errors.As — never by string-matching.
package errs

import (
	"errors"
	"fmt"
)

var (
	// ErrTriggerNotMet is raised by a trigger agent when its condition does
	// not hold right now. Not a failure: the executor marks the execution
	// skipped, not failed.
	ErrTriggerNotMet = errors.New("trigger not met")

	// ErrInsufficientData is raised when an agent's required state input is
	// missing. Always terminal (status=failed).
	ErrInsufficientData = errors.New("insufficient data")

	// ErrBudgetExceeded is raised when the user's daily cost budget is
	// exhausted. Always terminal (status=failed).
	ErrBudgetExceeded = errors.New("budget exceeded")

	// ErrApprovalExpired guards the approve/reject endpoints: returned when
	// the precondition (status=awaiting_approval, approval_status=pending,
	// now<approval_expires_at) no longer holds.
	ErrApprovalExpired = errors.New("approval expired or already resolved")

	// ErrBrokerPermanent is a non-retryable broker error (bad symbol,
	// insufficient funds) surfaced as a 4xx-equivalent. Always terminal.
	ErrBrokerPermanent = errors.New("broker permanent error")
)

// StaleWriteError is returned by the state store when a compare_and_save call
// observes a version mismatch: another writer committed first.
type StaleWriteError struct {
	ExecutionID     string
	ExpectedVersion int64
	ActualVersion   int64
}

func (e *StaleWriteError) Error() string {
	return fmt.Sprintf("stale write on execution %s: expected version %d, actual %d",
		e.ExecutionID, e.ExpectedVersion, e.ActualVersion)
}

// IsStaleWrite reports whether err is a *StaleWriteError.
func IsStaleWrite(err error) bool {
	var sw *StaleWriteError
	return errors.As(err, &sw)
}

// BrokerTransientError wraps a retryable broker failure (timeout, 5xx,
// network error) with the number of consecutive failures seen so far, which
// the monitor loop's backoff calculation needs.
type BrokerTransientError struct {
	Cause      error
	RetryCount int
}

func (e *BrokerTransientError) Error() string {
	return fmt.Sprintf("broker transient error (retry %d): %v", e.RetryCount, e.Cause)
}

func (e *BrokerTransientError) Unwrap() error { return e.Cause }

// AgentProcessingError is the catch-all wrapper for a generic agent failure
// that doesn't fit one of the named categories above. Whether it's fatal
// depends on whether the originating agent is critical (see internal/agent).
type AgentProcessingError struct {
	AgentType string
	Cause     error
}

func (e *AgentProcessingError) Error() string {
	return fmt.Sprintf("agent %q processing failed: %v", e.AgentType, e.Cause)
}

func (e *AgentProcessingError) Unwrap() error { return e.Cause }
