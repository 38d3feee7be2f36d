package budget

import (
	"errors"
	"fmt"
)

// Sentinel errors returned by budget stores and the ledger.
var (
	// ErrNotFound means the account has no budget record.
	ErrNotFound = errors.New("budget: account not found")

	// ErrAlreadyExists means Initialize was called twice for the same account.
	ErrAlreadyExists = errors.New("budget: budget already initialized")

	// ErrConflict means a CompareAndSet lost the race to a concurrent writer.
	// Callers re-read and retry.
	ErrConflict = errors.New("budget: concurrent update conflict")

	// ErrContention means the ledger exhausted its retry budget. The whole
	// operation is safe to retry from the top.
	ErrContention = errors.New("budget: too much contention, retry")

	// ErrReservationClosed means commit or rollback was called on a
	// reservation already finalized the other way.
	ErrReservationClosed = errors.New("budget: reservation already finalized")
)

// InvalidCostError reports a requested cost outside the configured bounds.
// No state was touched.
type InvalidCostError struct {
	Cost float64
	Min  float64
	Max  float64
}

func (e *InvalidCostError) Error() string {
	return fmt.Sprintf("budget: invalid cost %g (allowed range (%g, %g])", e.Cost, e.Min, e.Max)
}

// InsufficientBudgetError reports that the account cannot afford the
// requested cost. Remaining is the balance observed at check time.
type InsufficientBudgetError struct {
	Requested float64
	Remaining float64
}

func (e *InsufficientBudgetError) Error() string {
	return fmt.Sprintf("budget: insufficient budget: requested %g, remaining %g", e.Requested, e.Remaining)
}
