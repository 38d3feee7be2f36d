package budget

import "time"

// Defaults for the budget configuration surface.
const (
	// DefaultBudget is the privacy budget granted to a newly initialized
	// account when no explicit amount is given.
	DefaultBudget = 5.0

	// DefaultMaxCost is the upper bound on the epsilon a single query may
	// request.
	DefaultMaxCost = 1.0

	// DefaultMaxReserveRetries bounds the compare-and-set retry loop in the
	// ledger before giving up with ErrContention.
	DefaultMaxReserveRetries = 5
)

// Record is the authoritative budget state for one account. Remaining is the
// total epsilon mass the account may still spend; Version increases on every
// write and is the optimistic-concurrency token for CompareAndSet.
type Record struct {
	AccountID string    `json:"account_id"`
	Remaining float64   `json:"remaining_budget"`
	Version   int64     `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`
}
