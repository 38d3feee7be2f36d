package audit

import "time"

// Disclosure records one gated query attempt: who asked, what analysis, how
// much epsilon was requested, and how it ended. Successful disclosures are
// the account's cumulative information release; failures are kept for
// operational visibility.
type Disclosure struct {
	ID             string    `json:"id"`
	AccountID      string    `json:"account_id"`
	Analysis       string    `json:"analysis"`
	TableName      string    `json:"table_name"`
	Epsilon        float64   `json:"epsilon"`
	Timestamp      time.Time `json:"timestamp"`
	Outcome        string    `json:"outcome"` // ok, invalid_cost, insufficient_budget, contention, not_found, upstream_error
	LatencyMs      int64     `json:"latency_ms"`
	RemainingAfter float64   `json:"remaining_after"`
	Error          string    `json:"error,omitempty"`
}

// Summary holds aggregate disclosure metrics for a set of records.
type Summary struct {
	TotalQueries int64   `json:"total_queries"`
	EpsilonSpent float64 `json:"epsilon_spent"`
	SuccessCount int64   `json:"success_count"`
	FailureCount int64   `json:"failure_count"`
	AvgLatencyMs float64 `json:"avg_latency_ms"`
}

// Query defines filters and pagination for listing disclosures.
type Query struct {
	AccountID string    `json:"account_id,omitempty"`
	Analysis  string    `json:"analysis,omitempty"`
	From      time.Time `json:"from"`
	To        time.Time `json:"to"`
	Cursor    string    `json:"cursor,omitempty"`
	Limit     int       `json:"limit"`
}
