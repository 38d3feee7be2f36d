// Package gate implements the privacy-budget-gated dispatch of analytical
// queries: validate the requested cost, reserve it against the account's
// budget, call the external mechanism, then commit or roll back the
// reservation. Exactly one of commit/rollback happens per reservation.
package gate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/privalyze/gateway/internal/audit"
	"github.com/privalyze/gateway/internal/budget"
	"github.com/privalyze/gateway/internal/mechanism"
)

// DefaultUpstreamTimeout bounds the mechanism call when no timeout is
// configured.
const DefaultUpstreamTimeout = 30 * time.Second

// rollbackTimeout bounds the compensating budget restore after a failed
// mechanism call.
const rollbackTimeout = 10 * time.Second

// Ledger is the reservation protocol the gate drives.
type Ledger interface {
	Reserve(ctx context.Context, accountID string, cost float64) (*budget.Reservation, error)
	Commit(res *budget.Reservation) error
	Rollback(ctx context.Context, res *budget.Reservation) error
}

// Mechanism is the external noisy-query collaborator.
type Mechanism interface {
	Run(ctx context.Context, epsilon float64, q mechanism.QueryDescriptor) (json.RawMessage, error)
}

// DisclosureRecorder is the optional audit-trail sink.
type DisclosureRecorder interface {
	Record(d audit.Disclosure)
}

// MetricsRecorder is an optional interface for recording gate-level metrics.
type MetricsRecorder interface {
	IncQueryRequests(analysis, outcome string)
	ObserveMechanismDuration(analysis string, seconds float64)
	IncBudgetRejection(reason string)
	IncUpstreamError(errorType string)
	AddEpsilonSpent(epsilon float64)
	IncActiveQueries()
	DecActiveQueries()
}

// UpstreamError means the mechanism call failed or timed out after a
// successful reservation. The budget has been restored.
type UpstreamError struct {
	Err error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("gate: upstream mechanism failure: %v", e.Err)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// Result is a successful gated query: the mechanism payload plus the
// account's balance after the committed deduction.
type Result struct {
	Payload         json.RawMessage `json:"data"`
	RemainingBudget float64         `json:"remaining_budget"`
}

// Gate orchestrates the full gated call.
type Gate struct {
	validator *budget.Validator
	ledger    Ledger
	mech      Mechanism
	timeout   time.Duration
	recorder  DisclosureRecorder
	metrics   MetricsRecorder
}

// New creates a Gate. A non-positive timeout falls back to
// DefaultUpstreamTimeout.
func New(validator *budget.Validator, ledger Ledger, mech Mechanism, timeout time.Duration) *Gate {
	if timeout <= 0 {
		timeout = DefaultUpstreamTimeout
	}
	return &Gate{
		validator: validator,
		ledger:    ledger,
		mech:      mech,
		timeout:   timeout,
	}
}

// SetDisclosureRecorder sets the optional audit-trail sink.
func (g *Gate) SetDisclosureRecorder(r DisclosureRecorder) {
	g.recorder = r
}

// SetMetrics sets the optional metrics recorder.
func (g *Gate) SetMetrics(m MetricsRecorder) {
	g.metrics = m
}

// Execute runs one gated query for the account. Errors are typed:
// *budget.InvalidCostError (no store access), *budget.InsufficientBudgetError
// (no mechanism call), budget.ErrNotFound, budget.ErrContention, or
// *UpstreamError (budget restored).
func (g *Gate) Execute(ctx context.Context, accountID string, cost float64, q mechanism.QueryDescriptor) (*Result, error) {
	if g.metrics != nil {
		g.metrics.IncActiveQueries()
		defer g.metrics.DecActiveQueries()
	}

	if err := g.validator.Validate(cost); err != nil {
		g.finish(accountID, cost, q, "invalid_cost", 0, 0, err)
		return nil, err
	}

	res, err := g.ledger.Reserve(ctx, accountID, cost)
	if err != nil {
		remaining := 0.0
		var insufficient *budget.InsufficientBudgetError
		if errors.As(err, &insufficient) {
			remaining = insufficient.Remaining
		}
		g.finish(accountID, cost, q, reserveOutcome(err), 0, remaining, err)
		return nil, err
	}

	// The caller may abandon the request while the mechanism call is in
	// flight, but the reservation must still be resolved. Detach from the
	// caller's cancellation and bound the call by the upstream timeout only.
	runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.timeout)
	defer cancel()

	start := time.Now()
	payload, err := g.mech.Run(runCtx, cost, q)
	latency := time.Since(start)

	if g.metrics != nil {
		g.metrics.ObserveMechanismDuration(q.Analysis, latency.Seconds())
	}

	if err != nil {
		if g.metrics != nil {
			g.metrics.IncUpstreamError(mechanism.Classify(err))
		}
		g.release(res)
		g.finish(accountID, cost, q, "upstream_error", latency, res.Remaining+res.Cost, err)
		return nil, &UpstreamError{Err: err}
	}

	if err := g.ledger.Commit(res); err != nil {
		// Unreachable with a live reservation; log rather than fail the query.
		slog.Error("failed to commit reservation", "reservation_id", res.ID, "error", err)
	}

	if g.metrics != nil {
		g.metrics.AddEpsilonSpent(cost)
	}
	g.finish(accountID, cost, q, "ok", latency, res.Remaining, nil)
	return &Result{Payload: payload, RemainingBudget: res.Remaining}, nil
}

// release rolls the reservation back on a fresh detached context so a dead
// caller cannot strand the deducted budget.
func (g *Gate) release(res *budget.Reservation) {
	ctx, cancel := context.WithTimeout(context.Background(), rollbackTimeout)
	defer cancel()

	if err := g.ledger.Rollback(ctx, res); err != nil {
		slog.Error("failed to roll back reservation",
			"reservation_id", res.ID, "account_id", res.AccountID, "cost", res.Cost, "error", err)
	}
}

// finish records metrics and the audit disclosure for one attempt.
func (g *Gate) finish(accountID string, cost float64, q mechanism.QueryDescriptor, outcome string, latency time.Duration, remaining float64, cause error) {
	if g.metrics != nil {
		g.metrics.IncQueryRequests(q.Analysis, outcome)
		switch outcome {
		case "invalid_cost", "insufficient_budget":
			g.metrics.IncBudgetRejection(outcome)
		}
	}

	if g.recorder == nil {
		return
	}
	d := audit.Disclosure{
		ID:             uuid.NewString(),
		AccountID:      accountID,
		Analysis:       q.Analysis,
		TableName:      q.TableName,
		Epsilon:        cost,
		Timestamp:      time.Now().UTC(),
		Outcome:        outcome,
		LatencyMs:      latency.Milliseconds(),
		RemainingAfter: remaining,
	}
	if cause != nil {
		d.Error = cause.Error()
	}
	g.recorder.Record(d)
}

// reserveOutcome maps a reservation error to an audit outcome label.
func reserveOutcome(err error) string {
	var insufficient *budget.InsufficientBudgetError
	switch {
	case errors.As(err, &insufficient):
		return "insufficient_budget"
	case errors.Is(err, budget.ErrContention):
		return "contention"
	case errors.Is(err, budget.ErrNotFound):
		return "not_found"
	default:
		return "error"
	}
}
