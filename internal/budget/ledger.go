package budget

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// ReservationState tracks a reservation through its lifecycle:
// reserved, then exactly one of committed or rolled back.
type ReservationState string

const (
	StateReserved   ReservationState = "reserved"
	StateCommitted  ReservationState = "committed"
	StateRolledBack ReservationState = "rolled_back"
)

// Reservation is a tentative hold of Cost against an account's budget. The
// deduction happens optimistically at reserve time; Rollback is the
// compensating action. Reservations live only in process memory.
type Reservation struct {
	ID        string
	AccountID string
	Cost      float64
	// Remaining is the balance immediately after the deduction.
	Remaining float64

	mu    sync.Mutex
	state ReservationState
}

// State returns the reservation's current lifecycle state.
func (r *Reservation) State() ReservationState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Ledger is the only component that mutates budget records. It implements
// the reserve/commit/rollback protocol on top of the store's compare-and-set
// primitive, so no lock is ever held across the upstream mechanism call.
type Ledger struct {
	store      Store
	maxRetries int
}

// NewLedger creates a Ledger over the given store. A non-positive maxRetries
// falls back to DefaultMaxReserveRetries.
func NewLedger(store Store, maxRetries int) *Ledger {
	if maxRetries <= 0 {
		maxRetries = DefaultMaxReserveRetries
	}
	return &Ledger{store: store, maxRetries: maxRetries}
}

// Reserve deducts cost from the account's budget and returns a handle for the
// later commit or rollback. Concurrent reservations for the same account race
// on CompareAndSet; losers retry with a fresh read, so two requests can never
// jointly overspend the balance. Fails with *InsufficientBudgetError when the
// balance cannot cover cost, and ErrContention after maxRetries lost races.
func (l *Ledger) Reserve(ctx context.Context, accountID string, cost float64) (*Reservation, error) {
	for attempt := 0; attempt < l.maxRetries; attempt++ {
		remaining, version, err := l.store.Get(ctx, accountID)
		if err != nil {
			return nil, err
		}
		if cost > remaining {
			return nil, &InsufficientBudgetError{Requested: cost, Remaining: remaining}
		}

		err = l.store.CompareAndSet(ctx, accountID, version, remaining-cost)
		if errors.Is(err, ErrConflict) {
			continue
		}
		if err != nil {
			return nil, err
		}

		return &Reservation{
			ID:        uuid.NewString(),
			AccountID: accountID,
			Cost:      cost,
			Remaining: remaining - cost,
			state:     StateReserved,
		}, nil
	}
	return nil, ErrContention
}

// Commit finalizes the reservation. The deduction already happened at
// reserve time, so no store mutation is needed. Committing twice is a no-op;
// committing a rolled-back reservation fails with ErrReservationClosed.
func (l *Ledger) Commit(res *Reservation) error {
	res.mu.Lock()
	defer res.mu.Unlock()

	switch res.state {
	case StateCommitted:
		return nil
	case StateRolledBack:
		return ErrReservationClosed
	}
	res.state = StateCommitted
	return nil
}

// Rollback restores the reserved cost to the account's budget via the same
// compare-and-set retry loop. Rolling back twice is a no-op and never
// double-restores; rolling back a committed reservation fails with
// ErrReservationClosed. A record deleted mid-flight is logged and swallowed:
// the reservation is moot.
func (l *Ledger) Rollback(ctx context.Context, res *Reservation) error {
	res.mu.Lock()
	defer res.mu.Unlock()

	switch res.state {
	case StateRolledBack:
		return nil
	case StateCommitted:
		return ErrReservationClosed
	}

	for attempt := 0; attempt < l.maxRetries; attempt++ {
		remaining, version, err := l.store.Get(ctx, res.AccountID)
		if errors.Is(err, ErrNotFound) {
			slog.Warn("budget rollback skipped, account record gone",
				"account_id", res.AccountID, "reservation_id", res.ID, "cost", res.Cost)
			res.state = StateRolledBack
			return nil
		}
		if err != nil {
			return err
		}

		err = l.store.CompareAndSet(ctx, res.AccountID, version, remaining+res.Cost)
		if errors.Is(err, ErrConflict) {
			continue
		}
		if errors.Is(err, ErrNotFound) {
			slog.Warn("budget rollback skipped, account record gone",
				"account_id", res.AccountID, "reservation_id", res.ID, "cost", res.Cost)
			res.state = StateRolledBack
			return nil
		}
		if err != nil {
			return err
		}

		res.state = StateRolledBack
		return nil
	}
	return ErrContention
}

// Remaining reads the account's current balance without mutating it.
func (l *Ledger) Remaining(ctx context.Context, accountID string) (float64, error) {
	remaining, _, err := l.store.Get(ctx, accountID)
	return remaining, err
}
