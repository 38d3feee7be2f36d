package budget

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store is the authoritative budget backend. Implementations must make
// CompareAndSet atomic: the update applies only when the stored version still
// equals expectedVersion, and a reader must never observe a negative balance.
type Store interface {
	// Get returns the remaining budget and current version for an account.
	Get(ctx context.Context, accountID string) (remaining float64, version int64, err error)

	// CompareAndSet replaces the remaining budget only if the stored version
	// matches expectedVersion. Returns ErrConflict when another writer got
	// there first, ErrNotFound when the record is gone.
	CompareAndSet(ctx context.Context, accountID string, expectedVersion int64, newRemaining float64) error

	// Initialize creates the budget record at account creation. Returns
	// ErrAlreadyExists when called twice for the same account.
	Initialize(ctx context.Context, accountID string, defaultBudget float64) error
}

// PGStore is the Postgres-backed Store.
type PGStore struct {
	pool *pgxpool.Pool
}

var _ Store = (*PGStore)(nil)

// NewPGStore creates a budget store backed by the given connection pool.
func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

// Get retrieves the remaining budget and version for the account.
func (s *PGStore) Get(ctx context.Context, accountID string) (float64, int64, error) {
	var remaining float64
	var version int64
	err := s.pool.QueryRow(ctx,
		`SELECT remaining, version FROM budgets WHERE account_id = $1`,
		accountID,
	).Scan(&remaining, &version)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, 0, ErrNotFound
	}
	if err != nil {
		return 0, 0, fmt.Errorf("getting budget: %w", err)
	}
	return remaining, version, nil
}

// CompareAndSet performs the optimistic update. The version column is the
// synchronization point: the UPDATE matches zero rows when a concurrent
// writer bumped it, and the follow-up existence check distinguishes a lost
// race from a deleted account.
func (s *PGStore) CompareAndSet(ctx context.Context, accountID string, expectedVersion int64, newRemaining float64) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE budgets
		 SET remaining = $3, version = version + 1, updated_at = now()
		 WHERE account_id = $1 AND version = $2`,
		accountID, expectedVersion, newRemaining,
	)
	if err != nil {
		return fmt.Errorf("updating budget: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	var exists bool
	err = s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM budgets WHERE account_id = $1)`,
		accountID,
	).Scan(&exists)
	if err != nil {
		return fmt.Errorf("checking budget existence: %w", err)
	}
	if !exists {
		return ErrNotFound
	}
	return ErrConflict
}

// Initialize creates the budget record for a new account.
func (s *PGStore) Initialize(ctx context.Context, accountID string, defaultBudget float64) error {
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO budgets (account_id, remaining)
		 VALUES ($1, $2)
		 ON CONFLICT (account_id) DO NOTHING`,
		accountID, defaultBudget,
	)
	if err != nil {
		return fmt.Errorf("initializing budget: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAlreadyExists
	}
	return nil
}

// GetRecord returns the full budget record, used by the admin API.
func (s *PGStore) GetRecord(ctx context.Context, accountID string) (*Record, error) {
	rec := &Record{}
	err := s.pool.QueryRow(ctx,
		`SELECT account_id, remaining, version, updated_at FROM budgets WHERE account_id = $1`,
		accountID,
	).Scan(&rec.AccountID, &rec.Remaining, &rec.Version, &rec.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting budget record: %w", err)
	}
	return rec, nil
}

// Delete removes the budget record, used when an account is deprovisioned.
func (s *PGStore) Delete(ctx context.Context, accountID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM budgets WHERE account_id = $1`, accountID)
	if err != nil {
		return fmt.Errorf("deleting budget: %w", err)
	}
	return nil
}
