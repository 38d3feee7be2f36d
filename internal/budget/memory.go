package budget

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store with the same compare-and-set semantics
// as the Postgres store. It backs tests and single-node development.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]*Record
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory budget store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*Record)}
}

// Get returns the remaining budget and version for the account.
func (s *MemoryStore) Get(_ context.Context, accountID string) (float64, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[accountID]
	if !ok {
		return 0, 0, ErrNotFound
	}
	return rec.Remaining, rec.Version, nil
}

// CompareAndSet replaces the balance only when the version still matches.
func (s *MemoryStore) CompareAndSet(_ context.Context, accountID string, expectedVersion int64, newRemaining float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[accountID]
	if !ok {
		return ErrNotFound
	}
	if rec.Version != expectedVersion {
		return ErrConflict
	}
	rec.Remaining = newRemaining
	rec.Version++
	rec.UpdatedAt = time.Now().UTC()
	return nil
}

// Initialize creates the budget record for a new account.
func (s *MemoryStore) Initialize(_ context.Context, accountID string, defaultBudget float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[accountID]; ok {
		return ErrAlreadyExists
	}
	s.records[accountID] = &Record{
		AccountID: accountID,
		Remaining: defaultBudget,
		UpdatedAt: time.Now().UTC(),
	}
	return nil
}

// Delete removes the budget record.
func (s *MemoryStore) Delete(_ context.Context, accountID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, accountID)
	return nil
}
