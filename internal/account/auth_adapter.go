package account

import (
	"context"

	"github.com/privalyze/gateway/internal/auth"
)

// AuthAdapter wraps an account Store to satisfy auth.AccountLookup.
type AuthAdapter struct {
	store *Store
}

// NewAuthAdapter creates an adapter that bridges account.Store to
// auth.AccountLookup.
func NewAuthAdapter(store *Store) *AuthAdapter {
	return &AuthAdapter{store: store}
}

// GetByKeyHash looks up an account by API key hash and converts to
// auth.Account.
func (a *AuthAdapter) GetByKeyHash(ctx context.Context, hash string) (*auth.Account, error) {
	acct, err := a.store.GetByKeyHash(ctx, hash)
	if err != nil {
		return nil, err
	}
	return &auth.Account{
		ID:        acct.ID,
		Name:      acct.Name,
		RateLimit: acct.RateLimit,
	}, nil
}
