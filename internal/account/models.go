package account

import "time"

// Account represents a registered analyst allowed to run gated queries.
type Account struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	APIKeyHash   string    `json:"-"`
	APIKeyPrefix string    `json:"api_key_prefix"`
	RateLimit    int       `json:"rate_limit"`
	CreatedAt    time.Time `json:"created_at"`
}

// CreateAccountInput holds the fields required to create a new account.
type CreateAccountInput struct {
	Name         string `json:"name"`
	APIKeyHash   string `json:"api_key_hash"`
	APIKeyPrefix string `json:"api_key_prefix"`
	RateLimit    int    `json:"rate_limit"`
}

// ListParams controls cursor-based pagination for listing accounts.
type ListParams struct {
	Cursor string `json:"cursor"`
	Limit  int    `json:"limit"`
}
