package auth

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

type contextKey int

const accountContextKey contextKey = iota

// ContextWithAccount returns a new context carrying the given account.
func ContextWithAccount(ctx context.Context, acct *Account) context.Context {
	return context.WithValue(ctx, accountContextKey, acct)
}

// AccountFromContext extracts the account from the context, or nil if not
// present.
func AccountFromContext(ctx context.Context) *Account {
	acct, _ := ctx.Value(accountContextKey).(*Account)
	return acct
}

// AccountAuthMiddleware returns middleware that authenticates requests using
// an API key in the Authorization header. The key is hashed and looked up
// via the service's account store. On success the account is injected into
// the request context, so every downstream call carries its own account and
// there is no process-wide current user.
func AccountAuthMiddleware(svc *Service) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := extractBearerToken(r)
			if token == "" {
				writeUnauthorized(w, "missing or malformed authorization header")
				return
			}

			hash := HashKey(token)
			acct, err := svc.store.GetByKeyHash(r.Context(), hash)
			if err != nil || acct == nil {
				writeUnauthorized(w, "invalid api key")
				return
			}

			ctx := ContextWithAccount(r.Context(), acct)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// AdminAuthMiddleware returns middleware that authorizes admin requests with
// a shared admin key. When adminKeyHash is set it is treated as a bcrypt
// hash of the key; otherwise the plaintext adminKey is compared in constant
// time. With neither configured, all admin requests are rejected.
func AdminAuthMiddleware(adminKey, adminKeyHash string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := extractBearerToken(r)
			if token == "" {
				writeUnauthorized(w, "missing or malformed authorization header")
				return
			}

			if !adminKeyMatches(token, adminKey, adminKeyHash) {
				writeForbidden(w, "admin access required")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func adminKeyMatches(token, adminKey, adminKeyHash string) bool {
	if adminKeyHash != "" {
		return bcrypt.CompareHashAndPassword([]byte(adminKeyHash), []byte(token)) == nil
	}
	if adminKey != "" {
		return subtle.ConstantTimeCompare([]byte(token), []byte(adminKey)) == 1
	}
	return false
}

func extractBearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return ""
	}
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return parts[1]
}

type errorResponse struct {
	Error errorBody `json:"error"`
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeUnauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(errorResponse{
		Error: errorBody{
			Code:    "unauthorized",
			Message: message,
		},
	})
}

func writeForbidden(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusForbidden)
	_ = json.NewEncoder(w).Encode(errorResponse{
		Error: errorBody{
			Code:    "forbidden",
			Message: message,
		},
	})
}
