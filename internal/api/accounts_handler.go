package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/privalyze/gateway/internal/account"
	"github.com/privalyze/gateway/internal/auth"
	"github.com/privalyze/gateway/internal/budget"
)

// accountsHandler groups account-related HTTP handlers.
type accountsHandler struct {
	store         *account.Store
	budgetStore   budget.Store
	defaultBudget float64
}

func newAccountsHandler(store *account.Store, budgetStore budget.Store, defaultBudget float64) *accountsHandler {
	return &accountsHandler{
		store:         store,
		budgetStore:   budgetStore,
		defaultBudget: defaultBudget,
	}
}

// createAccountRequest is the JSON body for creating an account.
type createAccountRequest struct {
	Name          string   `json:"name"`
	RateLimit     int      `json:"rate_limit"`
	InitialBudget *float64 `json:"initial_budget"`
}

// CreateAccount handles POST /api/v1/admin/accounts (admin).
// Generates an API key and returns the plaintext key in the response (only
// time it is shown). A budget record is initialized with the requested or
// default epsilon allowance.
func (h *accountsHandler) CreateAccount(w http.ResponseWriter, r *http.Request) {
	var req createAccountRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "failed to parse request body")
		return
	}

	if req.Name == "" {
		writeError(w, http.StatusUnprocessableEntity, "validation_error", "name is required")
		return
	}

	initialBudget := h.defaultBudget
	if req.InitialBudget != nil {
		if *req.InitialBudget <= 0 {
			writeError(w, http.StatusUnprocessableEntity, "validation_error", "initial_budget must be positive")
			return
		}
		initialBudget = *req.InitialBudget
	}

	apiKey, plaintext, err := auth.GenerateAPIKey()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to generate api key")
		return
	}

	acct, err := h.store.Create(r.Context(), account.CreateAccountInput{
		Name:         req.Name,
		APIKeyHash:   apiKey.Hash,
		APIKeyPrefix: apiKey.Prefix,
		RateLimit:    req.RateLimit,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to create account")
		return
	}

	if err := h.budgetStore.Initialize(r.Context(), acct.ID, initialBudget); err != nil {
		// The account exists without a budget record; queries will 404
		// until one is created. Surface the failure rather than hide it.
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to initialize budget")
		return
	}

	auditLog(r, "create", "account", acct.ID, "name", acct.Name, "initial_budget", initialBudget)

	resp := map[string]interface{}{
		"id":             acct.ID,
		"name":           acct.Name,
		"api_key_prefix": acct.APIKeyPrefix,
		"api_key":        plaintext,
		"rate_limit":     acct.RateLimit,
		"initial_budget": initialBudget,
		"created_at":     acct.CreatedAt,
	}
	writeJSON(w, http.StatusCreated, resp)
}

// GetAccount handles GET /api/v1/admin/accounts/{id} (admin).
func (h *accountsHandler) GetAccount(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "invalid_id", "account id is required")
		return
	}

	acct, err := h.store.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			writeError(w, http.StatusNotFound, "not_found", "account not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to get account")
		return
	}

	writeJSON(w, http.StatusOK, acct)
}

// ListAccounts handles GET /api/v1/admin/accounts (admin).
func (h *accountsHandler) ListAccounts(w http.ResponseWriter, r *http.Request) {
	params := account.ListParams{
		Cursor: r.URL.Query().Get("cursor"),
	}
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		l, err := strconv.Atoi(limitStr)
		if err != nil || l < 1 {
			writeError(w, http.StatusBadRequest, "invalid_limit", "limit must be a positive integer")
			return
		}
		params.Limit = l
	}

	accounts, nextCursor, err := h.store.List(r.Context(), params)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to list accounts")
		return
	}

	resp := map[string]interface{}{
		"accounts": accounts,
	}
	if nextCursor != "" {
		resp["next_cursor"] = nextCursor
	}
	writeJSON(w, http.StatusOK, resp)
}

// DeleteAccount handles DELETE /api/v1/admin/accounts/{id} (admin).
// The budget record is removed via FK cascade.
func (h *accountsHandler) DeleteAccount(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "invalid_id", "account id is required")
		return
	}

	if err := h.store.Delete(r.Context(), id); err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to delete account")
		return
	}

	auditLog(r, "delete", "account", id)

	w.WriteHeader(http.StatusNoContent)
}

// GetSelfAccount handles GET /api/v1/accounts/me (account-authed).
func (h *accountsHandler) GetSelfAccount(w http.ResponseWriter, r *http.Request) {
	authAcct := auth.AccountFromContext(r.Context())
	if authAcct == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized", "no authenticated account")
		return
	}

	acct, err := h.store.GetByID(r.Context(), authAcct.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to get account")
		return
	}

	writeJSON(w, http.StatusOK, acct)
}
