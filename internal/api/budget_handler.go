package api

import (
	"errors"
	"net/http"

	"github.com/privalyze/gateway/internal/auth"
	"github.com/privalyze/gateway/internal/budget"
)

// budgetHandler serves budget balance lookups.
type budgetHandler struct {
	store budget.Store
}

func newBudgetHandler(store budget.Store) *budgetHandler {
	return &budgetHandler{store: store}
}

// GetSelfBudget handles GET /api/v1/budget (account-authed).
func (h *budgetHandler) GetSelfBudget(w http.ResponseWriter, r *http.Request) {
	acct := auth.AccountFromContext(r.Context())
	if acct == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized", "no authenticated account")
		return
	}

	h.writeBudget(w, r, acct.ID)
}

// GetAccountBudget handles GET /api/v1/admin/accounts/{id}/budget (admin).
func (h *budgetHandler) GetAccountBudget(w http.ResponseWriter, r *http.Request, accountID string) {
	h.writeBudget(w, r, accountID)
}

func (h *budgetHandler) writeBudget(w http.ResponseWriter, r *http.Request, accountID string) {
	remaining, _, err := h.store.Get(r.Context(), accountID)
	if err != nil {
		if errors.Is(err, budget.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "no budget record for account")
			return
		}
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to get budget")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"account_id":       accountID,
		"remaining_budget": remaining,
	})
}
