package api

import (
	"errors"
	"net/http"

	"github.com/privalyze/gateway/internal/auth"
	"github.com/privalyze/gateway/internal/budget"
	"github.com/privalyze/gateway/internal/gate"
	"github.com/privalyze/gateway/internal/mechanism"
)

// queriesHandler serves the gated noisy-query endpoint.
type queriesHandler struct {
	gate *gate.Gate
}

func newQueriesHandler(g *gate.Gate) *queriesHandler {
	return &queriesHandler{gate: g}
}

// runQueryRequest is the JSON body for running a gated query.
type runQueryRequest struct {
	Epsilon   float64 `json:"epsilon"`
	Analysis  string  `json:"analysis"`
	Query     string  `json:"query"`
	TableName string  `json:"table_name"`
}

// RunQuery handles POST /api/v1/queries (account-authed).
// The epsilon cost is deducted from the account's budget before the
// mechanism is called and restored if the call fails.
func (h *queriesHandler) RunQuery(w http.ResponseWriter, r *http.Request) {
	acct := auth.AccountFromContext(r.Context())
	if acct == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized", "no authenticated account")
		return
	}

	var req runQueryRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "failed to parse request body")
		return
	}

	if req.TableName == "" {
		writeError(w, http.StatusUnprocessableEntity, "validation_error", "table_name is required")
		return
	}

	q := mechanism.QueryDescriptor{
		Analysis:  req.Analysis,
		Query:     req.Query,
		TableName: req.TableName,
	}

	result, err := h.gate.Execute(r.Context(), acct.ID, req.Epsilon, q)
	if err != nil {
		writeGateError(w, err)
		return
	}

	auditLog(r, "run_query", "query", acct.ID, "analysis", req.Analysis, "epsilon", req.Epsilon)

	writeJSON(w, http.StatusOK, result)
}

// writeGateError maps gate execution errors to HTTP responses.
func writeGateError(w http.ResponseWriter, err error) {
	var invalidCost *budget.InvalidCostError
	var insufficient *budget.InsufficientBudgetError
	var upstream *gate.UpstreamError

	switch {
	case errors.As(err, &invalidCost):
		writeError(w, http.StatusBadRequest, "invalid_cost", invalidCost.Error())
	case errors.As(err, &insufficient):
		writeBudgetError(w, http.StatusForbidden, "insufficient_budget",
			insufficient.Error(), insufficient.Remaining)
	case errors.Is(err, budget.ErrNotFound):
		writeError(w, http.StatusNotFound, "account_not_found", "no budget record for account")
	case errors.Is(err, budget.ErrContention):
		writeError(w, http.StatusServiceUnavailable, "contention",
			"budget is under heavy contention, retry shortly")
	case errors.As(err, &upstream):
		writeError(w, http.StatusBadGateway, "upstream_error",
			"mechanism service call failed; budget was not spent")
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", "query execution failed")
	}
}
