package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/privalyze/gateway/internal/audit"
	"github.com/privalyze/gateway/internal/auth"
)

// disclosuresHandler serves the disclosure audit trail.
type disclosuresHandler struct {
	store *audit.Store
}

func newDisclosuresHandler(store *audit.Store) *disclosuresHandler {
	return &disclosuresHandler{store: store}
}

// parseTimeParam parses a date query param in YYYY-MM-DD or RFC3339 format.
func parseTimeParam(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	// Try RFC3339 first.
	t, err := time.Parse(time.RFC3339, s)
	if err == nil {
		return t, nil
	}
	// Fall back to date-only.
	t, err = time.Parse("2006-01-02", s)
	if err != nil {
		return time.Time{}, err
	}
	return t, nil
}

// buildDisclosureQuery constructs an audit.Query from query params,
// respecting account auth scope.
func buildDisclosureQuery(r *http.Request, isAdmin bool) (*audit.Query, error) {
	q := &audit.Query{}

	if isAdmin {
		q.AccountID = r.URL.Query().Get("account_id")
	} else {
		acct := auth.AccountFromContext(r.Context())
		if acct != nil {
			q.AccountID = acct.ID
		}
	}
	q.Analysis = r.URL.Query().Get("analysis")

	from, err := parseTimeParam(r.URL.Query().Get("from"))
	if err != nil {
		return nil, err
	}
	q.From = from

	to, err := parseTimeParam(r.URL.Query().Get("to"))
	if err != nil {
		return nil, err
	}
	q.To = to

	q.Cursor = r.URL.Query().Get("cursor")

	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		l, lErr := strconv.Atoi(limitStr)
		if lErr != nil || l < 1 {
			return nil, lErr
		}
		q.Limit = l
	}

	return q, nil
}

// listDisclosures is the shared implementation for the admin and
// account-scoped listings.
func (h *disclosuresHandler) listDisclosures(w http.ResponseWriter, r *http.Request, isAdmin bool) {
	q, err := buildDisclosureQuery(r, isAdmin)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_params", "invalid query parameters")
		return
	}

	ds, nextCursor, err := h.store.List(r.Context(), *q)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to list disclosures")
		return
	}

	if ds == nil {
		ds = []*audit.Disclosure{}
	}

	resp := map[string]interface{}{
		"disclosures": ds,
	}
	if nextCursor != "" {
		resp["next_cursor"] = nextCursor
	}
	writeJSON(w, http.StatusOK, resp)
}

// ListDisclosuresAdmin handles GET /api/v1/admin/disclosures (admin can
// filter by any account).
func (h *disclosuresHandler) ListDisclosuresAdmin(w http.ResponseWriter, r *http.Request) {
	h.listDisclosures(w, r, true)
}

// ListSelfDisclosures handles GET /api/v1/disclosures (account-authed;
// account only sees its own history).
func (h *disclosuresHandler) ListSelfDisclosures(w http.ResponseWriter, r *http.Request) {
	h.listDisclosures(w, r, false)
}

// GetSummary handles GET /api/v1/disclosures/summary (account-authed).
// Epsilon spend only counts committed queries.
func (h *disclosuresHandler) GetSummary(w http.ResponseWriter, r *http.Request) {
	q, err := buildDisclosureQuery(r, false)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_params", "invalid query parameters")
		return
	}

	summary, err := h.store.GetSummary(r.Context(), *q)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to get disclosure summary")
		return
	}

	writeJSON(w, http.StatusOK, summary)
}

// GetSummaryAdmin handles GET /api/v1/admin/disclosures/summary (admin).
func (h *disclosuresHandler) GetSummaryAdmin(w http.ResponseWriter, r *http.Request) {
	q, err := buildDisclosureQuery(r, true)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_params", "invalid query parameters")
		return
	}

	summary, err := h.store.GetSummary(r.Context(), *q)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to get disclosure summary")
		return
	}

	writeJSON(w, http.StatusOK, summary)
}
