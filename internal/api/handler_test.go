package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/privalyze/gateway/internal/auth"
	"github.com/privalyze/gateway/internal/budget"
	"github.com/privalyze/gateway/internal/gate"
	"github.com/privalyze/gateway/internal/mechanism"
	"github.com/privalyze/gateway/internal/ratelimit"
)

// fakeMechanism returns a canned payload or error.
type fakeMechanism struct {
	payload json.RawMessage
	err     error
}

func (f *fakeMechanism) Run(_ context.Context, _ float64, _ mechanism.QueryDescriptor) (json.RawMessage, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.payload, nil
}

// fakeLookup is an in-memory auth.AccountLookup.
type fakeLookup struct {
	accounts map[string]*auth.Account // keyed by hash
}

func (f *fakeLookup) GetByKeyHash(_ context.Context, hash string) (*auth.Account, error) {
	acct, ok := f.accounts[hash]
	if !ok {
		return nil, errors.New("not found")
	}
	return acct, nil
}

const testKey = "pvz_testkey00000000000000000000000"

// newTestRouter wires a router around a memory budget store and a fake
// mechanism. The account "a1" authenticates with testKey and starts with the
// given budget.
func newTestRouter(t *testing.T, initialBudget float64, mech gate.Mechanism) (http.Handler, *budget.MemoryStore) {
	t.Helper()

	store := budget.NewMemoryStore()
	if err := store.Initialize(context.Background(), "a1", initialBudget); err != nil {
		t.Fatalf("initialize failed: %v", err)
	}

	g := gate.New(budget.NewValidator(0, 1.0), budget.NewLedger(store, 5), mech, time.Second)

	lookup := &fakeLookup{accounts: map[string]*auth.Account{
		auth.HashKey(testKey): {ID: "a1", Name: "analyst", RateLimit: 1000},
	}}

	router := NewRouter(RouterDeps{
		Gate:        g,
		BudgetStore: store,
		Auth:        auth.NewService(lookup),
		Limiter:     ratelimit.New(1000, time.Minute),
		AdminKey:    "admin-secret",
		CORSOrigins: []string{"*"},
	})
	return router, store
}

func doJSON(t *testing.T, h http.Handler, method, path, key, body string) *httptest.ResponseRecorder {
	t.Helper()
	var rd *strings.Reader
	if body == "" {
		rd = strings.NewReader("")
	} else {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	if key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthCheck(t *testing.T) {
	router, _ := newTestRouter(t, 5.0, &fakeMechanism{payload: json.RawMessage(`{}`)})

	rec := doJSON(t, router, http.MethodGet, "/health", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("expected status=ok, got %q", body["status"])
	}
}

func TestRunQuerySuccess(t *testing.T) {
	router, store := newTestRouter(t, 5.0, &fakeMechanism{payload: json.RawMessage(`{"value": 37.2}`)})

	rec := doJSON(t, router, http.MethodPost, "/api/v1/queries", testKey,
		`{"epsilon": 1.0, "analysis": "debt-analysis", "query": "average", "table_name": "credit"}`)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var body struct {
		Data            json.RawMessage `json:"data"`
		RemainingBudget float64         `json:"remaining_budget"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if string(body.Data) != `{"value": 37.2}` {
		t.Errorf("unexpected data: %s", body.Data)
	}
	if body.RemainingBudget != 4.0 {
		t.Errorf("expected remaining 4.0, got %g", body.RemainingBudget)
	}

	remaining, _, _ := store.Get(context.Background(), "a1")
	if remaining != 4.0 {
		t.Errorf("expected store remaining 4.0, got %g", remaining)
	}
}

func TestRunQueryRequiresAuth(t *testing.T) {
	router, _ := newTestRouter(t, 5.0, &fakeMechanism{payload: json.RawMessage(`{}`)})

	rec := doJSON(t, router, http.MethodPost, "/api/v1/queries", "",
		`{"epsilon": 0.5, "table_name": "credit"}`)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without key, got %d", rec.Code)
	}

	rec = doJSON(t, router, http.MethodPost, "/api/v1/queries", "pvz_wrongkey",
		`{"epsilon": 0.5, "table_name": "credit"}`)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 with unknown key, got %d", rec.Code)
	}
}

func TestRunQueryInvalidCost(t *testing.T) {
	mech := &fakeMechanism{payload: json.RawMessage(`{}`)}
	router, store := newTestRouter(t, 5.0, mech)

	for _, body := range []string{
		`{"epsilon": 0, "table_name": "credit"}`,
		`{"epsilon": -1, "table_name": "credit"}`,
		`{"epsilon": 1.5, "table_name": "credit"}`,
	} {
		rec := doJSON(t, router, http.MethodPost, "/api/v1/queries", testKey, body)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("body %s: expected 400, got %d", body, rec.Code)
		}
		var envelope errorEnvelope
		_ = json.NewDecoder(rec.Body).Decode(&envelope)
		if envelope.Error.Code != "invalid_cost" {
			t.Fatalf("expected invalid_cost, got %s", envelope.Error.Code)
		}
	}

	remaining, _, _ := store.Get(context.Background(), "a1")
	if remaining != 5.0 {
		t.Fatalf("invalid requests must not touch the budget, got %g", remaining)
	}
}

func TestRunQueryInsufficientBudget(t *testing.T) {
	router, _ := newTestRouter(t, 0.3, &fakeMechanism{payload: json.RawMessage(`{}`)})

	rec := doJSON(t, router, http.MethodPost, "/api/v1/queries", testKey,
		`{"epsilon": 0.5, "table_name": "credit"}`)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}

	var envelope errorEnvelope
	if err := json.NewDecoder(rec.Body).Decode(&envelope); err != nil {
		t.Fatalf("failed to decode error: %v", err)
	}
	if envelope.Error.Code != "insufficient_budget" {
		t.Errorf("expected insufficient_budget, got %s", envelope.Error.Code)
	}
	if envelope.Error.RemainingBudget == nil || *envelope.Error.RemainingBudget != 0.3 {
		t.Errorf("expected remaining_budget 0.3 in error, got %v", envelope.Error.RemainingBudget)
	}
}

func TestRunQueryUpstreamFailure(t *testing.T) {
	router, store := newTestRouter(t, 5.0, &fakeMechanism{err: errors.New("mechanism down")})

	rec := doJSON(t, router, http.MethodPost, "/api/v1/queries", testKey,
		`{"epsilon": 1.0, "table_name": "credit"}`)
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", rec.Code)
	}

	var envelope errorEnvelope
	_ = json.NewDecoder(rec.Body).Decode(&envelope)
	if envelope.Error.Code != "upstream_error" {
		t.Errorf("expected upstream_error, got %s", envelope.Error.Code)
	}

	// The failed call must not consume budget.
	remaining, _, _ := store.Get(context.Background(), "a1")
	if remaining != 5.0 {
		t.Errorf("expected budget restored to 5.0, got %g", remaining)
	}
}

func TestRunQueryMissingTableName(t *testing.T) {
	router, _ := newTestRouter(t, 5.0, &fakeMechanism{payload: json.RawMessage(`{}`)})

	rec := doJSON(t, router, http.MethodPost, "/api/v1/queries", testKey,
		`{"epsilon": 0.5}`)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", rec.Code)
	}
}

func TestGetSelfBudget(t *testing.T) {
	router, _ := newTestRouter(t, 4.2, &fakeMechanism{payload: json.RawMessage(`{}`)})

	rec := doJSON(t, router, http.MethodGet, "/api/v1/budget", testKey, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var body map[string]interface{}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if body["account_id"] != "a1" {
		t.Errorf("expected account a1, got %v", body["account_id"])
	}
	if body["remaining_budget"] != 4.2 {
		t.Errorf("expected remaining 4.2, got %v", body["remaining_budget"])
	}
}

func TestRateLimitExceeded(t *testing.T) {
	store := budget.NewMemoryStore()
	_ = store.Initialize(context.Background(), "a1", 5.0)
	g := gate.New(budget.NewValidator(0, 1.0), budget.NewLedger(store, 5),
		&fakeMechanism{payload: json.RawMessage(`{}`)}, time.Second)

	lookup := &fakeLookup{accounts: map[string]*auth.Account{
		auth.HashKey(testKey): {ID: "a1", Name: "analyst"}, // no override, default rate applies
	}}

	router := NewRouter(RouterDeps{
		Gate:        g,
		BudgetStore: store,
		Auth:        auth.NewService(lookup),
		Limiter:     ratelimit.New(2, time.Minute),
		AdminKey:    "admin-secret",
	})

	for i := 0; i < 2; i++ {
		rec := doJSON(t, router, http.MethodGet, "/api/v1/budget", testKey, "")
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i+1, rec.Code)
		}
	}

	rec := doJSON(t, router, http.MethodGet, "/api/v1/budget", testKey, "")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 after limit, got %d", rec.Code)
	}
	if rec.Header().Get("X-RateLimit-Limit") != "2" {
		t.Errorf("expected X-RateLimit-Limit 2, got %s", rec.Header().Get("X-RateLimit-Limit"))
	}
}

func TestAdminRoutesRequireAdminKey(t *testing.T) {
	router, _ := newTestRouter(t, 5.0, &fakeMechanism{payload: json.RawMessage(`{}`)})

	// No key.
	rec := doJSON(t, router, http.MethodGet, "/api/v1/admin/accounts", "", "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without key, got %d", rec.Code)
	}

	// Account key is not an admin key.
	rec = doJSON(t, router, http.MethodGet, "/api/v1/admin/accounts", testKey, "")
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 with non-admin key, got %d", rec.Code)
	}
}

func TestAdminBudgetLookup(t *testing.T) {
	router, _ := newTestRouter(t, 3.3, &fakeMechanism{payload: json.RawMessage(`{}`)})

	rec := doJSON(t, router, http.MethodGet, "/api/v1/admin/accounts/a1/budget", "admin-secret", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var body map[string]interface{}
	_ = json.NewDecoder(rec.Body).Decode(&body)
	if body["remaining_budget"] != 3.3 {
		t.Errorf("expected remaining 3.3, got %v", body["remaining_budget"])
	}

	rec = doJSON(t, router, http.MethodGet, "/api/v1/admin/accounts/ghost/budget", "admin-secret", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown account, got %d", rec.Code)
	}
}

func TestRequestIDHeader(t *testing.T) {
	router, _ := newTestRouter(t, 5.0, &fakeMechanism{payload: json.RawMessage(`{}`)})

	rec := doJSON(t, router, http.MethodGet, "/health", "", "")
	if rec.Header().Get("X-Request-ID") == "" {
		t.Fatal("expected X-Request-ID to be set")
	}

	// Caller-provided IDs are echoed back.
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Request-ID", "my-id-42")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Header().Get("X-Request-ID") != "my-id-42" {
		t.Fatalf("expected echoed request id, got %s", rec.Header().Get("X-Request-ID"))
	}
}

func TestCORSPreflight(t *testing.T) {
	router, _ := newTestRouter(t, 5.0, &fakeMechanism{payload: json.RawMessage(`{}`)})

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/queries", nil)
	req.Header.Set("Origin", "https://example.com")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204 for preflight, got %d", rec.Code)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Errorf("expected wildcard allow-origin, got %s", rec.Header().Get("Access-Control-Allow-Origin"))
	}
}

func TestSecureHeaders(t *testing.T) {
	router, _ := newTestRouter(t, 5.0, &fakeMechanism{payload: json.RawMessage(`{}`)})

	rec := doJSON(t, router, http.MethodGet, "/health", "", "")
	if rec.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Error("expected X-Content-Type-Options nosniff")
	}
	if rec.Header().Get("X-Frame-Options") != "DENY" {
		t.Error("expected X-Frame-Options DENY")
	}
}
