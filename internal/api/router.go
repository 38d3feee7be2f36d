package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/privalyze/gateway/internal/account"
	"github.com/privalyze/gateway/internal/audit"
	"github.com/privalyze/gateway/internal/auth"
	"github.com/privalyze/gateway/internal/budget"
	"github.com/privalyze/gateway/internal/gate"
	"github.com/privalyze/gateway/internal/metrics"
	"github.com/privalyze/gateway/internal/ratelimit"
)

// RouterDeps holds all dependencies for the API router.
type RouterDeps struct {
	Gate          *gate.Gate
	AccountStore  *account.Store
	BudgetStore   budget.Store
	AuditStore    *audit.Store
	Auth          *auth.Service
	Limiter       *ratelimit.Limiter
	Metrics       *metrics.Metrics
	AdminKey      string
	AdminKeyHash  string
	DefaultBudget float64
	CORSOrigins   []string
}

// NewRouter builds the chi router with all routes and middleware.
func NewRouter(deps RouterDeps) http.Handler {
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chimw.Recoverer)
	r.Use(requestIDMiddleware)
	r.Use(secureHeaders)
	r.Use(corsMiddleware(deps.CORSOrigins))
	r.Use(requestObserver(deps.Metrics))

	// Handlers.
	queries := newQueriesHandler(deps.Gate)
	accounts := newAccountsHandler(deps.AccountStore, deps.BudgetStore, deps.DefaultBudget)
	budgets := newBudgetHandler(deps.BudgetStore)
	disclosures := newDisclosuresHandler(deps.AuditStore)

	// Health check.
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	// Prometheus exposition plus a JSON summary for dashboards.
	if deps.Metrics != nil {
		r.Get("/metrics", promhttp.HandlerFor(deps.Metrics.Registry(), promhttp.HandlerOpts{}).ServeHTTP)
		r.Get("/metrics/summary", deps.Metrics.SummaryHandler())
	}

	// Admin routes (require admin key).
	r.Route("/api/v1/admin", func(ar chi.Router) {
		ar.Use(auth.AdminAuthMiddleware(deps.AdminKey, deps.AdminKeyHash))

		// Account management.
		ar.Post("/accounts", accounts.CreateAccount)
		ar.Get("/accounts", accounts.ListAccounts)
		ar.Get("/accounts/{id}", accounts.GetAccount)
		ar.Delete("/accounts/{id}", accounts.DeleteAccount)

		// Budget inspection.
		ar.Get("/accounts/{id}/budget", func(w http.ResponseWriter, r *http.Request) {
			budgets.GetAccountBudget(w, r, chi.URLParam(r, "id"))
		})

		// Disclosure audit trail.
		ar.Get("/disclosures", disclosures.ListDisclosuresAdmin)
		ar.Get("/disclosures/summary", disclosures.GetSummaryAdmin)
	})

	// Account-authed routes (require API key + rate limiting).
	r.Route("/api/v1", func(ar chi.Router) {
		ar.Use(auth.AccountAuthMiddleware(deps.Auth))
		if deps.Metrics != nil {
			ar.Use(ratelimit.Middleware(deps.Limiter, deps.Metrics.IncRateLimitRejection))
		} else {
			ar.Use(ratelimit.Middleware(deps.Limiter))
		}

		ar.Post("/queries", queries.RunQuery)
		ar.Get("/budget", budgets.GetSelfBudget)
		ar.Get("/accounts/me", accounts.GetSelfAccount)
		ar.Get("/disclosures", disclosures.ListSelfDisclosures)
		ar.Get("/disclosures/summary", disclosures.GetSummary)
	})

	return r
}

// requestObserver logs each request with slog and records HTTP metrics when
// a metrics registry is configured.
func requestObserver(m *metrics.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			duration := time.Since(start)

			slog.Info("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"duration_ms", duration.Milliseconds(),
				"bytes", ww.BytesWritten(),
				"request_id", RequestIDFromContext(r.Context()),
			)

			if m != nil {
				pattern := chi.RouteContext(r.Context()).RoutePattern()
				if pattern == "" {
					pattern = "unmatched"
				}
				m.ObserveHTTPRequest(r.Method, pattern, ww.Status(), duration, r.ContentLength, int64(ww.BytesWritten()))
			}
		})
	}
}
