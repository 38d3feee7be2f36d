package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/privalyze/gateway/internal/account"
	"github.com/privalyze/gateway/internal/api"
	"github.com/privalyze/gateway/internal/audit"
	"github.com/privalyze/gateway/internal/auth"
	"github.com/privalyze/gateway/internal/budget"
	"github.com/privalyze/gateway/internal/config"
	"github.com/privalyze/gateway/internal/gate"
	"github.com/privalyze/gateway/internal/mechanism"
	"github.com/privalyze/gateway/internal/metrics"
	"github.com/privalyze/gateway/internal/ratelimit"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the Privalyze gateway server",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.Database.URL)
	if err != nil {
		return err
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		return err
	}
	slog.Info("connected to database")

	m := metrics.New()
	m.RegisterDBPoolCollector(func() (total, idle, acquired int32) {
		st := pool.Stat()
		return st.TotalConns(), st.IdleConns(), st.AcquiredConns()
	})

	accountStore := account.NewStore(pool)
	budgetStore := budget.NewPGStore(pool)
	auditStore := audit.NewStore(pool)

	collector := audit.NewCollector(auditStore, cfg.Audit.BatchSize, cfg.Audit.FlushInterval)
	go collector.Start(ctx)

	validator := budget.NewValidator(cfg.Budget.MinCost, cfg.Budget.MaxCost)
	ledger := budget.NewLedger(budgetStore, cfg.Budget.MaxReserveRetries)
	mechClient := mechanism.NewClient(cfg.Mechanism.BaseURL, cfg.Mechanism.Timeout)

	queryGate := gate.New(validator, ledger, mechClient, cfg.Mechanism.Timeout)
	queryGate.SetDisclosureRecorder(collector)
	queryGate.SetMetrics(m)

	limiter := ratelimit.New(cfg.RateLimit.Default, cfg.RateLimit.Window)
	authService := auth.NewService(account.NewAuthAdapter(accountStore))

	router := api.NewRouter(api.RouterDeps{
		Gate:          queryGate,
		AccountStore:  accountStore,
		BudgetStore:   budgetStore,
		AuditStore:    auditStore,
		Auth:          authService,
		Limiter:       limiter,
		Metrics:       m,
		AdminKey:      cfg.Auth.AdminKey,
		AdminKeyHash:  cfg.Auth.AdminKeyHash,
		DefaultBudget: cfg.Budget.DefaultBudget,
		CORSOrigins:   cfg.CORS.AllowedOrigins,
	})

	srv := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		slog.Info("server starting", "addr", cfg.Addr(), "mechanism", cfg.Mechanism.BaseURL)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-sigCh
	slog.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	collector.Stop()

	return srv.Shutdown(shutdownCtx)
}
