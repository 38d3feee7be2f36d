package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/privalyze/gateway/internal/account"
	"github.com/privalyze/gateway/internal/auth"
	"github.com/privalyze/gateway/internal/budget"
	"github.com/privalyze/gateway/internal/config"
	"github.com/spf13/cobra"
)

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Seed a demo analyst account with a fresh budget",
	RunE:  runSeed,
}

func init() {
	rootCmd.AddCommand(seedCmd)
}

func runSeed(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, cfg.Database.URL)
	if err != nil {
		return err
	}
	defer pool.Close()

	accountStore := account.NewStore(pool)
	budgetStore := budget.NewPGStore(pool)

	// Check if seed has already run.
	existing, _, err := accountStore.List(ctx, account.ListParams{Limit: 1})
	if err != nil {
		return fmt.Errorf("checking existing accounts: %w", err)
	}
	if len(existing) > 0 {
		slog.Info("demo data already exists, skipping seed")
		return nil
	}

	apiKey, plaintext, err := auth.GenerateAPIKey()
	if err != nil {
		return fmt.Errorf("generating api key: %w", err)
	}

	acct, err := accountStore.Create(ctx, account.CreateAccountInput{
		Name:         "demo-analyst",
		APIKeyHash:   apiKey.Hash,
		APIKeyPrefix: apiKey.Prefix,
		RateLimit:    120,
	})
	if err != nil {
		return fmt.Errorf("creating demo account: %w", err)
	}

	if err := budgetStore.Initialize(ctx, acct.ID, cfg.Budget.DefaultBudget); err != nil {
		return fmt.Errorf("initializing demo budget: %w", err)
	}

	slog.Info("created demo account", "id", acct.ID, "name", acct.Name)
	fmt.Printf("\n=== Demo Data Seeded ===\n")
	fmt.Printf("Account:   %s (%s)\n", acct.Name, acct.ID)
	fmt.Printf("Budget:    %.2f epsilon\n", cfg.Budget.DefaultBudget)
	fmt.Printf("API Key:   %s\n", plaintext)
	fmt.Printf("\nTry it:\n")
	fmt.Printf("  curl -H 'Authorization: Bearer %s' http://localhost:8080/api/v1/budget\n", plaintext)
	fmt.Printf("  curl -H 'Authorization: Bearer %s' -d '{\"epsilon\":0.5,\"query\":\"average\",\"table_name\":\"credit\"}' http://localhost:8080/api/v1/queries\n", plaintext)

	return nil
}
