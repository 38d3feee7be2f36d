package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "privalyze",
	Short: "Privalyze — Privacy Budget Gateway",
	Long:  "Privalyze is a gateway that sits between analysts and a differentially private query mechanism, enforcing per-account epsilon budgets, auditing every disclosure, and rate limiting the query surface.",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: configs/privalyze.yaml)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
