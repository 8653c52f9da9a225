// Package cmd wires the engine's command line: the live and paper runner, a
// CSV backtest, and the audit export and verification tools.
package cmd

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var cfgPath string

var rootCmd = &cobra.Command{
	Use:   "stratex",
	Short: "Strategy execution and audit engine",
	Long: `Stratex drives capital allocation strategy instances: per-mode
decision rules, multi-step execution with risk gates, and an append-only
audit ledger that totally orders every action across instances.

Secrets come from the environment; a .env file next to the binary is
honored:

  BINANCE_API_KEY, BINANCE_API_SECRET
  BYBIT_API_KEY, BYBIT_API_SECRET
  HYPERLIQUID_PRIVATE_KEY
  CHAIN_PRIVATE_KEY`,
	PersistentPreRun: func(*cobra.Command, []string) {
		// A missing .env is fine, deployments export real env vars.
		_ = godotenv.Load()
	},
}

// Execute runs the root command. Called by main.main().
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "stratex.yaml", "path to the yaml deployment file")
}

// newLogger builds the production JSON logger. LOG_LEVEL picks the level,
// default info.
func newLogger() (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if raw := os.Getenv("LOG_LEVEL"); raw != "" {
		level, err := zapcore.ParseLevel(raw)
		if err != nil {
			return nil, fmt.Errorf("parse LOG_LEVEL: %w", err)
		}
		cfg.Level = zap.NewAtomicLevelAt(level)
	}
	return cfg.Build()
}

func requireEnv(name string) (string, error) {
	v := os.Getenv(name)
	if v == "" {
		return "", fmt.Errorf("%s environment variable is not set", name)
	}
	return v, nil
}
