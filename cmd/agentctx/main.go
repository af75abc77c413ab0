// Package main is the entry point for the agentctx CLI tool.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/szaher/agentctx/internal/telemetry"
)

// Version information set at build time.
var version = "0.1.0"

// Global flags.
var (
	verbose       bool
	correlationID string
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "agentctx",
		Short: "Context resolution and credential injection tooling",
		Long: `Agentctx resolves context configurations for agent conversations:
it renders {{...}} templates, dry-runs HTTP context fetches with
credential injection, and runs full resolutions against an in-memory
or Postgres-backed cache.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().BoolVar(&verbose, "verbose", false, "Enable verbose output")
	root.PersistentFlags().StringVar(&correlationID, "correlation-id", "", "Set explicit correlation ID")

	root.AddCommand(newVersionCmd())
	root.AddCommand(newRenderCmd())
	root.AddCommand(newValidateCmd())
	root.AddCommand(newFetchCmd())
	root.AddCommand(newResolveCmd())
	root.AddCommand(newMigrateCmd())

	return root
}

func newLogger() *slog.Logger {
	if !verbose {
		return telemetry.NopLogger()
	}
	return telemetry.NewLogger(os.Stderr, slog.LevelDebug)
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
