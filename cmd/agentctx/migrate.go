package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/szaher/agentctx/internal/contextstore"
)

func newMigrateCmd() *cobra.Command {
	var dsn string

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the Postgres cache schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			store, err := contextstore.ConnectPostgres(ctx, dsn)
			if err != nil {
				return fmt.Errorf("connect postgres: %w", err)
			}
			defer store.Close()

			if err := store.EnsureSchema(ctx); err != nil {
				return fmt.Errorf("ensure schema: %w", err)
			}
			fmt.Println("schema up to date")
			return nil
		},
	}

	cmd.Flags().StringVar(&dsn, "dsn", "", "Postgres DSN (required)")
	_ = cmd.MarkFlagRequired("dsn")

	return cmd
}
