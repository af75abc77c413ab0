package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/szaher/agentctx/internal/contextcache"
	"github.com/szaher/agentctx/internal/contextconfig"
	"github.com/szaher/agentctx/internal/contextstore"
	"github.com/szaher/agentctx/internal/credentials"
	"github.com/szaher/agentctx/internal/fetcher"
	"github.com/szaher/agentctx/internal/telemetry"
)

func newFetchCmd() *cobra.Command {
	var (
		contextFile   string
		variableKey   string
		tenantID      string
		credentialKey string
		timeout       time.Duration
	)

	cmd := &cobra.Command{
		Use:   "fetch <config-file>",
		Short: "Dry-run a single context fetch definition",
		Long: `Fetch executes one variable's fetch definition against its upstream
without touching the cache, and prints the outcome as JSON. Secrets are
resolved from an environment-backed credential store.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadContextConfig(args[0])
			if err != nil {
				return err
			}
			if err := contextconfig.Validate(cfg); err != nil {
				return err
			}
			def, ok := cfg.Variables[variableKey]
			if !ok {
				return fmt.Errorf("no variable %q in %s", variableKey, args[0])
			}

			requestContext, err := loadJSONObject(contextFile)
			if err != nil {
				return err
			}

			store := contextstore.NewMemoryStore()
			scope := contextstore.Scope{TenantID: tenantID, ProjectID: cfg.ProjectID}
			if def.CredentialReferenceID != "" && credentialKey != "" {
				store.PutCredentialReference(scope, credentials.Reference{
					ID:              def.CredentialReferenceID,
					StoreID:         "env",
					RetrievalParams: map[string]interface{}{"key": credentialKey},
				})
			}

			registry := credentials.NewRegistry()
			registry.Add(credentials.NewMemoryStore("env", nil))
			cache := contextcache.New(store, newLogger())
			stuffer := credentials.NewStuffer(registry, contextcache.NewRequestContextSource(cache), newLogger())
			f := fetcher.New(store, stuffer, newLogger(), fetcher.WithDefaultTimeout(timeout))

			ctx := telemetry.WithCorrelationID(context.Background(), correlationID)
			rc := credentials.RequestContext{
				TenantID:        tenantID,
				ProjectID:       cfg.ProjectID,
				ContextConfigID: cfg.ID,
			}
			templateCtx := map[string]interface{}{
				contextconfig.RequestContextKey: requestContext,
			}
			return printJSON(f.Test(ctx, &def, rc, templateCtx))
		},
	}

	cmd.Flags().StringVar(&contextFile, "context", "", "Path to request context JSON/YAML")
	cmd.Flags().StringVar(&variableKey, "var", "", "Variable key to fetch (required)")
	cmd.Flags().StringVar(&tenantID, "tenant", "local", "Tenant ID for scoping")
	cmd.Flags().StringVar(&credentialKey, "credential-key", "", "Environment key backing the definition's credential reference")
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "Fetch timeout")
	_ = cmd.MarkFlagRequired("var")

	return cmd
}
