package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/szaher/agentctx/internal/contextcache"
	"github.com/szaher/agentctx/internal/contextconfig"
	"github.com/szaher/agentctx/internal/contextstore"
	"github.com/szaher/agentctx/internal/credentials"
	"github.com/szaher/agentctx/internal/fetcher"
	"github.com/szaher/agentctx/internal/resolver"
	"github.com/szaher/agentctx/internal/telemetry"
)

func newResolveCmd() *cobra.Command {
	var (
		contextFile    string
		conversationID string
		tenantID       string
		trigger        string
		dsn            string
	)

	cmd := &cobra.Command{
		Use:   "resolve <config-file>",
		Short: "Run a full context resolution for a conversation",
		Long: `Resolve loads a context configuration, applies the request context,
fetches every variable the trigger selects, and prints the resolution
result as JSON. With --dsn the cache persists in Postgres; otherwise an
in-memory cache is used and every variable is fetched fresh.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadContextConfig(args[0])
			if err != nil {
				return err
			}
			requestContext, err := loadJSONObject(contextFile)
			if err != nil {
				return err
			}

			ctx := telemetry.WithCorrelationID(context.Background(), correlationID)

			var store contextstore.Store = contextstore.NewMemoryStore()
			if dsn != "" {
				pg, err := contextstore.ConnectPostgres(ctx, dsn)
				if err != nil {
					return fmt.Errorf("connect postgres: %w", err)
				}
				defer pg.Close()
				if err := pg.EnsureSchema(ctx); err != nil {
					return fmt.Errorf("ensure schema: %w", err)
				}
				store = pg
			}

			logger := newLogger()
			registry := credentials.NewRegistry()
			registry.Add(credentials.NewMemoryStore("env", nil))
			cache := contextcache.New(store, logger)
			stuffer := credentials.NewStuffer(registry, contextcache.NewRequestContextSource(cache), logger)
			tracer := telemetry.NewTracer(telemetry.SpanExporterFunc(func(span telemetry.Span) {
				logger.Debug("span completed",
					"operation", span.Operation,
					"status", span.Status,
					"duration_ms", span.Duration.Milliseconds())
			}))
			f := fetcher.New(store, stuffer, logger, fetcher.WithTracer(tracer))
			res := resolver.New(cache, f, logger, tracer)

			result, err := res.Resolve(ctx, cfg, resolver.Request{
				Scope:          contextstore.Scope{TenantID: tenantID, ProjectID: cfg.ProjectID},
				ConversationID: conversationID,
				TriggerEvent:   contextconfig.TriggerType(trigger),
				RequestContext: requestContext,
			})
			if err != nil {
				return err
			}
			return printJSON(result)
		},
	}

	cmd.Flags().StringVar(&contextFile, "context", "", "Path to request context JSON/YAML")
	cmd.Flags().StringVar(&conversationID, "conversation", "local", "Conversation ID")
	cmd.Flags().StringVar(&tenantID, "tenant", "local", "Tenant ID for scoping")
	cmd.Flags().StringVar(&trigger, "trigger", "initialization", "Trigger event (initialization|invocation)")
	cmd.Flags().StringVar(&dsn, "dsn", "", "Postgres DSN for a persistent cache")

	return cmd
}
