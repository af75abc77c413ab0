package contextstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/szaher/agentctx/internal/contextconfig"
	"github.com/szaher/agentctx/internal/credentials"
)

// Schema is the DDL the Postgres store expects. Applied by migrations
// outside this engine; EnsureSchema exists for development setups.
const Schema = `
CREATE TABLE IF NOT EXISTS context_cache (
	tenant_id         TEXT NOT NULL,
	project_id        TEXT NOT NULL,
	conversation_id   TEXT NOT NULL,
	context_config_id TEXT NOT NULL,
	variable_key      TEXT NOT NULL,
	id                TEXT NOT NULL,
	request_hash      TEXT NOT NULL DEFAULT '',
	value             JSONB,
	fetched_at        TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (tenant_id, project_id, conversation_id, context_config_id, variable_key)
);

CREATE TABLE IF NOT EXISTS credential_references (
	tenant_id           TEXT NOT NULL,
	project_id          TEXT NOT NULL,
	id                  TEXT NOT NULL,
	credential_store_id TEXT NOT NULL,
	retrieval_params    JSONB,
	PRIMARY KEY (tenant_id, project_id, id)
);

CREATE TABLE IF NOT EXISTS context_configs (
	tenant_id              TEXT NOT NULL,
	project_id             TEXT NOT NULL,
	id                     TEXT NOT NULL,
	graph_id               TEXT,
	request_context_schema JSONB,
	context_variables      JSONB,
	PRIMARY KEY (tenant_id, project_id, id)
);
`

// PostgresStore implements Store on a pgx connection pool.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore wraps an existing pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// ConnectPostgres opens a pool for the given DSN and pings it.
func ConnectPostgres(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("contextstore: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("contextstore: ping: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

// Close releases the underlying pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// EnsureSchema creates the tables if they do not exist.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("contextstore: ensure schema: %w", err)
	}
	return nil
}

// GetCacheEntry returns the entry matching the key tuple, or nil.
func (s *PostgresStore) GetCacheEntry(ctx context.Context, scope Scope, key CacheKey) (*CacheEntry, error) {
	const q = `
		SELECT id, request_hash, value, fetched_at
		FROM context_cache
		WHERE tenant_id = $1 AND project_id = $2 AND conversation_id = $3
		  AND context_config_id = $4 AND variable_key = $5 AND request_hash = $6`

	entry := CacheEntry{
		TenantID:        scope.TenantID,
		ConversationID:  key.ConversationID,
		ContextConfigID: key.ContextConfigID,
		VariableKey:     key.VariableKey,
	}
	var value []byte
	err := s.pool.QueryRow(ctx, q,
		scope.TenantID, scope.ProjectID, key.ConversationID, key.ContextConfigID, key.VariableKey, key.RequestHash,
	).Scan(&entry.ID, &entry.RequestHash, &value, &entry.FetchedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("contextstore: get cache entry: %w", err)
	}
	if len(value) > 0 {
		if err := json.Unmarshal(value, &entry.Value); err != nil {
			return nil, fmt.Errorf("contextstore: decode cache value: %w", err)
		}
	}
	return &entry, nil
}

// SetCacheEntry upserts the entry, superseding any row with the same
// (conversation, config, variable) tuple.
func (s *PostgresStore) SetCacheEntry(ctx context.Context, scope Scope, entry *CacheEntry) error {
	if entry == nil {
		return fmt.Errorf("contextstore: nil cache entry")
	}
	value, err := json.Marshal(entry.Value)
	if err != nil {
		return fmt.Errorf("contextstore: encode cache value: %w", err)
	}

	const q = `
		INSERT INTO context_cache
			(tenant_id, project_id, conversation_id, context_config_id, variable_key, id, request_hash, value, fetched_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (tenant_id, project_id, conversation_id, context_config_id, variable_key)
		DO UPDATE SET id = EXCLUDED.id, request_hash = EXCLUDED.request_hash,
			value = EXCLUDED.value, fetched_at = EXCLUDED.fetched_at`

	_, err = s.pool.Exec(ctx, q,
		scope.TenantID, scope.ProjectID, entry.ConversationID, entry.ContextConfigID,
		entry.VariableKey, entry.ID, entry.RequestHash, value, entry.FetchedAt,
	)
	if err != nil {
		return fmt.Errorf("contextstore: set cache entry: %w", err)
	}
	return nil
}

// ClearConversationCache removes all rows for a conversation.
func (s *PostgresStore) ClearConversationCache(ctx context.Context, scope Scope, conversationID string) error {
	const q = `DELETE FROM context_cache WHERE tenant_id = $1 AND project_id = $2 AND conversation_id = $3`
	if _, err := s.pool.Exec(ctx, q, scope.TenantID, scope.ProjectID, conversationID); err != nil {
		return fmt.Errorf("contextstore: clear conversation cache: %w", err)
	}
	return nil
}

// ClearContextConfigCache removes all rows for a context config.
func (s *PostgresStore) ClearContextConfigCache(ctx context.Context, scope Scope, contextConfigID string) error {
	const q = `DELETE FROM context_cache WHERE tenant_id = $1 AND project_id = $2 AND context_config_id = $3`
	if _, err := s.pool.Exec(ctx, q, scope.TenantID, scope.ProjectID, contextConfigID); err != nil {
		return fmt.Errorf("contextstore: clear context config cache: %w", err)
	}
	return nil
}

// CleanupTenantCache removes all rows for a tenant.
func (s *PostgresStore) CleanupTenantCache(ctx context.Context, tenantID string) error {
	const q = `DELETE FROM context_cache WHERE tenant_id = $1`
	if _, err := s.pool.Exec(ctx, q, tenantID); err != nil {
		return fmt.Errorf("contextstore: cleanup tenant cache: %w", err)
	}
	return nil
}

// InvalidateInvocationDefinitionsCache removes the rows for the given
// variable keys within one conversation+config.
func (s *PostgresStore) InvalidateInvocationDefinitionsCache(ctx context.Context, scope Scope, conversationID, contextConfigID string, variableKeys []string) error {
	if len(variableKeys) == 0 {
		return nil
	}
	const q = `
		DELETE FROM context_cache
		WHERE tenant_id = $1 AND project_id = $2 AND conversation_id = $3
		  AND context_config_id = $4 AND variable_key = ANY($5)`
	if _, err := s.pool.Exec(ctx, q, scope.TenantID, scope.ProjectID, conversationID, contextConfigID, variableKeys); err != nil {
		return fmt.Errorf("contextstore: invalidate invocation definitions: %w", err)
	}
	return nil
}

// InvalidateRequestContextCache removes only the request context row.
func (s *PostgresStore) InvalidateRequestContextCache(ctx context.Context, scope Scope, conversationID, contextConfigID string) error {
	const q = `
		DELETE FROM context_cache
		WHERE tenant_id = $1 AND project_id = $2 AND conversation_id = $3
		  AND context_config_id = $4 AND variable_key = $5`
	if _, err := s.pool.Exec(ctx, q, scope.TenantID, scope.ProjectID, conversationID, contextConfigID, contextconfig.RequestContextKey); err != nil {
		return fmt.Errorf("contextstore: invalidate request context: %w", err)
	}
	return nil
}

// GetCredentialReference returns a credential pointer by id, or nil.
func (s *PostgresStore) GetCredentialReference(ctx context.Context, scope Scope, id string) (*credentials.Reference, error) {
	const q = `
		SELECT id, credential_store_id, retrieval_params
		FROM credential_references
		WHERE tenant_id = $1 AND project_id = $2 AND id = $3`

	var ref credentials.Reference
	var params []byte
	err := s.pool.QueryRow(ctx, q, scope.TenantID, scope.ProjectID, id).Scan(&ref.ID, &ref.StoreID, &params)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("contextstore: get credential reference: %w", err)
	}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &ref.RetrievalParams); err != nil {
			return nil, fmt.Errorf("contextstore: decode retrieval params: %w", err)
		}
	}
	return &ref, nil
}

// GetContextConfig returns a context configuration by id, or nil.
func (s *PostgresStore) GetContextConfig(ctx context.Context, scope Scope, id string) (*contextconfig.ContextConfig, error) {
	const q = `
		SELECT id, graph_id, request_context_schema, context_variables
		FROM context_configs
		WHERE tenant_id = $1 AND project_id = $2 AND id = $3`

	cfg := contextconfig.ContextConfig{TenantID: scope.TenantID, ProjectID: scope.ProjectID}
	var graphID *string
	var schemaDoc, variables []byte
	err := s.pool.QueryRow(ctx, q, scope.TenantID, scope.ProjectID, id).Scan(&cfg.ID, &graphID, &schemaDoc, &variables)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("contextstore: get context config: %w", err)
	}
	if graphID != nil {
		cfg.GraphID = *graphID
	}
	if len(schemaDoc) > 0 {
		if err := json.Unmarshal(schemaDoc, &cfg.RequestContextSchema); err != nil {
			return nil, fmt.Errorf("contextstore: decode request context schema: %w", err)
		}
	}
	if len(variables) > 0 {
		if err := json.Unmarshal(variables, &cfg.Variables); err != nil {
			return nil, fmt.Errorf("contextstore: decode context variables: %w", err)
		}
	}
	return &cfg, nil
}
