// Package contextstore defines the narrow persistence contract the
// resolution engine depends on, with in-memory and Postgres
// implementations.
package contextstore

import (
	"context"
	"time"

	"github.com/szaher/agentctx/internal/contextconfig"
	"github.com/szaher/agentctx/internal/credentials"
)

// Scope identifies the tenant/project partition every operation runs in.
type Scope struct {
	TenantID  string
	ProjectID string
}

// CacheKey is the lookup tuple for one cache row. RequestHash is empty
// for whole-object entries (the request context itself), which are
// invalidated explicitly rather than by hash.
type CacheKey struct {
	ConversationID  string
	ContextConfigID string
	VariableKey     string
	RequestHash     string
}

// CacheEntry is one cached context value. There is at most one logical
// entry per (conversation, config, variable); a write with a newer hash
// supersedes the previous row.
type CacheEntry struct {
	ID              string      `json:"id"`
	TenantID        string      `json:"tenantId"`
	ConversationID  string      `json:"conversationId"`
	ContextConfigID string      `json:"contextConfigId"`
	VariableKey     string      `json:"contextVariableKey"`
	RequestHash     string      `json:"requestHash,omitempty"`
	Value           interface{} `json:"value"`
	FetchedAt       time.Time   `json:"fetchedAt"`
}

// Store is the persistence collaborator. Implementations must provide
// at-least atomic row upsert/delete per key; the engine holds no locks.
type Store interface {
	// GetCacheEntry returns the entry matching the key tuple, or nil
	// when no row matches (a differing request hash is a miss).
	GetCacheEntry(ctx context.Context, scope Scope, key CacheKey) (*CacheEntry, error)

	// SetCacheEntry upserts the entry, superseding any row with the
	// same (conversation, config, variable) tuple.
	SetCacheEntry(ctx context.Context, scope Scope, entry *CacheEntry) error

	// ClearConversationCache removes all rows for a conversation.
	ClearConversationCache(ctx context.Context, scope Scope, conversationID string) error

	// ClearContextConfigCache removes all rows for a context config.
	ClearContextConfigCache(ctx context.Context, scope Scope, contextConfigID string) error

	// CleanupTenantCache removes all rows for a tenant.
	CleanupTenantCache(ctx context.Context, tenantID string) error

	// InvalidateInvocationDefinitionsCache removes the rows for the
	// given variable keys within one conversation+config.
	InvalidateInvocationDefinitionsCache(ctx context.Context, scope Scope, conversationID, contextConfigID string, variableKeys []string) error

	// InvalidateRequestContextCache removes only the cached request
	// context row for a conversation+config.
	InvalidateRequestContextCache(ctx context.Context, scope Scope, conversationID, contextConfigID string) error

	// GetCredentialReference returns a credential pointer by id, or nil
	// when unknown.
	GetCredentialReference(ctx context.Context, scope Scope, id string) (*credentials.Reference, error)

	// GetContextConfig returns a context configuration by id, or nil
	// when unknown.
	GetContextConfig(ctx context.Context, scope Scope, id string) (*contextconfig.ContextConfig, error)
}
