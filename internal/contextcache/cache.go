// Package contextcache implements the conversation-scoped context cache
// with content-hash-aware invalidation on top of the persistence
// collaborator.
package contextcache

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/szaher/agentctx/internal/contextconfig"
	"github.com/szaher/agentctx/internal/contextstore"
	"github.com/szaher/agentctx/internal/credentials"
)

// Cache wraps the persistence collaborator with the engine's failure
// policy: reads and point writes are best-effort, bulk invalidation is
// not.
type Cache struct {
	store  contextstore.Store
	logger *slog.Logger
}

// New creates a context cache. A nil logger discards log output.
func New(store contextstore.Store, logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Cache{store: store, logger: logger}
}

// Get looks up a cache entry. Storage failures are swallowed and read as
// a miss; caching must never be a source of hard failure.
func (c *Cache) Get(ctx context.Context, scope contextstore.Scope, key contextstore.CacheKey) *contextstore.CacheEntry {
	entry, err := c.store.GetCacheEntry(ctx, scope, key)
	if err != nil {
		c.logger.Warn("cache read failed, treating as miss",
			"conversation_id", key.ConversationID,
			"variable_key", key.VariableKey,
			"error", err)
		return nil
	}
	return entry
}

// Set writes an entry through to the collaborator, stamping a fresh ID
// and fetch time. Best-effort: failures are logged and swallowed so a
// failed cache write never aborts resolution.
func (c *Cache) Set(ctx context.Context, scope contextstore.Scope, entry *contextstore.CacheEntry) {
	entry.ID = ulid.Make().String()
	entry.TenantID = scope.TenantID
	entry.FetchedAt = time.Now().UTC()

	if err := c.store.SetCacheEntry(ctx, scope, entry); err != nil {
		c.logger.Warn("cache write failed",
			"conversation_id", entry.ConversationID,
			"variable_key", entry.VariableKey,
			"error", err)
	}
}

// ClearConversation removes all cached rows for a conversation.
// Bulk invalidation errors propagate; callers rely on them succeeding.
func (c *Cache) ClearConversation(ctx context.Context, tenantID, projectID, conversationID string) error {
	scope := contextstore.Scope{TenantID: tenantID, ProjectID: projectID}
	if err := c.store.ClearConversationCache(ctx, scope, conversationID); err != nil {
		return fmt.Errorf("contextcache: clear conversation %s: %w", conversationID, err)
	}
	return nil
}

// ClearContextConfig removes all cached rows for a context config.
func (c *Cache) ClearContextConfig(ctx context.Context, tenantID, projectID, contextConfigID string) error {
	scope := contextstore.Scope{TenantID: tenantID, ProjectID: projectID}
	if err := c.store.ClearContextConfigCache(ctx, scope, contextConfigID); err != nil {
		return fmt.Errorf("contextcache: clear context config %s: %w", contextConfigID, err)
	}
	return nil
}

// Cleanup removes all cached rows for each tenant scope.
func (c *Cache) Cleanup(ctx context.Context, tenantIDs []string) error {
	for _, tenantID := range tenantIDs {
		if err := c.store.CleanupTenantCache(ctx, tenantID); err != nil {
			return fmt.Errorf("contextcache: cleanup tenant %s: %w", tenantID, err)
		}
	}
	return nil
}

// InvalidateInvocationDefinitions clears the rows for a set of variable
// keys within one conversation+config, so invocation-triggered data is
// never reused across calls.
func (c *Cache) InvalidateInvocationDefinitions(ctx context.Context, scope contextstore.Scope, conversationID, contextConfigID string, variableKeys []string) error {
	if len(variableKeys) == 0 {
		return nil
	}
	if err := c.store.InvalidateInvocationDefinitionsCache(ctx, scope, conversationID, contextConfigID, variableKeys); err != nil {
		return fmt.Errorf("contextcache: invalidate invocation definitions: %w", err)
	}
	return nil
}

// InvalidateRequestContext clears only the cached request-context row.
func (c *Cache) InvalidateRequestContext(ctx context.Context, scope contextstore.Scope, conversationID, contextConfigID string) error {
	if err := c.store.InvalidateRequestContextCache(ctx, scope, conversationID, contextConfigID); err != nil {
		return fmt.Errorf("contextcache: invalidate request context: %w", err)
	}
	return nil
}

// GetRequestContext returns the cached request-context object for a
// conversation+config, or an empty map when none is cached.
func (c *Cache) GetRequestContext(ctx context.Context, scope contextstore.Scope, conversationID, contextConfigID string) map[string]interface{} {
	entry := c.Get(ctx, scope, contextstore.CacheKey{
		ConversationID:  conversationID,
		ContextConfigID: contextConfigID,
		VariableKey:     contextconfig.RequestContextKey,
	})
	if entry == nil {
		return map[string]interface{}{}
	}
	if value, ok := entry.Value.(map[string]interface{}); ok {
		return value
	}
	return map[string]interface{}{}
}

// RequestContextSource adapts the cache to the credential stuffer's
// request-context lookup.
type RequestContextSource struct {
	cache *Cache
}

// NewRequestContextSource creates the stuffer-facing adapter.
func NewRequestContextSource(cache *Cache) *RequestContextSource {
	return &RequestContextSource{cache: cache}
}

// ResolveRequestContext returns the cached request context for the
// resolution scope.
func (s *RequestContextSource) ResolveRequestContext(ctx context.Context, rc credentials.RequestContext) (map[string]interface{}, error) {
	scope := contextstore.Scope{TenantID: rc.TenantID, ProjectID: rc.ProjectID}
	return s.cache.GetRequestContext(ctx, scope, rc.ConversationID, rc.ContextConfigID), nil
}
