package contextstore

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/szaher/agentctx/internal/contextconfig"
	"github.com/szaher/agentctx/internal/credentials"
)

// MemoryStore is an in-memory Store used by tests and the CLI dry-run
// paths. Rows are indexed by (tenant, project, conversation, config,
// variable); the request hash is compared on read, so a stale-hash row
// reads as a miss until it is overwritten.
type MemoryStore struct {
	mu         sync.Mutex
	entries    map[string]*CacheEntry
	references map[string]credentials.Reference
	configs    map[string]contextconfig.ContextConfig
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries:    make(map[string]*CacheEntry),
		references: make(map[string]credentials.Reference),
		configs:    make(map[string]contextconfig.ContextConfig),
	}
}

func rowKey(scope Scope, conversationID, contextConfigID, variableKey string) string {
	return strings.Join([]string{scope.TenantID, scope.ProjectID, conversationID, contextConfigID, variableKey}, "\x1f")
}

func scopedKey(scope Scope, id string) string {
	return strings.Join([]string{scope.TenantID, scope.ProjectID, id}, "\x1f")
}

// GetCacheEntry returns the entry matching the key tuple, or nil.
func (s *MemoryStore) GetCacheEntry(_ context.Context, scope Scope, key CacheKey) (*CacheEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[rowKey(scope, key.ConversationID, key.ContextConfigID, key.VariableKey)]
	if !ok || entry.RequestHash != key.RequestHash {
		return nil, nil
	}
	copied := *entry
	return &copied, nil
}

// SetCacheEntry upserts the entry for its (conversation, config,
// variable) tuple.
func (s *MemoryStore) SetCacheEntry(_ context.Context, scope Scope, entry *CacheEntry) error {
	if entry == nil {
		return fmt.Errorf("contextstore: nil cache entry")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	copied := *entry
	s.entries[rowKey(scope, entry.ConversationID, entry.ContextConfigID, entry.VariableKey)] = &copied
	return nil
}

// ClearConversationCache removes all rows for a conversation.
func (s *MemoryStore) ClearConversationCache(_ context.Context, scope Scope, conversationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for key, entry := range s.entries {
		if entry.ConversationID == conversationID && strings.HasPrefix(key, scope.TenantID+"\x1f"+scope.ProjectID+"\x1f") {
			delete(s.entries, key)
		}
	}
	return nil
}

// ClearContextConfigCache removes all rows for a context config.
func (s *MemoryStore) ClearContextConfigCache(_ context.Context, scope Scope, contextConfigID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for key, entry := range s.entries {
		if entry.ContextConfigID == contextConfigID && strings.HasPrefix(key, scope.TenantID+"\x1f"+scope.ProjectID+"\x1f") {
			delete(s.entries, key)
		}
	}
	return nil
}

// CleanupTenantCache removes all rows for a tenant.
func (s *MemoryStore) CleanupTenantCache(_ context.Context, tenantID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for key, entry := range s.entries {
		if entry.TenantID == tenantID {
			delete(s.entries, key)
		}
	}
	return nil
}

// InvalidateInvocationDefinitionsCache removes the rows for the given
// variable keys within one conversation+config.
func (s *MemoryStore) InvalidateInvocationDefinitionsCache(_ context.Context, scope Scope, conversationID, contextConfigID string, variableKeys []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, variableKey := range variableKeys {
		delete(s.entries, rowKey(scope, conversationID, contextConfigID, variableKey))
	}
	return nil
}

// InvalidateRequestContextCache removes only the request context row.
func (s *MemoryStore) InvalidateRequestContextCache(_ context.Context, scope Scope, conversationID, contextConfigID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.entries, rowKey(scope, conversationID, contextConfigID, contextconfig.RequestContextKey))
	return nil
}

// GetCredentialReference returns a credential pointer by id, or nil.
func (s *MemoryStore) GetCredentialReference(_ context.Context, scope Scope, id string) (*credentials.Reference, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ref, ok := s.references[scopedKey(scope, id)]
	if !ok {
		return nil, nil
	}
	copied := ref
	return &copied, nil
}

// GetContextConfig returns a context configuration by id, or nil.
func (s *MemoryStore) GetContextConfig(_ context.Context, scope Scope, id string) (*contextconfig.ContextConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cfg, ok := s.configs[scopedKey(scope, id)]
	if !ok {
		return nil, nil
	}
	copied := cfg
	return &copied, nil
}

// PutCredentialReference seeds a credential reference.
func (s *MemoryStore) PutCredentialReference(scope Scope, ref credentials.Reference) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.references[scopedKey(scope, ref.ID)] = ref
}

// PutContextConfig seeds a context configuration.
func (s *MemoryStore) PutContextConfig(scope Scope, cfg contextconfig.ContextConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.configs[scopedKey(scope, cfg.ID)] = cfg
}

// Len reports the number of cache rows, for tests.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
