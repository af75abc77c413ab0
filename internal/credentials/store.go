// Package credentials defines the pluggable secret store abstraction and
// the stuffer that turns credential references into outbound HTTP headers.
package credentials

import (
	"context"
	"sort"
	"sync"
)

// StoreType identifies a secret backend implementation.
type StoreType string

const (
	StoreTypeMemory   StoreType = "memory"
	StoreTypeKeychain StoreType = "keychain"
	StoreTypeNango    StoreType = "nango"
)

// Store is a named secret backend. Get reports absence with ok=false
// rather than an error; a missing secret is not a failure.
type Store interface {
	ID() string
	Type() StoreType
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	Set(ctx context.Context, key, value string) error
	Has(ctx context.Context, key string) (bool, error)
	Delete(ctx context.Context, key string) (bool, error)
}

// Reference points at a secret in a named store. It is resolved at fetch
// time, never stored inline in configuration.
type Reference struct {
	ID              string                 `json:"id"`
	StoreID         string                 `json:"credentialStoreId"`
	RetrievalParams map[string]interface{} `json:"retrievalParams,omitempty"`
}

// RequestContext carries the scope of one resolution call through the
// credential layer.
type RequestContext struct {
	TenantID        string
	ProjectID       string
	ContextConfigID string
	ConversationID  string
}

// RequestContextSource returns the cached request-context object for a
// conversation, used to render credential header templates.
type RequestContextSource interface {
	ResolveRequestContext(ctx context.Context, rc RequestContext) (map[string]interface{}, error)
}

// Registry is a named collection of secret stores. Pure lookup table.
type Registry struct {
	mu     sync.RWMutex
	stores map[string]Store
}

// NewRegistry creates an empty store registry.
func NewRegistry() *Registry {
	return &Registry{stores: make(map[string]Store)}
}

// Add registers a store under its ID, replacing any previous store with
// the same ID.
func (r *Registry) Add(store Store) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stores[store.ID()] = store
}

// Get returns the store registered under id.
func (r *Registry) Get(id string) (Store, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	store, ok := r.stores[id]
	return store, ok
}

// IDs returns the registered store IDs in sorted order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.stores))
	for id := range r.stores {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
