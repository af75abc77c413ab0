package credentials

import (
	"context"
	"os"
	"sync"
)

// MemoryStore is an in-process secret store. A key absent from its map
// falls back to the process environment; the environment value is cached
// after the first read, and an empty environment value is treated as
// absent.
type MemoryStore struct {
	id string

	mu       sync.Mutex
	secrets  map[string]string
	envCache map[string]string
}

// NewMemoryStore creates an in-memory secret store with optional seed
// values.
func NewMemoryStore(id string, seed map[string]string) *MemoryStore {
	secrets := make(map[string]string, len(seed))
	for k, v := range seed {
		secrets[k] = v
	}
	return &MemoryStore{
		id:       id,
		secrets:  secrets,
		envCache: make(map[string]string),
	}
}

func (s *MemoryStore) ID() string      { return s.id }
func (s *MemoryStore) Type() StoreType { return StoreTypeMemory }

// Get returns the stored value for key, falling back to the environment.
func (s *MemoryStore) Get(_ context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if value, ok := s.secrets[key]; ok {
		return value, true, nil
	}
	if value, ok := s.envCache[key]; ok {
		return value, true, nil
	}

	value := os.Getenv(key)
	if value == "" {
		return "", false, nil
	}
	s.envCache[key] = value
	return value, true, nil
}

// Set stores a value under key.
func (s *MemoryStore) Set(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.secrets[key] = value
	return nil
}

// Has reports whether key resolves to a value.
func (s *MemoryStore) Has(ctx context.Context, key string) (bool, error) {
	_, ok, err := s.Get(ctx, key)
	return ok, err
}

// Delete removes key from the store map. Cached environment values are
// left intact; the environment is not writable.
func (s *MemoryStore) Delete(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.secrets[key]; !ok {
		return false, nil
	}
	delete(s.secrets, key)
	return true, nil
}
