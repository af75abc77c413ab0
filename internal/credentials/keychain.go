package credentials

import (
	"context"
	"fmt"

	"github.com/zalando/go-keyring"
)

// KeychainStore keeps secrets in the operating system keychain. When the
// OS facility is unavailable, reads degrade to "absent" and deletes to
// false; writes still fail loudly so a missing secret is never mistaken
// for a stored one.
type KeychainStore struct {
	id      string
	service string
}

// NewKeychainStore creates a keychain-backed store. service namespaces
// the keys within the OS keychain.
func NewKeychainStore(id, service string) *KeychainStore {
	if service == "" {
		service = "agentctx"
	}
	return &KeychainStore{id: id, service: service}
}

func (s *KeychainStore) ID() string      { return s.id }
func (s *KeychainStore) Type() StoreType { return StoreTypeKeychain }

// Get reads a secret from the OS keychain.
func (s *KeychainStore) Get(_ context.Context, key string) (string, bool, error) {
	value, err := keyring.Get(s.service, key)
	if err != nil {
		// Missing entry and unavailable keychain both read as absent.
		return "", false, nil
	}
	return value, true, nil
}

// Set writes a secret to the OS keychain.
func (s *KeychainStore) Set(_ context.Context, key, value string) error {
	if err := keyring.Set(s.service, key, value); err != nil {
		return fmt.Errorf("keychain store %s: set %q: %w", s.id, key, err)
	}
	return nil
}

// Has reports whether the keychain holds a value for key.
func (s *KeychainStore) Has(ctx context.Context, key string) (bool, error) {
	_, ok, err := s.Get(ctx, key)
	return ok, err
}

// Delete removes a secret from the OS keychain.
func (s *KeychainStore) Delete(_ context.Context, key string) (bool, error) {
	if err := keyring.Delete(s.service, key); err != nil {
		return false, nil
	}
	return true, nil
}
