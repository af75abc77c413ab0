package credentials

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// NangoSecret is the JSON blob a broker store yields for a connection.
type NangoSecret struct {
	ConnectionID      string                 `json:"connectionId"`
	ProviderConfigKey string                 `json:"providerConfigKey"`
	SecretKey         string                 `json:"secretKey"`
	Provider          string                 `json:"provider"`
	Metadata          map[string]interface{} `json:"metadata,omitempty"`
}

// nangoKey is the canonical lookup key for a broker connection. Field
// order is fixed so serialized keys compare byte-for-byte.
type nangoKey struct {
	ConnectionID      string `json:"connectionId"`
	ProviderConfigKey string `json:"providerConfigKey"`
}

// NangoConnectionKey returns the canonical lookup key for a broker
// connection.
func NangoConnectionKey(connectionID, providerConfigKey string) string {
	data, _ := json.Marshal(nangoKey{
		ConnectionID:      connectionID,
		ProviderConfigKey: providerConfigKey,
	})
	return string(data)
}

// NangoStore resolves secrets from a Nango OAuth connection broker over
// HTTP. Resolved connections are cached briefly to keep hot resolutions
// off the broker.
type NangoStore struct {
	// Address is the base URL of the Nango API.
	Address string

	// SecretKey authenticates against the broker.
	SecretKey string

	// CacheTTL is how long resolved connections are cached (default: 1 minute).
	CacheTTL time.Duration

	id     string
	client *http.Client
	mu     sync.RWMutex
	cache  map[string]nangoCacheEntry
}

type nangoCacheEntry struct {
	value   string
	expires time.Time
}

// NewNangoStore creates a broker-backed credential store.
func NewNangoStore(id, address, secretKey string) *NangoStore {
	if address == "" {
		address = "https://api.nango.dev"
	}
	return &NangoStore{
		Address:   strings.TrimRight(address, "/"),
		SecretKey: secretKey,
		CacheTTL:  time.Minute,
		id:        id,
		client:    &http.Client{Timeout: 10 * time.Second},
		cache:     make(map[string]nangoCacheEntry),
	}
}

func (s *NangoStore) ID() string      { return s.id }
func (s *NangoStore) Type() StoreType { return StoreTypeNango }

// Get resolves a connection key to its secret blob. The key is the
// canonical {connectionId, providerConfigKey} JSON; a bare key is treated
// as a connection id.
func (s *NangoStore) Get(ctx context.Context, key string) (string, bool, error) {
	s.mu.RLock()
	if entry, ok := s.cache[key]; ok && time.Now().Before(entry.expires) {
		s.mu.RUnlock()
		return entry.value, true, nil
	}
	s.mu.RUnlock()

	connectionID, providerConfigKey := parseNangoKey(key)
	secret, found, err := s.fetchConnection(ctx, connectionID, providerConfigKey)
	if err != nil || !found {
		return "", false, err
	}

	s.mu.Lock()
	s.cache[key] = nangoCacheEntry{value: secret, expires: time.Now().Add(s.CacheTTL)}
	s.mu.Unlock()

	return secret, true, nil
}

// Set is unsupported; broker connections are provisioned through the
// OAuth flow, not written by this engine.
func (s *NangoStore) Set(_ context.Context, _, _ string) error {
	return fmt.Errorf("nango store %s: connections are provisioned via the OAuth flow", s.id)
}

// Has reports whether the broker knows the connection.
func (s *NangoStore) Has(ctx context.Context, key string) (bool, error) {
	_, ok, err := s.Get(ctx, key)
	return ok, err
}

// Delete removes the connection from the broker.
func (s *NangoStore) Delete(ctx context.Context, key string) (bool, error) {
	connectionID, providerConfigKey := parseNangoKey(key)

	u := fmt.Sprintf("%s/connection/%s", s.Address, url.PathEscape(connectionID))
	if providerConfigKey != "" {
		u += "?provider_config_key=" + url.QueryEscape(providerConfigKey)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, u, nil)
	if err != nil {
		return false, fmt.Errorf("nango store %s: create request: %w", s.id, err)
	}
	req.Header.Set("Authorization", "Bearer "+s.SecretKey)

	resp, err := s.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("nango store %s: delete connection: %w", s.id, err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode == http.StatusNotFound {
		return false, nil
	}
	if resp.StatusCode >= 300 {
		return false, fmt.Errorf("nango store %s: delete connection: status %d", s.id, resp.StatusCode)
	}

	s.mu.Lock()
	delete(s.cache, key)
	s.mu.Unlock()
	return true, nil
}

func (s *NangoStore) fetchConnection(ctx context.Context, connectionID, providerConfigKey string) (string, bool, error) {
	u := fmt.Sprintf("%s/connection/%s", s.Address, url.PathEscape(connectionID))
	if providerConfigKey != "" {
		u += "?provider_config_key=" + url.QueryEscape(providerConfigKey)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", false, fmt.Errorf("nango store %s: create request: %w", s.id, err)
	}
	req.Header.Set("Authorization", "Bearer "+s.SecretKey)

	resp, err := s.client.Do(req)
	if err != nil {
		return "", false, fmt.Errorf("nango store %s: request: %w", s.id, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", false, fmt.Errorf("nango store %s: read response: %w", s.id, err)
	}

	if resp.StatusCode == http.StatusNotFound {
		return "", false, nil
	}
	if resp.StatusCode != http.StatusOK {
		return "", false, fmt.Errorf("nango store %s: status %d: %s", s.id, resp.StatusCode, string(body))
	}

	var conn struct {
		ConnectionID      string                 `json:"connection_id"`
		ProviderConfigKey string                 `json:"provider_config_key"`
		Provider          string                 `json:"provider"`
		Credentials       map[string]interface{} `json:"credentials"`
		Metadata          map[string]interface{} `json:"metadata"`
	}
	if err := json.Unmarshal(body, &conn); err != nil {
		return "", false, fmt.Errorf("nango store %s: parse response: %w", s.id, err)
	}

	secret := NangoSecret{
		ConnectionID:      conn.ConnectionID,
		ProviderConfigKey: conn.ProviderConfigKey,
		Provider:          conn.Provider,
		Metadata:          conn.Metadata,
	}
	if secret.ConnectionID == "" {
		secret.ConnectionID = connectionID
	}
	if secret.ProviderConfigKey == "" {
		secret.ProviderConfigKey = providerConfigKey
	}
	if token, ok := conn.Credentials["access_token"].(string); ok {
		secret.SecretKey = token
	}

	data, err := json.Marshal(secret)
	if err != nil {
		return "", false, fmt.Errorf("nango store %s: encode secret: %w", s.id, err)
	}
	return string(data), true, nil
}

func parseNangoKey(key string) (connectionID, providerConfigKey string) {
	var parsed nangoKey
	if err := json.Unmarshal([]byte(key), &parsed); err == nil && parsed.ConnectionID != "" {
		return parsed.ConnectionID, parsed.ProviderConfigKey
	}
	return key, ""
}
