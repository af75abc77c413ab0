package credentials

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/szaher/agentctx/internal/testutil"
)

// fakeStore records the last requested key and serves canned secrets.
type fakeStore struct {
	id        string
	storeType StoreType
	secrets   map[string]string
	lastKey   string
}

func (f *fakeStore) ID() string      { return f.id }
func (f *fakeStore) Type() StoreType { return f.storeType }

func (f *fakeStore) Get(_ context.Context, key string) (string, bool, error) {
	f.lastKey = key
	value, ok := f.secrets[key]
	return value, ok, nil
}

func (f *fakeStore) Set(_ context.Context, key, value string) error {
	f.secrets[key] = value
	return nil
}

func (f *fakeStore) Has(ctx context.Context, key string) (bool, error) {
	_, ok, err := f.Get(ctx, key)
	return ok, err
}

func (f *fakeStore) Delete(_ context.Context, key string) (bool, error) {
	_, ok := f.secrets[key]
	delete(f.secrets, key)
	return ok, nil
}

// fakeSource serves a fixed request context.
type fakeSource struct {
	requestContext map[string]interface{}
	err            error
}

func (f *fakeSource) ResolveRequestContext(_ context.Context, _ RequestContext) (map[string]interface{}, error) {
	return f.requestContext, f.err
}

func nangoBlob(t *testing.T, secretKey string) string {
	t.Helper()
	data, err := json.Marshal(NangoSecret{
		ConnectionID:      "conn-1",
		ProviderConfigKey: "github",
		SecretKey:         secretKey,
		Provider:          "github",
		Metadata:          map[string]interface{}{"org": "acme"},
	})
	if err != nil {
		t.Fatalf("marshal blob: %v", err)
	}
	return string(data)
}

func requestScope() RequestContext {
	return RequestContext{
		TenantID:        "tenant-1",
		ProjectID:       "proj-1",
		ContextConfigID: "cfg-1",
		ConversationID:  "conv-1",
	}
}

// ---------------------------------------------------------------------------
// GetCredentials
// ---------------------------------------------------------------------------

func TestGetCredentials_ExplicitKeyWinsRegardlessOfStoreType(t *testing.T) {
	for _, storeType := range []StoreType{StoreTypeMemory, StoreTypeKeychain, StoreTypeNango} {
		store := &fakeStore{id: "s", storeType: storeType, secrets: map[string]string{}}
		reg := NewRegistry()
		reg.Add(store)
		stuffer := NewStuffer(reg, nil, nil)

		ref := Reference{
			ID:      "ref-1",
			StoreID: "s",
			RetrievalParams: map[string]interface{}{
				"key":          "EXPLICIT",
				"connectionId": "ignored",
			},
		}
		_, _ = stuffer.GetCredentials(context.Background(), requestScope(), ref, "")
		if store.lastKey != "EXPLICIT" {
			t.Errorf("store type %s: lookup key = %q, want EXPLICIT", storeType, store.lastKey)
		}
	}
}

func TestGetCredentials_NangoCanonicalKey(t *testing.T) {
	store := &fakeStore{id: "nango", storeType: StoreTypeNango, secrets: map[string]string{}}
	reg := NewRegistry()
	reg.Add(store)
	stuffer := NewStuffer(reg, nil, nil)

	ref := Reference{
		ID:      "ref-1",
		StoreID: "nango",
		RetrievalParams: map[string]interface{}{
			"connectionId":      "conn-1",
			"providerConfigKey": "github",
			"extraneous":        "ignored",
		},
	}
	_, _ = stuffer.GetCredentials(context.Background(), requestScope(), ref, "")
	if want := `{"connectionId":"conn-1","providerConfigKey":"github"}`; store.lastKey != want {
		t.Errorf("lookup key = %q, want %q", store.lastKey, want)
	}
}

func TestGetCredentials_TenantFallbackKey(t *testing.T) {
	store := &fakeStore{id: "mem", storeType: StoreTypeMemory, secrets: map[string]string{}}
	reg := NewRegistry()
	reg.Add(store)
	stuffer := NewStuffer(reg, nil, nil)

	_, _ = stuffer.GetCredentials(context.Background(), requestScope(), Reference{ID: "r", StoreID: "mem"}, "")
	if store.lastKey != "tenant-1" {
		t.Errorf("lookup key = %q, want tenant id fallback", store.lastKey)
	}
}

func TestGetCredentials_UnregisteredStoreIsNil(t *testing.T) {
	stuffer := NewStuffer(NewRegistry(), nil, nil)
	resolved, err := stuffer.GetCredentials(context.Background(), requestScope(), Reference{ID: "r", StoreID: "nope"}, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resolved != nil {
		t.Error("unregistered store should yield nil, not headers")
	}
}

func TestGetCredentials_MissingSecretIsNil(t *testing.T) {
	reg := NewRegistry()
	reg.Add(&fakeStore{id: "mem", storeType: StoreTypeMemory, secrets: map[string]string{}})
	stuffer := NewStuffer(reg, nil, nil)

	resolved, err := stuffer.GetCredentials(context.Background(), requestScope(), Reference{ID: "r", StoreID: "mem"}, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resolved != nil {
		t.Error("missing secret should yield nil, not an error")
	}
}

func TestGetCredentials_NangoMCPHeaders(t *testing.T) {
	store := &fakeStore{id: "nango", storeType: StoreTypeNango, secrets: map[string]string{
		"tenant-1": "",
	}}
	store.secrets[`{"connectionId":"conn-1","providerConfigKey":"github"}`] = nangoBlob(t, "tok-abc")
	reg := NewRegistry()
	reg.Add(store)
	stuffer := NewStuffer(reg, nil, nil)

	ref := Reference{ID: "r", StoreID: "nango", RetrievalParams: map[string]interface{}{
		"connectionId":      "conn-1",
		"providerConfigKey": "github",
	}}
	resolved, err := stuffer.GetCredentials(context.Background(), requestScope(), ref, "nango")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resolved == nil {
		t.Fatal("expected resolved credentials")
	}
	if resolved.Headers["Authorization"] != "Bearer tok-abc" {
		t.Errorf("Authorization = %q", resolved.Headers["Authorization"])
	}
	if resolved.Headers["provider-config-key"] != "github" {
		t.Errorf("provider-config-key = %q", resolved.Headers["provider-config-key"])
	}
	if resolved.Headers["connection-id"] != "conn-1" {
		t.Errorf("connection-id = %q", resolved.Headers["connection-id"])
	}
	if resolved.Metadata["org"] != "acme" {
		t.Errorf("metadata = %v", resolved.Metadata)
	}
}

func TestGetCredentials_NangoGenericOAuthOmitsEmptyToken(t *testing.T) {
	store := &fakeStore{id: "nango", storeType: StoreTypeNango, secrets: map[string]string{
		`{"connectionId":"conn-1","providerConfigKey":"github"}`: nangoBlob(t, ""),
	}}
	reg := NewRegistry()
	reg.Add(store)
	stuffer := NewStuffer(reg, nil, nil)

	ref := Reference{ID: "r", StoreID: "nango", RetrievalParams: map[string]interface{}{
		"connectionId":      "conn-1",
		"providerConfigKey": "github",
	}}
	resolved, err := stuffer.GetCredentials(context.Background(), requestScope(), ref, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := resolved.Headers["Authorization"]; ok {
		t.Error("no token present, Authorization header must be omitted")
	}
}

func TestGetCredentials_MalformedBrokerSecretIsError(t *testing.T) {
	store := &fakeStore{id: "nango", storeType: StoreTypeNango, secrets: map[string]string{
		"EXPLICIT": "not json",
	}}
	reg := NewRegistry()
	reg.Add(store)
	stuffer := NewStuffer(reg, nil, nil)

	ref := Reference{ID: "r", StoreID: "nango", RetrievalParams: map[string]interface{}{"key": "EXPLICIT"}}
	if _, err := stuffer.GetCredentials(context.Background(), requestScope(), ref, ""); err == nil {
		t.Fatal("malformed broker secret must be an error, not a silent null")
	}
}

func TestGetCredentials_KeychainJSONAccessToken(t *testing.T) {
	store := &fakeStore{id: "kc", storeType: StoreTypeKeychain, secrets: map[string]string{
		"tenant-1": `{"access_token":"kc-token"}`,
	}}
	reg := NewRegistry()
	reg.Add(store)
	stuffer := NewStuffer(reg, nil, nil)

	resolved, err := stuffer.GetCredentials(context.Background(), requestScope(), Reference{ID: "r", StoreID: "kc"}, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resolved.Headers["Authorization"] != "Bearer kc-token" {
		t.Errorf("Authorization = %q, want token from JSON payload", resolved.Headers["Authorization"])
	}
}

func TestGetCredentials_RawSecretWrappedAsBearer(t *testing.T) {
	for _, storeType := range []StoreType{StoreTypeKeychain, StoreTypeMemory} {
		store := &fakeStore{id: "s", storeType: storeType, secrets: map[string]string{
			"tenant-1": "raw-secret",
		}}
		reg := NewRegistry()
		reg.Add(store)
		stuffer := NewStuffer(reg, nil, nil)

		resolved, err := stuffer.GetCredentials(context.Background(), requestScope(), Reference{ID: "r", StoreID: "s"}, "")
		if err != nil {
			t.Fatalf("store type %s: unexpected error: %v", storeType, err)
		}
		if resolved.Headers["Authorization"] != "Bearer raw-secret" {
			t.Errorf("store type %s: Authorization = %q", storeType, resolved.Headers["Authorization"])
		}
	}
}

// ---------------------------------------------------------------------------
// GetCredentialsFromRequestContext
// ---------------------------------------------------------------------------

func TestGetCredentialsFromRequestContext_RendersStrict(t *testing.T) {
	source := &fakeSource{requestContext: map[string]interface{}{
		"api_key": "from-headers",
	}}
	stuffer := NewStuffer(NewRegistry(), source, nil)

	resolved, err := stuffer.GetCredentialsFromRequestContext(context.Background(), requestScope(), map[string]string{
		"X-Api-Key": "{{requestContext.api_key}}",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resolved.Headers["X-Api-Key"] != "from-headers" {
		t.Errorf("X-Api-Key = %q", resolved.Headers["X-Api-Key"])
	}
}

func TestGetCredentialsFromRequestContext_UnresolvedPathIsError(t *testing.T) {
	source := &fakeSource{requestContext: map[string]interface{}{}}
	stuffer := NewStuffer(NewRegistry(), source, nil)

	_, err := stuffer.GetCredentialsFromRequestContext(context.Background(), requestScope(), map[string]string{
		"X-Api-Key": "{{requestContext.missing}}",
	})
	// An unresolved credential path must be a hard error naming the header.
	testutil.AssertErrorContains(t, err, "X-Api-Key")
}

func TestGetCredentialsFromRequestContext_NoSourceIsNil(t *testing.T) {
	stuffer := NewStuffer(NewRegistry(), nil, nil)
	resolved, err := stuffer.GetCredentialsFromRequestContext(context.Background(), requestScope(), map[string]string{"H": "{{requestContext.a}}"})
	if err != nil || resolved != nil {
		t.Errorf("got (%v, %v), want (nil, nil) without a configured source", resolved, err)
	}
}

func TestGetCredentialsFromRequestContext_MissingScopeIsNil(t *testing.T) {
	source := &fakeSource{requestContext: map[string]interface{}{}}
	stuffer := NewStuffer(NewRegistry(), source, nil)

	rc := requestScope()
	rc.ConversationID = ""
	resolved, err := stuffer.GetCredentialsFromRequestContext(context.Background(), rc, map[string]string{"H": "x"})
	if err != nil || resolved != nil {
		t.Errorf("got (%v, %v), want (nil, nil) without conversation id", resolved, err)
	}
}

func TestGetCredentialsFromRequestContext_SourceErrorPropagates(t *testing.T) {
	source := &fakeSource{err: fmt.Errorf("store down")}
	stuffer := NewStuffer(NewRegistry(), source, nil)

	_, err := stuffer.GetCredentialsFromRequestContext(context.Background(), requestScope(), map[string]string{"H": "x"})
	if err == nil {
		t.Fatal("source errors must propagate")
	}
}

// ---------------------------------------------------------------------------
// GetCredentialHeaders
// ---------------------------------------------------------------------------

func TestGetCredentialHeaders_RequestContextWinsOnCollision(t *testing.T) {
	store := &fakeStore{id: "mem", storeType: StoreTypeMemory, secrets: map[string]string{
		"tenant-1": "store-token",
	}}
	reg := NewRegistry()
	reg.Add(store)
	source := &fakeSource{requestContext: map[string]interface{}{"token": "rc-token"}}
	stuffer := NewStuffer(reg, source, nil)

	headers, err := stuffer.GetCredentialHeaders(context.Background(), HeaderParams{
		Context:   requestScope(),
		Reference: &Reference{ID: "r", StoreID: "mem"},
		Headers:   map[string]string{"Authorization": "Bearer {{requestContext.token}}"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if headers["Authorization"] != "Bearer rc-token" {
		t.Errorf("Authorization = %q, want request-context value to win", headers["Authorization"])
	}
}

func TestGetCredentialHeaders_EmptyWhenNoSources(t *testing.T) {
	stuffer := NewStuffer(NewRegistry(), nil, nil)
	headers, err := stuffer.GetCredentialHeaders(context.Background(), HeaderParams{Context: requestScope()})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(headers) != 0 {
		t.Errorf("headers = %v, want empty map", headers)
	}
}

// ---------------------------------------------------------------------------
// BuildMCPServerConfig
// ---------------------------------------------------------------------------

func TestBuildMCPServerConfig_CredentialHeadersWin(t *testing.T) {
	store := &fakeStore{id: "mem", storeType: StoreTypeMemory, secrets: map[string]string{
		"tenant-1": "live-token",
	}}
	reg := NewRegistry()
	reg.Add(store)
	stuffer := NewStuffer(reg, nil, nil)

	tool := MCPTool{
		Name:        "search",
		URL:         "https://mcp.example.com",
		Transport:   TransportStreamableHTTP,
		Headers:     map[string]string{"Authorization": "Bearer stale", "X-Static": "yes"},
		ActiveTools: []string{"search"},
	}
	config, err := stuffer.BuildMCPServerConfig(context.Background(), requestScope(), tool, &Reference{ID: "r", StoreID: "mem"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if config.Type != TransportStreamableHTTP || config.URL != tool.URL {
		t.Errorf("config = %+v", config)
	}
	if config.Headers["Authorization"] != "Bearer live-token" {
		t.Errorf("Authorization = %q, want credential header to win", config.Headers["Authorization"])
	}
	if config.Headers["X-Static"] != "yes" {
		t.Errorf("static header lost: %v", config.Headers)
	}
	if len(config.ActiveTools) != 1 || config.ActiveTools[0] != "search" {
		t.Errorf("activeTools = %v", config.ActiveTools)
	}
}

func TestBuildMCPServerConfig_NonHTTPTransportOmitsHeaders(t *testing.T) {
	stuffer := NewStuffer(NewRegistry(), nil, nil)
	tool := MCPTool{
		Name:      "local",
		URL:       "stdio://local",
		Transport: "stdio",
		Headers:   map[string]string{"X-Static": "yes"},
	}
	config, err := stuffer.BuildMCPServerConfig(context.Background(), requestScope(), tool, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if config.Headers != nil {
		t.Errorf("headers = %v, want none for stdio transport", config.Headers)
	}
}
