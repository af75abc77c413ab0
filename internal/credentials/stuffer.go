package credentials

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strconv"

	"github.com/szaher/agentctx/internal/contextconfig"
	"github.com/szaher/agentctx/internal/template"
)

// MCP transport shapes. Only HTTP-based transports carry headers.
const (
	TransportStreamableHTTP = "streamable_http"
	TransportSSE            = "sse"
)

// Resolved carries the outcome of credential resolution.
type Resolved struct {
	Headers  map[string]string
	Metadata map[string]string
}

// MCPTool describes an MCP server a graph tool connects to.
type MCPTool struct {
	Name        string            `json:"name"`
	URL         string            `json:"url"`
	Transport   string            `json:"transport"`
	Type        string            `json:"type,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
	ActiveTools []string          `json:"activeTools,omitempty"`
}

// MCPServerConfig is the fully resolved server entry handed to the agent
// runtime.
type MCPServerConfig struct {
	Type        string            `json:"type"`
	URL         string            `json:"url"`
	Headers     map[string]string `json:"headers,omitempty"`
	ActiveTools []string          `json:"activeTools,omitempty"`
}

// HeaderParams are the inputs to GetCredentialHeaders.
type HeaderParams struct {
	Context   RequestContext
	MCPType   string
	Reference *Reference
	// Headers are header templates rendered against the cached request
	// context.
	Headers map[string]string
}

// Stuffer resolves logical credential pointers and request-context header
// templates into concrete HTTP headers. Resolved headers are never
// persisted; they are recomputed per resolution.
type Stuffer struct {
	registry *Registry
	source   RequestContextSource
	logger   *slog.Logger
}

// NewStuffer creates a credential stuffer. source may be nil when no
// request-context rendering is needed.
func NewStuffer(registry *Registry, source RequestContextSource, logger *slog.Logger) *Stuffer {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Stuffer{registry: registry, source: source, logger: logger}
}

// GetCredentials resolves a store reference into headers shaped by the
// backend type. A missing store or missing secret yields (nil, nil):
// "no credential available" is not an error.
func (s *Stuffer) GetCredentials(ctx context.Context, rc RequestContext, ref Reference, mcpType string) (*Resolved, error) {
	store, ok := s.registry.Get(ref.StoreID)
	if !ok {
		s.logger.Warn("credential store not registered", "store_id", ref.StoreID, "reference_id", ref.ID)
		return nil, nil
	}

	key := lookupKey(store, ref, rc)
	secret, found, err := store.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("stuffer: read credential %s from store %s: %w", ref.ID, ref.StoreID, err)
	}
	if !found {
		s.logger.Debug("credential not found", "store_id", ref.StoreID, "reference_id", ref.ID)
		return nil, nil
	}

	switch store.Type() {
	case StoreTypeNango:
		return shapeNangoSecret(secret, mcpType)
	case StoreTypeKeychain:
		return shapeKeychainSecret(secret), nil
	default:
		return bearer(secret), nil
	}
}

// lookupKey picks the store lookup key: an explicit retrieval key wins,
// then the canonical broker connection key, then the tenant id.
func lookupKey(store Store, ref Reference, rc RequestContext) string {
	if explicit, ok := ref.RetrievalParams["key"].(string); ok && explicit != "" {
		return explicit
	}
	if store.Type() == StoreTypeNango {
		connectionID, _ := ref.RetrievalParams["connectionId"].(string)
		providerConfigKey, _ := ref.RetrievalParams["providerConfigKey"].(string)
		return NangoConnectionKey(connectionID, providerConfigKey)
	}
	return rc.TenantID
}

func shapeNangoSecret(secret, mcpType string) (*Resolved, error) {
	var blob NangoSecret
	if err := json.Unmarshal([]byte(secret), &blob); err != nil {
		return nil, fmt.Errorf("stuffer: malformed broker secret: %w", err)
	}

	metadata := stringifyMetadata(blob.Metadata)
	if mcpType == string(StoreTypeNango) {
		return &Resolved{
			Headers: map[string]string{
				"Authorization":       "Bearer " + blob.SecretKey,
				"provider-config-key": blob.ProviderConfigKey,
				"connection-id":       blob.ConnectionID,
			},
			Metadata: metadata,
		}, nil
	}

	// Broker used as a generic OAuth source: only forward a token when
	// one is actually present.
	resolved := &Resolved{Headers: map[string]string{}, Metadata: metadata}
	if blob.SecretKey != "" {
		resolved.Headers["Authorization"] = "Bearer " + blob.SecretKey
	}
	return resolved, nil
}

func shapeKeychainSecret(secret string) *Resolved {
	var payload struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.Unmarshal([]byte(secret), &payload); err == nil && payload.AccessToken != "" {
		return bearer(payload.AccessToken)
	}
	return bearer(secret)
}

func bearer(token string) *Resolved {
	return &Resolved{Headers: map[string]string{"Authorization": "Bearer " + token}}
}

// GetCredentialsFromRequestContext renders header templates against the
// cached request context in strict mode. An unresolved path is a hard
// error; a missing credential field must not silently produce an
// insecure header.
func (s *Stuffer) GetCredentialsFromRequestContext(ctx context.Context, rc RequestContext, headerTemplates map[string]string) (*Resolved, error) {
	if len(headerTemplates) == 0 {
		return nil, nil
	}
	if rc.ContextConfigID == "" || rc.ConversationID == "" || s.source == nil {
		return nil, nil
	}

	requestContext, err := s.source.ResolveRequestContext(ctx, rc)
	if err != nil {
		return nil, fmt.Errorf("stuffer: resolve request context: %w", err)
	}

	renderCtx := map[string]interface{}{
		contextconfig.RequestContextKey: requestContext,
	}

	headers := make(map[string]string, len(headerTemplates))
	for name, tmpl := range headerTemplates {
		rendered, err := template.Render(tmpl, renderCtx, template.Options{Strict: true})
		if err != nil {
			return nil, fmt.Errorf("stuffer: header %q: %w", name, err)
		}
		headers[name] = rendered
	}

	return &Resolved{
		Headers: headers,
		Metadata: map[string]string{
			"contextConfigId": rc.ContextConfigID,
			"conversationId":  rc.ConversationID,
		},
	}, nil
}

// GetCredentialHeaders computes store-derived and request-context-derived
// headers independently and merges them. Store headers and store metadata
// layer first; request-context headers win on key collision. Returns an
// empty map if neither source yields data.
func (s *Stuffer) GetCredentialHeaders(ctx context.Context, params HeaderParams) (map[string]string, error) {
	var fromStore, fromRequestContext *Resolved

	if params.Reference != nil {
		resolved, err := s.GetCredentials(ctx, params.Context, *params.Reference, params.MCPType)
		if err != nil {
			return nil, err
		}
		fromStore = resolved
	}

	resolved, err := s.GetCredentialsFromRequestContext(ctx, params.Context, params.Headers)
	if err != nil {
		return nil, err
	}
	fromRequestContext = resolved

	merged := make(map[string]string)
	if fromStore != nil {
		for k, v := range fromStore.Headers {
			merged[k] = v
		}
		for k, v := range fromStore.Metadata {
			merged[k] = v
		}
	}
	if fromRequestContext != nil {
		for k, v := range fromRequestContext.Headers {
			merged[k] = v
		}
	}
	return merged, nil
}

// BuildMCPServerConfig merges a tool's static headers with resolved
// credential headers (credential headers win) and shapes the result for
// the tool's transport. Non-HTTP transports omit headers entirely.
func (s *Stuffer) BuildMCPServerConfig(ctx context.Context, rc RequestContext, tool MCPTool, ref *Reference) (*MCPServerConfig, error) {
	credHeaders, err := s.GetCredentialHeaders(ctx, HeaderParams{
		Context:   rc,
		MCPType:   tool.Type,
		Reference: ref,
	})
	if err != nil {
		return nil, fmt.Errorf("stuffer: build mcp config for %s: %w", tool.Name, err)
	}

	config := &MCPServerConfig{
		Type:        tool.Transport,
		URL:         tool.URL,
		ActiveTools: tool.ActiveTools,
	}

	switch tool.Transport {
	case TransportStreamableHTTP, TransportSSE:
		headers := make(map[string]string, len(tool.Headers)+len(credHeaders))
		for k, v := range tool.Headers {
			headers[k] = v
		}
		for k, v := range credHeaders {
			headers[k] = v
		}
		config.Headers = headers
	}

	return config, nil
}

func stringifyMetadata(metadata map[string]interface{}) map[string]string {
	if len(metadata) == 0 {
		return nil
	}
	out := make(map[string]string, len(metadata))
	for k, v := range metadata {
		switch t := v.(type) {
		case string:
			out[k] = t
		case bool:
			out[k] = strconv.FormatBool(t)
		case float64:
			out[k] = strconv.FormatFloat(t, 'f', -1, 64)
		default:
			data, err := json.Marshal(t)
			if err != nil {
				continue
			}
			out[k] = string(data)
		}
	}
	return out
}
