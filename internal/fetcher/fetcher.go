// Package fetcher executes context fetch definitions: template
// interpolation, credential header injection, the HTTP call itself, and
// response transformation and validation.
package fetcher

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/szaher/agentctx/internal/contextconfig"
	"github.com/szaher/agentctx/internal/contextstore"
	"github.com/szaher/agentctx/internal/credentials"
	"github.com/szaher/agentctx/internal/query"
	"github.com/szaher/agentctx/internal/schema"
	"github.com/szaher/agentctx/internal/telemetry"
	"github.com/szaher/agentctx/internal/template"
)

const (
	defaultTimeout         = 10 * time.Second
	defaultMaxResponseSize = 10 * 1024 * 1024 // 10MB
)

// Fetcher executes fetch definitions against origin servers.
type Fetcher struct {
	client      *http.Client
	store       contextstore.Store
	stuffer     *credentials.Stuffer
	logger      *slog.Logger
	tracer      *telemetry.Tracer
	timeout     time.Duration
	maxRespSize int64
}

// Option configures a Fetcher.
type Option func(*Fetcher)

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(f *Fetcher) { f.client = client }
}

// WithDefaultTimeout sets the fetcher-wide timeout applied when a
// definition carries none.
func WithDefaultTimeout(timeout time.Duration) Option {
	return func(f *Fetcher) { f.timeout = timeout }
}

// WithTracer attaches a tracer.
func WithTracer(tracer *telemetry.Tracer) Option {
	return func(f *Fetcher) { f.tracer = tracer }
}

// New creates a fetcher. store provides credential reference lookups;
// stuffer resolves them into headers.
func New(store contextstore.Store, stuffer *credentials.Stuffer, logger *slog.Logger, opts ...Option) *Fetcher {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	f := &Fetcher{
		client:      &http.Client{},
		store:       store,
		stuffer:     stuffer,
		logger:      logger,
		timeout:     defaultTimeout,
		maxRespSize: defaultMaxResponseSize,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Fetch executes one fetch definition against templateCtx and returns
// the final value. All failures propagate; the resolver decides fallback
// policy.
func (f *Fetcher) Fetch(ctx context.Context, def *contextconfig.FetchDefinition, rc credentials.RequestContext, templateCtx map[string]interface{}) (interface{}, error) {
	spanCtx, span := f.tracer.StartSpan(ctx, "context.fetch", telemetry.FetchTags(def.ID, def.Fetch.URL))
	value, err := f.fetch(spanCtx, def, rc, templateCtx)
	if err != nil {
		f.tracer.EndSpan(span, "error")
		return nil, err
	}
	f.tracer.EndSpan(span, "ok")
	return value, nil
}

func (f *Fetcher) fetch(ctx context.Context, def *contextconfig.FetchDefinition, rc credentials.RequestContext, templateCtx map[string]interface{}) (interface{}, error) {
	// Unresolved variables stay as literal text so mistakes are visible
	// downstream instead of silently blanked.
	renderOpts := template.Options{PreserveUnresolved: true}

	url, err := template.Render(def.Fetch.URL, templateCtx, renderOpts)
	if err != nil {
		return nil, fmt.Errorf("fetcher: render url for %s: %w", def.ID, err)
	}

	headers := make(map[string]string, len(def.Fetch.Headers))
	for name, value := range def.Fetch.Headers {
		rendered, err := template.Render(value, templateCtx, renderOpts)
		if err != nil {
			return nil, fmt.Errorf("fetcher: render header %q for %s: %w", name, def.ID, err)
		}
		headers[name] = rendered
	}

	body, err := renderBody(def.Fetch.Body, templateCtx)
	if err != nil {
		return nil, fmt.Errorf("fetcher: render body for %s: %w", def.ID, err)
	}

	if def.CredentialReferenceID != "" {
		credHeaders, err := f.credentialHeaders(ctx, def, rc)
		if err != nil {
			return nil, err
		}
		for name, value := range credHeaders {
			headers[name] = value
		}
	}

	raw, contentType, err := f.do(ctx, def, url, headers, body)
	if err != nil {
		return nil, err
	}

	value := parseResponse(raw, contentType)

	if err := checkGraphQLErrors(value); err != nil {
		return nil, err
	}

	if def.Fetch.Transform != "" {
		transformed, err := query.EvalString(def.Fetch.Transform, value)
		if err != nil {
			// Transform errors are recovered silently; the caller gets
			// the untransformed response.
			f.logger.Debug("transform failed, using raw response",
				"definition_id", def.ID, "transform", def.Fetch.Transform, "error", err)
		} else {
			value = transformed
		}
	}

	if len(def.ResponseSchema) > 0 {
		if err := schema.Validate(def.ResponseSchema, value); err != nil {
			return nil, fmt.Errorf("Response validation failed: %v", err)
		}
	}

	return value, nil
}

// credentialHeaders resolves the definition's credential reference into
// headers. A missing reference row reads as "no credential available".
func (f *Fetcher) credentialHeaders(ctx context.Context, def *contextconfig.FetchDefinition, rc credentials.RequestContext) (map[string]string, error) {
	scope := contextstore.Scope{TenantID: rc.TenantID, ProjectID: rc.ProjectID}
	ref, err := f.store.GetCredentialReference(ctx, scope, def.CredentialReferenceID)
	if err != nil {
		return nil, fmt.Errorf("fetcher: lookup credential reference %s: %w", def.CredentialReferenceID, err)
	}
	if ref == nil {
		f.logger.Warn("credential reference not found",
			"definition_id", def.ID, "credential_reference_id", def.CredentialReferenceID)
		return nil, nil
	}
	return f.stuffer.GetCredentialHeaders(ctx, credentials.HeaderParams{
		Context:   rc,
		Reference: ref,
	})
}

func (f *Fetcher) do(ctx context.Context, def *contextconfig.FetchDefinition, url string, headers map[string]string, body interface{}) ([]byte, string, error) {
	timeout := f.timeout
	if def.Fetch.TimeoutMs > 0 {
		timeout = time.Duration(def.Fetch.TimeoutMs) * time.Millisecond
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	method := strings.ToUpper(def.Fetch.Method)
	if method == "" {
		method = http.MethodGet
	}

	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		reader = strings.NewReader(b)
	default:
		data, err := json.Marshal(b)
		if err != nil {
			return nil, "", fmt.Errorf("fetcher: marshal body for %s: %w", def.ID, err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, "", fmt.Errorf("fetcher: create request for %s: %w", def.ID, err)
	}
	for name, value := range headers {
		req.Header.Set(name, value)
	}
	if reader != nil && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("fetcher: request for %s failed: %w", def.ID, err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, truncated, err := readBody(resp.Body, f.maxRespSize)
	if err != nil {
		return nil, "", fmt.Errorf("fetcher: read response for %s: %w", def.ID, err)
	}
	if truncated {
		return nil, "", fmt.Errorf("fetcher: response for %s exceeds %d bytes", def.ID, f.maxRespSize)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, "", fmt.Errorf("fetcher: %s returned %d %s: %s",
			def.ID, resp.StatusCode, http.StatusText(resp.StatusCode), string(raw))
	}

	return raw, resp.Header.Get("Content-Type"), nil
}

// readBody reads the response body with a size limit.
// Returns (data, truncated, error).
func readBody(body io.Reader, limit int64) ([]byte, bool, error) {
	lr := io.LimitReader(body, limit+1) // read one extra byte to detect truncation
	data, err := io.ReadAll(lr)
	if err != nil {
		return nil, false, err
	}
	if int64(len(data)) > limit {
		return data[:limit], true, nil
	}
	return data, false, nil
}

// parseResponse dispatches on content type: JSON becomes a structured
// value, everything else stays raw text.
func parseResponse(raw []byte, contentType string) interface{} {
	if strings.Contains(contentType, "application/json") {
		var value interface{}
		if err := json.Unmarshal(raw, &value); err == nil {
			return value
		}
	}
	return string(raw)
}

// checkGraphQLErrors raises on GraphQL-style error arrays embedded in
// otherwise successful responses.
func checkGraphQLErrors(value interface{}) error {
	obj, ok := value.(map[string]interface{})
	if !ok {
		return nil
	}
	rawErrors, ok := obj["errors"].([]interface{})
	if !ok || len(rawErrors) == 0 {
		return nil
	}

	messages := make([]string, len(rawErrors))
	for i, raw := range rawErrors {
		messages[i] = "Unknown error"
		if entry, ok := raw.(map[string]interface{}); ok {
			if msg, ok := entry["message"].(string); ok && msg != "" {
				messages[i] = msg
			}
		}
	}
	return fmt.Errorf("GraphQL request failed with %d errors: %s", len(messages), strings.Join(messages, ", "))
}

// renderBody interpolates every string leaf of a body value recursively.
func renderBody(body interface{}, templateCtx map[string]interface{}) (interface{}, error) {
	switch b := body.(type) {
	case nil:
		return nil, nil
	case string:
		return template.Render(b, templateCtx, template.Options{PreserveUnresolved: true})
	case map[string]interface{}:
		out := make(map[string]interface{}, len(b))
		for key, value := range b {
			rendered, err := renderBody(value, templateCtx)
			if err != nil {
				return nil, err
			}
			out[key] = rendered
		}
		return out, nil
	case []interface{}:
		out := make([]interface{}, len(b))
		for i, value := range b {
			rendered, err := renderBody(value, templateCtx)
			if err != nil {
				return nil, err
			}
			out[i] = rendered
		}
		return out, nil
	default:
		return body, nil
	}
}

// TestResult is the outcome of a dry-run fetch.
type TestResult struct {
	Success    bool        `json:"success"`
	Data       interface{} `json:"data,omitempty"`
	Error      string      `json:"error,omitempty"`
	DurationMs int64       `json:"durationMs"`
}

// Test executes a definition without touching the cache and reports the
// outcome instead of failing. Used by operator tooling for dry-runs.
func (f *Fetcher) Test(ctx context.Context, def *contextconfig.FetchDefinition, rc credentials.RequestContext, templateCtx map[string]interface{}) *TestResult {
	start := time.Now()
	value, err := f.Fetch(ctx, def, rc, templateCtx)
	result := &TestResult{DurationMs: time.Since(start).Milliseconds()}
	if err != nil {
		result.Error = err.Error()
		return result
	}
	result.Success = true
	result.Data = value
	return result
}
