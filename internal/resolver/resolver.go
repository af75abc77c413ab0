// Package resolver orchestrates context resolution for a configuration:
// request-context caching, trigger-based invalidation, parallel fetch
// fan-out, and per-variable failure isolation.
package resolver

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/szaher/agentctx/internal/contextcache"
	"github.com/szaher/agentctx/internal/contextconfig"
	"github.com/szaher/agentctx/internal/contextstore"
	"github.com/szaher/agentctx/internal/credentials"
	"github.com/szaher/agentctx/internal/fetcher"
	"github.com/szaher/agentctx/internal/schema"
	"github.com/szaher/agentctx/internal/telemetry"
)

// Request carries the per-call inputs to Resolve.
type Request struct {
	Scope          contextstore.Scope
	ConversationID string
	TriggerEvent   contextconfig.TriggerType
	RequestContext map[string]interface{}
}

// ResolutionError records one variable's isolated failure.
type ResolutionError struct {
	DefinitionID string `json:"definitionId"`
	Error        string `json:"error"`
}

// Result aggregates one resolution: resolved values, cache statistics,
// and per-variable errors. Non-empty Errors is not an overall failure;
// the caller decides.
type Result struct {
	ResolvedContext    map[string]interface{} `json:"resolvedContext"`
	RequestContext     map[string]interface{} `json:"requestContext"`
	FetchedDefinitions []string               `json:"fetchedDefinitions"`
	CacheHits          []string               `json:"cacheHits"`
	CacheMisses        []string               `json:"cacheMisses"`
	Errors             []ResolutionError      `json:"errors"`
	TotalDurationMs    int64                  `json:"totalDurationMs"`
}

// Resolver resolves context configurations.
type Resolver struct {
	cache   *contextcache.Cache
	fetcher *fetcher.Fetcher
	logger  *slog.Logger
	tracer  *telemetry.Tracer
}

// New creates a resolver. logger and tracer may be nil.
func New(cache *contextcache.Cache, f *fetcher.Fetcher, logger *slog.Logger, tracer *telemetry.Tracer) *Resolver {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Resolver{cache: cache, fetcher: f, logger: logger, tracer: tracer}
}

// Resolve runs the full resolution for one configuration. Request
// context handling and trigger invalidation complete before the parallel
// fan-out begins so every fetch observes the updated state.
func (r *Resolver) Resolve(ctx context.Context, cfg *contextconfig.ContextConfig, req Request) (*Result, error) {
	start := time.Now()
	spanCtx, span := r.tracer.StartSpan(ctx, "context.resolve",
		telemetry.ResolveTags(cfg.ID, req.ConversationID, string(req.TriggerEvent)))

	result, err := r.resolve(spanCtx, cfg, req)
	if err != nil {
		r.tracer.EndSpan(span, "error")
		return nil, err
	}
	result.TotalDurationMs = time.Since(start).Milliseconds()
	r.tracer.EndSpan(span, "ok")
	return result, nil
}

func (r *Resolver) resolve(ctx context.Context, cfg *contextconfig.ContextConfig, req Request) (*Result, error) {
	if err := contextconfig.Validate(cfg); err != nil {
		return nil, fmt.Errorf("resolver: %w", err)
	}

	logger := telemetry.ResolutionLogger(r.logger, ctx, req.Scope.TenantID, req.ConversationID)

	effective, err := r.effectiveRequestContext(ctx, cfg, req)
	if err != nil {
		return nil, err
	}

	result := &Result{
		ResolvedContext: map[string]interface{}{
			contextconfig.RequestContextKey: effective,
		},
		RequestContext: effective,
	}

	if len(cfg.Variables) == 0 {
		return result, nil
	}

	// Invocation-triggered rows are proactively cleared so invocation
	// data is never stale across calls, even when the request hash is
	// unchanged. Initialization-triggered rows keep their per-hash
	// lookup and survive the conversation lifecycle.
	if req.TriggerEvent == contextconfig.TriggerInvocation {
		var invocationKeys []string
		for key, def := range cfg.Variables {
			if def.EffectiveTrigger() == contextconfig.TriggerInvocation {
				invocationKeys = append(invocationKeys, key)
			}
		}
		if err := r.cache.InvalidateInvocationDefinitions(ctx, req.Scope, req.ConversationID, cfg.ID, invocationKeys); err != nil {
			return nil, fmt.Errorf("resolver: %w", err)
		}
	}

	requestHash := ComputeRequestHash(effective)
	rc := credentials.RequestContext{
		TenantID:        req.Scope.TenantID,
		ProjectID:       req.Scope.ProjectID,
		ContextConfigID: cfg.ID,
		ConversationID:  req.ConversationID,
	}
	templateCtx := map[string]interface{}{
		contextconfig.RequestContextKey: effective,
	}

	var mu sync.Mutex
	group := new(errgroup.Group)
	for key, def := range cfg.Variables {
		key, def := key, def
		group.Go(func() error {
			// Errors land in a per-variable slot; siblings keep running.
			r.resolveVariable(ctx, cfg, req, rc, templateCtx, key, def, requestHash, result, &mu, logger)
			return nil
		})
	}
	_ = group.Wait()

	return result, nil
}

// resolveVariable resolves a single context variable: cache lookup, then
// fetch on miss, with isolated error capture and default substitution.
func (r *Resolver) resolveVariable(
	ctx context.Context,
	cfg *contextconfig.ContextConfig,
	req Request,
	rc credentials.RequestContext,
	templateCtx map[string]interface{},
	key string,
	def contextconfig.FetchDefinition,
	requestHash string,
	result *Result,
	mu *sync.Mutex,
	logger *slog.Logger,
) {
	cached := r.cache.Get(ctx, req.Scope, contextstore.CacheKey{
		ConversationID:  req.ConversationID,
		ContextConfigID: cfg.ID,
		VariableKey:     key,
		RequestHash:     requestHash,
	})
	if cached != nil {
		mu.Lock()
		result.ResolvedContext[key] = cached.Value
		result.CacheHits = append(result.CacheHits, key)
		mu.Unlock()
		return
	}

	mu.Lock()
	result.CacheMisses = append(result.CacheMisses, key)
	mu.Unlock()

	value, err := r.fetcher.Fetch(ctx, &def, rc, templateCtx)
	if err != nil {
		logger.Warn("context variable fetch failed",
			"definition_id", def.ID, "variable_key", key, "error", err)
		mu.Lock()
		result.Errors = append(result.Errors, ResolutionError{DefinitionID: def.ID, Error: err.Error()})
		if def.DefaultValue != nil {
			result.ResolvedContext[key] = def.DefaultValue
		}
		mu.Unlock()
		return
	}

	r.cache.Set(ctx, req.Scope, &contextstore.CacheEntry{
		ConversationID:  req.ConversationID,
		ContextConfigID: cfg.ID,
		VariableKey:     key,
		RequestHash:     requestHash,
		Value:           value,
	})

	mu.Lock()
	result.ResolvedContext[key] = value
	result.FetchedDefinitions = append(result.FetchedDefinitions, def.ID)
	mu.Unlock()
}

// effectiveRequestContext applies the always-overwrite policy: a
// non-empty incoming request context invalidates and replaces the cached
// one even when the content is identical; otherwise the cached value
// (or an empty map) is used.
func (r *Resolver) effectiveRequestContext(ctx context.Context, cfg *contextconfig.ContextConfig, req Request) (map[string]interface{}, error) {
	if len(req.RequestContext) == 0 {
		return r.cache.GetRequestContext(ctx, req.Scope, req.ConversationID, cfg.ID), nil
	}

	incoming, err := schema.ValidateAndFilter(cfg.RequestContextSchema, req.RequestContext)
	if err != nil {
		return nil, fmt.Errorf("resolver: request context: %w", err)
	}

	if err := r.cache.InvalidateRequestContext(ctx, req.Scope, req.ConversationID, cfg.ID); err != nil {
		return nil, fmt.Errorf("resolver: %w", err)
	}
	r.cache.Set(ctx, req.Scope, &contextstore.CacheEntry{
		ConversationID:  req.ConversationID,
		ContextConfigID: cfg.ID,
		VariableKey:     contextconfig.RequestContextKey,
		Value:           incoming,
	})
	return incoming, nil
}

// ResolveRequestContext returns only the cached request-context value
// for a conversation+config, or an empty map.
func (r *Resolver) ResolveRequestContext(ctx context.Context, scope contextstore.Scope, conversationID, contextConfigID string) (map[string]interface{}, error) {
	return r.cache.GetRequestContext(ctx, scope, conversationID, contextConfigID), nil
}
