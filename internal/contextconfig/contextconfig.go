// Package contextconfig defines the configuration model for context
// resolution: which variables to fetch, how, and when their cached values
// expire.
package contextconfig

import (
	"fmt"

	"github.com/szaher/agentctx/internal/query"
	"github.com/szaher/agentctx/internal/template"
)

// TriggerType controls cache-invalidation aggressiveness for a variable.
type TriggerType string

const (
	// TriggerInitialization fetches once per conversation lifecycle.
	TriggerInitialization TriggerType = "initialization"

	// TriggerInvocation refreshes the variable on every invocation.
	TriggerInvocation TriggerType = "invocation"
)

// RequestContextKey is the reserved key under which the per-invocation
// request context is exposed to template evaluation. Context variables
// must never use it.
const RequestContextKey = "requestContext"

// FetchConfig describes the HTTP request for one context variable.
type FetchConfig struct {
	URL       string            `json:"url"`
	Method    string            `json:"method,omitempty"`
	Headers   map[string]string `json:"headers,omitempty"`
	Body      interface{}       `json:"body,omitempty"`
	Transform string            `json:"transform,omitempty"`
	TimeoutMs int               `json:"timeoutMs,omitempty"`
}

// FetchDefinition is one context variable definition. Immutable once
// resolution begins.
type FetchDefinition struct {
	ID                    string                 `json:"id"`
	Name                  string                 `json:"name,omitempty"`
	Trigger               TriggerType            `json:"trigger,omitempty"`
	Fetch                 FetchConfig            `json:"fetchConfig"`
	ResponseSchema        map[string]interface{} `json:"responseSchema,omitempty"`
	DefaultValue          interface{}            `json:"defaultValue,omitempty"`
	CredentialReferenceID string                 `json:"credentialReferenceId,omitempty"`
}

// EffectiveTrigger returns the definition trigger, defaulting to
// initialization when unset.
func (d *FetchDefinition) EffectiveTrigger() TriggerType {
	if d.Trigger == "" {
		return TriggerInitialization
	}
	return d.Trigger
}

// ContextConfig is a tenant/project/graph scoped context configuration.
// Read-only to the resolution engine.
type ContextConfig struct {
	ID                   string                     `json:"id"`
	TenantID             string                     `json:"tenantId"`
	ProjectID            string                     `json:"projectId"`
	GraphID              string                     `json:"graphId,omitempty"`
	RequestContextSchema map[string]interface{}     `json:"requestContextSchema,omitempty"`
	Variables            map[string]FetchDefinition `json:"contextVariables,omitempty"`
}

// Validate checks structural invariants before resolution begins.
func Validate(cfg *ContextConfig) error {
	if cfg == nil {
		return fmt.Errorf("contextconfig: nil config")
	}
	if cfg.ID == "" {
		return fmt.Errorf("contextconfig: missing id")
	}
	if _, ok := cfg.Variables[RequestContextKey]; ok {
		return fmt.Errorf("contextconfig %s: %q is a reserved context variable key", cfg.ID, RequestContextKey)
	}

	for key, def := range cfg.Variables {
		if err := validateDefinition(&def); err != nil {
			return fmt.Errorf("contextconfig %s: variable %q: %w", cfg.ID, key, err)
		}
	}
	return nil
}

func validateDefinition(def *FetchDefinition) error {
	if def.ID == "" {
		return fmt.Errorf("missing definition id")
	}
	switch def.Trigger {
	case "", TriggerInitialization, TriggerInvocation:
	default:
		return fmt.Errorf("unknown trigger %q", def.Trigger)
	}
	if def.Fetch.URL == "" {
		return fmt.Errorf("missing fetch url")
	}
	if res := template.Validate(def.Fetch.URL); !res.Valid {
		return fmt.Errorf("invalid url template: %v", res.Errors)
	}
	for name, value := range def.Fetch.Headers {
		if res := template.Validate(value); !res.Valid {
			return fmt.Errorf("invalid header template %q: %v", name, res.Errors)
		}
	}
	if def.Fetch.Transform != "" {
		if err := query.ValidateSyntax(def.Fetch.Transform); err != nil {
			return fmt.Errorf("invalid transform: %w", err)
		}
	}
	return nil
}
