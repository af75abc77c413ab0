// Package template renders {{expression}} placeholders against JSON-like
// context objects. Expressions are either reserved built-ins ($now,
// $timestamp, $date, $time, $env.NAME) or JMESPath queries evaluated
// against the context.
package template

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/szaher/agentctx/internal/query"
)

// Options controls how unresolved or malformed expressions are handled.
type Options struct {
	// Strict makes an unresolved or malformed expression a hard error.
	Strict bool

	// PreserveUnresolved leaves the original {{expr}} text in place instead
	// of substituting an empty string. Ignored in strict mode.
	PreserveUnresolved bool
}

// ValidationResult reports structural problems found in a template.
type ValidationResult struct {
	Valid  bool
	Errors []string
}

const (
	openDelim  = "{{"
	closeDelim = "}}"
)

// Render substitutes every {{expression}} occurrence in template using ctx.
// Non-scalar results are serialized to compact JSON. In non-strict mode a
// missing or malformed expression resolves to the empty string (or the
// original placeholder text when PreserveUnresolved is set); in strict mode
// it is an error naming the expression.
func Render(template string, ctx interface{}, opts Options) (string, error) {
	var out strings.Builder
	rest := template

	for {
		start := strings.Index(rest, openDelim)
		if start < 0 {
			out.WriteString(rest)
			return out.String(), nil
		}
		out.WriteString(rest[:start])

		end := strings.Index(rest[start+len(openDelim):], closeDelim)
		if end < 0 {
			// Unterminated placeholder, emit verbatim.
			out.WriteString(rest[start:])
			return out.String(), nil
		}

		raw := rest[start+len(openDelim) : start+len(openDelim)+end]
		placeholder := rest[start : start+len(openDelim)+end+len(closeDelim)]
		rest = rest[start+len(openDelim)+end+len(closeDelim):]

		value, ok, err := resolve(strings.TrimSpace(raw), ctx)
		switch {
		case err != nil || !ok:
			if opts.Strict {
				if err != nil {
					return "", fmt.Errorf("template: cannot resolve %q: %w", strings.TrimSpace(raw), err)
				}
				return "", fmt.Errorf("template: cannot resolve %q", strings.TrimSpace(raw))
			}
			if opts.PreserveUnresolved {
				out.WriteString(placeholder)
			}
		default:
			out.WriteString(stringify(value))
		}
	}
}

// resolve evaluates a single expression. ok=false means the expression
// evaluated cleanly but produced no value.
func resolve(expr string, ctx interface{}) (interface{}, bool, error) {
	if strings.HasPrefix(expr, "$") {
		return resolveBuiltin(expr)
	}

	result, err := query.EvalString(expr, ctx)
	if err != nil {
		return nil, false, err
	}
	if result == nil {
		return nil, false, nil
	}
	return result, true, nil
}

func resolveBuiltin(expr string) (interface{}, bool, error) {
	now := time.Now()
	switch {
	case expr == "$now":
		return now.UTC().Format(time.RFC3339), true, nil
	case expr == "$timestamp":
		return strconv.FormatInt(now.UnixMilli(), 10), true, nil
	case expr == "$date":
		return now.Format("2006-01-02"), true, nil
	case expr == "$time":
		return now.Format("15:04:05"), true, nil
	case strings.HasPrefix(expr, "$env."):
		// Unset vars render as empty string rather than failing.
		return os.Getenv(strings.TrimPrefix(expr, "$env.")), true, nil
	default:
		return nil, false, fmt.Errorf("unknown builtin %q", expr)
	}
}

// stringify converts a resolved value to its substitution text.
func stringify(value interface{}) string {
	switch v := value.(type) {
	case string:
		return v
	case bool:
		return strconv.FormatBool(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(data)
	}
}

// Validate checks brace balance and rejects nested {{ inside a placeholder.
func Validate(template string) ValidationResult {
	var errs []string

	depth := 0
	for i := 0; i+1 < len(template); i++ {
		switch template[i : i+2] {
		case openDelim:
			if depth > 0 {
				errs = append(errs, fmt.Sprintf("nested %q at offset %d", openDelim, i))
			}
			depth++
			i++
		case closeDelim:
			if depth == 0 {
				errs = append(errs, fmt.Sprintf("unmatched %q at offset %d", closeDelim, i))
			} else {
				depth--
			}
			i++
		}
	}
	if depth > 0 {
		errs = append(errs, fmt.Sprintf("unclosed %q", openDelim))
	}

	return ValidationResult{Valid: len(errs) == 0, Errors: errs}
}

// ExtractVariables returns the deduplicated raw expressions found in the
// template, in first-occurrence order.
func ExtractVariables(template string) []string {
	var vars []string
	seen := make(map[string]bool)

	rest := template
	for {
		start := strings.Index(rest, openDelim)
		if start < 0 {
			return vars
		}
		end := strings.Index(rest[start+len(openDelim):], closeDelim)
		if end < 0 {
			return vars
		}
		expr := strings.TrimSpace(rest[start+len(openDelim) : start+len(openDelim)+end])
		if expr != "" && !seen[expr] {
			seen[expr] = true
			vars = append(vars, expr)
		}
		rest = rest[start+len(openDelim)+end+len(closeDelim):]
	}
}
