// Package schema validates JSON-like values against opaque JSON Schema
// documents and filters payloads down to schema-declared keys.
package schema

import (
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Validate checks value against the given JSON Schema document.
// The schema is treated as an opaque JSON object.
func Validate(schemaDoc map[string]interface{}, value interface{}) error {
	if len(schemaDoc) == 0 {
		return nil
	}

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("schema.json", normalize(schemaDoc)); err != nil {
		return fmt.Errorf("schema: add resource: %w", err)
	}
	compiled, err := compiler.Compile("schema.json")
	if err != nil {
		return fmt.Errorf("schema: compile: %w", err)
	}

	if err := compiled.Validate(value); err != nil {
		return fmt.Errorf("schema: %w", err)
	}
	return nil
}

// Filter returns a copy of value containing only the keys the schema
// declares under "properties", applied recursively through nested objects
// and array "items". Values without a corresponding object schema pass
// through unchanged.
func Filter(schemaDoc map[string]interface{}, value interface{}) interface{} {
	if len(schemaDoc) == 0 {
		return value
	}

	switch v := value.(type) {
	case map[string]interface{}:
		props, ok := schemaDoc["properties"].(map[string]interface{})
		if !ok {
			return value
		}
		filtered := make(map[string]interface{})
		for key, sub := range v {
			propSchema, declared := props[key]
			if !declared {
				continue
			}
			if ps, ok := propSchema.(map[string]interface{}); ok {
				filtered[key] = Filter(ps, sub)
			} else {
				filtered[key] = sub
			}
		}
		return filtered

	case []interface{}:
		items, ok := schemaDoc["items"].(map[string]interface{})
		if !ok {
			return value
		}
		filtered := make([]interface{}, len(v))
		for i, item := range v {
			filtered[i] = Filter(items, item)
		}
		return filtered

	default:
		return value
	}
}

// ValidateAndFilter validates value against the schema, then strips any
// keys the schema does not declare. Used for inbound request contexts so
// undeclared headers never reach template evaluation.
func ValidateAndFilter(schemaDoc map[string]interface{}, value map[string]interface{}) (map[string]interface{}, error) {
	if len(schemaDoc) == 0 {
		return value, nil
	}
	if err := Validate(schemaDoc, value); err != nil {
		return nil, err
	}
	filtered, ok := Filter(schemaDoc, value).(map[string]interface{})
	if !ok {
		return value, nil
	}
	return filtered, nil
}

// normalize interns the schema document as plain JSON types so the
// compiler never sees non-JSON values (e.g. ints from hand-built maps).
func normalize(doc map[string]interface{}) interface{} {
	var walk func(v interface{}) interface{}
	walk = func(v interface{}) interface{} {
		switch t := v.(type) {
		case map[string]interface{}:
			out := make(map[string]interface{}, len(t))
			for k, sub := range t {
				out[k] = walk(sub)
			}
			return out
		case []interface{}:
			out := make([]interface{}, len(t))
			for i, sub := range t {
				out[i] = walk(sub)
			}
			return out
		case int:
			return float64(t)
		case int64:
			return float64(t)
		default:
			return v
		}
	}
	return walk(doc)
}
