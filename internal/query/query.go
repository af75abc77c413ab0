// Package query provides compile-time validation and runtime evaluation
// of JMESPath expressions used for context variable lookup and response
// transformation.
package query

import (
	"fmt"

	"github.com/jmespath/go-jmespath"
)

// Compiled represents a compiled JSON-query expression ready for evaluation.
type Compiled struct {
	Source  string
	program *jmespath.JMESPath
}

// Compile validates and compiles an expression string for later evaluation.
func Compile(source string) (*Compiled, error) {
	if source == "" {
		return nil, fmt.Errorf("empty expression")
	}

	program, err := jmespath.Compile(source)
	if err != nil {
		return nil, fmt.Errorf("expression compile error: %w", err)
	}

	return &Compiled{
		Source:  source,
		program: program,
	}, nil
}

// Eval evaluates a compiled expression against a JSON-like value
// (maps, slices, and scalars as produced by encoding/json).
// A path that does not exist yields (nil, nil), not an error.
func Eval(compiled *Compiled, data interface{}) (interface{}, error) {
	if compiled == nil || compiled.program == nil {
		return nil, fmt.Errorf("nil compiled expression")
	}

	result, err := compiled.program.Search(data)
	if err != nil {
		return nil, fmt.Errorf("expression eval error for %q: %w", compiled.Source, err)
	}
	return result, nil
}

// EvalString compiles and evaluates an expression source in one step.
func EvalString(source string, data interface{}) (interface{}, error) {
	compiled, err := Compile(source)
	if err != nil {
		return nil, err
	}
	return Eval(compiled, data)
}

// ValidateSyntax checks if an expression is syntactically valid.
func ValidateSyntax(source string) error {
	if source == "" {
		return fmt.Errorf("empty expression")
	}
	if _, err := jmespath.Compile(source); err != nil {
		return fmt.Errorf("invalid expression syntax: %w", err)
	}
	return nil
}
