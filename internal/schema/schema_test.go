package schema

import (
	"reflect"
	"testing"
)

func objectSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"user_id": map[string]interface{}{"type": "string"},
			"profile": map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"email": map[string]interface{}{"type": "string"},
				},
			},
			"tags": map[string]interface{}{
				"type": "array",
				"items": map[string]interface{}{
					"type": "object",
					"properties": map[string]interface{}{
						"name": map[string]interface{}{"type": "string"},
					},
				},
			},
		},
		"required": []interface{}{"user_id"},
	}
}

// ---------------------------------------------------------------------------
// Validate
// ---------------------------------------------------------------------------

func TestValidate_Valid(t *testing.T) {
	value := map[string]interface{}{"user_id": "u-1"}
	if err := Validate(objectSchema(), value); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidate_MissingRequired(t *testing.T) {
	if err := Validate(objectSchema(), map[string]interface{}{}); err == nil {
		t.Fatal("expected error for missing required property")
	}
}

func TestValidate_WrongType(t *testing.T) {
	value := map[string]interface{}{"user_id": float64(7)}
	if err := Validate(objectSchema(), value); err == nil {
		t.Fatal("expected error for wrong property type")
	}
}

func TestValidate_EmptySchemaAcceptsAnything(t *testing.T) {
	if err := Validate(nil, map[string]interface{}{"anything": true}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

// ---------------------------------------------------------------------------
// Filter
// ---------------------------------------------------------------------------

func TestFilter_DropsUndeclaredKeys(t *testing.T) {
	value := map[string]interface{}{
		"user_id":  "u-1",
		"intruder": "drop me",
		"profile": map[string]interface{}{
			"email":  "a@example.com",
			"secret": "drop me too",
		},
		"tags": []interface{}{
			map[string]interface{}{"name": "vip", "internal": true},
		},
	}

	got := Filter(objectSchema(), value)
	want := map[string]interface{}{
		"user_id": "u-1",
		"profile": map[string]interface{}{"email": "a@example.com"},
		"tags": []interface{}{
			map[string]interface{}{"name": "vip"},
		},
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %#v, want %#v", got, want)
	}
}

func TestFilter_NoPropertiesPassesThrough(t *testing.T) {
	value := map[string]interface{}{"a": 1}
	got := Filter(map[string]interface{}{"type": "object"}, value)
	if !reflect.DeepEqual(got, value) {
		t.Errorf("got %#v, want unchanged value", got)
	}
}

func TestFilter_ScalarPassesThrough(t *testing.T) {
	if got := Filter(objectSchema(), "scalar"); got != "scalar" {
		t.Errorf("got %#v, want scalar unchanged", got)
	}
}

// ---------------------------------------------------------------------------
// ValidateAndFilter
// ---------------------------------------------------------------------------

func TestValidateAndFilter_Roundtrip(t *testing.T) {
	value := map[string]interface{}{"user_id": "u-1", "extra": "x"}
	got, err := ValidateAndFilter(objectSchema(), value)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := got["extra"]; ok {
		t.Error("undeclared key should be filtered out")
	}
	if got["user_id"] != "u-1" {
		t.Errorf("user_id = %v, want u-1", got["user_id"])
	}
}

func TestValidateAndFilter_InvalidPayload(t *testing.T) {
	if _, err := ValidateAndFilter(objectSchema(), map[string]interface{}{"user_id": true}); err == nil {
		t.Fatal("expected validation error")
	}
}
