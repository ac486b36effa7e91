package llm

import (
	"encoding/json"
	"errors"
	"fmt"
	"unicode/utf8"
)

// Type names follow JSON schema.
const (
	TypeObject  = "object"
	TypeArray   = "array"
	TypeString  = "string"
	TypeInteger = "integer"
	TypeNumber  = "number"
	TypeBoolean = "boolean"
)

// ErrSchemaConformance is matched by every error caused by model output that
// could not be decoded into, or does not satisfy, the requested schema.
var ErrSchemaConformance = errors.New("output does not conform to schema")

// Schema is the subset of JSON schema the generation adapters understand.
// It marshals to plain JSON schema so it can be embedded into prompts or
// handed to providers as tool parameters.
type Schema struct {
	Type        string             `json:"type"`
	Description string             `json:"description,omitempty"`
	Properties  map[string]*Schema `json:"properties,omitempty"`
	Required    []string           `json:"required,omitempty"`
	Items       *Schema            `json:"items,omitempty"`
	Enum        []string           `json:"enum,omitempty"`
	MinItems    *int               `json:"minItems,omitempty"`
	MaxItems    *int               `json:"maxItems,omitempty"`
	MinLength   *int               `json:"minLength,omitempty"`
}

// SchemaError reports model output that failed schema conformance.
type SchemaError struct {
	Path string
	Raw  string
	Err  error
}

func (e *SchemaError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("schema conformance: %v", e.Err)
	}
	return fmt.Sprintf("schema conformance at %s: %v", e.Path, e.Err)
}

func (e *SchemaError) Unwrap() error { return e.Err }

func (e *SchemaError) Is(target error) bool { return target == ErrSchemaConformance }

// Int returns a pointer to n, for the bound fields of Schema.
func Int(n int) *int { return &n }

// StringEnum describes a value that must be exactly one of labels.
func StringEnum(labels ...string) *Schema {
	return &Schema{Type: TypeString, Enum: labels}
}

// String returns the schema as compact JSON.
func (s *Schema) String() string {
	b, err := json.Marshal(s)
	if err != nil {
		return "{}"
	}
	return string(b)
}

// IsEnum reports whether the schema is a bare string enum.
func (s *Schema) IsEnum() bool {
	return s != nil && s.Type == TypeString && len(s.Enum) > 0
}

// Decode parses raw JSON, validates it against the schema and stores the
// result in out. Every failure is a *SchemaError.
func (s *Schema) Decode(raw string, out any) error {
	var generic any
	if err := json.Unmarshal([]byte(raw), &generic); err != nil {
		return &SchemaError{Raw: raw, Err: fmt.Errorf("invalid json: %w", err)}
	}
	if err := s.Validate(generic); err != nil {
		var se *SchemaError
		if errors.As(err, &se) {
			se.Raw = raw
		}
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		return &SchemaError{Raw: raw, Err: fmt.Errorf("decode: %w", err)}
	}
	return nil
}

// Validate checks a value produced by encoding/json against the schema.
func (s *Schema) Validate(v any) error {
	return s.validate("$", v)
}

func (s *Schema) validate(path string, v any) error {
	if s == nil {
		return nil
	}
	fail := func(format string, args ...any) error {
		return &SchemaError{Path: path, Err: fmt.Errorf(format, args...)}
	}

	switch s.Type {
	case TypeObject:
		obj, ok := v.(map[string]any)
		if !ok {
			return fail("expected object, got %T", v)
		}
		for _, name := range s.Required {
			if _, ok := obj[name]; !ok {
				return fail("missing required property %q", name)
			}
		}
		for name, prop := range s.Properties {
			val, ok := obj[name]
			if !ok {
				continue
			}
			if err := prop.validate(path+"."+name, val); err != nil {
				return err
			}
		}
	case TypeArray:
		arr, ok := v.([]any)
		if !ok {
			return fail("expected array, got %T", v)
		}
		if s.MinItems != nil && len(arr) < *s.MinItems {
			return fail("expected at least %d items, got %d", *s.MinItems, len(arr))
		}
		if s.MaxItems != nil && len(arr) > *s.MaxItems {
			return fail("expected at most %d items, got %d", *s.MaxItems, len(arr))
		}
		for i, item := range arr {
			if err := s.Items.validate(fmt.Sprintf("%s[%d]", path, i), item); err != nil {
				return err
			}
		}
	case TypeString:
		str, ok := v.(string)
		if !ok {
			return fail("expected string, got %T", v)
		}
		if s.MinLength != nil && utf8.RuneCountInString(str) < *s.MinLength {
			return fail("expected at least %d characters, got %d", *s.MinLength, utf8.RuneCountInString(str))
		}
		if len(s.Enum) > 0 && !contains(s.Enum, str) {
			return fail("%q is not one of %v", str, s.Enum)
		}
	case TypeInteger:
		n, ok := v.(float64)
		if !ok || n != float64(int64(n)) {
			return fail("expected integer, got %v", v)
		}
	case TypeNumber:
		if _, ok := v.(float64); !ok {
			return fail("expected number, got %T", v)
		}
	case TypeBoolean:
		if _, ok := v.(bool); !ok {
			return fail("expected boolean, got %T", v)
		}
	}
	return nil
}

func contains(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}
