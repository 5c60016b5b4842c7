package tools

import (
	"fmt"
	"math"
	"slices"
	"strings"
)

// Type names a JSON Schema primitive.
type Type string

const (
	TypeString  Type = "string"
	TypeInteger Type = "integer"
	TypeNumber  Type = "number"
	TypeBoolean Type = "boolean"
)

// Property describes one named argument.
type Property struct {
	Type        Type
	Description string
	Enum        []string
	Min         *float64
	Max         *float64
}

// Schema is an object schema over primitive properties.
type Schema struct {
	Properties map[string]Property
	Required   []string
}

// check validates the schema itself at registration time.
func (s Schema) check() error {
	for name, p := range s.Properties {
		if strings.TrimSpace(name) == "" {
			return fmt.Errorf("property name must be non-empty")
		}
		switch p.Type {
		case TypeString, TypeInteger, TypeNumber, TypeBoolean:
		default:
			return fmt.Errorf("property %q has unsupported type %q", name, p.Type)
		}
		if len(p.Enum) > 0 && p.Type != TypeString {
			return fmt.Errorf("property %q: enum requires string type", name)
		}
	}
	for _, name := range s.Required {
		if _, ok := s.Properties[name]; !ok {
			return fmt.Errorf("required property %q is not declared", name)
		}
	}
	return nil
}

// JSONSchema renders the provider-facing JSON Schema.
func (s Schema) JSONSchema() map[string]any {
	props := make(map[string]any, len(s.Properties))
	for name, p := range s.Properties {
		prop := map[string]any{"type": string(p.Type)}
		if p.Description != "" {
			prop["description"] = p.Description
		}
		if len(p.Enum) > 0 {
			prop["enum"] = p.Enum
		}
		if p.Min != nil {
			prop["minimum"] = *p.Min
		}
		if p.Max != nil {
			prop["maximum"] = *p.Max
		}
		props[name] = prop
	}
	required := s.Required
	if required == nil {
		required = []string{}
	}
	return map[string]any{
		"type":       "object",
		"properties": props,
		"required":   required,
	}
}

// Validate checks decoded arguments against the schema. Integers decoded as
// float64 are normalized to int64 in place. Unknown arguments are dropped.
func (s Schema) Validate(tool string, args map[string]any) error {
	for _, name := range s.Required {
		v, ok := args[name]
		if !ok || v == nil {
			return &ValidationError{Tool: tool, Field: name, Reason: "is required"}
		}
		if str, isStr := v.(string); isStr && strings.TrimSpace(str) == "" {
			return &ValidationError{Tool: tool, Field: name, Reason: "is required"}
		}
	}
	for name, v := range args {
		p, ok := s.Properties[name]
		if !ok {
			delete(args, name)
			continue
		}
		if v == nil {
			delete(args, name)
			continue
		}
		normalized, err := p.coerce(v)
		if err != nil {
			return &ValidationError{Tool: tool, Field: name, Reason: err.Error()}
		}
		args[name] = normalized
	}
	return nil
}

func (p Property) coerce(v any) (any, error) {
	switch p.Type {
	case TypeString:
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("must be a string")
		}
		if len(p.Enum) > 0 && !slices.Contains(p.Enum, s) {
			return nil, fmt.Errorf("must be one of %s", strings.Join(p.Enum, ", "))
		}
		return s, nil
	case TypeBoolean:
		b, ok := v.(bool)
		if !ok {
			return nil, fmt.Errorf("must be a boolean")
		}
		return b, nil
	case TypeInteger, TypeNumber:
		f, ok := v.(float64)
		if !ok {
			switch n := v.(type) {
			case int:
				f = float64(n)
			case int64:
				f = float64(n)
			default:
				return nil, fmt.Errorf("must be a number")
			}
		}
		if p.Type == TypeInteger && f != math.Trunc(f) {
			return nil, fmt.Errorf("must be an integer")
		}
		if p.Min != nil && f < *p.Min {
			return nil, fmt.Errorf("must be >= %v", *p.Min)
		}
		if p.Max != nil && f > *p.Max {
			return nil, fmt.Errorf("must be <= %v", *p.Max)
		}
		if p.Type == TypeInteger {
			return int64(f), nil
		}
		return f, nil
	}
	return nil, fmt.Errorf("unsupported type")
}

// Bound is a helper for Property.Min and Property.Max.
func Bound(v float64) *float64 { return &v }
