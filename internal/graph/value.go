package graph

import (
	"fmt"
	"slices"
)

// ValueKind discriminates the parameter value union.
type ValueKind string

const (
	KindNumber  ValueKind = "number"
	KindString  ValueKind = "string"
	KindBoolean ValueKind = "boolean"
	KindArray   ValueKind = "array"
	KindObject  ValueKind = "object"
	KindSelect  ValueKind = "select"
)

// Value is a parameter value. A zero Value (empty Kind) is unset.
//
// Data holds float64 for numbers, string for strings and selects, bool for
// booleans, []any for arrays and map[string]any for objects. Options lists
// the allowed choices of a select.
type Value struct {
	Kind    ValueKind `json:"kind,omitempty" yaml:"kind,omitempty"`
	Data    any       `json:"data,omitempty" yaml:"data,omitempty"`
	Options []string  `json:"options,omitempty" yaml:"options,omitempty"`
}

func Number(v float64) Value { return Value{Kind: KindNumber, Data: v} }

func String(v string) Value { return Value{Kind: KindString, Data: v} }

func Bool(v bool) Value { return Value{Kind: KindBoolean, Data: v} }

func Array(items ...any) Value {
	if items == nil {
		items = []any{}
	}
	return Value{Kind: KindArray, Data: items}
}

func Object(fields map[string]any) Value {
	if fields == nil {
		fields = map[string]any{}
	}
	return Value{Kind: KindObject, Data: fields}
}

// Select builds a choice among options.
func Select(choice string, options ...string) Value {
	return Value{Kind: KindSelect, Data: choice, Options: options}
}

// IsSet reports whether the value carries a payload.
func (v Value) IsSet() bool {
	return v.Kind != ""
}

// Interface returns the payload, nil when unset.
func (v Value) Interface() any {
	if !v.IsSet() {
		return nil
	}
	return v.Data
}

// Float returns the numeric payload.
func (v Value) Float() (float64, bool) {
	f, ok := v.Data.(float64)
	return f, ok && v.Kind == KindNumber
}

// Text returns the payload of a string or select value.
func (v Value) Text() (string, bool) {
	s, ok := v.Data.(string)
	return s, ok && (v.Kind == KindString || v.Kind == KindSelect)
}

// Validate checks the payload against the kind and returns the value with
// numbers normalized to float64. Unset values are valid.
func (v Value) Validate() (Value, error) {
	if !v.IsSet() {
		return Value{}, nil
	}

	data := normalizeData(v.Data)
	switch v.Kind {
	case KindNumber:
		if _, ok := data.(float64); !ok {
			return v, fmt.Errorf("%w: number expected, got %T", ErrInvalidValue, v.Data)
		}
	case KindString:
		if _, ok := data.(string); !ok {
			return v, fmt.Errorf("%w: string expected, got %T", ErrInvalidValue, v.Data)
		}
	case KindBoolean:
		if _, ok := data.(bool); !ok {
			return v, fmt.Errorf("%w: boolean expected, got %T", ErrInvalidValue, v.Data)
		}
	case KindArray:
		if data == nil {
			data = []any{}
		}
		if _, ok := data.([]any); !ok {
			return v, fmt.Errorf("%w: array expected, got %T", ErrInvalidValue, v.Data)
		}
	case KindObject:
		if data == nil {
			data = map[string]any{}
		}
		if _, ok := data.(map[string]any); !ok {
			return v, fmt.Errorf("%w: object expected, got %T", ErrInvalidValue, v.Data)
		}
	case KindSelect:
		choice, ok := data.(string)
		if !ok {
			return v, fmt.Errorf("%w: select expects a string choice, got %T", ErrInvalidValue, v.Data)
		}
		if len(v.Options) > 0 && !slices.Contains(v.Options, choice) {
			return v, fmt.Errorf("%w: %q is not one of %v", ErrInvalidValue, choice, v.Options)
		}
	default:
		return v, fmt.Errorf("%w: unknown kind %q", ErrInvalidValue, v.Kind)
	}

	out := Value{Kind: v.Kind, Data: data}
	if len(v.Options) > 0 {
		out.Options = append([]string(nil), v.Options...)
	}
	return out, nil
}

// normalizeData converts decoder-specific numeric and map types (YAML yields
// int and map[string]interface{} trees) into the canonical JSON shapes.
func normalizeData(v any) any {
	switch d := v.(type) {
	case int:
		return float64(d)
	case int8:
		return float64(d)
	case int16:
		return float64(d)
	case int32:
		return float64(d)
	case int64:
		return float64(d)
	case uint:
		return float64(d)
	case uint8:
		return float64(d)
	case uint16:
		return float64(d)
	case uint32:
		return float64(d)
	case uint64:
		return float64(d)
	case float32:
		return float64(d)
	case []any:
		out := make([]any, len(d))
		for i, item := range d {
			out[i] = normalizeData(item)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(d))
		for k, item := range d {
			out[k] = normalizeData(item)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(d))
		for k, item := range d {
			out[fmt.Sprint(k)] = normalizeData(item)
		}
		return out
	default:
		return v
	}
}
