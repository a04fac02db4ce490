package executor

import (
	"fmt"
	"time"
)

func number(params map[string]any, name string, required bool) (float64, bool, error) {
	raw, ok := params[name]
	if !ok || raw == nil {
		if required {
			return 0, false, fmt.Errorf("%w: %s is required", ErrInvalidParameter, name)
		}
		return 0, false, nil
	}
	switch v := raw.(type) {
	case float64:
		return v, true, nil
	case float32:
		return float64(v), true, nil
	case int:
		return float64(v), true, nil
	case int64:
		return float64(v), true, nil
	}
	return 0, false, fmt.Errorf("%w: %s must be a number, got %T", ErrInvalidParameter, name, raw)
}

func text(params map[string]any, name string, required bool) (string, error) {
	raw, ok := params[name]
	if !ok || raw == nil || raw == "" {
		if required {
			return "", fmt.Errorf("%w: %s is required", ErrInvalidParameter, name)
		}
		return "", nil
	}
	s, ok := raw.(string)
	if !ok {
		return "", fmt.Errorf("%w: %s must be a string, got %T", ErrInvalidParameter, name, raw)
	}
	return s, nil
}

// seconds reads an optional duration given in seconds.
func seconds(params map[string]any, name string) (time.Duration, error) {
	v, ok, err := number(params, name, false)
	if err != nil || !ok {
		return 0, err
	}
	if v < 0 {
		return 0, fmt.Errorf("%w: %s must not be negative", ErrInvalidParameter, name)
	}
	return time.Duration(v * float64(time.Second)), nil
}

func numbers(params map[string]any, name string) ([]float64, error) {
	raw, ok := params[name]
	if !ok || raw == nil {
		return nil, fmt.Errorf("%w: %s is required", ErrInvalidParameter, name)
	}
	switch v := raw.(type) {
	case []float64:
		return v, nil
	case []any:
		out := make([]float64, 0, len(v))
		for i, item := range v {
			f, ok := item.(float64)
			if !ok {
				if n, isInt := item.(int); isInt {
					f, ok = float64(n), true
				}
			}
			if !ok {
				return nil, fmt.Errorf("%w: %s[%d] must be a number, got %T", ErrInvalidParameter, name, i, item)
			}
			out = append(out, f)
		}
		return out, nil
	}
	return nil, fmt.Errorf("%w: %s must be an array of numbers, got %T", ErrInvalidParameter, name, raw)
}
