package engine

import (
	"fmt"
	"maps"
)

// Params are the parameter bindings of a main operation or a hook list.
type Params map[string]any

// Clone returns a shallow copy. A nil receiver yields an empty map.
func (p Params) Clone() Params {
	out := make(Params, len(p))
	maps.Copy(out, p)
	return out
}

// Float returns key as a float64, accepting any numeric representation
// produced by YAML, JSON or Go callers.
func (p Params) Float(key string, fallback float64) (float64, error) {
	raw, ok := p[key]
	if !ok || raw == nil {
		return fallback, nil
	}
	switch v := raw.(type) {
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case int32:
		return float64(v), nil
	case uint:
		return float64(v), nil
	case uint64:
		return float64(v), nil
	default:
		return 0, fmt.Errorf("parameter %q: expected number, got %T", key, raw)
	}
}

// Int returns key as an int. Floats with a fractional part are rejected.
func (p Params) Int(key string, fallback int) (int, error) {
	raw, ok := p[key]
	if !ok || raw == nil {
		return fallback, nil
	}
	switch v := raw.(type) {
	case int:
		return v, nil
	case int64:
		return int(v), nil
	case int32:
		return int(v), nil
	case uint:
		return int(v), nil
	case uint64:
		return int(v), nil
	case float64:
		if v != float64(int(v)) {
			return 0, fmt.Errorf("parameter %q: expected integer, got %v", key, v)
		}
		return int(v), nil
	default:
		return 0, fmt.Errorf("parameter %q: expected integer, got %T", key, raw)
	}
}

// String returns key as a string.
func (p Params) String(key, fallback string) (string, error) {
	raw, ok := p[key]
	if !ok || raw == nil {
		return fallback, nil
	}
	s, ok := raw.(string)
	if !ok {
		return "", fmt.Errorf("parameter %q: expected string, got %T", key, raw)
	}
	return s, nil
}

// Bool returns key as a bool.
func (p Params) Bool(key string, fallback bool) (bool, error) {
	raw, ok := p[key]
	if !ok || raw == nil {
		return fallback, nil
	}
	b, ok := raw.(bool)
	if !ok {
		return false, fmt.Errorf("parameter %q: expected bool, got %T", key, raw)
	}
	return b, nil
}
