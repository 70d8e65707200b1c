package jsonmap

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"gorm.io/datatypes"
)

// Merge layers maps left to right; later layers win. Nil values in a later
// layer do not erase earlier ones.
func Merge(layers ...map[string]any) datatypes.JSONMap {
	out := datatypes.JSONMap{}
	for _, layer := range layers {
		for key, value := range layer {
			if value == nil {
				continue
			}
			out[key] = value
		}
	}
	return out
}

// Int reads an integral value. ok is false when key is absent.
func Int(values map[string]any, key string) (int, bool, error) {
	v, ok, err := Int64(values, key)
	if err != nil || !ok {
		return 0, ok, err
	}
	if v > math.MaxInt32 || v < math.MinInt32 {
		return 0, true, fmt.Errorf("%s: %d out of range", key, v)
	}
	return int(v), true, nil
}

// Int64 reads an integral value, accepting the numeric shapes produced by
// JSON and YAML decoders as well as numeric strings.
func Int64(values map[string]any, key string) (int64, bool, error) {
	raw, ok := values[key]
	if !ok || raw == nil {
		return 0, false, nil
	}

	switch v := raw.(type) {
	case int:
		return int64(v), true, nil
	case int32:
		return int64(v), true, nil
	case int64:
		return v, true, nil
	case uint64:
		if v > math.MaxInt64 {
			return 0, true, fmt.Errorf("%s: %d out of range", key, v)
		}
		return int64(v), true, nil
	case float64:
		if v != math.Trunc(v) {
			return 0, true, fmt.Errorf("%s: %v is not an integer", key, v)
		}
		return int64(v), true, nil
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return 0, true, fmt.Errorf("%s: %w", key, err)
		}
		return n, true, nil
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return 0, true, fmt.Errorf("%s: %q is not an integer", key, v)
		}
		return n, true, nil
	default:
		return 0, true, fmt.Errorf("%s: unsupported type %T", key, raw)
	}
}

// String reads a string value; non-string scalars are formatted.
func String(values map[string]any, key string) (string, bool) {
	raw, ok := values[key]
	if !ok || raw == nil {
		return "", false
	}
	if s, ok := raw.(string); ok {
		return s, true
	}
	return fmt.Sprint(raw), true
}

// Without returns a copy of values minus keys.
func Without(values map[string]any, keys ...string) map[string]any {
	out := make(map[string]any, len(values))
	for k, v := range values {
		out[k] = v
	}
	for _, k := range keys {
		delete(out, k)
	}
	return out
}
