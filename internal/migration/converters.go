package migration

import (
	"fmt"
	"strconv"
	"strings"
)

// ConvertFunc converts one value.
type ConvertFunc func(v any) (any, error)

// SplitFunc spreads a value over n fields.
type SplitFunc func(v any, n int) ([]any, error)

// MergeFunc combines the present source values, in declared order.
type MergeFunc func(values []any) (any, error)

type converterKey struct{ from, to, name string }

func builtinConverters() map[converterKey]ConvertFunc {
	return map[converterKey]ConvertFunc{
		{"string", "number", "parse_int"}: func(v any) (any, error) {
			s, ok := v.(string)
			if !ok {
				return nil, fmt.Errorf("parse_int wants a string, got %s", typeName(v))
			}
			n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
			if err != nil {
				return nil, fmt.Errorf("parse_int: %w", err)
			}
			return n, nil
		},
		{"string", "number", "parse_float"}: func(v any) (any, error) {
			s, ok := v.(string)
			if !ok {
				return nil, fmt.Errorf("parse_float wants a string, got %s", typeName(v))
			}
			f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
			if err != nil {
				return nil, fmt.Errorf("parse_float: %w", err)
			}
			return f, nil
		},
		{"number", "string", "to_string"}: func(v any) (any, error) {
			switch n := v.(type) {
			case int:
				return strconv.Itoa(n), nil
			case int64:
				return strconv.FormatInt(n, 10), nil
			case float64:
				return strconv.FormatFloat(n, 'f', -1, 64), nil
			}
			return nil, fmt.Errorf("to_string wants a number, got %s", typeName(v))
		},
		{"boolean", "string", "to_string"}: func(v any) (any, error) {
			b, ok := v.(bool)
			if !ok {
				return nil, fmt.Errorf("to_string wants a boolean, got %s", typeName(v))
			}
			return strconv.FormatBool(b), nil
		},
	}
}

func builtinSplitters() map[string]SplitFunc {
	return map[string]SplitFunc{
		"comma_split": func(v any, n int) ([]any, error) {
			s, ok := v.(string)
			if !ok {
				return nil, fmt.Errorf("comma_split wants a string, got %s", typeName(v))
			}
			parts := strings.Split(s, ",")
			out := make([]any, n)
			for i := range out {
				if i < len(parts) {
					out[i] = strings.TrimSpace(parts[i])
				}
			}
			return out, nil
		},
	}
}

func builtinMergers() map[string]MergeFunc {
	return map[string]MergeFunc{
		"concat_strings": func(values []any) (any, error) {
			var parts []string
			for _, v := range values {
				if s, ok := v.(string); ok {
					parts = append(parts, s)
				}
			}
			return strings.Join(parts, " "), nil
		},
		"sum_numbers": func(values []any) (any, error) {
			var sum float64
			for _, v := range values {
				if f, ok := toFloat(v); ok {
					sum += f
				}
			}
			return sum, nil
		},
		"first_non_null": func(values []any) (any, error) {
			for _, v := range values {
				if v != nil {
					return v, nil
				}
			}
			return nil, nil
		},
	}
}

func typeName(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case string:
		return "string"
	case bool:
		return "boolean"
	case int, int32, int64, float32, float64, uint, uint32, uint64:
		return "number"
	case []any:
		return "array"
	case map[string]any:
		return "object"
	}
	return fmt.Sprintf("%T", v)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}
