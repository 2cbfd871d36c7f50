// Package dotpath reads and writes dot-separated paths ("profile.age") in
// dynamic value trees decoded from JSON or YAML.
package dotpath

import "strings"

// Get returns the value at path. Missing intermediates yield (nil, false).
func Get(root any, path string) (any, bool) {
	cur := root
	for _, part := range strings.Split(path, ".") {
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = obj[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// Set writes v at path, creating missing intermediate objects.
// It returns false if an existing intermediate is not an object.
func Set(root map[string]any, path string, v any) bool {
	if root == nil {
		return false
	}
	parts := strings.Split(path, ".")
	cur := root
	for _, part := range parts[:len(parts)-1] {
		next, exists := cur[part]
		if !exists {
			child := map[string]any{}
			cur[part] = child
			cur = child
			continue
		}
		child, ok := next.(map[string]any)
		if !ok {
			return false
		}
		cur = child
	}
	cur[parts[len(parts)-1]] = v
	return true
}

// Delete removes the value at path and reports whether anything was removed.
func Delete(root map[string]any, path string) bool {
	parts := strings.Split(path, ".")
	cur := root
	for _, part := range parts[:len(parts)-1] {
		child, ok := cur[part].(map[string]any)
		if !ok {
			return false
		}
		cur = child
	}
	last := parts[len(parts)-1]
	if _, ok := cur[last]; !ok {
		return false
	}
	delete(cur, last)
	return true
}

// Clone deep-copies maps and slices; scalars are shared.
func Clone(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = Clone(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = Clone(item)
		}
		return out
	default:
		return v
	}
}

// CloneMap deep-copies an object; a nil map clones to an empty one.
func CloneMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return Clone(m).(map[string]any)
}

// Normalize converts YAML-decoded trees (map[any]any, int) into the
// JSON-shaped form used everywhere else (map[string]any, float64 kept as-is).
func Normalize(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = Normalize(item)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			if ks, ok := k.(string); ok {
				out[ks] = Normalize(item)
			}
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = Normalize(item)
		}
		return out
	default:
		return v
	}
}
