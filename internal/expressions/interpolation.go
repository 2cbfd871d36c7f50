package expressions

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rendis/agentscript/internal/dotpath"
	"github.com/rendis/agentscript/pkg/schema"
)

// Interpolate resolves ${{...}} references inside step parameters.
// References name a scope namespace followed by a dot path:
//
//	${{shared.user.id}}  ${{steps.fetch.output.url}}  ${{workflow.name}}
//	${{loop.value}}      ${{loop.index}}
//
// A string that is exactly one reference is replaced by the referenced value
// with its type intact; references embedded in longer strings are stringified.
// The input tree is never mutated.
func Interpolate(params any, scope *Scope) (any, error) {
	switch v := params.(type) {
	case string:
		return interpolateString(v, scope)
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, item := range v {
			r, err := Interpolate(item, scope)
			if err != nil {
				return nil, err
			}
			out[k] = r
		}
		return out, nil
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			r, err := Interpolate(item, scope)
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil
	default:
		return params, nil
	}
}

// HasInterpolation reports whether any string in the tree contains a reference.
func HasInterpolation(params any) bool {
	switch v := params.(type) {
	case string:
		return strings.Contains(v, "${{")
	case map[string]any:
		for _, item := range v {
			if HasInterpolation(item) {
				return true
			}
		}
	case []any:
		for _, item := range v {
			if HasInterpolation(item) {
				return true
			}
		}
	}
	return false
}

func interpolateString(input string, scope *Scope) (any, error) {
	if !strings.Contains(input, "${{") {
		return input, nil
	}

	trimmed := strings.TrimSpace(input)
	if strings.HasPrefix(trimmed, "${{") && strings.HasSuffix(trimmed, "}}") &&
		strings.Count(trimmed, "${{") == 1 {
		return resolveRef(strings.TrimSpace(trimmed[3:len(trimmed)-2]), scope)
	}

	var result strings.Builder
	result.Grow(len(input))

	i := 0
	for i < len(input) {
		idx := strings.Index(input[i:], "${{")
		if idx == -1 {
			result.WriteString(input[i:])
			break
		}
		result.WriteString(input[i : i+idx])
		start := i + idx + 3

		end := strings.Index(input[start:], "}}")
		if end == -1 {
			return nil, schema.NewError(schema.ErrCodeValidation, "unclosed ${{ expression")
		}
		end += start

		ref := strings.TrimSpace(input[start:end])
		if strings.Contains(ref, "${{") {
			return nil, schema.NewError(schema.ErrCodeValidation,
				"nested interpolation not allowed: ${{...}} cannot contain ${{")
		}

		val, err := resolveRef(ref, scope)
		if err != nil {
			return nil, err
		}
		result.WriteString(inline(val))
		i = end + 2
	}

	return result.String(), nil
}

func resolveRef(ref string, scope *Scope) (any, error) {
	if ref == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty variable reference: ${{  }}")
	}
	if scope == nil {
		scope = &Scope{}
	}

	namespace, path, _ := strings.Cut(ref, ".")
	var root any
	switch namespace {
	case "shared":
		root = scope.Shared
	case "steps":
		root = scope.Steps
	case "workflow":
		root = scope.Workflow
	case "loop":
		if scope.Loop == nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"${{%s}} used outside a loop body", ref)
		}
		root = map[string]any{"value": scope.Loop.Value, "index": scope.Loop.Index}
	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"unknown namespace %q in ${{%s}}; use shared, steps, workflow or loop", namespace, ref)
	}

	if path == "" {
		return root, nil
	}
	val, ok := dotpath.Get(root, path)
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "cannot resolve ${{%s}}", ref).
			WithDetails(map[string]any{"expression": ref})
	}
	return val, nil
}

// inline renders a resolved value inside a larger string.
func inline(val any) string {
	switch v := val.(type) {
	case string:
		return v
	case nil:
		return "null"
	case bool, int, int64, float64:
		return fmt.Sprintf("%v", v)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}
