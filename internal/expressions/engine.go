package expressions

import (
	"context"
	"fmt"
	"reflect"
)

// Engine evaluates expressions against a data environment.
// Three implementations: Expr (loop, break and breakpoint conditions),
// CEL (custom workflow conditions) and GoJQ (state transforms).
// All three also implement ScopeEngine.
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}

// ScopeEngine evaluates expressions directly against a workflow Scope.
type ScopeEngine interface {
	Engine
	EvaluateScope(ctx context.Context, expression string, s *Scope) (any, error)
}

// Truthy reports whether an evaluation result counts as true.
// Booleans are taken as-is, nil is false, numbers are true when non-zero,
// strings and collections when non-empty.
func Truthy(v any) bool {
	switch val := v.(type) {
	case nil:
		return false
	case bool:
		return val
	case string:
		return val != ""
	case int:
		return val != 0
	case int64:
		return val != 0
	case float64:
		return val != 0
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Map, reflect.Slice, reflect.Array:
		return rv.Len() > 0
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int() != 0
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return rv.Uint() != 0
	case reflect.Float32:
		return rv.Float() != 0
	}
	return true
}

// EvaluateBool evaluates expression with engine and requires a boolean result.
func EvaluateBool(ctx context.Context, engine Engine, expression string, data map[string]any) (bool, error) {
	out, err := engine.Evaluate(ctx, expression, data)
	return asBool(engine, expression, out, err)
}

// ScopeBool evaluates expression against s and requires a boolean result.
func ScopeBool(ctx context.Context, engine ScopeEngine, expression string, s *Scope) (bool, error) {
	out, err := engine.EvaluateScope(ctx, expression, s)
	return asBool(engine, expression, out, err)
}

func asBool(engine Engine, expression string, out any, err error) (bool, error) {
	if err != nil {
		return false, err
	}
	b, ok := out.(bool)
	if !ok {
		return false, fmt.Errorf("%s expression %q returned %T, want bool", engine.Name(), expression, out)
	}
	return b, nil
}
