package tools

import (
	"context"
	"encoding/json"
	"reflect"
	"time"

	"github.com/rendis/agentscript/internal/expressions"
	"github.com/rendis/agentscript/pkg/schema"
)

// RegisterBuiltins registers the built-in tools in reg.
func RegisterBuiltins(reg *Registry) error {
	all := []Tool{
		echoTool(),
		sleepTool(),
		failTool(),
		assertEqualsTool(),
		exprEvalTool(expressions.NewExprEngine()),
		jqTool(expressions.NewGoJQEngine()),
		stateSetTool(),
		stateIncrTool(),
		hashTool(),
		hmacTool(),
		uuidTool(),
		HTTPTool(HTTPConfig{}),
	}
	for _, t := range all {
		if err := reg.Register(t); err != nil {
			return err
		}
	}
	return nil
}

// normalizeJSON converts Go numeric types to float64 so values compare equal
// regardless of whether they came from YAML, JSON or Go code.
func normalizeJSON(v any) any {
	switch val := v.(type) {
	case int:
		return float64(val)
	case int64:
		return float64(val)
	case int32:
		return float64(val)
	case float32:
		return float64(val)
	case json.Number:
		if f, err := val.Float64(); err == nil {
			return f
		}
		return v
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = normalizeJSON(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = normalizeJSON(item)
		}
		return out
	default:
		return v
	}
}

// ValuesEqual reports deep equality after numeric normalization.
func ValuesEqual(a, b any) bool {
	return reflect.DeepEqual(normalizeJSON(a), normalizeJSON(b))
}

func requireParam(tool, name string) func(Input) error {
	return func(in Input) error {
		if _, ok := in.Parameters[name]; !ok {
			return schema.NewErrorf(schema.ErrCodeValidation, "%s requires '%s' parameter", tool, name)
		}
		return nil
	}
}

// --- echo ---

func echoTool() Tool {
	return &FuncTool{
		Spec: ToolSchema{
			Name:        "echo",
			Description: "Return the input parameters (or text) unchanged",
			Returns:     "object",
		},
		Cat: "core",
		Run: func(_ context.Context, in Input, _ ExecutionContext) (*Output, error) {
			if in.Text != "" && len(in.Parameters) == 0 {
				return &Output{Text: in.Text}, nil
			}
			if msg, ok := in.Parameters["message"]; ok && len(in.Parameters) == 1 {
				return &Output{Result: msg}, nil
			}
			return &Output{Result: in.Parameters}, nil
		},
	}
}

// --- sleep ---

func sleepTool() Tool {
	return &FuncTool{
		Spec: ToolSchema{
			Name:        "sleep",
			Description: "Wait for duration_ms milliseconds, honoring cancellation",
			Parameters: []ParameterDef{
				{Name: "duration_ms", Type: "integer", Required: true, Description: "milliseconds to wait"},
			},
			Returns: "object",
		},
		Cat: "core",
		Run: func(ctx context.Context, in Input, _ ExecutionContext) (*Output, error) {
			ms, _ := toFloat(in.Parameters["duration_ms"])
			d := time.Duration(ms) * time.Millisecond
			timer := time.NewTimer(d)
			defer timer.Stop()
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-timer.C:
				return &Output{Result: map[string]any{"slept_ms": d.Milliseconds()}}, nil
			}
		},
	}
}

// --- fail ---

func failTool() Tool {
	return &FuncTool{
		Spec: ToolSchema{
			Name:        "fail",
			Description: "Always fail with the given message",
			Parameters:  []ParameterDef{{Name: "message", Type: "string"}},
		},
		Cat: "core",
		Run: func(_ context.Context, in Input, _ ExecutionContext) (*Output, error) {
			msg, _ := in.Parameters["message"].(string)
			if msg == "" {
				msg = "fail tool invoked"
			}
			return nil, schema.NewError(schema.ErrCodeExecution, msg)
		},
	}
}

// --- assert.equals ---

func assertEqualsTool() Tool {
	return &FuncTool{
		Spec: ToolSchema{
			Name:        "assert.equals",
			Description: "Assert that two values are deeply equal",
			Parameters: []ParameterDef{
				{Name: "expected", Required: true},
				{Name: "actual", Required: true},
				{Name: "message", Type: "string"},
			},
			Returns: "object",
		},
		Cat: "assert",
		Validate: func(in Input) error {
			if err := requireParam("assert.equals", "expected")(in); err != nil {
				return err
			}
			return requireParam("assert.equals", "actual")(in)
		},
		Run: func(_ context.Context, in Input, _ ExecutionContext) (*Output, error) {
			if ValuesEqual(in.Parameters["expected"], in.Parameters["actual"]) {
				return &Output{Result: map[string]any{"pass": true}}, nil
			}
			msg := "assertion failed: values are not equal"
			if m, ok := in.Parameters["message"].(string); ok && m != "" {
				msg = m
			}
			return nil, schema.NewError(schema.ErrCodeExecution, msg).
				WithDetails(map[string]any{"expected": in.Parameters["expected"], "actual": in.Parameters["actual"]})
		},
	}
}

// --- expr.eval ---

func exprEvalTool(engine *expressions.ExprEngine) Tool {
	return &FuncTool{
		Spec: ToolSchema{
			Name:        "expr.eval",
			Description: "Evaluate an Expr expression against shared data or explicit data",
			Parameters: []ParameterDef{
				{Name: "expression", Type: "string", Required: true},
				{Name: "data", Type: "object"},
			},
			Returns: "any",
		},
		Cat: "expression",
		Validate: func(in Input) error {
			expr, ok := in.Parameters["expression"].(string)
			if !ok || expr == "" {
				return schema.NewError(schema.ErrCodeValidation, "expr.eval requires non-empty 'expression' string parameter")
			}
			return engine.Compile(expr)
		},
		Run: func(ctx context.Context, in Input, ec ExecutionContext) (*Output, error) {
			expression, _ := in.Parameters["expression"].(string)
			env := map[string]any{"shared": ec.Shared}
			if data, ok := in.Parameters["data"].(map[string]any); ok {
				for k, v := range data {
					env[k] = v
				}
			}
			out, err := engine.Evaluate(ctx, expression, env)
			if err != nil {
				return nil, err
			}
			return &Output{Result: out}, nil
		},
	}
}

// --- jq ---

func jqTool(engine *expressions.GoJQEngine) Tool {
	return &FuncTool{
		Spec: ToolSchema{
			Name:        "jq",
			Description: "Run a jq filter over the given input value",
			Parameters: []ParameterDef{
				{Name: "filter", Type: "string", Required: true},
				{Name: "input"},
			},
			Returns: "any",
		},
		Cat:      "expression",
		Validate: requireParam("jq", "filter"),
		Run: func(ctx context.Context, in Input, ec ExecutionContext) (*Output, error) {
			filter, _ := in.Parameters["filter"].(string)
			input, ok := in.Parameters["input"]
			if !ok {
				out, err := engine.EvaluateScope(ctx, filter, &expressions.Scope{Shared: ec.Shared})
				if err != nil {
					return nil, err
				}
				return &Output{Result: out}, nil
			}
			out, err := engine.EvaluateValue(ctx, filter, input)
			if err != nil {
				return nil, err
			}
			return &Output{Result: out}, nil
		},
	}
}

// --- state.set / state.incr ---

func requireState(tool string, ec ExecutionContext) error {
	if ec.State == nil {
		return schema.NewErrorf(schema.ErrCodeExecution, "%s needs a running workflow", tool)
	}
	return nil
}

func stateSetTool() Tool {
	return &FuncTool{
		Spec: ToolSchema{
			Name:        "state.set",
			Description: "Write a value into the workflow's shared data",
			Parameters: []ParameterDef{
				{Name: "key", Type: "string", Required: true},
				{Name: "value"},
			},
			Returns: "any",
		},
		Cat:      "state",
		Validate: requireParam("state.set", "key"),
		Run: func(ctx context.Context, in Input, ec ExecutionContext) (*Output, error) {
			if err := requireState("state.set", ec); err != nil {
				return nil, err
			}
			key, _ := in.Parameters["key"].(string)
			ec.State.SetSharedData(ctx, key, in.Parameters["value"])
			return &Output{Result: in.Parameters["value"]}, nil
		},
	}
}

func stateIncrTool() Tool {
	return &FuncTool{
		Spec: ToolSchema{
			Name:        "state.incr",
			Description: "Add 'by' (default 1) to a numeric shared value, treating a missing key as 0",
			Parameters: []ParameterDef{
				{Name: "key", Type: "string", Required: true},
				{Name: "by", Type: "number"},
			},
			Returns: "number",
		},
		Cat:      "state",
		Validate: requireParam("state.incr", "key"),
		Run: func(ctx context.Context, in Input, ec ExecutionContext) (*Output, error) {
			if err := requireState("state.incr", ec); err != nil {
				return nil, err
			}
			key, _ := in.Parameters["key"].(string)
			by := 1.0
			if raw, ok := in.Parameters["by"]; ok {
				f, ok := toFloat(raw)
				if !ok {
					return nil, schema.NewErrorf(schema.ErrCodeValidation, "state.incr 'by' must be a number, got %T", raw)
				}
				by = f
			}
			cur := 0.0
			if v, ok := ec.State.GetSharedData(key); ok && v != nil {
				f, ok := toFloat(v)
				if !ok {
					return nil, schema.NewErrorf(schema.ErrCodeExecution, "shared value %q is not a number", key)
				}
				cur = f
			}
			next := cur + by
			ec.State.SetSharedData(ctx, key, next)
			return &Output{Result: next}, nil
		},
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}
