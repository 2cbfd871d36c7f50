package expressions

import (
	"context"

	"github.com/itchyny/gojq"
)

// jqVariables are bound in every jq program. Outside EvaluateScope they
// hold empty objects.
var jqVariables = []string{"$" + nsSteps, "$" + nsWorkflow, "$" + nsIter}

// GoJQEngine runs jq programs: state transforms during migrations and the
// jq tool. $ENV is empty.
type GoJQEngine struct {
	programs *programs[*gojq.Code]
}

func NewGoJQEngine() *GoJQEngine {
	e := &GoJQEngine{}
	e.programs = newPrograms(e.compile)
	return e
}

func (e *GoJQEngine) Name() string { return "jq" }

// Evaluate runs expression with data as the input object.
func (e *GoJQEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	return e.EvaluateValue(ctx, expression, data)
}

// EvaluateValue runs expression over any JSON-shaped input. One output is
// returned as is, several as a []any, none as nil.
func (e *GoJQEngine) EvaluateValue(ctx context.Context, expression string, input any) (any, error) {
	results, err := e.run(ctx, expression, input, nil)
	if err != nil {
		return nil, err
	}
	return collapse(results), nil
}

// EvaluateScope runs expression with the shared data as input and the
// other namespaces as $steps, $workflow and $iter.
func (e *GoJQEngine) EvaluateScope(ctx context.Context, expression string, s *Scope) (any, error) {
	ns := s.Namespaces()
	results, err := e.run(ctx, expression, ns[nsShared], ns)
	if err != nil {
		return nil, err
	}
	return collapse(results), nil
}

// EvaluateAll returns every output of expression, even when there is one
// or none.
func (e *GoJQEngine) EvaluateAll(ctx context.Context, expression string, data map[string]any) ([]any, error) {
	return e.run(ctx, expression, data, nil)
}

func (e *GoJQEngine) run(ctx context.Context, expression string, input any, ns map[string]any) ([]any, error) {
	if expression == "" {
		return nil, emptyExpression(e.Name())
	}
	code, err := e.programs.get(expression)
	if err != nil {
		return nil, err
	}

	values := make([]any, len(jqVariables))
	for i, name := range jqVariables {
		v, ok := ns[name[1:]]
		if !ok {
			v = map[string]any{}
		}
		values[i] = jqValue(v)
	}

	var results []any
	iter := code.RunWithContext(ctx, jqValue(input), values...)
	for {
		v, ok := iter.Next()
		if !ok {
			return results, nil
		}
		if err, isErr := v.(error); isErr {
			return nil, evalError(e.Name(), expression, err)
		}
		results = append(results, v)
	}
}

func (e *GoJQEngine) compile(expression string) (*gojq.Code, error) {
	query, err := gojq.Parse(expression)
	if err != nil {
		return nil, compileError(e.Name(), expression, err)
	}
	code, err := gojq.Compile(query,
		gojq.WithVariables(jqVariables),
		gojq.WithEnvironLoader(func() []string { return nil }),
	)
	if err != nil {
		return nil, compileError(e.Name(), expression, err)
	}
	return code, nil
}

func collapse(results []any) any {
	switch len(results) {
	case 0:
		return nil
	case 1:
		return results[0]
	}
	return results
}

// jqValue converts scope values to the types gojq accepts: float64 numbers,
// []any and map[string]any.
func jqValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = jqValue(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = jqValue(item)
		}
		return out
	case []string:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = item
		}
		return out
	case int:
		return float64(val)
	case int32:
		return float64(val)
	case int64:
		return float64(val)
	case float32:
		return float64(val)
	}
	return v
}

var (
	_ Engine      = (*GoJQEngine)(nil)
	_ ScopeEngine = (*GoJQEngine)(nil)
)
