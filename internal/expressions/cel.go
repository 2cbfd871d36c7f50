package expressions

import (
	"context"
	"fmt"

	"github.com/google/cel-go/cel"
)

// CELEngine runs custom workflow conditions. Every program sees the four
// scope namespaces shared, steps, workflow and iter as map(string, dyn);
// a namespace the scope lacks is an empty map.
type CELEngine struct {
	env      *cel.Env
	programs *programs[cel.Program]
}

// NewCELEngine declares the scope namespaces in a fresh CEL environment.
func NewCELEngine() (*CELEngine, error) {
	ns := cel.MapType(cel.StringType, cel.DynType)
	env, err := cel.NewEnv(
		cel.Variable(nsShared, ns),
		cel.Variable(nsSteps, ns),
		cel.Variable(nsWorkflow, ns),
		cel.Variable(nsIter, ns),
	)
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}
	e := &CELEngine{env: env}
	e.programs = newPrograms(e.compile)
	return e, nil
}

func (e *CELEngine) Name() string { return "cel" }

// EvaluateScope runs expression against the scope namespaces.
func (e *CELEngine) EvaluateScope(ctx context.Context, expression string, s *Scope) (any, error) {
	return e.run(ctx, expression, s.Namespaces())
}

// Evaluate runs expression against a Scope.Map shaped environment. Keys
// other than the four namespaces are ignored.
func (e *CELEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	return e.run(ctx, expression, namespacesOf(data))
}

func (e *CELEngine) run(ctx context.Context, expression string, vars map[string]any) (any, error) {
	if expression == "" {
		return nil, emptyExpression(e.Name())
	}
	prg, err := e.programs.get(expression)
	if err != nil {
		return nil, err
	}
	out, _, err := prg.ContextEval(ctx, vars)
	if err != nil {
		return nil, evalError(e.Name(), expression, err)
	}
	return out.Value(), nil
}

func (e *CELEngine) compile(expression string) (cel.Program, error) {
	ast, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, compileError(e.Name(), expression, issues.Err())
	}
	prg, err := e.env.Program(ast, cel.InterruptCheckFrequency(100))
	if err != nil {
		return nil, compileError(e.Name(), expression, err)
	}
	return prg, nil
}

var (
	_ Engine      = (*CELEngine)(nil)
	_ ScopeEngine = (*CELEngine)(nil)
)
