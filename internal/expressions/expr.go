package expressions

import (
	"context"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// ExprEngine runs loop, break and breakpoint conditions. Programs compile
// without a typed environment so one condition can run against loop
// variables whose types change between iterations; undefined names are nil.
type ExprEngine struct {
	programs *programs[*vm.Program]
}

func NewExprEngine() *ExprEngine {
	e := &ExprEngine{}
	e.programs = newPrograms(e.compile)
	return e
}

func (e *ExprEngine) Name() string { return "expr" }

// Evaluate runs expression with every key of data as a top-level variable.
func (e *ExprEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	if expression == "" {
		return nil, emptyExpression(e.Name())
	}
	prg, err := e.programs.get(expression)
	if err != nil {
		return nil, err
	}
	if data == nil {
		data = map[string]any{}
	}
	out, err := vm.Run(prg, data)
	if err != nil {
		return nil, evalError(e.Name(), expression, err)
	}
	return out, nil
}

// EvaluateScope runs expression with shared, steps and workflow as
// variables, plus iter inside a loop body.
func (e *ExprEngine) EvaluateScope(ctx context.Context, expression string, s *Scope) (any, error) {
	return e.Evaluate(ctx, expression, s.Map())
}

// Compile rejects a bad condition before it is ever run.
func (e *ExprEngine) Compile(expression string) error {
	if expression == "" {
		return emptyExpression(e.Name())
	}
	_, err := e.programs.get(expression)
	return err
}

func (e *ExprEngine) compile(expression string) (*vm.Program, error) {
	prg, err := expr.Compile(expression, expr.AllowUndefinedVariables())
	if err != nil {
		return nil, compileError(e.Name(), expression, err)
	}
	return prg, nil
}

var (
	_ Engine      = (*ExprEngine)(nil)
	_ ScopeEngine = (*ExprEngine)(nil)
)
