// Package conditions evaluates workflow conditions against a read-only view
// of execution state.
package conditions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/rendis/agentscript/internal/expressions"
	"github.com/rendis/agentscript/internal/logging"
	"github.com/rendis/agentscript/internal/tools"
	"github.com/rendis/agentscript/pkg/schema"
)

const (
	DefaultBudget   = time.Second
	DefaultMaxDepth = 32
)

// Result is the outcome of one evaluation. A non-empty Error always comes
// with IsTrue=false.
type Result struct {
	IsTrue      bool          `json:"is_true"`
	Description string        `json:"description"`
	Error       string        `json:"error,omitempty"`
	Duration    time.Duration `json:"duration"`
}

func truth(desc string) Result        { return Result{IsTrue: true, Description: desc} }
func falsity(desc string) Result      { return Result{Description: desc} }
func failure(desc, err string) Result { return Result{Description: desc, Error: err} }

// View is the state a condition reads. *state.Manager implements it.
type View interface {
	GetSharedData(key string) (any, bool)
	LastResult(stepID schema.ComponentID) (schema.StepResult, bool)
	Scope() *expressions.Scope
}

// HostEvaluator evaluates Custom condition expressions.
type HostEvaluator interface {
	EvaluateCondition(ctx context.Context, expression string, scope *expressions.Scope) (bool, error)
}

// HostFunc adapts a function to HostEvaluator.
type HostFunc func(ctx context.Context, expression string, scope *expressions.Scope) (bool, error)

func (f HostFunc) EvaluateCondition(ctx context.Context, expression string, scope *expressions.Scope) (bool, error) {
	return f(ctx, expression, scope)
}

// EngineHost evaluates Custom expressions with an expression engine over the
// scope variables shared, steps, workflow and iter.
func EngineHost(engine expressions.ScopeEngine) HostEvaluator {
	return HostFunc(func(ctx context.Context, expression string, scope *expressions.Scope) (bool, error) {
		return expressions.ScopeBool(ctx, engine, expression, scope)
	})
}

// Evaluator evaluates conditions. It never mutates the view.
type Evaluator struct {
	host     HostEvaluator
	budget   time.Duration
	maxDepth int
	logger   *slog.Logger
}

// Option configures an Evaluator.
type Option func(*Evaluator)

// WithHost registers the evaluator used for Custom conditions.
func WithHost(h HostEvaluator) Option { return func(e *Evaluator) { e.host = h } }

// WithBudget bounds the wall time of a single Evaluate call.
func WithBudget(d time.Duration) Option { return func(e *Evaluator) { e.budget = d } }

// WithMaxDepth bounds And/Or/Not nesting.
func WithMaxDepth(n int) Option { return func(e *Evaluator) { e.maxDepth = n } }

func WithLogger(l *slog.Logger) Option { return func(e *Evaluator) { e.logger = l } }

// New creates an Evaluator with a 1s budget and a nesting limit of 32.
func New(opts ...Option) *Evaluator {
	e := &Evaluator{budget: DefaultBudget, maxDepth: DefaultMaxDepth}
	for _, o := range opts {
		o(e)
	}
	if e.budget <= 0 {
		e.budget = DefaultBudget
	}
	if e.maxDepth <= 0 {
		e.maxDepth = DefaultMaxDepth
	}
	e.logger = logging.OrDefault(e.logger)
	return e
}

// Evaluate evaluates cond against view within the time budget. Exceeding the
// budget yields IsTrue=false with an error.
func (e *Evaluator) Evaluate(ctx context.Context, cond schema.Condition, view View) Result {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, e.budget)
	defer cancel()

	done := make(chan Result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- failure("condition evaluation", fmt.Sprintf("evaluation panicked: %v", r))
			}
		}()
		done <- e.eval(ctx, cond, view, 0)
	}()

	res := e.await(ctx, done, cond)
	res.Duration = time.Since(start)

	e.logger.DebugContext(ctx, "condition evaluated",
		slog.String("kind", string(cond.Kind)),
		slog.Bool("is_true", res.IsTrue),
		slog.Int64(logging.DurationKey, res.Duration.Milliseconds()),
	)
	return res
}

// await returns the evaluation result, or a budget or cancel failure when
// ctx ends first. A result already delivered wins over a finished ctx.
func (e *Evaluator) await(ctx context.Context, done <-chan Result, cond schema.Condition) Result {
	select {
	case res := <-done:
		return res
	case <-ctx.Done():
	}
	select {
	case res := <-done:
		return res
	default:
	}
	msg := fmt.Sprintf("evaluation exceeded %s budget", e.budget)
	if !errors.Is(ctx.Err(), context.DeadlineExceeded) {
		msg = "evaluation cancelled"
	}
	return failure(describe(cond), msg)
}

func (e *Evaluator) eval(ctx context.Context, cond schema.Condition, view View, depth int) Result {
	if depth > e.maxDepth {
		return failure(describe(cond), fmt.Sprintf("condition nesting exceeds %d levels", e.maxDepth))
	}
	if err := ctx.Err(); err != nil {
		return failure(describe(cond), err.Error())
	}

	switch cond.Kind {
	case schema.ConditionAlways:
		return truth("Always true condition")
	case schema.ConditionNever:
		return falsity("Always false condition")

	case schema.ConditionAnd:
		desc := fmt.Sprintf("AND of %d conditions", len(cond.Conditions))
		if len(cond.Conditions) == 0 {
			return truth("Empty AND condition (vacuous truth)")
		}
		for i, c := range cond.Conditions {
			r := e.eval(ctx, c, view, depth+1)
			if r.Error != "" {
				return failure(desc, fmt.Sprintf("AND condition %d failed: %s", i, r.Error))
			}
			if !r.IsTrue {
				return falsity(fmt.Sprintf("AND condition %d is false: %s", i, r.Description))
			}
		}
		return truth(desc)

	case schema.ConditionOr:
		desc := fmt.Sprintf("OR of %d conditions", len(cond.Conditions))
		if len(cond.Conditions) == 0 {
			return falsity("Empty OR condition")
		}
		var firstErr string
		for i, c := range cond.Conditions {
			r := e.eval(ctx, c, view, depth+1)
			if r.IsTrue {
				return truth(fmt.Sprintf("OR condition %d is true: %s", i, r.Description))
			}
			if r.Error != "" && firstErr == "" {
				firstErr = fmt.Sprintf("OR condition %d failed: %s", i, r.Error)
			}
		}
		if firstErr != "" {
			return failure(desc, firstErr)
		}
		return falsity(desc)

	case schema.ConditionNot:
		if cond.Inner == nil {
			return failure("NOT", "NOT condition has no inner condition")
		}
		r := e.eval(ctx, *cond.Inner, view, depth+1)
		if r.Error != "" {
			return failure("NOT ("+r.Description+")", r.Error)
		}
		return Result{IsTrue: !r.IsTrue, Description: "NOT (" + r.Description + ")"}

	case schema.ConditionStepResultEquals:
		desc := fmt.Sprintf("Step %s output equals '%s'", cond.StepID, cond.ExpectedOutput)
		res, ok := view.LastResult(cond.StepID)
		if !ok {
			return falsity(fmt.Sprintf("Step %s result not found", cond.StepID))
		}
		out := renderOutput(res.Output)
		if out != cond.ExpectedOutput {
			return falsity(fmt.Sprintf("Step %s output is '%s', expected '%s'", cond.StepID, out, cond.ExpectedOutput))
		}
		return truth(desc)

	case schema.ConditionStepSucceeded, schema.ConditionStepFailed:
		res, ok := view.LastResult(cond.StepID)
		if !ok {
			return falsity(fmt.Sprintf("Step %s result not found", cond.StepID))
		}
		want := cond.Kind == schema.ConditionStepSucceeded
		if res.Success == want {
			return truth(fmt.Sprintf("Step %s %s", cond.StepID, outcome(res.Success)))
		}
		return falsity(fmt.Sprintf("Step %s %s", cond.StepID, outcome(res.Success)))

	case schema.ConditionSharedDataEquals:
		v, ok := view.GetSharedData(cond.Key)
		if !ok {
			return falsity(fmt.Sprintf("Shared data key '%s' does not exist", cond.Key))
		}
		if !tools.ValuesEqual(v, cond.ExpectedValue) {
			return falsity(fmt.Sprintf("Shared data '%s' is %v, expected %v", cond.Key, v, cond.ExpectedValue))
		}
		return truth(fmt.Sprintf("Shared data '%s' equals %v", cond.Key, cond.ExpectedValue))

	case schema.ConditionSharedDataExists:
		if _, ok := view.GetSharedData(cond.Key); !ok {
			return falsity(fmt.Sprintf("Shared data key '%s' does not exist", cond.Key))
		}
		return truth(fmt.Sprintf("Shared data '%s' exists", cond.Key))

	case schema.ConditionCustom:
		desc := cond.Description
		if desc == "" {
			desc = "Custom: " + cond.Expression
		}
		if e.host == nil {
			return failure(desc, "no host evaluator registered for custom condition: "+cond.Expression)
		}
		ok, err := e.host.EvaluateCondition(ctx, cond.Expression, view.Scope())
		if err != nil {
			return failure(desc, err.Error())
		}
		return Result{IsTrue: ok, Description: desc}

	default:
		return failure(describe(cond), fmt.Sprintf("unknown condition kind %q", cond.Kind))
	}
}

func outcome(success bool) string {
	if success {
		return "succeeded"
	}
	return "failed"
}

// renderOutput formats a step output for comparison with an expected string.
func renderOutput(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(b)
}

func describe(cond schema.Condition) string {
	if cond.Description != "" {
		return cond.Description
	}
	return string(cond.Kind) + " condition"
}
