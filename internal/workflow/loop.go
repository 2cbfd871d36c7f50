package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/rendis/agentscript/internal/engine"
	"github.com/rendis/agentscript/internal/expressions"
	"github.com/rendis/agentscript/internal/logging"
	"github.com/rendis/agentscript/pkg/schema"
)

// Shared data keys written before every loop iteration.
const (
	KeyLoopIndex = "loop_index"
	KeyLoopValue = "loop_value"
	KeyIteration = "iteration"
)

// LoopConfig builds a Loop workflow.
type LoopConfig struct {
	Base
	Iterator        schema.LoopIterator      `json:"iterator"`
	Body            []schema.WorkflowStep    `json:"body"`
	BreakConditions []schema.BreakCondition  `json:"break_conditions,omitempty"`
	Aggregation     schema.ResultAggregation `json:"aggregation"`
	ContinueOnError bool                     `json:"continue_on_error,omitempty"`
	IterationDelay  time.Duration            `json:"iteration_delay,omitempty"`

	// LoopTimeout ends the loop gracefully, with a break reason, once the
	// iterations have run for this long. Base.Timeout is the hard budget.
	LoopTimeout time.Duration `json:"loop_timeout,omitempty"`
}

// IterationResult is the record of one completed iteration.
type IterationResult struct {
	Iteration   int                 `json:"iteration"`
	Value       any                 `json:"value"`
	Success     bool                `json:"success"`
	StepResults []schema.StepResult `json:"step_results"`
	Duration    time.Duration       `json:"duration"`
}

// Loop repeats its body over an iterator.
type Loop struct {
	rt  *Runtime
	cfg LoopConfig
	id  schema.ComponentID
}

// NewLoop validates cfg and builds the workflow. Range iterators with a zero
// step, while iterators without max_iterations and expressions that do not
// compile are rejected here.
func NewLoop(rt *Runtime, cfg LoopConfig) (*Loop, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if err := cfg.Iterator.Validate(); err != nil {
		return nil, err
	}
	if len(cfg.Body) == 0 {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "loop workflow %q has an empty body", cfg.Name)
	}
	if err := validateSteps(cfg.Body, "loop body"); err != nil {
		return nil, err
	}
	if cfg.Aggregation.Kind == "" {
		cfg.Aggregation = schema.CollectAll()
	}
	switch cfg.Aggregation.Kind {
	case schema.AggregateCollectAll, schema.AggregateLastOnly, schema.AggregateNone:
	case schema.AggregateFirstN, schema.AggregateLastN:
		if cfg.Aggregation.N <= 0 {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "%s aggregation requires n > 0", cfg.Aggregation.Kind)
		}
	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown aggregation %q", cfg.Aggregation.Kind)
	}
	if cfg.IterationDelay < 0 || cfg.LoopTimeout < 0 {
		return nil, schema.NewError(schema.ErrCodeValidation, "loop durations cannot be negative")
	}

	if c, ok := rt.loopEngine.(interface{ Compile(string) error }); ok {
		if cfg.Iterator.Kind == schema.IteratorWhile {
			if err := c.Compile(expressions.RewriteDollarVars(cfg.Iterator.Expression)); err != nil {
				return nil, err
			}
		}
		for _, bc := range cfg.BreakConditions {
			if err := c.Compile(expressions.RewriteDollarVars(bc.Expression)); err != nil {
				return nil, err
			}
		}
	}
	return &Loop{rt: rt, cfg: cfg, id: schema.NewComponentID(cfg.Name)}, nil
}

func (l *Loop) ID() schema.ComponentID    { return l.id }
func (l *Loop) Name() string              { return l.cfg.Name }
func (l *Loop) Type() schema.WorkflowType { return schema.WorkflowLoop }

// Config returns the build configuration.
func (l *Loop) Config() LoopConfig { return l.cfg }

// Execute runs the workflow.
func (l *Loop) Execute(ctx context.Context, opts RunOptions) (*Result, error) {
	return l.rt.run(ctx, schema.WorkflowLoop, l.cfg.Base, opts, l.body)
}

// IteratorValues expands the iterator into the values it yields. While
// iterators yield the indices 0..max_iterations-1; their condition is checked
// per iteration by the engine.
func IteratorValues(it schema.LoopIterator) []any {
	switch it.Kind {
	case schema.IteratorCollection:
		return append([]any(nil), it.Values...)
	case schema.IteratorRange:
		if it.Step == 0 {
			return nil
		}
		var out []any
		for v := it.Start; (it.Step > 0 && v < it.End) || (it.Step < 0 && v > it.End); v += it.Step {
			out = append(out, v)
		}
		return out
	case schema.IteratorWhile:
		out := make([]any, it.MaxIterations)
		for i := range out {
			out[i] = i
		}
		return out
	}
	return nil
}

func (l *Loop) body(ctx context.Context, x *execution) outcome {
	start := x.rt.now()
	values := IteratorValues(l.cfg.Iterator)
	handler := engine.ErrorHandler{ContinueOnError: l.cfg.ContinueOnError}

	var (
		iterations []IterationResult
		completed  int
		breakMsg   string
		stopped    string
		failed     bool
	)

	for i, value := range values {
		if err := ctx.Err(); err != nil {
			stopped = interruptReason(err)
			break
		}
		if i > 0 && l.cfg.IterationDelay > 0 {
			if err := engine.WaitForBackoff(ctx, l.cfg.IterationDelay); err != nil {
				stopped = interruptReason(err)
				break
			}
		}
		if l.cfg.LoopTimeout > 0 && x.rt.now().Sub(start) > l.cfg.LoopTimeout {
			breakMsg = "Loop timeout exceeded"
			break
		}
		if x.state.CheckExecutionTimeout() {
			breakMsg = "Maximum execution time exceeded"
			break
		}

		x.state.SetSharedData(ctx, KeyLoopIndex, i)
		x.state.SetSharedData(ctx, KeyLoopValue, value)
		x.state.SetSharedData(ctx, KeyIteration, i)
		x.emit(ctx, schema.HookLoopIterationStart, map[string]any{
			"iteration": i,
			"value":     value,
		})

		env := expressions.LoopEnv(x.state.SharedData(), i)
		if l.cfg.Iterator.Kind == schema.IteratorWhile {
			ok, err := l.evalLoopExpr(ctx, l.cfg.Iterator.Expression, env)
			if err != nil {
				stopped = fmt.Sprintf("while condition %q failed: %v", l.cfg.Iterator.Expression, err)
				break
			}
			if !ok {
				x.logger.DebugContext(ctx, "while condition false", slog.Int("iteration", i))
				break
			}
		}
		msg, err := l.shouldBreak(ctx, env)
		if err != nil {
			stopped = err.Error()
			break
		}
		if msg != "" {
			x.logger.InfoContext(ctx, "breaking loop", slog.String("reason", msg))
			breakMsg = msg
			break
		}

		iterStart := x.rt.now()
		before := x.stepCount()
		stop, bf := x.runSteps(ctx, l.cfg.Body, fmt.Sprintf("iteration_%d", i), handler)
		rec := IterationResult{
			Iteration:   i,
			Value:       value,
			Success:     !bf,
			StepResults: x.stepsSince(before),
			Duration:    x.rt.now().Sub(iterStart),
		}
		iterations = append(iterations, rec)
		if bf && !l.cfg.ContinueOnError {
			failed = true
		}
		if stop != "" {
			stopped = fmt.Sprintf("loop stopped at iteration %d: %s", i, stop)
			break
		}
		completed++
		x.emit(ctx, schema.HookLoopIterationComplete, map[string]any{
			"iteration":            i,
			"completed_iterations": completed,
			"success":              rec.Success,
		})
	}

	if breakMsg != "" {
		x.emit(ctx, schema.HookLoopTermination, map[string]any{
			"reason":               breakMsg,
			"completed_iterations": completed,
		})
	}

	var reason any
	if breakMsg != "" {
		reason = breakMsg
	}
	out := outcome{
		success: stopped == "" && !failed,
		err:     stopped,
		output:  aggregate(l.cfg.Aggregation, iterations),
		metadata: map[string]any{
			"total_iterations":     len(values),
			"completed_iterations": completed,
			"break_reason":         reason,
		},
	}
	if out.err == "" && failed {
		out.err = "one or more loop steps failed"
	}
	return out
}

// shouldBreak returns the reason of the first break condition that holds.
func (l *Loop) shouldBreak(ctx context.Context, env map[string]any) (string, error) {
	for _, bc := range l.cfg.BreakConditions {
		ok, err := l.evalLoopExpr(ctx, bc.Expression, env)
		if err != nil {
			return "", fmt.Errorf("break condition %q failed: %w", bc.Expression, err)
		}
		if !ok {
			continue
		}
		if bc.Message != "" {
			return bc.Message, nil
		}
		return "Break condition met: " + bc.Expression, nil
	}
	return "", nil
}

func (l *Loop) evalLoopExpr(ctx context.Context, expression string, env map[string]any) (bool, error) {
	out, err := l.rt.loopEngine.Evaluate(ctx, expressions.RewriteDollarVars(expression), env)
	if err != nil {
		l.rt.logger.WarnContext(ctx, "loop expression failed",
			slog.String("expression", expression),
			slog.String(logging.ErrorKey, err.Error()),
		)
		return false, err
	}
	return expressions.Truthy(out), nil
}

func aggregate(agg schema.ResultAggregation, iterations []IterationResult) map[string]any {
	if iterations == nil {
		iterations = []IterationResult{}
	}
	switch agg.Kind {
	case schema.AggregateLastOnly:
		if len(iterations) == 0 {
			return map[string]any{}
		}
		return map[string]any{"last_iteration": iterations[len(iterations)-1]}
	case schema.AggregateFirstN:
		n := min(agg.N, len(iterations))
		return map[string]any{"iterations": iterations[:n]}
	case schema.AggregateLastN:
		n := min(agg.N, len(iterations))
		return map[string]any{"iterations": iterations[len(iterations)-n:]}
	case schema.AggregateNone:
		return map[string]any{}
	default:
		return map[string]any{"all_iterations": iterations}
	}
}

func (x *execution) stepCount() int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return len(x.results)
}

func (x *execution) stepsSince(n int) []schema.StepResult {
	x.mu.Lock()
	defer x.mu.Unlock()
	return append([]schema.StepResult(nil), x.results[n:]...)
}

var _ Workflow = (*Loop)(nil)
