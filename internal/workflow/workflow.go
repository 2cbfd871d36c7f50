// Package workflow implements the four composition patterns (sequential,
// conditional, loop and parallel) on top of the step executor, the state
// manager and the condition evaluator.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rendis/agentscript/internal/conditions"
	"github.com/rendis/agentscript/internal/engine"
	"github.com/rendis/agentscript/internal/expressions"
	"github.com/rendis/agentscript/internal/hooks"
	"github.com/rendis/agentscript/internal/logging"
	"github.com/rendis/agentscript/internal/metrics"
	"github.com/rendis/agentscript/internal/state"
	"github.com/rendis/agentscript/internal/streaming"
	"github.com/rendis/agentscript/internal/tracing"
	"github.com/rendis/agentscript/pkg/schema"
)

// Workflow is a built pattern engine ready to run. Execute may be called any
// number of times; every call owns a fresh WorkflowState unless RunOptions
// supplies one.
type Workflow interface {
	ID() schema.ComponentID
	Name() string
	Type() schema.WorkflowType
	Execute(ctx context.Context, opts RunOptions) (*Result, error)
}

// Base holds the settings every pattern shares.
type Base struct {
	Name          string               `json:"name"`
	Description   string               `json:"description,omitempty"`
	ErrorStrategy schema.ErrorStrategy `json:"error_strategy"`
	Timeout       time.Duration        `json:"timeout,omitempty"` // whole-workflow budget
}

func (b Base) validate() error {
	if b.Name == "" {
		return schema.NewError(schema.ErrCodeValidation, "workflow name is required")
	}
	switch b.ErrorStrategy.Kind {
	case "", schema.StrategyFailFast, schema.StrategyContinue, schema.StrategyRetry:
	default:
		return schema.NewErrorf(schema.ErrCodeValidation, "unknown error strategy %q", b.ErrorStrategy.Kind)
	}
	if b.Timeout < 0 {
		return schema.NewError(schema.ErrCodeValidation, "workflow timeout cannot be negative")
	}
	return nil
}

func (b Base) strategy() schema.ErrorStrategy {
	if b.ErrorStrategy.Kind == "" {
		return schema.FailFast()
	}
	return b.ErrorStrategy
}

// RunOptions configure one execution.
type RunOptions struct {
	ExecutionID string         // generated when empty
	Input       map[string]any // initial shared data
	State       *state.Manager // run against an existing manager instead of a new one
}

// Result is the aggregate outcome of one execution. It is always returned
// for executions that started, successful or not.
type Result struct {
	ExecutionID   string                `json:"execution_id"`
	WorkflowID    schema.ComponentID    `json:"workflow_id"`
	Name          string                `json:"name"`
	Type          schema.WorkflowType   `json:"type"`
	Success       bool                  `json:"success"`
	Status        schema.WorkflowStatus `json:"status"`
	Summary       string                `json:"summary"`
	Error         string                `json:"error,omitempty"`
	Duration      time.Duration         `json:"duration"`
	StepResults   []schema.StepResult   `json:"step_results"`
	StepsExecuted int                   `json:"steps_executed"`
	StepsFailed   int                   `json:"steps_failed"`
	Output        map[string]any        `json:"output,omitempty"`
	Metadata      map[string]any        `json:"metadata,omitempty"`
	SharedData    map[string]any        `json:"shared_data,omitempty"`
	Branches      []BranchResult        `json:"branches,omitempty"`
}

// TotalAttempts sums the attempts of every recorded step.
func (r *Result) TotalAttempts() int {
	n := 0
	for _, s := range r.StepResults {
		n += s.Attempts
	}
	return n
}

// Step returns the last result recorded for the named step.
func (r *Result) Step(name string) (schema.StepResult, bool) {
	for i := len(r.StepResults) - 1; i >= 0; i-- {
		if r.StepResults[i].StepName == name {
			return r.StepResults[i], true
		}
	}
	return schema.StepResult{}, false
}

// Runtime carries the collaborators shared by all pattern engines.
type Runtime struct {
	steps      *engine.StepExecutor
	hooks      *hooks.Executor
	conditions *conditions.Evaluator
	loopEngine expressions.Engine
	store      state.Store
	hub        streaming.Hub
	metrics    *metrics.Metrics
	logger     *slog.Logger
	now        func() time.Time
}

// RuntimeOption configures a Runtime.
type RuntimeOption func(*Runtime)

// WithConditions sets the evaluator used by conditional branches.
func WithConditions(c *conditions.Evaluator) RuntimeOption {
	return func(r *Runtime) { r.conditions = c }
}

// WithLoopEngine sets the engine for while and break expressions.
func WithLoopEngine(e expressions.Engine) RuntimeOption {
	return func(r *Runtime) { r.loopEngine = e }
}

// WithStateStore persists every finished execution to s.
func WithStateStore(s state.Store) RuntimeOption { return func(r *Runtime) { r.store = s } }

func WithEventHub(h streaming.Hub) RuntimeOption   { return func(r *Runtime) { r.hub = h } }
func WithMetrics(m *metrics.Metrics) RuntimeOption { return func(r *Runtime) { r.metrics = m } }
func WithLogger(l *slog.Logger) RuntimeOption      { return func(r *Runtime) { r.logger = l } }

// NewRuntime creates a Runtime around a step executor. Hooks are taken from
// the executor so steps and patterns report to the same registry.
func NewRuntime(steps *engine.StepExecutor, opts ...RuntimeOption) *Runtime {
	r := &Runtime{steps: steps, now: time.Now}
	for _, o := range opts {
		o(r)
	}
	if r.steps == nil {
		r.steps = engine.NewStepExecutor(engine.WithLogger(r.logger))
	}
	r.hooks = r.steps.Hooks()
	if r.conditions == nil {
		r.conditions = conditions.New(conditions.WithLogger(r.logger))
	}
	if r.loopEngine == nil {
		r.loopEngine = expressions.NewExprEngine()
	}
	r.logger = logging.OrDefault(r.logger)
	return r
}

// Hooks returns the hook executor shared with the step executor, or nil.
func (r *Runtime) Hooks() *hooks.Executor { return r.hooks }

// outcome is what a pattern body reports back to the lifecycle.
type outcome struct {
	success  bool
	err      string
	output   map[string]any
	metadata map[string]any
	branches []BranchResult
}

// execution is the per-run context handed to pattern bodies.
type execution struct {
	rt       *Runtime
	meta     engine.WorkflowMeta
	state    *state.Manager
	strategy schema.ErrorStrategy
	logger   *slog.Logger

	mu      sync.Mutex
	results []schema.StepResult
}

// run drives the lifecycle shared by every pattern: snapshot, WorkflowStart,
// body, WorkflowComplete, result.
func (r *Runtime) run(ctx context.Context, kind schema.WorkflowType, base Base, opts RunOptions, body func(ctx context.Context, x *execution) outcome) (*Result, error) {
	if err := base.validate(); err != nil {
		return nil, err
	}
	id := schema.NewComponentID(base.Name)

	mgr := opts.State
	if mgr == nil {
		mgr = state.NewManager(state.Options{
			WorkflowID:   id,
			WorkflowName: base.Name,
			ExecutionID:  opts.ExecutionID,
			Timeout:      base.Timeout,
			Initial:      opts.Input,
			Logger:       r.logger,
		})
	} else {
		for k, v := range opts.Input {
			mgr.SetSharedData(ctx, k, v)
		}
	}
	execID := mgr.ExecutionID()

	ctx = logging.WithWorkflowID(ctx, base.Name)
	ctx = logging.WithExecutionID(ctx, execID)
	if logging.CorrelationID(ctx) == "" {
		ctx = logging.WithCorrelationID(ctx, execID)
	}
	ctx, span := tracing.StartWorkflow(ctx, string(kind), base.Name, execID)

	runCtx := ctx
	if base.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, base.Timeout)
		defer cancel()
	}

	x := &execution{
		rt:       r,
		meta:     engine.WorkflowMeta{ID: id, Name: base.Name, Pattern: kind},
		state:    mgr,
		strategy: base.strategy(),
		logger:   r.logger.With(slog.String("pattern", string(kind))),
	}

	start := r.now()
	x.emit(ctx, schema.HookWorkflowStart, map[string]any{
		"shared":      mgr.SharedData(),
		"description": base.Description,
	})
	if err := mgr.StartExecution(ctx); err != nil {
		tracing.End(span, string(schema.WorkflowStatusFailed), err)
		return nil, err
	}
	x.publish(ctx, schema.EventWorkflowStarted, map[string]any{"pattern": string(kind)})
	x.logger.InfoContext(ctx, "workflow started")

	out := body(runCtx, x)

	// A workflow-level deadline or cancel overrides whatever the body decided.
	status := schema.WorkflowStatusCompleted
	switch {
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		out.success = false
		if out.err == "" {
			out.err = fmt.Sprintf("workflow timed out after %s", base.Timeout)
		}
		_ = mgr.MarkTimedOut(ctx)
		status = schema.WorkflowStatusTimedOut
	case runCtx.Err() != nil:
		out.success = false
		if out.err == "" {
			out.err = "workflow cancelled"
		}
		_ = mgr.CancelExecution(ctx)
		status = schema.WorkflowStatusCancelled
	default:
		_ = mgr.CompleteExecution(ctx, out.success)
		if !out.success {
			status = schema.WorkflowStatusFailed
		}
	}

	res := x.result(base, kind, out, status, r.now().Sub(start))

	// Completion hooks and events still run after a cancel.
	doneCtx := context.WithoutCancel(ctx)
	x.emit(doneCtx, schema.HookWorkflowComplete, map[string]any{
		"success":     res.Success,
		"status":      string(res.Status),
		"error":       res.Error,
		"duration_ms": res.Duration.Milliseconds(),
	})
	x.publish(doneCtx, workflowEvent(status), map[string]any{
		"success":     res.Success,
		"duration_ms": res.Duration.Milliseconds(),
		"error":       res.Error,
	})
	if r.store != nil {
		if err := mgr.Persist(doneCtx, r.store); err != nil {
			x.logger.WarnContext(doneCtx, "persist execution state failed", slog.String(logging.ErrorKey, err.Error()))
		}
	}
	r.metrics.ObserveWorkflow(string(kind), string(status), res.Duration)

	var spanErr error
	if !res.Success {
		spanErr = errors.New(res.Error)
	}
	tracing.End(span, string(status), spanErr)

	x.logger.InfoContext(doneCtx, "workflow finished",
		slog.Bool("success", res.Success),
		slog.String("status", string(status)),
		slog.Int64(logging.DurationKey, res.Duration.Milliseconds()),
	)
	return res, nil
}

func (x *execution) result(base Base, kind schema.WorkflowType, out outcome, status schema.WorkflowStatus, d time.Duration) *Result {
	x.mu.Lock()
	steps := append([]schema.StepResult(nil), x.results...)
	x.mu.Unlock()

	res := &Result{
		ExecutionID: x.state.ExecutionID(),
		WorkflowID:  x.meta.ID,
		Name:        base.Name,
		Type:        kind,
		Success:     out.success,
		Status:      status,
		Error:       out.err,
		Duration:    d,
		StepResults: steps,
		Output:      out.output,
		Metadata:    out.metadata,
		SharedData:  x.state.SharedData(),
		Branches:    out.branches,
	}
	for _, s := range steps {
		if s.Status == schema.StepStatusSkipped {
			continue
		}
		res.StepsExecuted++
		if !s.Success {
			res.StepsFailed++
		}
	}
	if res.Metadata == nil {
		res.Metadata = map[string]any{}
	}
	res.Metadata["duration_ms"] = d.Milliseconds()

	switch {
	case res.Success:
		res.Summary = fmt.Sprintf("%s workflow '%s' completed successfully with %d steps", kind, base.Name, res.StepsExecuted)
	case res.StepsFailed > 0 && res.StepsExecuted > res.StepsFailed:
		res.Summary = fmt.Sprintf("%s workflow '%s' partially completed: %d executed, %d failed",
			kind, base.Name, res.StepsExecuted, res.StepsFailed)
	default:
		res.Summary = fmt.Sprintf("%s workflow '%s' %s: %s", kind, base.Name, status, res.Error)
	}
	return res
}

// runStep executes one step against the current state and records its
// result. Recording is serialized by the state manager.
func (x *execution) runStep(ctx context.Context, step schema.WorkflowStep, index int, branch string) schema.StepResult {
	sctx := engine.StepExecutionContext{
		ExecutionID: x.state.ExecutionID(),
		Scope:       x.state.Scope(),
		State:       x.state,
	}
	meta := x.meta
	meta.StepIndex = index
	meta.Branch = branch

	res := x.rt.steps.Execute(ctx, step, sctx, x.strategy, &meta)
	x.state.RecordStepResult(ctx, res)
	x.state.AdvanceStep()

	x.mu.Lock()
	x.results = append(x.results, res)
	x.mu.Unlock()
	return res
}

// runSteps executes steps in order and applies the error handler after each
// failure. It returns an empty string when the list ran to its end, or the
// reason it stopped. failed reports whether any step failed.
func (x *execution) runSteps(ctx context.Context, steps []schema.WorkflowStep, branch string, handler engine.ErrorHandler) (stopped string, failed bool) {
	for i, step := range steps {
		if err := ctx.Err(); err != nil {
			return interruptReason(err), failed
		}
		res := x.runStep(ctx, step, i, branch)
		if res.Success || res.Status == schema.StepStatusSkipped {
			continue
		}
		failed = true
		switch handler.HandleStepFailure(res, &x.strategy) {
		case engine.ContinueToNext:
			x.logger.WarnContext(ctx, "continuing after step failure",
				slog.String(logging.StepKey, step.Name),
				slog.String(logging.ErrorKey, res.Error),
			)
		default:
			return fmt.Sprintf("step '%s' failed: %s", step.Name, res.Error), failed
		}
	}
	return "", failed
}

func interruptReason(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return "workflow timed out"
	}
	return "workflow cancelled"
}

// stepOutputs maps step names to the outputs of successful steps.
func stepOutputs(results []schema.StepResult) map[string]any {
	out := make(map[string]any, len(results))
	for _, r := range results {
		if r.Success {
			out[r.StepName] = r.Output
		}
	}
	return out
}

// emit runs workflow hooks fire-and-forget.
func (x *execution) emit(ctx context.Context, point schema.HookPoint, data map[string]any) {
	h := x.rt.hooks
	if h == nil || !h.Registry().HasHooks(point) {
		return
	}
	if data == nil {
		data = map[string]any{}
	}
	data["pattern"] = string(x.meta.Pattern)
	data["workflow_id"] = x.meta.ID.String()
	h.ExecuteWorkflowHooks(ctx, &hooks.Context{
		Point:         point,
		ComponentID:   x.meta.ID,
		Component:     "workflow",
		ExecutionID:   x.state.ExecutionID(),
		CorrelationID: logging.CorrelationID(ctx),
		WorkflowName:  x.meta.Name,
		Data:          data,
	})
}

func (x *execution) publish(ctx context.Context, eventType string, payload any) {
	if x.rt.hub == nil {
		return
	}
	_ = x.rt.hub.Publish(ctx, streaming.Event{
		ExecutionID: x.state.ExecutionID(),
		Source:      x.meta.Name,
		Type:        eventType,
		Payload:     payload,
	})
}

func workflowEvent(status schema.WorkflowStatus) string {
	switch status {
	case schema.WorkflowStatusCompleted:
		return schema.EventWorkflowCompleted
	case schema.WorkflowStatusCancelled:
		return schema.EventWorkflowCancelled
	case schema.WorkflowStatusTimedOut:
		return schema.EventWorkflowTimedOut
	default:
		return schema.EventWorkflowFailed
	}
}

func validateSteps(steps []schema.WorkflowStep, where string) error {
	seen := make(map[string]bool, len(steps))
	for i, s := range steps {
		if s.Name == "" {
			return schema.NewErrorf(schema.ErrCodeValidation, "%s step %d has no name", where, i+1)
		}
		if seen[s.Name] {
			return schema.NewErrorf(schema.ErrCodeValidation, "%s has duplicate step name %q", where, s.Name)
		}
		seen[s.Name] = true
		switch s.Type.Kind {
		case schema.StepKindTool:
			if s.Type.ToolName == "" {
				return schema.NewErrorf(schema.ErrCodeValidation, "step %q has no tool name", s.Name)
			}
		case schema.StepKindAgent:
			if s.Type.AgentID.IsZero() {
				return schema.NewErrorf(schema.ErrCodeValidation, "step %q has no agent id", s.Name)
			}
		case schema.StepKindCustom:
			if s.Type.FunctionName == "" {
				return schema.NewErrorf(schema.ErrCodeValidation, "step %q has no function name", s.Name)
			}
		default:
			return schema.NewErrorf(schema.ErrCodeValidation, "step %q has unknown kind %q", s.Name, s.Type.Kind)
		}
	}
	return nil
}
