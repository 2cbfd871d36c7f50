package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/rendis/agentscript/internal/expressions"
	"github.com/rendis/agentscript/internal/hooks"
	"github.com/rendis/agentscript/internal/logging"
	"github.com/rendis/agentscript/internal/metrics"
	"github.com/rendis/agentscript/internal/streaming"
	"github.com/rendis/agentscript/internal/tools"
	"github.com/rendis/agentscript/internal/tracing"
	"github.com/rendis/agentscript/pkg/schema"
)

// WorkflowMeta tags hook events and logs with the workflow a step belongs to.
type WorkflowMeta struct {
	ID        schema.ComponentID
	Name      string
	Pattern   schema.WorkflowType
	StepIndex int    // position of the step in its step list
	Branch    string // conditional or parallel branch, if any
}

// StepExecutionContext is the read-mostly view a step runs against: a
// snapshot of the workflow state and the outputs of previous steps.
type StepExecutionContext struct {
	ExecutionID string
	Scope       *expressions.Scope
	State       tools.SharedState
}

// StepContextFrom builds a StepExecutionContext from a state snapshot.
func StepContextFrom(executionID string, scope *expressions.Scope) StepExecutionContext {
	return StepExecutionContext{ExecutionID: executionID, Scope: scope}
}

func (c StepExecutionContext) shared() map[string]any {
	if c.Scope == nil {
		return nil
	}
	return c.Scope.Shared
}

// StepExecutor runs single workflow steps: it resolves the dispatch target,
// interpolates parameters, applies the retry plan and per-attempt timeout,
// and turns every failure into a StepResult.
type StepExecutor struct {
	tools     *tools.Registry
	agents    tools.AgentRunner
	functions *tools.Functions
	hooks     *hooks.Executor
	breakers  *CircuitBreakerRegistry
	hub       streaming.Hub
	metrics   *metrics.Metrics
	logger    *slog.Logger
	jitter    func() float64
	now       func() time.Time
}

// StepOption configures a StepExecutor.
type StepOption func(*StepExecutor)

// WithTools sets the registry tool steps dispatch to.
func WithTools(r *tools.Registry) StepOption { return func(e *StepExecutor) { e.tools = r } }

// WithAgentRunner sets the runner agent steps dispatch to.
func WithAgentRunner(r tools.AgentRunner) StepOption { return func(e *StepExecutor) { e.agents = r } }

// WithFunctions sets the table custom steps dispatch to.
func WithFunctions(f *tools.Functions) StepOption { return func(e *StepExecutor) { e.functions = f } }

// WithHooks attaches a hook executor; StepStart, StepComplete and StepError
// are emitted only when one is set.
func WithHooks(h *hooks.Executor) StepOption { return func(e *StepExecutor) { e.hooks = h } }

// WithCircuitBreaker guards tool and agent dispatch with per-target breakers.
func WithCircuitBreaker(r *CircuitBreakerRegistry) StepOption {
	return func(e *StepExecutor) { e.breakers = r }
}

// WithEventHub publishes step lifecycle events.
func WithEventHub(h streaming.Hub) StepOption { return func(e *StepExecutor) { e.hub = h } }

func WithMetrics(m *metrics.Metrics) StepOption { return func(e *StepExecutor) { e.metrics = m } }
func WithLogger(l *slog.Logger) StepOption      { return func(e *StepExecutor) { e.logger = l } }

// WithJitter replaces the random source used for exponential backoff jitter.
func WithJitter(fn func() float64) StepOption { return func(e *StepExecutor) { e.jitter = fn } }

// NewStepExecutor creates a StepExecutor.
func NewStepExecutor(opts ...StepOption) *StepExecutor {
	e := &StepExecutor{jitter: defaultJitter, now: time.Now}
	for _, o := range opts {
		o(e)
	}
	e.logger = logging.OrDefault(e.logger)
	return e
}

// Hooks returns the attached hook executor, or nil.
func (e *StepExecutor) Hooks() *hooks.Executor { return e.hooks }

// dispatchFunc performs one attempt of a resolved step.
type dispatchFunc func(ctx context.Context, attempt int) (any, error)

// Execute runs step under strategy and returns its result. It never panics
// and never returns without a result; failures are reported through
// StepResult.Success, Status and Error.
func (e *StepExecutor) Execute(ctx context.Context, step schema.WorkflowStep, sctx StepExecutionContext, strategy schema.ErrorStrategy, meta *WorkflowMeta) (result schema.StepResult) {
	start := e.now()
	result = schema.StepResult{StepID: step.ID, StepName: step.Name}

	ctx = logging.WithStepID(ctx, step.Name)
	if sctx.ExecutionID != "" && logging.ExecutionID(ctx) == "" {
		ctx = logging.WithExecutionID(ctx, sctx.ExecutionID)
	}
	ctx, span := tracing.StartStep(ctx, step.Name, string(step.Type.Kind), step.Type.Target())
	log := e.logger.With(slog.String("target", step.Type.Target()))

	defer func() {
		if r := recover(); r != nil {
			log.ErrorContext(ctx, "step executor panicked",
				slog.String(logging.ErrorKey, fmt.Sprint(r)),
				slog.String("stack", string(debug.Stack())),
			)
			result.Success = false
			result.Status = schema.StepStatusFailed
			result.Error = fmt.Sprintf("[%s] step executor panic: %v", schema.ErrCodeInternal, r)
			result.ErrorCode = schema.ErrCodeInternal
		}
		result.Duration = e.now().Sub(start)
		var spanErr error
		if !result.Success {
			spanErr = errors.New(result.Error)
		}
		tracing.End(span, string(result.Status), spanErr)
		e.metrics.ObserveStep(string(step.Type.Kind), step.Type.Target(), string(result.Status), result.Attempts, result.Duration)
	}()

	params := step.Type.Parameters
	pre := e.emit(ctx, schema.HookStepStart, step, sctx, meta, map[string]any{
		"step_type":  string(step.Type.Kind),
		"target":     step.Type.Target(),
		"parameters": params,
	})
	if pre.Cancelled() {
		result.Status = schema.StepStatusCancelled
		result.ErrorCode = schema.ErrCodeCancelled
		result.Error = schema.NewErrorf(schema.ErrCodeCancelled, "cancelled by hook: %s", pre.Verdict.Reason).Error()
		log.InfoContext(ctx, "step cancelled by hook", slog.String("reason", pre.Verdict.Reason))
		return result
	}
	if pre.Verdict.IsModify() && pre.Verdict.Payload != nil {
		params = pre.Verdict.Payload
	}

	e.publish(ctx, sctx, step, schema.EventStepStarted, nil)

	dispatch, err := e.resolve(step, params, sctx)
	if err != nil {
		e.fail(&result, err, 0)
		result.Attempts = 1
		log.WarnContext(ctx, "step dispatch rejected", slog.String(logging.ErrorKey, err.Error()))
		e.finish(ctx, step, sctx, meta, &result)
		return result
	}

	plan := PlanFor(step, strategy)
	var lastErr error
	for attempt := 1; attempt <= plan.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			lastErr = workflowInterrupt(err)
			break
		}
		result.Attempts = attempt

		out, err := e.attempt(ctx, step, dispatch, attempt)
		if err == nil {
			result.Success = true
			result.Status = schema.StepStatusCompleted
			result.Output = out
			lastErr = nil
			break
		}
		if out != nil {
			result.Output = out
		}
		lastErr = err

		if ctx.Err() != nil {
			lastErr = workflowInterrupt(ctx.Err())
			break
		}
		if !IsRetryableError(err) || attempt == plan.MaxAttempts {
			break
		}

		delay := ComputeBackoff(plan, attempt, e.jitter)
		log.InfoContext(ctx, "retrying step",
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", plan.MaxAttempts),
			slog.Int64("backoff_ms", delay.Milliseconds()),
			slog.String(logging.ErrorKey, err.Error()),
		)
		e.publish(ctx, sctx, step, schema.EventStepRetrying, map[string]any{
			"attempt": attempt,
			"error":   err.Error(),
		})
		if werr := WaitForBackoff(ctx, delay); werr != nil {
			lastErr = workflowInterrupt(werr)
			break
		}
	}

	if lastErr != nil {
		e.fail(&result, lastErr, plan.MaxAttempts)
		log.WarnContext(ctx, "step failed",
			slog.Int("attempts", result.Attempts),
			slog.String(logging.ErrorKey, result.Error),
		)
	}
	e.finish(ctx, step, sctx, meta, &result)
	return result
}

// attempt runs one dispatch under the step timeout and converts panics in
// tool code into errors.
func (e *StepExecutor) attempt(ctx context.Context, step schema.WorkflowStep, dispatch dispatchFunc, attempt int) (out any, err error) {
	target := step.Type.Target()
	if e.breakers != nil && step.Type.Kind != schema.StepKindCustom {
		if err := e.breakers.Allow(target); err != nil {
			return nil, err
		}
	}

	attemptCtx := ctx
	if step.Timeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, step.Timeout)
		defer cancel()
	}

	func() {
		defer func() {
			if r := recover(); r != nil {
				err = schema.NewErrorf(schema.ErrCodeExecution, "%s panicked: %v", target, r)
			}
		}()
		out, err = dispatch(attemptCtx, attempt)
	}()

	if err == nil && attemptCtx.Err() != nil && ctx.Err() == nil {
		// Tool ignored its context; the deadline still applies.
		err = attemptCtx.Err()
	}
	if err != nil && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		err = schema.NewErrorf(schema.ErrCodeTimeout, "step timed out after %s", step.Timeout).WithCause(err)
	}

	if e.breakers != nil && step.Type.Kind != schema.StepKindCustom && !schema.IsCode(err, schema.ErrCodeCircuitOpen) {
		if err == nil {
			e.breakers.Success(target)
		} else if e.breakers.Failure(target) == CircuitOpen {
			e.logger.WarnContext(ctx, "circuit opened", slog.String("target", target))
			e.publishRaw(ctx, schema.EventCircuitBreakerOpen, step.Name, e.breakers.Stats(target))
		}
	}
	return out, err
}

// resolve validates the step against its dispatch target and returns the
// attempt function. Errors are dispatch errors and are never retried.
func (e *StepExecutor) resolve(step schema.WorkflowStep, params any, sctx StepExecutionContext) (dispatchFunc, error) {
	ec := tools.ExecutionContext{
		ExecutionID: sctx.ExecutionID,
		StepName:    step.Name,
		Shared:      sctx.shared(),
		State:       sctx.State,
		Logger:      e.logger,
	}
	if sctx.Scope != nil {
		if id, ok := sctx.Scope.Workflow["id"].(string); ok {
			ec.WorkflowID = id
		}
	}

	switch step.Type.Kind {
	case schema.StepKindTool:
		if e.tools == nil {
			return nil, schema.NewErrorf(schema.ErrCodeToolUnavailable, "no tool registry configured for %q", step.Type.ToolName)
		}
		tool, err := e.tools.Get(step.Type.ToolName)
		if err != nil {
			return nil, err
		}
		input, err := buildInput(params, sctx.Scope)
		if err != nil {
			return nil, err
		}
		if err := e.tools.Validate(tool, input); err != nil {
			return nil, err
		}
		return func(ctx context.Context, attempt int) (any, error) {
			ec := ec
			ec.Attempt = attempt
			out, err := tool.Execute(ctx, input, ec)
			return out.Value(), err
		}, nil

	case schema.StepKindAgent:
		if e.agents == nil {
			return nil, schema.NewErrorf(schema.ErrCodeToolUnavailable, "no agent runner configured for agent %s", step.Type.AgentID)
		}
		text, err := expressions.Interpolate(step.Type.Input, sctx.Scope)
		if err != nil {
			return nil, err
		}
		in, ok := text.(string)
		if !ok {
			in = fmt.Sprint(text)
		}
		return func(ctx context.Context, attempt int) (any, error) {
			ec := ec
			ec.Attempt = attempt
			out, err := e.agents.RunAgent(ctx, step.Type.AgentID, in, ec)
			return out.Value(), err
		}, nil

	case schema.StepKindCustom:
		if e.functions == nil {
			return nil, schema.NewErrorf(schema.ErrCodeToolUnavailable, "no function table configured for %q", step.Type.FunctionName)
		}
		fn, err := e.functions.Get(step.Type.FunctionName)
		if err != nil {
			return nil, err
		}
		resolved, err := decodeParams(params)
		if err == nil {
			resolved, err = expressions.Interpolate(resolved, sctx.Scope)
		}
		if err != nil {
			return nil, err
		}
		return func(ctx context.Context, attempt int) (any, error) {
			ec := ec
			ec.Attempt = attempt
			return fn(ctx, resolved, ec)
		}, nil

	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown step kind %q", step.Type.Kind)
	}
}

// buildInput turns step parameters into a tool input. Objects become
// Parameters, strings become Text.
func buildInput(params any, scope *expressions.Scope) (tools.Input, error) {
	decoded, err := decodeParams(params)
	if err != nil {
		return tools.Input{}, err
	}
	resolved, err := expressions.Interpolate(decoded, scope)
	if err != nil {
		return tools.Input{}, err
	}

	switch v := resolved.(type) {
	case nil:
		return tools.Input{Parameters: map[string]any{}}, nil
	case map[string]any:
		return tools.Input{Parameters: v}, nil
	case string:
		return tools.Input{Parameters: map[string]any{}, Text: v}, nil
	default:
		return tools.Input{}, schema.NewErrorf(schema.ErrCodeValidation, "tool parameters must be an object, got %T", resolved)
	}
}

// decodeParams accepts parameters given as raw JSON.
func decodeParams(params any) (any, error) {
	var raw []byte
	switch v := params.(type) {
	case json.RawMessage:
		raw = v
	case []byte:
		raw = v
	default:
		return params, nil
	}
	if len(raw) == 0 {
		return nil, nil
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "invalid parameter JSON").WithCause(err)
	}
	return out, nil
}

// workflowInterrupt maps a workflow-level context error to the runtime error
// that decides the step status.
func workflowInterrupt(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return schema.NewError(schema.ErrCodeTimeout, "workflow timed out").WithCause(err)
	}
	return schema.NewError(schema.ErrCodeCancelled, "workflow cancelled").WithCause(err)
}

func (e *StepExecutor) fail(result *schema.StepResult, err error, maxAttempts int) {
	result.Success = false
	result.Error = err.Error()
	result.ErrorCode = schema.CodeOf(err)
	if result.ErrorCode == "" {
		result.ErrorCode = schema.ErrCodeExecution
	}

	switch result.ErrorCode {
	case schema.ErrCodeTimeout:
		result.Status = schema.StepStatusTimedOut
	case schema.ErrCodeCancelled:
		result.Status = schema.StepStatusCancelled
	default:
		result.Status = schema.StepStatusFailed
	}
	if maxAttempts > 1 && result.Attempts == maxAttempts && IsRetryableError(err) {
		result.Error = schema.NewErrorf(schema.ErrCodeRetryExhausted,
			"retries exhausted after %d attempts: %s", result.Attempts, err.Error()).Error()
	}
}

// finish emits the completion hooks and events. A Modify verdict on
// StepComplete replaces the recorded output.
func (e *StepExecutor) finish(ctx context.Context, step schema.WorkflowStep, sctx StepExecutionContext, meta *WorkflowMeta, result *schema.StepResult) {
	data := map[string]any{
		"success":  result.Success,
		"status":   string(result.Status),
		"attempts": result.Attempts,
		"output":   result.Output,
	}
	if result.Success {
		agg := e.emit(ctx, schema.HookStepComplete, step, sctx, meta, data)
		if agg.Verdict.IsModify() {
			result.Output = agg.Verdict.Payload
		}
		e.publish(ctx, sctx, step, schema.EventStepCompleted, data)
		return
	}

	data["error"] = result.Error
	e.emit(ctx, schema.HookStepError, step, sctx, meta, data)
	e.publish(ctx, sctx, step, schema.EventStepFailed, data)
}

func (e *StepExecutor) emit(ctx context.Context, point schema.HookPoint, step schema.WorkflowStep, sctx StepExecutionContext, meta *WorkflowMeta, data map[string]any) hooks.Aggregate {
	if e.hooks == nil {
		return hooks.Aggregate{Verdict: hooks.Continue()}
	}
	data["step_name"] = step.Name
	data["step_id"] = step.ID.String()
	hc := &hooks.Context{
		Point:       point,
		ComponentID: step.ID,
		Component:   "step",
		ExecutionID: sctx.ExecutionID,
		Data:        data,
	}
	if meta != nil {
		hc.WorkflowName = meta.Name
		data["workflow_id"] = meta.ID.String()
		data["pattern"] = string(meta.Pattern)
		data["step_index"] = meta.StepIndex
		if meta.Branch != "" {
			data["branch"] = meta.Branch
		}
	}
	if point == schema.HookStepStart && sctx.Scope != nil {
		data["shared"] = sctx.Scope.Shared
	}
	return e.hooks.ExecuteHooks(ctx, hc)
}

func (e *StepExecutor) publish(ctx context.Context, sctx StepExecutionContext, step schema.WorkflowStep, eventType string, payload any) {
	if e.hub == nil {
		return
	}
	_ = e.hub.Publish(ctx, streaming.Event{
		ExecutionID: sctx.ExecutionID,
		Source:      step.Name,
		Type:        eventType,
		Payload:     payload,
	})
}

func (e *StepExecutor) publishRaw(ctx context.Context, eventType, stepName string, payload any) {
	if e.hub == nil {
		return
	}
	_ = e.hub.Publish(ctx, streaming.Event{
		ExecutionID: logging.ExecutionID(ctx),
		Source:      stepName,
		Type:        eventType,
		Payload:     payload,
	})
}
