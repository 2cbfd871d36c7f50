package engine

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/agentscript/internal/expressions"
	"github.com/rendis/agentscript/internal/hooks"
	"github.com/rendis/agentscript/internal/streaming"
	"github.com/rendis/agentscript/internal/tools"
	"github.com/rendis/agentscript/internal/validation"
	"github.com/rendis/agentscript/pkg/schema"
)

// flakyTool fails the first n calls and then succeeds.
func flakyTool(name string, n int32, calls *atomic.Int32) tools.Tool {
	return &tools.FuncTool{
		Spec: tools.ToolSchema{Name: name},
		Run: func(context.Context, tools.Input, tools.ExecutionContext) (*tools.Output, error) {
			if calls.Add(1) <= n {
				return nil, errors.New("transient")
			}
			return &tools.Output{Result: "ok"}, nil
		},
	}
}

func newTestRegistry(t *testing.T, extra ...tools.Tool) *tools.Registry {
	t.Helper()
	v, err := validation.NewJSONSchemaValidator()
	require.NoError(t, err)
	reg := tools.NewRegistry(v)
	require.NoError(t, tools.RegisterBuiltins(reg))
	for _, tool := range extra {
		require.NoError(t, reg.Register(tool))
	}
	return reg
}

func TestStepExecutor_Success(t *testing.T) {
	e := NewStepExecutor(WithTools(newTestRegistry(t)))
	step := schema.NewStep("greet", schema.ToolStep("echo", map[string]any{"message": "hi"}))

	res := e.Execute(context.Background(), step, StepExecutionContext{}, schema.FailFast(), nil)
	assert.True(t, res.Success)
	assert.Equal(t, schema.StepStatusCompleted, res.Status)
	assert.Equal(t, "hi", res.Output)
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, step.ID, res.StepID)
	assert.Empty(t, res.Error)
}

func TestStepExecutor_RetryUntilSuccess(t *testing.T) {
	var calls atomic.Int32
	e := NewStepExecutor(WithTools(newTestRegistry(t, flakyTool("flaky", 2, &calls))))
	step := schema.NewStep("B", schema.ToolStep("flaky", nil))

	res := e.Execute(context.Background(), step, StepExecutionContext{}, schema.Retry(3, 10*time.Millisecond), nil)
	assert.True(t, res.Success)
	assert.Equal(t, 3, res.Attempts)
	assert.EqualValues(t, 3, calls.Load())
	assert.GreaterOrEqual(t, res.Duration, 20*time.Millisecond)
}

func TestStepExecutor_NoRetryUnderFailFastOrContinue(t *testing.T) {
	for _, strategy := range []schema.ErrorStrategy{schema.FailFast(), schema.ContinueOnError()} {
		t.Run(string(strategy.Kind), func(t *testing.T) {
			var calls atomic.Int32
			e := NewStepExecutor(WithTools(newTestRegistry(t, flakyTool("flaky", 5, &calls))))
			res := e.Execute(context.Background(), schema.NewStep("s", schema.ToolStep("flaky", nil)), StepExecutionContext{}, strategy, nil)
			assert.False(t, res.Success)
			assert.Equal(t, 1, res.Attempts)
			assert.EqualValues(t, 1, calls.Load())
			assert.Equal(t, schema.StepStatusFailed, res.Status)
			assert.Equal(t, schema.ErrCodeExecution, res.ErrorCode)
		})
	}
}

func TestStepExecutor_RetryExhausted(t *testing.T) {
	var calls atomic.Int32
	e := NewStepExecutor(WithTools(newTestRegistry(t, flakyTool("flaky", 10, &calls))))
	res := e.Execute(context.Background(), schema.NewStep("s", schema.ToolStep("flaky", nil)), StepExecutionContext{}, schema.Retry(3, time.Millisecond), nil)
	assert.False(t, res.Success)
	assert.Equal(t, 3, res.Attempts)
	assert.Contains(t, res.Error, schema.ErrCodeRetryExhausted)
}

func TestStepExecutor_DispatchErrorsNeverRetried(t *testing.T) {
	e := NewStepExecutor(WithTools(newTestRegistry(t)))
	retry := schema.Retry(5, time.Millisecond)

	tests := []struct {
		name string
		step schema.WorkflowStep
		code string
	}{
		{"unknown tool", schema.NewStep("a", schema.ToolStep("nope", nil)), schema.ErrCodeToolUnavailable},
		{"invalid json", schema.NewStep("b", schema.ToolStep("echo", json.RawMessage(`{"x":`))), schema.ErrCodeValidation},
		{"missing required", schema.NewStep("c", schema.ToolStep("sleep", map[string]any{})), schema.ErrCodeValidation},
		{"non-object params", schema.NewStep("d", schema.ToolStep("echo", []any{1, 2})), schema.ErrCodeValidation},
		{"bad reference", schema.NewStep("e", schema.ToolStep("echo", map[string]any{"v": "${{nope.x}}"})), schema.ErrCodeValidation},
		{"no agent runner", schema.NewStep("f", schema.AgentStep(schema.NewComponentID("bot"), "hi")), schema.ErrCodeToolUnavailable},
		{"no functions", schema.NewStep("g", schema.CustomStep("fn", nil)), schema.ErrCodeToolUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := e.Execute(context.Background(), tt.step, StepExecutionContext{}, retry, nil)
			assert.False(t, res.Success)
			assert.Equal(t, 1, res.Attempts)
			assert.Equal(t, tt.code, res.ErrorCode)
		})
	}
}

func TestStepExecutor_InterpolatesFromScope(t *testing.T) {
	e := NewStepExecutor(WithTools(newTestRegistry(t)))
	scope := &expressions.Scope{
		Shared: map[string]any{"name": "ada"},
		Steps:  map[string]any{"prev": expressions.StepEntry(map[string]any{"n": 3}, true, "", 1)},
	}
	step := schema.NewStep("s", schema.ToolStep("echo", map[string]any{
		"who":   "${{shared.name}}",
		"count": "${{steps.prev.output.n}}",
	}))

	res := e.Execute(context.Background(), step, StepContextFrom("exec-1", scope), schema.FailFast(), nil)
	require.True(t, res.Success, res.Error)
	assert.Equal(t, map[string]any{"who": "ada", "count": 3}, res.Output)
}

func TestStepExecutor_PerAttemptTimeout(t *testing.T) {
	e := NewStepExecutor(WithTools(newTestRegistry(t)))
	step := schema.NewStep("slow", schema.ToolStep("sleep", map[string]any{"duration_ms": 1000}))
	step.Timeout = 20 * time.Millisecond

	start := time.Now()
	res := e.Execute(context.Background(), step, StepExecutionContext{}, schema.Retry(2, time.Millisecond), nil)
	assert.False(t, res.Success)
	assert.Equal(t, schema.StepStatusTimedOut, res.Status)
	assert.Equal(t, 2, res.Attempts, "timeout wraps each attempt")
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestStepExecutor_WorkflowCancelDominates(t *testing.T) {
	e := NewStepExecutor(WithTools(newTestRegistry(t)))
	step := schema.NewStep("slow", schema.ToolStep("sleep", map[string]any{"duration_ms": 1000}))
	step.Timeout = time.Second

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	res := e.Execute(ctx, step, StepExecutionContext{}, schema.Retry(5, time.Millisecond), nil)
	assert.Equal(t, schema.StepStatusTimedOut, res.Status)
	assert.Equal(t, 1, res.Attempts)

	cctx, ccancel := context.WithCancel(context.Background())
	ccancel()
	res = e.Execute(cctx, step, StepExecutionContext{}, schema.FailFast(), nil)
	assert.Equal(t, schema.StepStatusCancelled, res.Status)
}

func TestStepExecutor_ToolPanicBecomesFailure(t *testing.T) {
	boom := &tools.FuncTool{
		Spec: tools.ToolSchema{Name: "boom"},
		Run: func(context.Context, tools.Input, tools.ExecutionContext) (*tools.Output, error) {
			panic("kaboom")
		},
	}
	e := NewStepExecutor(WithTools(newTestRegistry(t, boom)))
	var res schema.StepResult
	require.NotPanics(t, func() {
		res = e.Execute(context.Background(), schema.NewStep("s", schema.ToolStep("boom", nil)), StepExecutionContext{}, schema.Retry(2, time.Millisecond), nil)
	})
	assert.False(t, res.Success)
	assert.Equal(t, 2, res.Attempts)
	assert.Contains(t, res.Error, "kaboom")
}

func TestStepExecutor_AgentAndCustomDispatch(t *testing.T) {
	var gotInput string
	runner := tools.AgentRunnerFunc(func(_ context.Context, _ schema.ComponentID, input string, ec tools.ExecutionContext) (*tools.Output, error) {
		gotInput = input
		return &tools.Output{Text: "answer for " + ec.StepName}, nil
	})
	fns := tools.NewFunctions()
	require.NoError(t, fns.Register("double", func(_ context.Context, params any, _ tools.ExecutionContext) (any, error) {
		m := params.(map[string]any)
		return m["n"].(int) * 2, nil
	}))

	e := NewStepExecutor(WithAgentRunner(runner), WithFunctions(fns))
	scope := &expressions.Scope{Shared: map[string]any{"topic": "go", "n": 21}}

	res := e.Execute(context.Background(), schema.NewStep("ask", schema.AgentStep(schema.NewComponentID("bot"), "tell me about ${{shared.topic}}")),
		StepContextFrom("x", scope), schema.FailFast(), nil)
	require.True(t, res.Success, res.Error)
	assert.Equal(t, "tell me about go", gotInput)
	assert.Equal(t, "answer for ask", res.Output)

	res = e.Execute(context.Background(), schema.NewStep("calc", schema.CustomStep("double", map[string]any{"n": "${{shared.n}}"})),
		StepContextFrom("x", scope), schema.FailFast(), nil)
	require.True(t, res.Success, res.Error)
	assert.Equal(t, 42, res.Output)
}

func TestStepExecutor_Hooks(t *testing.T) {
	reg := hooks.NewRegistry()
	var points []schema.HookPoint
	record := func(id string, r hooks.Result) hooks.Hook {
		return hooks.Func(id, func(_ context.Context, hc *hooks.Context) hooks.Result {
			points = append(points, hc.Point)
			return r
		})
	}
	require.NoError(t, reg.Register(schema.HookStepStart, record("start", hooks.Continue()), 0))
	require.NoError(t, reg.Register(schema.HookStepComplete, record("done", hooks.Modify("rewritten")), 0))
	require.NoError(t, reg.Register(schema.HookStepError, record("err", hooks.Continue()), 0))

	e := NewStepExecutor(WithTools(newTestRegistry(t)), WithHooks(hooks.NewExecutor(reg)))
	meta := &WorkflowMeta{ID: schema.NewComponentID("wf"), Name: "wf", Pattern: schema.WorkflowSequential}

	res := e.Execute(context.Background(), schema.NewStep("ok", schema.ToolStep("echo", map[string]any{"message": "x"})), StepExecutionContext{}, schema.FailFast(), meta)
	assert.Equal(t, "rewritten", res.Output)
	res = e.Execute(context.Background(), schema.NewStep("bad", schema.ToolStep("fail", nil)), StepExecutionContext{}, schema.FailFast(), meta)
	assert.False(t, res.Success)

	assert.Equal(t, []schema.HookPoint{
		schema.HookStepStart, schema.HookStepComplete,
		schema.HookStepStart, schema.HookStepError,
	}, points)
}

func TestStepExecutor_HookCancelAndModifyParams(t *testing.T) {
	reg := hooks.NewRegistry()
	require.NoError(t, reg.Register(schema.HookStepStart, hooks.Func("gate", func(_ context.Context, hc *hooks.Context) hooks.Result {
		switch hc.Data["step_name"] {
		case "blocked":
			return hooks.Cancel("not allowed")
		case "patched":
			return hooks.Modify(map[string]any{"message": "patched"})
		}
		return hooks.Continue()
	}), 0))

	e := NewStepExecutor(WithTools(newTestRegistry(t)), WithHooks(hooks.NewExecutor(reg)))

	res := e.Execute(context.Background(), schema.NewStep("blocked", schema.ToolStep("echo", nil)), StepExecutionContext{}, schema.FailFast(), nil)
	assert.Equal(t, schema.StepStatusCancelled, res.Status)
	assert.Contains(t, res.Error, "not allowed")
	assert.Zero(t, res.Attempts)

	res = e.Execute(context.Background(), schema.NewStep("patched", schema.ToolStep("echo", map[string]any{"message": "orig"})), StepExecutionContext{}, schema.FailFast(), nil)
	assert.Equal(t, "patched", res.Output)
}

func TestStepExecutor_CircuitBreaker(t *testing.T) {
	var calls atomic.Int32
	breakers := NewCircuitBreakerRegistry(CircuitBreakerConfig{FailureThreshold: 2, Cooldown: time.Minute})
	e := NewStepExecutor(WithTools(newTestRegistry(t, flakyTool("flaky", 100, &calls))), WithCircuitBreaker(breakers))

	res := e.Execute(context.Background(), schema.NewStep("s", schema.ToolStep("flaky", nil)), StepExecutionContext{}, schema.Retry(5, time.Millisecond), nil)
	assert.False(t, res.Success)
	assert.Equal(t, schema.ErrCodeCircuitOpen, res.ErrorCode)
	assert.Equal(t, 3, res.Attempts, "third attempt rejected by the open circuit")
	assert.EqualValues(t, 2, calls.Load())
	assert.Equal(t, CircuitOpen, breakers.State("flaky"))
}

func TestStepExecutor_PublishesEvents(t *testing.T) {
	hub := streaming.NewMemoryHub()
	ch, unsubscribe, err := hub.Subscribe(context.Background(), streaming.Filter{})
	require.NoError(t, err)
	defer unsubscribe()

	e := NewStepExecutor(WithTools(newTestRegistry(t)), WithEventHub(hub))
	e.Execute(context.Background(), schema.NewStep("s", schema.ToolStep("echo", nil)), StepContextFrom("exec-9", nil), schema.FailFast(), nil)

	var types []string
	for len(types) < 2 {
		select {
		case ev := <-ch:
			assert.Equal(t, "exec-9", ev.ExecutionID)
			types = append(types, ev.Type)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for events")
		}
	}
	assert.Equal(t, []string{schema.EventStepStarted, schema.EventStepCompleted}, types)
}
