package bridge

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/agentscript/internal/engine"
	"github.com/rendis/agentscript/internal/hooks"
	"github.com/rendis/agentscript/internal/state"
	"github.com/rendis/agentscript/internal/streaming"
	"github.com/rendis/agentscript/internal/tools"
	"github.com/rendis/agentscript/internal/validation"
	"github.com/rendis/agentscript/internal/workflow"
	"github.com/rendis/agentscript/pkg/schema"
)

type fixture struct {
	b     *Bindings
	hooks *hooks.Registry
	hub   *streaming.MemoryHub
	store *state.MemoryStore
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	v, err := validation.NewJSONSchemaValidator()
	require.NoError(t, err)
	reg := tools.NewRegistry(v)
	require.NoError(t, tools.RegisterBuiltins(reg))

	f := &fixture{hooks: hooks.NewRegistry(), hub: streaming.NewMemoryHub(), store: state.NewMemoryStore()}
	rt := workflow.NewRuntime(engine.NewStepExecutor(
		engine.WithTools(reg),
		engine.WithHooks(hooks.NewExecutor(f.hooks)),
	))
	f.b = New(rt, WithValidator(v), WithStateStore(f.store), WithEventHub(f.hub))
	t.Cleanup(f.b.Close)
	return f
}

func echoSteps(names ...string) []any {
	out := make([]any, len(names))
	for i, n := range names {
		out[i] = map[string]any{"name": n, "tool": "echo", "parameters": map[string]any{"message": n}}
	}
	return out
}

type mapHost map[string]any

func (h mapHost) SetGlobal(name string, v any) error {
	h[name] = v
	return nil
}

type failingHost struct{}

func (failingHost) SetGlobal(string, any) error { return errors.New("read-only globals") }

func TestWorkflow_ConstructorsCatalogue(t *testing.T) {
	f := newFixture(t)
	w := f.b.Workflow()

	seq, err := w.Sequential(map[string]any{"name": "pipeline", "description": "two steps", "steps": echoSteps("a", "b")})
	require.NoError(t, err)
	assert.Equal(t, schema.WorkflowSequential, seq.Type)
	assert.Equal(t, schema.NewComponentID("pipeline").String(), seq.ID)
	assert.Equal(t, "two steps", seq.Description)

	_, err = w.Conditional(map[string]any{
		"name": "route",
		"branches": []any{
			map[string]any{"name": "other", "default": true, "steps": echoSteps("fallback")},
		},
	})
	require.NoError(t, err)
	_, err = w.Loop(map[string]any{
		"name":     "each",
		"iterator": map[string]any{"collection": []any{1, 2, 3}},
		"body":     echoSteps("visit"),
	})
	require.NoError(t, err)
	_, err = w.Parallel(map[string]any{
		"name":     "fan",
		"branches": []any{map[string]any{"name": "left", "steps": echoSteps("l")}},
	})
	require.NoError(t, err)

	names := []string{}
	for _, info := range w.List() {
		names = append(names, info.Name)
	}
	assert.Equal(t, []string{"each", "fan", "pipeline", "route"}, names)

	_, err = w.Sequential(map[string]any{"name": "pipeline", "steps": echoSteps("c")})
	assert.True(t, schema.IsCode(err, schema.ErrCodeConflict))

	_, err = w.Sequential(map[string]any{"name": "broken"})
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
	assert.Equal(t, 4, f.b.Catalogue().Len())

	got, err := w.Get("pipeline")
	require.NoError(t, err)
	assert.Equal(t, seq.ID, got.ID)
	got, err = w.Get(seq.ID)
	require.NoError(t, err)
	assert.Equal(t, "pipeline", got.Name)

	require.NoError(t, w.Remove("route"))
	assert.True(t, schema.IsCode(w.Remove("route"), schema.ErrCodeNotFound))
	_, err = w.Get("route")
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))

	assert.Equal(t, 3, w.Clear())
	assert.Empty(t, w.List())
	assert.Equal(t, []string{"sequential", "conditional", "loop", "parallel"}, w.Types())
}

func TestWorkflow_ExecuteTracksUsage(t *testing.T) {
	f := newFixture(t)
	w := f.b.Workflow()
	_, err := w.Sequential(map[string]any{"name": "ok", "steps": echoSteps("a")})
	require.NoError(t, err)
	_, err = w.Sequential(map[string]any{
		"name":  "bad",
		"steps": []any{map[string]any{"name": "boom", "tool": "fail", "parameters": map[string]any{"message": "no"}}},
	})
	require.NoError(t, err)

	for range 2 {
		res, err := w.Execute(context.Background(), "ok", map[string]any{"user": "ada"})
		require.NoError(t, err)
		assert.True(t, res.Success)
		assert.Equal(t, "ada", res.SharedData["user"])
	}
	res, _ := w.Execute(context.Background(), "bad", nil)
	require.NotNil(t, res)
	assert.False(t, res.Success)

	info, err := w.Get("ok")
	require.NoError(t, err)
	assert.EqualValues(t, 2, info.Usage.TotalExecutions)
	assert.EqualValues(t, 2, info.Usage.SuccessfulExecutions)
	require.NotNil(t, info.Usage.LastExecution)

	info, err = w.Get("bad")
	require.NoError(t, err)
	assert.EqualValues(t, 1, info.Usage.FailedExecutions)

	_, err = w.Execute(context.Background(), "missing", nil)
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
}

func TestWorkflow_Register(t *testing.T) {
	f := newFixture(t)
	w := f.b.Workflow()

	built, err := workflow.NewSequential(f.b.runtime, workflow.SequentialConfig{
		Base:  workflow.Base{Name: "native"},
		Steps: []schema.WorkflowStep{schema.NewStep("a", schema.ToolStep("echo", map[string]any{"message": "hi"}))},
	})
	require.NoError(t, err)
	info, err := w.Register(built, "built in Go")
	require.NoError(t, err)
	assert.Equal(t, "native", info.Name)

	_, err = w.Register(nil, "")
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))

	info, err = w.RegisterDocument(map[string]any{"type": "sequential", "name": "doc", "steps": echoSteps("x")})
	require.NoError(t, err)
	assert.Equal(t, schema.WorkflowSequential, info.Type)
	assert.Equal(t, "sequential", info.Config["type"])
}

func TestState_ScopedByWorkflow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a, b := f.b.State("wf-a"), f.b.State("wf-b")

	require.NoError(t, a.Set(ctx, "count", 1))
	require.NoError(t, a.Set(ctx, "user", map[string]any{"name": "ada"}))
	require.NoError(t, b.Set(ctx, "count", 9))

	v, err := a.Get(ctx, "count")
	require.NoError(t, err)
	assert.Equal(t, 1, v)
	v, err = b.Get(ctx, "count")
	require.NoError(t, err)
	assert.Equal(t, 9, v)

	raw, err := f.store.Get(ctx, "workflow:wf-a:user")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"name": "ada"}, raw)

	v, err = a.Get(ctx, "missing")
	require.NoError(t, err)
	assert.Nil(t, v)

	keys, err := a.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"count", "user"}, keys)

	require.NoError(t, a.Set(ctx, "count", nil))
	keys, err = a.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"user"}, keys)

	_, err = a.Get(ctx, "")
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
}

func TestEvent_EmitRunsHooksAndPublishes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ch, unsubscribe, err := f.hub.Subscribe(ctx, streaming.Filter{Types: []string{schema.EventScriptEvent}})
	require.NoError(t, err)
	defer unsubscribe()

	var seen *hooks.Context
	require.NoError(t, f.hooks.Register(schema.CustomHookPoint("user.created"), hooks.Func("enrich", func(_ context.Context, hc *hooks.Context) hooks.Result {
		seen = hc
		data := hc.Data["data"].(map[string]any)
		data["enriched"] = true
		return hooks.Modify(data)
	}), 0))
	require.NoError(t, f.hooks.Register(schema.CustomHookPoint("user.deleted"), hooks.Func("guard", func(context.Context, *hooks.Context) hooks.Result {
		return hooks.Cancel("deletes are disabled")
	}), 0))

	require.NoError(t, f.b.Event().Emit(ctx, "user.created", map[string]any{"id": 7}))
	require.NotNil(t, seen)
	assert.Equal(t, EventHookComponent, seen.Component)
	assert.Equal(t, "user.created", seen.Data["event"])

	select {
	case ev := <-ch:
		assert.Equal(t, "user.created", ev.Source)
		assert.Equal(t, map[string]any{"id": 7, "enriched": true}, ev.Payload)
	case <-time.After(time.Second):
		t.Fatal("no script event published")
	}

	err = f.b.Event().Emit(ctx, "user.deleted", nil)
	assert.True(t, schema.IsCode(err, schema.ErrCodeCancelled))
	select {
	case ev := <-ch:
		t.Fatalf("cancelled event published: %+v", ev)
	default:
	}

	assert.True(t, schema.IsCode(f.b.Event().Emit(ctx, "", nil), schema.ErrCodeValidation))

	stats := f.b.Event().Stats()
	assert.EqualValues(t, 1, stats.Emitted)
	assert.EqualValues(t, 1, stats.Cancelled)
	assert.Equal(t, map[string]int64{"user.created": 1}, stats.ByName)
}

func TestEvent_SubscribeReceive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ev := f.b.Event()

	id, err := ev.Subscribe("order.*")
	require.NoError(t, err)
	assert.Equal(t, 1, ev.Stats().Subscriptions)

	require.NoError(t, ev.Emit(ctx, "user.created", nil))
	require.NoError(t, ev.Emit(ctx, "order.placed", map[string]any{"total": 3}))

	got, err := ev.Receive(ctx, id, time.Second)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "order.placed", got.Source)

	got, err = ev.Receive(ctx, id, 10*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, got)

	assert.True(t, ev.Unsubscribe(id))
	assert.False(t, ev.Unsubscribe(id))
	_, err = ev.Receive(ctx, id, time.Millisecond)
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))

	_, err = ev.Subscribe("[")
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
}

func TestInstall(t *testing.T) {
	f := newFixture(t)
	host := mapHost{}
	require.NoError(t, f.b.Install(host, "wf-1"))

	assert.Same(t, f.b.Workflow(), host[GlobalWorkflow])
	assert.Same(t, f.b.Event(), host[GlobalEvent])
	st, ok := host[GlobalState].(*StateNamespace)
	require.True(t, ok)
	assert.Equal(t, "wf-1", st.WorkflowID())

	err := f.b.Install(failingHost{}, "wf-1")
	assert.True(t, schema.IsCode(err, schema.ErrCodeInternal))
}

func TestCall(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	out, err := f.b.Call(ctx, "workflow.sequential", map[string]any{
		"config": map[string]any{"name": "greet", "steps": echoSteps("hello")},
	})
	require.NoError(t, err)
	assert.Equal(t, "greet", out.(Info).Name)

	out, err = f.b.Call(ctx, "workflow.execute", map[string]any{"id": "greet", "input": map[string]any{"x": 1}})
	require.NoError(t, err)
	assert.True(t, out.(*workflow.Result).Success)

	_, err = f.b.Call(ctx, "state.set", map[string]any{"workflow_id": "greet", "key": "k", "value": "v"})
	require.NoError(t, err)
	out, err = f.b.Call(ctx, "state.get", map[string]any{"workflow_id": "greet", "key": "k"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"value": "v"}, out)

	out, err = f.b.Call(ctx, "event.subscribe", map[string]any{"pattern": "*"})
	require.NoError(t, err)
	sub := out.(map[string]any)["subscription_id"].(string)
	_, err = f.b.Call(ctx, "event.emit", map[string]any{"name": "ping", "data": map[string]any{"n": 1}})
	require.NoError(t, err)
	out, err = f.b.Call(ctx, "event.receive", map[string]any{"subscription_id": sub, "timeout_ms": float64(500)})
	require.NoError(t, err)
	assert.Equal(t, "ping", out.(map[string]any)["event"].(*streaming.Event).Source)

	_, err = f.b.Call(ctx, "workflow.loop", map[string]any{})
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
	_, err = f.b.Call(ctx, "workflow.fly", nil)
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))

	assert.Contains(t, f.b.Methods(), "workflow.register")
	assert.Contains(t, f.b.Methods(), "event.emit")
	assert.IsIncreasing(t, f.b.Methods())
}
