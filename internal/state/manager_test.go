package state

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/agentscript/pkg/schema"
)

func newTestManager(opts Options) *Manager {
	if opts.WorkflowName == "" {
		opts.WorkflowName = "wf"
		opts.WorkflowID = schema.NewComponentID("wf")
	}
	return NewManager(opts)
}

func TestManager_Lifecycle(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(Options{})
	assert.Equal(t, schema.WorkflowStatusPending, m.Status())
	assert.NotEmpty(t, m.ExecutionID())

	var events []string
	m.Observe(func(_ context.Context, c Change) {
		if c.Kind == ChangeStatus {
			events = append(events, c.Event)
		}
	})

	require.NoError(t, m.StartExecution(ctx))
	assert.Equal(t, schema.WorkflowStatusRunning, m.Status())
	require.NoError(t, m.CompleteExecution(ctx, true))
	assert.Equal(t, schema.WorkflowStatusCompleted, m.Status())

	// Terminal states absorb later decisions.
	require.NoError(t, m.CancelExecution(ctx))
	assert.Equal(t, schema.WorkflowStatusCompleted, m.Status())

	assert.Equal(t, []string{schema.EventWorkflowStarted, schema.EventWorkflowCompleted}, events)
}

func TestManager_InvalidTransition(t *testing.T) {
	m := newTestManager(Options{})
	err := m.CompleteExecution(context.Background(), false)
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeConflict))

	require.NoError(t, m.StartExecution(context.Background()))
	assert.True(t, schema.IsCode(m.StartExecution(context.Background()), schema.ErrCodeConflict))
}

func TestManager_CancelAndTimeoutWin(t *testing.T) {
	ctx := context.Background()

	m := newTestManager(Options{})
	require.NoError(t, m.StartExecution(ctx))
	require.NoError(t, m.MarkTimedOut(ctx))
	require.NoError(t, m.CompleteExecution(ctx, false))
	assert.Equal(t, schema.WorkflowStatusTimedOut, m.Status())

	c := newTestManager(Options{})
	require.NoError(t, c.CancelExecution(ctx))
	assert.Equal(t, schema.WorkflowStatusCancelled, c.Status())
}

func TestManager_SharedDataReadYourWrites(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(Options{Initial: map[string]any{"mode": "y"}})

	v, ok := m.GetSharedData("mode")
	require.True(t, ok)
	assert.Equal(t, "y", v)

	m.SetSharedData(ctx, "profile", map[string]any{"age": 3})
	v, ok = m.GetSharedData("profile")
	require.True(t, ok)
	assert.Equal(t, map[string]any{"age": 3}, v)

	// Returned values are copies.
	v.(map[string]any)["age"] = 99
	again, _ := m.GetSharedData("profile")
	assert.Equal(t, 3, again.(map[string]any)["age"])

	m.DeleteSharedData("mode")
	_, ok = m.GetSharedData("mode")
	assert.False(t, ok)
}

func TestManager_ExecutionIsolation(t *testing.T) {
	ctx := context.Background()
	initial := map[string]any{"k": "v"}
	a := newTestManager(Options{Initial: initial})
	b := newTestManager(Options{Initial: initial})

	a.SetSharedData(ctx, "k", "changed")
	v, _ := b.GetSharedData("k")
	assert.Equal(t, "v", v)
	assert.Equal(t, "v", initial["k"])
	assert.NotEqual(t, a.ExecutionID(), b.ExecutionID())
}

func TestManager_StepHistoryAppendOnly(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(Options{})
	stepA := schema.NewComponentID("a")

	m.RecordStepResult(ctx, schema.StepResult{StepID: stepA, StepName: "a", Success: false, Attempts: 1})
	m.RecordStepResult(ctx, schema.StepResult{StepID: stepA, StepName: "a", Success: true, Output: "ok", Attempts: 2})
	assert.Equal(t, 1, m.AdvanceStep())

	snap := m.Snapshot()
	require.Len(t, snap.StepHistory, 2)
	assert.False(t, snap.StepHistory[0].Success)
	assert.Equal(t, 1, snap.CurrentStep)

	last, ok := m.LastResult(stepA)
	require.True(t, ok)
	assert.True(t, last.Success)
	_, ok = m.LastResult(schema.NewComponentID("missing"))
	assert.False(t, ok)

	scope := m.Scope()
	entry := scope.Steps["a"].(map[string]any)
	assert.Equal(t, "ok", entry["output"])
	assert.Equal(t, "wf", scope.Workflow["name"])
}

func TestManager_SnapshotIsDeepCopy(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(Options{})
	m.SetSharedData(ctx, "list", []any{1, 2})

	snap := m.Snapshot()
	snap.SharedData["list"].([]any)[0] = 100
	v, _ := m.GetSharedData("list")
	assert.Equal(t, []any{1, 2}, v)
}

func TestManager_CheckExecutionTimeout(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(Options{Timeout: time.Minute})
	now := time.Unix(1_700_000_000, 0)
	m.clock = func() time.Time { return now }

	assert.False(t, m.CheckExecutionTimeout(), "not started")
	require.NoError(t, m.StartExecution(ctx))
	assert.False(t, m.CheckExecutionTimeout())

	now = now.Add(2 * time.Minute)
	assert.True(t, m.CheckExecutionTimeout())
	assert.Equal(t, 2*time.Minute, m.Elapsed())

	unbounded := newTestManager(Options{})
	require.NoError(t, unbounded.StartExecution(ctx))
	assert.False(t, unbounded.CheckExecutionTimeout())
}

func TestManager_ConcurrentWriters(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(Options{})
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			m.RecordStepResult(ctx, schema.StepResult{StepName: "s", Attempts: 1})
			m.SetSharedData(ctx, "n", n)
			_ = m.Snapshot()
		}(i)
	}
	wg.Wait()
	assert.Len(t, m.Snapshot().StepHistory, 50)
}

func TestManager_Persist(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	m := newTestManager(Options{ExecutionID: "exec-1", Initial: map[string]any{"x": 1}})
	require.NoError(t, m.StartExecution(ctx))
	m.RecordStepResult(ctx, schema.StepResult{StepName: "a", Success: true, Output: "ok", Attempts: 1})
	require.NoError(t, m.CompleteExecution(ctx, true))

	require.NoError(t, m.Persist(ctx, store))
	got, err := store.Get(ctx, ExecutionKey("exec-1"))
	require.NoError(t, err)
	doc := got.(map[string]any)
	assert.Equal(t, "completed", doc["status"])
	assert.Equal(t, 1, doc["schema_version"])
	assert.Len(t, doc["step_history"], 1)
}
