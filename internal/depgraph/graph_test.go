package depgraph

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/agentscript/internal/hooks"
	"github.com/rendis/agentscript/pkg/schema"
)

var _ hooks.Ordering = (*Graph)(nil)

func id(name string) schema.ComponentID { return schema.NewComponentID(name) }

func addNodes(t *testing.T, g *Graph, point schema.HookPoint, names ...string) {
	t.Helper()
	for _, n := range names {
		require.NoError(t, g.AddNode(Node{Name: n, HookPoints: []schema.HookPoint{point}}))
	}
}

func names(g *Graph, ids []schema.ComponentID) []string {
	out := make([]string, len(ids))
	for i, x := range ids {
		n, _ := g.Node(x)
		out[i] = n.Name
	}
	return out
}

func TestExecutionOrder_Phases(t *testing.T) {
	g := New(nil)
	addNodes(t, g, schema.HookStepStart, "auth", "audit", "cache", "metrics")
	require.NoError(t, g.AddDependency(id("cache"), id("auth"), schema.HookStepStart))
	require.NoError(t, g.AddDependency(id("metrics"), id("cache"), schema.HookStepStart))
	require.NoError(t, g.AddDependency(id("metrics"), id("audit"), schema.HookStepStart))

	order, err := g.ExecutionOrder()
	require.NoError(t, err)
	assert.Equal(t, []string{"audit", "auth", "cache", "metrics"}, names(g, order.Sequence))
	require.Len(t, order.Phases, 3)
	assert.Equal(t, []string{"audit", "auth"}, names(g, order.Phases[0]))
	assert.Equal(t, []string{"cache"}, names(g, order.Phases[1]))
	assert.Equal(t, []string{"metrics"}, names(g, order.Phases[2]))
	assert.Empty(t, order.Warnings)
}

func TestExecutionOrder_PriorityWithinPhase(t *testing.T) {
	g := New(nil)
	require.NoError(t, g.AddNode(Node{Name: "low", Priority: 1}))
	require.NoError(t, g.AddNode(Node{Name: "high", Priority: 10}))
	order, err := g.ExecutionOrder()
	require.NoError(t, err)
	assert.Equal(t, []string{"high", "low"}, names(g, order.Sequence))
}

func TestAddDependency_RejectsCycleAndRollsBack(t *testing.T) {
	g := New(nil)
	addNodes(t, g, schema.HookStepStart, "a", "b", "c")
	require.NoError(t, g.AddDependency(id("b"), id("a"), schema.HookStepStart))
	require.NoError(t, g.AddDependency(id("c"), id("b"), schema.HookStepStart))

	err := g.AddDependency(id("a"), id("c"), schema.HookStepStart)
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeCycleDetected))
	assert.Contains(t, err.Error(), "->")

	assert.Empty(t, g.Dependencies(id("a")))
	assert.NoError(t, g.DetectCycles())
	order, err := g.ExecutionOrder()
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, names(g, order.Sequence))
}

func TestAddDependency_RollbackRemovesCreatedNodes(t *testing.T) {
	g := New(nil)
	err := g.AddDependency(id("x"), id("x"), schema.HookStepStart)
	assert.True(t, schema.IsCode(err, schema.ErrCodeCycleDetected))
	assert.Zero(t, g.Len())

	require.NoError(t, g.AddDependency(id("p"), id("q"), schema.HookStepStart))
	assert.Equal(t, 2, g.Len())
	require.Error(t, g.AddDependency(id("q"), id("p"), schema.HookStepStart))
	assert.Equal(t, 2, g.Len())
}

func TestSoftDependencies(t *testing.T) {
	g := New(nil)
	addNodes(t, g, schema.HookStepStart, "a", "b")
	require.NoError(t, g.AddDependencyWith(id("a"), Dependency{DependsOn: id("b"), HookPoint: schema.HookStepStart, Reason: "nice to have"}))
	// A soft edge back does not count as a cycle.
	require.NoError(t, g.AddDependency(id("b"), id("a"), schema.HookStepStart))

	order, err := g.ExecutionOrder()
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, names(g, order.Sequence))
	assert.Equal(t, []string{"Soft dependency from a to b may affect execution order"}, order.Warnings)
}

func TestExecutionOrderFor_FiltersByPoint(t *testing.T) {
	g := New(nil)
	require.NoError(t, g.AddNode(Node{Name: "a", HookPoints: []schema.HookPoint{schema.HookStepStart, schema.HookStepComplete}}))
	require.NoError(t, g.AddNode(Node{Name: "b", HookPoints: []schema.HookPoint{schema.HookStepStart}}))
	require.NoError(t, g.AddNode(Node{Name: "c", HookPoints: []schema.HookPoint{schema.HookStepComplete}}))
	require.NoError(t, g.AddDependency(id("a"), id("b"), schema.HookStepStart))
	require.NoError(t, g.AddDependency(id("a"), id("c"), schema.HookStepComplete))

	start, err := g.ExecutionOrderFor(schema.HookStepStart)
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "a"}, names(g, start.Sequence))

	done, err := g.ExecutionOrderFor(schema.HookStepComplete)
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "a"}, names(g, done.Sequence))

	none, err := g.ExecutionOrderFor(schema.HookWorkflowStart)
	require.NoError(t, err)
	assert.Empty(t, none.Sequence)

	// Mutations invalidate cached orders.
	assert.True(t, g.RemoveDependency(id("a"), id("b"), schema.HookStepStart))
	start, err = g.ExecutionOrderFor(schema.HookStepStart)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, names(g, start.Sequence))
	assert.False(t, g.RemoveDependency(id("a"), id("b"), schema.HookStepStart))
}

func TestRunPhases(t *testing.T) {
	g := New(nil)
	addNodes(t, g, schema.HookStepStart, "a", "b", "c")
	require.NoError(t, g.AddDependency(id("c"), id("a"), schema.HookStepStart))
	require.NoError(t, g.AddDependency(id("c"), id("b"), schema.HookStepStart))
	order, err := g.ExecutionOrder()
	require.NoError(t, err)

	var mu sync.Mutex
	var seen []string
	var running, peak atomic.Int32
	err = RunPhases(context.Background(), order, 0, func(_ context.Context, x schema.ComponentID) error {
		n := running.Add(1)
		defer running.Add(-1)
		for p := peak.Load(); n > p && !peak.CompareAndSwap(p, n); p = peak.Load() {
		}
		time.Sleep(20 * time.Millisecond)
		node, _ := g.Node(x)
		mu.Lock()
		seen = append(seen, node.Name)
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)
	require.Len(t, seen, 3)
	assert.Equal(t, "c", seen[2])
	assert.ElementsMatch(t, []string{"a", "b"}, seen[:2])
	assert.Equal(t, int32(2), peak.Load())
}

func TestRunPhases_StopsOnError(t *testing.T) {
	g := New(nil)
	addNodes(t, g, schema.HookStepStart, "a", "b")
	require.NoError(t, g.AddDependency(id("b"), id("a"), schema.HookStepStart))
	order, err := g.ExecutionOrder()
	require.NoError(t, err)

	boom := errors.New("boom")
	var calls atomic.Int32
	err = RunPhases(context.Background(), order, 1, func(context.Context, schema.ComponentID) error {
		calls.Add(1)
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.EqualValues(t, 1, calls.Load())
}

func TestOrder_ReordersKnownHooksOnly(t *testing.T) {
	g := New(nil)
	addNodes(t, g, schema.HookStepStart, "second", "first")
	require.NoError(t, g.AddDependency(id("second"), id("first"), schema.HookStepStart))

	got := g.Order(schema.HookStepStart, []string{"second", "stranger", "first"})
	assert.Equal(t, []string{"first", "stranger", "second"}, got)

	assert.Equal(t, []string{"x"}, g.Order(schema.HookStepStart, []string{"x"}))
}

func TestOrder_DrivesHookExecutor(t *testing.T) {
	g := New(nil)
	addNodes(t, g, schema.HookStepStart, "late", "early")
	require.NoError(t, g.AddDependency(id("late"), id("early"), schema.HookStepStart))

	reg := hooks.NewRegistry()
	var mu sync.Mutex
	var ran []string
	for _, name := range []string{"late", "early"} {
		require.NoError(t, reg.Register(schema.HookStepStart, hooks.Func(name, func(context.Context, *hooks.Context) hooks.Result {
			mu.Lock()
			ran = append(ran, name)
			mu.Unlock()
			return hooks.Continue()
		}), 10))
	}
	exec := hooks.NewExecutor(reg, hooks.WithOrdering(g))
	exec.ExecuteHooks(context.Background(), &hooks.Context{Point: schema.HookStepStart})
	assert.Equal(t, []string{"early", "late"}, ran)
}
