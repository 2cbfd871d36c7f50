package expressions

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func loopScope() *Scope {
	return &Scope{
		Shared: map[string]any{"count": 3, "tags": []string{"a", "b"}},
		Steps: map[string]any{
			"fetch": StepEntry("ok", true, "", 1),
		},
		Workflow: map[string]any{"name": "router"},
		Loop:     &LoopScope{Value: "b", Index: 2},
	}
}

func TestScope_MapAndNamespaces(t *testing.T) {
	s := &Scope{Shared: map[string]any{"k": 1}}

	m := s.Map()
	assert.NotContains(t, m, "iter")
	assert.Equal(t, map[string]any{}, m["steps"])

	ns := s.Namespaces()
	assert.Equal(t, map[string]any{}, ns["iter"])
	assert.Equal(t, map[string]any{"k": 1}, ns["shared"])

	var none *Scope
	assert.Len(t, none.Namespaces(), 4)

	assert.Equal(t, map[string]any{"value": "b", "index": 2}, loopScope().Namespaces()["iter"])
}

func TestEngines_EvaluateScope(t *testing.T) {
	ctx := context.Background()
	cel, err := NewCELEngine()
	require.NoError(t, err)

	tests := []struct {
		engine ScopeEngine
		expr   string
		want   any
	}{
		{cel, `shared.count > 2 && steps.fetch.success`, true},
		{cel, `iter.value == "b" && workflow.name == "router"`, true},
		{NewExprEngine(), `shared.count > 2 && steps.fetch.success`, true},
		{NewExprEngine(), `iter.index + 1`, 3},
		{NewGoJQEngine(), `.count > 2 and $steps.fetch.success`, true},
		{NewGoJQEngine(), `[$iter.index, $workflow.name, (.tags | length)]`, []any{float64(2), "router", 2}},
	}
	for _, tt := range tests {
		t.Run(tt.engine.Name()+"/"+tt.expr, func(t *testing.T) {
			out, err := tt.engine.EvaluateScope(ctx, tt.expr, loopScope())
			require.NoError(t, err)
			assert.Equal(t, tt.want, out)
		})
	}
}

func TestEngines_EvaluateScopeOutsideLoop(t *testing.T) {
	ctx := context.Background()
	cel, err := NewCELEngine()
	require.NoError(t, err)

	out, err := cel.EvaluateScope(ctx, `size(iter) == 0`, nil)
	require.NoError(t, err)
	assert.Equal(t, true, out)

	out, err = NewGoJQEngine().EvaluateScope(ctx, `$iter | length`, &Scope{})
	require.NoError(t, err)
	assert.Equal(t, 0, out)

	// Unbound variables are empty objects for plain input too.
	out, err = NewGoJQEngine().EvaluateValue(ctx, `$steps | length`, "x")
	require.NoError(t, err)
	assert.Equal(t, 0, out)
}

func TestScopeBool(t *testing.T) {
	ctx := context.Background()
	e := NewExprEngine()

	ok, err := ScopeBool(ctx, e, `shared.count == 3`, loopScope())
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = ScopeBool(ctx, e, `shared.count`, loopScope())
	assert.ErrorContains(t, err, "want bool")
}
