package expressions

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/agentscript/pkg/schema"
)

func TestCEL_ScopeVariables(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)
	assert.Equal(t, "cel", e.Name())

	scope := &Scope{
		Shared: map[string]any{"mode": "x", "count": 3},
		Steps: map[string]any{
			"fetch": StepEntry(map[string]any{"status": "ok"}, true, "", 1),
		},
		Workflow: map[string]any{"name": "router"},
		Loop:     &LoopScope{Value: "a", Index: 2},
	}

	tests := []struct {
		expr string
		want any
	}{
		{`shared.mode == "x"`, true},
		{`shared.count > 2`, true},
		{`steps.fetch.output.status == "ok"`, true},
		{`steps.fetch.success`, true},
		{`workflow.name`, "router"},
		{`iter.index == 2`, true},
		{`"missing" in shared`, false},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			out, err := e.Evaluate(context.Background(), tt.expr, scope.Map())
			require.NoError(t, err)
			assert.Equal(t, tt.want, out)
		})
	}
}

func TestCEL_MissingNamespacesDefaultEmpty(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	out, err := e.Evaluate(context.Background(), `size(steps) == 0`, nil)
	require.NoError(t, err)
	assert.Equal(t, true, out)
}

func TestCEL_Errors(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)
	ctx := context.Background()

	_, err = e.Evaluate(ctx, "", nil)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))

	_, err = e.Evaluate(ctx, "unknown_var > 1", nil)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))

	_, err = e.Evaluate(ctx, `shared.nope == 1`, map[string]any{"shared": map[string]any{}})
	assert.True(t, schema.IsCode(err, schema.ErrCodeExecution))
}
