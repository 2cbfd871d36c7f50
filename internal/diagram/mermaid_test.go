package diagram

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/agentscript/internal/workflow"
)

func TestRenderMermaid_Sequential(t *testing.T) {
	m, err := Build(sequential(t, newRuntime(t), echo("fetch"), echo("store")), nil)
	require.NoError(t, err)

	out := RenderMermaid(m)
	assert.True(t, strings.HasPrefix(out, "graph TD\n"))
	assert.Contains(t, out, "%% etl")
	assert.Contains(t, out, `step_0["fetch"]`)
	assert.Contains(t, out, `__start__(("Start"))`)
	assert.Contains(t, out, "step_0 --> step_1")
	assert.Contains(t, out, "step_1 --> __end__")
	assert.Contains(t, out, "classDef completed")
	assert.NotContains(t, out, "class step_0")
}

func TestRenderMermaid_ConditionalShapesAndLabels(t *testing.T) {
	m, err := Build(conditional(t, newRuntime(t)), nil)
	require.NoError(t, err)

	out := RenderMermaid(m)
	assert.Contains(t, out, `decision{"conditional"}`)
	assert.Contains(t, out, `branch_1[["exists"]]`)
	assert.Contains(t, out, `decision -->|"exists ready"| branch_1`)
	assert.Contains(t, out, `subgraph branch_1_exists["exists"]`)
	assert.Contains(t, out, "branch_1 -.- branch_1_0")
}

func TestRenderMermaid_StatusClasses(t *testing.T) {
	wf := parallel(t, newRuntime(t))
	res, err := wf.Execute(context.Background(), workflow.RunOptions{})
	require.NoError(t, err)
	m, err := Build(wf, res)
	require.NoError(t, err)

	out := RenderMermaid(m)
	assert.Contains(t, out, "class branch_0 completed")
	assert.Contains(t, out, "class branch_1 failed")
	assert.Contains(t, out, "class branch_0_0 completed")
	assert.Contains(t, out, `fork>"parallel (max 2)"]`)
}

func TestMermaidSafeID(t *testing.T) {
	assert.Equal(t, "branch_0_1", mermaidSafeID("branch_0.1"))
	assert.Equal(t, "fan_out_x", mermaidSafeID("fan-out x"))
}
