package diagram

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/agentscript/internal/workflow"
)

func TestRenderASCII_Sequential(t *testing.T) {
	m, err := Build(sequential(t, newRuntime(t), echo("fetch"), echo("store")), nil)
	require.NoError(t, err)

	out := RenderASCII(m)
	assert.True(t, strings.HasPrefix(out, "=== etl ===\n"))
	assert.Contains(t, out, "│ fetch │")
	assert.Contains(t, out, "│ Start │")
	assert.Equal(t, 3, strings.Count(out, "▼"))
}

func TestRenderASCII_LoopOverlay(t *testing.T) {
	wf := loop(t, newRuntime(t))
	res, err := wf.Execute(context.Background(), workflow.RunOptions{})
	require.NoError(t, err)
	m, err := Build(wf, res)
	require.NoError(t, err)

	out := RenderASCII(m)
	assert.Contains(t, out, "range 0..3 step 1")
	assert.Contains(t, out, "[OK]")
	assert.Contains(t, out, "--- range 0..3 step 1: body ---")
	assert.Contains(t, out, "1. process (echo) [OK] x3")
}

func TestMakeBox_Width(t *testing.T) {
	box := makeBox(&Node{Label: "abc", Status: &StatusOverlay{Status: "failed", DurationMs: 12}})
	require.Len(t, box.lines, 5)
	assert.Equal(t, 10, box.width)
	assert.Equal(t, "│ [FAIL] │", box.lines[2])
	assert.Equal(t, "│ 12ms   │", box.lines[3])
}
