package dotpath

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGet(t *testing.T) {
	root := map[string]any{
		"name":    "x",
		"profile": map[string]any{"age": 42, "tags": []any{"a"}},
	}

	v, ok := Get(root, "profile.age")
	require.True(t, ok)
	assert.Equal(t, 42, v)

	_, ok = Get(root, "profile.missing")
	assert.False(t, ok)

	_, ok = Get(root, "name.deeper")
	assert.False(t, ok)

	_, ok = Get(root, "absent.deeper")
	assert.False(t, ok)
}

func TestSet_CreatesIntermediates(t *testing.T) {
	root := map[string]any{}
	require.True(t, Set(root, "a.b.c", 1))
	v, ok := Get(root, "a.b.c")
	require.True(t, ok)
	assert.Equal(t, 1, v)

	root["scalar"] = "s"
	assert.False(t, Set(root, "scalar.x", 2))
	assert.False(t, Set(nil, "x", 2))
}

func TestDelete(t *testing.T) {
	root := map[string]any{"a": map[string]any{"b": 1, "c": 2}}
	assert.True(t, Delete(root, "a.b"))
	assert.False(t, Delete(root, "a.b"))
	assert.False(t, Delete(root, "x.y"))
	assert.Equal(t, map[string]any{"a": map[string]any{"c": 2}}, root)
}

func TestClone_IsDeep(t *testing.T) {
	orig := map[string]any{"a": map[string]any{"b": []any{1, 2}}}
	cp := CloneMap(orig)
	Set(cp, "a.x", true)
	cp["a"].(map[string]any)["b"].([]any)[0] = 99

	_, ok := Get(orig, "a.x")
	assert.False(t, ok)
	assert.Equal(t, 1, orig["a"].(map[string]any)["b"].([]any)[0])
	assert.Equal(t, map[string]any{}, CloneMap(nil))
}

func TestNormalize(t *testing.T) {
	in := map[string]any{"outer": map[any]any{"k": []any{map[any]any{"n": 1}}}}
	out := Normalize(in).(map[string]any)
	inner := out["outer"].(map[string]any)
	assert.Equal(t, map[string]any{"n": 1}, inner["k"].([]any)[0])
}
