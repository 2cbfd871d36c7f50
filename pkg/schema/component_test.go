package schema

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewComponentID_StableFromName(t *testing.T) {
	a := NewComponentID("fetch-data")
	b := NewComponentID("fetch-data")
	c := NewComponentID("store-data")

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.False(t, a.IsZero())
}

func TestRandomComponentID_Unique(t *testing.T) {
	assert.NotEqual(t, RandomComponentID(), RandomComponentID())
	assert.True(t, ComponentID{}.IsZero())
}

func TestComponentID_JSON(t *testing.T) {
	id := NewComponentID("step")
	data, err := json.Marshal(struct {
		ID ComponentID `json:"id"`
	}{id})
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"`+id.String()+`"}`, string(data))

	var out struct {
		ID ComponentID `json:"id"`
	}
	require.NoError(t, json.Unmarshal(data, &out))
	assert.Equal(t, id, out.ID)
}

func TestParseComponentID(t *testing.T) {
	id := NewComponentID("x")
	parsed, err := ParseComponentID(id.String())
	require.NoError(t, err)
	assert.Equal(t, id, parsed)

	_, err = ParseComponentID("not-a-uuid")
	require.Error(t, err)
	assert.True(t, IsCode(err, ErrCodeValidation))
}
