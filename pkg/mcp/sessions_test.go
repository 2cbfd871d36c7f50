package mcp

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSessionRegistry_ReconnectReplacesSession(t *testing.T) {
	r := NewSessionRegistry()
	r.Register("planner", "s-old")
	r.Register("planner", "s-new")

	sid, ok := r.SessionFor("planner")
	assert.True(t, ok)
	assert.Equal(t, "s-new", sid)

	_, ok = r.SessionFor("reviewer")
	assert.False(t, ok)
}

func TestSessionRegistry_RemoveDropsEveryAgentOfSession(t *testing.T) {
	r := NewSessionRegistry()
	r.Register("planner", "s-1")
	r.Register("coder", "s-1")
	r.Register("reviewer", "s-2")

	r.Remove("s-1")

	assert.Equal(t, []string{"reviewer"}, r.Agents())
}

func TestSessionRegistry_LastSeen(t *testing.T) {
	r := NewSessionRegistry()
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	r.now = func() time.Time { return at }

	r.Register("planner", "s-1")
	seen, ok := r.LastSeen("planner")
	assert.True(t, ok)
	assert.Equal(t, at, seen)
}
