package mcp

import (
	"sort"
	"sync"
	"time"
)

type session struct {
	id   string
	seen time.Time
}

// SessionRegistry maps agent IDs to MCP session IDs. Tools that take an
// agent_id register the caller's session so targeted events reach it.
type SessionRegistry struct {
	mu       sync.RWMutex
	sessions map[string]session
	now      func() time.Time
}

// NewSessionRegistry creates an empty registry.
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{sessions: make(map[string]session), now: time.Now}
}

// Register points agentID at sessionID, replacing an older session after a
// reconnect.
func (r *SessionRegistry) Register(agentID, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[agentID] = session{id: sessionID, seen: r.now()}
}

// SessionFor returns the agent's session, if connected.
func (r *SessionRegistry) SessionFor(agentID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[agentID]
	return s.id, ok
}

// LastSeen returns when the agent last called a tool.
func (r *SessionRegistry) LastSeen(agentID string) (time.Time, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[agentID]
	return s.seen, ok
}

// Remove drops every agent bound to sessionID.
func (r *SessionRegistry) Remove(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for agent, s := range r.sessions {
		if s.id == sessionID {
			delete(r.sessions, agent)
		}
	}
}

// Agents lists the connected agent IDs, sorted.
func (r *SessionRegistry) Agents() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.sessions))
	for agent := range r.sessions {
		out = append(out, agent)
	}
	sort.Strings(out)
	return out
}
