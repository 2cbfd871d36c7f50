package mcp

import (
	"context"
	"errors"

	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/agentscript/internal/streaming"
	"github.com/rendis/agentscript/pkg/schema"
)

// AgentNotifier pushes notifications to connected agents.
type AgentNotifier interface {
	Notify(ctx context.Context, agentID string, payload map[string]any) error
}

// Notifier pushes runtime events to MCP sessions.
type Notifier struct {
	mcpServer *server.MCPServer
	sessions  *SessionRegistry
}

// NewNotifier creates a notifier over mcpServer.
func NewNotifier(mcpServer *server.MCPServer, sessions *SessionRegistry) *Notifier {
	return &Notifier{mcpServer: mcpServer, sessions: sessions}
}

// Notify sends a notification to the agent's session.
// Best-effort: returns nil if the agent is not connected.
func (n *Notifier) Notify(_ context.Context, agentID string, payload map[string]any) error {
	sessionID, ok := n.sessions.SessionFor(agentID)
	if !ok {
		return nil
	}
	err := n.mcpServer.SendNotificationToSpecificClient(sessionID, "notifications/message", payload)
	if errors.Is(err, server.ErrSessionNotFound) {
		n.sessions.Remove(sessionID)
		return nil
	}
	return err
}

// Forward relays script events and config changes from hub to every
// connected session until ctx is cancelled. Events whose payload carries an
// agent_id go to that agent only.
func (n *Notifier) Forward(ctx context.Context, hub streaming.Hub) error {
	ch, cancel, err := hub.Subscribe(ctx, streaming.Filter{
		Types: []string{schema.EventScriptEvent, schema.EventConfigChanged},
	})
	if err != nil {
		return err
	}
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			payload := eventPayload(ev)
			if agentID := targetAgent(ev); agentID != "" {
				_ = n.Notify(ctx, agentID, payload)
				continue
			}
			n.mcpServer.SendNotificationToAllClients("notifications/message", payload)
		}
	}
}

func eventPayload(ev streaming.Event) map[string]any {
	return map[string]any{
		"level":  "info",
		"logger": ev.Type,
		"data": map[string]any{
			"source":       ev.Source,
			"execution_id": ev.ExecutionID,
			"payload":      ev.Payload,
			"timestamp":    ev.Timestamp,
		},
	}
}

func targetAgent(ev streaming.Event) string {
	m, ok := ev.Payload.(map[string]any)
	if !ok {
		return ""
	}
	id, _ := m["agent_id"].(string)
	return id
}
