package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/agentscript/internal/store"
	"github.com/rendis/agentscript/pkg/schema"
)

// handleDefine registers a workflow in the bindings catalogue.
func (s *Server) handleDefine(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	kind, err := req.RequireString("type")
	if err != nil {
		return mcp.NewToolResultError("type is required"), nil
	}
	def := mcp.ParseStringMap(req, "definition", nil)
	if def == nil {
		return mcp.NewToolResultError("definition is required"), nil
	}
	s.captureSession(ctx, req.GetString("agent_id", ""))

	doc := make(map[string]any, len(def)+2)
	for k, v := range def {
		doc[k] = v
	}
	doc["type"] = kind
	if desc := req.GetString("description", ""); desc != "" {
		doc["description"] = desc
	}
	return s.call(ctx, "workflow.register", map[string]any{"definition": doc})
}

// handleExecute runs a catalogued workflow and returns its result.
func (s *Server) handleExecute(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("id")
	if err != nil {
		return mcp.NewToolResultError("id is required"), nil
	}
	s.captureSession(ctx, req.GetString("agent_id", ""))
	return s.call(ctx, "workflow.execute", map[string]any{
		"id":    id,
		"input": mcp.ParseStringMap(req, "input", map[string]any{}),
	})
}

func (s *Server) handleList(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	list, err := s.bindings.Call(ctx, "workflow.list", nil)
	if err != nil {
		return toolError(err), nil
	}
	types, err := s.bindings.Call(ctx, "workflow.types", nil)
	if err != nil {
		return toolError(err), nil
	}
	return marshalResult(map[string]any{"workflows": list, "types": types})
}

func (s *Server) handleRemove(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("id")
	if err != nil {
		return mcp.NewToolResultError("id is required"), nil
	}
	return s.call(ctx, "workflow.remove", map[string]any{"id": id})
}

// handleState maps the action onto the State binding of workflow_id.
func (s *Server) handleState(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	action, err := req.RequireString("action")
	if err != nil {
		return mcp.NewToolResultError("action is required"), nil
	}
	workflowID, err := req.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError("workflow_id is required"), nil
	}
	args := map[string]any{"workflow_id": workflowID, "key": req.GetString("key", "")}
	switch action {
	case "get", "delete", "keys":
	case "set":
		args["value"] = req.GetArguments()["value"]
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown state action %q", action)), nil
	}
	return s.call(ctx, "state."+action, args)
}

func (s *Server) handleEmit(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, err := req.RequireString("name")
	if err != nil {
		return mcp.NewToolResultError("name is required"), nil
	}
	s.captureSession(ctx, req.GetString("agent_id", ""))
	return s.call(ctx, "event.emit", map[string]any{
		"name": name,
		"data": mcp.ParseStringMap(req, "data", map[string]any{}),
	})
}

// handleConfig runs one operation through the MCP client's config bridge.
func (s *Server) handleConfig(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	action, err := req.RequireString("action")
	if err != nil {
		return mcp.NewToolResultError("action is required"), nil
	}
	path := req.GetString("path", "")
	b := s.config

	switch action {
	case "get":
		if path == "" {
			tree, err := b.Get(ctx)
			if err != nil {
				return toolError(err), nil
			}
			return marshalResult(tree)
		}
		v, found, err := b.Value(ctx, path)
		if err != nil {
			return toolError(err), nil
		}
		return marshalResult(map[string]any{"path": path, "found": found, "value": v})
	case "set":
		if err := b.Set(ctx, path, req.GetArguments()["value"]); err != nil {
			return toolError(err), nil
		}
		return marshalResult(map[string]any{"ok": true, "path": path})
	case "delete":
		if err := b.Delete(ctx, path); err != nil {
			return toolError(err), nil
		}
		return marshalResult(map[string]any{"ok": true, "path": path})
	case "snapshot":
		ts, err := b.Snapshot(ctx)
		if err != nil {
			return toolError(err), nil
		}
		return marshalResult(map[string]any{"timestamp": strconv.FormatInt(ts, 10)})
	case "snapshots":
		stamps := b.Snapshots()
		out := make([]string, len(stamps))
		for i, ts := range stamps {
			out[i] = strconv.FormatInt(ts, 10)
		}
		return marshalResult(map[string]any{"timestamps": out})
	case "restore":
		ts, err := strconv.ParseInt(req.GetString("timestamp", ""), 10, 64)
		if err != nil {
			return mcp.NewToolResultError("timestamp must be a snapshot timestamp"), nil
		}
		tree, err := b.RestoreSnapshot(ctx, ts)
		if err != nil {
			return toolError(err), nil
		}
		return marshalResult(tree)
	}
	return mcp.NewToolResultError(fmt.Sprintf("unknown config action %q", action)), nil
}

// handleHistory answers hook history queries for the store's tenant.
func (s *Server) handleHistory(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	action, err := req.RequireString("action")
	if err != nil {
		return mcp.NewToolResultError("action is required"), nil
	}
	value := req.GetString("value", "")
	limit := int(req.GetFloat("limit", 0))
	if action != "stats" && value == "" {
		return mcp.NewToolResultError("value is required"), nil
	}

	var (
		out  any
		qErr error
	)
	switch action {
	case "stats":
		out, qErr = s.history.Statistics(ctx)
	case "correlation":
		out, qErr = s.history.ByCorrelationID(ctx, value, limit)
	case "hook":
		out, qErr = s.history.ByHookID(ctx, value, store.Range{Limit: limit})
	case "type":
		out, qErr = s.history.ByType(ctx, value, store.Range{Limit: limit})
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown history action %q", action)), nil
	}
	if qErr != nil {
		return toolError(qErr), nil
	}
	return marshalResult(out)
}

// call invokes a binding and converts its result or error to a tool result.
func (s *Server) call(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error) {
	out, err := s.bindings.Call(ctx, name, args)
	if err != nil {
		s.logger.Debug("binding failed", "binding", name, "error", err)
		return toolError(err), nil
	}
	return marshalResult(out)
}

// captureSession maps the agent ID to its current MCP session for notifications.
func (s *Server) captureSession(ctx context.Context, agentID string) {
	if agentID == "" {
		return
	}
	if session := server.ClientSessionFromContext(ctx); session != nil {
		s.sessions.Register(agentID, session.SessionID())
	}
}

// toolError renders err. Runtime errors already carry their code.
func toolError(err error) *mcp.CallToolResult {
	if schema.CodeOf(err) == "" {
		return mcp.NewToolResultError("[" + schema.ErrCodeInternal + "] " + err.Error())
	}
	return mcp.NewToolResultError(err.Error())
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
