package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/agentscript/internal/bridge"
	"github.com/rendis/agentscript/internal/config"
	"github.com/rendis/agentscript/internal/logging"
	"github.com/rendis/agentscript/internal/store"
	"github.com/rendis/agentscript/internal/streaming"
)

// ServerDeps holds the dependencies for creating a Server. Bindings is
// required; the config and history tools are registered only when their
// dependency is set.
type ServerDeps struct {
	Bindings *bridge.Bindings
	Config   *config.Manager
	// ConfigPermissions applies to every MCP client. Defaults to read-only.
	ConfigPermissions *config.Permissions
	History           store.HistoryStore
	Hub               streaming.Hub
	Logger            *slog.Logger
	Version           string
}

// Server exposes the script bindings as MCP tools.
type Server struct {
	bindings  *bridge.Bindings
	config    *config.Bridge
	history   store.HistoryStore
	hub       streaming.Hub
	logger    *slog.Logger
	sessions  *SessionRegistry
	notifier  *Notifier
	mcpServer *server.MCPServer
}

// NewServer creates a Server with its tools registered.
func NewServer(deps ServerDeps) *Server {
	s := &Server{
		bindings: deps.Bindings,
		history:  deps.History,
		hub:      deps.Hub,
		logger:   logging.OrDefault(deps.Logger).With(slog.String("component", "mcp")),
		sessions: NewSessionRegistry(),
	}
	if deps.Config != nil {
		perms := config.ReadOnly()
		if deps.ConfigPermissions != nil {
			perms = *deps.ConfigPermissions
		}
		s.config = deps.Config.Bridge("mcp", perms)
	}
	version := deps.Version
	if version == "" {
		version = "dev"
	}

	mcpSrv := server.NewMCPServer(
		"agentscript",
		version,
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("agentscript runs scripted agent workflows. Use agentscript.workflow.define to register a sequential, conditional, loop or parallel workflow, agentscript.workflow.execute to run it, agentscript.state to read and write workflow-scoped state and agentscript.event.emit to raise script events."),
	)
	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	s.notifier = NewNotifier(mcpSrv, s.sessions)
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *Server) Serve(ctx context.Context) error {
	if s.hub != nil {
		go func() {
			if err := s.notifier.Forward(ctx, s.hub); err != nil && ctx.Err() == nil {
				s.logger.Warn("event forwarding stopped", slog.String(logging.ErrorKey, err.Error()))
			}
		}()
	}
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// Sessions returns the agent to session mapping.
func (s *Server) Sessions() *SessionRegistry { return s.sessions }

func (s *Server) tools() []server.ServerTool {
	out := []server.ServerTool{
		{Tool: defineTool(), Handler: s.handleDefine},
		{Tool: executeTool(), Handler: s.handleExecute},
		{Tool: listTool(), Handler: s.handleList},
		{Tool: removeTool(), Handler: s.handleRemove},
		{Tool: stateTool(), Handler: s.handleState},
		{Tool: emitTool(), Handler: s.handleEmit},
	}
	if s.config != nil {
		out = append(out, server.ServerTool{Tool: configTool(), Handler: s.handleConfig})
	}
	if s.history != nil {
		out = append(out, server.ServerTool{Tool: historyTool(), Handler: s.handleHistory})
	}
	return out
}

// --- Tool definitions ---

func defineTool() mcp.Tool {
	return mcp.NewTool("agentscript.workflow.define",
		mcp.WithDescription("Register a workflow built from one of the four patterns"),
		mcp.WithString("type", mcp.Required(),
			mcp.Enum("sequential", "conditional", "loop", "parallel"),
			mcp.Description("Workflow pattern"),
		),
		mcp.WithObject("definition", mcp.Required(), mcp.Description("Pattern configuration: name, steps, branches, iterator or branches")),
		mcp.WithString("description", mcp.Description("Catalogue description")),
		mcp.WithString("agent_id", mcp.Description("ID of the defining agent")),
	)
}

func executeTool() mcp.Tool {
	return mcp.NewTool("agentscript.workflow.execute",
		mcp.WithDescription("Execute a registered workflow"),
		mcp.WithString("id", mcp.Required(), mcp.Description("Workflow id or name")),
		mcp.WithObject("input", mcp.Description("Input seeded into the shared data")),
		mcp.WithString("agent_id", mcp.Description("ID of the executing agent")),
	)
}

func listTool() mcp.Tool {
	return mcp.NewTool("agentscript.workflow.list",
		mcp.WithDescription("List registered workflows and the supported patterns"),
	)
}

func removeTool() mcp.Tool {
	return mcp.NewTool("agentscript.workflow.remove",
		mcp.WithDescription("Remove a registered workflow"),
		mcp.WithString("id", mcp.Required(), mcp.Description("Workflow id or name")),
	)
}

func stateTool() mcp.Tool {
	return mcp.NewTool("agentscript.state",
		mcp.WithDescription("Read or write workflow-scoped state"),
		mcp.WithString("action", mcp.Required(),
			mcp.Enum("get", "set", "delete", "keys"),
			mcp.Description("State operation"),
		),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("Workflow the state belongs to")),
		mcp.WithString("key", mcp.Description("State key (get, set, delete)")),
		mcp.WithAny("value", mcp.Description("Value to store (set). Null deletes the key")),
	)
}

func emitTool() mcp.Tool {
	return mcp.NewTool("agentscript.event.emit",
		mcp.WithDescription("Emit a script event through the custom hook point of the same name"),
		mcp.WithString("name", mcp.Required(), mcp.Description("Event name")),
		mcp.WithObject("data", mcp.Description("Event data")),
		mcp.WithString("agent_id", mcp.Description("ID of the emitting agent")),
	)
}

func configTool() mcp.Tool {
	return mcp.NewTool("agentscript.config",
		mcp.WithDescription("Read or change runtime configuration through the audited bridge"),
		mcp.WithString("action", mcp.Required(),
			mcp.Enum("get", "set", "delete", "snapshot", "restore", "snapshots"),
			mcp.Description("Config operation"),
		),
		mcp.WithString("path", mcp.Description("Dot path such as runtime.script_timeout_seconds. Empty reads the whole tree")),
		mcp.WithAny("value", mcp.Description("New value (set)")),
		mcp.WithString("timestamp", mcp.Description("Snapshot timestamp in unix nanoseconds (restore)")),
	)
}

func historyTool() mcp.Tool {
	return mcp.NewTool("agentscript.history",
		mcp.WithDescription("Query stored hook executions"),
		mcp.WithString("action", mcp.Required(),
			mcp.Enum("stats", "correlation", "hook", "type"),
			mcp.Description("Query kind"),
		),
		mcp.WithString("value", mcp.Description("Correlation id, hook id or hook type")),
		mcp.WithNumber("limit", mcp.Description("Maximum executions returned")),
	)
}
