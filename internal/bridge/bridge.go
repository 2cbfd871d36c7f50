// Package bridge exposes the runtime to script hosts as three globals:
// Workflow (pattern constructors and a catalogue), State (workflow-scoped
// key-value storage) and Event (script events routed through hooks).
package bridge

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"time"

	"github.com/rendis/agentscript/internal/hooks"
	"github.com/rendis/agentscript/internal/logging"
	"github.com/rendis/agentscript/internal/state"
	"github.com/rendis/agentscript/internal/streaming"
	"github.com/rendis/agentscript/internal/validation"
	"github.com/rendis/agentscript/internal/workflow"
	"github.com/rendis/agentscript/pkg/schema"
)

// Global names installed into a host.
const (
	GlobalWorkflow = "Workflow"
	GlobalState    = "State"
	GlobalEvent    = "Event"
)

// Injector is the surface of a script host that accepts globals.
type Injector interface {
	SetGlobal(name string, value any) error
}

// Option configures Bindings.
type Option func(*Bindings)

// WithValidator checks constructor configs against the workflow JSON Schema.
func WithValidator(v validation.Validator) Option { return func(b *Bindings) { b.validator = v } }

// WithStateStore backs the State global. Defaults to an in-memory store.
func WithStateStore(s state.Store) Option { return func(b *Bindings) { b.store = s } }

func WithEventHub(h streaming.Hub) Option { return func(b *Bindings) { b.hub = h } }

// WithHooks overrides the hook executor Event.emit dispatches through.
// Defaults to the runtime's executor.
func WithHooks(e *hooks.Executor) Option { return func(b *Bindings) { b.hooks = e } }

func WithLogger(l *slog.Logger) Option { return func(b *Bindings) { b.logger = l } }

// Bindings owns the catalogue and the collaborators behind the globals.
type Bindings struct {
	runtime   *workflow.Runtime
	validator validation.Validator
	store     state.Store
	hub       streaming.Hub
	hooks     *hooks.Executor
	logger    *slog.Logger

	catalogue *Catalogue
	workflows *WorkflowNamespace
	events    *EventNamespace
}

// New creates bindings over rt.
func New(rt *workflow.Runtime, opts ...Option) *Bindings {
	b := &Bindings{runtime: rt, catalogue: NewCatalogue()}
	for _, o := range opts {
		o(b)
	}
	if b.store == nil {
		b.store = state.NewMemoryStore()
	}
	if b.hooks == nil && rt != nil {
		b.hooks = rt.Hooks()
	}
	b.logger = logging.OrDefault(b.logger)
	b.workflows = &WorkflowNamespace{b: b}
	b.events = newEventNamespace(b)
	return b
}

// Catalogue returns the workflow catalogue.
func (b *Bindings) Catalogue() *Catalogue { return b.catalogue }

// Workflow returns the Workflow global.
func (b *Bindings) Workflow() *WorkflowNamespace { return b.workflows }

// State returns the State global scoped to workflowID.
func (b *Bindings) State(workflowID string) *StateNamespace {
	return &StateNamespace{store: b.store, workflowID: workflowID}
}

// Event returns the Event global.
func (b *Bindings) Event() *EventNamespace { return b.events }

// Install sets the three globals on a host. State is scoped to workflowID.
func (b *Bindings) Install(host Injector, workflowID string) error {
	globals := []struct {
		name  string
		value any
	}{
		{GlobalWorkflow, b.workflows},
		{GlobalState, b.State(workflowID)},
		{GlobalEvent, b.events},
	}
	for _, g := range globals {
		if err := host.SetGlobal(g.name, g.value); err != nil {
			return schema.NewErrorf(schema.ErrCodeInternal, "install global %s", g.name).WithCause(err)
		}
	}
	b.logger.Debug("globals installed", slog.String("workflow_id", workflowID))
	return nil
}

// Close releases event subscriptions.
func (b *Bindings) Close() { b.events.close() }

type method func(ctx context.Context, args map[string]any) (any, error)

func (b *Bindings) methods() map[string]method {
	w, ev := b.workflows, b.events
	constructor := func(fn func(map[string]any) (Info, error)) method {
		return func(_ context.Context, args map[string]any) (any, error) {
			cfg, err := object(args, "config")
			if err != nil {
				return nil, err
			}
			return fn(cfg)
		}
	}
	return map[string]method{
		"workflow.sequential":  constructor(w.Sequential),
		"workflow.conditional": constructor(w.Conditional),
		"workflow.loop":        constructor(w.Loop),
		"workflow.parallel":    constructor(w.Parallel),
		"workflow.register": func(_ context.Context, args map[string]any) (any, error) {
			doc, err := object(args, "definition")
			if err != nil {
				return nil, err
			}
			return w.RegisterDocument(doc)
		},
		"workflow.list": func(context.Context, map[string]any) (any, error) { return w.List(), nil },
		"workflow.get": func(_ context.Context, args map[string]any) (any, error) {
			return w.Get(str(args, "id"))
		},
		"workflow.remove": func(_ context.Context, args map[string]any) (any, error) {
			if err := w.Remove(str(args, "id")); err != nil {
				return nil, err
			}
			return map[string]any{"removed": true}, nil
		},
		"workflow.clear": func(context.Context, map[string]any) (any, error) {
			return map[string]any{"removed": w.Clear()}, nil
		},
		"workflow.types": func(context.Context, map[string]any) (any, error) { return w.Types(), nil },
		"workflow.execute": func(ctx context.Context, args map[string]any) (any, error) {
			input, _ := args["input"].(map[string]any)
			res, err := w.Execute(ctx, str(args, "id"), input)
			if res != nil {
				return res, nil
			}
			return nil, err
		},
		"state.get": func(ctx context.Context, args map[string]any) (any, error) {
			v, err := b.State(str(args, "workflow_id")).Get(ctx, str(args, "key"))
			if err != nil {
				return nil, err
			}
			return map[string]any{"value": v}, nil
		},
		"state.set": func(ctx context.Context, args map[string]any) (any, error) {
			if err := b.State(str(args, "workflow_id")).Set(ctx, str(args, "key"), args["value"]); err != nil {
				return nil, err
			}
			return map[string]any{"ok": true}, nil
		},
		"state.delete": func(ctx context.Context, args map[string]any) (any, error) {
			if err := b.State(str(args, "workflow_id")).Delete(ctx, str(args, "key")); err != nil {
				return nil, err
			}
			return map[string]any{"ok": true}, nil
		},
		"state.keys": func(ctx context.Context, args map[string]any) (any, error) {
			return b.State(str(args, "workflow_id")).Keys(ctx)
		},
		"event.emit": func(ctx context.Context, args map[string]any) (any, error) {
			data, _ := args["data"].(map[string]any)
			if err := ev.Emit(ctx, str(args, "name"), data); err != nil {
				return nil, err
			}
			return map[string]any{"emitted": true}, nil
		},
		"event.subscribe": func(_ context.Context, args map[string]any) (any, error) {
			id, err := ev.Subscribe(str(args, "pattern"))
			if err != nil {
				return nil, err
			}
			return map[string]any{"subscription_id": id}, nil
		},
		"event.receive": func(ctx context.Context, args map[string]any) (any, error) {
			timeout := time.Duration(number(args, "timeout_ms")) * time.Millisecond
			if timeout <= 0 {
				timeout = time.Second
			}
			e, err := ev.Receive(ctx, str(args, "subscription_id"), timeout)
			if err != nil {
				return nil, err
			}
			return map[string]any{"event": e}, nil
		},
		"event.unsubscribe": func(_ context.Context, args map[string]any) (any, error) {
			return map[string]any{"removed": ev.Unsubscribe(str(args, "subscription_id"))}, nil
		},
		"event.stats": func(context.Context, map[string]any) (any, error) { return ev.Stats(), nil },
	}
}

// Methods lists the names Call accepts, sorted.
func (b *Bindings) Methods() []string {
	m := b.methods()
	out := make([]string, 0, len(m))
	for name := range m {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Call invokes a binding by its dotted name, such as "workflow.sequential"
// or "state.get", with JSON-shaped arguments. Transports that cannot hold Go
// values, like MCP, go through Call.
func (b *Bindings) Call(ctx context.Context, name string, args map[string]any) (any, error) {
	m, ok := b.methods()[name]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "unknown binding %q", name)
	}
	if args == nil {
		args = map[string]any{}
	}
	return m(ctx, args)
}

// RegisterDocument builds a workflow from a definition whose "type" key
// names the pattern and catalogues it.
func (w *WorkflowNamespace) RegisterDocument(doc map[string]any) (Info, error) {
	wf, err := workflow.BuildDocument(w.b.runtime, w.b.validator, doc)
	if err != nil {
		return Info{}, err
	}
	desc, _ := doc["description"].(string)
	return w.b.catalogue.Add(wf, desc, doc)
}

func object(args map[string]any, key string) (map[string]any, error) {
	m, ok := args[key].(map[string]any)
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "%s must be an object", key)
	}
	return m, nil
}

func str(args map[string]any, key string) string {
	s, _ := args[key].(string)
	return s
}

func number(args map[string]any, key string) int64 {
	switch n := args[key].(type) {
	case int:
		return int64(n)
	case int64:
		return n
	case float64:
		return int64(n)
	case json.Number:
		i, _ := n.Int64()
		return i
	}
	return 0
}
