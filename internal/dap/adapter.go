package dap

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rendis/agentscript/internal/debug"
	"github.com/rendis/agentscript/internal/logging"
)

// threadID is the single thread reported to clients.
const threadID = 1

// firstVariablesReference is where variable handles start; lower numbers
// stay free for clients that treat small values specially.
const firstVariablesReference = 1000

// Launcher starts the program named by a launch request. It runs on its own
// goroutine; the adapter emits "terminated" when it returns.
type Launcher func(ctx context.Context, program string, args map[string]any) error

// SourceRef maps a script id to a file path or to in-memory content.
type SourceRef struct {
	ScriptID int    `json:"script_id"`
	Name     string `json:"name"`
	Path     string `json:"path,omitempty"`
	Content  string `json:"-"`
}

type varRef struct {
	scope   debug.VariableScope
	frameID int
	path    string
	vars    []debug.Variable
}

// Option configures an Adapter.
type Option func(*Adapter)

func WithLauncher(l Launcher) Option { return func(a *Adapter) { a.launcher = l } }

// WithTerminator sets the function a terminate request calls.
func WithTerminator(fn func()) Option { return func(a *Adapter) { a.terminate = fn } }

// WithEventHandler receives every event the adapter emits.
func WithEventHandler(fn func(Event)) Option { return func(a *Adapter) { a.onEvent = fn } }

func WithLogger(l *slog.Logger) Option { return func(a *Adapter) { a.logger = l } }

// Adapter translates DAP requests into coordinator calls. Responses and
// events share one monotone sequence.
type Adapter struct {
	coord       *debug.Coordinator
	seq         atomic.Int64
	initialized atomic.Bool

	mu         sync.Mutex
	sources    map[int]SourceRef
	byName     map[string]int
	varRefs    map[int]varRef
	nextVarRef int
	bpIDs      map[string]int
	nextBP     int
	onEvent    func(Event)

	launcher  Launcher
	terminate func()
	logger    *slog.Logger
}

// New creates an adapter and registers it with coord as the "dap"
// capability, so pause state changes become stopped and continued events.
func New(coord *debug.Coordinator, opts ...Option) *Adapter {
	a := &Adapter{
		coord:      coord,
		sources:    make(map[int]SourceRef),
		byName:     make(map[string]int),
		varRefs:    make(map[int]varRef),
		nextVarRef: firstVariablesReference,
		bpIDs:      make(map[string]int),
	}
	for _, o := range opts {
		o(a)
	}
	a.logger = logging.OrDefault(a.logger)
	coord.RegisterCapability("dap", a)
	return a
}

// SetEventHandler replaces the event sink.
func (a *Adapter) SetEventHandler(fn func(Event)) {
	a.mu.Lock()
	a.onEvent = fn
	a.mu.Unlock()
}

// Initialized reports whether initialize was received and no disconnect
// followed.
func (a *Adapter) Initialized() bool { return a.initialized.Load() }

// NextSeq returns the next outgoing sequence number.
func (a *Adapter) NextSeq() int { return int(a.seq.Add(1)) }

// AddSourceMapping registers a script. Content makes it a virtual source
// served through the source request.
func (a *Adapter) AddSourceMapping(scriptID int, name, path, content string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sources[scriptID] = SourceRef{ScriptID: scriptID, Name: name, Path: path, Content: content}
	a.byName[name] = scriptID
}

// MapScriptToSource resolves a script id.
func (a *Adapter) MapScriptToSource(scriptID int) (SourceRef, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	ref, ok := a.sources[scriptID]
	return ref, ok
}

// Process serves the adapter through Coordinator.Process: args is a raw
// request object.
func (a *Adapter) Process(ctx context.Context, args map[string]any) (any, error) {
	raw, err := json.Marshal(args)
	if err != nil {
		return nil, err
	}
	var req Request
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, err
	}
	return a.Handle(ctx, req), nil
}

// OnStateChange turns pause state into stopped and continued events.
func (a *Adapter) OnStateChange(st debug.State) {
	a.mu.Lock()
	a.varRefs = make(map[int]varRef)
	var hits []int
	if id, ok := a.bpIDs[st.BreakpointID]; ok {
		hits = []int{id}
	}
	a.mu.Unlock()

	if !st.Paused {
		a.emit("continued", map[string]any{"threadId": threadID, "allThreadsContinued": true})
		return
	}
	a.emit("stopped", StoppedEvent{
		Reason:            string(st.Reason),
		Description:       st.Location.String(),
		ThreadID:          threadID,
		AllThreadsStopped: true,
		HitBreakpointIDs:  hits,
	})
}

// Handle answers one request. Unknown commands and handler failures yield
// success=false with a message.
func (a *Adapter) Handle(ctx context.Context, req Request) Response {
	a.logger.DebugContext(ctx, "dap request", slog.String("command", req.Command), slog.Int("seq", req.Seq))
	body, err := a.dispatch(ctx, req)
	resp := Response{
		Type:       TypeResponse,
		RequestSeq: req.Seq,
		Command:    req.Command,
		Success:    err == nil,
		Body:       body,
	}
	if err != nil {
		resp.Message = err.Error()
		resp.Body = nil
	}
	resp.Seq = a.NextSeq()
	return resp
}

type handler func(ctx context.Context, args json.RawMessage) (any, error)

func (a *Adapter) handlers() map[string]handler {
	return map[string]handler{
		"initialize":        a.initialize,
		"launch":            a.launch,
		"setBreakpoints":    a.setBreakpoints,
		"configurationDone": noop,
		"threads":           a.threads,
		"stackTrace":        a.stackTrace,
		"scopes":            a.scopes,
		"variables":         a.variables,
		"setVariable":       a.setVariable,
		"continue":          a.resume(debug.StepContinue),
		"next":              a.resume(debug.StepOver),
		"stepIn":            a.resume(debug.StepIn),
		"stepOut":           a.resume(debug.StepOut),
		"pause":             a.pause,
		"evaluate":          a.evaluate,
		"loadedSources":     a.loadedSources,
		"source":            a.source,
		"terminate":         a.terminateRequest,
		"disconnect":        a.disconnect,
	}
}

func (a *Adapter) dispatch(ctx context.Context, req Request) (any, error) {
	h, ok := a.handlers()[req.Command]
	if !ok {
		a.logger.WarnContext(ctx, "unknown dap command", slog.String("command", req.Command))
		return nil, fmt.Errorf("unknown command: %s", req.Command)
	}
	return h(ctx, req.Arguments)
}

func decode(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("invalid arguments: %w", err)
	}
	return nil
}

func noop(context.Context, json.RawMessage) (any, error) { return nil, nil }

func (a *Adapter) initialize(context.Context, json.RawMessage) (any, error) {
	a.initialized.Store(true)
	return DefaultCapabilities(), nil
}

func (a *Adapter) launch(ctx context.Context, raw json.RawMessage) (any, error) {
	var args launchArguments
	if err := decode(raw, &args); err != nil {
		return nil, err
	}
	if args.StopOnEntry && !args.NoDebug {
		a.coord.StopOnEntry()
	}
	if a.launcher == nil || args.Program == "" {
		return nil, nil
	}
	runCtx := context.WithoutCancel(ctx)
	go func() {
		if err := a.launcher(runCtx, args.Program, args.Args); err != nil {
			a.emit("output", map[string]any{"category": "stderr", "output": err.Error() + "\n"})
		}
		a.emit("terminated", nil)
	}()
	a.logger.InfoContext(ctx, "launched program", slog.String("program", args.Program))
	return nil, nil
}

// setBreakpoints replaces every breakpoint of the source.
func (a *Adapter) setBreakpoints(_ context.Context, raw json.RawMessage) (any, error) {
	var args setBreakpointsArguments
	if err := decode(raw, &args); err != nil {
		return nil, err
	}
	path := a.sourceKey(args.Source)
	if path == "" {
		return nil, fmt.Errorf("setBreakpoints needs a source path or name")
	}
	a.coord.ClearSource(path)
	a.mu.Lock()
	for id := range a.bpIDs {
		if _, ok := a.coord.Manager().Breakpoint(id); !ok {
			delete(a.bpIDs, id)
		}
	}
	a.mu.Unlock()

	src := args.Source
	out := make([]Breakpoint, 0, len(args.Breakpoints))
	for _, sb := range args.Breakpoints {
		bp, err := a.coord.AddBreakpoint(debug.Breakpoint{
			Source:       path,
			Line:         sb.Line,
			Enabled:      true,
			Condition:    sb.Condition,
			HitCondition: sb.HitCondition,
		})
		if err != nil {
			out = append(out, Breakpoint{Verified: false, Message: err.Error(), Source: &src, Line: sb.Line, Column: sb.Column})
			continue
		}
		a.mu.Lock()
		a.nextBP++
		a.bpIDs[bp.ID] = a.nextBP
		id := a.nextBP
		a.mu.Unlock()
		out = append(out, Breakpoint{ID: id, Verified: true, Source: &src, Line: sb.Line, Column: sb.Column})
	}
	return map[string]any{"breakpoints": out}, nil
}

// sourceKey is the breakpoint source for a DAP source: the mapped name of
// a known script reference, else the path, else the name.
func (a *Adapter) sourceKey(s Source) string {
	if s.SourceReference > 0 {
		if ref, ok := a.MapScriptToSource(s.SourceReference); ok {
			return ref.Name
		}
	}
	if s.Path != "" {
		a.mu.Lock()
		defer a.mu.Unlock()
		for _, ref := range a.sources {
			if ref.Path == s.Path {
				return ref.Name
			}
		}
		return s.Path
	}
	return s.Name
}

func (a *Adapter) threads(context.Context, json.RawMessage) (any, error) {
	return map[string]any{"threads": []Thread{{ID: threadID, Name: "main"}}}, nil
}

func (a *Adapter) stackTrace(_ context.Context, raw json.RawMessage) (any, error) {
	var args stackTraceArguments
	if err := decode(raw, &args); err != nil {
		return nil, err
	}
	frames := a.coord.CallStack()
	total := len(frames)
	if args.StartFrame > 0 {
		if args.StartFrame >= len(frames) {
			frames = nil
		} else {
			frames = frames[args.StartFrame:]
		}
	}
	if args.Levels > 0 && args.Levels < len(frames) {
		frames = frames[:args.Levels]
	}
	out := make([]StackFrame, 0, len(frames))
	for _, f := range frames {
		sf := StackFrame{ID: f.ID, Name: f.Name, Source: a.resolveSource(f.Source), Line: f.Line, Column: f.Column}
		if sf.Column == 0 {
			sf.Column = 1
		}
		if !f.IsUserCode {
			sf.PresentationHint = "subtle"
		}
		out = append(out, sf)
	}
	return map[string]any{"stackFrames": out, "totalFrames": total}, nil
}

func (a *Adapter) resolveSource(name string) *Source {
	a.mu.Lock()
	defer a.mu.Unlock()
	if id, ok := a.byName[name]; ok {
		ref := a.sources[id]
		src := &Source{Name: ref.Name, Path: ref.Path}
		if ref.Content != "" {
			src.SourceReference = ref.ScriptID
		}
		return src
	}
	return &Source{Name: name, Path: name}
}

func (a *Adapter) scopes(_ context.Context, raw json.RawMessage) (any, error) {
	var args scopesArguments
	if err := decode(raw, &args); err != nil {
		return nil, err
	}
	m := a.coord.Manager()
	locals := a.allocate(varRef{scope: debug.ScopeLocal, frameID: args.FrameID, vars: m.Variables(debug.ScopeLocal, args.FrameID)})
	globals := a.allocate(varRef{scope: debug.ScopeGlobal, vars: m.Variables(debug.ScopeGlobal, 0)})
	return map[string]any{"scopes": []Scope{
		{Name: "Locals", VariablesReference: locals},
		{Name: "Globals", VariablesReference: globals},
	}}, nil
}

func (a *Adapter) allocate(ref varRef) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	id := a.nextVarRef
	a.nextVarRef++
	a.varRefs[id] = ref
	return id
}

func (a *Adapter) lookup(id int) (varRef, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	ref, ok := a.varRefs[id]
	return ref, ok
}

func (a *Adapter) variables(_ context.Context, raw json.RawMessage) (any, error) {
	var args variablesArguments
	if err := decode(raw, &args); err != nil {
		return nil, err
	}
	ref, ok := a.lookup(args.VariablesReference)
	if !ok {
		return map[string]any{"variables": []Variable{}}, nil
	}
	out := make([]Variable, 0, len(ref.vars))
	for _, v := range ref.vars {
		path := joinPath(ref.path, v.Name)
		dv := Variable{Name: v.Name, Value: v.Value, Type: v.Type, EvaluateName: path}
		if v.HasChildren {
			dv.VariablesReference = a.allocate(varRef{scope: ref.scope, frameID: ref.frameID, path: path, vars: v.Children()})
		}
		out = append(out, dv)
	}
	return map[string]any{"variables": out}, nil
}

func joinPath(parent, name string) string {
	if parent == "" {
		return name
	}
	return parent + "." + name
}

func (a *Adapter) setVariable(_ context.Context, raw json.RawMessage) (any, error) {
	var args setVariableArguments
	if err := decode(raw, &args); err != nil {
		return nil, err
	}
	ref, ok := a.lookup(args.VariablesReference)
	if !ok {
		return nil, fmt.Errorf("unknown variables reference %d", args.VariablesReference)
	}
	value := parseValue(args.Value)
	if err := a.coord.Manager().SetVariable(ref.scope, ref.frameID, joinPath(ref.path, args.Name), value); err != nil {
		return nil, err
	}
	v := debug.NewVariable(args.Name, value)
	return map[string]any{"value": v.Value, "type": v.Type, "variablesReference": 0}, nil
}

// parseValue reads a client-entered value as JSON, falling back to the raw
// text as a string.
func parseValue(s string) any {
	var v any
	if err := json.Unmarshal([]byte(strings.TrimSpace(s)), &v); err == nil {
		return v
	}
	return s
}

func (a *Adapter) resume(mode debug.StepMode) handler {
	return func(context.Context, json.RawMessage) (any, error) {
		a.coord.Resume(mode)
		if mode == debug.StepContinue {
			return map[string]any{"allThreadsContinued": true}, nil
		}
		return nil, nil
	}
}

func (a *Adapter) pause(context.Context, json.RawMessage) (any, error) {
	a.coord.RequestPause()
	return nil, nil
}

func (a *Adapter) evaluate(ctx context.Context, raw json.RawMessage) (any, error) {
	var args evaluateArguments
	if err := decode(raw, &args); err != nil {
		return nil, err
	}
	out, err := a.coord.Evaluate(ctx, args.Expression, args.FrameID)
	if err != nil {
		return nil, err
	}
	v := debug.NewVariable(args.Expression, out)
	ref := 0
	if v.HasChildren {
		ref = a.allocate(varRef{scope: debug.ScopeLocal, frameID: args.FrameID, vars: v.Children()})
	}
	return map[string]any{"result": v.Value, "type": v.Type, "variablesReference": ref}, nil
}

func (a *Adapter) loadedSources(context.Context, json.RawMessage) (any, error) {
	a.mu.Lock()
	ids := make([]int, 0, len(a.sources))
	for id := range a.sources {
		ids = append(ids, id)
	}
	a.mu.Unlock()
	sort.Ints(ids)
	out := make([]Source, 0, len(ids))
	for _, id := range ids {
		ref, _ := a.MapScriptToSource(id)
		out = append(out, *a.resolveSource(ref.Name))
	}
	return map[string]any{"sources": out}, nil
}

func (a *Adapter) source(_ context.Context, raw json.RawMessage) (any, error) {
	var args sourceArguments
	if err := decode(raw, &args); err != nil {
		return nil, err
	}
	id := args.SourceReference
	if args.Source != nil && args.Source.SourceReference > 0 {
		id = args.Source.SourceReference
	}
	ref, ok := a.MapScriptToSource(id)
	if !ok || ref.Content == "" {
		return nil, fmt.Errorf("no content for source reference %d", id)
	}
	return map[string]any{"content": ref.Content, "mimeType": "text/plain"}, nil
}

func (a *Adapter) terminateRequest(context.Context, json.RawMessage) (any, error) {
	if a.terminate != nil {
		a.terminate()
	}
	a.coord.Continue()
	return nil, nil
}

// disconnect releases a paused execution so the debuggee is never left
// blocked without a client.
func (a *Adapter) disconnect(ctx context.Context, _ json.RawMessage) (any, error) {
	a.initialized.Store(false)
	a.coord.Continue()
	a.mu.Lock()
	a.varRefs = make(map[int]varRef)
	a.mu.Unlock()
	a.logger.InfoContext(ctx, "dap client disconnected")
	return nil, nil
}

func (a *Adapter) emit(name string, body any) {
	a.mu.Lock()
	fn := a.onEvent
	a.mu.Unlock()
	if fn == nil {
		return
	}
	fn(Event{Seq: a.NextSeq(), Type: TypeEvent, Event: name, Body: body})
}

// Emit sends an adapter event, such as "initialized", through the event
// handler.
func (a *Adapter) Emit(name string, body any) { a.emit(name, body) }
