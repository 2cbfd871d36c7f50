package dap

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/agentscript/internal/debug"
)

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) record(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recorder) find(name string) (Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.events) - 1; i >= 0; i-- {
		if r.events[i].Event == name {
			return r.events[i], true
		}
	}
	return Event{}, false
}

func (r *recorder) waitFor(t *testing.T, name string) Event {
	t.Helper()
	require.Eventually(t, func() bool {
		_, ok := r.find(name)
		return ok
	}, time.Second, time.Millisecond, "no %s event", name)
	e, _ := r.find(name)
	return e
}

func newAdapter(t *testing.T, opts ...Option) (*Adapter, *debug.Coordinator, *recorder) {
	t.Helper()
	coord := debug.NewCoordinator(nil)
	rec := &recorder{}
	a := New(coord, append([]Option{WithEventHandler(rec.record)}, opts...)...)
	return a, coord, rec
}

func call(t *testing.T, a *Adapter, command string, args any) Response {
	t.Helper()
	var raw json.RawMessage
	if args != nil {
		b, err := json.Marshal(args)
		require.NoError(t, err)
		raw = b
	}
	return a.Handle(context.Background(), Request{Seq: 1, Type: TypeRequest, Command: command, Arguments: raw})
}

func body(t *testing.T, resp Response) map[string]any {
	t.Helper()
	require.True(t, resp.Success, "%s failed: %s", resp.Command, resp.Message)
	m, ok := resp.Body.(map[string]any)
	require.True(t, ok, "unexpected body %T", resp.Body)
	return m
}

func TestAdapter_Initialize(t *testing.T) {
	a, _, _ := newAdapter(t)
	assert.False(t, a.Initialized())

	resp := call(t, a, "initialize", map[string]any{"adapterID": "agentscript"})
	require.True(t, resp.Success)
	assert.Equal(t, TypeResponse, resp.Type)
	assert.Equal(t, 1, resp.RequestSeq)
	caps, ok := resp.Body.(Capabilities)
	require.True(t, ok)
	assert.True(t, caps.SupportsConditionalBreakpoints)
	assert.True(t, caps.SupportsSetVariable)
	assert.False(t, caps.SupportsStepBack)
	assert.False(t, caps.SupportsRestartFrame)
	assert.True(t, a.Initialized())

	next := call(t, a, "threads", nil)
	assert.Greater(t, next.Seq, resp.Seq)
	threads := body(t, next)["threads"].([]Thread)
	assert.Equal(t, []Thread{{ID: 1, Name: "main"}}, threads)
}

func TestAdapter_UnknownCommand(t *testing.T) {
	a, _, _ := newAdapter(t)
	resp := call(t, a, "reverseContinue", nil)
	assert.False(t, resp.Success)
	assert.Equal(t, "unknown command: reverseContinue", resp.Message)
	assert.Nil(t, resp.Body)
}

func TestAdapter_SetBreakpointsReplacesSource(t *testing.T) {
	a, coord, _ := newAdapter(t)

	resp := call(t, a, "setBreakpoints", map[string]any{
		"source": map[string]any{"path": "main.lua"},
		"breakpoints": []map[string]any{
			{"line": 3},
			{"line": 5, "condition": "x >"},
			{"line": 7, "hitCondition": "%0"},
			{"line": 9, "condition": "x > 1", "hitCondition": ">=2"},
		},
	})
	bps := body(t, resp)["breakpoints"].([]Breakpoint)
	require.Len(t, bps, 4)
	assert.True(t, bps[0].Verified)
	assert.Equal(t, 1, bps[0].ID)
	assert.False(t, bps[1].Verified)
	assert.NotEmpty(t, bps[1].Message)
	assert.False(t, bps[2].Verified)
	assert.True(t, bps[3].Verified)
	assert.Equal(t, 2, bps[3].ID)
	assert.Len(t, coord.Breakpoints(), 2)

	resp = call(t, a, "setBreakpoints", map[string]any{
		"source":      map[string]any{"path": "main.lua"},
		"breakpoints": []map[string]any{{"line": 4}},
	})
	bps = body(t, resp)["breakpoints"].([]Breakpoint)
	require.Len(t, bps, 1)
	assert.Equal(t, 3, bps[0].ID)
	all := coord.Breakpoints()
	require.Len(t, all, 1)
	assert.Equal(t, 4, all[0].Line)

	resp = call(t, a, "setBreakpoints", map[string]any{"source": map[string]any{}})
	assert.False(t, resp.Success)
}

func TestAdapter_PausedSession(t *testing.T) {
	a, coord, rec := newAdapter(t)
	a.AddSourceMapping(7, "script.lua", "/work/script.lua", "local n = 1\nprint(n)\nreturn n\n")

	m := coord.Manager()
	m.SetGlobal("version", "1.0")
	frameID := m.PushFrame("main", "script.lua", map[string]any{
		"n":    1,
		"user": map[string]any{"name": "ada", "tags": []any{"a", "b"}},
	})

	resp := call(t, a, "setBreakpoints", map[string]any{
		"source":      map[string]any{"path": "/work/script.lua"},
		"breakpoints": []map[string]any{{"line": 3}},
	})
	require.True(t, body(t, resp)["breakpoints"].([]Breakpoint)[0].Verified)

	done := make(chan error, 1)
	go func() {
		done <- coord.Check(context.Background(), debug.Location{Source: "script.lua", Line: 3}, nil)
	}()

	stopped := rec.waitFor(t, "stopped").Body.(StoppedEvent)
	assert.Equal(t, "breakpoint", stopped.Reason)
	assert.Equal(t, []int{1}, stopped.HitBreakpointIDs)
	assert.Equal(t, 1, stopped.ThreadID)

	st := body(t, call(t, a, "stackTrace", map[string]any{"threadId": 1}))
	assert.Equal(t, 1, st["totalFrames"])
	frames := st["stackFrames"].([]StackFrame)
	require.Len(t, frames, 1)
	assert.Equal(t, frameID, frames[0].ID)
	assert.Equal(t, 3, frames[0].Line)
	assert.Equal(t, 1, frames[0].Column)
	assert.Equal(t, &Source{Name: "script.lua", Path: "/work/script.lua", SourceReference: 7}, frames[0].Source)

	scopes := body(t, call(t, a, "scopes", map[string]any{"frameId": frameID}))["scopes"].([]Scope)
	require.Len(t, scopes, 2)
	assert.Equal(t, "Locals", scopes[0].Name)
	assert.Equal(t, 1000, scopes[0].VariablesReference)
	assert.Equal(t, 1001, scopes[1].VariablesReference)

	locals := body(t, call(t, a, "variables", map[string]any{"variablesReference": 1000}))["variables"].([]Variable)
	require.Len(t, locals, 2)
	assert.Equal(t, Variable{Name: "n", Value: "1", Type: "number", EvaluateName: "n"}, locals[0])
	assert.Equal(t, "user", locals[1].Name)
	require.NotZero(t, locals[1].VariablesReference)

	user := body(t, call(t, a, "variables", map[string]any{"variablesReference": locals[1].VariablesReference}))["variables"].([]Variable)
	require.Len(t, user, 2)
	assert.Equal(t, `"ada"`, user[0].Value)
	assert.Equal(t, "user.name", user[0].EvaluateName)
	assert.Equal(t, "[...] (2)", user[1].Value)

	globals := body(t, call(t, a, "variables", map[string]any{"variablesReference": 1001}))["variables"].([]Variable)
	require.Len(t, globals, 1)
	assert.Equal(t, "version", globals[0].Name)

	set := body(t, call(t, a, "setVariable", map[string]any{"variablesReference": 1000, "name": "n", "value": "5"}))
	assert.Equal(t, "5", set["value"])
	set = body(t, call(t, a, "setVariable", map[string]any{"variablesReference": locals[1].VariablesReference, "name": "name", "value": "grace"}))
	assert.Equal(t, `"grace"`, set["value"])

	ev := body(t, call(t, a, "evaluate", map[string]any{"expression": "n * 2", "frameId": frameID}))
	assert.Equal(t, "10", ev["result"])
	ev = body(t, call(t, a, "evaluate", map[string]any{"expression": "user", "frameId": frameID}))
	assert.Equal(t, "object", ev["type"])
	assert.NotZero(t, ev["variablesReference"])

	assert.False(t, call(t, a, "evaluate", map[string]any{"expression": "n +"}).Success)

	resp = call(t, a, "continue", map[string]any{"threadId": 1})
	assert.Equal(t, true, body(t, resp)["allThreadsContinued"])
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("execution still paused")
	}
	rec.waitFor(t, "continued")

	// references do not survive a resume
	stale := body(t, call(t, a, "variables", map[string]any{"variablesReference": 1000}))["variables"].([]Variable)
	assert.Empty(t, stale)
	assert.False(t, call(t, a, "setVariable", map[string]any{"variablesReference": 1000, "name": "n", "value": "1"}).Success)
}

func TestAdapter_DisconnectReleasesPause(t *testing.T) {
	a, coord, rec := newAdapter(t)
	call(t, a, "initialize", nil)
	_, err := coord.SetBreakpoint("wf", 1)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- coord.Check(context.Background(), debug.Location{Source: "wf", Line: 1}, nil) }()
	rec.waitFor(t, "stopped")

	require.True(t, call(t, a, "disconnect", nil).Success)
	assert.False(t, a.Initialized())
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("disconnect left execution paused")
	}
}

func TestAdapter_LaunchStopOnEntry(t *testing.T) {
	var got string
	launched := make(chan struct{})
	coord := debug.NewCoordinator(nil)
	rec := &recorder{}
	a := New(coord, WithEventHandler(rec.record), WithLauncher(func(ctx context.Context, program string, _ map[string]any) error {
		got = program
		close(launched)
		return coord.Check(ctx, debug.Location{Source: program, Line: 1}, nil)
	}))

	require.True(t, call(t, a, "launch", map[string]any{"program": "main.lua", "stopOnEntry": true}).Success)
	<-launched
	assert.Equal(t, "main.lua", got)

	stopped := rec.waitFor(t, "stopped").Body.(StoppedEvent)
	assert.Equal(t, "entry", stopped.Reason)

	require.True(t, call(t, a, "next", nil).Success)
	rec.waitFor(t, "terminated")
	_, failed := rec.find("output")
	assert.False(t, failed)
}

func TestAdapter_PauseRequest(t *testing.T) {
	a, coord, rec := newAdapter(t)
	require.True(t, call(t, a, "pause", map[string]any{"threadId": 1}).Success)

	done := make(chan error, 1)
	go func() { done <- coord.Check(context.Background(), debug.Location{Source: "wf", Line: 2}, nil) }()
	assert.Equal(t, "pause", rec.waitFor(t, "stopped").Body.(StoppedEvent).Reason)
	require.True(t, call(t, a, "terminate", nil).Success)
	require.NoError(t, <-done)
}

func TestAdapter_Sources(t *testing.T) {
	a, _, _ := newAdapter(t)
	a.AddSourceMapping(2, "b.lua", "", "return 2")
	a.AddSourceMapping(1, "a.lua", "/scripts/a.lua", "")

	ref, ok := a.MapScriptToSource(2)
	require.True(t, ok)
	assert.Equal(t, "b.lua", ref.Name)
	_, ok = a.MapScriptToSource(3)
	assert.False(t, ok)

	srcs := body(t, call(t, a, "loadedSources", nil))["sources"].([]Source)
	assert.Equal(t, []Source{
		{Name: "a.lua", Path: "/scripts/a.lua"},
		{Name: "b.lua", SourceReference: 2},
	}, srcs)

	content := body(t, call(t, a, "source", map[string]any{"source": map[string]any{"sourceReference": 2}}))
	assert.Equal(t, "return 2", content["content"])
	assert.False(t, call(t, a, "source", map[string]any{"sourceReference": 1}).Success)
}

func TestCoordinatorProcess(t *testing.T) {
	a, coord, _ := newAdapter(t)
	out, err := coord.Process(context.Background(), "dap", map[string]any{"seq": 4, "type": "request", "command": "threads"})
	require.NoError(t, err)
	resp, ok := out.(Response)
	require.True(t, ok)
	assert.True(t, resp.Success)
	assert.Equal(t, 4, resp.RequestSeq)
	assert.Greater(t, a.NextSeq(), resp.Seq)
}

func TestReadMessage(t *testing.T) {
	in := "Content-Length: 2\r\n\r\n{}Content-Length: 3\r\nContent-Type: application/json\r\n\r\n[1]"
	r := bufio.NewReader(strings.NewReader(in))

	msg, err := ReadMessage(r)
	require.NoError(t, err)
	assert.Equal(t, "{}", string(msg))
	msg, err = ReadMessage(r)
	require.NoError(t, err)
	assert.Equal(t, "[1]", string(msg))
	_, err = ReadMessage(r)
	assert.ErrorIs(t, err, io.EOF)

	_, err = ReadMessage(bufio.NewReader(strings.NewReader("Content-Length: x\r\n\r\n")))
	assert.Error(t, err)
}

func TestServe(t *testing.T) {
	a, _, _ := newAdapter(t)
	serverR, clientW := io.Pipe()
	clientR, serverW := io.Pipe()
	defer clientW.Close()
	defer clientR.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	served := make(chan error, 1)
	go func() { served <- a.Serve(ctx, serverR, serverW) }()

	br := bufio.NewReader(clientR)
	read := func() map[string]any {
		raw, err := ReadMessage(br)
		require.NoError(t, err)
		var m map[string]any
		require.NoError(t, json.Unmarshal(raw, &m))
		return m
	}

	require.NoError(t, WriteMessage(clientW, Request{Seq: 1, Type: TypeRequest, Command: "initialize"}))
	resp := read()
	assert.Equal(t, "response", resp["type"])
	assert.Equal(t, "initialize", resp["command"])
	assert.Equal(t, true, resp["success"])
	ev := read()
	assert.Equal(t, "event", ev["type"])
	assert.Equal(t, "initialized", ev["event"])
	assert.Greater(t, ev["seq"], resp["seq"])

	require.NoError(t, WriteMessage(clientW, Request{Seq: 2, Type: TypeRequest, Command: "disconnect"}))
	resp = read()
	assert.Equal(t, "disconnect", resp["command"])
	assert.EqualValues(t, 2, resp["request_seq"])
	require.NoError(t, <-served)
}
