package debug

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/rendis/agentscript/internal/dotpath"
	"github.com/rendis/agentscript/internal/logging"
	"github.com/rendis/agentscript/pkg/schema"
)

// ExecutionManager owns the debug state of one runtime: the pause state,
// the authoritative breakpoint collection, the call stack, globals and the
// one-shot resume rendezvous installed for each pause.
type ExecutionManager struct {
	mu          sync.RWMutex
	state       State
	breakpoints map[string]*Breakpoint
	frames      []StackFrame
	nextFrameID int
	globals     map[string]any
	resume      chan StepMode
	mode        StepMode
	observers   []func(State)
	logger      *slog.Logger
}

// NewExecutionManager creates a manager in the running state.
func NewExecutionManager(logger *slog.Logger) *ExecutionManager {
	return &ExecutionManager{
		breakpoints: make(map[string]*Breakpoint),
		globals:     make(map[string]any),
		mode:        StepContinue,
		logger:      logging.OrDefault(logger),
	}
}

// Observe registers fn to receive every state change. Observers run
// synchronously on the goroutine that changed the state.
func (m *ExecutionManager) Observe(fn func(State)) {
	m.mu.Lock()
	m.observers = append(m.observers, fn)
	m.mu.Unlock()
}

// State returns the current debug state.
func (m *ExecutionManager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// IsPaused reports whether an execution is suspended.
func (m *ExecutionManager) IsPaused() bool { return m.State().Paused }

// SetState replaces the state and notifies observers.
func (m *ExecutionManager) SetState(s State) {
	m.mu.Lock()
	m.state = s
	observers := append([]func(State){}, m.observers...)
	m.mu.Unlock()
	for _, fn := range observers {
		fn(s)
	}
}

// SuspendForDebugging moves to Paused and installs a fresh rendezvous.
// Locals replace those of the top frame.
func (m *ExecutionManager) SuspendForDebugging(reason PauseReason, loc Location, locals map[string]any) {
	m.suspend(PausedAt(reason, loc), locals)
}

func (m *ExecutionManager) suspend(st State, locals map[string]any) {
	loc := st.Location
	m.mu.Lock()
	m.resume = make(chan StepMode, 1)
	if n := len(m.frames); n > 0 {
		top := &m.frames[n-1]
		top.Line, top.Column = loc.Line, loc.Column
		if locals != nil {
			top.Locals = locals
		}
	}
	m.mu.Unlock()
	m.SetState(st)
	m.logger.Debug("execution suspended", slog.String("reason", string(st.Reason)), slog.String("location", loc.String()))
}

// WaitForResume blocks until Resume releases the current rendezvous or ctx
// ends. It returns immediately with the stored mode when nothing is paused.
func (m *ExecutionManager) WaitForResume(ctx context.Context) (StepMode, error) {
	m.mu.RLock()
	ch := m.resume
	mode := m.mode
	m.mu.RUnlock()
	if ch == nil {
		return mode, nil
	}
	select {
	case mode := <-ch:
		return mode, nil
	case <-ctx.Done():
		m.mu.Lock()
		if m.resume == ch {
			m.resume = nil
		}
		m.mu.Unlock()
		m.SetState(Running())
		return StepContinue, ctx.Err()
	}
}

// Resume releases the pending rendezvous with mode. It reports whether an
// execution was waiting.
func (m *ExecutionManager) Resume(mode StepMode) bool {
	m.mu.Lock()
	ch := m.resume
	m.resume = nil
	m.mode = mode
	m.mu.Unlock()
	if ch == nil {
		return false
	}
	m.SetState(Running())
	ch <- mode
	m.logger.Debug("execution resumed", slog.String("mode", string(mode)))
	return true
}

// Mode returns the step mode given to the last Resume.
func (m *ExecutionManager) Mode() StepMode {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.mode
}

// SetBreakpoint stores an enabled breakpoint at source:line.
func (m *ExecutionManager) SetBreakpoint(source string, line int) (Breakpoint, error) {
	bp := NewBreakpoint(source, line)
	return m.putBreakpoint(bp)
}

func (m *ExecutionManager) putBreakpoint(bp Breakpoint) (Breakpoint, error) {
	if bp.Source == "" {
		return Breakpoint{}, schema.NewError(schema.ErrCodeValidation, "breakpoint source is required")
	}
	if bp.Line < 1 {
		return Breakpoint{}, schema.NewErrorf(schema.ErrCodeValidation, "breakpoint line must be >= 1, got %d", bp.Line)
	}
	if bp.ID == "" {
		bp.ID = uuid.NewString()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, dup := m.breakpoints[bp.ID]; dup {
		return Breakpoint{}, schema.NewErrorf(schema.ErrCodeConflict, "breakpoint %s already exists", bp.ID)
	}
	stored := bp
	m.breakpoints[bp.ID] = &stored
	return stored, nil
}

// RemoveBreakpoint deletes a breakpoint by id.
func (m *ExecutionManager) RemoveBreakpoint(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.breakpoints[id]; !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "breakpoint %s not found", id)
	}
	delete(m.breakpoints, id)
	return nil
}

func (m *ExecutionManager) updateBreakpoint(id string, fn func(*Breakpoint)) (Breakpoint, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	bp, ok := m.breakpoints[id]
	if !ok {
		return Breakpoint{}, false
	}
	fn(bp)
	return *bp, true
}

// Breakpoint returns a snapshot of one breakpoint.
func (m *ExecutionManager) Breakpoint(id string) (Breakpoint, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	bp, ok := m.breakpoints[id]
	if !ok {
		return Breakpoint{}, false
	}
	return *bp, true
}

// Breakpoints returns snapshots ordered by source and line.
func (m *ExecutionManager) Breakpoints() []Breakpoint {
	m.mu.RLock()
	out := make([]Breakpoint, 0, len(m.breakpoints))
	for _, bp := range m.breakpoints {
		out = append(out, *bp)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Source != out[j].Source {
			return out[i].Source < out[j].Source
		}
		if out[i].Line != out[j].Line {
			return out[i].Line < out[j].Line
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// PushFrame enters a new frame and returns its id.
func (m *ExecutionManager) PushFrame(name, source string, locals map[string]any) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextFrameID++
	m.frames = append(m.frames, StackFrame{
		ID:         m.nextFrameID,
		Name:       name,
		Source:     source,
		Line:       1,
		Locals:     locals,
		IsUserCode: true,
	})
	return m.nextFrameID
}

// PopFrame leaves the top frame.
func (m *ExecutionManager) PopFrame() {
	m.mu.Lock()
	if n := len(m.frames); n > 0 {
		m.frames = m.frames[:n-1]
	}
	m.mu.Unlock()
}

// UpdateTopFrame moves the top frame to loc.
func (m *ExecutionManager) UpdateTopFrame(loc Location, locals map[string]any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := len(m.frames)
	if n == 0 {
		return
	}
	top := &m.frames[n-1]
	top.Line, top.Column = loc.Line, loc.Column
	if locals != nil {
		top.Locals = locals
	}
}

// Depth returns the number of live frames.
func (m *ExecutionManager) Depth() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.frames)
}

// StackFrames returns the call stack, innermost first.
func (m *ExecutionManager) StackFrames() []StackFrame {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]StackFrame, len(m.frames))
	for i := range m.frames {
		out[len(m.frames)-1-i] = m.frames[i]
	}
	return out
}

// SetGlobal sets a global variable visible to every frame.
func (m *ExecutionManager) SetGlobal(name string, v any) {
	m.mu.Lock()
	m.globals[name] = v
	m.mu.Unlock()
}

// SetVariable assigns a local of frameID, or a global for ScopeGlobal.
// Name may be a dot path into a structured value.
func (m *ExecutionManager) SetVariable(scope VariableScope, frameID int, name string, v any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	target := m.globals
	if scope == ScopeLocal {
		f := m.frame(frameID)
		if f == nil {
			return schema.NewErrorf(schema.ErrCodeNotFound, "frame %d not found", frameID)
		}
		if f.Locals == nil {
			f.Locals = make(map[string]any)
		}
		target = f.Locals
	}
	if !dotpath.Set(target, name, v) {
		return schema.NewErrorf(schema.ErrCodeValidation, "cannot assign %s", name)
	}
	return nil
}

// Variables returns the locals of frameID or the globals.
func (m *ExecutionManager) Variables(scope VariableScope, frameID int) []Variable {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if scope == ScopeGlobal {
		return Variables(m.globals)
	}
	if f := m.frame(frameID); f != nil {
		return Variables(f.Locals)
	}
	return nil
}

// Env returns the merged evaluation environment of frameID: globals
// overlaid with the frame locals. frameID 0 means the top frame.
func (m *ExecutionManager) Env(frameID int) map[string]any {
	m.mu.RLock()
	defer m.mu.RUnlock()
	env := dotpath.CloneMap(m.globals)
	f := m.frame(frameID)
	if frameID == 0 && len(m.frames) > 0 {
		f = &m.frames[len(m.frames)-1]
	}
	if f != nil {
		for k, v := range f.Locals {
			env[k] = dotpath.Clone(v)
		}
	}
	return env
}

// frame must be called with mu held.
func (m *ExecutionManager) frame(id int) *StackFrame {
	for i := range m.frames {
		if m.frames[i].ID == id {
			return &m.frames[i]
		}
	}
	return nil
}
