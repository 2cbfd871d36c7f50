// Package debug suspends running workflows at breakpoints and step
// boundaries. The ExecutionManager owns the run state, breakpoint storage
// and the suspend rendezvous; the Coordinator owns the hot-path breakpoint
// index and decides when a location should pause.
package debug

import (
	"encoding/json"
	"fmt"
	"sort"
)

// PauseReason says why execution stopped.
type PauseReason string

const (
	ReasonStep       PauseReason = "step"
	ReasonBreakpoint PauseReason = "breakpoint"
	ReasonException  PauseReason = "exception"
	ReasonEntry      PauseReason = "entry"
	ReasonPause      PauseReason = "pause"
)

// Location is a point in a script or workflow. Lines are 1-based.
type Location struct {
	Source string `json:"source"`
	Line   int    `json:"line"`
	Column int    `json:"column,omitempty"`
}

func (l Location) String() string { return fmt.Sprintf("%s:%d", l.Source, l.Line) }

// State is the debug state of an execution: running, or paused with a
// reason at a location.
type State struct {
	Paused       bool        `json:"paused"`
	Reason       PauseReason `json:"reason,omitempty"`
	Location     Location    `json:"location,omitempty"`
	BreakpointID string      `json:"breakpoint_id,omitempty"`
}

// Running is the zero pause state.
func Running() State { return State{} }

// PausedAt returns a paused state.
func PausedAt(reason PauseReason, loc Location) State {
	return State{Paused: true, Reason: reason, Location: loc}
}

func (s State) String() string {
	if !s.Paused {
		return "running"
	}
	return fmt.Sprintf("paused(%s at %s)", s.Reason, s.Location)
}

// StepMode tells a resumed execution where to stop next.
type StepMode string

const (
	StepContinue StepMode = "continue"
	StepOver     StepMode = "step_over"
	StepIn       StepMode = "step_in"
	StepOut      StepMode = "step_out"
)

// Breakpoint is a user-set stop location. Condition is an expr expression
// over the paused locals; HitCondition is one of N, ==N, >N, >=N or %N.
type Breakpoint struct {
	ID           string `json:"id"`
	Source       string `json:"source"`
	Line         int    `json:"line"`
	Enabled      bool   `json:"enabled"`
	Condition    string `json:"condition,omitempty"`
	HitCondition string `json:"hit_condition,omitempty"`
	HitCount     int    `json:"hit_count"`
}

// NewBreakpoint returns an enabled breakpoint without an id; one is
// assigned when it is added.
func NewBreakpoint(source string, line int) Breakpoint {
	return Breakpoint{Source: source, Line: line, Enabled: true}
}

// StackFrame is one entry of the debug call stack. Frame ids are stable for
// the lifetime of the frame.
type StackFrame struct {
	ID         int            `json:"id"`
	Name       string         `json:"name"`
	Source     string         `json:"source"`
	Line       int            `json:"line"`
	Column     int            `json:"column,omitempty"`
	Locals     map[string]any `json:"locals,omitempty"`
	IsUserCode bool           `json:"is_user_code"`
}

// VariableScope selects frame locals or globals.
type VariableScope string

const (
	ScopeLocal  VariableScope = "local"
	ScopeGlobal VariableScope = "global"
)

// Variable is a rendered value. Raw keeps the original so structured values
// can be expanded later.
type Variable struct {
	Name        string `json:"name"`
	Value       string `json:"value"`
	Type        string `json:"type"`
	HasChildren bool   `json:"has_children"`
	Raw         any    `json:"-"`
}

// Variables renders a value map sorted by name.
func Variables(values map[string]any) []Variable {
	names := make([]string, 0, len(values))
	for k := range values {
		names = append(names, k)
	}
	sort.Strings(names)
	out := make([]Variable, 0, len(names))
	for _, n := range names {
		out = append(out, NewVariable(n, values[n]))
	}
	return out
}

// NewVariable renders one value.
func NewVariable(name string, v any) Variable {
	vr := Variable{Name: name, Raw: v}
	switch val := v.(type) {
	case nil:
		vr.Type, vr.Value = "null", "null"
	case string:
		vr.Type, vr.Value = "string", fmt.Sprintf("%q", val)
	case bool:
		vr.Type, vr.Value = "boolean", fmt.Sprint(val)
	case int, int32, int64, uint, uint32, uint64, float32, float64:
		vr.Type, vr.Value = "number", fmt.Sprint(val)
	case map[string]any:
		vr.Type, vr.Value, vr.HasChildren = "object", fmt.Sprintf("{...} (%d)", len(val)), len(val) > 0
	case []any:
		vr.Type, vr.Value, vr.HasChildren = "array", fmt.Sprintf("[...] (%d)", len(val)), len(val) > 0
	default:
		vr.Type = fmt.Sprintf("%T", v)
		if b, err := json.Marshal(v); err == nil {
			vr.Value = string(b)
		} else {
			vr.Value = fmt.Sprint(v)
		}
	}
	return vr
}

// Children expands a structured variable.
func (v Variable) Children() []Variable {
	switch val := v.Raw.(type) {
	case map[string]any:
		return Variables(val)
	case []any:
		out := make([]Variable, len(val))
		for i, item := range val {
			out[i] = NewVariable(fmt.Sprintf("[%d]", i), item)
		}
		return out
	}
	return nil
}
