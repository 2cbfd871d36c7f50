// Package dap answers Debug Adapter Protocol requests with the debug
// coordinator. Lines and columns are 1-based on both sides.
package dap

import "encoding/json"

// Message types.
const (
	TypeRequest  = "request"
	TypeResponse = "response"
	TypeEvent    = "event"
)

// Request is an incoming DAP request.
type Request struct {
	Seq       int             `json:"seq"`
	Type      string          `json:"type"`
	Command   string          `json:"command"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// Response answers one Request.
type Response struct {
	Seq        int    `json:"seq"`
	Type       string `json:"type"`
	RequestSeq int    `json:"request_seq"`
	Command    string `json:"command"`
	Success    bool   `json:"success"`
	Message    string `json:"message,omitempty"`
	Body       any    `json:"body,omitempty"`
}

// Event is an adapter-initiated notification such as "stopped".
type Event struct {
	Seq   int    `json:"seq"`
	Type  string `json:"type"`
	Event string `json:"event"`
	Body  any    `json:"body,omitempty"`
}

// Capabilities advertised in the initialize response.
type Capabilities struct {
	SupportsConfigurationDoneRequest  bool `json:"supportsConfigurationDoneRequest"`
	SupportsConditionalBreakpoints    bool `json:"supportsConditionalBreakpoints"`
	SupportsHitConditionalBreakpoints bool `json:"supportsHitConditionalBreakpoints"`
	SupportsEvaluateForHovers         bool `json:"supportsEvaluateForHovers"`
	SupportsSetVariable               bool `json:"supportsSetVariable"`
	SupportsLoadedSourcesRequest      bool `json:"supportsLoadedSourcesRequest"`
	SupportsTerminateRequest          bool `json:"supportsTerminateRequest"`
	SupportsStepBack                  bool `json:"supportsStepBack"`
	SupportsRestartFrame              bool `json:"supportsRestartFrame"`
	SupportsInstructionBreakpoints    bool `json:"supportsInstructionBreakpoints"`
}

// DefaultCapabilities lists what the coordinator can serve.
func DefaultCapabilities() Capabilities {
	return Capabilities{
		SupportsConfigurationDoneRequest:  true,
		SupportsConditionalBreakpoints:    true,
		SupportsHitConditionalBreakpoints: true,
		SupportsEvaluateForHovers:         true,
		SupportsSetVariable:               true,
		SupportsLoadedSourcesRequest:      true,
		SupportsTerminateRequest:          true,
	}
}

// Source identifies a script. SourceReference is set for virtual sources
// whose content the adapter holds.
type Source struct {
	Name            string `json:"name,omitempty"`
	Path            string `json:"path,omitempty"`
	SourceReference int    `json:"sourceReference,omitempty"`
}

type SourceBreakpoint struct {
	Line         int    `json:"line"`
	Column       int    `json:"column,omitempty"`
	Condition    string `json:"condition,omitempty"`
	HitCondition string `json:"hitCondition,omitempty"`
	LogMessage   string `json:"logMessage,omitempty"`
}

type Breakpoint struct {
	ID       int     `json:"id,omitempty"`
	Verified bool    `json:"verified"`
	Message  string  `json:"message,omitempty"`
	Source   *Source `json:"source,omitempty"`
	Line     int     `json:"line,omitempty"`
	Column   int     `json:"column,omitempty"`
}

type StackFrame struct {
	ID               int     `json:"id"`
	Name             string  `json:"name"`
	Source           *Source `json:"source,omitempty"`
	Line             int     `json:"line"`
	Column           int     `json:"column"`
	PresentationHint string  `json:"presentationHint,omitempty"`
}

type Scope struct {
	Name               string `json:"name"`
	VariablesReference int    `json:"variablesReference"`
	Expensive          bool   `json:"expensive"`
}

type Variable struct {
	Name               string `json:"name"`
	Value              string `json:"value"`
	Type               string `json:"type,omitempty"`
	EvaluateName       string `json:"evaluateName,omitempty"`
	VariablesReference int    `json:"variablesReference"`
}

type Thread struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

// StoppedEvent is the body of a "stopped" event.
type StoppedEvent struct {
	Reason            string `json:"reason"`
	Description       string `json:"description,omitempty"`
	ThreadID          int    `json:"threadId"`
	AllThreadsStopped bool   `json:"allThreadsStopped"`
	HitBreakpointIDs  []int  `json:"hitBreakpointIds,omitempty"`
}

// Argument shapes of the handled requests.
type (
	launchArguments struct {
		Program     string         `json:"program"`
		StopOnEntry bool           `json:"stopOnEntry"`
		Args        map[string]any `json:"args,omitempty"`
		NoDebug     bool           `json:"noDebug"`
	}
	setBreakpointsArguments struct {
		Source      Source             `json:"source"`
		Breakpoints []SourceBreakpoint `json:"breakpoints"`
	}
	stackTraceArguments struct {
		ThreadID   int `json:"threadId"`
		StartFrame int `json:"startFrame"`
		Levels     int `json:"levels"`
	}
	scopesArguments struct {
		FrameID int `json:"frameId"`
	}
	variablesArguments struct {
		VariablesReference int `json:"variablesReference"`
	}
	setVariableArguments struct {
		VariablesReference int    `json:"variablesReference"`
		Name               string `json:"name"`
		Value              string `json:"value"`
	}
	evaluateArguments struct {
		Expression string `json:"expression"`
		FrameID    int    `json:"frameId"`
		Context    string `json:"context"`
	}
	sourceArguments struct {
		Source          *Source `json:"source"`
		SourceReference int     `json:"sourceReference"`
	}
)
