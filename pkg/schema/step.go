package schema

import "time"

// StepKind enumerates the kinds of typed steps.
type StepKind string

const (
	StepKindTool   StepKind = "tool"
	StepKindAgent  StepKind = "agent"
	StepKindCustom StepKind = "custom"
)

// StepType is the tagged variant describing what a step dispatches to.
// Only the fields belonging to Kind are meaningful.
type StepType struct {
	Kind StepKind `json:"kind"`

	// Tool
	ToolName string `json:"tool_name,omitempty"`

	// Agent
	AgentID ComponentID `json:"agent_id"`
	Input   string      `json:"input,omitempty"`

	// Custom
	FunctionName string `json:"function_name,omitempty"`

	// Tool and Custom
	Parameters any `json:"parameters,omitempty"`
}

// ToolStep builds a Tool step type.
func ToolStep(name string, parameters any) StepType {
	return StepType{Kind: StepKindTool, ToolName: name, Parameters: parameters}
}

// AgentStep builds an Agent step type.
func AgentStep(id ComponentID, input string) StepType {
	return StepType{Kind: StepKindAgent, AgentID: id, Input: input}
}

// CustomStep builds a Custom step type.
func CustomStep(functionName string, parameters any) StepType {
	return StepType{Kind: StepKindCustom, FunctionName: functionName, Parameters: parameters}
}

// Target returns the dispatch target name used for logging and circuit breaking.
func (t StepType) Target() string {
	switch t.Kind {
	case StepKindTool:
		return t.ToolName
	case StepKindAgent:
		return "agent:" + t.AgentID.String()
	case StepKindCustom:
		return "custom:" + t.FunctionName
	default:
		return string(t.Kind)
	}
}

// RetryPolicy overrides the strategy-level retry settings for a single step.
type RetryPolicy struct {
	MaxAttempts  int   `json:"max_attempts"`
	BackoffMS    int64 `json:"backoff_ms"`
	Exponential  bool  `json:"exponential,omitempty"`
	MaxBackoffMS int64 `json:"max_backoff_ms,omitempty"`
}

// WorkflowStep is a single typed step.
type WorkflowStep struct {
	ID          ComponentID   `json:"id"`
	Name        string        `json:"name"`
	Type        StepType      `json:"step_type"`
	RetryPolicy *RetryPolicy  `json:"retry_policy,omitempty"`
	Timeout     time.Duration `json:"timeout,omitempty"`
}

// NewStep creates a step whose ID is derived from its name.
func NewStep(name string, stepType StepType) WorkflowStep {
	return WorkflowStep{ID: NewComponentID(name), Name: name, Type: stepType}
}

// ErrorStrategyKind enumerates error strategies.
type ErrorStrategyKind string

const (
	StrategyFailFast ErrorStrategyKind = "fail_fast"
	StrategyContinue ErrorStrategyKind = "continue"
	StrategyRetry    ErrorStrategyKind = "retry"
)

// ErrorStrategy decides how step failures affect a workflow.
type ErrorStrategy struct {
	Kind        ErrorStrategyKind `json:"kind"`
	MaxAttempts int               `json:"max_attempts,omitempty"`
	BackoffMS   int64             `json:"backoff_ms,omitempty"`
	Exponential bool              `json:"exponential,omitempty"`
}

// FailFast stops the workflow at the first failure.
func FailFast() ErrorStrategy { return ErrorStrategy{Kind: StrategyFailFast} }

// ContinueOnError records failures and moves on.
func ContinueOnError() ErrorStrategy { return ErrorStrategy{Kind: StrategyContinue} }

// Retry retries a failing step up to maxAttempts total tries.
func Retry(maxAttempts int, backoff time.Duration) ErrorStrategy {
	return ErrorStrategy{Kind: StrategyRetry, MaxAttempts: maxAttempts, BackoffMS: backoff.Milliseconds()}
}

// Backoff returns the configured inter-attempt delay.
func (s ErrorStrategy) Backoff() time.Duration {
	return time.Duration(s.BackoffMS) * time.Millisecond
}

// StepStatus is the terminal status of a recorded step.
type StepStatus string

const (
	StepStatusCompleted StepStatus = "completed"
	StepStatusFailed    StepStatus = "failed"
	StepStatusTimedOut  StepStatus = "timed_out"
	StepStatusCancelled StepStatus = "cancelled"
	StepStatusSkipped   StepStatus = "skipped"
)

// StepResult is the immutable record of one step execution.
type StepResult struct {
	StepID    ComponentID   `json:"step_id"`
	StepName  string        `json:"step_name"`
	Success   bool          `json:"success"`
	Status    StepStatus    `json:"status"`
	Output    any           `json:"output,omitempty"`
	Error     string        `json:"error,omitempty"`
	ErrorCode string        `json:"error_code,omitempty"`
	Duration  time.Duration `json:"duration"`
	Attempts  int           `json:"attempts"`
}

// Failed reports whether the result represents a failure of any kind.
func (r StepResult) Failed() bool {
	return !r.Success
}
