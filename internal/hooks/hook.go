// Package hooks dispatches lifecycle events to registered observers and
// aggregates their verdicts.
package hooks

import (
	"context"
	"time"

	"github.com/rendis/agentscript/pkg/schema"
)

// VerdictKind enumerates hook verdicts.
type VerdictKind string

const (
	VerdictContinue VerdictKind = "continue"
	VerdictSkip     VerdictKind = "skip"
	VerdictModify   VerdictKind = "modify"
	VerdictCancel   VerdictKind = "cancel"
)

// Result is the verdict returned by a hook.
type Result struct {
	Kind    VerdictKind `json:"kind"`
	Payload any         `json:"payload,omitempty"` // Modify
	Reason  string      `json:"reason,omitempty"`  // Cancel
}

func Continue() Result            { return Result{Kind: VerdictContinue} }
func Skip() Result                { return Result{Kind: VerdictSkip} }
func Modify(payload any) Result   { return Result{Kind: VerdictModify, Payload: payload} }
func Cancel(reason string) Result { return Result{Kind: VerdictCancel, Reason: reason} }
func (r Result) IsCancel() bool   { return r.Kind == VerdictCancel }
func (r Result) IsModify() bool   { return r.Kind == VerdictModify }
func (r Result) String() string   { return string(r.Kind) }

// Context is the event a hook observes. Data holds point-specific values
// such as the step name, its result or the loop iteration.
type Context struct {
	Point         schema.HookPoint   `json:"point"`
	ComponentID   schema.ComponentID `json:"component_id"`
	Component     string             `json:"component"`
	ExecutionID   string             `json:"execution_id,omitempty"`
	CorrelationID string             `json:"correlation_id,omitempty"`
	WorkflowName  string             `json:"workflow_name,omitempty"`
	Data          map[string]any     `json:"data,omitempty"`
	Timestamp     time.Time          `json:"timestamp"`
}

// Hook observes one or more hook points.
type Hook interface {
	ID() string
	Execute(ctx context.Context, hc *Context) Result
}

type funcHook struct {
	id string
	fn func(ctx context.Context, hc *Context) Result
}

func (h *funcHook) ID() string { return h.id }

func (h *funcHook) Execute(ctx context.Context, hc *Context) Result {
	return h.fn(ctx, hc)
}

// Func adapts a function to the Hook interface.
func Func(id string, fn func(ctx context.Context, hc *Context) Result) Hook {
	return &funcHook{id: id, fn: fn}
}
