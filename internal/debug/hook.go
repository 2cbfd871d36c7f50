package debug

import (
	"context"
	"errors"

	"github.com/rendis/agentscript/internal/dotpath"
	"github.com/rendis/agentscript/internal/hooks"
	"github.com/rendis/agentscript/pkg/schema"
)

// HookPriority runs the debugger ahead of ordinary observers.
const HookPriority = 1 << 20

// HookAdapter maps workflow hook points onto debug locations: a workflow
// is a source, and a step is the line at its 1-based position in the step
// list. Workflow start and completion push and pop stack frames.
type HookAdapter struct {
	coord        *Coordinator
	breakOnError bool
}

// AdapterOption configures a HookAdapter.
type AdapterOption func(*HookAdapter)

// BreakOnError pauses with ReasonException when a step fails.
func BreakOnError() AdapterOption { return func(a *HookAdapter) { a.breakOnError = true } }

// NewHookAdapter creates an adapter for coord.
func NewHookAdapter(coord *Coordinator, opts ...AdapterOption) *HookAdapter {
	a := &HookAdapter{coord: coord}
	for _, o := range opts {
		o(a)
	}
	return a
}

type adapterHook struct {
	point schema.HookPoint
	id    string
	fn    func(context.Context, *hooks.Context) hooks.Result
}

// Register installs the adapter hooks on reg.
func (a *HookAdapter) Register(reg *hooks.Registry) error {
	regs := []adapterHook{
		{schema.HookWorkflowStart, "debug.enter", a.enter},
		{schema.HookWorkflowComplete, "debug.leave", a.leave},
		{schema.HookStepStart, "debug.step", a.step},
	}
	if a.breakOnError {
		regs = append(regs, adapterHook{schema.HookStepError, "debug.exception", a.exception})
	}
	for _, r := range regs {
		if err := reg.Register(r.point, hooks.Func(r.id, r.fn), HookPriority); err != nil {
			return err
		}
	}
	return nil
}

// StepLocation derives the debug location of a step hook.
func StepLocation(hc *hooks.Context) Location {
	source := hc.WorkflowName
	if source == "" {
		source = hc.Component
	}
	line := 1
	if idx, ok := hc.Data["step_index"].(int); ok {
		line = idx + 1
	}
	return Location{Source: source, Line: line}
}

func (a *HookAdapter) enter(_ context.Context, hc *hooks.Context) hooks.Result {
	shared, _ := hc.Data["shared"].(map[string]any)
	a.coord.manager.PushFrame(hc.WorkflowName, hc.WorkflowName, dotpath.CloneMap(shared))
	return hooks.Continue()
}

func (a *HookAdapter) leave(context.Context, *hooks.Context) hooks.Result {
	a.coord.manager.PopFrame()
	return hooks.Continue()
}

func (a *HookAdapter) step(ctx context.Context, hc *hooks.Context) hooks.Result {
	return a.verdict(a.coord.Check(ctx, StepLocation(hc), locals(hc)))
}

func (a *HookAdapter) exception(ctx context.Context, hc *hooks.Context) hooks.Result {
	l := locals(hc)
	l["error"] = hc.Data["error"]
	return a.verdict(a.coord.PauseOnException(ctx, StepLocation(hc), l))
}

func (a *HookAdapter) verdict(err error) hooks.Result {
	if err == nil {
		return hooks.Continue()
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return hooks.Cancel("debug session interrupted")
	}
	return hooks.Cancel(err.Error())
}

// locals flattens the shared data of a step hook and adds the step name.
func locals(hc *hooks.Context) map[string]any {
	shared, _ := hc.Data["shared"].(map[string]any)
	out := dotpath.CloneMap(shared)
	if name, ok := hc.Data["step_name"]; ok {
		out["step_name"] = name
	}
	return out
}
