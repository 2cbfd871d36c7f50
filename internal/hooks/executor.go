package hooks

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/agentscript/internal/logging"
	"github.com/rendis/agentscript/internal/metrics"
	"github.com/rendis/agentscript/pkg/schema"
)

// ExecutionRecord describes one hook invocation. Records are handed to the
// Recorder after the hook returns.
type ExecutionRecord struct {
	ExecutionID string
	HookID      string
	Priority    int
	Context     *Context
	Result      Result
	Timestamp   time.Time
	Duration    time.Duration
	Panicked    bool
}

// Recorder receives execution records. Implementations must not block.
type Recorder interface {
	Record(rec ExecutionRecord)
}

// Outcome is the per-hook result inside an Aggregate.
type Outcome struct {
	HookID   string
	Result   Result
	Duration time.Duration
	Panicked bool
}

// Aggregate is the combined verdict of every hook at a point.
type Aggregate struct {
	Verdict  Result
	Outcomes []Outcome
}

// Cancelled reports whether any hook cancelled.
func (a Aggregate) Cancelled() bool { return a.Verdict.IsCancel() }

// Ordering rearranges the hook ids registered at a point. It is consulted
// after priority sorting.
type Ordering interface {
	Order(point schema.HookPoint, ids []string) []string
}

// Executor runs hooks from a Registry.
type Executor struct {
	registry *Registry
	recorder Recorder
	ordering Ordering
	metrics  *metrics.Metrics
	logger   *slog.Logger
	clock    func() time.Time
}

// Option configures an Executor.
type Option func(*Executor)

// WithRecorder ships execution records to r.
func WithRecorder(r Recorder) Option { return func(e *Executor) { e.recorder = r } }

// WithOrdering applies cross-component ordering, such as a dependency graph,
// on top of priorities.
func WithOrdering(o Ordering) Option { return func(e *Executor) { e.ordering = o } }

// WithMetrics records hook counters and latencies.
func WithMetrics(m *metrics.Metrics) Option { return func(e *Executor) { e.metrics = m } }

// WithLogger sets the executor logger.
func WithLogger(l *slog.Logger) Option { return func(e *Executor) { e.logger = l } }

// NewExecutor creates an Executor over registry.
func NewExecutor(registry *Registry, opts ...Option) *Executor {
	e := &Executor{
		registry: registry,
		logger:   slog.Default(),
		clock:    time.Now,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Registry returns the registry the executor dispatches from.
func (e *Executor) Registry() *Registry { return e.registry }

// ExecuteHooks runs every hook registered at hc.Point, in priority order, on
// the calling goroutine. The aggregate verdict is Cancel if any hook
// cancelled, otherwise the last Modify, otherwise Continue. Every hook runs
// regardless of earlier verdicts so the result does not depend on order when
// a Cancel is present.
func (e *Executor) ExecuteHooks(ctx context.Context, hc *Context) Aggregate {
	agg := Aggregate{Verdict: Continue()}
	if e == nil || hc == nil {
		return agg
	}
	regs := e.registry.Hooks(hc.Point)
	if len(regs) == 0 {
		return agg
	}
	if e.ordering != nil && len(regs) > 1 {
		regs = e.reorder(hc.Point, regs)
	}

	if hc.Timestamp.IsZero() {
		hc.Timestamp = e.clock()
	}
	if hc.CorrelationID == "" {
		hc.CorrelationID = logging.CorrelationID(ctx)
	}
	if hc.ExecutionID == "" {
		hc.ExecutionID = logging.ExecutionID(ctx)
	}

	start := e.clock()
	var cancel *Result
	var modify *Result
	agg.Outcomes = make([]Outcome, 0, len(regs))

	for _, reg := range regs {
		out := e.runOne(ctx, reg, hc)
		agg.Outcomes = append(agg.Outcomes, out)

		switch out.Result.Kind {
		case VerdictCancel:
			if cancel == nil {
				r := out.Result
				cancel = &r
			}
		case VerdictModify:
			r := out.Result
			modify = &r
		}
	}

	switch {
	case cancel != nil:
		agg.Verdict = *cancel
	case modify != nil:
		agg.Verdict = *modify
	}
	e.metrics.ObserveHookDispatch(string(hc.Point), e.clock().Sub(start))
	return agg
}

func (e *Executor) reorder(point schema.HookPoint, regs []Registration) []Registration {
	ids := make([]string, len(regs))
	byID := make(map[string]Registration, len(regs))
	for i, r := range regs {
		ids[i] = r.Hook.ID()
		byID[ids[i]] = r
	}
	ordered := e.ordering.Order(point, ids)
	if len(ordered) != len(regs) {
		return regs
	}
	out := make([]Registration, 0, len(regs))
	for _, id := range ordered {
		r, ok := byID[id]
		if !ok {
			return regs
		}
		out = append(out, r)
	}
	return out
}

// ExecuteWorkflowHooks runs hooks for pattern engines. Verdicts are logged
// but never alter the workflow.
func (e *Executor) ExecuteWorkflowHooks(ctx context.Context, hc *Context) {
	agg := e.ExecuteHooks(ctx, hc)
	if agg.Cancelled() {
		e.logger.DebugContext(ctx, "workflow hook cancel ignored",
			slog.String(logging.HookPointKey, string(hc.Point)),
			slog.String("reason", agg.Verdict.Reason),
		)
	}
}

func (e *Executor) runOne(ctx context.Context, reg Registration, hc *Context) (out Outcome) {
	hookID := reg.Hook.ID()
	started := e.clock()
	out.HookID = hookID

	defer func() {
		if r := recover(); r != nil {
			out.Result = Cancel("hook panic")
			out.Panicked = true
			e.metrics.HookPanicked(string(hc.Point))
			e.logger.ErrorContext(ctx, "hook panicked",
				slog.String(logging.HookPointKey, string(hc.Point)),
				slog.String(logging.HookIDKey, hookID),
				slog.String(logging.ErrorKey, fmt.Sprint(r)),
			)
		}
		out.Duration = e.clock().Sub(started)
		e.metrics.ObserveHook(string(hc.Point), out.Result.String())
		if e.recorder != nil {
			e.recorder.Record(ExecutionRecord{
				ExecutionID: uuid.NewString(),
				HookID:      hookID,
				Priority:    reg.Priority,
				Context:     hc,
				Result:      out.Result,
				Timestamp:   started,
				Duration:    out.Duration,
				Panicked:    out.Panicked,
			})
		}
	}()

	out.Result = reg.Hook.Execute(ctx, hc)
	if out.Result.Kind == "" {
		out.Result = Continue()
	}
	return out
}

// Emit builds a Context and dispatches it as a workflow hook.
func (e *Executor) Emit(ctx context.Context, point schema.HookPoint, component string, componentID schema.ComponentID, data map[string]any) {
	if e == nil || !e.registry.HasHooks(point) {
		return
	}
	e.ExecuteWorkflowHooks(ctx, &Context{
		Point:       point,
		Component:   component,
		ComponentID: componentID,
		Data:        data,
	})
}
