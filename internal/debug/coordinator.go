package debug

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rendis/agentscript/internal/expressions"
	"github.com/rendis/agentscript/internal/logging"
	"github.com/rendis/agentscript/internal/metrics"
	"github.com/rendis/agentscript/internal/streaming"
	"github.com/rendis/agentscript/pkg/schema"
)

// Capability is a named debug service, such as variable inspection, that
// clients reach through Coordinator.Process.
type Capability interface {
	Process(ctx context.Context, args map[string]any) (any, error)
}

// StateObserver is implemented by capabilities that track pause state.
type StateObserver interface {
	OnStateChange(State)
}

// CapabilityFunc adapts a function to Capability.
type CapabilityFunc func(ctx context.Context, args map[string]any) (any, error)

func (f CapabilityFunc) Process(ctx context.Context, args map[string]any) (any, error) {
	return f(ctx, args)
}

type locKey struct {
	source string
	line   int
}

// stepping is the pending step request set by Resume.
type stepping struct {
	mode  StepMode
	depth int
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithEventHub publishes stop and continue events to h.
func WithEventHub(h streaming.Hub) Option { return func(c *Coordinator) { c.hub = h } }

func WithMetrics(m *metrics.Metrics) Option { return func(c *Coordinator) { c.metrics = m } }
func WithLogger(l *slog.Logger) Option      { return func(c *Coordinator) { c.logger = l } }

// WithConditionEngine overrides the engine for breakpoint conditions.
func WithConditionEngine(e expressions.Engine) Option { return func(c *Coordinator) { c.conds = e } }

// Coordinator decides where execution pauses. Breakpoints are indexed by
// id and by location; MightBreakAt answers from the index without locking
// in the common case of no breakpoints at all.
type Coordinator struct {
	manager *ExecutionManager

	hasBreakpoints atomic.Bool
	mu             sync.RWMutex
	byID           map[string]*Breakpoint
	byLoc          map[locKey][]string
	sources        map[string]int

	step           atomic.Pointer[stepping]
	pauseRequested atomic.Bool
	entryRequested atomic.Bool
	pauseMu        sync.Mutex

	capMu        sync.RWMutex
	capabilities map[string]Capability

	conds   expressions.Engine
	hub     streaming.Hub
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewCoordinator creates a coordinator over manager.
func NewCoordinator(manager *ExecutionManager, opts ...Option) *Coordinator {
	c := &Coordinator{
		manager:      manager,
		byID:         make(map[string]*Breakpoint),
		byLoc:        make(map[locKey][]string),
		sources:      make(map[string]int),
		capabilities: make(map[string]Capability),
	}
	for _, o := range opts {
		o(c)
	}
	if c.conds == nil {
		c.conds = expressions.NewExprEngine()
	}
	c.logger = logging.OrDefault(c.logger)
	if c.manager == nil {
		c.manager = NewExecutionManager(c.logger)
	}
	c.RegisterCapability("variables", CapabilityFunc(c.inspectVariables))
	c.RegisterCapability("stack", CapabilityFunc(func(context.Context, map[string]any) (any, error) {
		return c.manager.StackFrames(), nil
	}))
	return c
}

// Manager returns the execution manager the coordinator drives.
func (c *Coordinator) Manager() *ExecutionManager { return c.manager }

// RegisterCapability adds or replaces a named capability.
func (c *Coordinator) RegisterCapability(name string, capability Capability) {
	c.capMu.Lock()
	c.capabilities[name] = capability
	c.capMu.Unlock()
	if obs, ok := capability.(StateObserver); ok {
		c.manager.Observe(obs.OnStateChange)
	}
}

// Process routes a request to a registered capability.
func (c *Coordinator) Process(ctx context.Context, name string, args map[string]any) (any, error) {
	c.capMu.RLock()
	capability, ok := c.capabilities[name]
	c.capMu.RUnlock()
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "debug capability %q not registered", name)
	}
	return capability.Process(ctx, args)
}

// AddBreakpoint validates bp, assigns an id when missing, and stores it in
// both the coordinator index and the manager.
func (c *Coordinator) AddBreakpoint(bp Breakpoint) (Breakpoint, error) {
	if bp.Condition != "" {
		if err := c.compile(bp.Condition); err != nil {
			return Breakpoint{}, schema.NewErrorf(schema.ErrCodeValidation, "breakpoint condition: %s", err.Error())
		}
	}
	if bp.HitCondition != "" {
		if _, err := parseHitCondition(bp.HitCondition); err != nil {
			return Breakpoint{}, err
		}
	}
	stored, err := c.manager.putBreakpoint(bp)
	if err != nil {
		return Breakpoint{}, err
	}

	c.mu.Lock()
	snap := stored
	c.byID[stored.ID] = &snap
	key := locKey{stored.Source, stored.Line}
	c.byLoc[key] = append(c.byLoc[key], stored.ID)
	c.sources[stored.Source]++
	c.hasBreakpoints.Store(true)
	c.mu.Unlock()

	c.logger.Debug("breakpoint added", slog.String("id", stored.ID), slog.String("location", fmt.Sprintf("%s:%d", stored.Source, stored.Line)))
	return stored, nil
}

// SetBreakpoint adds an enabled breakpoint at source:line.
func (c *Coordinator) SetBreakpoint(source string, line int) (Breakpoint, error) {
	return c.AddBreakpoint(NewBreakpoint(source, line))
}

// RemoveBreakpoint deletes a breakpoint from both stores.
func (c *Coordinator) RemoveBreakpoint(id string) error {
	if err := c.manager.RemoveBreakpoint(id); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	bp, ok := c.byID[id]
	if !ok {
		return nil
	}
	delete(c.byID, id)
	key := locKey{bp.Source, bp.Line}
	ids := c.byLoc[key]
	for i, v := range ids {
		if v == id {
			ids = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	if len(ids) == 0 {
		delete(c.byLoc, key)
	} else {
		c.byLoc[key] = ids
	}
	if c.sources[bp.Source]--; c.sources[bp.Source] <= 0 {
		delete(c.sources, bp.Source)
	}
	c.hasBreakpoints.Store(len(c.byID) > 0)
	return nil
}

// ClearSource removes every breakpoint in source and returns how many were
// removed.
func (c *Coordinator) ClearSource(source string) int {
	c.mu.RLock()
	var ids []string
	for id, bp := range c.byID {
		if bp.Source == source {
			ids = append(ids, id)
		}
	}
	c.mu.RUnlock()
	n := 0
	for _, id := range ids {
		if c.RemoveBreakpoint(id) == nil {
			n++
		}
	}
	return n
}

// SetEnabled toggles a breakpoint.
func (c *Coordinator) SetEnabled(id string, enabled bool) error {
	if _, ok := c.manager.updateBreakpoint(id, func(bp *Breakpoint) { bp.Enabled = enabled }); !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "breakpoint %s not found", id)
	}
	c.mu.Lock()
	if bp, ok := c.byID[id]; ok {
		bp.Enabled = enabled
	}
	c.mu.Unlock()
	return nil
}

// Breakpoints returns the breakpoints as stored by the manager.
func (c *Coordinator) Breakpoints() []Breakpoint { return c.manager.Breakpoints() }

// MightBreakAt reports whether an enabled breakpoint exists at source:line.
// Conditions and hit counts are not evaluated here. It never waits on a
// writer: while breakpoints are being edited it answers true and leaves the
// exact decision to hitBreakpoint.
func (c *Coordinator) MightBreakAt(source string, line int) bool {
	if !c.hasBreakpoints.Load() {
		return false
	}
	if !c.mu.TryRLock() {
		return true
	}
	defer c.mu.RUnlock()
	if c.sources[source] == 0 {
		return false
	}
	for _, id := range c.byLoc[locKey{source, line}] {
		if bp, ok := c.byID[id]; ok && bp.Enabled {
			return true
		}
	}
	return false
}

// RequestPause asks the next checked location to stop with ReasonPause.
func (c *Coordinator) RequestPause() { c.pauseRequested.Store(true) }

// StopOnEntry asks the next checked location to stop with ReasonEntry.
func (c *Coordinator) StopOnEntry() { c.entryRequested.Store(true) }

// Check is called by the hook adapter at every location. It returns
// immediately unless a breakpoint, a pending step or a pause request
// applies, in which case it blocks until resumed.
func (c *Coordinator) Check(ctx context.Context, loc Location, locals map[string]any) error {
	c.manager.UpdateTopFrame(loc, nil)
	reason, bpID, stop := c.shouldStop(ctx, loc, locals)
	if !stop {
		return nil
	}
	return c.pause(ctx, reason, bpID, loc, locals)
}

// CoordinateBreakpointPause stops at loc unconditionally and blocks until
// Resume is called or ctx ends.
func (c *Coordinator) CoordinateBreakpointPause(ctx context.Context, loc Location, locals map[string]any) error {
	return c.pause(ctx, ReasonBreakpoint, "", loc, locals)
}

// PauseOnException stops after a failure at loc.
func (c *Coordinator) PauseOnException(ctx context.Context, loc Location, locals map[string]any) error {
	return c.pause(ctx, ReasonException, "", loc, locals)
}

func (c *Coordinator) shouldStop(ctx context.Context, loc Location, locals map[string]any) (PauseReason, string, bool) {
	if c.MightBreakAt(loc.Source, loc.Line) {
		if id, ok := c.hitBreakpoint(ctx, loc, locals); ok {
			return ReasonBreakpoint, id, true
		}
	}
	if st := c.step.Load(); st != nil {
		depth := c.manager.Depth()
		hit := false
		switch st.mode {
		case StepIn:
			hit = true
		case StepOver:
			hit = depth <= st.depth
		case StepOut:
			hit = depth < st.depth
		}
		if hit {
			return ReasonStep, "", true
		}
	}
	if c.entryRequested.CompareAndSwap(true, false) {
		return ReasonEntry, "", true
	}
	if c.pauseRequested.CompareAndSwap(true, false) {
		return ReasonPause, "", true
	}
	return "", "", false
}

// hitBreakpoint evaluates conditions and hit counts of the breakpoints at
// loc. Hit counts only advance when the condition holds.
func (c *Coordinator) hitBreakpoint(ctx context.Context, loc Location, locals map[string]any) (string, bool) {
	c.mu.RLock()
	ids := append([]string(nil), c.byLoc[locKey{loc.Source, loc.Line}]...)
	c.mu.RUnlock()

	env := c.manager.Env(0)
	for k, v := range locals {
		env[k] = v
	}
	for _, id := range ids {
		bp, ok := c.manager.Breakpoint(id)
		if !ok || !bp.Enabled {
			continue
		}
		if bp.Condition != "" {
			holds, err := expressions.EvaluateBool(ctx, c.conds, expressions.RewriteDollarVars(bp.Condition), env)
			if err != nil {
				c.logger.WarnContext(ctx, "breakpoint condition failed",
					slog.String("id", id), slog.String(logging.ErrorKey, err.Error()))
				continue
			}
			if !holds {
				continue
			}
		}
		updated, ok := c.manager.updateBreakpoint(id, func(b *Breakpoint) { b.HitCount++ })
		if !ok {
			continue
		}
		c.mu.Lock()
		if snap, ok := c.byID[id]; ok {
			snap.HitCount = updated.HitCount
		}
		c.mu.Unlock()
		if bp.HitCondition != "" {
			hc, _ := parseHitCondition(bp.HitCondition)
			if !hc.matches(updated.HitCount) {
				continue
			}
		}
		return id, true
	}
	return "", false
}

func (c *Coordinator) pause(ctx context.Context, reason PauseReason, bpID string, loc Location, locals map[string]any) error {
	c.pauseMu.Lock()
	defer c.pauseMu.Unlock()

	c.step.Store(nil)
	st := PausedAt(reason, loc)
	st.BreakpointID = bpID
	c.manager.suspend(st, locals)
	c.metrics.DebugPaused(string(reason))
	started := time.Now()
	stopped := map[string]any{
		"reason": string(reason),
		"source": loc.Source,
		"line":   loc.Line,
	}
	if bpID != "" {
		stopped["breakpoint_id"] = bpID
	}
	c.publish(ctx, schema.EventDebugStopped, loc.Source, stopped)
	c.logger.InfoContext(ctx, "execution paused",
		slog.String("reason", string(reason)),
		slog.String("location", loc.String()))

	mode, err := c.manager.WaitForResume(ctx)
	c.metrics.DebugResumed()
	if err != nil {
		return err
	}
	if mode != StepContinue {
		c.step.Store(&stepping{mode: mode, depth: c.manager.Depth()})
	}
	c.publish(context.WithoutCancel(ctx), schema.EventDebugContinued, loc.Source, map[string]any{
		"mode":      string(mode),
		"paused_ms": time.Since(started).Milliseconds(),
	})
	return nil
}

// Resume continues a paused execution with mode. It reports whether an
// execution was waiting.
func (c *Coordinator) Resume(mode StepMode) bool { return c.manager.Resume(mode) }

func (c *Coordinator) Continue() bool { return c.Resume(StepContinue) }
func (c *Coordinator) StepOver() bool { return c.Resume(StepOver) }
func (c *Coordinator) StepIn() bool   { return c.Resume(StepIn) }
func (c *Coordinator) StepOut() bool  { return c.Resume(StepOut) }

// CallStack returns the live frames, innermost first.
func (c *Coordinator) CallStack() []StackFrame { return c.manager.StackFrames() }

// Evaluate runs an expr expression against the environment of frameID
// (0 for the top frame).
func (c *Coordinator) Evaluate(ctx context.Context, expression string, frameID int) (any, error) {
	return c.conds.Evaluate(ctx, expressions.RewriteDollarVars(expression), c.manager.Env(frameID))
}

func (c *Coordinator) inspectVariables(_ context.Context, args map[string]any) (any, error) {
	scope := ScopeLocal
	if s, _ := args["scope"].(string); s == string(ScopeGlobal) {
		scope = ScopeGlobal
	}
	frameID := 0
	switch v := args["frame_id"].(type) {
	case int:
		frameID = v
	case float64:
		frameID = int(v)
	}
	if frameID == 0 {
		if frames := c.manager.StackFrames(); len(frames) > 0 {
			frameID = frames[0].ID
		}
	}
	return c.manager.Variables(scope, frameID), nil
}

func (c *Coordinator) compile(expression string) error {
	if comp, ok := c.conds.(interface{ Compile(string) error }); ok {
		return comp.Compile(expressions.RewriteDollarVars(expression))
	}
	return nil
}

func (c *Coordinator) publish(ctx context.Context, eventType, source string, payload map[string]any) {
	if c.hub == nil {
		return
	}
	_ = c.hub.Publish(ctx, streaming.Event{
		ExecutionID: logging.ExecutionID(ctx),
		Source:      source,
		Type:        eventType,
		Payload:     payload,
	})
}

type hitOp int

const (
	hitEqual hitOp = iota
	hitGreater
	hitAtLeast
	hitModulo
)

type hitCondition struct {
	op hitOp
	n  int
}

func parseHitCondition(raw string) (hitCondition, error) {
	s := strings.TrimSpace(raw)
	hc := hitCondition{op: hitEqual}
	switch {
	case strings.HasPrefix(s, ">="):
		hc.op, s = hitAtLeast, s[2:]
	case strings.HasPrefix(s, "=="):
		s = s[2:]
	case strings.HasPrefix(s, ">"):
		hc.op, s = hitGreater, s[1:]
	case strings.HasPrefix(s, "%"):
		hc.op, s = hitModulo, s[1:]
	}
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || n < 0 || (hc.op == hitModulo && n == 0) {
		return hitCondition{}, schema.NewErrorf(schema.ErrCodeValidation, "invalid hit condition %q", raw)
	}
	hc.n = n
	return hc, nil
}

func (h hitCondition) matches(count int) bool {
	switch h.op {
	case hitGreater:
		return count > h.n
	case hitAtLeast:
		return count >= h.n
	case hitModulo:
		return count%h.n == 0
	}
	return count == h.n
}
