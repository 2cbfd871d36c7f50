// Package state owns per-execution workflow state: shared data, step history
// and lifecycle status.
package state

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/agentscript/internal/dotpath"
	"github.com/rendis/agentscript/internal/expressions"
	"github.com/rendis/agentscript/pkg/schema"
)

// WorkflowState is the per-execution state. Values obtained from Snapshot are
// deep copies and may be read freely.
type WorkflowState struct {
	ExecutionID  string                `json:"execution_id"`
	WorkflowID   schema.ComponentID    `json:"workflow_id"`
	WorkflowName string                `json:"workflow_name"`
	SharedData   map[string]any        `json:"shared_data"`
	CurrentStep  int                   `json:"current_step"`
	StartedAt    time.Time             `json:"started_at"`
	CompletedAt  time.Time             `json:"completed_at,omitzero"`
	StepHistory  []schema.StepResult   `json:"step_history"`
	Status       schema.WorkflowStatus `json:"status"`
}

// ChangeKind identifies what a Change announces.
type ChangeKind string

const (
	ChangeStatus     ChangeKind = "status"
	ChangeSharedData ChangeKind = "shared_data"
	ChangeStepResult ChangeKind = "step_result"
)

// Change describes one state mutation delivered to observers.
type Change struct {
	Kind   ChangeKind
	From   schema.WorkflowStatus
	To     schema.WorkflowStatus
	Event  string // stream event type for status changes
	Key    string
	Value  any
	Result *schema.StepResult
}

// Observer receives changes after they are applied. Observers run outside
// the manager's lock and must not block for long.
type Observer func(ctx context.Context, change Change)

// Options configure a Manager.
type Options struct {
	WorkflowID   schema.ComponentID
	WorkflowName string
	ExecutionID  string         // generated when empty
	Timeout      time.Duration  // zero disables the workflow budget
	Initial      map[string]any // initial shared data, copied
	Logger       *slog.Logger
}

// Manager is the single writer of one WorkflowState.
type Manager struct {
	mu        sync.RWMutex
	state     WorkflowState
	timeout   time.Duration
	logger    *slog.Logger
	observers []Observer
	byStep    map[schema.ComponentID]int // step id -> last history index
	byName    map[string]int
	clock     func() time.Time
}

// NewManager creates a Manager in the Pending status.
func NewManager(opts Options) *Manager {
	id := opts.ExecutionID
	if id == "" {
		id = uuid.NewString()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		state: WorkflowState{
			ExecutionID:  id,
			WorkflowID:   opts.WorkflowID,
			WorkflowName: opts.WorkflowName,
			SharedData:   dotpath.CloneMap(opts.Initial),
			Status:       schema.WorkflowStatusPending,
		},
		timeout: opts.Timeout,
		logger:  logger,
		byStep:  make(map[schema.ComponentID]int),
		byName:  make(map[string]int),
		clock:   time.Now,
	}
}

// Observe registers an observer for subsequent changes.
func (m *Manager) Observe(o Observer) {
	m.mu.Lock()
	m.observers = append(m.observers, o)
	m.mu.Unlock()
}

// ExecutionID returns the execution identifier.
func (m *Manager) ExecutionID() string {
	return m.state.ExecutionID
}

// StartExecution moves the execution to Running and starts the timeout clock.
func (m *Manager) StartExecution(ctx context.Context) error {
	return m.transition(ctx, schema.WorkflowStatusRunning)
}

// CompleteExecution finishes a running execution as Completed or Failed.
// It is a no-op when the execution already reached a terminal status
// (a cancellation or timeout decided first).
func (m *Manager) CompleteExecution(ctx context.Context, success bool) error {
	to := schema.WorkflowStatusFailed
	if success {
		to = schema.WorkflowStatusCompleted
	}
	if m.Status().IsTerminal() {
		return nil
	}
	return m.transition(ctx, to)
}

// CancelExecution moves the execution to Cancelled.
func (m *Manager) CancelExecution(ctx context.Context) error {
	if m.Status().IsTerminal() {
		return nil
	}
	return m.transition(ctx, schema.WorkflowStatusCancelled)
}

// MarkTimedOut moves the execution to TimedOut.
func (m *Manager) MarkTimedOut(ctx context.Context) error {
	if m.Status().IsTerminal() {
		return nil
	}
	return m.transition(ctx, schema.WorkflowStatusTimedOut)
}

func (m *Manager) transition(ctx context.Context, to schema.WorkflowStatus) error {
	m.mu.Lock()
	from := m.state.Status
	if !isValidTransition(from, to) {
		m.mu.Unlock()
		return schema.NewErrorf(schema.ErrCodeConflict, "invalid execution transition: %s -> %s", from, to).
			WithDetails(map[string]any{"execution_id": m.state.ExecutionID, "from": string(from), "to": string(to)})
	}
	now := m.clock()
	m.state.Status = to
	if to == schema.WorkflowStatusRunning {
		m.state.StartedAt = now
	}
	if to.IsTerminal() {
		m.state.CompletedAt = now
	}
	observers := m.observers
	m.mu.Unlock()

	m.logger.DebugContext(ctx, "execution status changed",
		slog.String("execution_id", m.state.ExecutionID),
		slog.String("from", string(from)),
		slog.String("to", string(to)),
	)
	notify(ctx, observers, Change{Kind: ChangeStatus, From: from, To: to, Event: eventForStatus(to)})
	return nil
}

// Status returns the current status.
func (m *Manager) Status() schema.WorkflowStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.Status
}

// RecordStepResult appends a result to the step history. History is never
// rewritten; a re-run step appends a new entry.
func (m *Manager) RecordStepResult(ctx context.Context, result schema.StepResult) {
	m.mu.Lock()
	m.state.StepHistory = append(m.state.StepHistory, result)
	idx := len(m.state.StepHistory) - 1
	m.byStep[result.StepID] = idx
	if result.StepName != "" {
		m.byName[result.StepName] = idx
	}
	observers := m.observers
	m.mu.Unlock()

	notify(ctx, observers, Change{Kind: ChangeStepResult, Result: &result})
}

// AdvanceStep increments the current step index and returns the new value.
func (m *Manager) AdvanceStep() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.CurrentStep++
	return m.state.CurrentStep
}

// GetSharedData reads a shared value. The returned value is a copy.
func (m *Manager) GetSharedData(key string) (any, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.state.SharedData[key]
	return dotpath.Clone(v), ok
}

// SetSharedData writes a shared value. Later reads in this execution see it.
func (m *Manager) SetSharedData(ctx context.Context, key string, value any) {
	value = dotpath.Clone(dotpath.Normalize(value))
	m.mu.Lock()
	m.state.SharedData[key] = value
	observers := m.observers
	m.mu.Unlock()

	notify(ctx, observers, Change{Kind: ChangeSharedData, Key: key, Value: value})
}

// DeleteSharedData removes a shared value.
func (m *Manager) DeleteSharedData(key string) {
	m.mu.Lock()
	delete(m.state.SharedData, key)
	m.mu.Unlock()
}

// SharedData returns a copy of all shared data.
func (m *Manager) SharedData() map[string]any {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return dotpath.CloneMap(m.state.SharedData)
}

// LastResult returns the most recent result recorded for a step id.
func (m *Manager) LastResult(stepID schema.ComponentID) (schema.StepResult, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	idx, ok := m.byStep[stepID]
	if !ok {
		return schema.StepResult{}, false
	}
	return m.state.StepHistory[idx], true
}

// Snapshot returns a deep copy of the state.
func (m *Manager) Snapshot() WorkflowState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	snap := m.state
	snap.SharedData = dotpath.CloneMap(m.state.SharedData)
	snap.StepHistory = make([]schema.StepResult, len(m.state.StepHistory))
	for i, r := range m.state.StepHistory {
		r.Output = dotpath.Clone(r.Output)
		snap.StepHistory[i] = r
	}
	return snap
}

// Scope builds the expression scope seen by conditions and interpolation.
func (m *Manager) Scope() *expressions.Scope {
	m.mu.RLock()
	defer m.mu.RUnlock()
	steps := make(map[string]any, len(m.byName))
	for name, idx := range m.byName {
		r := m.state.StepHistory[idx]
		steps[name] = expressions.StepEntry(dotpath.Clone(r.Output), r.Success, r.Error, r.Attempts)
	}
	return &expressions.Scope{
		Shared: dotpath.CloneMap(m.state.SharedData),
		Steps:  steps,
		Workflow: map[string]any{
			"id":           m.state.WorkflowID.String(),
			"name":         m.state.WorkflowName,
			"execution_id": m.state.ExecutionID,
			"current_step": m.state.CurrentStep,
		},
	}
}

// Elapsed returns wall time since StartExecution.
func (m *Manager) Elapsed() time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.state.StartedAt.IsZero() {
		return 0
	}
	if !m.state.CompletedAt.IsZero() {
		return m.state.CompletedAt.Sub(m.state.StartedAt)
	}
	return m.clock().Sub(m.state.StartedAt)
}

// CheckExecutionTimeout reports whether the workflow budget is exhausted.
func (m *Manager) CheckExecutionTimeout() bool {
	if m.timeout <= 0 {
		return false
	}
	m.mu.RLock()
	started := m.state.StartedAt
	m.mu.RUnlock()
	if started.IsZero() {
		return false
	}
	return m.clock().Sub(started) > m.timeout
}

// Persist writes a snapshot of the execution to store under ExecutionKey.
func (m *Manager) Persist(ctx context.Context, store Store) error {
	snap := m.Snapshot()
	history := make([]any, len(snap.StepHistory))
	for i, r := range snap.StepHistory {
		entry := map[string]any{
			"step_id":     r.StepID.String(),
			"step_name":   r.StepName,
			"success":     r.Success,
			"status":      string(r.Status),
			"output":      r.Output,
			"attempts":    r.Attempts,
			"duration_ms": r.Duration.Milliseconds(),
		}
		if r.Error != "" {
			entry["error"] = r.Error
		}
		history[i] = entry
	}
	doc := map[string]any{
		"schema_version": 1,
		"execution_id":   snap.ExecutionID,
		"workflow_id":    snap.WorkflowID.String(),
		"workflow_name":  snap.WorkflowName,
		"status":         string(snap.Status),
		"current_step":   snap.CurrentStep,
		"started_at":     snap.StartedAt.UTC().Format(time.RFC3339Nano),
		"shared_data":    snap.SharedData,
		"step_history":   history,
	}
	if err := store.Set(ctx, ExecutionKey(snap.ExecutionID), doc); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "persist execution %s", snap.ExecutionID).WithCause(err)
	}
	return nil
}

func notify(ctx context.Context, observers []Observer, c Change) {
	for _, o := range observers {
		o(ctx, c)
	}
}
