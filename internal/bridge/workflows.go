package bridge

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/rendis/agentscript/internal/dotpath"
	"github.com/rendis/agentscript/internal/logging"
	"github.com/rendis/agentscript/internal/workflow"
	"github.com/rendis/agentscript/pkg/schema"
)

// Usage counts the executions of a catalogued workflow.
type Usage struct {
	TotalExecutions      int64      `json:"total_executions"`
	SuccessfulExecutions int64      `json:"successful_executions"`
	FailedExecutions     int64      `json:"failed_executions"`
	AvgDurationMS        int64      `json:"avg_duration_ms"`
	LastExecution        *time.Time `json:"last_execution,omitempty"`
}

func (u *Usage) observe(success bool, d time.Duration, at time.Time) {
	u.TotalExecutions++
	if success {
		u.SuccessfulExecutions++
	} else {
		u.FailedExecutions++
	}
	u.AvgDurationMS = (u.AvgDurationMS*(u.TotalExecutions-1) + d.Milliseconds()) / u.TotalExecutions
	u.LastExecution = &at
}

// Info describes a catalogued workflow.
type Info struct {
	ID           string              `json:"id"`
	Name         string              `json:"name"`
	Type         schema.WorkflowType `json:"type"`
	Description  string              `json:"description,omitempty"`
	RegisteredAt time.Time           `json:"registered_at"`
	Usage        Usage               `json:"usage"`
	Config       map[string]any      `json:"config,omitempty"`
}

type entry struct {
	wf   workflow.Workflow
	info Info
}

// Catalogue holds the workflows built or registered through the bindings,
// keyed by workflow id.
type Catalogue struct {
	mu      sync.RWMutex
	entries map[string]*entry
	now     func() time.Time
}

// NewCatalogue creates an empty catalogue.
func NewCatalogue() *Catalogue {
	return &Catalogue{entries: make(map[string]*entry), now: time.Now}
}

// Add catalogues wf. A second workflow with the same id is a CONFLICT.
func (c *Catalogue) Add(wf workflow.Workflow, description string, cfg map[string]any) (Info, error) {
	id := wf.ID().String()
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[id]; ok {
		return Info{}, schema.NewErrorf(schema.ErrCodeConflict, "workflow %q already registered", wf.Name())
	}
	info := Info{
		ID:           id,
		Name:         wf.Name(),
		Type:         wf.Type(),
		Description:  description,
		RegisteredAt: c.now(),
		Config:       dotpath.CloneMap(cfg),
	}
	c.entries[id] = &entry{wf: wf, info: info}
	return info, nil
}

// Lookup resolves an id or, failing that, a workflow name.
func (c *Catalogue) Lookup(idOrName string) (workflow.Workflow, Info, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e := c.find(idOrName)
	if e == nil {
		return nil, Info{}, false
	}
	return e.wf, e.info, true
}

// find must be called with mu held.
func (c *Catalogue) find(idOrName string) *entry {
	if e, ok := c.entries[idOrName]; ok {
		return e
	}
	for _, e := range c.entries {
		if e.info.Name == idOrName {
			return e
		}
	}
	return nil
}

// Remove drops a workflow by id or name.
func (c *Catalogue) Remove(idOrName string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.find(idOrName)
	if e == nil {
		return false
	}
	delete(c.entries, e.info.ID)
	return true
}

// Clear drops every workflow and returns how many there were.
func (c *Catalogue) Clear() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := len(c.entries)
	c.entries = make(map[string]*entry)
	return n
}

// List returns every workflow sorted by name.
func (c *Catalogue) List() []Info {
	c.mu.RLock()
	out := make([]Info, 0, len(c.entries))
	for _, e := range c.entries {
		out = append(out, e.info)
	}
	c.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Len returns the number of catalogued workflows.
func (c *Catalogue) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

func (c *Catalogue) observe(id string, res *workflow.Result) {
	if res == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[id]; ok {
		e.info.Usage.observe(res.Success, res.Duration, c.now())
	}
}

// WorkflowNamespace is the Workflow global: pattern constructors plus
// catalogue management.
type WorkflowNamespace struct {
	b *Bindings
}

// Sequential builds and catalogues a sequential workflow.
func (w *WorkflowNamespace) Sequential(cfg map[string]any) (Info, error) {
	return w.build(schema.WorkflowSequential, cfg)
}

// Conditional builds and catalogues a conditional workflow.
func (w *WorkflowNamespace) Conditional(cfg map[string]any) (Info, error) {
	return w.build(schema.WorkflowConditional, cfg)
}

// Loop builds and catalogues a loop workflow.
func (w *WorkflowNamespace) Loop(cfg map[string]any) (Info, error) {
	return w.build(schema.WorkflowLoop, cfg)
}

// Parallel builds and catalogues a parallel workflow.
func (w *WorkflowNamespace) Parallel(cfg map[string]any) (Info, error) {
	return w.build(schema.WorkflowParallel, cfg)
}

func (w *WorkflowNamespace) build(kind schema.WorkflowType, cfg map[string]any) (Info, error) {
	wf, err := workflow.Build(w.b.runtime, w.b.validator, kind, cfg)
	if err != nil {
		return Info{}, err
	}
	desc, _ := cfg["description"].(string)
	info, err := w.b.catalogue.Add(wf, desc, cfg)
	if err != nil {
		return Info{}, err
	}
	w.b.logger.Debug("workflow catalogued",
		slog.String(logging.WorkflowKey, info.Name),
		slog.String("type", string(kind)),
		slog.String("id", info.ID),
	)
	return info, nil
}

// Register catalogues a workflow built elsewhere.
func (w *WorkflowNamespace) Register(wf workflow.Workflow, description string) (Info, error) {
	if wf == nil {
		return Info{}, schema.NewError(schema.ErrCodeValidation, "workflow is nil")
	}
	return w.b.catalogue.Add(wf, description, nil)
}

// List returns the catalogued workflows sorted by name.
func (w *WorkflowNamespace) List() []Info { return w.b.catalogue.List() }

// Get returns one workflow by id or name.
func (w *WorkflowNamespace) Get(idOrName string) (Info, error) {
	_, info, ok := w.b.catalogue.Lookup(idOrName)
	if !ok {
		return Info{}, schema.NewErrorf(schema.ErrCodeNotFound, "workflow %q not found", idOrName)
	}
	return info, nil
}

// Remove drops a workflow. Missing workflows are NOT_FOUND.
func (w *WorkflowNamespace) Remove(idOrName string) error {
	if !w.b.catalogue.Remove(idOrName) {
		return schema.NewErrorf(schema.ErrCodeNotFound, "workflow %q not found", idOrName)
	}
	return nil
}

// Clear drops every workflow.
func (w *WorkflowNamespace) Clear() int { return w.b.catalogue.Clear() }

// Types lists the pattern names the constructors accept.
func (w *WorkflowNamespace) Types() []string {
	return []string{
		string(schema.WorkflowSequential),
		string(schema.WorkflowConditional),
		string(schema.WorkflowLoop),
		string(schema.WorkflowParallel),
	}
}

// Execute runs a catalogued workflow with input as the initial shared data
// and records its usage.
func (w *WorkflowNamespace) Execute(ctx context.Context, idOrName string, input map[string]any) (*workflow.Result, error) {
	wf, info, ok := w.b.catalogue.Lookup(idOrName)
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "workflow %q not found", idOrName)
	}
	res, err := wf.Execute(ctx, workflow.RunOptions{Input: input})
	w.b.catalogue.observe(info.ID, res)
	return res, err
}
