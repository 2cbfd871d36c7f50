package tools

import (
	"context"
	"sort"
	"sync"

	"github.com/rendis/agentscript/pkg/schema"
)

// AgentRunner executes Agent steps. The runtime ships no agent
// implementation; hosts inject one.
type AgentRunner interface {
	RunAgent(ctx context.Context, agentID schema.ComponentID, input string, ec ExecutionContext) (*Output, error)
}

// AgentRunnerFunc adapts a function to AgentRunner.
type AgentRunnerFunc func(ctx context.Context, agentID schema.ComponentID, input string, ec ExecutionContext) (*Output, error)

func (f AgentRunnerFunc) RunAgent(ctx context.Context, agentID schema.ComponentID, input string, ec ExecutionContext) (*Output, error) {
	return f(ctx, agentID, input, ec)
}

// Function is a host-registered callable dispatched by Custom steps.
type Function func(ctx context.Context, params any, ec ExecutionContext) (any, error)

// Functions is the named table of Custom step functions.
type Functions struct {
	mu    sync.RWMutex
	funcs map[string]Function
}

// NewFunctions creates an empty function table.
func NewFunctions() *Functions {
	return &Functions{funcs: make(map[string]Function)}
}

// Register adds or replaces a function.
func (f *Functions) Register(name string, fn Function) error {
	if name == "" {
		return schema.NewError(schema.ErrCodeValidation, "function name is empty")
	}
	if fn == nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "function %q is nil", name)
	}
	f.mu.Lock()
	f.funcs[name] = fn
	f.mu.Unlock()
	return nil
}

// Get looks up a function by name.
func (f *Functions) Get(name string) (Function, error) {
	f.mu.RLock()
	fn, ok := f.funcs[name]
	f.mu.RUnlock()
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeToolUnavailable, "custom function %q not registered", name)
	}
	return fn, nil
}

// Names returns the registered function names, sorted.
func (f *Functions) Names() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	names := make([]string, 0, len(f.funcs))
	for n := range f.funcs {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// FuncTool builds a Safe tool from a schema and a function.
type FuncTool struct {
	Spec     ToolSchema
	Cat      string
	Level    SecurityLevel
	Requires SecurityRequirements
	Limits   ResourceLimits
	Validate func(Input) error
	Run      func(ctx context.Context, input Input, ec ExecutionContext) (*Output, error)
}

func (t *FuncTool) Name() string { return t.Spec.Name }

func (t *FuncTool) Category() string {
	if t.Cat == "" {
		return "custom"
	}
	return t.Cat
}

func (t *FuncTool) SecurityLevel() SecurityLevel {
	if t.Level == "" {
		return SecuritySafe
	}
	return t.Level
}

func (t *FuncTool) SecurityRequirements() SecurityRequirements { return t.Requires }
func (t *FuncTool) ResourceLimits() ResourceLimits             { return t.Limits }
func (t *FuncTool) Schema() ToolSchema                         { return t.Spec }

func (t *FuncTool) ValidateInput(input Input) error {
	if t.Validate == nil {
		return nil
	}
	return t.Validate(input)
}

func (t *FuncTool) Execute(ctx context.Context, input Input, ec ExecutionContext) (*Output, error) {
	if t.Run == nil {
		return nil, schema.NewErrorf(schema.ErrCodeInternal, "tool %q has no implementation", t.Spec.Name)
	}
	return t.Run(ctx, input, ec)
}

var _ Tool = (*FuncTool)(nil)
