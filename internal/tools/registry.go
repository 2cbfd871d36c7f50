package tools

import (
	"sort"
	"sync"

	"github.com/rendis/agentscript/internal/validation"
	"github.com/rendis/agentscript/pkg/schema"
)

// Registry is the thread-safe tool catalogue consulted by the step executor.
type Registry struct {
	mu        sync.RWMutex
	tools     map[string]Tool
	validator validation.Validator
}

// NewRegistry creates an empty Registry. When validator is non-nil, Validate
// also checks parameters against each tool's declared schema.
func NewRegistry(validator validation.Validator) *Registry {
	return &Registry{
		tools:     make(map[string]Tool),
		validator: validator,
	}
}

// Register adds a tool. Returns error on duplicate name.
func (r *Registry) Register(tool Tool) error {
	if tool == nil {
		return schema.NewError(schema.ErrCodeValidation, "tool is nil")
	}
	name := tool.Name()
	if name == "" {
		return schema.NewError(schema.ErrCodeValidation, "tool name is empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tools[name]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "tool %q already registered", name)
	}
	r.tools[name] = tool
	return nil
}

// Get retrieves a tool by name.
func (r *Registry) Get(name string) (Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tool, ok := r.tools[name]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeToolUnavailable, "tool %q not registered", name)
	}
	return tool, nil
}

// Validate runs the tool's own input check and then its declared schema.
// Any failure is a VALIDATION_ERROR and must not be retried.
func (r *Registry) Validate(tool Tool, input Input) error {
	if err := tool.ValidateInput(input); err != nil {
		if schema.CodeOf(err) == "" {
			return schema.NewErrorf(schema.ErrCodeValidation, "%s: %s", tool.Name(), err.Error()).WithCause(err)
		}
		return err
	}
	if r.validator == nil {
		return nil
	}
	params := input.Parameters
	if params == nil {
		params = map[string]any{}
	}
	return r.validator.ValidateInput(params, tool.Schema().JSONSchema())
}

// List returns info for all registered tools, sorted by name.
func (r *Registry) List() []ToolInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]ToolInfo, 0, len(r.tools))
	for _, t := range r.tools {
		infos = append(infos, ToolInfo{
			Name:          t.Name(),
			Category:      t.Category(),
			Description:   t.Schema().Description,
			SecurityLevel: t.SecurityLevel(),
		})
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Name < infos[j].Name
	})
	return infos
}

// Has checks if a tool is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.tools[name]
	return ok
}

// Count returns the number of registered tools.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}
