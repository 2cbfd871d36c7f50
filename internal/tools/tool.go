package tools

import (
	"context"
	"encoding/json"
	"log/slog"
)

// SecurityLevel classifies how much trust a tool needs.
type SecurityLevel string

const (
	SecuritySafe       SecurityLevel = "safe"
	SecurityRestricted SecurityLevel = "restricted"
	SecurityPrivileged SecurityLevel = "privileged"
)

// SecurityRequirements lists the host capabilities a tool uses.
type SecurityRequirements struct {
	Network      bool     `json:"network,omitempty"`
	FileSystem   bool     `json:"file_system,omitempty"`
	ProcessSpawn bool     `json:"process_spawn,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
}

// ResourceLimits bounds a single tool invocation. Zero means unlimited.
type ResourceLimits struct {
	MaxMemoryBytes   int64 `json:"max_memory"`
	MaxCPUMillis     int64 `json:"max_cpu_ms"`
	MaxNetworkBPS    int64 `json:"max_network_bps"`
	MaxFileOpsPerSec int   `json:"max_file_ops_per_sec"`
}

// ParameterDef describes one named tool parameter.
type ParameterDef struct {
	Name        string `json:"name"`
	Type        string `json:"type"` // JSON Schema type name
	Description string `json:"description,omitempty"`
	Required    bool   `json:"required,omitempty"`
	Default     any    `json:"default,omitempty"`
}

// ToolSchema is the self-description of a tool.
type ToolSchema struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  []ParameterDef `json:"parameters,omitempty"`
	Returns     string         `json:"returns,omitempty"`
}

// JSONSchema renders the parameter list as a JSON Schema object.
// It returns nil when the tool declares no parameters.
func (s ToolSchema) JSONSchema() []byte {
	if len(s.Parameters) == 0 {
		return nil
	}
	props := make(map[string]any, len(s.Parameters))
	var required []string
	for _, p := range s.Parameters {
		prop := map[string]any{}
		if p.Type != "" && p.Type != "any" {
			prop["type"] = p.Type
		}
		if p.Description != "" {
			prop["description"] = p.Description
		}
		props[p.Name] = prop
		if p.Required {
			required = append(required, p.Name)
		}
	}
	doc := map[string]any{"type": "object", "properties": props}
	if len(required) > 0 {
		doc["required"] = required
	}
	b, _ := json.Marshal(doc)
	return b
}

// Input is what a tool or agent receives.
type Input struct {
	Parameters map[string]any `json:"parameters,omitempty"`
	Text       string         `json:"text,omitempty"`
}

// Output is what a tool or agent returns.
type Output struct {
	Result   any            `json:"result,omitempty"`
	Text     string         `json:"text,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Value returns the value recorded as the step output.
func (o *Output) Value() any {
	if o == nil {
		return nil
	}
	if o.Result != nil {
		return o.Result
	}
	if o.Text != "" {
		return o.Text
	}
	return nil
}

// SharedState is the live shared data of the running workflow. Writes are
// visible to later steps of the same execution.
type SharedState interface {
	GetSharedData(key string) (any, bool)
	SetSharedData(ctx context.Context, key string, value any)
}

// ExecutionContext identifies the step invoking a tool.
type ExecutionContext struct {
	ExecutionID string
	WorkflowID  string
	StepName    string
	Attempt     int
	Shared      map[string]any // read-only snapshot
	State       SharedState    // nil when the step runs outside a workflow
	Logger      *slog.Logger
}

// Tool is an executable capability dispatched by tool steps.
type Tool interface {
	Name() string
	Category() string
	SecurityLevel() SecurityLevel
	SecurityRequirements() SecurityRequirements
	ResourceLimits() ResourceLimits
	Schema() ToolSchema
	ValidateInput(input Input) error
	Execute(ctx context.Context, input Input, ec ExecutionContext) (*Output, error)
}

// ToolInfo is a summary of a registered tool for listing.
type ToolInfo struct {
	Name          string        `json:"name"`
	Category      string        `json:"category"`
	Description   string        `json:"description,omitempty"`
	SecurityLevel SecurityLevel `json:"security_level"`
}
