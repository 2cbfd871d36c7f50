package validation

import "github.com/rendis/agentscript/pkg/schema"

// Validator checks host-supplied configuration and tool inputs before execution.
// Uses JSON Schema Draft 2020-12.
type Validator interface {
	ValidateConfig(kind schema.WorkflowType, config map[string]any) error
	ValidateInput(input map[string]any, inputSchema []byte) error
}
