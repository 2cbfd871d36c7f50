package conditions

import (
	"github.com/rendis/agentscript/internal/expressions"
	"github.com/rendis/agentscript/pkg/schema"
)

// StaticView is a View over fixed data.
type StaticView struct {
	Shared  map[string]any
	Results map[schema.ComponentID]schema.StepResult
}

func (v StaticView) GetSharedData(key string) (any, bool) {
	val, ok := v.Shared[key]
	return val, ok
}

func (v StaticView) LastResult(stepID schema.ComponentID) (schema.StepResult, bool) {
	r, ok := v.Results[stepID]
	return r, ok
}

func (v StaticView) Scope() *expressions.Scope {
	steps := make(map[string]any, len(v.Results))
	for _, r := range v.Results {
		steps[r.StepName] = expressions.StepEntry(r.Output, r.Success, r.Error, r.Attempts)
	}
	return &expressions.Scope{Shared: v.Shared, Steps: steps}
}
