package workflow

import (
	"context"

	"github.com/rendis/agentscript/internal/engine"
	"github.com/rendis/agentscript/pkg/schema"
)

// SequentialConfig builds a Sequential workflow.
type SequentialConfig struct {
	Base
	Steps []schema.WorkflowStep `json:"steps"`
}

// Sequential runs its steps in listed order and stops at the first failure
// the error strategy does not absorb.
type Sequential struct {
	rt  *Runtime
	cfg SequentialConfig
	id  schema.ComponentID
}

// NewSequential validates cfg and builds the workflow.
func NewSequential(rt *Runtime, cfg SequentialConfig) (*Sequential, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if len(cfg.Steps) == 0 {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "sequential workflow %q has no steps", cfg.Name)
	}
	if err := validateSteps(cfg.Steps, "sequential workflow"); err != nil {
		return nil, err
	}
	return &Sequential{rt: rt, cfg: cfg, id: schema.NewComponentID(cfg.Name)}, nil
}

func (s *Sequential) ID() schema.ComponentID    { return s.id }
func (s *Sequential) Name() string              { return s.cfg.Name }
func (s *Sequential) Type() schema.WorkflowType { return schema.WorkflowSequential }

// Config returns the build configuration.
func (s *Sequential) Config() SequentialConfig { return s.cfg }

// Execute runs the workflow.
func (s *Sequential) Execute(ctx context.Context, opts RunOptions) (*Result, error) {
	return s.rt.run(ctx, schema.WorkflowSequential, s.cfg.Base, opts, func(ctx context.Context, x *execution) outcome {
		stopped, failed := x.runSteps(ctx, s.cfg.Steps, "", engine.ErrorHandler{})

		x.mu.Lock()
		outputs := stepOutputs(x.results)
		x.mu.Unlock()

		out := outcome{
			success:  stopped == "" && !failed,
			err:      stopped,
			output:   outputs,
			metadata: map[string]any{"total_steps": len(s.cfg.Steps)},
		}
		if stopped == "" && failed {
			out.err = "one or more steps failed"
		}
		return out
	})
}

var _ Workflow = (*Sequential)(nil)
