package workflow

import (
	"context"
	"log/slog"

	"github.com/rendis/agentscript/internal/engine"
	"github.com/rendis/agentscript/internal/logging"
	"github.com/rendis/agentscript/pkg/schema"
)

// ConditionalConfig builds a Conditional workflow.
//
// With ExecuteAllMatching every matching branch runs in order. Otherwise only
// the first match runs, and ShortCircuit decides whether the remaining
// conditions are still evaluated (for the matched_branches count and the
// ConditionEvaluation hooks).
type ConditionalConfig struct {
	Base
	Branches                []schema.Branch `json:"branches"`
	ExecuteAllMatching      bool            `json:"execute_all_matching,omitempty"`
	ShortCircuit            bool            `json:"short_circuit_evaluation"`
	ExecuteDefaultOnNoMatch bool            `json:"execute_default_on_no_match"`
}

// DefaultConditionalConfig returns a config with short-circuit evaluation and
// default-branch fallback enabled.
func DefaultConditionalConfig(name string, branches ...schema.Branch) ConditionalConfig {
	return ConditionalConfig{
		Base:                    Base{Name: name},
		Branches:                branches,
		ShortCircuit:            true,
		ExecuteDefaultOnNoMatch: true,
	}
}

// Conditional selects branches by evaluating their conditions in order.
type Conditional struct {
	rt  *Runtime
	cfg ConditionalConfig
	id  schema.ComponentID

	branches []schema.Branch // non-default, in declared order
	fallback *schema.Branch
}

// NewConditional validates cfg and builds the workflow.
func NewConditional(rt *Runtime, cfg ConditionalConfig) (*Conditional, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if len(cfg.Branches) == 0 {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "conditional workflow %q has no branches", cfg.Name)
	}

	c := &Conditional{rt: rt, cfg: cfg, id: schema.NewComponentID(cfg.Name)}
	names := make(map[string]bool, len(cfg.Branches))
	for i := range cfg.Branches {
		b := cfg.Branches[i]
		if b.Name == "" {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "branch %d has no name", i+1)
		}
		if names[b.Name] {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "duplicate branch name %q", b.Name)
		}
		names[b.Name] = true
		if b.ID.IsZero() {
			b.ID = schema.NewComponentID(b.Name)
		}
		if err := validateSteps(b.Steps, "branch "+b.Name); err != nil {
			return nil, err
		}
		if b.IsDefault {
			if c.fallback != nil {
				return nil, schema.NewErrorf(schema.ErrCodeValidation,
					"conditional workflow %q has more than one default branch", cfg.Name)
			}
			c.fallback = &b
			continue
		}
		c.branches = append(c.branches, b)
	}
	return c, nil
}

func (c *Conditional) ID() schema.ComponentID    { return c.id }
func (c *Conditional) Name() string              { return c.cfg.Name }
func (c *Conditional) Type() schema.WorkflowType { return schema.WorkflowConditional }

// Config returns the build configuration.
func (c *Conditional) Config() ConditionalConfig { return c.cfg }

// Execute runs the workflow.
func (c *Conditional) Execute(ctx context.Context, opts RunOptions) (*Result, error) {
	return c.rt.run(ctx, schema.WorkflowConditional, c.cfg.Base, opts, c.body)
}

func (c *Conditional) body(ctx context.Context, x *execution) outcome {
	matched := 0
	var executed []string
	var evaluations []map[string]any
	var stopped string
	var failed, selected bool

	for _, b := range c.branches {
		if err := ctx.Err(); err != nil {
			stopped = interruptReason(err)
			break
		}
		if selected && !c.cfg.ExecuteAllMatching && c.cfg.ShortCircuit {
			break
		}

		x.emit(ctx, schema.HookConditionEvaluation, map[string]any{
			"branch":         b.Name,
			"condition_kind": string(b.Condition.Kind),
		})
		res := x.rt.conditions.Evaluate(ctx, b.Condition, x.state)
		eval := map[string]any{
			"branch":      b.Name,
			"is_true":     res.IsTrue,
			"description": res.Description,
		}
		if res.Error != "" {
			eval["error"] = res.Error
			x.logger.WarnContext(ctx, "branch condition failed",
				slog.String("branch", b.Name),
				slog.String(logging.ErrorKey, res.Error),
			)
		}
		evaluations = append(evaluations, eval)
		if !res.IsTrue {
			continue
		}
		matched++
		if selected && !c.cfg.ExecuteAllMatching {
			continue
		}
		selected = true

		x.emit(ctx, schema.HookBranchSelection, map[string]any{
			"branch":      b.Name,
			"description": res.Description,
		})
		stop, bf := x.runSteps(ctx, b.Steps, b.Name, engine.ErrorHandler{})
		executed = append(executed, b.Name)
		failed = failed || bf
		if stop != "" {
			stopped = "branch '" + b.Name + "': " + stop
			break
		}
	}

	defaultRan := false
	noMatchErr := ""
	if stopped == "" && matched == 0 {
		switch {
		case c.fallback != nil && c.cfg.ExecuteDefaultOnNoMatch:
			x.emit(ctx, schema.HookBranchSelection, map[string]any{
				"branch":  c.fallback.Name,
				"default": true,
			})
			stop, bf := x.runSteps(ctx, c.fallback.Steps, c.fallback.Name, engine.ErrorHandler{})
			executed = append(executed, c.fallback.Name)
			defaultRan = true
			failed = failed || bf
			if stop != "" {
				stopped = "default branch '" + c.fallback.Name + "': " + stop
			}
		case c.cfg.ExecuteDefaultOnNoMatch:
			noMatchErr = "no branch matched and no default branch is defined"
		}
	}

	x.mu.Lock()
	outputs := stepOutputs(x.results)
	x.mu.Unlock()

	out := outcome{
		success: stopped == "" && noMatchErr == "" && !failed,
		err:     stopped,
		output:  outputs,
		metadata: map[string]any{
			"matched_branches":  matched,
			"executed_branches": executed,
			"default_executed":  defaultRan,
			"evaluations":       evaluations,
		},
	}
	switch {
	case noMatchErr != "":
		out.err = noMatchErr
	case out.err == "" && failed:
		out.err = "one or more steps failed"
	}
	return out
}

var _ Workflow = (*Conditional)(nil)
