package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rendis/agentscript/internal/engine"
	"github.com/rendis/agentscript/internal/logging"
	"github.com/rendis/agentscript/pkg/schema"
)

// ParallelBranch is one concurrently executed step list.
type ParallelBranch struct {
	Name     string                `json:"name"`
	Steps    []schema.WorkflowStep `json:"steps"`
	Optional bool                  `json:"optional,omitempty"` // failures do not fail the workflow
	Timeout  time.Duration         `json:"timeout,omitempty"`
}

// Required reports whether a failure of the branch fails the workflow.
func (b ParallelBranch) Required() bool { return !b.Optional }

// ParallelConfig builds a Parallel workflow. MaxConcurrency zero runs every
// branch at once.
type ParallelConfig struct {
	Base
	Branches       []ParallelBranch `json:"branches"`
	MaxConcurrency int              `json:"max_concurrency,omitempty"`
}

// BranchResult is the outcome of one parallel branch.
type BranchResult struct {
	Name        string              `json:"name"`
	Success     bool                `json:"success"`
	Required    bool                `json:"required"`
	Cancelled   bool                `json:"cancelled"`
	Started     bool                `json:"started"`
	Error       string              `json:"error,omitempty"`
	StepResults []schema.StepResult `json:"step_results"`
	Duration    time.Duration       `json:"duration"`
}

// Parallel runs named branches concurrently. Under FailFast (and Retry once
// retries are exhausted) the first failing required branch cancels the
// others; under Continue every branch runs to completion.
type Parallel struct {
	rt  *Runtime
	cfg ParallelConfig
	id  schema.ComponentID
}

// NewParallel validates cfg and builds the workflow.
func NewParallel(rt *Runtime, cfg ParallelConfig) (*Parallel, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if len(cfg.Branches) == 0 {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "parallel workflow %q has no branches", cfg.Name)
	}
	if cfg.MaxConcurrency < 0 {
		return nil, schema.NewError(schema.ErrCodeValidation, "max_concurrency cannot be negative")
	}
	names := make(map[string]bool, len(cfg.Branches))
	for i, b := range cfg.Branches {
		if b.Name == "" {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "parallel branch %d has no name", i+1)
		}
		if names[b.Name] {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "duplicate parallel branch %q", b.Name)
		}
		names[b.Name] = true
		if len(b.Steps) == 0 {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "parallel branch %q has no steps", b.Name)
		}
		if err := validateSteps(b.Steps, "branch "+b.Name); err != nil {
			return nil, err
		}
		if b.Timeout < 0 {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "branch %q timeout cannot be negative", b.Name)
		}
	}
	return &Parallel{rt: rt, cfg: cfg, id: schema.NewComponentID(cfg.Name)}, nil
}

func (p *Parallel) ID() schema.ComponentID    { return p.id }
func (p *Parallel) Name() string              { return p.cfg.Name }
func (p *Parallel) Type() schema.WorkflowType { return schema.WorkflowParallel }

// Config returns the build configuration.
func (p *Parallel) Config() ParallelConfig { return p.cfg }

// Execute runs the workflow.
func (p *Parallel) Execute(ctx context.Context, opts RunOptions) (*Result, error) {
	return p.rt.run(ctx, schema.WorkflowParallel, p.cfg.Base, opts, p.body)
}

func (p *Parallel) body(ctx context.Context, x *execution) outcome {
	failFast := x.strategy.Kind != schema.StrategyContinue

	size := p.cfg.MaxConcurrency
	if size == 0 || size > len(p.cfg.Branches) {
		size = len(p.cfg.Branches)
	}
	pool := engine.NewWorkerPool(size, x.logger)
	defer pool.Close()

	bctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		once         sync.Once
		stoppedBy    string
		stoppedEarly bool
		results      = make([]BranchResult, len(p.cfg.Branches))
	)
	trip := func(branch string) {
		once.Do(func() {
			stoppedBy = branch
			stoppedEarly = true
			x.logger.InfoContext(ctx, "fail-fast: cancelling outstanding branches", slog.String("branch", branch))
			cancel()
		})
	}

	for i, b := range p.cfg.Branches {
		err := pool.Go(bctx, func(ctx context.Context) error {
			r := p.runBranch(ctx, x, b)
			results[i] = r
			if !r.Success && !r.Cancelled && b.Required() && failFast {
				trip(b.Name)
			}
			return nil
		})
		if err != nil {
			results[i] = BranchResult{
				Name:      b.Name,
				Required:  b.Required(),
				Cancelled: true,
				Error:     "branch not started: " + interruptReason(err),
			}
		}
	}
	pool.Wait()

	var succeeded, failedN, cancelledN, requiredFailures int
	outputs := make(map[string]any, len(results))
	for _, r := range results {
		switch {
		case r.Success:
			succeeded++
			outputs[r.Name] = stepOutputs(r.StepResults)
		case r.Cancelled:
			cancelledN++
		default:
			failedN++
		}
		if !r.Success && r.Required {
			requiredFailures++
		}
	}

	out := outcome{
		success:  requiredFailures == 0,
		output:   outputs,
		branches: results,
		metadata: map[string]any{
			"total_branches":      len(results),
			"successful_branches": succeeded,
			"failed_branches":     failedN,
			"cancelled_branches":  cancelledN,
			"stopped_early":       stoppedEarly,
			"max_concurrency":     size,
		},
	}
	switch {
	case stoppedBy != "":
		out.err = fmt.Sprintf("branch '%s' failed; outstanding branches cancelled", stoppedBy)
	case requiredFailures > 0:
		out.err = fmt.Sprintf("%d required branches failed", requiredFailures)
	}
	return out
}

// runBranch executes one branch's steps in order. A branch whose context is
// cancelled by a sibling's failure is reported as cancelled, not failed.
func (p *Parallel) runBranch(ctx context.Context, x *execution, b ParallelBranch) BranchResult {
	start := x.rt.now()
	res := BranchResult{Name: b.Name, Required: b.Required(), Started: true}

	if b.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.Timeout)
		defer cancel()
	}

	failed := false
	for i, step := range b.Steps {
		if err := ctx.Err(); err != nil {
			res.Cancelled = !errors.Is(err, context.DeadlineExceeded)
			res.Error = interruptReason(err)
			break
		}
		sr := x.runStep(ctx, step, i, b.Name)
		res.StepResults = append(res.StepResults, sr)
		if sr.Success || sr.Status == schema.StepStatusSkipped {
			continue
		}
		failed = true
		if sr.Status == schema.StepStatusCancelled && ctx.Err() != nil {
			res.Cancelled = true
			res.Error = "cancelled"
			break
		}
		if (engine.ErrorHandler{}).HandleStepFailure(sr, &x.strategy) == engine.ContinueToNext {
			continue
		}
		res.Error = fmt.Sprintf("branch '%s' failed at step '%s': %s", b.Name, step.Name, sr.Error)
		break
	}
	res.Success = !failed && !res.Cancelled && res.Error == ""
	if !res.Success && res.Error == "" {
		res.Error = "one or more steps failed"
	}
	res.Duration = x.rt.now().Sub(start)

	if !res.Success {
		level := slog.LevelWarn
		if res.Cancelled {
			level = slog.LevelDebug
		}
		x.logger.Log(ctx, level, "parallel branch did not succeed",
			slog.String("branch", b.Name),
			slog.Bool("cancelled", res.Cancelled),
			slog.String(logging.ErrorKey, res.Error),
		)
	}
	return res
}

var _ Workflow = (*Parallel)(nil)
