package engine

import "github.com/rendis/agentscript/pkg/schema"

// ErrorAction is the decision taken after a step fails.
type ErrorAction int

const (
	StopWorkflow ErrorAction = iota
	ContinueToNext
	RetryStep
)

func (a ErrorAction) String() string {
	switch a {
	case StopWorkflow:
		return "stop_workflow"
	case ContinueToNext:
		return "continue_to_next"
	case RetryStep:
		return "retry_step"
	default:
		return "unknown"
	}
}

// ErrorHandler maps a step failure and the workflow error strategy to the
// next action of a pattern engine.
type ErrorHandler struct {
	// ContinueOnError turns an exhausted or non-retriable failure into
	// ContinueToNext. Loops set it from their continue_on_error flag.
	ContinueOnError bool
}

// HandleStepFailure decides what happens after result. A nil strategy is
// treated as FailFast. Successful results always continue.
//
//	FailFast -> StopWorkflow
//	Continue -> ContinueToNext
//	Retry    -> RetryStep while attempts remain and the failure is retriable,
//	            then StopWorkflow (ContinueToNext with ContinueOnError)
func (h ErrorHandler) HandleStepFailure(result schema.StepResult, strategy *schema.ErrorStrategy) ErrorAction {
	if result.Success || result.Status == schema.StepStatusSkipped {
		return ContinueToNext
	}

	s := schema.FailFast()
	if strategy != nil {
		s = *strategy
	}

	switch s.Kind {
	case schema.StrategyContinue:
		return ContinueToNext
	case schema.StrategyRetry:
		if result.Status != schema.StepStatusCancelled && result.Attempts < maxAttempts(s) && !nonRetriable(result) {
			return RetryStep
		}
	}
	if h.ContinueOnError {
		return ContinueToNext
	}
	return StopWorkflow
}

// ShouldStop is a shorthand for pattern engines that already let the step
// executor retry.
func (h ErrorHandler) ShouldStop(result schema.StepResult, strategy *schema.ErrorStrategy) bool {
	return h.HandleStepFailure(result, strategy) == StopWorkflow
}

func maxAttempts(s schema.ErrorStrategy) int {
	if s.MaxAttempts < 1 {
		return 1
	}
	return s.MaxAttempts
}

func nonRetriable(result schema.StepResult) bool {
	return result.ErrorCode != "" && !schema.RetryableCode(result.ErrorCode)
}
