package schema

import "strings"

// HookPoint is a lifecycle event at which hooks run.
// Points are compared by equality; custom points use the "custom:" prefix.
type HookPoint string

const (
	HookWorkflowStart         HookPoint = "workflow_start"
	HookWorkflowComplete      HookPoint = "workflow_complete"
	HookStepStart             HookPoint = "step_start"
	HookStepComplete          HookPoint = "step_complete"
	HookStepError             HookPoint = "step_error"
	HookBranchSelection       HookPoint = "branch_selection"
	HookLoopIterationStart    HookPoint = "loop_iteration_start"
	HookLoopIterationComplete HookPoint = "loop_iteration_complete"
	HookLoopTermination       HookPoint = "loop_termination"
	HookConditionEvaluation   HookPoint = "condition_evaluation"
)

const customHookPrefix = "custom:"

// CustomHookPoint registers an extension point by name.
func CustomHookPoint(name string) HookPoint {
	return HookPoint(customHookPrefix + name)
}

// IsCustom reports whether the point was created with CustomHookPoint.
func (p HookPoint) IsCustom() bool {
	return strings.HasPrefix(string(p), customHookPrefix)
}

// BuiltinHookPoints lists the lifecycle points emitted by the pattern engines.
func BuiltinHookPoints() []HookPoint {
	return []HookPoint{
		HookWorkflowStart, HookWorkflowComplete,
		HookStepStart, HookStepComplete, HookStepError,
		HookBranchSelection,
		HookLoopIterationStart, HookLoopIterationComplete, HookLoopTermination,
		HookConditionEvaluation,
	}
}
