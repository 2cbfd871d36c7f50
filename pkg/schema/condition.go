package schema

// ConditionKind enumerates condition variants.
type ConditionKind string

const (
	ConditionAlways           ConditionKind = "always"
	ConditionNever            ConditionKind = "never"
	ConditionAnd              ConditionKind = "and"
	ConditionOr               ConditionKind = "or"
	ConditionNot              ConditionKind = "not"
	ConditionStepResultEquals ConditionKind = "step_result_equals"
	ConditionStepSucceeded    ConditionKind = "step_succeeded"
	ConditionStepFailed       ConditionKind = "step_failed"
	ConditionSharedDataEquals ConditionKind = "shared_data_equals"
	ConditionSharedDataExists ConditionKind = "shared_data_exists"
	ConditionCustom           ConditionKind = "custom"
)

// Condition is a recursive tagged variant evaluated against workflow state.
type Condition struct {
	Kind ConditionKind `json:"kind"`

	// And / Or
	Conditions []Condition `json:"conditions,omitempty"`
	// Not
	Inner *Condition `json:"inner,omitempty"`

	// StepResultEquals, StepSucceeded, StepFailed
	StepID         ComponentID `json:"step_id"`
	ExpectedOutput string      `json:"expected_output,omitempty"`

	// SharedDataEquals, SharedDataExists
	Key           string `json:"key,omitempty"`
	ExpectedValue any    `json:"expected_value,omitempty"`

	// Custom
	Expression  string `json:"expression,omitempty"`
	Description string `json:"description,omitempty"`
}

func Always() Condition { return Condition{Kind: ConditionAlways} }
func Never() Condition  { return Condition{Kind: ConditionNever} }

func And(conds ...Condition) Condition { return Condition{Kind: ConditionAnd, Conditions: conds} }
func Or(conds ...Condition) Condition  { return Condition{Kind: ConditionOr, Conditions: conds} }

func Not(c Condition) Condition { return Condition{Kind: ConditionNot, Inner: &c} }

func StepResultEquals(stepID ComponentID, expected string) Condition {
	return Condition{Kind: ConditionStepResultEquals, StepID: stepID, ExpectedOutput: expected}
}

func StepSucceeded(stepID ComponentID) Condition {
	return Condition{Kind: ConditionStepSucceeded, StepID: stepID}
}

func StepFailed(stepID ComponentID) Condition {
	return Condition{Kind: ConditionStepFailed, StepID: stepID}
}

func SharedDataExists(key string) Condition {
	return Condition{Kind: ConditionSharedDataExists, Key: key}
}

func SharedDataEquals(key string, expected any) Condition {
	return Condition{Kind: ConditionSharedDataEquals, Key: key, ExpectedValue: expected}
}

func CustomCondition(expression, description string) Condition {
	return Condition{Kind: ConditionCustom, Expression: expression, Description: description}
}
