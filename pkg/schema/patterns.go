package schema

// WorkflowStatus represents the lifecycle state of an execution.
type WorkflowStatus string

const (
	WorkflowStatusPending   WorkflowStatus = "pending"
	WorkflowStatusRunning   WorkflowStatus = "running"
	WorkflowStatusCompleted WorkflowStatus = "completed"
	WorkflowStatusFailed    WorkflowStatus = "failed"
	WorkflowStatusCancelled WorkflowStatus = "cancelled"
	WorkflowStatusTimedOut  WorkflowStatus = "timed_out"
)

// IsTerminal reports whether no further transitions are expected.
func (s WorkflowStatus) IsTerminal() bool {
	switch s {
	case WorkflowStatusCompleted, WorkflowStatusFailed, WorkflowStatusCancelled, WorkflowStatusTimedOut:
		return true
	}
	return false
}

// WorkflowType names the four composition patterns.
type WorkflowType string

const (
	WorkflowSequential  WorkflowType = "sequential"
	WorkflowConditional WorkflowType = "conditional"
	WorkflowLoop        WorkflowType = "loop"
	WorkflowParallel    WorkflowType = "parallel"
)

// Branch is one arm of a conditional workflow.
type Branch struct {
	ID        ComponentID    `json:"id"`
	Name      string         `json:"name"`
	Condition Condition      `json:"condition"`
	Steps     []WorkflowStep `json:"steps"`
	IsDefault bool           `json:"is_default,omitempty"`
}

// NewBranch creates a branch whose ID is derived from its name.
func NewBranch(name string, cond Condition, steps ...WorkflowStep) Branch {
	return Branch{ID: NewComponentID(name), Name: name, Condition: cond, Steps: steps}
}

// DefaultBranch creates the fallback branch of a conditional workflow.
func DefaultBranch(name string, steps ...WorkflowStep) Branch {
	b := NewBranch(name, Always(), steps...)
	b.IsDefault = true
	return b
}

// IteratorKind enumerates loop iterator variants.
type IteratorKind string

const (
	IteratorCollection IteratorKind = "collection"
	IteratorRange      IteratorKind = "range"
	IteratorWhile      IteratorKind = "while"
)

// LoopIterator generates loop values.
type LoopIterator struct {
	Kind IteratorKind `json:"kind"`

	// Collection
	Values []any `json:"values,omitempty"`

	// Range (end exclusive)
	Start int64 `json:"start,omitempty"`
	End   int64 `json:"end,omitempty"`
	Step  int64 `json:"step,omitempty"`

	// While
	Expression    string `json:"expression,omitempty"`
	MaxIterations int    `json:"max_iterations,omitempty"`
}

// CollectionIterator iterates over the given values in order.
func CollectionIterator(values ...any) LoopIterator {
	return LoopIterator{Kind: IteratorCollection, Values: values}
}

// RangeIterator iterates from start toward end (exclusive) by step.
func RangeIterator(start, end, step int64) LoopIterator {
	return LoopIterator{Kind: IteratorRange, Start: start, End: end, Step: step}
}

// WhileIterator iterates while expression holds, at most maxIterations times.
func WhileIterator(expression string, maxIterations int) LoopIterator {
	return LoopIterator{Kind: IteratorWhile, Expression: expression, MaxIterations: maxIterations}
}

// Validate rejects iterators that can never run correctly.
func (it LoopIterator) Validate() error {
	switch it.Kind {
	case IteratorCollection:
		return nil
	case IteratorRange:
		if it.Step == 0 {
			return NewError(ErrCodeValidation, "range iterator step cannot be zero")
		}
		return nil
	case IteratorWhile:
		if it.Expression == "" {
			return NewError(ErrCodeValidation, "while iterator requires an expression")
		}
		if it.MaxIterations <= 0 {
			return NewError(ErrCodeValidation, "while iterator requires max_iterations > 0")
		}
		return nil
	default:
		return NewErrorf(ErrCodeValidation, "unknown iterator kind %q", it.Kind)
	}
}

// BreakCondition ends a loop early when its expression evaluates true.
type BreakCondition struct {
	Expression string `json:"expression"`
	Message    string `json:"message,omitempty"`
}

// AggregationKind enumerates loop result aggregation policies.
type AggregationKind string

const (
	AggregateCollectAll AggregationKind = "collect_all"
	AggregateLastOnly   AggregationKind = "last_only"
	AggregateFirstN     AggregationKind = "first_n"
	AggregateLastN      AggregationKind = "last_n"
	AggregateNone       AggregationKind = "none"
)

// ResultAggregation governs which iteration results a loop keeps.
type ResultAggregation struct {
	Kind AggregationKind `json:"kind"`
	N    int             `json:"n,omitempty"`
}

func CollectAll() ResultAggregation    { return ResultAggregation{Kind: AggregateCollectAll} }
func LastOnly() ResultAggregation      { return ResultAggregation{Kind: AggregateLastOnly} }
func FirstN(n int) ResultAggregation   { return ResultAggregation{Kind: AggregateFirstN, N: n} }
func LastN(n int) ResultAggregation    { return ResultAggregation{Kind: AggregateLastN, N: n} }
func NoAggregation() ResultAggregation { return ResultAggregation{Kind: AggregateNone} }
