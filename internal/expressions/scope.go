package expressions

// Scope is the data visible to conditions and parameter interpolation while a
// workflow runs. Maps are snapshots; callers never see later writes.
type Scope struct {
	Shared   map[string]any // shared workflow data
	Steps    map[string]any // step name -> {"output", "success", "error", "attempts"}
	Workflow map[string]any // workflow metadata (id, name, execution_id)
	Loop     *LoopScope     // nil outside a loop body
}

// LoopScope holds the variables of a single loop iteration.
type LoopScope struct {
	Value any
	Index int
}

// Scope namespaces as seen by expressions.
const (
	nsShared   = "shared"
	nsSteps    = "steps"
	nsWorkflow = "workflow"
	nsIter     = "iter"
)

// Map flattens the scope into shared, steps and workflow, plus iter inside
// a loop body.
func (s *Scope) Map() map[string]any {
	if s == nil {
		return map[string]any{}
	}
	m := map[string]any{
		nsShared:   orEmpty(s.Shared),
		nsSteps:    orEmpty(s.Steps),
		nsWorkflow: orEmpty(s.Workflow),
	}
	if s.Loop != nil {
		m[nsIter] = map[string]any{"value": s.Loop.Value, "index": s.Loop.Index}
	}
	return m
}

// Namespaces is Map with every namespace present; iter is empty outside a
// loop body.
func (s *Scope) Namespaces() map[string]any {
	return namespacesOf(s.Map())
}

func namespacesOf(m map[string]any) map[string]any {
	out := make(map[string]any, 4)
	for _, name := range []string{nsShared, nsSteps, nsWorkflow, nsIter} {
		if v, ok := m[name]; ok && v != nil {
			out[name] = v
		} else {
			out[name] = map[string]any{}
		}
	}
	return out
}

// LoopEnv builds the flat environment for $name loop conditions: every shared
// key becomes a top-level variable, and iteration/loop_index hold the
// current iteration number.
func LoopEnv(shared map[string]any, iteration int) map[string]any {
	env := make(map[string]any, len(shared)+2)
	for k, v := range shared {
		env[k] = v
	}
	env["iteration"] = iteration
	env["loop_index"] = iteration
	return env
}

// StepEntry is the scope representation of a recorded step.
func StepEntry(output any, success bool, errMsg string, attempts int) map[string]any {
	entry := map[string]any{
		"output":   output,
		"success":  success,
		"attempts": attempts,
	}
	if errMsg != "" {
		entry["error"] = errMsg
	}
	return entry
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
