package diagram

import (
	"fmt"
	"strings"

	"github.com/rendis/agentscript/internal/workflow"
	"github.com/rendis/agentscript/pkg/schema"
)

const (
	startID = "__start__"
	endID   = "__end__"
)

// Build constructs a Model from a built workflow. When res is non-nil its
// step and branch results are overlaid on the matching nodes.
func Build(wf workflow.Workflow, res *workflow.Result) (*Model, error) {
	b := &builder{results: indexResults(res)}
	if res != nil {
		b.branches = make(map[string]workflow.BranchResult, len(res.Branches))
		for _, br := range res.Branches {
			b.branches[br.Name] = br
		}
	}

	m := &Model{Title: wf.Name()}
	m.Nodes = append(m.Nodes, &Node{ID: startID, Label: "Start", Kind: NodeKindStart})
	m.Levels = append(m.Levels, []string{startID})

	switch w := wf.(type) {
	case *workflow.Sequential:
		b.sequential(m, w.Config())
	case *workflow.Conditional:
		b.conditional(m, w.Config(), res)
	case *workflow.Loop:
		b.loop(m, w.Config(), res)
	case *workflow.Parallel:
		b.parallel(m, w.Config())
	default:
		return nil, fmt.Errorf("diagram: unsupported workflow type %s", wf.Type())
	}

	m.Nodes = append(m.Nodes, &Node{ID: endID, Label: "End", Kind: NodeKindEnd})
	m.Levels = append(m.Levels, []string{endID})
	return m, nil
}

type builder struct {
	results  map[string]*StatusOverlay
	branches map[string]workflow.BranchResult
}

// indexResults folds step results by step name. Repeated runs of the same
// step (loop iterations, retries recorded as separate results) keep the last
// status and accumulate duration.
func indexResults(res *workflow.Result) map[string]*StatusOverlay {
	out := map[string]*StatusOverlay{}
	if res == nil {
		return out
	}
	add := func(rs []schema.StepResult) {
		for _, r := range rs {
			o := out[r.StepName]
			if o == nil {
				o = &StatusOverlay{}
				out[r.StepName] = o
			}
			o.Runs++
			o.Status = string(r.Status)
			o.DurationMs += r.Duration.Milliseconds()
			o.Attempts += r.Attempts
			o.Error = r.Error
		}
	}
	if len(res.Branches) > 0 {
		for _, br := range res.Branches {
			add(br.StepResults)
		}
	} else {
		add(res.StepResults)
	}
	return out
}

func (b *builder) stepNode(id string, s schema.WorkflowStep) *Node {
	n := &Node{ID: id, Label: stepLabel(s), Kind: stepKind(s.Type)}
	if o, ok := b.results[s.Name]; ok {
		cp := *o
		n.Status = &cp
	}
	return n
}

func stepKind(t schema.StepType) NodeKind {
	switch t.Kind {
	case schema.StepKindAgent:
		return NodeKindAgent
	case schema.StepKindCustom:
		return NodeKindCustom
	default:
		return NodeKindTool
	}
}

func stepLabel(s schema.WorkflowStep) string {
	if target := s.Type.Target(); target != "" && target != s.Name {
		return fmt.Sprintf("%s\n(%s)", s.Name, target)
	}
	return s.Name
}

// chain appends steps as consecutive top-level nodes linked from prev and
// returns the id of the last one.
func (b *builder) chain(m *Model, prev string, steps []schema.WorkflowStep) string {
	for i, s := range steps {
		id := fmt.Sprintf("step_%d", i)
		m.Nodes = append(m.Nodes, b.stepNode(id, s))
		m.Edges = append(m.Edges, Edge{From: prev, To: id})
		m.Levels = append(m.Levels, []string{id})
		prev = id
	}
	return prev
}

// subGraph nests steps under a container node, linked in order.
func (b *builder) subGraph(label, parent string, steps []schema.WorkflowStep) *SubGraph {
	sg := &SubGraph{Label: label}
	for i, s := range steps {
		id := fmt.Sprintf("%s.%d", parent, i)
		sg.Nodes = append(sg.Nodes, b.stepNode(id, s))
		if i > 0 {
			sg.Edges = append(sg.Edges, Edge{From: fmt.Sprintf("%s.%d", parent, i-1), To: id})
		}
	}
	return sg
}

func (b *builder) sequential(m *Model, cfg workflow.SequentialConfig) {
	last := b.chain(m, startID, cfg.Steps)
	m.Edges = append(m.Edges, Edge{From: last, To: endID})
}

func (b *builder) conditional(m *Model, cfg workflow.ConditionalConfig, res *workflow.Result) {
	const decision = "decision"
	m.Nodes = append(m.Nodes, &Node{ID: decision, Label: "conditional", Kind: NodeKindDecision})
	m.Edges = append(m.Edges, Edge{From: startID, To: decision})
	m.Levels = append(m.Levels, []string{decision})

	executed := executedBranches(res)
	level := make([]string, 0, len(cfg.Branches))
	for i, br := range cfg.Branches {
		id := fmt.Sprintf("branch_%d", i)
		n := &Node{ID: id, Label: br.Name, Kind: NodeKindBranch}
		n.Children = append(n.Children, b.subGraph(br.Name, id, br.Steps))
		if res != nil {
			status := string(schema.StepStatusSkipped)
			if executed[br.Name] {
				status = string(schema.StepStatusCompleted)
				if branchFailed(n.Children[0]) {
					status = string(schema.StepStatusFailed)
				}
			}
			n.Status = &StatusOverlay{Status: status}
		}
		label := conditionLabel(br.Condition)
		if br.IsDefault {
			label = "default"
		}
		m.Nodes = append(m.Nodes, n)
		m.Edges = append(m.Edges, Edge{From: decision, To: id, Label: label}, Edge{From: id, To: endID})
		level = append(level, id)
	}
	m.Levels = append(m.Levels, level)
}

func executedBranches(res *workflow.Result) map[string]bool {
	out := map[string]bool{}
	if res == nil {
		return out
	}
	names, _ := res.Metadata["executed_branches"].([]string)
	for _, n := range names {
		out[n] = true
	}
	if raw, ok := res.Metadata["executed_branches"].([]any); ok {
		for _, v := range raw {
			if s, ok := v.(string); ok {
				out[s] = true
			}
		}
	}
	return out
}

func branchFailed(sg *SubGraph) bool {
	for _, n := range sg.Nodes {
		if n.Status != nil && n.Status.Status != string(schema.StepStatusCompleted) && n.Status.Status != string(schema.StepStatusSkipped) {
			return true
		}
	}
	return false
}

func (b *builder) loop(m *Model, cfg workflow.LoopConfig, res *workflow.Result) {
	const loop = "loop"
	n := &Node{ID: loop, Label: iteratorLabel(cfg.Iterator), Kind: NodeKindLoop}
	n.Children = append(n.Children, b.subGraph("body", loop, cfg.Body))
	if res != nil {
		n.Status = &StatusOverlay{
			Status:     string(res.Status),
			DurationMs: res.Duration.Milliseconds(),
			Error:      res.Error,
		}
		if it, ok := res.Metadata["completed_iterations"].(int); ok {
			n.Status.Runs = it
		}
	}
	m.Nodes = append(m.Nodes, n)
	m.Edges = append(m.Edges, Edge{From: startID, To: loop}, Edge{From: loop, To: loop, Label: "next"})
	for _, bc := range cfg.BreakConditions {
		label := bc.Message
		if label == "" {
			label = bc.Expression
		}
		m.Edges = append(m.Edges, Edge{From: loop, To: endID, Label: "break: " + label})
	}
	m.Edges = append(m.Edges, Edge{From: loop, To: endID, Label: "done"})
	m.Levels = append(m.Levels, []string{loop})
}

func (b *builder) parallel(m *Model, cfg workflow.ParallelConfig) {
	const fork, join = "fork", "join"
	label := "parallel"
	if cfg.MaxConcurrency > 0 {
		label = fmt.Sprintf("parallel (max %d)", cfg.MaxConcurrency)
	}
	m.Nodes = append(m.Nodes, &Node{ID: fork, Label: label, Kind: NodeKindFork})
	m.Edges = append(m.Edges, Edge{From: startID, To: fork})
	m.Levels = append(m.Levels, []string{fork})

	level := make([]string, 0, len(cfg.Branches))
	for i, br := range cfg.Branches {
		id := fmt.Sprintf("branch_%d", i)
		name := br.Name
		if br.Optional {
			name += " (optional)"
		}
		n := &Node{ID: id, Label: name, Kind: NodeKindBranch}
		n.Children = append(n.Children, b.subGraph(br.Name, id, br.Steps))
		if r, ok := b.branches[br.Name]; ok {
			n.Status = &StatusOverlay{Status: branchStatus(r), DurationMs: r.Duration.Milliseconds(), Error: r.Error}
		}
		m.Nodes = append(m.Nodes, n)
		m.Edges = append(m.Edges, Edge{From: fork, To: id}, Edge{From: id, To: join})
		level = append(level, id)
	}
	m.Levels = append(m.Levels, level)

	m.Nodes = append(m.Nodes, &Node{ID: join, Label: "join", Kind: NodeKindJoin})
	m.Edges = append(m.Edges, Edge{From: join, To: endID})
	m.Levels = append(m.Levels, []string{join})
}

func branchStatus(r workflow.BranchResult) string {
	switch {
	case r.Cancelled:
		return string(schema.StepStatusCancelled)
	case !r.Started:
		return string(schema.StepStatusSkipped)
	case r.Success:
		return string(schema.StepStatusCompleted)
	default:
		return string(schema.StepStatusFailed)
	}
}

func iteratorLabel(it schema.LoopIterator) string {
	switch it.Kind {
	case schema.IteratorCollection:
		return fmt.Sprintf("for each of %d values", len(it.Values))
	case schema.IteratorRange:
		step := it.Step
		if step == 0 {
			step = 1
		}
		return fmt.Sprintf("range %d..%d step %d", it.Start, it.End, step)
	case schema.IteratorWhile:
		return fmt.Sprintf("while %s (max %d)", it.Expression, it.MaxIterations)
	}
	return string(it.Kind)
}

// conditionLabel is a compact rendering of a condition tree for edge labels.
func conditionLabel(c schema.Condition) string {
	switch c.Kind {
	case schema.ConditionAnd, schema.ConditionOr:
		parts := make([]string, len(c.Conditions))
		for i, sub := range c.Conditions {
			parts[i] = conditionLabel(sub)
		}
		return "(" + strings.Join(parts, " "+string(c.Kind)+" ") + ")"
	case schema.ConditionNot:
		if c.Inner == nil {
			return "not"
		}
		return "not " + conditionLabel(*c.Inner)
	case schema.ConditionSharedDataEquals:
		return fmt.Sprintf("%s == %v", c.Key, c.ExpectedValue)
	case schema.ConditionSharedDataExists:
		return "exists " + c.Key
	case schema.ConditionCustom:
		if c.Description != "" {
			return c.Description
		}
		return c.Expression
	}
	return string(c.Kind)
}
