package workflow

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/rendis/agentscript/internal/validation"
	"github.com/rendis/agentscript/pkg/schema"
)

// Build turns a host configuration object into a workflow of the given kind.
// When v is non-nil the object is checked against the workflow JSON Schema
// first. Numbers may be int, int64, float64 or json.Number.
func Build(rt *Runtime, v validation.Validator, kind schema.WorkflowType, cfg map[string]any) (Workflow, error) {
	if v != nil {
		if err := v.ValidateConfig(kind, cfg); err != nil {
			return nil, err
		}
	}
	d := &decoder{}
	base := d.base(cfg)

	switch kind {
	case schema.WorkflowSequential:
		c := SequentialConfig{Base: base, Steps: d.steps(cfg["steps"], "steps")}
		if d.err != nil {
			return nil, d.err
		}
		return NewSequential(rt, c)

	case schema.WorkflowConditional:
		c := DefaultConditionalConfig(base.Name)
		c.Base = base
		c.ExecuteAllMatching = d.boolean(cfg, "execute_all_matching", false)
		c.ShortCircuit = d.boolean(cfg, "short_circuit_evaluation", true)
		c.ExecuteDefaultOnNoMatch = d.boolean(cfg, "execute_default_on_no_match", true)
		for i, raw := range d.list(cfg["branches"], "branches") {
			bm := d.object(raw, fmt.Sprintf("branches[%d]", i))
			name := d.str(bm, "name")
			steps := d.steps(bm["steps"], "branches."+name+".steps")
			if d.boolean(bm, "default", false) {
				c.Branches = append(c.Branches, schema.DefaultBranch(name, steps...))
				continue
			}
			cond := schema.Always()
			if rc, ok := bm["condition"]; ok {
				cond = d.condition(rc, "branches."+name+".condition", 0)
			}
			c.Branches = append(c.Branches, schema.NewBranch(name, cond, steps...))
		}
		if d.err != nil {
			return nil, d.err
		}
		return NewConditional(rt, c)

	case schema.WorkflowLoop:
		c := LoopConfig{
			Base:            base,
			Iterator:        d.iterator(cfg["iterator"]),
			Body:            d.steps(cfg["body"], "body"),
			ContinueOnError: d.boolean(cfg, "continue_on_error", false),
			IterationDelay:  d.millis(cfg, "iteration_delay_ms"),
			LoopTimeout:     d.millis(cfg, "loop_timeout_ms"),
			Aggregation:     d.aggregation(cfg["aggregation"]),
		}
		for i, raw := range d.list(cfg["break_conditions"], "break_conditions") {
			bm := d.object(raw, fmt.Sprintf("break_conditions[%d]", i))
			c.BreakConditions = append(c.BreakConditions, schema.BreakCondition{
				Expression: d.str(bm, "expression"),
				Message:    d.str(bm, "message"),
			})
		}
		if d.err != nil {
			return nil, d.err
		}
		return NewLoop(rt, c)

	case schema.WorkflowParallel:
		c := ParallelConfig{Base: base, MaxConcurrency: d.integer(cfg, "max_concurrency")}
		for i, raw := range d.list(cfg["branches"], "branches") {
			bm := d.object(raw, fmt.Sprintf("branches[%d]", i))
			name := d.str(bm, "name")
			c.Branches = append(c.Branches, ParallelBranch{
				Name:     name,
				Steps:    d.steps(bm["steps"], "branches."+name+".steps"),
				Optional: !d.boolean(bm, "required", true),
				Timeout:  d.millis(bm, "timeout_ms"),
			})
		}
		if d.err != nil {
			return nil, d.err
		}
		return NewParallel(rt, c)
	}
	return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown workflow type %q", kind)
}

// BuildDocument builds a workflow from a definition document whose "type"
// key names the pattern, as found in workflow files.
func BuildDocument(rt *Runtime, v validation.Validator, doc map[string]any) (Workflow, error) {
	kind, _ := doc["type"].(string)
	if kind == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "workflow document has no type")
	}
	cfg := make(map[string]any, len(doc))
	for k, val := range doc {
		if k != "type" {
			cfg[k] = val
		}
	}
	return Build(rt, v, schema.WorkflowType(kind), cfg)
}

// decoder accumulates the first error so call sites stay linear.
type decoder struct {
	err error
}

func (d *decoder) fail(format string, args ...any) {
	if d.err == nil {
		d.err = schema.NewErrorf(schema.ErrCodeValidation, format, args...)
	}
}

func (d *decoder) base(cfg map[string]any) Base {
	b := Base{
		Name:        d.str(cfg, "name"),
		Description: d.str(cfg, "description"),
		Timeout:     d.millis(cfg, "timeout_ms"),
	}
	if raw, ok := cfg["error_strategy"]; ok {
		b.ErrorStrategy = d.strategy(raw)
	}
	return b
}

func (d *decoder) strategy(raw any) schema.ErrorStrategy {
	switch v := raw.(type) {
	case string:
		return schema.ErrorStrategy{Kind: schema.ErrorStrategyKind(v), MaxAttempts: defaultRetryAttempts(v)}
	case map[string]any:
		kind := d.str(v, "type")
		s := schema.ErrorStrategy{
			Kind:        schema.ErrorStrategyKind(kind),
			MaxAttempts: d.integer(v, "max_attempts"),
			BackoffMS:   d.millis(v, "backoff_ms").Milliseconds(),
			Exponential: d.boolean(v, "exponential", false),
		}
		if s.MaxAttempts == 0 {
			s.MaxAttempts = defaultRetryAttempts(kind)
		}
		return s
	}
	d.fail("error_strategy must be a string or an object, got %T", raw)
	return schema.ErrorStrategy{}
}

func defaultRetryAttempts(kind string) int {
	if schema.ErrorStrategyKind(kind) == schema.StrategyRetry {
		return 3
	}
	return 0
}

func (d *decoder) steps(raw any, where string) []schema.WorkflowStep {
	items := d.list(raw, where)
	out := make([]schema.WorkflowStep, 0, len(items))
	for i, item := range items {
		m := d.object(item, fmt.Sprintf("%s[%d]", where, i))
		if m == nil {
			continue
		}
		out = append(out, d.step(m))
	}
	return out
}

func (d *decoder) step(m map[string]any) schema.WorkflowStep {
	name := d.str(m, "name")
	kind := d.str(m, "type")
	if kind == "" {
		switch {
		case m["agent"] != nil:
			kind = string(schema.StepKindAgent)
		case m["function"] != nil:
			kind = string(schema.StepKindCustom)
		default:
			kind = string(schema.StepKindTool)
		}
	}

	var st schema.StepType
	switch schema.StepKind(kind) {
	case schema.StepKindTool:
		st = schema.ToolStep(d.str(m, "tool"), m["parameters"])
	case schema.StepKindAgent:
		st = schema.AgentStep(agentID(d.str(m, "agent")), d.str(m, "input"))
	case schema.StepKindCustom:
		st = schema.CustomStep(d.str(m, "function"), m["parameters"])
	default:
		d.fail("step %q has unknown type %q", name, kind)
	}

	step := schema.NewStep(name, st)
	step.Timeout = d.millis(m, "timeout_ms")
	if raw, ok := m["retry"]; ok {
		rm := d.object(raw, "steps."+name+".retry")
		step.RetryPolicy = &schema.RetryPolicy{
			MaxAttempts:  d.integer(rm, "max_attempts"),
			BackoffMS:    d.millis(rm, "backoff_ms").Milliseconds(),
			Exponential:  d.boolean(rm, "exponential", false),
			MaxBackoffMS: d.millis(rm, "max_backoff_ms").Milliseconds(),
		}
	}
	return step
}

// agentID accepts a UUID or derives one from an agent name.
func agentID(s string) schema.ComponentID {
	if id, err := schema.ParseComponentID(s); err == nil {
		return id
	}
	return schema.NewComponentID(s)
}

func (d *decoder) condition(raw any, where string, depth int) schema.Condition {
	if depth > 64 {
		d.fail("%s: condition nesting too deep", where)
		return schema.Never()
	}
	m := d.object(raw, where)
	if m == nil {
		return schema.Never()
	}
	switch kind := schema.ConditionKind(d.str(m, "type")); kind {
	case schema.ConditionAlways:
		return schema.Always()
	case schema.ConditionNever:
		return schema.Never()
	case schema.ConditionAnd, schema.ConditionOr:
		var subs []schema.Condition
		for i, c := range d.list(m["conditions"], where+".conditions") {
			subs = append(subs, d.condition(c, fmt.Sprintf("%s.conditions[%d]", where, i), depth+1))
		}
		if kind == schema.ConditionAnd {
			return schema.And(subs...)
		}
		return schema.Or(subs...)
	case schema.ConditionNot:
		return schema.Not(d.condition(m["condition"], where+".condition", depth+1))
	case schema.ConditionStepResultEquals:
		return schema.StepResultEquals(schema.NewComponentID(d.str(m, "step")), d.str(m, "expected"))
	case schema.ConditionStepSucceeded:
		return schema.StepSucceeded(schema.NewComponentID(d.str(m, "step")))
	case schema.ConditionStepFailed:
		return schema.StepFailed(schema.NewComponentID(d.str(m, "step")))
	case schema.ConditionSharedDataEquals:
		return schema.SharedDataEquals(d.str(m, "key"), normalizeNumber(m["value"]))
	case schema.ConditionSharedDataExists:
		return schema.SharedDataExists(d.str(m, "key"))
	case schema.ConditionCustom:
		return schema.CustomCondition(d.str(m, "expression"), d.str(m, "description"))
	default:
		d.fail("%s: unknown condition type %q", where, kind)
		return schema.Never()
	}
}

func (d *decoder) iterator(raw any) schema.LoopIterator {
	m := d.object(raw, "iterator")
	switch {
	case m == nil:
		return schema.LoopIterator{}
	case m["collection"] != nil:
		return schema.CollectionIterator(d.list(m["collection"], "iterator.collection")...)
	case m["range"] != nil:
		r := d.object(m["range"], "iterator.range")
		step := int64(d.integer(r, "step"))
		if _, ok := r["step"]; !ok {
			step = 1
		}
		return schema.RangeIterator(int64(d.integer(r, "start")), int64(d.integer(r, "end")), step)
	case m["while"] != nil:
		w := d.object(m["while"], "iterator.while")
		return schema.WhileIterator(d.str(w, "expression"), d.integer(w, "max_iterations"))
	}
	d.fail("iterator needs one of collection, range or while")
	return schema.LoopIterator{}
}

func (d *decoder) aggregation(raw any) schema.ResultAggregation {
	switch v := raw.(type) {
	case nil:
		return schema.CollectAll()
	case string:
		return schema.ResultAggregation{Kind: schema.AggregationKind(v)}
	case map[string]any:
		return schema.ResultAggregation{Kind: schema.AggregationKind(d.str(v, "type")), N: d.integer(v, "n")}
	}
	d.fail("aggregation must be a string or an object, got %T", raw)
	return schema.ResultAggregation{}
}

func (d *decoder) list(raw any, where string) []any {
	switch v := raw.(type) {
	case nil:
		return nil
	case []any:
		return v
	case []map[string]any:
		out := make([]any, len(v))
		for i := range v {
			out[i] = v[i]
		}
		return out
	}
	d.fail("%s must be an array, got %T", where, raw)
	return nil
}

func (d *decoder) object(raw any, where string) map[string]any {
	m, ok := raw.(map[string]any)
	if !ok {
		d.fail("%s must be an object, got %T", where, raw)
		return nil
	}
	return m
}

func (d *decoder) str(m map[string]any, key string) string {
	raw, ok := m[key]
	if !ok || raw == nil {
		return ""
	}
	s, ok := raw.(string)
	if !ok {
		d.fail("%s must be a string, got %T", key, raw)
	}
	return s
}

func (d *decoder) boolean(m map[string]any, key string, def bool) bool {
	raw, ok := m[key]
	if !ok || raw == nil {
		return def
	}
	b, ok := raw.(bool)
	if !ok {
		d.fail("%s must be a boolean, got %T", key, raw)
		return def
	}
	return b
}

func (d *decoder) integer(m map[string]any, key string) int {
	raw, ok := m[key]
	if !ok || raw == nil {
		return 0
	}
	switch n := raw.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		if n == float64(int64(n)) {
			return int(n)
		}
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return int(i)
		}
	}
	d.fail("%s must be an integer, got %v", key, raw)
	return 0
}

func (d *decoder) millis(m map[string]any, key string) time.Duration {
	return time.Duration(d.integer(m, key)) * time.Millisecond
}

func normalizeNumber(v any) any {
	if n, ok := v.(json.Number); ok {
		if f, err := n.Float64(); err == nil {
			return f
		}
	}
	return v
}
