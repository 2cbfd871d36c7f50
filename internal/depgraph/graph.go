// Package depgraph orders hook participants across components. Nodes are
// components that advertise the hook points they take part in; edges say a
// component must run after another at a given point. Hard edges constrain the
// order and may never form a cycle. Soft edges are advisory and only produce
// warnings.
package depgraph

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/rendis/agentscript/internal/logging"
	"github.com/rendis/agentscript/pkg/schema"
)

// Node is a component taking part in hook execution.
type Node struct {
	ID         schema.ComponentID
	Name       string
	HookPoints []schema.HookPoint
	Priority   int // higher runs first within a phase
	Metadata   map[string]string
}

// Handles reports whether the node advertises point.
func (n Node) Handles(point schema.HookPoint) bool {
	for _, p := range n.HookPoints {
		if p == point {
			return true
		}
	}
	return false
}

func (n Node) label() string {
	if n.Name != "" {
		return n.Name
	}
	return n.ID.String()
}

// Dependency is an edge from a component to the component it waits for.
type Dependency struct {
	DependsOn schema.ComponentID `json:"depends_on"`
	HookPoint schema.HookPoint   `json:"hook_point"`
	Hard      bool               `json:"is_hard"`
	Reason    string             `json:"reason,omitempty"`
}

// ExecutionOrder is the result of a topological sort. Phases group nodes
// whose hard dependencies are all satisfied by earlier phases; nodes inside a
// phase may run concurrently.
type ExecutionOrder struct {
	Sequence []schema.ComponentID   `json:"sequence"`
	Phases   [][]schema.ComponentID `json:"phases"`
	Warnings []string               `json:"warnings,omitempty"`
}

// Graph is safe for concurrent use.
type Graph struct {
	mu     sync.RWMutex
	nodes  map[schema.ComponentID]*Node
	deps   map[schema.ComponentID][]Dependency
	logger *slog.Logger

	// per-point orders, dropped on every mutation
	cache map[schema.HookPoint]*ExecutionOrder
}

// New creates an empty Graph. A nil logger uses slog.Default.
func New(logger *slog.Logger) *Graph {
	return &Graph{
		nodes:  make(map[schema.ComponentID]*Node),
		deps:   make(map[schema.ComponentID][]Dependency),
		logger: logging.OrDefault(logger),
		cache:  make(map[schema.HookPoint]*ExecutionOrder),
	}
}

// AddNode inserts or replaces a node. Existing edges are kept.
func (g *Graph) AddNode(n Node) error {
	if n.ID.IsZero() {
		if n.Name == "" {
			return schema.NewError(schema.ErrCodeValidation, "dependency node needs an id or a name")
		}
		n.ID = schema.NewComponentID(n.Name)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.nodes[n.ID]; ok {
		g.logger.Debug("replacing dependency node", slog.String("component", n.label()))
	}
	n.HookPoints = append([]schema.HookPoint(nil), n.HookPoints...)
	g.nodes[n.ID] = &n
	g.invalidate()
	return nil
}

// Node returns a copy of the node with id.
func (g *Graph) Node(id schema.ComponentID) (Node, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	n, ok := g.nodes[id]
	if !ok {
		return Node{}, false
	}
	return *n, true
}

// Len returns the number of nodes.
func (g *Graph) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.nodes)
}

// AddDependency adds a hard edge: component runs after dependsOn at point.
func (g *Graph) AddDependency(component, dependsOn schema.ComponentID, point schema.HookPoint) error {
	return g.AddDependencyWith(component, Dependency{DependsOn: dependsOn, HookPoint: point, Hard: true})
}

// AddDependencyWith adds an edge. Unknown endpoints are created as bare
// nodes. An edge that would close a hard cycle is rejected with
// CYCLE_DETECTED and leaves the graph exactly as it was.
func (g *Graph) AddDependencyWith(component schema.ComponentID, dep Dependency) error {
	if component.IsZero() || dep.DependsOn.IsZero() {
		return schema.NewError(schema.ErrCodeValidation, "dependency endpoints must be set")
	}
	if component == dep.DependsOn && dep.Hard {
		return schema.NewErrorf(schema.ErrCodeCycleDetected, "component %s cannot depend on itself", component)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	var created []schema.ComponentID
	for _, id := range []schema.ComponentID{component, dep.DependsOn} {
		if _, ok := g.nodes[id]; !ok {
			g.nodes[id] = &Node{ID: id}
			created = append(created, id)
		}
	}
	prev := g.deps[component]
	g.deps[component] = append(prev[:len(prev):len(prev)], dep)

	if cycle := g.findCycle(); cycle != nil {
		g.deps[component] = prev
		if len(prev) == 0 {
			delete(g.deps, component)
		}
		for _, id := range created {
			delete(g.nodes, id)
		}
		return schema.NewErrorf(schema.ErrCodeCycleDetected, "circular dependency detected: %s", g.path(cycle)).
			WithDetails(map[string]any{"cycle": idStrings(cycle)})
	}

	g.invalidate()
	g.logger.Debug("dependency added",
		slog.String("component", g.nodes[component].label()),
		slog.String("depends_on", g.nodes[dep.DependsOn].label()),
		slog.String(logging.HookPointKey, string(dep.HookPoint)),
		slog.Bool("hard", dep.Hard),
	)
	return nil
}

// RemoveDependency deletes the edge component -> dependsOn at point and
// reports whether one existed.
func (g *Graph) RemoveDependency(component, dependsOn schema.ComponentID, point schema.HookPoint) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	deps := g.deps[component]
	kept := deps[:0:0]
	for _, d := range deps {
		if d.DependsOn == dependsOn && d.HookPoint == point {
			continue
		}
		kept = append(kept, d)
	}
	if len(kept) == len(deps) {
		return false
	}
	g.deps[component] = kept
	g.invalidate()
	return true
}

// Dependencies returns the edges leaving component.
func (g *Graph) Dependencies(component schema.ComponentID) []Dependency {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return append([]Dependency(nil), g.deps[component]...)
}

// DetectCycles returns a CYCLE_DETECTED error naming the nodes of a hard
// cycle, or nil.
func (g *Graph) DetectCycles() error {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if cycle := g.findCycle(); cycle != nil {
		return schema.NewErrorf(schema.ErrCodeCycleDetected, "circular dependency detected: %s", g.path(cycle))
	}
	return nil
}

// ExecutionOrder sorts every node by hard edges.
func (g *Graph) ExecutionOrder() (ExecutionOrder, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.sort(nil, "")
}

// ExecutionOrderFor sorts the nodes that advertise point, using only the
// edges declared for point between such nodes.
func (g *Graph) ExecutionOrderFor(point schema.HookPoint) (ExecutionOrder, error) {
	g.mu.RLock()
	if o, ok := g.cache[point]; ok {
		g.mu.RUnlock()
		return *o, nil
	}
	g.mu.RUnlock()

	g.mu.Lock()
	defer g.mu.Unlock()
	if o, ok := g.cache[point]; ok {
		return *o, nil
	}
	keep := func(n *Node) bool { return n.Handles(point) }
	order, err := g.sort(keep, point)
	if err != nil {
		return ExecutionOrder{}, err
	}
	g.cache[point] = &order
	return order, nil
}

func (g *Graph) invalidate() {
	clear(g.cache)
}

// sort runs Kahn's algorithm level by level. keep selects the participating
// nodes; when point is set only its edges count. Callers hold g.mu.
func (g *Graph) sort(keep func(*Node) bool, point schema.HookPoint) (ExecutionOrder, error) {
	order := ExecutionOrder{Sequence: []schema.ComponentID{}, Phases: [][]schema.ComponentID{}}

	in := make(map[schema.ComponentID]bool, len(g.nodes))
	for id, n := range g.nodes {
		if keep == nil || keep(n) {
			in[id] = true
		}
	}
	if len(in) == 0 {
		return order, nil
	}

	inDegree := make(map[schema.ComponentID]int, len(in))
	dependents := make(map[schema.ComponentID][]schema.ComponentID, len(in))
	for id := range in {
		inDegree[id] += 0
		for _, d := range g.deps[id] {
			if !in[d.DependsOn] || (point != "" && d.HookPoint != point) {
				continue
			}
			if !d.Hard {
				order.Warnings = append(order.Warnings, fmt.Sprintf(
					"Soft dependency from %s to %s may affect execution order",
					g.nodes[id].label(), g.nodes[d.DependsOn].label()))
				continue
			}
			inDegree[id]++
			dependents[d.DependsOn] = append(dependents[d.DependsOn], id)
		}
	}
	sort.Strings(order.Warnings)

	var level []schema.ComponentID
	for id, deg := range inDegree {
		if deg == 0 {
			level = append(level, id)
		}
	}
	for len(level) > 0 {
		g.sortPhase(level)
		order.Phases = append(order.Phases, level)
		order.Sequence = append(order.Sequence, level...)

		var next []schema.ComponentID
		for _, id := range level {
			for _, dep := range dependents[id] {
				inDegree[dep]--
				if inDegree[dep] == 0 {
					next = append(next, dep)
				}
			}
		}
		level = next
	}

	if len(order.Sequence) != len(in) {
		var stuck []schema.ComponentID
		for id, deg := range inDegree {
			if deg > 0 {
				stuck = append(stuck, id)
			}
		}
		g.sortPhase(stuck)
		return ExecutionOrder{}, schema.NewErrorf(schema.ErrCodeCycleDetected, "circular dependency among %s", g.path(stuck)).
			WithDetails(map[string]any{"cycle": idStrings(stuck)})
	}
	return order, nil
}

// sortPhase orders a phase by priority, then label, so results are stable.
func (g *Graph) sortPhase(ids []schema.ComponentID) {
	sort.Slice(ids, func(i, j int) bool {
		a, b := g.nodes[ids[i]], g.nodes[ids[j]]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if a.label() != b.label() {
			return a.label() < b.label()
		}
		return a.ID.String() < b.ID.String()
	})
}

// findCycle runs a depth-first search over hard edges and returns the nodes
// of the first cycle found. Callers hold g.mu.
func (g *Graph) findCycle() []schema.ComponentID {
	const (
		white = iota
		grey
		black
	)
	color := make(map[schema.ComponentID]int, len(g.nodes))
	var path []schema.ComponentID

	var visit func(id schema.ComponentID) []schema.ComponentID
	visit = func(id schema.ComponentID) []schema.ComponentID {
		color[id] = grey
		path = append(path, id)
		for _, d := range g.deps[id] {
			if !d.Hard {
				continue
			}
			switch color[d.DependsOn] {
			case grey:
				for i, p := range path {
					if p == d.DependsOn {
						return append([]schema.ComponentID(nil), path[i:]...)
					}
				}
			case white:
				if c := visit(d.DependsOn); c != nil {
					return c
				}
			}
		}
		path = path[:len(path)-1]
		color[id] = black
		return nil
	}

	ids := make([]schema.ComponentID, 0, len(g.nodes))
	for id := range g.nodes {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
	for _, id := range ids {
		if color[id] == white {
			if c := visit(id); c != nil {
				return c
			}
		}
	}
	return nil
}

func (g *Graph) path(ids []schema.ComponentID) string {
	labels := make([]string, len(ids))
	for i, id := range ids {
		if n, ok := g.nodes[id]; ok {
			labels[i] = n.label()
		} else {
			labels[i] = id.String()
		}
	}
	return strings.Join(labels, " -> ")
}

func idStrings(ids []schema.ComponentID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}
