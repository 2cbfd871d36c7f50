package hooks

import (
	"sort"
	"sync"

	"github.com/rendis/agentscript/pkg/schema"
)

// Registration is a hook bound to a point with a priority.
type Registration struct {
	Point    schema.HookPoint
	Hook     Hook
	Priority int
	seq      uint64
}

// Registry stores hooks by point. Higher priorities run first; equal
// priorities run in registration order.
type Registry struct {
	mu      sync.RWMutex
	byPoint map[schema.HookPoint][]Registration
	seq     uint64
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{byPoint: make(map[schema.HookPoint][]Registration)}
}

// Register adds hook at point. A hook id may appear once per point.
func (r *Registry) Register(point schema.HookPoint, hook Hook, priority int) error {
	if hook == nil {
		return schema.NewError(schema.ErrCodeValidation, "hook is nil")
	}
	if hook.ID() == "" {
		return schema.NewError(schema.ErrCodeValidation, "hook id is empty")
	}
	if point == "" {
		return schema.NewError(schema.ErrCodeValidation, "hook point is empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, reg := range r.byPoint[point] {
		if reg.Hook.ID() == hook.ID() {
			return schema.NewErrorf(schema.ErrCodeConflict, "hook %q already registered at %s", hook.ID(), point)
		}
	}

	r.seq++
	regs := append(r.byPoint[point], Registration{Point: point, Hook: hook, Priority: priority, seq: r.seq})
	sort.SliceStable(regs, func(i, j int) bool {
		if regs[i].Priority != regs[j].Priority {
			return regs[i].Priority > regs[j].Priority
		}
		return regs[i].seq < regs[j].seq
	})
	r.byPoint[point] = regs
	return nil
}

// Unregister removes the hook with id from point.
func (r *Registry) Unregister(point schema.HookPoint, id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	regs := r.byPoint[point]
	for i, reg := range regs {
		if reg.Hook.ID() == id {
			r.byPoint[point] = append(regs[:i:i], regs[i+1:]...)
			return true
		}
	}
	return false
}

// Hooks returns the registrations for point in execution order.
func (r *Registry) Hooks(point schema.HookPoint) []Registration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	regs := r.byPoint[point]
	out := make([]Registration, len(regs))
	copy(out, regs)
	return out
}

// HasHooks reports whether anything is registered at point.
func (r *Registry) HasHooks(point schema.HookPoint) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byPoint[point]) > 0
}

// Points lists points with at least one hook, sorted.
func (r *Registry) Points() []schema.HookPoint {
	r.mu.RLock()
	defer r.mu.RUnlock()
	points := make([]schema.HookPoint, 0, len(r.byPoint))
	for p, regs := range r.byPoint {
		if len(regs) > 0 {
			points = append(points, p)
		}
	}
	sort.Slice(points, func(i, j int) bool { return points[i] < points[j] })
	return points
}

// Count returns the total number of registrations.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, regs := range r.byPoint {
		n += len(regs)
	}
	return n
}
