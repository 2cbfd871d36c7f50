package depgraph

import (
	"context"
	"log/slog"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/rendis/agentscript/internal/logging"
	"github.com/rendis/agentscript/pkg/schema"
)

// RunPhases calls fn for every node of order, one phase after another. Nodes
// of a phase run concurrently, at most limit at a time when limit > 0. The
// first error cancels the phase and stops later phases.
func RunPhases(ctx context.Context, order ExecutionOrder, limit int, fn func(ctx context.Context, id schema.ComponentID) error) error {
	for _, phase := range order.Phases {
		if err := ctx.Err(); err != nil {
			return err
		}
		g, gctx := errgroup.WithContext(ctx)
		if limit > 0 {
			g.SetLimit(limit)
		}
		for _, id := range phase {
			g.Go(func() error { return fn(gctx, id) })
		}
		if err := g.Wait(); err != nil {
			return err
		}
	}
	return nil
}

// Order rearranges hook ids registered at point so that ids known to the
// graph follow its execution order. Ids the graph does not know, or that
// do not advertise point, keep their original slots. Hook ids map to nodes
// through schema.NewComponentID. If the graph cannot be sorted the input is
// returned unchanged.
func (g *Graph) Order(point schema.HookPoint, ids []string) []string {
	if len(ids) < 2 {
		return ids
	}
	order, err := g.ExecutionOrderFor(point)
	if err != nil || len(order.Sequence) < 2 {
		if err != nil {
			g.logger.Warn("hook ordering skipped", slog.String(logging.HookPointKey, string(point)), slog.String(logging.ErrorKey, err.Error()))
		}
		return ids
	}
	rank := make(map[schema.ComponentID]int, len(order.Sequence))
	for i, id := range order.Sequence {
		rank[id] = i
	}

	var slots []int
	var known []string
	for i, id := range ids {
		if _, ok := rank[schema.NewComponentID(id)]; ok {
			slots = append(slots, i)
			known = append(known, id)
		}
	}
	if len(known) < 2 {
		return ids
	}
	sort.SliceStable(known, func(i, j int) bool {
		return rank[schema.NewComponentID(known[i])] < rank[schema.NewComponentID(known[j])]
	})

	out := append([]string(nil), ids...)
	for i, slot := range slots {
		out[slot] = known[i]
	}
	return out
}
