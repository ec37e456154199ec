// Package optimizer reorders route stops by priority and refreshes the
// derived metrics.
package optimizer

import (
	"sort"
	"time"

	"wastenav/internal/geo"
	"wastenav/internal/model"
)

// priorityWeight maps stop priority to its sort weight. Unknown values sort
// last, below low.
func priorityWeight(p model.StopPriority) int {
	switch p {
	case model.StopUrgent:
		return 4
	case model.StopHigh:
		return 3
	case model.StopMedium:
		return 2
	case model.StopLow:
		return 1
	default:
		return 0
	}
}

// Optimize reorders the route's stops by descending priority weight, breaking
// ties by the previous visit order so the pass is deterministic and
// idempotent. Orders are renumbered to 1..N, LastOptimized is stamped and the
// metrics are recomputed from scratch. The route is mutated in place; the
// caller persists it with a conditional write.
func Optimize(rt *model.Route, p geo.CostParams, now time.Time) {
	stops := rt.Stops
	sort.SliceStable(stops, func(i, j int) bool {
		wi, wj := priorityWeight(stops[i].Priority), priorityWeight(stops[j].Priority)
		if wi != wj {
			return wi > wj
		}
		return stops[i].Order < stops[j].Order
	})
	for i := range stops {
		stops[i].Order = i + 1
	}
	rt.Metrics = geo.RouteMetrics(stops, p)
	rt.LastOptimized = now.UTC().Format(time.RFC3339)
}

// Renumber assigns sequential 1..N orders in current slice position without
// reordering. Used when stops are added or removed outside an optimization
// pass.
func Renumber(rt *model.Route) {
	for i := range rt.Stops {
		rt.Stops[i].Order = i + 1
	}
}
