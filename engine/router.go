package engine

import (
	"math/rand"

	"github.com/sampoaudio/sampo"
)

type (
	// DerivedTrigger is one route firing: a trigger on the target source
	// derived from a trigger that just played on the route's source.
	DerivedTrigger struct {
		Target     string
		Slice      int
		Velocity   float64
		PitchShift float64
		Beat       float64
	}

	// Router fans played triggers out across sources along a route table.
	// Control-domain state; the sequential counters live here, keyed per
	// source/target pair, so reordering the route table does not reset them.
	Router struct {
		seq  map[routeKey]int
		rand *rand.Rand
	}

	routeKey struct {
		source, target string
	}
)

func NewRouter(seed int64) *Router {
	return &Router{
		seq:  make(map[routeKey]int),
		rand: rand.New(rand.NewSource(seed)),
	}
}

// Fan evaluates every enabled route whose source matches and returns the
// derived triggers that fired. targetSlices reports a target's slice count;
// routes to targets it does not know are skipped. Derived triggers do not
// recurse: a trigger produced here is never fed back through the table.
func (r *Router) Fan(routes []sampo.Route, source string, slice int, velocity, beat float64, targetSlices func(string) int) []DerivedTrigger {
	var out []DerivedTrigger
	for _, route := range routes {
		if !route.Enabled || route.Source != source {
			continue
		}
		count := targetSlices(route.Target)
		if count <= 0 {
			continue
		}
		if route.Probability < 1 && r.rand.Float64() >= route.Probability {
			continue
		}
		out = append(out, DerivedTrigger{
			Target:     route.Target,
			Slice:      r.pickSlice(route, slice, count),
			Velocity:   clampUnit(velocity * route.VelocityScale),
			PitchShift: route.PitchOffset,
			Beat:       beat + route.TimeOffset,
		})
	}
	return out
}

func (r *Router) pickSlice(route sampo.Route, srcSlice, count int) int {
	switch route.Mode {
	case sampo.SliceRandom:
		return r.rand.Intn(count)
	case sampo.SliceSequential:
		key := routeKey{route.Source, route.Target}
		idx := r.seq[key] % count
		r.seq[key]++
		return idx
	default:
		// SliceSame; SliceEnergy resolves to the same index until slice
		// energy analysis lands
		return srcSlice % count
	}
}

// Reset clears the sequential counters; called alongside RuleEngine.Reset.
func (r *Router) Reset() {
	for k := range r.seq {
		delete(r.seq, k)
	}
}

func clampUnit(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
