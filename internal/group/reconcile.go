package group

import (
	"context"
	"reflect"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/lightener/internal/light"
)

// report is the observed state of one member that is on.
type report struct {
	member *Member
	obs    light.Observation
}

// Reconcile derives the group state from the current state of its members and
// returns the new state and whether it changed.
//
// Unavailable members are ignored. When no member is on the group is off and
// keeps its last brightness. Otherwise every constraining member that reports a
// brightness narrows the set of plausible group brightnesses; the candidate
// closest to the previous brightness wins. When members disagree the previous
// brightness is kept.
func (g *Group) Reconcile(ctx context.Context) (State, bool) {
	var on []report
	for _, m := range g.members {
		obs, err := g.source.Observe(ctx, m.id)
		if err != nil {
			log.Trace().Err(err).Str("group", g.name).Str("light", m.id).Msg("Ignoring light")
			continue
		}
		if obs.On {
			on = append(on, report{member: m, obs: obs})
		}
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	prev := g.state.clone()

	if len(on) == 0 {
		g.state.On = false
	} else {
		g.state.On = true
		g.state.Brightness = resolveBrightness(constraints(on), prev.Brightness, lit(on))
		g.state.Attributes = mergeAttributes(on)
	}

	changed := !reflect.DeepEqual(prev, g.state)
	if changed {
		ev := log.Debug().Str("group", g.name).Bool("on", g.state.On)
		if g.state.Brightness != nil {
			ev = ev.Uint8("brightness", *g.state.Brightness)
		}
		ev.Msg("Group state changed")
	}

	return g.state.clone(), changed
}

// constraints returns the candidate sets of every member able to narrow the
// group brightness.
func constraints(on []report) [][]uint8 {
	var sets [][]uint8
	for _, r := range on {
		if r.obs.Brightness == nil || !r.member.Constraining() {
			continue
		}
		sets = append(sets, r.member.Invert(*r.obs.Brightness))
	}
	return sets
}

// lit reports whether any member reports a non-zero brightness.
func lit(on []report) bool {
	for _, r := range on {
		if r.obs.Brightness != nil && *r.obs.Brightness > 0 {
			return true
		}
	}
	return false
}

// resolveBrightness picks the group brightness for an on group.
//
// A resolved brightness of 0 becomes 1 when a member is visibly lit or when a
// non-zero brightness is equally consistent with the observations. Only a
// group whose members all confirm zero keeps brightness 0 while on.
func resolveBrightness(sets [][]uint8, previous *uint8, lit bool) *uint8 {
	if len(sets) == 0 {
		if previous != nil && *previous == 0 {
			return promoted()
		}
		return clonePtr(previous)
	}

	candidates := intersect(sets)
	if len(candidates) == 0 {
		return clonePtr(previous)
	}

	var ref uint8
	if previous != nil {
		ref = *previous
	}

	best := closest(candidates, ref)
	if best == 0 && (lit || len(candidates) > 1) {
		return promoted()
	}
	return &best
}

func promoted() *uint8 {
	v := uint8(1)
	return &v
}

// intersect returns the ascending values present in every set.
// Each set must be free of duplicates.
func intersect(sets [][]uint8) []uint8 {
	var count [256]int
	for _, set := range sets {
		for _, v := range set {
			count[v]++
		}
	}

	var out []uint8
	for v, n := range count {
		if n == len(sets) {
			out = append(out, uint8(v))
		}
	}
	return out
}

// closest returns the candidate nearest to ref; ties go to the lowest.
// candidates must be ascending and non-empty.
func closest(candidates []uint8, ref uint8) uint8 {
	best := candidates[0]
	for _, c := range candidates[1:] {
		if distance(c, ref) < distance(best, ref) {
			best = c
		}
	}
	return best
}

func distance(a, b uint8) int {
	d := int(a) - int(b)
	if d < 0 {
		return -d
	}
	return d
}

// mergeAttributes copies every non-brightness attribute from the first on
// member reporting it.
func mergeAttributes(on []report) light.Attributes {
	var out light.Attributes
	for _, r := range on {
		a := r.obs.Attributes
		if out.ColorTempKelvin == nil && a.ColorTempKelvin != nil {
			v := *a.ColorTempKelvin
			out.ColorTempKelvin = &v
		}
		if out.Effect == nil && a.Effect != nil {
			v := *a.Effect
			out.Effect = &v
		}
		if out.XY == nil && a.XY != nil {
			out.XY = append([]float64(nil), a.XY...)
		}
		for k, v := range a.Extra {
			if out.Extra == nil {
				out.Extra = make(map[string]any)
			}
			if _, ok := out.Extra[k]; !ok {
				out.Extra[k] = v
			}
		}
	}
	return out
}
