// Package calibration builds per-light brightness translation tables from
// percent breakpoints and inverts them for state reconciliation.
package calibration

import (
	"math"
	"sort"
)

// Breakpoint maps a group brightness percentage to the percentage the light should use.
type Breakpoint struct {
	Group  float64 `json:"group" yaml:"group"`
	Target float64 `json:"target" yaml:"target"`
}

// anchor is a breakpoint converted to the byte domain.
type anchor struct {
	x, y int64
}

// level is the exact, unrounded curve value num/den at one group byte (den > 0).
type level struct {
	num, den int64
}

// ceil rounds the level up to the next integer byte.
func (l level) ceil() uint8 {
	v := l.num / l.den
	if l.num%l.den != 0 && l.num > 0 {
		v++
	}
	return uint8(v)
}

// Curve is an immutable brightness translation between a group and one light.
//
// The forward table maps every group brightness to the brightness sent to the
// light. The reverse table maps every brightness a light may report back to the
// set of group brightnesses most consistent with it.
type Curve struct {
	forward  [256]uint8
	reverse  [256][]uint8
	constant bool
}

// Identity returns the curve used when a light has no calibration.
func Identity() *Curve {
	var levels [256]level
	for x := range levels {
		levels[x] = level{num: int64(x), den: 1}
	}
	return build(levels)
}

// NewCurve builds a curve from unordered breakpoints.
//
// Breakpoints are converted to bytes and sorted by group brightness. A (0,0)
// anchor is added unless one exists at group byte 0. Values between anchors are
// interpolated linearly and rounded up; values past the last anchor hold its
// target. When several breakpoints land on the same group byte the one with the
// highest group percentage wins. No breakpoints yields the identity curve.
func NewCurve(breakpoints []Breakpoint) *Curve {
	if len(breakpoints) == 0 {
		return Identity()
	}

	anchors := toAnchors(breakpoints)

	var levels [256]level
	for i := 1; i < len(anchors); i++ {
		a, b := anchors[i-1], anchors[i]
		span := b.x - a.x
		for x := a.x; x <= b.x; x++ {
			levels[x] = level{
				num: a.y*span + (b.y-a.y)*(x-a.x),
				den: span,
			}
		}
	}

	last := anchors[len(anchors)-1]
	for x := last.x; x < 256; x++ {
		levels[x] = level{num: last.y, den: 1}
	}

	return build(levels)
}

func toAnchors(breakpoints []Breakpoint) []anchor {
	sorted := make([]Breakpoint, len(breakpoints))
	copy(sorted, breakpoints)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Group < sorted[j].Group
	})

	anchors := make([]anchor, 0, len(sorted)+1)
	for _, bp := range sorted {
		a := anchor{
			x: int64(PercentToByte(bp.Group)),
			y: int64(PercentToByte(bp.Target)),
		}
		if n := len(anchors); n > 0 && anchors[n-1].x == a.x {
			anchors[n-1] = a
			continue
		}
		anchors = append(anchors, a)
	}

	if anchors[0].x != 0 {
		anchors = append([]anchor{{x: 0, y: 0}}, anchors...)
	}
	return anchors
}

// build materializes the forward table from the exact curve levels and
// inverts it.
//
// Every group byte x is a source for forward[x] and for every value the
// curve steps over between forward[x-1] and forward[x]. A value the curve
// never reaches goes to the group bytes whose forward value is nearest.
func build(levels [256]level) *Curve {
	c := &Curve{constant: true}

	for x, l := range levels {
		c.forward[x] = l.ceil()
		if c.forward[x] != c.forward[0] {
			c.constant = false
		}
	}

	for x := 0; x < 256; x++ {
		lo, hi := int(c.forward[x]), int(c.forward[x])
		if x > 0 {
			prev := int(c.forward[x-1])
			switch {
			case prev < lo:
				lo = prev + 1
			case prev > hi:
				hi = prev - 1
			}
		}
		for target := lo; target <= hi; target++ {
			c.reverse[target] = append(c.reverse[target], uint8(x))
		}
	}

	for target := range c.reverse {
		if c.reverse[target] == nil {
			c.reverse[target] = c.nearest(target)
		}
	}

	return c
}

// nearest returns the ascending group bytes whose forward value is closest to target.
func (c *Curve) nearest(target int) []uint8 {
	best := 256
	var sources []uint8
	for x, v := range c.forward {
		d := int(v) - target
		if d < 0 {
			d = -d
		}
		switch {
		case d < best:
			best = d
			sources = append(sources[:0], uint8(x))
		case d == best:
			sources = append(sources, uint8(x))
		}
	}
	return sources
}

// Forward returns the light brightness for a group brightness.
func (c *Curve) Forward(x uint8) uint8 {
	return c.forward[x]
}

// Table returns a copy of the forward table.
func (c *Curve) Table() [256]uint8 {
	return c.forward
}

// Invert returns the group brightnesses (ascending) most consistent with a
// brightness reported by the light. The returned slice must not be modified.
func (c *Curve) Invert(target uint8) []uint8 {
	return c.reverse[target]
}

// TranslateForward truncates v toward zero and returns the forward table entry.
func (c *Curve) TranslateForward(v float64) uint8 {
	return c.forward[index(v)]
}

// TranslateBackward truncates v toward zero and returns the reverse table entry.
func (c *Curve) TranslateBackward(v float64) []uint8 {
	return c.reverse[index(v)]
}

// IsConstant reports whether every group brightness maps to the same light
// brightness. Such a curve says nothing about the group brightness.
func (c *Curve) IsConstant() bool {
	return c.constant
}

func index(v float64) uint8 {
	if math.IsNaN(v) || v <= 0 {
		return 0
	}
	if v >= 255 {
		return 255
	}
	return uint8(math.Trunc(v))
}
