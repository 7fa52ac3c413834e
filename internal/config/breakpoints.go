package config

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/dokzlo13/lightener/internal/calibration"
)

// BreakpointMap maps a group brightness percent to a member brightness percent.
// Keys and values may be written as 10, "10" or "10%".
type BreakpointMap map[float64]float64

// UnmarshalYAML implements yaml.Unmarshaler for BreakpointMap
func (b *BreakpointMap) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: breakpoints must be a mapping", value.Line)
	}

	out := make(BreakpointMap, len(value.Content)/2)
	for i := 0; i+1 < len(value.Content); i += 2 {
		k, v := value.Content[i], value.Content[i+1]

		groupPct, err := parsePercent(k)
		if err != nil {
			return err
		}
		targetPct, err := parsePercent(v)
		if err != nil {
			return err
		}
		if _, dup := out[groupPct]; dup {
			return fmt.Errorf("line %d: duplicate breakpoint %v%%", k.Line, groupPct)
		}
		out[groupPct] = targetPct
	}

	*b = out
	return nil
}

func parsePercent(n *yaml.Node) (float64, error) {
	if n.Kind != yaml.ScalarNode {
		return 0, fmt.Errorf("line %d: percent must be a scalar", n.Line)
	}
	s := strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(n.Value), "%"))
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("line %d: invalid percent %q", n.Line, n.Value)
	}
	return v, nil
}

// Breakpoints returns the map as calibration breakpoints ordered by group percent.
func (b BreakpointMap) Breakpoints() []calibration.Breakpoint {
	out := make([]calibration.Breakpoint, 0, len(b))
	for g, t := range b {
		out = append(out, calibration.Breakpoint{Group: g, Target: t})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Group < out[j].Group })
	return out
}
