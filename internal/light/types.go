// Package light defines the state and command types exchanged with physical lights.
package light

import (
	"context"
	"errors"
	"maps"
	"slices"
)

var (
	// ErrUnavailable is returned when a light is known but not reachable.
	ErrUnavailable = errors.New("light unavailable")
	// ErrUnknownLight is returned when a light identifier cannot be resolved.
	ErrUnknownLight = errors.New("unknown light")
)

// Attributes is the set of light attributes a group understands.
// Every field is optional; Extra carries pass-through keys with no group meaning.
type Attributes struct {
	Brightness      *uint8         `json:"brightness,omitempty"`        // 0-255
	ColorTempKelvin *int           `json:"color_temp_kelvin,omitempty"` // kelvin
	Effect          *string        `json:"effect,omitempty"`
	XY              []float64      `json:"xy,omitempty"`         // CIE xy color coordinates
	Transition      *float64       `json:"transition,omitempty"` // seconds
	Extra           map[string]any `json:"extra,omitempty"`
}

// Clone returns a deep copy.
func (a Attributes) Clone() Attributes {
	out := Attributes{
		Brightness:      clonePtr(a.Brightness),
		ColorTempKelvin: clonePtr(a.ColorTempKelvin),
		Effect:          clonePtr(a.Effect),
		XY:              slices.Clone(a.XY),
		Transition:      clonePtr(a.Transition),
	}
	if a.Extra != nil {
		out.Extra = maps.Clone(a.Extra)
	}
	return out
}

// PassThrough returns a copy without brightness.
func (a Attributes) PassThrough() Attributes {
	out := a.Clone()
	out.Brightness = nil
	return out
}

// WithBrightness returns a copy with brightness set to b.
func (a Attributes) WithBrightness(b uint8) Attributes {
	out := a.Clone()
	out.Brightness = &b
	return out
}

// IsEmpty reports whether no attribute is set.
func (a Attributes) IsEmpty() bool {
	return a.Brightness == nil && a.ColorTempKelvin == nil && a.Effect == nil &&
		a.XY == nil && a.Transition == nil && len(a.Extra) == 0
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// Observation is the state reported by an available light.
type Observation struct {
	On bool
	Attributes
}

// Command asks one light to change power state.
type Command struct {
	LightID string
	On      bool
	Attributes
}

// Dispatcher delivers commands to lights.
// Dispatch must not block and must not report delivery results to the caller.
type Dispatcher interface {
	Dispatch(cmd Command)
}

// StateSource reports the current state of lights.
// Any error means the light is unavailable or cannot be resolved.
type StateSource interface {
	Observe(ctx context.Context, lightID string) (Observation, error)
}
