package group

import (
	"github.com/dokzlo13/lightener/internal/calibration"
)

// Member is one physical light participating in a group.
type Member struct {
	id    string
	curve *calibration.Curve
}

// NewMember creates a member. A nil curve means the identity curve.
func NewMember(id string, curve *calibration.Curve) *Member {
	if curve == nil {
		curve = calibration.Identity()
	}
	return &Member{
		id:    id,
		curve: curve,
	}
}

// ID returns the light identifier.
func (m *Member) ID() string {
	return m.id
}

// Curve returns the member's calibration curve.
func (m *Member) Curve() *calibration.Curve {
	return m.curve
}

// Translate converts a group brightness into the brightness for this light.
func (m *Member) Translate(brightness float64) uint8 {
	return m.curve.TranslateForward(brightness)
}

// Invert returns the group brightnesses consistent with a reported brightness.
func (m *Member) Invert(reported uint8) []uint8 {
	return m.curve.Invert(reported)
}

// Constraining reports whether observing this light says anything about the
// group brightness.
func (m *Member) Constraining() bool {
	return !m.curve.IsConstant()
}
