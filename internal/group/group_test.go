package group

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dokzlo13/lightener/internal/calibration"
	"github.com/dokzlo13/lightener/internal/light"
)

type recordingDispatcher struct {
	mu       sync.Mutex
	commands []light.Command
}

func (d *recordingDispatcher) Dispatch(cmd light.Command) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.commands = append(d.commands, cmd)
}

func (d *recordingDispatcher) sent() []light.Command {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]light.Command(nil), d.commands...)
}

// fakeSource serves observations from a map. Missing lights are unknown,
// lights listed in unavailable are known but unreachable.
type fakeSource struct {
	mu          sync.Mutex
	states      map[string]light.Observation
	unavailable map[string]bool
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		states:      make(map[string]light.Observation),
		unavailable: make(map[string]bool),
	}
}

func (s *fakeSource) Observe(ctx context.Context, id string) (light.Observation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.unavailable[id] {
		return light.Observation{}, light.ErrUnavailable
	}
	obs, ok := s.states[id]
	if !ok {
		return light.Observation{}, light.ErrUnknownLight
	}
	return obs, nil
}

func (s *fakeSource) set(id string, on bool, brightness *uint8) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[id] = light.Observation{On: on, Attributes: light.Attributes{Brightness: brightness}}
}

func (s *fakeSource) setObservation(id string, obs light.Observation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[id] = obs
}

func bri(v uint8) *uint8 {
	return &v
}

func intPtr(v int) *int {
	return &v
}

func strPtr(v string) *string {
	return &v
}

func curve(bps map[float64]float64) *calibration.Curve {
	list := make([]calibration.Breakpoint, 0, len(bps))
	for g, t := range bps {
		list = append(list, calibration.Breakpoint{Group: g, Target: t})
	}
	return calibration.NewCurve(list)
}

// offCurve maps every group brightness to 0.
func offCurve() *calibration.Curve {
	return curve(map[float64]float64{50: 0})
}

// boostCurve is 10% -> 100%.
func boostCurve() *calibration.Curve {
	return curve(map[float64]float64{10: 100})
}

func newTestGroup(members ...*Member) (*Group, *recordingDispatcher, *fakeSource) {
	d := &recordingDispatcher{}
	s := newFakeSource()
	return New("Living Room", "", members, d, s), d, s
}

func TestGroup_Identity(t *testing.T) {
	g, _, _ := newTestGroup()
	assert.Equal(t, "Living Room", g.Name())
	assert.Equal(t, "living_room", g.ObjectID())
	assert.Empty(t, g.StableID())

	g2 := New("Kitchen (main)", "4f0c", nil, nil, nil)
	assert.Equal(t, "kitchen_main", g2.ObjectID())
	assert.Equal(t, "4f0c", g2.StableID())
}

func TestTurnOn_NoAttributes(t *testing.T) {
	g, d, _ := newTestGroup(NewMember("light.test1", nil), NewMember("light.test2", nil))

	g.TurnOn(context.Background(), light.Attributes{})

	assert.Equal(t, []light.Command{
		{LightID: "light.test1", On: true},
		{LightID: "light.test2", On: true},
	}, d.sent())
}

func TestTurnOn_ForwardsAttributes(t *testing.T) {
	g, d, _ := newTestGroup(NewMember("light.test1", nil))

	g.TurnOn(context.Background(), light.Attributes{
		Brightness:      bri(50),
		Effect:          strPtr("blink"),
		ColorTempKelvin: intPtr(3000),
	})

	require.Len(t, d.sent(), 1)
	cmd := d.sent()[0]
	assert.Equal(t, "light.test1", cmd.LightID)
	assert.True(t, cmd.On)
	assert.Equal(t, uint8(50), *cmd.Brightness)
	assert.Equal(t, "blink", *cmd.Effect)
	assert.Equal(t, 3000, *cmd.ColorTempKelvin)
}

func TestTurnOn_TranslatesPerMember(t *testing.T) {
	g, d, _ := newTestGroup(
		NewMember("light.boost", boostCurve()),
		NewMember("light.plain", nil),
	)

	g.TurnOn(context.Background(), light.Attributes{Brightness: bri(13)})

	sent := d.sent()
	require.Len(t, sent, 2)
	assert.Equal(t, uint8(128), *sent[0].Brightness)
	assert.Equal(t, uint8(13), *sent[1].Brightness)
}

func TestTurnOn_ZeroTranslation(t *testing.T) {
	tests := []struct {
		name     string
		prepare  func(s *fakeSource)
		wantSent bool
	}{
		{
			name:     "member_on/sends_zero",
			prepare:  func(s *fakeSource) { s.set("light.test1", true, bri(120)) },
			wantSent: true,
		},
		{
			name:     "member_off/skipped",
			prepare:  func(s *fakeSource) { s.set("light.test1", false, nil) },
			wantSent: false,
		},
		{
			name:     "member_unavailable/skipped",
			prepare:  func(s *fakeSource) { s.unavailable["light.test1"] = true },
			wantSent: false,
		},
		{
			name:     "member_unknown/skipped",
			prepare:  func(s *fakeSource) {},
			wantSent: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g, d, s := newTestGroup(NewMember("light.test1", offCurve()))
			tt.prepare(s)

			g.TurnOn(context.Background(), light.Attributes{Brightness: bri(1)})

			if !tt.wantSent {
				assert.Empty(t, d.sent())
				return
			}
			assert.Equal(t, []light.Command{{
				LightID:    "light.test1",
				On:         true,
				Attributes: light.Attributes{Brightness: bri(0)},
			}}, d.sent())
		})
	}
}

func TestTurnOff_AllMembersUnconditionally(t *testing.T) {
	g, d, s := newTestGroup(NewMember("light.a", nil), NewMember("light.b", nil), NewMember("light.c", nil))
	s.set("light.a", false, nil)
	s.unavailable["light.b"] = true

	g.TurnOff(context.Background())

	assert.Equal(t, []light.Command{
		{LightID: "light.a"},
		{LightID: "light.b"},
		{LightID: "light.c"},
	}, d.sent())
}

func TestTurnOn_DoesNotChangeState(t *testing.T) {
	g, _, _ := newTestGroup(NewMember("light.test1", nil))
	g.TurnOn(context.Background(), light.Attributes{Brightness: bri(200)})
	assert.Equal(t, State{}, g.State())
}

func TestMember(t *testing.T) {
	m := NewMember("light.test1", boostCurve())
	assert.Equal(t, "light.test1", m.ID())
	assert.Equal(t, uint8(20), m.Translate(2.9))
	assert.Equal(t, []uint8{3}, m.Invert(26))
	assert.True(t, m.Constraining())
	assert.False(t, NewMember("light.off", offCurve()).Constraining())
	assert.Equal(t, uint8(77), NewMember("light.id", nil).Translate(77))
}

func TestApply(t *testing.T) {
	g, d, _ := newTestGroup(NewMember("a", nil), NewMember("b", nil))

	g.Apply(context.Background(), Command{On: true, Attributes: light.Attributes{Brightness: bri(40)}})
	g.Apply(context.Background(), Command{On: false})

	sent := d.sent()
	require.Len(t, sent, 4)
	for _, cmd := range sent[:2] {
		assert.True(t, cmd.On)
		assert.Equal(t, uint8(40), *cmd.Brightness)
	}
	for _, cmd := range sent[2:] {
		assert.False(t, cmd.On)
		assert.Nil(t, cmd.Brightness)
	}
}
