// Package group implements a virtual light that drives several calibrated
// member lights and derives its own state back from theirs.
package group

import (
	"context"
	"regexp"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/lightener/internal/light"
)

// State is the apparent state of a group.
type State struct {
	On         bool             `json:"on"`
	Brightness *uint8           `json:"brightness,omitempty"` // nil until first reconciled
	Attributes light.Attributes `json:"attributes"`           // never carries brightness
}

func (s State) clone() State {
	return State{
		On:         s.On,
		Brightness: clonePtr(s.Brightness),
		Attributes: s.Attributes.Clone(),
	}
}

func clonePtr(p *uint8) *uint8 {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// Group is a virtual light proxying an ordered list of members.
type Group struct {
	name     string
	stableID string
	members  []*Member

	dispatcher light.Dispatcher
	source     light.StateSource

	// Written only by Reconcile.
	mu    sync.Mutex
	state State
}

// New creates a group. stableID may be empty.
func New(name, stableID string, members []*Member, dispatcher light.Dispatcher, source light.StateSource) *Group {
	return &Group{
		name:       name,
		stableID:   stableID,
		members:    members,
		dispatcher: dispatcher,
		source:     source,
	}
}

// Name returns the display name.
func (g *Group) Name() string {
	return g.name
}

// StableID returns the configured stable identifier, or "".
func (g *Group) StableID() string {
	return g.stableID
}

var nonSlug = regexp.MustCompile(`[^a-z0-9_]+`)

// ObjectID returns a topic and URL safe identifier derived from the name.
func (g *Group) ObjectID() string {
	id := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(g.name)), " ", "_")
	return nonSlug.ReplaceAllString(id, "")
}

// Members returns the members in configuration order.
func (g *Group) Members() []*Member {
	return g.members
}

// HasMember reports whether lightID is one of the members.
func (g *Group) HasMember(lightID string) bool {
	for _, m := range g.members {
		if m.id == lightID {
			return true
		}
	}
	return false
}

// State returns a snapshot of the group's apparent state.
func (g *Group) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state.clone()
}

// TurnOn fans a power-on request out to every member.
//
// With a brightness, each member receives its translated brightness. A member
// whose translated brightness is zero only receives the command when it is
// currently on, so it gets switched off instead of being woken up.
// Without a brightness, every member receives the pass-through attributes.
func (g *Group) TurnOn(ctx context.Context, attrs light.Attributes) {
	pass := attrs.PassThrough()

	if attrs.Brightness == nil {
		for _, m := range g.members {
			g.dispatcher.Dispatch(light.Command{
				LightID:    m.id,
				On:         true,
				Attributes: pass.Clone(),
			})
		}
		return
	}

	requested := *attrs.Brightness
	for _, m := range g.members {
		translated := m.Translate(float64(requested))

		if translated == 0 && !g.memberIsOn(ctx, m) {
			log.Trace().
				Str("group", g.name).
				Str("light", m.id).
				Uint8("brightness", requested).
				Msg("Skipping light already off")
			continue
		}

		g.dispatcher.Dispatch(light.Command{
			LightID:    m.id,
			On:         true,
			Attributes: pass.WithBrightness(translated),
		})
	}
}

// TurnOff sends power-off to every member regardless of its state.
func (g *Group) TurnOff(ctx context.Context) {
	for _, m := range g.members {
		g.dispatcher.Dispatch(light.Command{LightID: m.id, On: false})
	}
}

func (g *Group) memberIsOn(ctx context.Context, m *Member) bool {
	obs, err := g.source.Observe(ctx, m.id)
	if err != nil {
		return false
	}
	return obs.On
}

// Command is a power request addressed to a group.
type Command struct {
	On bool `json:"on"`
	light.Attributes
}

// Apply executes cmd with TurnOn or TurnOff.
func (g *Group) Apply(ctx context.Context, cmd Command) {
	if cmd.On {
		g.TurnOn(ctx, cmd.Attributes)
		return
	}
	g.TurnOff(ctx)
}
