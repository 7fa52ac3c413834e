package app

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dokzlo13/lightener/internal/config"
	"github.com/dokzlo13/lightener/internal/light"
)

type nopDispatcher struct{}

func (nopDispatcher) Dispatch(light.Command) {}

type nopSource struct{}

func (nopSource) Observe(context.Context, string) (light.Observation, error) {
	return light.Observation{}, light.ErrUnknownLight
}

func testTransports() map[string]Transport {
	t := Transport{Source: nopSource{}, Dispatcher: nopDispatcher{}}
	return map[string]Transport{config.TransportMQTT: t, config.TransportHue: t}
}

func TestStableID(t *testing.T) {
	a := StableID(config.GroupConfig{Name: "Living Room"})
	b := StableID(config.GroupConfig{Name: "Living Room"})
	c := StableID(config.GroupConfig{Name: "Kitchen"})

	assert.Equal(t, a, b, "derived ids must be stable across restarts")
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 36)
	assert.Equal(t, "fixed", StableID(config.GroupConfig{Name: "Living Room", StableID: "fixed"}))
}

func TestBuildGroups(t *testing.T) {
	cfgs := []config.GroupConfig{
		{
			Name:      "Living Room",
			Transport: config.TransportMQTT,
			Members: []config.MemberConfig{
				{ID: "light.ceiling", Breakpoints: config.BreakpointMap{10: 100}},
				{ID: "light.lamp", Script: "return function(p) return p end"},
				{ID: "light.plain"},
			},
		},
		{Name: "Office", Transport: config.TransportHue, Members: []config.MemberConfig{{ID: "1"}}},
	}

	byTransport, err := BuildGroups(context.Background(), cfgs, testTransports())
	require.NoError(t, err)

	require.Len(t, byTransport[config.TransportMQTT], 1)
	living := byTransport[config.TransportMQTT][0]
	assert.Equal(t, "living_room", living.ObjectID())
	assert.NotEmpty(t, living.StableID())

	members := living.Members()
	require.Len(t, members, 3)
	assert.Equal(t, uint8(128), members[0].Translate(13))
	assert.Equal(t, uint8(77), members[1].Translate(77))
	assert.Equal(t, uint8(77), members[2].Translate(77))

	require.Len(t, byTransport[config.TransportHue], 1)
}

func TestBuildGroups_Errors(t *testing.T) {
	tests := []struct {
		name    string
		cfgs    []config.GroupConfig
		wantErr string
	}{
		{
			name: "broken_script",
			cfgs: []config.GroupConfig{{
				Name: "A", Transport: config.TransportMQTT,
				Members: []config.MemberConfig{{ID: "light.a", Script: "return 1"}},
			}},
			wantErr: "must return a function",
		},
		{
			name: "object_id_clash",
			cfgs: []config.GroupConfig{
				{Name: "Hall Way", Transport: config.TransportMQTT, Members: []config.MemberConfig{{ID: "a"}}},
				{Name: "hall way!", Transport: config.TransportMQTT, Members: []config.MemberConfig{{ID: "b"}}},
			},
			wantErr: "share object id",
		},
		{
			name: "missing_transport",
			cfgs: []config.GroupConfig{
				{Name: "A", Transport: "zwave", Members: []config.MemberConfig{{ID: "a"}}},
			},
			wantErr: "not available",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := BuildGroups(context.Background(), tt.cfgs, testTransports())
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()

	first, err := BuildGroups(context.Background(), []config.GroupConfig{
		{Name: "Kitchen", Transport: config.TransportMQTT, Members: []config.MemberConfig{{ID: "light.k"}, {ID: "light.shared"}}},
		{Name: "Hall", Transport: config.TransportMQTT, Members: []config.MemberConfig{{ID: "light.shared"}}},
		{Name: "Office", Transport: config.TransportHue, Members: []config.MemberConfig{{ID: "light.shared"}}},
	}, testTransports())
	require.NoError(t, err)
	assert.Empty(t, r.Replace(first))

	all := r.All()
	require.Len(t, all, 3)
	assert.Equal(t, "hall", all[0].ObjectID())
	assert.Equal(t, "kitchen", all[1].ObjectID())

	shared := r.ContainingMember(config.TransportMQTT, "light.shared")
	assert.Len(t, shared, 2)
	assert.Len(t, r.ContainingMember(config.TransportHue, "light.shared"), 1)
	assert.Empty(t, r.ContainingMember(config.TransportMQTT, "light.none"))

	g, ok := r.Get("office")
	require.True(t, ok)
	assert.Equal(t, "Office", g.Name())
	assert.Equal(t, config.TransportHue, r.Transport("office"))

	second, err := BuildGroups(context.Background(), []config.GroupConfig{
		{Name: "Kitchen", Transport: config.TransportMQTT, Members: []config.MemberConfig{{ID: "light.k"}}},
	}, testTransports())
	require.NoError(t, err)
	assert.Equal(t, []string{"hall", "office"}, r.Replace(second))

	_, ok = r.Get("hall")
	assert.False(t, ok)
}
