package reconcile

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dokzlo13/lightener/internal/group"
	"github.com/dokzlo13/lightener/internal/light"
)

type staticGroups []*group.Group

func (s staticGroups) All() []*group.Group { return s }

func (s staticGroups) Get(objectID string) (*group.Group, bool) {
	for _, g := range s {
		if g.ObjectID() == objectID {
			return g, true
		}
	}
	return nil, false
}

type mapSource struct {
	mu     sync.Mutex
	states map[string]light.Observation
}

func (s *mapSource) Observe(ctx context.Context, id string) (light.Observation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	obs, ok := s.states[id]
	if !ok {
		return light.Observation{}, light.ErrUnknownLight
	}
	return obs, nil
}

func (s *mapSource) set(id string, on bool, b uint8) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[id] = light.Observation{On: on, Attributes: light.Attributes{Brightness: &b}}
}

type change struct {
	objectID string
	state    group.State
}

func TestReconciler_TriggeredGroupReportsChange(t *testing.T) {
	src := &mapSource{states: make(map[string]light.Observation)}
	kitchen := group.New("Kitchen", "", []*group.Member{group.NewMember("light.k", nil)}, nil, src)
	hall := group.New("Hall", "", []*group.Member{group.NewMember("light.h", nil)}, nil, src)

	changes := make(chan change, 10)
	r := New(staticGroups{kitchen, hall}, func(ctx context.Context, g *group.Group, st group.State) {
		changes <- change{objectID: g.ObjectID(), state: st}
	}, time.Hour, time.Millisecond, 100)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	// The initial full pass sees nothing on, which does not change a fresh group.
	time.Sleep(50 * time.Millisecond)
	require.Empty(t, changes)

	src.set("light.k", true, 42)
	r.TriggerGroup("kitchen")

	select {
	case c := <-changes:
		assert.Equal(t, "kitchen", c.objectID)
		assert.True(t, c.state.On)
		assert.Equal(t, uint8(42), *c.state.Brightness)
	case <-time.After(2 * time.Second):
		t.Fatal("no change reported")
	}

	// Same state again: no change.
	r.TriggerGroup("kitchen")
	r.TriggerGroup("unknown")
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, changes)
}

func TestReconciler_PeriodicPass(t *testing.T) {
	src := &mapSource{states: make(map[string]light.Observation)}
	src.set("light.h", true, 7)
	hall := group.New("Hall", "", []*group.Member{group.NewMember("light.h", nil)}, nil, src)

	changes := make(chan change, 10)
	r := New(staticGroups{hall}, func(ctx context.Context, g *group.Group, st group.State) {
		changes <- change{objectID: g.ObjectID(), state: st}
	}, 20*time.Millisecond, 0, 100)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	select {
	case c := <-changes:
		assert.Equal(t, uint8(7), *c.state.Brightness)
	case <-time.After(2 * time.Second):
		t.Fatal("initial pass did not run")
	}

	src.set("light.h", false, 7)

	select {
	case c := <-changes:
		assert.False(t, c.state.On)
	case <-time.After(2 * time.Second):
		t.Fatal("periodic pass did not run")
	}
}
