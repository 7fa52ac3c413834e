package app

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/google/uuid"

	"github.com/dokzlo13/lightener/internal/calibration"
	"github.com/dokzlo13/lightener/internal/config"
	"github.com/dokzlo13/lightener/internal/group"
	"github.com/dokzlo13/lightener/internal/light"
	"github.com/dokzlo13/lightener/internal/script"
)

// stableIDNamespace seeds the stable ids of groups configured without one.
var stableIDNamespace = uuid.MustParse("5f0f7a0e-5a43-4c3b-9f6f-6c6967687465")

// StableID returns the configured stable id, or one derived from the group name.
func StableID(cfg config.GroupConfig) string {
	if cfg.StableID != "" {
		return cfg.StableID
	}
	return uuid.NewSHA1(stableIDNamespace, []byte(cfg.Name)).String()
}

// Transport is the pair of interfaces a group needs to reach its members.
type Transport struct {
	Source     light.StateSource
	Dispatcher light.Dispatcher
}

// entry is a registered group with the transport it was built for.
type entry struct {
	group     *group.Group
	transport string
}

// Registry holds the configured groups keyed by object id.
// Reconfiguration replaces the whole set.
type Registry struct {
	mu      sync.RWMutex
	order   []string
	entries map[string]entry
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]entry)}
}

// BuildGroups creates groups from configuration. Script curves are sampled here,
// so a broken script fails the whole build.
func BuildGroups(ctx context.Context, cfgs []config.GroupConfig, transports map[string]Transport) (map[string][]*group.Group, error) {
	out := make(map[string][]*group.Group)
	seen := make(map[string]string)

	for _, gc := range cfgs {
		t, ok := transports[gc.Transport]
		if !ok {
			return nil, fmt.Errorf("group %q: transport %s is not available", gc.Name, gc.Transport)
		}

		members := make([]*group.Member, 0, len(gc.Members))
		for _, mc := range gc.Members {
			curve, err := buildCurve(ctx, gc.Name, mc)
			if err != nil {
				return nil, err
			}
			members = append(members, group.NewMember(mc.ID, curve))
		}

		g := group.New(gc.Name, StableID(gc), members, t.Dispatcher, t.Source)
		if other, dup := seen[g.ObjectID()]; dup {
			return nil, fmt.Errorf("groups %q and %q share object id %q", other, gc.Name, g.ObjectID())
		}
		seen[g.ObjectID()] = gc.Name

		out[gc.Transport] = append(out[gc.Transport], g)
	}
	return out, nil
}

func buildCurve(ctx context.Context, groupName string, mc config.MemberConfig) (*calibration.Curve, error) {
	if mc.Script != "" {
		bps, err := script.Sample(ctx, groupName+"/"+mc.ID, mc.Script)
		if err != nil {
			return nil, fmt.Errorf("group %q: member %q: %w", groupName, mc.ID, err)
		}
		return calibration.NewCurve(bps), nil
	}
	return calibration.NewCurve(mc.Breakpoints.Breakpoints()), nil
}

// Replace swaps the registered groups and returns the object ids that are gone.
func (r *Registry) Replace(byTransport map[string][]*group.Group) (removed []string) {
	entries := make(map[string]entry)
	var order []string
	for transport, groups := range byTransport {
		for _, g := range groups {
			entries[g.ObjectID()] = entry{group: g, transport: transport}
			order = append(order, g.ObjectID())
		}
	}
	slices.Sort(order)

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, id := range r.order {
		if _, ok := entries[id]; !ok {
			removed = append(removed, id)
		}
	}
	r.entries = entries
	r.order = order
	return removed
}

// Get returns a group by object id.
func (r *Registry) Get(objectID string) (*group.Group, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[objectID]
	return e.group, ok
}

// Transport returns the transport name a group was built for.
func (r *Registry) Transport(objectID string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.entries[objectID].transport
}

// All returns every group ordered by object id.
func (r *Registry) All() []*group.Group {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*group.Group, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.entries[id].group)
	}
	return out
}

// ContainingMember returns the groups of transport that have lightID as a member.
func (r *Registry) ContainingMember(transport, lightID string) []*group.Group {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*group.Group
	for _, id := range r.order {
		e := r.entries[id]
		if e.transport == transport && e.group.HasMember(lightID) {
			out = append(out, e.group)
		}
	}
	return out
}
