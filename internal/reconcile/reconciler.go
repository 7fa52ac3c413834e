// Package reconcile runs the loop that rebuilds group state from member state.
package reconcile

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/dokzlo13/lightener/internal/group"
)

// Groups lists the groups to reconcile.
type Groups interface {
	All() []*group.Group
	Get(objectID string) (*group.Group, bool)
}

// ChangeFunc is called after a reconcile changed the state of g.
type ChangeFunc func(ctx context.Context, g *group.Group, st group.State)

// Reconciler rebuilds group state when members report changes and on a
// periodic interval for transports that cannot push updates.
type Reconciler struct {
	groups   Groups
	onChange ChangeFunc

	periodicInterval time.Duration
	debounce         time.Duration

	// Bounds how fast groups are reconciled, each reconcile observes every member.
	limiter *rate.Limiter

	mu      sync.Mutex
	pending map[string]bool // object id -> needs reconcile
	all     bool

	trigger chan struct{}
}

// New creates a new Reconciler
func New(groups Groups, onChange ChangeFunc, periodicInterval, debounce time.Duration, rateLimitRPS float64) *Reconciler {
	if periodicInterval == 0 {
		periodicInterval = 30 * time.Second
	}
	if rateLimitRPS == 0 {
		rateLimitRPS = 10.0
	}

	return &Reconciler{
		groups:           groups,
		onChange:         onChange,
		periodicInterval: periodicInterval,
		debounce:         debounce,
		limiter:          rate.NewLimiter(rate.Limit(rateLimitRPS), max(1, int(rateLimitRPS))),
		pending:          make(map[string]bool),
		trigger:          make(chan struct{}, 1),
	}
}

func (r *Reconciler) signal() {
	select {
	case r.trigger <- struct{}{}:
	default:
		// Already triggered
	}
}

// TriggerAll marks every group for reconciliation
func (r *Reconciler) TriggerAll() {
	r.mu.Lock()
	r.all = true
	r.mu.Unlock()
	r.signal()
}

// TriggerGroup marks a specific group for reconciliation
func (r *Reconciler) TriggerGroup(objectID string) {
	r.mu.Lock()
	r.pending[objectID] = true
	r.mu.Unlock()
	r.signal()
}

// TriggerGroupAfter marks a group for reconciliation once d has passed.
func (r *Reconciler) TriggerGroupAfter(objectID string, d time.Duration) {
	time.AfterFunc(d, func() { r.TriggerGroup(objectID) })
}

// Run starts the reconciliation loop and blocks until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) error {
	log.Info().Dur("periodic_interval", r.periodicInterval).Msg("Reconciler started")

	ticker := time.NewTicker(r.periodicInterval)
	defer ticker.Stop()

	r.TriggerAll()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Reconciler stopping")
			return nil

		case <-r.trigger:
			// Collapse bursts of member updates into one pass.
			if r.debounce > 0 {
				select {
				case <-ctx.Done():
					return nil
				case <-time.After(r.debounce):
				}
			}
			r.reconcilePending(ctx)

		case <-ticker.C:
			r.TriggerAll()
		}
	}
}

func (r *Reconciler) reconcilePending(ctx context.Context) {
	r.mu.Lock()
	all := r.all
	pending := r.pending
	r.all = false
	r.pending = make(map[string]bool)
	r.mu.Unlock()

	var groups []*group.Group
	if all {
		groups = r.groups.All()
	} else {
		for objectID := range pending {
			if g, ok := r.groups.Get(objectID); ok {
				groups = append(groups, g)
			}
		}
	}

	for _, g := range groups {
		if err := r.limiter.Wait(ctx); err != nil {
			return
		}
		r.ReconcileGroup(ctx, g)
	}
}

// ReconcileGroup reconciles one group immediately.
func (r *Reconciler) ReconcileGroup(ctx context.Context, g *group.Group) {
	st, changed := g.Reconcile(ctx)
	if changed && r.onChange != nil {
		r.onChange(ctx, g, st)
	}
}
