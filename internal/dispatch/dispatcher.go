// Package dispatch delivers member commands asynchronously through the event bus.
package dispatch

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/dokzlo13/lightener/internal/eventbus"
	"github.com/dokzlo13/lightener/internal/light"
)

// Sender delivers one command to a physical light.
type Sender interface {
	Send(ctx context.Context, cmd light.Command) error
}

// Recorder stores the outcome of a delivery.
type Recorder interface {
	RecordCommand(source string, cmd light.Command, sendErr error) error
}

// Options tune delivery.
type Options struct {
	// RateLimit is the number of commands per second; 0 disables limiting.
	RateLimit float64
	Burst     int
	Timeout   time.Duration
}

// Dispatcher implements light.Dispatcher for one transport.
// Dispatch publishes a member_command event; a bus worker performs the send.
type Dispatcher struct {
	source   string
	bus      *eventbus.Bus
	sender   Sender
	recorder Recorder
	limiter  *rate.Limiter
	timeout  time.Duration
	ctx      context.Context
}

// New creates a dispatcher for source and subscribes its handler to bus.
// ctx bounds every delivery; cancelling it abandons queued commands.
// recorder may be nil.
func New(ctx context.Context, source string, bus *eventbus.Bus, sender Sender, recorder Recorder, opts Options) *Dispatcher {
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}

	limit := rate.Inf
	if opts.RateLimit > 0 {
		limit = rate.Limit(opts.RateLimit)
	}
	if opts.Burst <= 0 {
		opts.Burst = max(1, int(opts.RateLimit))
	}

	d := &Dispatcher{
		source:   source,
		bus:      bus,
		sender:   sender,
		recorder: recorder,
		limiter:  rate.NewLimiter(limit, opts.Burst),
		timeout:  opts.Timeout,
		ctx:      ctx,
	}
	bus.Subscribe(eventbus.EventTypeMemberCommand, d.handle)
	return d
}

// Dispatch queues cmd and returns immediately.
func (d *Dispatcher) Dispatch(cmd light.Command) {
	if !d.bus.Publish(eventbus.Event{
		Type:    eventbus.EventTypeMemberCommand,
		Source:  d.source,
		Key:     cmd.LightID,
		Payload: cmd,
	}) {
		log.Warn().Str("source", d.source).Str("light", cmd.LightID).Msg("Command dropped")
	}
}

func (d *Dispatcher) handle(e eventbus.Event) {
	if e.Source != d.source {
		return
	}
	cmd, ok := e.Payload.(light.Command)
	if !ok {
		log.Error().Str("source", d.source).Msgf("Unexpected member command payload %T", e.Payload)
		return
	}

	if err := d.limiter.Wait(d.ctx); err != nil {
		log.Debug().Err(err).Str("light", cmd.LightID).Msg("Command abandoned")
		return
	}

	ctx, cancel := context.WithTimeout(d.ctx, d.timeout)
	defer cancel()

	err := d.sender.Send(ctx, cmd)
	if err != nil {
		log.Error().Err(err).Str("source", d.source).Str("light", cmd.LightID).Bool("on", cmd.On).Msg("Failed to send command")
	} else {
		ev := log.Debug().Str("source", d.source).Str("light", cmd.LightID).Bool("on", cmd.On)
		if cmd.Brightness != nil {
			ev = ev.Uint8("brightness", *cmd.Brightness)
		}
		ev.Msg("Command sent")
	}

	if d.recorder != nil {
		if rerr := d.recorder.RecordCommand(d.source, cmd, err); rerr != nil {
			log.Warn().Err(rerr).Str("light", cmd.LightID).Msg("Failed to record command")
		}
	}
}
