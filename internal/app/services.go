package app

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/lightener/internal/config"
	"github.com/dokzlo13/lightener/internal/db"
	"github.com/dokzlo13/lightener/internal/dispatch"
	"github.com/dokzlo13/lightener/internal/eventbus"
	"github.com/dokzlo13/lightener/internal/group"
	"github.com/dokzlo13/lightener/internal/ledger"
	"github.com/dokzlo13/lightener/internal/reconcile"
	"github.com/dokzlo13/lightener/internal/transport/hue"
	"github.com/dokzlo13/lightener/internal/transport/mqtt"
)

// Services is a container for all application services.
// It manages service initialization order and dependencies.
type Services struct {
	cfg *config.Config

	// Optional audit trail
	DB     *db.DB
	Ledger *ledger.Ledger

	Bus *eventbus.Bus

	// Transports, nil when not configured
	MQTT *mqtt.Client
	Hue  *hue.Client

	Registry   *Registry
	Reconciler *reconcile.Reconciler
	HTTP       *HTTPService

	transports map[string]Transport

	// Serializes group reconfiguration.
	applyMu sync.Mutex
}

// NewServices creates all services with proper dependency injection.
// Nothing is connected until Start.
func NewServices(cfg *config.Config) (*Services, error) {
	s := &Services{
		cfg:      cfg,
		Registry: NewRegistry(),
		Bus:      eventbus.NewWithConfig(cfg.Dispatch.Workers, cfg.Dispatch.QueueSize),
	}

	if cfg.Ledger.Enabled {
		database, err := db.Open(cfg.Database.Path)
		if err != nil {
			s.Close()
			return nil, err
		}
		s.DB = database
		s.Ledger = ledger.New(database.DB)
	}

	if cfg.MQTT.Enabled() {
		s.MQTT = mqtt.New(cfg.MQTT, s.Bus)
	}
	if cfg.Hue.Enabled() {
		s.Hue = hue.Connect(cfg.Hue.Bridge, cfg.Hue.Token)
	}

	s.Reconciler = reconcile.New(
		s.Registry,
		s.onGroupChanged,
		cfg.Resync.Interval.Duration(),
		cfg.Resync.Debounce.Duration(),
		cfg.Dispatch.RateLimitRPS,
	)
	s.HTTP = NewHTTPService(cfg, s.Registry, s.Bus)

	return s, nil
}

// recorder returns the ledger as a dispatch.Recorder, or nil without one.
func (s *Services) recorder() dispatch.Recorder {
	if s.Ledger == nil {
		return nil
	}
	return s.Ledger
}

// Start connects transports, builds the configured groups and starts all
// background services.
func (s *Services) Start(ctx context.Context, onFatalError func(error)) error {
	opts := dispatch.Options{
		RateLimit: s.cfg.Dispatch.RateLimitRPS,
		Timeout:   s.cfg.Dispatch.Timeout.Duration(),
	}

	s.transports = make(map[string]Transport)
	if s.MQTT != nil {
		if err := s.MQTT.Connect(ctx); err != nil {
			return err
		}
		s.transports[config.TransportMQTT] = Transport{
			Source:     s.MQTT,
			Dispatcher: dispatch.New(ctx, mqtt.Source, s.Bus, s.MQTT, s.recorder(), opts),
		}
	}
	if s.Hue != nil {
		s.transports[config.TransportHue] = Transport{
			Source:     s.Hue,
			Dispatcher: dispatch.New(ctx, hue.Source, s.Bus, s.Hue, s.recorder(), opts),
		}
		log.Info().Str("bridge", s.cfg.Hue.Bridge).Msg("Using Hue bridge")
	}

	s.Bus.Subscribe(eventbus.EventTypeMemberState, s.onMemberState)
	s.Bus.Subscribe(eventbus.EventTypeGroupCommand, func(e eventbus.Event) { s.onGroupCommand(ctx, e) })

	if err := s.ApplyGroups(ctx, s.cfg.Groups); err != nil {
		return err
	}

	go func() {
		if err := s.Reconciler.Run(ctx); err != nil {
			log.Error().Err(err).Msg("Reconciler error")
			if onFatalError != nil {
				onFatalError(err)
			}
		}
	}()

	if s.Ledger != nil {
		go runLedgerCleanup(ctx, s.Ledger, s.cfg.Ledger)
	}

	s.HTTP.SetReady(true)
	s.HTTP.Start(ctx)
	return nil
}

// ApplyGroups rebuilds every group from configuration and swaps them in.
// Groups are recreated from scratch, so apparent state starts over.
func (s *Services) ApplyGroups(ctx context.Context, cfgs []config.GroupConfig) error {
	s.applyMu.Lock()
	defer s.applyMu.Unlock()

	byTransport, err := BuildGroups(ctx, cfgs, s.transports)
	if err != nil {
		return fmt.Errorf("failed to build groups: %w", err)
	}

	if s.MQTT != nil {
		var ids []string
		for _, g := range byTransport[config.TransportMQTT] {
			for _, m := range g.Members() {
				ids = append(ids, m.ID())
			}
		}
		if err := s.MQTT.Watch(ids); err != nil {
			return err
		}
	}

	removed := s.Registry.Replace(byTransport)

	if s.MQTT != nil {
		for _, objectID := range removed {
			if err := s.MQTT.RemoveGroup(ctx, objectID); err != nil {
				log.Warn().Err(err).Str("object_id", objectID).Msg("Failed to remove group from Home Assistant")
			}
		}
		for _, g := range s.Registry.All() {
			if err := s.MQTT.ExposeGroup(ctx, g); err != nil {
				log.Error().Err(err).Str("group", g.Name()).Msg("Failed to expose group")
			}
		}
	}

	for _, g := range s.Registry.All() {
		log.Info().
			Str("group", g.Name()).
			Str("object_id", g.ObjectID()).
			Str("transport", s.Registry.Transport(g.ObjectID())).
			Int("members", len(g.Members())).
			Msg("Group configured")
	}

	s.Reconciler.TriggerAll()
	return nil
}

// onMemberState reconciles every group containing the reporting member.
func (s *Services) onMemberState(e eventbus.Event) {
	for _, g := range s.Registry.ContainingMember(e.Source, e.Key) {
		s.Reconciler.TriggerGroup(g.ObjectID())
	}
}

func (s *Services) onGroupCommand(ctx context.Context, e eventbus.Event) {
	cmd, ok := e.Payload.(group.Command)
	if !ok {
		log.Error().Str("object_id", e.Key).Msgf("Unexpected group command payload %T", e.Payload)
		return
	}
	g, ok := s.Registry.Get(e.Key)
	if !ok {
		log.Warn().Str("object_id", e.Key).Msg("Command for unknown group")
		return
	}

	ev := log.Info().Str("group", g.Name()).Str("source", e.Source).Bool("on", cmd.On)
	if cmd.Brightness != nil {
		ev = ev.Uint8("brightness", *cmd.Brightness)
	}
	ev.Msg("Group command")

	g.Apply(ctx, cmd)

	// Hue members cannot push their new state.
	if s.Registry.Transport(e.Key) == config.TransportHue {
		s.Reconciler.TriggerGroupAfter(e.Key, s.cfg.Dispatch.Timeout.Duration()/2)
	}
}

func (s *Services) onGroupChanged(ctx context.Context, g *group.Group, st group.State) {
	if s.MQTT != nil {
		if err := s.MQTT.PublishGroupState(ctx, g.ObjectID(), st); err != nil {
			log.Warn().Err(err).Str("group", g.Name()).Msg("Failed to publish group state")
		}
	}
	if s.Ledger != nil {
		if err := s.Ledger.RecordGroupState(g.ObjectID(), st); err != nil {
			log.Warn().Err(err).Str("group", g.Name()).Msg("Failed to record group state")
		}
	}
}

// Stop gracefully stops all services.
func (s *Services) Stop() error {
	s.Close()
	return nil
}

// Close releases all resources.
func (s *Services) Close() {
	if s.Bus != nil {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout.Duration())
		defer cancel()
		s.Bus.Close(ctx)
	}
	if s.MQTT != nil {
		s.MQTT.Close()
	}
	if s.DB != nil {
		s.DB.Close()
	}
}
