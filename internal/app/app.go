package app

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/lightener/internal/config"
)

// App is the main application container that manages all services and their lifecycle.
type App struct {
	cfg      *config.Config
	services *Services
	ctx      context.Context
	cancel   context.CancelFunc
}

// New creates a new App instance with all services initialized but not started.
func New(cfg *config.Config) (*App, error) {
	services, err := NewServices(cfg)
	if err != nil {
		return nil, err
	}

	return &App{
		cfg:      cfg,
		services: services,
	}, nil
}

// Start initializes and starts all services.
// The provided context is used for cancellation.
func (a *App) Start(ctx context.Context) error {
	a.ctx, a.cancel = context.WithCancel(ctx)

	// Fatal error handler - cancels the app context to trigger shutdown
	onFatalError := func(err error) {
		log.Error().Err(err).Msg("Fatal error, initiating shutdown")
		a.cancel()
	}

	if err := a.services.Start(a.ctx, onFatalError); err != nil {
		return err
	}

	log.Info().Int("groups", len(a.services.Registry.All())).Msg("Lightener started")
	return nil
}

// Reload applies the groups of a changed configuration. Transport, database
// and server settings only take effect after a restart.
func (a *App) Reload(cfg *config.Config) {
	if a.ctx == nil || a.ctx.Err() != nil {
		return
	}
	if cfg.MQTT != a.cfg.MQTT || cfg.Hue != a.cfg.Hue || cfg.HTTP != a.cfg.HTTP {
		log.Warn().Msg("Transport or server settings changed, restart to apply them")
	}
	if err := a.services.ApplyGroups(a.ctx, cfg.Groups); err != nil {
		log.Error().Err(err).Msg("Failed to apply reloaded groups, keeping previous ones")
	}
}

// Watch reloads groups whenever the configuration file changes.
// It blocks until the application stops.
func (a *App) Watch(path string) {
	if a.ctx == nil {
		return
	}
	if err := config.Watch(a.ctx, path, a.cfg.Resync.Debounce.Duration(), a.Reload); err != nil {
		log.Error().Err(err).Msg("Config watcher stopped")
	}
}

// Stop gracefully shuts down all services.
func (a *App) Stop() error {
	log.Info().Msg("Shutting down...")

	if a.cancel != nil {
		a.cancel()
	}

	if a.services != nil {
		return a.services.Stop()
	}

	return nil
}

// Wait blocks until the application context is cancelled.
func (a *App) Wait() {
	if a.ctx != nil {
		<-a.ctx.Done()
	}
}

// SignalContext creates a context that is cancelled when SIGINT or SIGTERM is received.
func SignalContext() context.Context {
	ctx, cancel := context.WithCancel(context.Background())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		log.Warn().Str("signal", sig.String()).Msg("Received shutdown signal")
		cancel()
	}()

	return ctx
}
