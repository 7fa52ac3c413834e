package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// Watch reloads the configuration file whenever it changes and passes every
// valid result to onChange. Invalid files are logged and skipped. Events are
// debounced since editors often write a file in several steps.
//
// The parent directory is watched so that atomic renames are seen.
// Watch blocks until ctx is cancelled.
func Watch(ctx context.Context, path string, debounce time.Duration, onChange func(*Config)) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to resolve config path: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create config watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("failed to watch config directory: %w", err)
	}

	log.Info().Str("path", abs).Msg("Watching config for changes")

	var (
		timer   *time.Timer
		reload  = make(chan struct{}, 1)
		trigger = func() {
			select {
			case reload <- struct{}{}:
			default:
			}
		}
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != abs {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(debounce, trigger)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Warn().Err(err).Msg("Config watcher error")

		case <-reload:
			cfg, err := Load(abs)
			if err != nil {
				log.Error().Err(err).Msg("Ignoring invalid config change")
				continue
			}
			log.Info().Int("groups", len(cfg.Groups)).Msg("Config reloaded")
			onChange(cfg)
		}
	}
}
