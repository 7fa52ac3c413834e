package app

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/lightener/internal/config"
	"github.com/dokzlo13/lightener/internal/ledger"
)

// runLedgerCleanup periodically cleans up old ledger entries.
func runLedgerCleanup(ctx context.Context, l *ledger.Ledger, cfg config.LedgerConfig) {
	retention := time.Duration(cfg.RetentionDays) * 24 * time.Hour
	interval := cfg.CleanupInterval.Duration()

	cleanup := func() {
		deleted, err := l.DeleteOlderThan(retention)
		if err != nil {
			log.Error().Err(err).Msg("Failed to cleanup old ledger entries")
		} else if deleted > 0 {
			log.Info().Int64("deleted", deleted).Dur("retention", retention).Msg("Cleaned up old ledger entries")
		}
	}
	cleanup()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cleanup()
		}
	}
}
