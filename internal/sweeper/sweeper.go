// Package sweeper implements the periodic cleanup task that deletes expired
// terminal events.
package sweeper

import (
	"context"
	"log/slog"
	"time"

	"github.com/hookline/hookline/internal/storage"
)

// Sweeper periodically deletes completed and failed events older than the
// retention horizon. Pending and processing rows are never removed.
type Sweeper struct {
	store     *storage.DB
	logger    *slog.Logger
	retention time.Duration
	interval  time.Duration
}

// New creates a Sweeper that deletes terminal events older than retention,
// sweeping once per interval.
func New(store *storage.DB, logger *slog.Logger, retention, interval time.Duration) *Sweeper {
	return &Sweeper{
		store:     store,
		logger:    logger,
		retention: retention,
		interval:  interval,
	}
}

// Run sweeps immediately, then once per interval until ctx is cancelled.
// A failed sweep is logged and retried at the next tick; the sweeper never
// stops on storage errors.
func (s *Sweeper) Run(ctx context.Context) error {
	for {
		s.sweep(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(s.interval):
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	cutoff := time.Now().Add(-s.retention)
	deleted, err := s.store.DeleteExpired(ctx, cutoff)
	if err != nil {
		s.logger.Warn("cleanup failed", "error", err)
		return
	}
	if deleted > 0 {
		s.logger.Info("cleanup deleted expired events", "count", deleted)
	}
}
