package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/hookline/hookline/internal/queue"
	"github.com/hookline/hookline/internal/storage"
)

// LoadPending re-enqueues every persisted non-terminal event whose retry time
// has elapsed, in created_at order. It runs once during startup, before the
// readiness flag is set, and is the only caller allowed to push the queue
// past its soft capacity: rejecting durable work here would break the
// at-least-once promise.
func LoadPending(ctx context.Context, store *storage.DB, q queue.EventQueue, logger *slog.Logger) error {
	ids, err := store.GetPendingIDs(ctx, time.Now())
	if err != nil {
		return err
	}
	for _, id := range ids {
		q.Put(id)
	}
	if len(ids) > 0 {
		logger.Info("recovered pending events", "count", len(ids))
	}
	return nil
}
