package sweeper_test

import (
	"context"
	"encoding/json"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hookline/hookline/internal/model"
	"github.com/hookline/hookline/internal/storage"
	"github.com/hookline/hookline/internal/sweeper"
)

func newTestDB(t *testing.T) *storage.DB {
	t.Helper()
	db, err := storage.Open(context.Background(), filepath.Join(t.TempDir(), "events.db"), slog.Default())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func insertAged(t *testing.T, db *storage.DB, status string, age time.Duration) string {
	t.Helper()
	ctx := context.Background()
	ev, _, err := db.InsertOrGet(ctx, model.WebhookRequest{
		IdempotencyKey: status + "-" + uuid.NewString(),
		EventType:      "order.created",
		Payload:        json.RawMessage(`{}`),
	})
	require.NoError(t, err)
	_, err = db.Conn().ExecContext(ctx,
		`UPDATE events SET status = ?, created_at = ? WHERE id = ?`,
		status, time.Now().Add(-age).UTC().Format("2006-01-02T15:04:05.000000000Z07:00"), ev.ID)
	require.NoError(t, err)
	return ev.ID
}

func TestSweeper_DeletesOnlyExpiredTerminalRows(t *testing.T) {
	db := newTestDB(t)

	expiredCompleted := insertAged(t, db, "completed", 31*24*time.Hour)
	expiredFailed := insertAged(t, db, "failed", 31*24*time.Hour)
	oldPending := insertAged(t, db, "pending", 31*24*time.Hour)
	freshCompleted := insertAged(t, db, "completed", time.Hour)

	// Long interval: only the immediate sweep on startup runs.
	s := sweeper.New(db, slog.Default(), 30*24*time.Hour, time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		_, ok, err := db.GetByID(context.Background(), expiredCompleted)
		require.NoError(t, err)
		if !ok {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	require.NoError(t, <-done)

	for _, id := range []string{expiredCompleted, expiredFailed} {
		_, ok, err := db.GetByID(context.Background(), id)
		require.NoError(t, err)
		assert.False(t, ok, "expired terminal row should be swept")
	}
	for _, id := range []string{oldPending, freshCompleted} {
		_, ok, err := db.GetByID(context.Background(), id)
		require.NoError(t, err)
		assert.True(t, ok, "non-terminal and fresh rows must survive")
	}
}

func TestSweeper_StopsOnCancel(t *testing.T) {
	db := newTestDB(t)
	s := sweeper.New(db, slog.Default(), 30*24*time.Hour, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop on cancellation")
	}
}
