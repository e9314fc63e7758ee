package storage_test

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hookline/hookline/internal/model"
	"github.com/hookline/hookline/internal/storage"
)

func newTestDB(t *testing.T) *storage.DB {
	t.Helper()
	db, err := storage.Open(context.Background(), filepath.Join(t.TempDir(), "events.db"), slog.Default())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func newRequest(key string) model.WebhookRequest {
	return model.WebhookRequest{
		IdempotencyKey: key,
		EventType:      "order.created",
		Payload:        json.RawMessage(`{"order_id":"ORD-1234"}`),
	}
}

func TestInsertOrGet_Idempotence(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	req := newRequest("evt-" + uuid.NewString())

	first, isNew, err := db.InsertOrGet(ctx, req)
	require.NoError(t, err)
	assert.True(t, isNew)
	assert.NotEmpty(t, first.ID)
	assert.Equal(t, model.StatusPending, first.Status)
	assert.Equal(t, 0, first.Attempts)
	assert.Nil(t, first.RetryAfter)
	assert.Nil(t, first.LastError)

	second, isNew, err := db.InsertOrGet(ctx, req)
	require.NoError(t, err)
	assert.False(t, isNew)
	assert.Equal(t, first.ID, second.ID, "same key must map to the same event forever")
}

func TestInsertOrGet_ConcurrentSameKey(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	req := newRequest("evt-" + uuid.NewString())

	const callers = 16
	type result struct {
		id    string
		isNew bool
	}
	results := make(chan result, callers)
	for range callers {
		go func() {
			ev, isNew, err := db.InsertOrGet(ctx, req)
			assert.NoError(t, err)
			results <- result{id: ev.ID, isNew: isNew}
		}()
	}

	newCount := 0
	ids := make(map[string]bool)
	for range callers {
		r := <-results
		if r.isNew {
			newCount++
		}
		ids[r.id] = true
	}
	assert.Equal(t, 1, newCount, "exactly one caller observes isNew")
	assert.Len(t, ids, 1, "exactly one distinct id across all callers")
}

func TestLookups(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	req := newRequest("evt-" + uuid.NewString())

	ev, _, err := db.InsertOrGet(ctx, req)
	require.NoError(t, err)

	byID, ok, err := db.GetByID(ctx, ev.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, ev.IdempotencyKey, byID.IdempotencyKey)
	assert.JSONEq(t, `{"order_id":"ORD-1234"}`, string(byID.Payload))

	byKey, ok, err := db.GetByIdempotencyKey(ctx, req.IdempotencyKey)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, ev.ID, byKey.ID)

	_, ok, err = db.GetByID(ctx, uuid.NewString())
	require.NoError(t, err, "absence is not an error")
	assert.False(t, ok)

	_, ok, err = db.GetByIdempotencyKey(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMarkTransitions(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	ev, _, err := db.InsertOrGet(ctx, newRequest("evt-"+uuid.NewString()))
	require.NoError(t, err)

	require.NoError(t, db.MarkProcessing(ctx, ev.ID))
	got, _, err := db.GetByID(ctx, ev.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusProcessing, got.Status)
	assert.False(t, got.UpdatedAt.Before(got.CreatedAt), "updated_at >= created_at")

	require.NoError(t, db.MarkCompleted(ctx, ev.ID))
	got, _, err = db.GetByID(ctx, ev.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, got.Status)
	assert.True(t, got.Status.Terminal())
}

func TestMarkFailed_BackoffSchedule(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	const maxAttempts = 5
	base := 5 * time.Second
	max := 300 * time.Second

	ev, _, err := db.InsertOrGet(ctx, newRequest("evt-"+uuid.NewString()))
	require.NoError(t, err)

	// min(base * 2^k, max) for k = 1..4; the fifth failure dead-letters.
	wantDelays := []time.Duration{10 * time.Second, 20 * time.Second, 40 * time.Second, 80 * time.Second}

	for k, want := range wantDelays {
		before := time.Now()
		require.NoError(t, db.MarkFailed(ctx, ev.ID, "boom", maxAttempts, base, max))

		got, _, err := db.GetByID(ctx, ev.ID)
		require.NoError(t, err)
		assert.Equal(t, model.StatusPending, got.Status)
		assert.Equal(t, k+1, got.Attempts)
		require.NotNil(t, got.LastError)
		assert.Equal(t, "boom", *got.LastError)
		require.NotNil(t, got.RetryAfter)
		assert.WithinDuration(t, before.Add(want), *got.RetryAfter, 2*time.Second)
	}

	require.NoError(t, db.MarkFailed(ctx, ev.ID, "boom", maxAttempts, base, max))
	got, _, err := db.GetByID(ctx, ev.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, got.Status)
	assert.Equal(t, maxAttempts, got.Attempts, "failed implies attempts = max_attempts")
}

func TestMarkFailed_DelayCappedAtMax(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	ev, _, err := db.InsertOrGet(ctx, newRequest("evt-"+uuid.NewString()))
	require.NoError(t, err)

	// base*2^1 = 400s would exceed the 300s cap.
	before := time.Now()
	require.NoError(t, db.MarkFailed(ctx, ev.ID, "boom", 10, 200*time.Second, 300*time.Second))

	got, _, err := db.GetByID(ctx, ev.ID)
	require.NoError(t, err)
	require.NotNil(t, got.RetryAfter)
	assert.WithinDuration(t, before.Add(300*time.Second), *got.RetryAfter, 2*time.Second)
}

func TestUpdatedAtIncreasesAcrossTransitions(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	ev, _, err := db.InsertOrGet(ctx, newRequest("evt-"+uuid.NewString()))
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	require.NoError(t, db.MarkProcessing(ctx, ev.ID))
	afterProcessing, _, err := db.GetByID(ctx, ev.ID)
	require.NoError(t, err)
	assert.True(t, afterProcessing.UpdatedAt.After(ev.UpdatedAt))

	time.Sleep(5 * time.Millisecond)
	require.NoError(t, db.MarkCompleted(ctx, ev.ID))
	afterCompleted, _, err := db.GetByID(ctx, ev.ID)
	require.NoError(t, err)
	assert.True(t, afterCompleted.UpdatedAt.After(afterProcessing.UpdatedAt))
}

func TestGetPendingIDs(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	// Three non-terminal events created in order.
	var ids []string
	for i := range 3 {
		ev, _, err := db.InsertOrGet(ctx, newRequest(fmt.Sprintf("pending-%d-%s", i, uuid.NewString())))
		require.NoError(t, err)
		ids = append(ids, ev.ID)
		time.Sleep(2 * time.Millisecond) // distinct created_at
	}

	// Crash-orphaned processing row counts as pending.
	require.NoError(t, db.MarkProcessing(ctx, ids[1]))

	// Terminal rows are never re-enqueued.
	done, _, err := db.InsertOrGet(ctx, newRequest("done-"+uuid.NewString()))
	require.NoError(t, err)
	require.NoError(t, db.MarkCompleted(ctx, done.ID))

	// An event with a future retry_after is not yet eligible.
	deferred, _, err := db.InsertOrGet(ctx, newRequest("deferred-"+uuid.NewString()))
	require.NoError(t, err)
	require.NoError(t, db.MarkFailed(ctx, deferred.ID, "boom", 5, time.Hour, 10*time.Hour))

	got, err := db.GetPendingIDs(ctx, time.Now())
	require.NoError(t, err)
	assert.Equal(t, ids, got, "created_at order, eligible non-terminal rows only")

	// Once the retry time has elapsed, the deferred event becomes eligible.
	got, err = db.GetPendingIDs(ctx, time.Now().Add(24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, append(ids, deferred.ID), got)
}

func TestReopenPreservesPendingEvents(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "events.db")

	db, err := storage.Open(ctx, path, slog.Default())
	require.NoError(t, err)
	ev, _, err := db.InsertOrGet(ctx, newRequest("evt-"+uuid.NewString()))
	require.NoError(t, err)
	require.NoError(t, db.MarkProcessing(ctx, ev.ID)) // simulate crash mid-attempt
	require.NoError(t, db.Close())

	reopened, err := storage.Open(ctx, path, slog.Default())
	require.NoError(t, err)
	defer reopened.Close()

	ids, err := reopened.GetPendingIDs(ctx, time.Now())
	require.NoError(t, err)
	assert.Equal(t, []string{ev.ID}, ids, "a row stranded in processing survives restart and is re-enqueued")
}

func TestDeleteExpired(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	old := time.Now().Add(-31 * 24 * time.Hour)

	insertAged := func(status string) string {
		ev, _, err := db.InsertOrGet(ctx, newRequest(status+"-"+uuid.NewString()))
		require.NoError(t, err)
		_, err = db.Conn().ExecContext(ctx,
			`UPDATE events SET status = ?, created_at = ? WHERE id = ?`,
			status, old.UTC().Format("2006-01-02T15:04:05.000000000Z07:00"), ev.ID)
		require.NoError(t, err)
		return ev.ID
	}

	completedID := insertAged("completed")
	failedID := insertAged("failed")
	pendingID := insertAged("pending")
	processingID := insertAged("processing")

	// A fresh terminal row stays within the retention horizon.
	fresh, _, err := db.InsertOrGet(ctx, newRequest("fresh-"+uuid.NewString()))
	require.NoError(t, err)
	require.NoError(t, db.MarkCompleted(ctx, fresh.ID))

	deleted, err := db.DeleteExpired(ctx, time.Now().Add(-30*24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(2), deleted)

	for _, id := range []string{completedID, failedID} {
		_, ok, err := db.GetByID(ctx, id)
		require.NoError(t, err)
		assert.False(t, ok, "expired terminal row should be gone")
	}
	for _, id := range []string{pendingID, processingID, fresh.ID} {
		_, ok, err := db.GetByID(ctx, id)
		require.NoError(t, err)
		assert.True(t, ok, "non-terminal or fresh rows must survive")
	}

	// Second sweep removes nothing.
	deleted, err = db.DeleteExpired(ctx, time.Now().Add(-30*24*time.Hour))
	require.NoError(t, err)
	assert.Zero(t, deleted)
}
