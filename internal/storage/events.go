package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/hookline/hookline/internal/model"
)

const eventColumns = `id, idempotency_key, event_type, payload, status, attempts, last_error, retry_after, created_at, updated_at`

// InsertOrGet inserts a new pending event for the request, or returns the
// existing event when the idempotency key has been seen before. The second
// return value is true iff a new row was created.
//
// The UNIQUE constraint on idempotency_key linearises concurrent submissions
// sharing a key: exactly one caller observes isNew=true.
func (db *DB) InsertOrGet(ctx context.Context, req model.WebhookRequest) (model.Event, bool, error) {
	now := time.Now().UTC()
	ev := model.Event{
		ID:             uuid.NewString(),
		IdempotencyKey: req.IdempotencyKey,
		EventType:      req.EventType,
		Payload:        req.Payload,
		Status:         model.StatusPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	_, err := db.db.ExecContext(ctx,
		`INSERT INTO events (`+eventColumns+`)
		 VALUES (?, ?, ?, ?, ?, 0, NULL, NULL, ?, ?)`,
		ev.ID, ev.IdempotencyKey, ev.EventType, string(ev.Payload),
		string(ev.Status), formatTime(ev.CreatedAt), formatTime(ev.UpdatedAt),
	)
	if err != nil {
		if !isUniqueViolation(err) {
			return model.Event{}, false, fmt.Errorf("storage: insert event: %w", err)
		}
		existing, ok, err := db.GetByIdempotencyKey(ctx, req.IdempotencyKey)
		if err != nil {
			return model.Event{}, false, err
		}
		if !ok {
			// The conflicting row vanished between insert and read; with the
			// sweeper only deleting terminal rows this should not happen.
			return model.Event{}, false, fmt.Errorf("storage: duplicate key %q not found on read-back", req.IdempotencyKey)
		}
		return existing, false, nil
	}
	return ev, true, nil
}

// GetByID returns the event with the given id. The second return value is
// false when no such event exists.
func (db *DB) GetByID(ctx context.Context, id string) (model.Event, bool, error) {
	row := db.db.QueryRowContext(ctx,
		`SELECT `+eventColumns+` FROM events WHERE id = ?`, id)
	return scanEvent(row, "get event by id")
}

// GetByIdempotencyKey returns the event with the given idempotency key.
func (db *DB) GetByIdempotencyKey(ctx context.Context, key string) (model.Event, bool, error) {
	row := db.db.QueryRowContext(ctx,
		`SELECT `+eventColumns+` FROM events WHERE idempotency_key = ?`, key)
	return scanEvent(row, "get event by idempotency key")
}

// MarkProcessing transitions the event to processing. It does not read the
// prior state; callers only invoke it for ids freshly taken off the queue.
func (db *DB) MarkProcessing(ctx context.Context, id string) error {
	_, err := db.db.ExecContext(ctx,
		`UPDATE events SET status = ?, updated_at = ? WHERE id = ?`,
		string(model.StatusProcessing), formatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("storage: mark processing: %w", err)
	}
	return nil
}

// MarkCompleted transitions the event to the terminal completed state.
func (db *DB) MarkCompleted(ctx context.Context, id string) error {
	_, err := db.db.ExecContext(ctx,
		`UPDATE events SET status = ?, updated_at = ? WHERE id = ?`,
		string(model.StatusCompleted), formatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("storage: mark completed: %w", err)
	}
	return nil
}

// MarkFailed records a failed processing attempt. While attempts remain, the
// event returns to pending with retry_after = now + min(base * 2^attempts, max);
// once attempts reaches maxAttempts the event dead-letters to failed.
func (db *DB) MarkFailed(ctx context.Context, id, errMsg string, maxAttempts int, baseDelay, maxDelay time.Duration) error {
	tx, err := db.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage: begin mark failed: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var attempts int
	if err := tx.QueryRowContext(ctx,
		`SELECT attempts FROM events WHERE id = ?`, id).Scan(&attempts); err != nil {
		return fmt.Errorf("storage: read attempts: %w", err)
	}
	attempts++

	now := time.Now().UTC()
	if attempts < maxAttempts {
		retryAfter := now.Add(backoffDelay(baseDelay, maxDelay, attempts))
		if _, err := tx.ExecContext(ctx,
			`UPDATE events SET status = ?, attempts = ?, last_error = ?, retry_after = ?, updated_at = ? WHERE id = ?`,
			string(model.StatusPending), attempts, errMsg, formatTime(retryAfter), formatTime(now), id,
		); err != nil {
			return fmt.Errorf("storage: mark failed (retry): %w", err)
		}
	} else {
		if _, err := tx.ExecContext(ctx,
			`UPDATE events SET status = ?, attempts = ?, last_error = ?, updated_at = ? WHERE id = ?`,
			string(model.StatusFailed), attempts, errMsg, formatTime(now), id,
		); err != nil {
			return fmt.Errorf("storage: mark failed (dead-letter): %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("storage: commit mark failed: %w", err)
	}
	return nil
}

// GetPendingIDs returns the ids of all non-terminal events whose retry_after
// is absent or has elapsed, ordered by created_at ascending. Rows stuck in
// processing (crash during an attempt) are included: the work never committed,
// so they are re-run.
func (db *DB) GetPendingIDs(ctx context.Context, now time.Time) ([]string, error) {
	rows, err := db.db.QueryContext(ctx,
		`SELECT id FROM events
		 WHERE status IN (?, ?) AND (retry_after IS NULL OR retry_after <= ?)
		 ORDER BY created_at ASC`,
		string(model.StatusPending), string(model.StatusProcessing), formatTime(now),
	)
	if err != nil {
		return nil, fmt.Errorf("storage: get pending ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("storage: scan pending id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: iterate pending ids: %w", err)
	}
	return ids, nil
}

// DeleteExpired removes terminal events created before the cutoff and returns
// the number of rows removed. Non-terminal rows are never touched.
func (db *DB) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	res, err := db.db.ExecContext(ctx,
		`DELETE FROM events WHERE status IN (?, ?) AND created_at < ?`,
		string(model.StatusCompleted), string(model.StatusFailed), formatTime(before),
	)
	if err != nil {
		return 0, fmt.Errorf("storage: delete expired: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("storage: delete expired rows affected: %w", err)
	}
	return n, nil
}

// backoffDelay is doubling backoff with a cap: min(base * 2^attempts, max).
func backoffDelay(base, max time.Duration, attempts int) time.Duration {
	delay := base
	for range attempts {
		delay *= 2
		if delay >= max {
			return max
		}
	}
	return delay
}

func scanEvent(row *sql.Row, op string) (model.Event, bool, error) {
	var (
		ev                   model.Event
		payload              string
		status               string
		lastError            sql.NullString
		retryAfter           sql.NullString
		createdAt, updatedAt string
	)
	err := row.Scan(
		&ev.ID, &ev.IdempotencyKey, &ev.EventType, &payload, &status,
		&ev.Attempts, &lastError, &retryAfter, &createdAt, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Event{}, false, nil
	}
	if err != nil {
		return model.Event{}, false, fmt.Errorf("storage: %s: %w", op, err)
	}

	ev.Payload = []byte(payload)
	ev.Status = model.EventStatus(status)
	if lastError.Valid {
		ev.LastError = &lastError.String
	}
	if retryAfter.Valid {
		t, err := parseTime(retryAfter.String)
		if err != nil {
			return model.Event{}, false, fmt.Errorf("storage: %s: parse retry_after: %w", op, err)
		}
		ev.RetryAfter = &t
	}
	if ev.CreatedAt, err = parseTime(createdAt); err != nil {
		return model.Event{}, false, fmt.Errorf("storage: %s: parse created_at: %w", op, err)
	}
	if ev.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return model.Event{}, false, fmt.Errorf("storage: %s: parse updated_at: %w", op, err)
	}
	return ev, true, nil
}
