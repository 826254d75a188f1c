package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	dbpkg "github.com/BrandonDHaskell/paxcount/device/internal/db"
	"github.com/BrandonDHaskell/paxcount/device/internal/paxcount/store"
)

type SyncJournal struct {
	db     *sql.DB
	writer *dbpkg.Worker
}

var _ store.SyncJournal = (*SyncJournal)(nil)

func NewSyncJournal(db *sql.DB, writer *dbpkg.Worker) *SyncJournal {
	return &SyncJournal{db: db, writer: writer}
}

func (j *SyncJournal) RecordAttempt(ctx context.Context, a store.SyncAttempt) error {
	if a.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("RecordAttempt id: %w", err)
		}
		a.ID = id.String()
	}
	if a.StartedAt.IsZero() {
		a.StartedAt = time.Now().UTC()
	}

	var ok int
	if a.OK {
		ok = 1
	}

	return j.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO sync_attempts(
  attempt_id, kind, started_at_ms, duration_ms, ok, event_count, last_local_id, error
) VALUES (?, ?, ?, ?, ?, ?, ?, ?);
`,
			a.ID, string(a.Kind), a.StartedAt.UTC().UnixMilli(), a.Duration.Milliseconds(),
			ok, a.Count, int64(a.LastLocalID), a.Error,
		); err != nil {
			return fmt.Errorf("RecordAttempt insert: %w", err)
		}
		return nil
	})
}

// Recent returns up to limit attempts, newest first. Reads bypass the
// writer; the single pooled connection serialises them with writes.
func (j *SyncJournal) Recent(ctx context.Context, limit int) ([]store.SyncAttempt, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := j.db.QueryContext(ctx, `
SELECT attempt_id, kind, started_at_ms, duration_ms, ok, event_count, last_local_id, error
FROM sync_attempts
ORDER BY started_at_ms DESC, attempt_id DESC
LIMIT ?;
`, limit)
	if err != nil {
		return nil, fmt.Errorf("Recent: %w", err)
	}
	defer rows.Close()

	var out []store.SyncAttempt
	for rows.Next() {
		var (
			a          store.SyncAttempt
			kind       string
			startedMs  int64
			durationMs int64
			ok         int
			lastID     int64
		)
		if err := rows.Scan(&a.ID, &kind, &startedMs, &durationMs, &ok, &a.Count, &lastID, &a.Error); err != nil {
			return nil, fmt.Errorf("Recent scan: %w", err)
		}
		a.Kind = store.AttemptKind(kind)
		a.StartedAt = time.UnixMilli(startedMs).UTC()
		a.Duration = time.Duration(durationMs) * time.Millisecond
		a.OK = ok == 1
		a.LastLocalID = uint32(lastID)
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("Recent rows: %w", err)
	}
	return out, nil
}

// PruneOlderThan deletes attempts that started before cutoff and returns the
// number of rows removed. Uses idx_sync_attempts_started.
func (j *SyncJournal) PruneOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	cutoffMs := cutoff.UTC().UnixMilli()

	var deleted int64
	err := j.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM sync_attempts WHERE started_at_ms < ?;`, cutoffMs)
		if err != nil {
			return fmt.Errorf("PruneOlderThan: %w", err)
		}
		deleted, _ = res.RowsAffected()
		return nil
	})
	return deleted, err
}
