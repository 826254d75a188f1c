package store

import (
	"context"
	"time"
)

type AttemptKind string

const (
	AttemptAuth   AttemptKind = "auth"
	AttemptEvents AttemptKind = "events"
	AttemptPrice  AttemptKind = "price"
	AttemptConfig AttemptKind = "config"
)

// SyncAttempt records one outbound request to the server.
type SyncAttempt struct {
	ID          string
	Kind        AttemptKind
	StartedAt   time.Time
	Duration    time.Duration
	OK          bool
	Count       int    // events submitted (events kind only)
	LastLocalID uint32 // server-acknowledged id (events kind only)
	Error       string
}

// SyncJournal is an append-only diagnostic log of outbound attempts.
type SyncJournal interface {
	RecordAttempt(ctx context.Context, a SyncAttempt) error
	Recent(ctx context.Context, limit int) ([]SyncAttempt, error)
	PruneOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}
