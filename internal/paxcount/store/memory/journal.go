package memory

import (
	"context"
	"sync"
	"time"

	"github.com/BrandonDHaskell/paxcount/device/internal/paxcount/store"
)

// SyncJournal is an in-memory append-only log of outbound attempts.
// It is intended for use in tests and when the journal database is disabled.
type SyncJournal struct {
	mu       sync.Mutex
	attempts []store.SyncAttempt
}

func NewSyncJournal() *SyncJournal {
	return &SyncJournal{}
}

func (j *SyncJournal) RecordAttempt(_ context.Context, a store.SyncAttempt) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if a.StartedAt.IsZero() {
		a.StartedAt = time.Now().UTC()
	}
	j.attempts = append(j.attempts, a)
	return nil
}

// Recent returns up to limit attempts, newest first.
func (j *SyncJournal) Recent(_ context.Context, limit int) ([]store.SyncAttempt, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if limit <= 0 || limit > len(j.attempts) {
		limit = len(j.attempts)
	}
	out := make([]store.SyncAttempt, 0, limit)
	for i := len(j.attempts) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, j.attempts[i])
	}
	return out, nil
}

func (j *SyncJournal) PruneOlderThan(_ context.Context, cutoff time.Time) (int64, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	kept := j.attempts[:0]
	var n int64
	for _, a := range j.attempts {
		if a.StartedAt.Before(cutoff) {
			n++
			continue
		}
		kept = append(kept, a)
	}
	j.attempts = kept
	return n, nil
}

// Attempts returns a copy of all recorded attempts in insertion order.
// Test-only helper.
func (j *SyncJournal) Attempts() []store.SyncAttempt {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]store.SyncAttempt, len(j.attempts))
	copy(out, j.attempts)
	return out
}
