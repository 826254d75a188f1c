package store

import (
	"context"
	"errors"

	"github.com/BrandonDHaskell/paxcount/device/internal/paxcount/types"
)

var (
	// ErrStorage wraps any durable read/write failure. The operation was
	// aborted and in-memory counters were not advanced.
	ErrStorage = errors.New("event log storage error")

	// ErrCapacityExceeded means an append was refused because the log is
	// full and compaction could not reclaim space. The event was not recorded.
	ErrCapacityExceeded = errors.New("event log capacity exceeded")

	// ErrFormatVersion means the on-disk metadata was written by an
	// incompatible format. Upgrades are not supported.
	ErrFormatVersion = errors.New("unsupported event log format version")

	ErrClosed = errors.New("event log closed")

	// ErrInvalidEvent is returned by Append for an event with an unknown type.
	ErrInvalidEvent = errors.New("invalid passenger event")
)

// LogStats is a point-in-time view of an event log for status reporting.
type LogStats struct {
	Backend     string // "file" | "memory"
	Durable     bool
	Count       int
	Unsynced    int
	Capacity    int
	NextLocalID uint32
	SizeBytes   int64
}

// Usage returns Count / Capacity in [0, 1].
func (s LogStats) Usage() float64 {
	if s.Capacity <= 0 {
		return 0
	}
	return float64(s.Count) / float64(s.Capacity)
}

// EventLog is the append-only passenger event store with a sync watermark.
//
// The two implementations do NOT share a durability model:
//   - file.EventLog persists fixed-size records and a prefix watermark. It
//     refuses appends (ErrCapacityExceeded) rather than dropping data.
//   - memory.Ring keeps a per-record synced flag and silently evicts the
//     oldest record, synced or not, when full.
type EventLog interface {
	// Append assigns the next local id and records ev.
	Append(ctx context.Context, ev types.PassengerEvent) (uint32, error)

	// UnsyncedBatch returns up to max events after the watermark in
	// ascending LocalID order. Each call re-reads live state.
	UnsyncedBatch(ctx context.Context, max int) ([]types.PassengerEvent, error)

	// MarkSynced advances the watermark to cover events with
	// LocalID <= uptoLocalID.
	MarkSynced(ctx context.Context, uptoLocalID uint32) error

	// Compact discards acknowledged events and reclaims their space.
	Compact(ctx context.Context) error

	Count() int
	UnsyncedCount() int
	Clear(ctx context.Context) error
	Stats() LogStats
	Close() error
}
