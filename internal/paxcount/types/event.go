package types

import (
	"fmt"
	"strings"
	"time"
)

type EventType uint8

const (
	EventEntry EventType = 1
	EventExit  EventType = 2
)

// String returns the wire spelling ("entry" / "exit").
func (t EventType) String() string {
	switch t {
	case EventEntry:
		return "entry"
	case EventExit:
		return "exit"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

func (t EventType) Valid() bool {
	return t == EventEntry || t == EventExit
}

// ParseEventType accepts the wire spelling, case-insensitively.
func ParseEventType(s string) (EventType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "entry":
		return EventEntry, nil
	case "exit":
		return EventExit, nil
	default:
		return 0, fmt.Errorf("unknown event type %q", s)
	}
}

// PassengerEvent is a single entry or exit observed by the counter.
// LocalID is assigned by the event log at append time; callers leave it zero.
type PassengerEvent struct {
	LocalID             uint32
	Type                EventType
	Timestamp           int64    // unix seconds
	Latitude            *float64 // optional GPS fix
	Longitude           *float64
	PassengerCountAfter uint32

	// Synced is only tracked by the memory ring. The file-backed log uses
	// a prefix watermark instead and always reports false here.
	Synced bool
}

// HasGPS reports whether both coordinates are present.
func (e PassengerEvent) HasGPS() bool {
	return e.Latitude != nil && e.Longitude != nil
}

func (e PassengerEvent) Time() time.Time {
	return time.Unix(e.Timestamp, 0).UTC()
}

// LogMetadata is the bookkeeping block persisted next to the event records.
// SyncedCount is the watermark: the number of records, counted from the start
// of the log, acknowledged by the server.
type LogMetadata struct {
	NextLocalID   uint32
	TotalEvents   uint32
	SyncedCount   uint32
	FormatVersion uint32
}

// Unsynced returns TotalEvents - SyncedCount, never negative.
func (m LogMetadata) Unsynced() uint32 {
	if m.SyncedCount >= m.TotalEvents {
		return 0
	}
	return m.TotalEvents - m.SyncedCount
}
