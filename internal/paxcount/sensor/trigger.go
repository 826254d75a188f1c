// Package sensor is the boundary between the detection context (GPIO
// interrupt handler, simulator, device API) and the control loop.
package sensor

import (
	"sync/atomic"
	"time"

	"github.com/BrandonDHaskell/paxcount/device/internal/paxcount/types"
)

// Trigger is a single-slot flag carrying the time of the latest detection.
// Fire may be called from any goroutine; Drain is called once per tick by
// the control loop. A second Fire before Drain overwrites the first: the
// slot records "detected since last tick", not a count.
type Trigger struct {
	kind types.EventType
	slot atomic.Int64 // unix nanos of the pending trigger, 0 when empty
}

func NewTrigger(kind types.EventType) *Trigger {
	return &Trigger{kind: kind}
}

func (t *Trigger) Kind() types.EventType { return t.kind }

// Fire records a detection at ts. A zero ts is replaced by time.Now.
func (t *Trigger) Fire(ts time.Time) {
	if ts.IsZero() {
		ts = time.Now()
	}
	n := ts.UnixNano()
	if n == 0 {
		n = 1
	}
	t.slot.Store(n)
}

// Drain clears the slot and returns the pending detection, if any.
func (t *Trigger) Drain() (time.Time, bool) {
	n := t.slot.Swap(0)
	if n == 0 {
		return time.Time{}, false
	}
	return time.Unix(0, n).UTC(), true
}

// Pending reports whether a detection is waiting without clearing it.
func (t *Trigger) Pending() bool {
	return t.slot.Load() != 0
}

// Pair holds the entry and exit triggers of one door.
type Pair struct {
	Entry *Trigger
	Exit  *Trigger
}

func NewPair() Pair {
	return Pair{
		Entry: NewTrigger(types.EventEntry),
		Exit:  NewTrigger(types.EventExit),
	}
}

// For returns the trigger for kind, or nil for an unknown kind.
func (p Pair) For(kind types.EventType) *Trigger {
	switch kind {
	case types.EventEntry:
		return p.Entry
	case types.EventExit:
		return p.Exit
	default:
		return nil
	}
}
