// Package memory holds the in-process stores: the fallback event ring used
// when durable storage cannot be opened, plus map/slice backed versions of
// the other store interfaces for tests and dev runs.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/BrandonDHaskell/paxcount/device/internal/paxcount/store"
	"github.com/BrandonDHaskell/paxcount/device/internal/paxcount/types"
)

const DefaultRingCapacity = 100

// Ring is a fixed-capacity EventLog. When full, Append evicts the oldest
// record whether or not it has been synced; nothing survives a restart.
type Ring struct {
	mu     sync.Mutex
	buf    []types.PassengerEvent
	head   int // index of the oldest record
	n      int
	nextID uint32
}

var _ store.EventLog = (*Ring)(nil)

func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		capacity = DefaultRingCapacity
	}
	return &Ring{
		buf:    make([]types.PassengerEvent, capacity),
		nextID: 1,
	}
}

func (r *Ring) at(i int) *types.PassengerEvent {
	return &r.buf[(r.head+i)%len(r.buf)]
}

func (r *Ring) Append(ctx context.Context, ev types.PassengerEvent) (uint32, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if !ev.Type.Valid() {
		return 0, fmt.Errorf("Append: %w: type %d", store.ErrInvalidEvent, ev.Type)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	ev.LocalID = r.nextID
	ev.Synced = false
	r.nextID++

	if r.n == len(r.buf) {
		r.buf[r.head] = ev
		r.head = (r.head + 1) % len(r.buf)
		return ev.LocalID, nil
	}
	*r.at(r.n) = ev
	r.n++
	return ev.LocalID, nil
}

func (r *Ring) UnsyncedBatch(ctx context.Context, max int) ([]types.PassengerEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []types.PassengerEvent
	for i := 0; i < r.n && len(out) < max; i++ {
		if ev := r.at(i); !ev.Synced {
			out = append(out, *ev)
		}
	}
	return out, nil
}

// MarkSynced flags every record with LocalID <= uptoLocalID.
func (r *Ring) MarkSynced(ctx context.Context, uptoLocalID uint32) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := 0; i < r.n; i++ {
		if ev := r.at(i); ev.LocalID <= uptoLocalID {
			ev.Synced = true
		}
	}
	return nil
}

// Compact drops synced records and packs the rest to the front.
func (r *Ring) Compact(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	kept := make([]types.PassengerEvent, len(r.buf))
	k := 0
	for i := 0; i < r.n; i++ {
		if ev := r.at(i); !ev.Synced {
			kept[k] = *ev
			k++
		}
	}
	r.buf = kept
	r.head = 0
	r.n = k
	return nil
}

func (r *Ring) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.n
}

func (r *Ring) UnsyncedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := 0
	for i := 0; i < r.n; i++ {
		if !r.at(i).Synced {
			c++
		}
	}
	return c
}

// Clear empties the ring. Local ids keep counting from where they were.
func (r *Ring) Clear(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	clear(r.buf)
	r.head = 0
	r.n = 0
	return nil
}

func (r *Ring) Stats() store.LogStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	unsynced := 0
	for i := 0; i < r.n; i++ {
		if !r.at(i).Synced {
			unsynced++
		}
	}
	return store.LogStats{
		Backend:     "memory",
		Durable:     false,
		Count:       r.n,
		Unsynced:    unsynced,
		Capacity:    len(r.buf),
		NextLocalID: r.nextID,
	}
}

func (r *Ring) Close() error { return nil }
