package memory_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BrandonDHaskell/paxcount/device/internal/paxcount/store"
	"github.com/BrandonDHaskell/paxcount/device/internal/paxcount/store/memory"
	"github.com/BrandonDHaskell/paxcount/device/internal/paxcount/types"
)

func fill(t *testing.T, r *memory.Ring, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, err := r.Append(context.Background(), types.PassengerEvent{Type: types.EventEntry, Timestamp: int64(i)})
		require.NoError(t, err)
	}
}

func ids(evs []types.PassengerEvent) []uint32 {
	out := make([]uint32, len(evs))
	for i, ev := range evs {
		out[i] = ev.LocalID
	}
	return out
}

// ═══════════════════════════════════════════════════════════════════════════
// Ring — capacity and eviction
// ═══════════════════════════════════════════════════════════════════════════

func TestRing_OverflowEvictsOldest(t *testing.T) {
	r := memory.NewRing(100)
	fill(t, r, 130)

	assert.Equal(t, 100, r.Count())

	batch, err := r.UnsyncedBatch(context.Background(), 1000)
	require.NoError(t, err)
	require.Len(t, batch, 100)
	assert.Equal(t, uint32(31), batch[0].LocalID)
	assert.Equal(t, uint32(130), batch[99].LocalID)
}

func TestRing_EvictsSyncedAndUnsyncedAlike(t *testing.T) {
	r := memory.NewRing(3)
	fill(t, r, 3)
	require.NoError(t, r.MarkSynced(context.Background(), 1))

	fill(t, r, 2)

	batch, err := r.UnsyncedBatch(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, []uint32{3, 4, 5}, ids(batch))
}

// ═══════════════════════════════════════════════════════════════════════════
// Ring — sync flags and compaction
// ═══════════════════════════════════════════════════════════════════════════

func TestRing_MarkSyncedAndCompact(t *testing.T) {
	ctx := context.Background()
	r := memory.NewRing(10)
	fill(t, r, 6)

	require.NoError(t, r.MarkSynced(ctx, 4))
	assert.Equal(t, 2, r.UnsyncedCount())
	assert.Equal(t, 6, r.Count())

	require.NoError(t, r.Compact(ctx))
	assert.Equal(t, 2, r.Count())

	batch, err := r.UnsyncedBatch(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, []uint32{5, 6}, ids(batch))

	id, err := r.Append(ctx, types.PassengerEvent{Type: types.EventExit})
	require.NoError(t, err)
	assert.Equal(t, uint32(7), id)
}

func TestRing_BatchBounded(t *testing.T) {
	r := memory.NewRing(10)
	fill(t, r, 5)

	batch, err := r.UnsyncedBatch(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, []uint32{1, 2}, ids(batch))
}

func TestRing_ClearKeepsIDs(t *testing.T) {
	ctx := context.Background()
	r := memory.NewRing(10)
	fill(t, r, 3)

	require.NoError(t, r.Clear(ctx))
	assert.Equal(t, 0, r.Count())
	assert.Equal(t, 0, r.UnsyncedCount())

	id, err := r.Append(ctx, types.PassengerEvent{Type: types.EventEntry})
	require.NoError(t, err)
	assert.Equal(t, uint32(4), id)
}

func TestRing_Stats(t *testing.T) {
	r := memory.NewRing(0)
	fill(t, r, 4)
	require.NoError(t, r.MarkSynced(context.Background(), 1))

	s := r.Stats()
	assert.Equal(t, "memory", s.Backend)
	assert.False(t, s.Durable)
	assert.Equal(t, memory.DefaultRingCapacity, s.Capacity)
	assert.Equal(t, 4, s.Count)
	assert.Equal(t, 3, s.Unsynced)
}

// ═══════════════════════════════════════════════════════════════════════════
// SyncJournal
// ═══════════════════════════════════════════════════════════════════════════

func TestSyncJournal_RecentNewestFirstAndPrune(t *testing.T) {
	ctx := context.Background()
	j := memory.NewSyncJournal()
	base := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

	for i := 0; i < 4; i++ {
		require.NoError(t, j.RecordAttempt(ctx, store.SyncAttempt{
			ID:        string(rune('a' + i)),
			Kind:      store.AttemptEvents,
			StartedAt: base.Add(time.Duration(i) * time.Hour),
		}))
	}

	recent, err := j.Recent(ctx, 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "d", recent[0].ID)
	assert.Equal(t, "c", recent[1].ID)

	n, err := j.PruneOlderThan(ctx, base.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.Len(t, j.Attempts(), 2)
}

// ═══════════════════════════════════════════════════════════════════════════
// TokenStore / TripConfigStore
// ═══════════════════════════════════════════════════════════════════════════

func TestTokenStore_Lifecycle(t *testing.T) {
	ctx := context.Background()
	s := memory.NewTokenStore()

	_, err := s.LoadToken(ctx)
	assert.ErrorIs(t, err, store.ErrNoToken)

	require.NoError(t, s.SaveToken(ctx, types.AuthToken{AccessToken: "tok", ExpiresAt: 99}))
	got, err := s.LoadToken(ctx)
	require.NoError(t, err)
	assert.Equal(t, "tok", got.AccessToken)
	assert.True(t, got.Valid)

	require.NoError(t, s.DeleteToken(ctx))
	_, err = s.LoadToken(ctx)
	assert.ErrorIs(t, err, store.ErrNoToken)
}

func TestTripConfigStore_Latest(t *testing.T) {
	ctx := context.Background()
	s := memory.NewTripConfigStore()

	_, err := s.LatestTripConfig(ctx)
	assert.ErrorIs(t, err, store.ErrNoTripConfig)

	cfg := types.TripConfig{TripID: 3, RouteID: 8, BusCapacity: 60, BasePrice: 250}
	require.NoError(t, s.SaveTripConfig(ctx, cfg, time.Now()))
	got, err := s.LatestTripConfig(ctx)
	require.NoError(t, err)
	assert.Equal(t, cfg, got)
}
