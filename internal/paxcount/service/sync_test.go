package service_test

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/BrandonDHaskell/paxcount/device/internal/paxcount/remote"
	"github.com/BrandonDHaskell/paxcount/device/internal/paxcount/service"
	"github.com/BrandonDHaskell/paxcount/device/internal/paxcount/store"
	"github.com/BrandonDHaskell/paxcount/device/internal/paxcount/store/memory"
	"github.com/BrandonDHaskell/paxcount/device/internal/paxcount/types"
)

// ═══════════════════════════════════════════════════════════════════════════
// SyncEvents — gating
// ═══════════════════════════════════════════════════════════════════════════

func TestSyncEvents_NoopWhenNothingPending(t *testing.T) {
	f := newFixture(t)

	res, err := f.sync.SyncEvents(context.Background(), 1)
	if err != nil {
		t.Fatalf("SyncEvents: %v", err)
	}
	if res.Sent != 0 || len(f.server.calls) != 0 {
		t.Errorf("expected no calls, got %v", f.server.calls)
	}
}

func TestSyncEvents_OfflineWithoutToken(t *testing.T) {
	f := newFixture(t)
	f.appendEvents(t, 2)

	res, err := f.sync.SyncEvents(context.Background(), 1)
	if !errors.Is(err, service.ErrNotAuthenticated) {
		t.Fatalf("err = %v, want ErrNotAuthenticated", err)
	}
	if res.Remaining != 2 {
		t.Errorf("Remaining = %d, want 2", res.Remaining)
	}
	if len(f.server.calls) != 0 {
		t.Errorf("no server calls expected, got %v", f.server.calls)
	}
	if len(f.journal.Attempts()) != 0 {
		t.Error("offline refusal must not be journalled")
	}
}

// ═══════════════════════════════════════════════════════════════════════════
// SyncEvents — success path
// ═══════════════════════════════════════════════════════════════════════════

func TestSyncEvents_SendsOneBoundedBatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_ = f.auth.Authenticate(ctx)
	f.appendEvents(t, 5)

	res, err := f.sync.SyncEvents(ctx, 7)
	if err != nil {
		t.Fatalf("SyncEvents: %v", err)
	}
	if res.Sent != 3 || res.Acked != 3 || res.Remaining != 2 {
		t.Errorf("res = %+v, want sent 3 acked 3 remaining 2", res)
	}

	req := f.server.syncReqs[0]
	if req.TripID != 7 {
		t.Errorf("TripID = %d", req.TripID)
	}
	var ids []uint32
	for _, ev := range req.Events {
		ids = append(ids, ev.LocalID)
		if ev.EventType != "entry" {
			t.Errorf("EventType = %q", ev.EventType)
		}
	}
	if !reflect.DeepEqual(ids, []uint32{1, 2, 3}) {
		t.Errorf("ids = %v", ids)
	}
	if f.server.syncTokens[0] != "tok-1" {
		t.Errorf("token = %q", f.server.syncTokens[0])
	}
}

func TestSyncEvents_AdvancesToServerAck(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_ = f.auth.Authenticate(ctx)
	f.appendEvents(t, 3)
	f.server.syncFn = func(req types.SyncEventsRequest) (types.SyncEventsResponse, error) {
		return types.SyncEventsResponse{SyncedCount: 2, LastSyncedLocalID: 2}, nil
	}

	res, err := f.sync.SyncEvents(ctx, 1)
	if err != nil {
		t.Fatalf("SyncEvents: %v", err)
	}
	if res.Acked != 2 || f.events.UnsyncedCount() != 1 {
		t.Errorf("acked %d, unsynced %d; want 2 and 1", res.Acked, f.events.UnsyncedCount())
	}

	attempts := f.journal.Attempts()
	last := attempts[len(attempts)-1]
	if last.Kind != store.AttemptEvents || !last.OK || last.Count != 3 || last.LastLocalID != 2 {
		t.Errorf("journal entry = %+v", last)
	}
}

func TestSyncEvents_ClampsAckBeyondBatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_ = f.auth.Authenticate(ctx)
	f.appendEvents(t, 5)
	f.server.syncFn = func(req types.SyncEventsRequest) (types.SyncEventsResponse, error) {
		return types.SyncEventsResponse{SyncedCount: 3, LastSyncedLocalID: 99}, nil
	}

	res, err := f.sync.SyncEvents(ctx, 1)
	if err != nil {
		t.Fatalf("SyncEvents: %v", err)
	}
	if res.Acked != 3 {
		t.Errorf("Acked = %d, want clamp to 3", res.Acked)
	}
	if f.events.UnsyncedCount() != 2 {
		t.Errorf("unsynced = %d, want 2", f.events.UnsyncedCount())
	}
}

func TestSyncAll_DrainsInBatches(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_ = f.auth.Authenticate(ctx)
	f.appendEvents(t, 7)

	res, err := f.sync.SyncAll(ctx, 1, 10)
	if err != nil {
		t.Fatalf("SyncAll: %v", err)
	}
	if res.Sent != 7 || res.Remaining != 0 || res.Acked != 7 {
		t.Errorf("res = %+v", res)
	}
	if n := f.server.count("events"); n != 3 {
		t.Errorf("events calls = %d, want 3", n)
	}
}

func TestSyncAll_StopsAtMaxBatches(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_ = f.auth.Authenticate(ctx)
	f.appendEvents(t, 9)

	res, err := f.sync.SyncAll(ctx, 1, 2)
	if err != nil {
		t.Fatalf("SyncAll: %v", err)
	}
	if res.Sent != 6 || res.Remaining != 3 {
		t.Errorf("res = %+v, want 6 sent and 3 remaining", res)
	}
	if n := f.server.count("events"); n != 2 {
		t.Errorf("events calls = %d, want 2", n)
	}
}

func TestSyncAll_NonPositiveMaxSendsOneBatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_ = f.auth.Authenticate(ctx)
	f.appendEvents(t, 9)

	for _, max := range []int{0, -1} {
		before := f.server.count("events")
		if _, err := f.sync.SyncAll(ctx, 1, max); err != nil {
			t.Fatalf("SyncAll(%d): %v", max, err)
		}
		if n := f.server.count("events") - before; n != 1 {
			t.Errorf("SyncAll(%d) made %d events calls, want 1", max, n)
		}
	}
	if f.events.UnsyncedCount() != 3 {
		t.Errorf("unsynced = %d, want 3", f.events.UnsyncedCount())
	}
}

// ═══════════════════════════════════════════════════════════════════════════
// SyncEvents — failures
// ═══════════════════════════════════════════════════════════════════════════

func TestSyncEvents_TransportFailureLeavesLog(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_ = f.auth.Authenticate(ctx)
	f.appendEvents(t, 2)
	f.server.syncFn = func(types.SyncEventsRequest) (types.SyncEventsResponse, error) {
		return types.SyncEventsResponse{}, remote.ErrMalformedResponse
	}

	_, err := f.sync.SyncEvents(ctx, 1)
	if !errors.Is(err, remote.ErrTransport) {
		t.Fatalf("err = %v, want transport failure", err)
	}
	if f.events.UnsyncedCount() != 2 {
		t.Error("log must be untouched")
	}
	if !f.auth.IsAuthenticated() {
		t.Error("transport failure must not clear the token")
	}
}

// A 401 on upload clears the token; the next AccessToken call must
// authenticate before any further /iot/events request goes out.
func TestSyncEvents_UnauthorizedForcesReauthBeforeNextUpload(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_ = f.auth.Authenticate(ctx)
	f.appendEvents(t, 2)

	f.server.syncFn = func(types.SyncEventsRequest) (types.SyncEventsResponse, error) {
		return types.SyncEventsResponse{}, remote.ErrUnauthorized
	}
	_, err := f.sync.SyncEvents(ctx, 1)
	if !errors.Is(err, remote.ErrUnauthorized) {
		t.Fatalf("err = %v, want ErrUnauthorized", err)
	}
	if f.auth.IsAuthenticated() {
		t.Fatal("token must be cleared after 401")
	}
	if _, err := f.tokens.LoadToken(ctx); !errors.Is(err, store.ErrNoToken) {
		t.Errorf("persisted token must be deleted, err = %v", err)
	}
	if f.events.UnsyncedCount() != 2 {
		t.Error("log must be untouched after 401")
	}

	// Still gated: no upload without re-authentication.
	if _, err := f.sync.SyncEvents(ctx, 1); !errors.Is(err, service.ErrNotAuthenticated) {
		t.Fatalf("err = %v, want ErrNotAuthenticated", err)
	}

	f.server.syncFn = nil
	f.server.authResp.AccessToken = "tok-2"
	if got := f.auth.AccessToken(ctx); got != "tok-2" {
		t.Fatalf("AccessToken = %q, want tok-2", got)
	}
	if _, err := f.sync.SyncEvents(ctx, 1); err != nil {
		t.Fatalf("SyncEvents after reauth: %v", err)
	}

	want := []string{"auth", "events", "auth", "events"}
	if !reflect.DeepEqual(f.server.calls, want) {
		t.Errorf("call order = %v, want %v", f.server.calls, want)
	}
	if f.server.syncTokens[1] != "tok-2" {
		t.Errorf("second upload used %q", f.server.syncTokens[1])
	}
}

// ═══════════════════════════════════════════════════════════════════════════
// Compaction after sync
// ═══════════════════════════════════════════════════════════════════════════

func TestSyncEvents_CompactsWhenMostlySynced(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ring := memory.NewRing(10)
	f.events = ring
	f.sync = service.NewSyncCoordinator(ring, f.auth, f.server, f.trips, f.journal, service.SyncConfig{
		BatchSize: 10,
		Clock:     f.clock.Now,
	}, silentLogger())
	_ = f.auth.Authenticate(ctx)
	f.appendEvents(t, 9)
	f.server.syncFn = func(types.SyncEventsRequest) (types.SyncEventsResponse, error) {
		return types.SyncEventsResponse{SyncedCount: 8, LastSyncedLocalID: 8}, nil
	}

	res, err := f.sync.SyncEvents(ctx, 1)
	if err != nil {
		t.Fatalf("SyncEvents: %v", err)
	}
	if !res.Compacted {
		t.Error("expected compaction at 90% usage with 1/9 unsynced")
	}
	if ring.Count() != 1 {
		t.Errorf("Count = %d, want 1", ring.Count())
	}
}

// ═══════════════════════════════════════════════════════════════════════════
// Price and config
// ═══════════════════════════════════════════════════════════════════════════

func TestSendPriceRecommendation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if err := f.sync.SendPriceRecommendation(ctx, 1, types.PriceRecommendation{}); !errors.Is(err, service.ErrNotAuthenticated) {
		t.Fatalf("err = %v, want ErrNotAuthenticated", err)
	}

	_ = f.auth.Authenticate(ctx)
	rec := types.PriceRecommendation{BasePrice: 200, RecommendedPrice: 220}
	if err := f.sync.SendPriceRecommendation(ctx, 4, rec); err != nil {
		t.Fatalf("SendPriceRecommendation: %v", err)
	}
	if got := f.server.priceReqs[0]; got.TripID != 4 || got.RecommendedPrice != 220 {
		t.Errorf("request = %+v", got)
	}

	f.server.priceErr = remote.ErrUnauthorized
	_ = f.sync.SendPriceRecommendation(ctx, 4, rec)
	if f.auth.IsAuthenticated() {
		t.Error("401 on price must clear the token")
	}
}

func TestFetchTripConfig_CachesValid(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_ = f.auth.Authenticate(ctx)

	cfg, err := f.sync.FetchTripConfig(ctx, 1)
	if err != nil {
		t.Fatalf("FetchTripConfig: %v", err)
	}
	cached, err := f.trips.LatestTripConfig(ctx)
	if err != nil {
		t.Fatalf("LatestTripConfig: %v", err)
	}
	if cached != cfg {
		t.Errorf("cached %+v, want %+v", cached, cfg)
	}
}

func TestFetchTripConfig_InvalidNotCached(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_ = f.auth.Authenticate(ctx)
	f.server.config = types.TripConfig{TripID: 1, BusCapacity: 0, BasePrice: 200}

	_, err := f.sync.FetchTripConfig(ctx, 1)
	if !errors.Is(err, service.ErrInvalidTripConfig) {
		t.Fatalf("err = %v, want ErrInvalidTripConfig", err)
	}
	if _, err := f.trips.LatestTripConfig(ctx); !errors.Is(err, store.ErrNoTripConfig) {
		t.Errorf("invalid config must not be cached, err = %v", err)
	}
}
