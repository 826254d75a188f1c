package sqlite_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/BrandonDHaskell/paxcount/device/internal/db"
	"github.com/BrandonDHaskell/paxcount/device/internal/paxcount/store"
	sqlitestore "github.com/BrandonDHaskell/paxcount/device/internal/paxcount/store/sqlite"
	"github.com/BrandonDHaskell/paxcount/device/internal/paxcount/types"
)

func TestTripConfigStore_LatestEmpty(t *testing.T) {
	conn := openTestDB(t)
	s := sqlitestore.NewTripConfigStore(conn, newTestWriter(t, conn))

	_, err := s.LatestTripConfig(context.Background())
	if !errors.Is(err, store.ErrNoTripConfig) {
		t.Fatalf("err = %v, want ErrNoTripConfig", err)
	}
}

func TestTripConfigStore_SaveAndLatest(t *testing.T) {
	conn := openTestDB(t)
	s := sqlitestore.NewTripConfigStore(conn, newTestWriter(t, conn))
	ctx := context.Background()
	t0 := time.Date(2026, 3, 1, 6, 0, 0, 0, time.UTC)

	first := types.TripConfig{TripID: 1, RouteID: 4, BusCapacity: 50, BasePrice: 200}
	second := types.TripConfig{TripID: 2, RouteID: 4, BusCapacity: 40, BasePrice: 250}
	if err := s.SaveTripConfig(ctx, first, t0); err != nil {
		t.Fatalf("save first: %v", err)
	}
	if err := s.SaveTripConfig(ctx, second, t0.Add(time.Hour)); err != nil {
		t.Fatalf("save second: %v", err)
	}

	got, err := s.LatestTripConfig(ctx)
	if err != nil {
		t.Fatalf("LatestTripConfig: %v", err)
	}
	if got != second {
		t.Errorf("got %+v, want %+v", got, second)
	}

	// Refetching trip 1 makes it the latest again.
	first.BasePrice = 220
	if err := s.SaveTripConfig(ctx, first, t0.Add(2*time.Hour)); err != nil {
		t.Fatalf("save first again: %v", err)
	}
	got, err = s.LatestTripConfig(ctx)
	if err != nil {
		t.Fatalf("LatestTripConfig: %v", err)
	}
	if got != first {
		t.Errorf("got %+v, want %+v", got, first)
	}
}

func TestTripConfigStore_RejectsInvalid(t *testing.T) {
	conn := openTestDB(t)
	s := sqlitestore.NewTripConfigStore(conn, newTestWriter(t, conn))

	err := s.SaveTripConfig(context.Background(), types.TripConfig{TripID: 1, BusCapacity: 0, BasePrice: 200}, time.Now())
	if err == nil {
		t.Fatal("expected error for zero capacity")
	}
}

func TestSeedTripConfig_DoesNotOverwrite(t *testing.T) {
	conn := openTestDB(t)
	s := sqlitestore.NewTripConfigStore(conn, newTestWriter(t, conn))
	ctx := context.Background()

	fetched := types.TripConfig{TripID: 1, RouteID: 9, BusCapacity: 45, BasePrice: 210}
	if err := s.SaveTripConfig(ctx, fetched, time.Now()); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := db.SeedTripConfig(ctx, conn, 1, 0, 50, 200); err != nil {
		t.Fatalf("SeedTripConfig: %v", err)
	}

	got, err := s.LatestTripConfig(ctx)
	if err != nil {
		t.Fatalf("LatestTripConfig: %v", err)
	}
	if got != fetched {
		t.Errorf("seed overwrote cache: got %+v", got)
	}
}
