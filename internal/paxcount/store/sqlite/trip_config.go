package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	dbpkg "github.com/BrandonDHaskell/paxcount/device/internal/db"
	"github.com/BrandonDHaskell/paxcount/device/internal/paxcount/store"
	"github.com/BrandonDHaskell/paxcount/device/internal/paxcount/types"
)

type TripConfigStore struct {
	db     *sql.DB
	writer *dbpkg.Worker
}

var _ store.TripConfigStore = (*TripConfigStore)(nil)

func NewTripConfigStore(db *sql.DB, writer *dbpkg.Worker) *TripConfigStore {
	return &TripConfigStore{db: db, writer: writer}
}

// SaveTripConfig upserts cfg keyed by trip id. Invalid configs are refused
// so the cache only ever holds something pricing can use.
func (s *TripConfigStore) SaveTripConfig(ctx context.Context, cfg types.TripConfig, fetchedAt time.Time) error {
	if !cfg.Valid() {
		return fmt.Errorf("SaveTripConfig: invalid config for trip %d", cfg.TripID)
	}
	if fetchedAt.IsZero() {
		fetchedAt = time.Now().UTC()
	}
	fetchedMs := fetchedAt.UTC().UnixMilli()

	return s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO trip_configs(trip_id, route_id, bus_capacity, base_price, fetched_at_ms)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(trip_id) DO UPDATE SET
  route_id = excluded.route_id,
  bus_capacity = excluded.bus_capacity,
  base_price = excluded.base_price,
  fetched_at_ms = excluded.fetched_at_ms;
`, cfg.TripID, cfg.RouteID, cfg.BusCapacity, cfg.BasePrice, fetchedMs); err != nil {
			return fmt.Errorf("SaveTripConfig upsert: %w", err)
		}
		return nil
	})
}

// LatestTripConfig returns the most recently fetched config.
func (s *TripConfigStore) LatestTripConfig(ctx context.Context) (types.TripConfig, error) {
	var cfg types.TripConfig
	err := s.db.QueryRowContext(ctx, `
SELECT trip_id, route_id, bus_capacity, base_price
FROM trip_configs
ORDER BY fetched_at_ms DESC, trip_id DESC
LIMIT 1;
`).Scan(&cfg.TripID, &cfg.RouteID, &cfg.BusCapacity, &cfg.BasePrice)
	if errors.Is(err, sql.ErrNoRows) {
		return types.TripConfig{}, store.ErrNoTripConfig
	}
	if err != nil {
		return types.TripConfig{}, fmt.Errorf("LatestTripConfig: %w", err)
	}
	return cfg, nil
}
