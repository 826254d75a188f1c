package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// SeedTripConfig stores a trip config row unless one already exists for the
// trip. Dev runs use it so pricing has a cached config before the first
// successful fetch.
func SeedTripConfig(ctx context.Context, db *sql.DB, tripID, routeID int64, capacity int, basePrice float64) error {
	if tripID <= 0 || capacity <= 0 || basePrice <= 0 {
		return fmt.Errorf("seed trip config: invalid values (trip=%d capacity=%d price=%v)", tripID, capacity, basePrice)
	}
	if _, err := db.ExecContext(ctx, `
INSERT OR IGNORE INTO trip_configs(trip_id, route_id, bus_capacity, base_price, fetched_at_ms)
VALUES (?, ?, ?, ?, ?);`,
		tripID, routeID, capacity, basePrice, time.Now().UTC().UnixMilli(),
	); err != nil {
		return fmt.Errorf("seed trip config %d: %w", tripID, err)
	}
	return nil
}
