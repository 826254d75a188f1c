package store

import (
	"context"
	"errors"
	"time"

	"github.com/BrandonDHaskell/paxcount/device/internal/paxcount/types"
)

var ErrNoTripConfig = errors.New("no cached trip config")

// TripConfigStore caches the last valid trip configuration so the device
// keeps pricing on last-known values while offline.
type TripConfigStore interface {
	SaveTripConfig(ctx context.Context, cfg types.TripConfig, fetchedAt time.Time) error
	LatestTripConfig(ctx context.Context) (types.TripConfig, error)
}
