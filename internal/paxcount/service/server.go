package service

import (
	"context"
	"errors"
	"time"

	"github.com/BrandonDHaskell/paxcount/device/internal/paxcount/types"
)

var (
	// ErrNotAuthenticated gates every outbound data call: there is no valid
	// token, so the device cannot sync and keeps buffering.
	ErrNotAuthenticated = errors.New("cannot sync offline: not authenticated")

	// ErrOffline is returned for operator requests made while the device is
	// in OFFLINE mode.
	ErrOffline = errors.New("device is offline")

	ErrInvalidTripConfig = errors.New("server returned an invalid trip config")
)

// Server is the remote side of the sync protocol. *remote.Client implements
// it; tests substitute fakes.
type Server interface {
	AuthenticateDevice(ctx context.Context, req types.DeviceAuthRequest) (types.DeviceAuthResponse, error)
	SyncEvents(ctx context.Context, token string, req types.SyncEventsRequest) (types.SyncEventsResponse, error)
	SendPriceRecommendation(ctx context.Context, token string, req types.PriceRecommendationRequest) error
	FetchTripConfig(ctx context.Context, token string, tripID int64) (types.TripConfig, error)
	Probe(ctx context.Context) error
}

// Clock returns the current time. Components default to time.Now.
type Clock func() time.Time

func (c Clock) now() time.Time {
	if c == nil {
		return time.Now().UTC()
	}
	return c().UTC()
}
