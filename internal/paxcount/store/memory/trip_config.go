package memory

import (
	"context"
	"sync"
	"time"

	"github.com/BrandonDHaskell/paxcount/device/internal/paxcount/store"
	"github.com/BrandonDHaskell/paxcount/device/internal/paxcount/types"
)

type TripConfigStore struct {
	mu  sync.RWMutex
	cfg *types.TripConfig
}

func NewTripConfigStore() *TripConfigStore {
	return &TripConfigStore{}
}

func (s *TripConfigStore) SaveTripConfig(_ context.Context, cfg types.TripConfig, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = &cfg
	return nil
}

func (s *TripConfigStore) LatestTripConfig(_ context.Context) (types.TripConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.cfg == nil {
		return types.TripConfig{}, store.ErrNoTripConfig
	}
	return *s.cfg, nil
}
