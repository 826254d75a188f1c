package memory

import (
	"context"
	"sync"

	"github.com/BrandonDHaskell/paxcount/device/internal/paxcount/store"
	"github.com/BrandonDHaskell/paxcount/device/internal/paxcount/types"
)

type TokenStore struct {
	mu  sync.Mutex
	tok *types.AuthToken
}

func NewTokenStore() *TokenStore {
	return &TokenStore{}
}

func (s *TokenStore) LoadToken(_ context.Context) (types.AuthToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tok == nil {
		return types.AuthToken{}, store.ErrNoToken
	}
	tok := *s.tok
	tok.Valid = true
	return tok, nil
}

func (s *TokenStore) SaveToken(_ context.Context, tok types.AuthToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tok = &tok
	return nil
}

func (s *TokenStore) DeleteToken(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tok = nil
	return nil
}
