package store

import (
	"context"
	"errors"

	"github.com/BrandonDHaskell/paxcount/device/internal/paxcount/types"
)

var ErrNoToken = errors.New("no persisted token")

// TokenStore persists the bearer credential across power cycles.
type TokenStore interface {
	LoadToken(ctx context.Context) (types.AuthToken, error)
	SaveToken(ctx context.Context, tok types.AuthToken) error
	DeleteToken(ctx context.Context) error
}
