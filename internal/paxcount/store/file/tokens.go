package file

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/BrandonDHaskell/paxcount/device/internal/paxcount/store"
	"github.com/BrandonDHaskell/paxcount/device/internal/paxcount/types"
)

const TokenFileName = "auth_token.json"

// TokenFile persists the bearer token as a small JSON document with
// owner-only permissions.
type TokenFile struct {
	mu   sync.Mutex
	path string
}

var _ store.TokenStore = (*TokenFile)(nil)

func NewTokenFile(dir string) *TokenFile {
	return &TokenFile{path: filepath.Join(dir, TokenFileName)}
}

func (t *TokenFile) Path() string { return t.path }

func (t *TokenFile) LoadToken(ctx context.Context) (types.AuthToken, error) {
	if err := ctx.Err(); err != nil {
		return types.AuthToken{}, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	b, err := os.ReadFile(t.path)
	if errors.Is(err, fs.ErrNotExist) {
		return types.AuthToken{}, store.ErrNoToken
	}
	if err != nil {
		return types.AuthToken{}, fmt.Errorf("read token: %w", err)
	}

	var tok types.AuthToken
	if err := json.Unmarshal(b, &tok); err != nil {
		return types.AuthToken{}, fmt.Errorf("decode token: %w", err)
	}
	if tok.AccessToken == "" {
		return types.AuthToken{}, store.ErrNoToken
	}
	tok.Valid = true
	return tok, nil
}

func (t *TokenFile) SaveToken(ctx context.Context, tok types.AuthToken) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b, err := json.Marshal(tok)
	if err != nil {
		return fmt.Errorf("encode token: %w", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(t.path), 0o755); err != nil {
		return fmt.Errorf("mkdir token dir: %w", err)
	}
	tmp := t.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("write token: %w", err)
	}
	if err := os.Rename(tmp, t.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rename token: %w", err)
	}
	syncDir(filepath.Dir(t.path))
	return nil
}

func (t *TokenFile) DeleteToken(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := os.Remove(t.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("delete token: %w", err)
	}
	return nil
}
