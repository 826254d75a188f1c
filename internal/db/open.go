package db

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// MemoryPath opens a private in-memory database. Used by tests and by
// `run --ephemeral`.
const MemoryPath = ":memory:"

type Config struct {
	Path string // e.g. "./data/paxcount.db"
	Env  string // "dev" | "prod"
}

// Open opens the device database and applies pending migrations. The
// database only holds diagnostics (the sync journal) and the trip config
// cache; passenger events live in the binary event log.
func Open(ctx context.Context, cfg Config) (*sql.DB, error) {
	if cfg.Path == "" {
		cfg.Path = "./data/paxcount.db"
	}
	if cfg.Env == "" {
		cfg.Env = "dev"
	}

	var dsn string
	if cfg.Path == MemoryPath {
		dsn = "file::memory:?_pragma=foreign_keys(1)"
	} else {
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
			return nil, fmt.Errorf("mkdir db dir: %w", err)
		}
		// Flash storage on the device: WAL keeps writes sequential and
		// synchronous NORMAL avoids an fsync per journal row.
		dsn = fmt.Sprintf(
			"file:%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)",
			cfg.Path,
		)
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sql.Open: %w", err)
	}

	// One connection: writes go through Worker and an in-memory database
	// only exists on the connection that created it.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("db ping: %w", err)
	}

	if err := Migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}

	return db, nil
}
