package sqlite_test

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/BrandonDHaskell/paxcount/device/internal/db"
)

// openTestDB returns an in-memory SQLite connection carrying the production
// schema. The connection is closed automatically when the test finishes.
func openTestDB(t *testing.T) *sql.DB {
	t.Helper()

	// Shared cache keeps the database alive for the lifetime of the pool.
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:test_%s?mode=memory&cache=shared&_pragma=foreign_keys(1)", name)

	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		t.Fatalf("openTestDB: sql.Open: %v", err)
	}
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)
	conn.SetConnMaxLifetime(0)

	if err := conn.Ping(); err != nil {
		conn.Close()
		t.Fatalf("openTestDB: ping: %v", err)
	}
	if err := db.Migrate(context.Background(), conn); err != nil {
		conn.Close()
		t.Fatalf("openTestDB: migrate: %v", err)
	}

	t.Cleanup(func() { conn.Close() })
	return conn
}

// newTestWriter returns a db.Worker backed by conn, closed when the test
// finishes.
func newTestWriter(t *testing.T, conn *sql.DB) *db.Worker {
	t.Helper()

	w := db.NewWorker(conn, 0)
	t.Cleanup(func() { w.Close() })
	return w
}
