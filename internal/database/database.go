package database

import (
	"database/sql"
	"fmt"

	"github.com/bryan-buckman/planet/internal/cache"
	_ "modernc.org/sqlite"
)

// DB wraps the SQLite connection.
type DB struct {
	sqlStore
}

// Ensure DB implements the cache Store interface.
var _ cache.Store = (*DB)(nil)

// New opens or creates an SQLite database at the given path.
func New(path string) (*DB, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// Enable WAL mode for better concurrency.
	if _, err := conn.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("set wal mode: %w", err)
	}
	db := &DB{sqlStore{
		conn:     conn,
		name:     "SQLite",
		location: "sqlite:" + path,
		bind:     func(q string) string { return q },
	}}
	if err := db.migrate("BLOB"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return db, nil
}

// SupportsHighConcurrency returns false; SQLite serialises writers.
func (db *DB) SupportsHighConcurrency() bool {
	return false
}
