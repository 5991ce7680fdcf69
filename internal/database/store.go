// Package database provides SQL storage backends for the feed cache.
package database

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bryan-buckman/planet/internal/cache"
)

// sqlStore holds the queries shared by the SQLite and PostgreSQL backends.
// Queries are written with "?" placeholders and rewritten by bind.
type sqlStore struct {
	conn     *sql.DB
	name     string
	location string
	bind     func(query string) string
}

func (s *sqlStore) Close() error {
	return s.conn.Close()
}

func (s *sqlStore) Backend() string {
	return s.name
}

func (s *sqlStore) Location(uri string) string {
	return s.location + "#" + uri
}

func (s *sqlStore) ioError(op, uri string, err error) error {
	return &cache.CacheIOError{Op: op, Path: s.Location(uri), Err: err}
}

// Load returns the cached payload and validators for uri.
func (s *sqlStore) Load(uri string) (*cache.Record, error) {
	var (
		rec      cache.Record
		modified string
	)
	err := s.conn.QueryRow(s.bind("SELECT data, etag, modified FROM feed_cache WHERE uri = ?"), uri).
		Scan(&rec.Data, &rec.ETag, &modified)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, s.ioError("read", uri, err)
	}
	if modified != "" {
		t, err := time.Parse(time.RFC3339, modified)
		if err != nil {
			return &rec, s.ioError("parse", uri, fmt.Errorf("modified %q: %w", modified, err))
		}
		rec.Modified = t.UTC()
	}
	return &rec, nil
}

// Save upserts the payload and validators in a single statement.
func (s *sqlStore) Save(uri string, rec *cache.Record) error {
	var modified string
	if !rec.Modified.IsZero() {
		modified = rec.Modified.UTC().Format(time.RFC3339)
	}
	_, err := s.conn.Exec(s.bind(`
		INSERT INTO feed_cache (uri, data, etag, modified, saved_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(uri) DO UPDATE SET
			data = excluded.data,
			etag = excluded.etag,
			modified = excluded.modified,
			saved_at = excluded.saved_at`),
		uri, rec.Data, rec.ETag, modified, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return s.ioError("write", uri, err)
	}
	return nil
}

// Times returns the resolved timestamps recorded for uri.
func (s *sqlStore) Times(uri string) (map[string]time.Time, error) {
	times := make(map[string]time.Time)
	rows, err := s.conn.Query(s.bind("SELECT item_id, resolved_at FROM item_times WHERE uri = ?"), uri)
	if err != nil {
		return times, s.ioError("read", uri, err)
	}
	defer rows.Close()

	var bad []string
	for rows.Next() {
		var id, ts string
		if err := rows.Scan(&id, &ts); err != nil {
			return times, s.ioError("read", uri, err)
		}
		t, err := time.Parse(time.RFC3339, ts)
		if err != nil {
			bad = append(bad, id)
			continue
		}
		times[id] = t.UTC()
	}
	if err := rows.Err(); err != nil {
		return times, s.ioError("read", uri, err)
	}
	if len(bad) > 0 {
		return times, s.ioError("parse", uri, fmt.Errorf("malformed times for %s", strings.Join(bad, ", ")))
	}
	return times, nil
}

// AppendTime inserts a resolved timestamp unless one already exists.
func (s *sqlStore) AppendTime(uri, id string, t time.Time) error {
	_, err := s.conn.Exec(s.bind(`
		INSERT INTO item_times (uri, item_id, resolved_at)
		VALUES (?, ?, ?)
		ON CONFLICT(uri, item_id) DO NOTHING`),
		uri, id, t.UTC().Format(time.RFC3339))
	if err != nil {
		return s.ioError("write", uri, err)
	}
	return nil
}

// migrate creates the cache tables; blobType is the backend's binary column type.
func (s *sqlStore) migrate(blobType string) error {
	schema := fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS feed_cache (
		uri TEXT PRIMARY KEY,
		data %s NOT NULL,
		etag TEXT NOT NULL DEFAULT '',
		modified TEXT NOT NULL DEFAULT '',
		saved_at TEXT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS item_times (
		uri TEXT NOT NULL,
		item_id TEXT NOT NULL,
		resolved_at TEXT NOT NULL,
		PRIMARY KEY (uri, item_id)
	);`, blobType)
	_, err := s.conn.Exec(schema)
	return err
}
