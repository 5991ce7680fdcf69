// Package cache provides persistent storage for fetched feeds.
package cache

import (
	"fmt"
	"time"
)

// Record is the cached state of one feed URI.
type Record struct {
	Data     []byte    // last successfully fetched payload, decoded to UTF-8
	ETag     string    // empty if the server sent none
	Modified time.Time // zero if the server sent none
}

// Store defines the interface for cache operations.
// The filesystem, SQLite and PostgreSQL implementations satisfy this interface.
type Store interface {
	Close() error

	// Backend returns the name of the storage backend.
	Backend() string

	// SupportsHighConcurrency returns true if channels may be synchronised
	// by several workers at once against this store.
	SupportsHighConcurrency() bool

	// Location returns a human readable pseudo-URI of the record for uri.
	Location(uri string) string

	// Load returns the cached record for uri, or nil if nothing is cached.
	// A non-nil record may come with an error describing validators that
	// could not be read.
	Load(uri string) (*Record, error)

	// Save stores the payload first and the validators second. Absent
	// validators remove any previously stored value.
	Save(uri string, rec *Record) error

	// Times returns the item id -> resolved timestamp table for uri.
	Times(uri string) (map[string]time.Time, error)

	// AppendTime records a resolved timestamp. Existing entries are never rewritten.
	AppendTime(uri, id string, t time.Time) error
}

// CacheIOError reports a failed read or write against a Store.
type CacheIOError struct {
	Op   string
	Path string
	Err  error
}

func (e *CacheIOError) Error() string {
	return fmt.Sprintf("cache %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *CacheIOError) Unwrap() error {
	return e.Err
}
