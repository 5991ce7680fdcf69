package cache

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/araddon/dateparse"
	"github.com/bryan-buckman/planet/internal/model"
)

// Ids are written one per line, so line breaks in them are escaped.
var (
	idEscaper   = strings.NewReplacer(`\`, `\\`, "\n", `\n`, "\r", `\r`)
	idUnescaper = strings.NewReplacer(`\\`, `\`, `\n`, "\n", `\r`, "\r")
)

// Side file suffixes of the on-disk layout.
const (
	suffixETag     = ",etag"
	suffixModified = ",modified"
	suffixTimes    = ",times"
)

// Things we don't want to see in cache filenames.
var (
	invalidStuff = regexp.MustCompile(`\W+`)
	multipleDots = regexp.MustCompile(`\.+`)
)

// Ensure FileStore implements Store interface.
var _ Store = (*FileStore)(nil)

// FileStore keeps each feed as a set of plain files in one directory.
type FileStore struct {
	dir   string
	locks sync.Map // path -> *sync.Mutex
}

// NewFileStore opens (creating if needed) a cache directory.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

// Filename maps a URI to its sanitised cache filename under dir.
func Filename(dir, uri string) string {
	name := strings.TrimPrefix(uri, "http://")
	name = strings.TrimPrefix(name, "www.")
	name = invalidStuff.ReplaceAllString(name, ".")
	name = multipleDots.ReplaceAllString(name, ".")
	return filepath.Join(dir, name)
}

// Close is a no-op for the filesystem store.
func (s *FileStore) Close() error {
	return nil
}

// Backend returns "file".
func (s *FileStore) Backend() string {
	return "file"
}

// SupportsHighConcurrency returns true; writes are serialised per filename.
func (s *FileStore) SupportsHighConcurrency() bool {
	return true
}

// Location returns the payload file path.
func (s *FileStore) Location(uri string) string {
	return Filename(s.dir, uri)
}

func (s *FileStore) lock(path string) func() {
	mu, _ := s.locks.LoadOrStore(path, &sync.Mutex{})
	m := mu.(*sync.Mutex)
	m.Lock()
	return m.Unlock
}

// Load reads the payload and its validators.
func (s *FileStore) Load(uri string) (*Record, error) {
	path := s.Location(uri)
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, &CacheIOError{Op: "read", Path: path, Err: err}
	}

	rec := &Record{Data: data}
	var errs []error

	if etag, err := readLine(path + suffixETag); err != nil {
		errs = append(errs, err)
	} else {
		rec.ETag = etag
	}

	if modified, err := readLine(path + suffixModified); err != nil {
		errs = append(errs, err)
	} else if modified != "" {
		t, err := parseTimestamp(modified)
		if err != nil {
			errs = append(errs, &CacheIOError{Op: "parse", Path: path + suffixModified, Err: err})
		} else {
			rec.Modified = t
		}
	}

	return rec, errors.Join(errs...)
}

// Save writes the payload, then the validator side files.
func (s *FileStore) Save(uri string, rec *Record) error {
	path := s.Location(uri)
	defer s.lock(path)()

	if err := writeAtomic(path, rec.Data); err != nil {
		return &CacheIOError{Op: "write", Path: path, Err: err}
	}

	var etag, modified string
	if rec.ETag != "" {
		etag = rec.ETag + "\n"
	}
	if !rec.Modified.IsZero() {
		modified = rec.Modified.UTC().Format(http.TimeFormat) + "\n"
	}
	if err := writeOrRemove(path+suffixETag, etag); err != nil {
		return err
	}
	return writeOrRemove(path+suffixModified, modified)
}

// Times parses the append-only time cache file. Malformed lines are skipped
// and reported in the returned error.
func (s *FileStore) Times(uri string) (map[string]time.Time, error) {
	path := s.Location(uri) + suffixTimes
	times := make(map[string]time.Time)

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return times, nil
	}
	if err != nil {
		return times, &CacheIOError{Op: "read", Path: path, Err: err}
	}

	var bad int
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), " \t\r")
		if line == "" {
			continue
		}
		i := strings.LastIndex(line, " = ")
		if i < 0 {
			bad++
			continue
		}
		id, ts := idUnescaper.Replace(line[:i]), line[i+3:]
		t, err := parseTimestamp(ts)
		if err != nil {
			bad++
			continue
		}
		times[id] = t
	}
	if err := sc.Err(); err != nil {
		return times, &CacheIOError{Op: "read", Path: path, Err: err}
	}
	if bad > 0 {
		return times, &CacheIOError{Op: "parse", Path: path, Err: fmt.Errorf("%d malformed lines", bad)}
	}
	return times, nil
}

// AppendTime appends "<id> = <iso>" to the time cache file.
func (s *FileStore) AppendTime(uri, id string, t time.Time) error {
	path := s.Location(uri) + suffixTimes
	defer s.lock(path)()

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return &CacheIOError{Op: "write", Path: path, Err: err}
	}
	_, err = fmt.Fprintf(f, "%s = %s\n", idEscaper.Replace(id), t.UTC().Format(model.LayoutISO))
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return &CacheIOError{Op: "write", Path: path, Err: err}
	}
	return nil
}

func readLine(path string) (string, error) {
	b, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", &CacheIOError{Op: "read", Path: path, Err: err}
	}
	return strings.TrimSpace(string(b)), nil
}

func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func writeOrRemove(path, content string) error {
	if content == "" {
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return &CacheIOError{Op: "remove", Path: path, Err: err}
		}
		return nil
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return &CacheIOError{Op: "write", Path: path, Err: err}
	}
	return nil
}

// parseTimestamp accepts the formats written by this package and, leniently,
// anything else a previous tool may have left in the cache.
func parseTimestamp(s string) (time.Time, error) {
	if t, err := http.ParseTime(s); err == nil {
		return t.UTC(), nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	t, err := dateparse.ParseIn(s, time.UTC)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}
