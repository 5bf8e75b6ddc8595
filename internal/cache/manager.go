package cache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/dustin/go-humanize"
	"github.com/puzpuzpuz/xsync/v3"
	"resty.dev/v3"

	"github.com/vcplay/vcplay/internal/backend"
)

// Manager owns the cache index and the per-key lock table.
type Manager struct {
	opts   Options
	client *resty.Client
	index  *xsync.MapOf[string, Entry]
	locks  *LockManager
	logger *log.Logger

	stats struct {
		hits     atomic.Int64
		misses   atomic.Int64
		fetches  atomic.Int64
		failures atomic.Int64
		evicted  atomic.Int64
		bytes    atomic.Int64
	}
}

// New creates a cache manager writing into opts.Dir. A nil lock manager gets
// a fresh one.
func New(opts Options, locks *LockManager, logger *log.Logger) (*Manager, error) {
	defaults := DefaultOptions()
	if opts.Dir == "" {
		opts.Dir = defaults.Dir
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = defaults.FetchTimeout
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = defaults.ChunkSize
	}
	if opts.UserAgent == "" {
		opts.UserAgent = defaults.UserAgent
	}
	if locks == nil {
		locks = NewLockManager()
	}
	if logger == nil {
		logger = log.Default()
	}

	dir, err := filepath.Abs(opts.Dir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve cache directory: %w", err)
	}
	opts.Dir = dir
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil { //nolint:gosec
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}

	client := resty.New().
		SetHeader("User-Agent", opts.UserAgent)

	return &Manager{
		opts:   opts,
		client: client,
		index:  xsync.NewMapOf[string, Entry](),
		locks:  locks,
		logger: logger.WithPrefix("cache"),
	}, nil
}

// Dir returns the directory downloads are written to.
func (m *Manager) Dir() string {
	return m.opts.Dir
}

// Fetch returns the local path for key, downloading it from b if it is not
// cached yet. Concurrent calls for the same key perform one download; the
// others wait and reuse its result.
func (m *Manager) Fetch(ctx context.Context, key string, b backend.Backend) (string, error) {
	if entry, ok := m.Lookup(key); ok {
		return entry.Path, nil
	}

	release := m.locks.Acquire(key)
	defer release()

	// Another caller may have finished the download while we waited.
	if entry, ok := m.Lookup(key); ok {
		m.logger.Debug("Joined concurrent fetch", "key", key, "backend", entry.Backend)
		return entry.Path, nil
	}

	m.stats.misses.Add(1)
	entry, err := m.download(ctx, key, b)
	if err != nil {
		m.stats.failures.Add(1)
		m.logger.Warn("Fetch failed", "key", key, "backend", b.Name, "error", err)
		return "", err
	}

	m.index.Store(key, entry)
	return entry.Path, nil
}

// Lookup returns the entry for key if its file still exists. Entries whose
// file has gone missing are evicted.
func (m *Manager) Lookup(key string) (Entry, bool) {
	entry, ok := m.index.Load(key)
	if !ok {
		return Entry{}, false
	}
	if fileExists(entry.Path) {
		m.stats.hits.Add(1)
		return entry, true
	}

	if m.evict(key, entry.Path) {
		m.logger.Info("Evicted entry with missing file", "key", key, "path", entry.Path)
	}
	return Entry{}, false
}

// evict removes key only if it still points at path, so a fresh entry
// installed by a concurrent fetch survives.
func (m *Manager) evict(key, path string) bool {
	removed := false
	m.index.Compute(key, func(old Entry, loaded bool) (Entry, bool) {
		if !loaded {
			return old, true
		}
		if old.Path != path {
			return old, false
		}
		removed = true
		return old, true
	})
	if removed {
		m.stats.evicted.Add(1)
	}
	return removed
}

// download streams b's response for key into a new file. The partial file is
// removed on any failure.
func (m *Manager) download(ctx context.Context, key string, b backend.Backend) (Entry, error) {
	m.stats.fetches.Add(1)
	start := time.Now()

	fetchCtx, cancel := context.WithTimeout(ctx, m.opts.FetchTimeout)
	defer cancel()

	f, err := os.CreateTemp(m.opts.Dir, "vcplay-*.mp3")
	if err != nil {
		return Entry{}, &FetchError{Backend: b.Name, Key: key, Err: err}
	}
	path := f.Name()

	n, status, err := m.stream(fetchCtx, b.URLFor(key), f)
	if cerr := f.Close(); err == nil && cerr != nil {
		err = cerr
	}
	if err != nil {
		if rmErr := os.Remove(path); rmErr != nil && !errors.Is(rmErr, fs.ErrNotExist) {
			m.logger.Error("Failed to remove partial download", "path", path, "error", rmErr)
		}
		return Entry{}, &FetchError{
			Backend:    b.Name,
			Key:        key,
			StatusCode: status,
			Timeout:    errors.Is(fetchCtx.Err(), context.DeadlineExceeded),
			Err:        err,
		}
	}

	m.stats.bytes.Add(n)
	m.logger.Info("Cached",
		"key", key,
		"backend", b.Name,
		"size", humanize.Bytes(uint64(n)), //nolint:gosec
		"took", time.Since(start).Round(time.Millisecond))

	return Entry{
		Key:       key,
		Path:      path,
		Backend:   b.Name,
		Size:      n,
		FetchedAt: time.Now(),
	}, nil
}

// stream performs the GET and copies the body into w in ChunkSize pieces.
func (m *Manager) stream(ctx context.Context, url string, w io.Writer) (int64, int, error) {
	resp, err := m.client.R().
		SetContext(ctx).
		SetDoNotParseResponse(true).
		Get(url)
	if resp != nil && resp.RawResponse != nil {
		defer resp.RawResponse.Body.Close() //nolint:errcheck
	}
	if err != nil {
		return 0, 0, err
	}

	status := resp.StatusCode()
	if status < http.StatusOK || status >= http.StatusMultipleChoices {
		return 0, status, fmt.Errorf("%w: %d %s", ErrBadStatus, status, http.StatusText(status))
	}

	// Hide ReaderFrom/WriterTo so the copy goes through our buffer.
	buf := make([]byte, m.opts.ChunkSize)
	n, err := io.CopyBuffer(struct{ io.Writer }{w}, struct{ io.Reader }{resp.RawResponse.Body}, buf)
	if err != nil {
		return n, status, fmt.Errorf("reading response body: %w", err)
	}
	return n, status, nil
}

// Invalidate drops the entry for key. The file itself is left alone.
func (m *Manager) Invalidate(key string) bool {
	_, ok := m.index.LoadAndDelete(key)
	if ok {
		m.stats.evicted.Add(1)
	}
	return ok
}

// InvalidatePath drops every entry that points at path and returns the
// affected keys.
func (m *Manager) InvalidatePath(path string) []string {
	var keys []string
	m.index.Range(func(key string, entry Entry) bool {
		if entry.Path == path {
			keys = append(keys, key)
		}
		return true
	})
	for _, key := range keys {
		m.evict(key, path)
	}
	return keys
}

// Sweep evicts every entry whose file no longer exists and returns how many
// were removed.
func (m *Manager) Sweep() int {
	var stale []Entry
	m.index.Range(func(_ string, entry Entry) bool {
		if !fileExists(entry.Path) {
			stale = append(stale, entry)
		}
		return true
	})

	removed := 0
	for _, entry := range stale {
		if m.evict(entry.Key, entry.Path) {
			removed++
		}
	}
	if removed > 0 {
		m.logger.Info("Swept stale entries", "removed", removed, "remaining", m.Len())
	}
	return removed
}

// Purge drops every entry and deletes its file.
func (m *Manager) Purge() error {
	var errs []error
	m.index.Range(func(key string, entry Entry) bool {
		m.index.Delete(key)
		if err := os.Remove(entry.Path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, err)
		}
		return true
	})
	return errors.Join(errs...)
}

// Entries returns a snapshot of the index sorted by key.
func (m *Manager) Entries() []Entry {
	entries := make([]Entry, 0, m.index.Size())
	m.index.Range(func(_ string, entry Entry) bool {
		entries = append(entries, entry)
		return true
	})
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Key < entries[j].Key
	})
	return entries
}

// Len returns the number of cached entries.
func (m *Manager) Len() int {
	return m.index.Size()
}

// InFlight returns the number of keys with an active fetch lock.
func (m *Manager) InFlight() int {
	return m.locks.Len()
}

// Stats returns the current cache counters.
func (m *Manager) Stats() Stats {
	return Stats{
		Entries:  m.Len(),
		InFlight: m.InFlight(),
		Hits:     m.stats.hits.Load(),
		Misses:   m.stats.misses.Load(),
		Fetches:  m.stats.fetches.Load(),
		Failures: m.stats.failures.Load(),
		Evicted:  m.stats.evicted.Load(),
		Bytes:    m.stats.bytes.Load(),
	}
}

// Close releases the HTTP client.
func (m *Manager) Close() error {
	return m.client.Close()
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
