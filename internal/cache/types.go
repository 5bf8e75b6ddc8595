package cache

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
)

// Common errors for cache operations
var (
	// ErrBadStatus is returned when a backend answers with a non-2xx status.
	ErrBadStatus = errors.New("unexpected status")

	// ErrFetchTimeout is matched by fetch errors caused by the fetch deadline.
	ErrFetchTimeout = errors.New("fetch timed out")
)

// Entry maps a resource key to the file it was downloaded into.
type Entry struct {
	Key       string
	Path      string
	Backend   string // Backend that produced the file
	Size      int64
	FetchedAt time.Time
}

// FetchError describes a failed download from a single backend.
type FetchError struct {
	Backend    string
	Key        string
	StatusCode int  // Zero unless the backend answered
	Timeout    bool // Set when the fetch deadline elapsed
	Err        error
}

// Error implements the error interface.
func (e *FetchError) Error() string {
	return fmt.Sprintf("download via '%s' failed: %v", e.Backend, e.Err)
}

// Unwrap returns the underlying cause.
func (e *FetchError) Unwrap() error {
	return e.Err
}

// Is reports timeouts as ErrFetchTimeout.
func (e *FetchError) Is(target error) bool {
	return target == ErrFetchTimeout && e.Timeout
}

// Options configures a Manager.
type Options struct {
	// Dir is where downloaded files are written.
	Dir string

	// FetchTimeout bounds a single download, including the body transfer.
	FetchTimeout time.Duration

	// ChunkSize is the size of the buffer the response body is copied through.
	ChunkSize int

	// UserAgent is sent with every download request.
	UserAgent string
}

// DefaultOptions returns the default cache options.
func DefaultOptions() Options {
	return Options{
		Dir:          filepath.Join(os.TempDir(), "vcplay"),
		FetchTimeout: 90 * time.Second,
		ChunkSize:    64 * 1024,
		UserAgent:    "vcplay",
	}
}

// Stats holds cache counters.
type Stats struct {
	Entries  int   `json:"entries"`
	InFlight int   `json:"in_flight"`
	Hits     int64 `json:"hits"`
	Misses   int64 `json:"misses"`
	Fetches  int64 `json:"fetches"`
	Failures int64 `json:"failures"`
	Evicted  int64 `json:"evicted"`
	Bytes    int64 `json:"bytes"`
}

// String returns a one-line summary suitable for logs.
func (s Stats) String() string {
	return fmt.Sprintf("%d entries, %d in flight, %d hits, %d misses, %d failures, %s downloaded",
		s.Entries, s.InFlight, s.Hits, s.Misses, s.Failures, humanize.Bytes(uint64(s.Bytes))) //nolint:gosec
}
