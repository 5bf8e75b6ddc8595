// Package fallback fetches media by trying backends one after another until
// one of them delivers.
package fallback

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/charmbracelet/log"

	"github.com/vcplay/vcplay/internal/backend"
	"github.com/vcplay/vcplay/internal/cache"
)

// Fetcher is the subset of the cache manager the resolver needs.
type Fetcher interface {
	Lookup(key string) (cache.Entry, bool)
	Fetch(ctx context.Context, key string, b backend.Backend) (string, error)
}

// Result is a successfully resolved media file.
type Result struct {
	Path    string `json:"path"`
	Backend string `json:"backend"`
	Cached  bool   `json:"cached"` // Served from the cache without contacting a backend
}

// Attempt records one failed backend.
type Attempt struct {
	Backend string
	Err     error
}

// AllBackendsFailedError is returned when every candidate backend failed.
type AllBackendsFailedError struct {
	Key      string
	Attempts []Attempt
}

// Error implements the error interface.
func (e *AllBackendsFailedError) Error() string {
	parts := make([]string, len(e.Attempts))
	for i, a := range e.Attempts {
		parts[i] = fmt.Sprintf("%s: %v", a.Backend, a.Err)
	}
	return fmt.Sprintf("all backends failed for %q (%s)", e.Key, strings.Join(parts, "; "))
}

// Unwrap exposes every attempt's cause to errors.Is and errors.As.
func (e *AllBackendsFailedError) Unwrap() []error {
	errs := make([]error, len(e.Attempts))
	for i, a := range e.Attempts {
		errs[i] = a.Err
	}
	return errs
}

// Causes maps backend names to their failure messages.
func (e *AllBackendsFailedError) Causes() map[string]string {
	causes := make(map[string]string, len(e.Attempts))
	for _, a := range e.Attempts {
		causes[a.Backend] = a.Err.Error()
	}
	return causes
}

// outcome is the result of trying a single backend.
type outcome struct {
	result Result
	err    error
}

func (o outcome) ok() bool {
	return o.err == nil
}

// Resolver walks the backend registry in candidate order.
type Resolver struct {
	registry *backend.Registry
	fetcher  Fetcher
	logger   *log.Logger
}

// New creates a resolver over registry backed by fetcher.
func New(registry *backend.Registry, fetcher Fetcher, logger *log.Logger) *Resolver {
	if logger == nil {
		logger = log.Default()
	}
	return &Resolver{
		registry: registry,
		fetcher:  fetcher,
		logger:   logger.WithPrefix("fallback"),
	}
}

// Resolve returns a local file for key. A cached file is returned without
// consulting any backend. Otherwise backends are tried starting with
// preferred (when it names a known backend) and then in registry order; the
// first success wins. If every backend fails the error is an
// *AllBackendsFailedError carrying each backend's cause.
func (r *Resolver) Resolve(ctx context.Context, key, preferred string) (Result, error) {
	if entry, ok := r.fetcher.Lookup(key); ok {
		r.logger.Debug("Cache hit", "key", key, "backend", entry.Backend)
		return Result{Path: entry.Path, Backend: entry.Backend, Cached: true}, nil
	}

	failed := &AllBackendsFailedError{Key: key}
	for _, b := range r.registry.Candidates(preferred) {
		if err := ctx.Err(); err != nil {
			failed.Attempts = append(failed.Attempts, Attempt{Backend: b.Name, Err: err})
			break
		}

		o := r.attempt(ctx, key, b)
		if o.ok() {
			if len(failed.Attempts) > 0 {
				r.logger.Info("Recovered on fallback backend",
					"key", key,
					"backend", b.Name,
					"failed", len(failed.Attempts))
			}
			return o.result, nil
		}
		failed.Attempts = append(failed.Attempts, Attempt{Backend: b.Name, Err: o.err})
	}

	r.logger.Error("All backends failed", "key", key, "attempts", len(failed.Attempts))
	return Result{}, failed
}

func (r *Resolver) attempt(ctx context.Context, key string, b backend.Backend) outcome {
	path, err := r.fetcher.Fetch(ctx, key, b)
	if err != nil {
		return outcome{err: err}
	}
	return outcome{result: Result{Path: path, Backend: b.Name}}
}

// IsAllBackendsFailed reports whether err is an *AllBackendsFailedError and
// returns it.
func IsAllBackendsFailed(err error) (*AllBackendsFailedError, bool) {
	var failed *AllBackendsFailedError
	if errors.As(err, &failed) {
		return failed, true
	}
	return nil, false
}
