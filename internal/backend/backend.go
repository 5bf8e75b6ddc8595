// Package backend holds the ordered set of download providers that media
// can be fetched from.
package backend

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

var (
	// ErrUnknownBackend is returned when a selector matches no backend.
	ErrUnknownBackend = errors.New("unknown backend")

	// ErrInvalidRegistry is returned when the registry cannot be built.
	ErrInvalidRegistry = errors.New("invalid backend registry")
)

// Backend is a single download provider.
type Backend struct {
	Name     string // Stable identifier, e.g. "default"
	BaseURL  string // Prefix the resource key is appended to
	Priority int    // Lower values are tried first
}

// URLFor returns the download URL for key. The key is appended verbatim;
// providers expect the raw locator after their query prefix.
func (b Backend) URLFor(key string) string {
	return b.BaseURL + key
}

// String returns the backend name.
func (b Backend) String() string {
	return b.Name
}

// Registry is an immutable, ordered list of backends.
type Registry struct {
	backends []Backend
	byName   map[string]int
}

// NewRegistry validates backends and orders them by priority. Backends with
// equal priority keep the order they were given in.
func NewRegistry(backends ...Backend) (*Registry, error) {
	if len(backends) == 0 {
		return nil, fmt.Errorf("%w: no backends configured", ErrInvalidRegistry)
	}

	sorted := make([]Backend, len(backends))
	copy(sorted, backends)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Priority < sorted[j].Priority
	})

	r := &Registry{
		backends: sorted,
		byName:   make(map[string]int, len(sorted)),
	}
	for i, b := range sorted {
		if b.Name == "" {
			return nil, fmt.Errorf("%w: backend %d has no name", ErrInvalidRegistry, i+1)
		}
		if b.BaseURL == "" {
			return nil, fmt.Errorf("%w: backend %q has no base url", ErrInvalidRegistry, b.Name)
		}
		if _, dup := r.byName[b.Name]; dup {
			return nil, fmt.Errorf("%w: duplicate backend %q", ErrInvalidRegistry, b.Name)
		}
		r.byName[b.Name] = i
	}
	return r, nil
}

// All returns the backends in registry order.
func (r *Registry) All() []Backend {
	out := make([]Backend, len(r.backends))
	copy(out, r.backends)
	return out
}

// Names returns the backend names in registry order.
func (r *Registry) Names() []string {
	names := make([]string, len(r.backends))
	for i, b := range r.backends {
		names[i] = b.Name
	}
	return names
}

// Len returns the number of backends.
func (r *Registry) Len() int {
	return len(r.backends)
}

// Default returns the first backend in registry order.
func (r *Registry) Default() Backend {
	return r.backends[0]
}

// Lookup returns the backend with the given name.
func (r *Registry) Lookup(name string) (Backend, bool) {
	i, ok := r.byName[name]
	if !ok {
		return Backend{}, false
	}
	return r.backends[i], true
}

// Select resolves a selector to a backend. A selector is either a 1-based
// position ("1", "2", ...) or a backend name. An empty selector picks the
// default backend.
func (r *Registry) Select(selector string) (Backend, error) {
	if selector == "" {
		return r.Default(), nil
	}
	if n, err := strconv.Atoi(selector); err == nil {
		if n >= 1 && n <= len(r.backends) {
			return r.backends[n-1], nil
		}
	} else if b, ok := r.Lookup(selector); ok {
		return b, nil
	}
	return Backend{}, fmt.Errorf("%w %q: choose %s", ErrUnknownBackend, selector, r.Choices())
}

// Choices describes the valid positional selectors, e.g. "1, 2 or 3".
func (r *Registry) Choices() string {
	positions := make([]string, len(r.backends))
	for i := range r.backends {
		positions[i] = strconv.Itoa(i + 1)
	}
	if len(positions) == 1 {
		return positions[0]
	}
	return strings.Join(positions[:len(positions)-1], ", ") + " or " + positions[len(positions)-1]
}

// Candidates returns the order backends should be tried in: the preferred
// backend first, then the rest in registry order. An empty or unknown
// preference yields plain registry order.
func (r *Registry) Candidates(preferred string) []Backend {
	first, ok := r.byName[preferred]
	if !ok {
		return r.All()
	}

	out := make([]Backend, 0, len(r.backends))
	out = append(out, r.backends[first])
	for i, b := range r.backends {
		if i != first {
			out = append(out, b)
		}
	}
	return out
}
