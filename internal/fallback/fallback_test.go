package fallback

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"sync/atomic"
	"testing"

	"github.com/charmbracelet/log"

	"github.com/vcplay/vcplay/internal/backend"
	"github.com/vcplay/vcplay/internal/cache"
)

// fakeFetcher fails for backends listed in fail and records call order.
type fakeFetcher struct {
	cached map[string]cache.Entry
	fail   map[string]error
	calls  []string
}

func (f *fakeFetcher) Lookup(key string) (cache.Entry, bool) {
	e, ok := f.cached[key]
	return e, ok
}

func (f *fakeFetcher) Fetch(_ context.Context, key string, b backend.Backend) (string, error) {
	f.calls = append(f.calls, b.Name)
	if err := f.fail[b.Name]; err != nil {
		return "", err
	}
	return "/tmp/" + b.Name + "/" + key, nil
}

func testRegistry(t *testing.T) *backend.Registry {
	t.Helper()
	r, err := backend.NewRegistry(
		backend.Backend{Name: "default", BaseURL: "http://a/?url=", Priority: 1},
		backend.Backend{Name: "secondary", BaseURL: "http://b/?url=", Priority: 2},
		backend.Backend{Name: "tertiary", BaseURL: "http://c/?url=", Priority: 3},
	)
	if err != nil {
		t.Fatalf("NewRegistry failed: %v", err)
	}
	return r
}

func TestResolve_FirstSuccessWins(t *testing.T) {
	f := &fakeFetcher{fail: map[string]error{"default": errors.New("boom")}}
	r := New(testRegistry(t), f, log.New(os.Stderr))

	res, err := r.Resolve(context.Background(), "abc", "")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if res.Backend != "secondary" {
		t.Errorf("Backend = %s, want secondary", res.Backend)
	}
	if len(f.calls) != 2 || f.calls[0] != "default" || f.calls[1] != "secondary" {
		t.Errorf("unexpected call order: %v", f.calls)
	}
}

func TestResolve_PreferredFirst(t *testing.T) {
	f := &fakeFetcher{fail: map[string]error{"tertiary": errors.New("down")}}
	r := New(testRegistry(t), f, log.New(os.Stderr))

	res, err := r.Resolve(context.Background(), "abc", "tertiary")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if res.Backend != "default" {
		t.Errorf("Backend = %s, want default", res.Backend)
	}
	want := []string{"tertiary", "default"}
	if len(f.calls) != len(want) || f.calls[0] != want[0] || f.calls[1] != want[1] {
		t.Errorf("calls = %v, want %v", f.calls, want)
	}
}

func TestResolve_CacheHitSkipsBackends(t *testing.T) {
	f := &fakeFetcher{
		cached: map[string]cache.Entry{"abc": {Key: "abc", Path: "/cached", Backend: "secondary"}},
	}
	r := New(testRegistry(t), f, log.New(os.Stderr))

	res, err := r.Resolve(context.Background(), "abc", "tertiary")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if !res.Cached || res.Path != "/cached" || res.Backend != "secondary" {
		t.Errorf("unexpected result: %+v", res)
	}
	if len(f.calls) != 0 {
		t.Errorf("backends contacted on cache hit: %v", f.calls)
	}
}

func TestResolve_AllBackendsFailed(t *testing.T) {
	errA, errB, errC := errors.New("a down"), errors.New("b down"), errors.New("c down")
	f := &fakeFetcher{fail: map[string]error{"default": errA, "secondary": errB, "tertiary": errC}}
	r := New(testRegistry(t), f, log.New(os.Stderr))

	_, err := r.Resolve(context.Background(), "abc", "")
	failed, ok := IsAllBackendsFailed(err)
	if !ok {
		t.Fatalf("expected *AllBackendsFailedError, got %v", err)
	}
	if len(failed.Attempts) != 3 {
		t.Fatalf("got %d attempts, want 3", len(failed.Attempts))
	}

	causes := failed.Causes()
	for name, want := range map[string]string{"default": "a down", "secondary": "b down", "tertiary": "c down"} {
		if causes[name] != want {
			t.Errorf("cause[%s] = %q, want %q", name, causes[name], want)
		}
	}
	if !errors.Is(err, errB) {
		t.Error("errors.Is should reach individual causes")
	}
}

func TestResolve_ContextCanceled(t *testing.T) {
	f := &fakeFetcher{}
	r := New(testRegistry(t), f, log.New(os.Stderr))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := r.Resolve(ctx, "abc", "")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if len(f.calls) != 0 {
		t.Errorf("backends contacted after cancel: %v", f.calls)
	}
}

// TestResolve_HTTPFallbackOrder runs the resolver against the real cache
// manager: A answers 500, B succeeds and C must never be contacted.
func TestResolve_HTTPFallbackOrder(t *testing.T) {
	var hitsA, hitsB, hitsC atomic.Int64
	a := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hitsA.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer a.Close()
	b := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hitsB.Add(1)
		_, _ = w.Write([]byte("audio"))
	}))
	defer b.Close()
	c := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hitsC.Add(1)
		_, _ = w.Write([]byte("audio"))
	}))
	defer c.Close()

	registry, err := backend.NewRegistry(
		backend.Backend{Name: "A", BaseURL: a.URL + "/?url=", Priority: 1},
		backend.Backend{Name: "B", BaseURL: b.URL + "/?url=", Priority: 2},
		backend.Backend{Name: "C", BaseURL: c.URL + "/?url=", Priority: 3},
	)
	if err != nil {
		t.Fatalf("NewRegistry failed: %v", err)
	}
	m, err := cache.New(cache.Options{Dir: t.TempDir()}, nil, log.New(os.Stderr))
	if err != nil {
		t.Fatalf("cache.New failed: %v", err)
	}
	defer m.Close() //nolint:errcheck

	r := New(registry, m, log.New(os.Stderr))
	res, err := r.Resolve(context.Background(), "abc", "")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if res.Backend != "B" {
		t.Errorf("Backend = %s, want B", res.Backend)
	}
	if hitsA.Load() != 1 || hitsB.Load() != 1 || hitsC.Load() != 0 {
		t.Errorf("hits A=%d B=%d C=%d, want 1/1/0", hitsA.Load(), hitsB.Load(), hitsC.Load())
	}

	// A second resolve is served from the cache.
	again, err := r.Resolve(context.Background(), "abc", "A")
	if err != nil {
		t.Fatalf("second Resolve failed: %v", err)
	}
	if !again.Cached || again.Path != res.Path {
		t.Errorf("expected cached result with path %s, got %+v", res.Path, again)
	}
	if hitsA.Load() != 1 {
		t.Errorf("backend A contacted again on cache hit")
	}
}
