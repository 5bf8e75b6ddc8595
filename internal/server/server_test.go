package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/charmbracelet/log"

	"github.com/vcplay/vcplay/internal/backend"
	"github.com/vcplay/vcplay/internal/bridge"
	"github.com/vcplay/vcplay/internal/cache"
	"github.com/vcplay/vcplay/internal/fallback"
	"github.com/vcplay/vcplay/internal/playback"
	"github.com/vcplay/vcplay/internal/telegram"
	"github.com/vcplay/vcplay/internal/telegram/mock"
)

// stack is a full player wired over mock collaborators and a local
// download backend.
type stack struct {
	server  *Server
	bridge  *bridge.Bridge
	engine  *mock.Engine
	hits    atomic.Int32
	mu      sync.Mutex
	failing map[string]bool
	restart chan struct{}
}

func newStack(t *testing.T) *stack {
	t.Helper()
	logger := log.New(os.Stderr)
	st := &stack{failing: make(map[string]bool), restart: make(chan struct{}, 1)}

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		st.hits.Add(1)
		st.mu.Lock()
		fail := st.failing[r.URL.Path]
		st.mu.Unlock()
		if fail {
			http.Error(w, "upstream down", http.StatusBadGateway)
			return
		}
		fmt.Fprint(w, "mp3 bytes")
	}))
	t.Cleanup(upstream.Close)

	reg, err := backend.NewRegistry(
		backend.Backend{Name: "default", BaseURL: upstream.URL + "/default?url=", Priority: 1},
		backend.Backend{Name: "secondary", BaseURL: upstream.URL + "/secondary?url=", Priority: 2},
		backend.Backend{Name: "tertiary", BaseURL: upstream.URL + "/tertiary?url=", Priority: 3},
	)
	if err != nil {
		t.Fatalf("NewRegistry failed: %v", err)
	}
	m, err := cache.New(cache.Options{Dir: t.TempDir()}, nil, logger)
	if err != nil {
		t.Fatalf("cache.New failed: %v", err)
	}
	t.Cleanup(func() { _ = m.Close() })

	ctrl := playback.New(fallback.New(reg, m, logger), playback.DefaultOptions(), logger)
	br, err := ctrl.Register(bridge.NewBuilder()).Build(bridge.Options{
		Session:   "session",
		NewClient: mock.NewClient,
		NewEngine: func(client telegram.Client, regs []telegram.Registration) (telegram.CallEngine, error) {
			st.engine = mock.NewEngineWithDuration(client, regs, 0)
			return st.engine, nil
		},
		Logger: logger,
	})
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	ctrl.Bind(br)
	t.Cleanup(func() { _ = br.Stop(context.Background()) })

	st.bridge = br
	st.server = New(Options{
		RestartDelay: 10 * time.Millisecond,
		Restart:      func() { st.restart <- struct{}{} },
	}, ctrl, reg, br, m, logger)
	return st
}

func (st *stack) start(t *testing.T) {
	t.Helper()
	if err := st.bridge.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
}

func (st *stack) fail(path string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.failing[path] = true
}

func (st *stack) get(t *testing.T, target string) (int, map[string]any) {
	t.Helper()
	rec := httptest.NewRecorder()
	st.server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))

	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("GET %s: invalid JSON %q: %v", target, rec.Body.String(), err)
	}
	return rec.Code, body
}

func TestValidation(t *testing.T) {
	st := newStack(t)
	st.start(t)

	tests := []struct {
		target string
		want   string
	}{
		{"/play?url=x", "Missing chatid or url parameter"},
		{"/play?chatid=1", "Missing chatid or url parameter"},
		{"/play?chatid=not-a-number&url=x", "Invalid chatid parameter"},
		{"/play?chatid=1&url=x&api=7", "Invalid api '7'. Choose 1, 2 or 3."},
		{"/play?chatid=1&url=x&api=fourth", "Invalid api 'fourth'. Choose 1, 2 or 3."},
		{"/cache", "Missing url parameter"},
		{"/cache?url=x&api=0", "Invalid api '0'. Choose 1, 2 or 3."},
		{"/stop", "Missing chatid parameter"},
		{"/stop?chatid=abc", "Invalid chatid parameter"},
		{"/pause?chatid=", "Missing chatid parameter"},
		{"/resume?chatid=1.5", "Invalid chatid parameter"},
		{"/join", "Missing chat parameter"},
	}

	for _, tt := range tests {
		t.Run(tt.target, func(t *testing.T) {
			code, body := st.get(t, tt.target)
			if code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", code)
			}
			if body["error"] != tt.want {
				t.Errorf("error = %v, want %q", body["error"], tt.want)
			}
		})
	}

	if st.hits.Load() != 0 {
		t.Errorf("backend called %d times during validation", st.hits.Load())
	}
	if n := len(st.engine.Calls()); n != 1 { // start only
		t.Errorf("engine called %d times during validation", n)
	}
}

func TestUnavailable(t *testing.T) {
	st := newStack(t)

	code, body := st.get(t, "/play?chatid=1&url=x")
	if code != http.StatusServiceUnavailable || body["error"] != "Server starting up, please wait." {
		t.Errorf("before start: %d %v", code, body)
	}
	if st.hits.Load() != 0 {
		t.Error("backend called while runtime unavailable")
	}

	st.start(t)
	if err := st.bridge.Stop(context.Background()); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	for _, target := range []string{"/stop?chatid=1", "/pause?chatid=1", "/resume?chatid=1", "/join?chat=x"} {
		code, body := st.get(t, target)
		if code != http.StatusServiceUnavailable || body["error"] != "Clients not initialized" {
			t.Errorf("%s after stop: %d %v", target, code, body)
		}
	}
}

func TestPlay(t *testing.T) {
	st := newStack(t)
	st.start(t)

	code, body := st.get(t, "/play?chatid=123&url=https://youtu.be/x&api=2")
	if code != http.StatusOK {
		t.Fatalf("status = %d, body = %v", code, body)
	}
	want := map[string]any{
		"message":      "Playing media",
		"chatid":       "123",
		"url":          "https://youtu.be/x",
		"api_selected": "2",
		"api_used":     "secondary",
	}
	for k, v := range want {
		if body[k] != v {
			t.Errorf("%s = %v, want %v", k, body[k], v)
		}
	}

	code, _ = st.get(t, "/play?chatid=456&url=https://youtu.be/x")
	if code != http.StatusOK {
		t.Fatalf("second play status = %d", code)
	}
	if st.hits.Load() != 1 {
		t.Errorf("backend hit %d times, want 1", st.hits.Load())
	}

	a, _ := st.engine.Streaming(123)
	b, _ := st.engine.Streaming(456)
	if a.Path == "" || a.Path != b.Path {
		t.Errorf("chats stream different files: %q vs %q", a.Path, b.Path)
	}
}

func TestPlay_Fallback(t *testing.T) {
	st := newStack(t)
	st.start(t)
	st.fail("/default")

	code, body := st.get(t, "/play?chatid=1&url=song")
	if code != http.StatusOK {
		t.Fatalf("status = %d, body = %v", code, body)
	}
	if body["api_selected"] != "1" || body["api_used"] != "secondary" {
		t.Errorf("api_selected=%v api_used=%v", body["api_selected"], body["api_used"])
	}
}

func TestCache(t *testing.T) {
	st := newStack(t)

	// Caching does not need the runtime.
	code, body := st.get(t, "/cache?url=song&api=3")
	if code != http.StatusOK {
		t.Fatalf("status = %d, body = %v", code, body)
	}
	if body["message"] != "Song cached successfully" || body["api_used"] != "tertiary" {
		t.Errorf("body = %v", body)
	}
}

func TestCache_AllFail(t *testing.T) {
	st := newStack(t)
	st.fail("/default")
	st.fail("/secondary")
	st.fail("/tertiary")

	code, body := st.get(t, "/cache?url=song")
	if code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", code)
	}
	if body["error"] != "Download failed on all APIs" {
		t.Errorf("error = %v", body["error"])
	}
	details, ok := body["details"].(map[string]any)
	if !ok || len(details) != 3 {
		t.Fatalf("details = %v", body["details"])
	}
	for _, name := range []string{"default", "secondary", "tertiary"} {
		if _, ok := details[name]; !ok {
			t.Errorf("details missing %s", name)
		}
	}
}

func TestStopPauseResume(t *testing.T) {
	st := newStack(t)
	st.start(t)

	code, body := st.get(t, "/pause?chatid=5")
	if code != http.StatusBadRequest {
		t.Errorf("pause without session: %d %v", code, body)
	}

	if code, body := st.get(t, "/play?chatid=5&url=song"); code != http.StatusOK {
		t.Fatalf("play: %d %v", code, body)
	}
	steps := []struct {
		target, message string
	}{
		{"/pause?chatid=5", "Paused media"},
		{"/resume?chatid=5", "Resumed media"},
		{"/stop?chatid=5", "Stopped media"},
		{"/stop?chatid=5", "Stopped media"},
	}
	for _, s := range steps {
		code, body := st.get(t, s.target)
		if code != http.StatusOK || body["message"] != s.message || body["chatid"] != "5" {
			t.Errorf("%s: %d %v", s.target, code, body)
		}
	}
}

func TestJoin(t *testing.T) {
	st := newStack(t)
	st.start(t)

	code, body := st.get(t, "/join?chat=https://t.me/music_room/")
	if code != http.StatusOK || body["message"] != "Successfully Joined: music_room" {
		t.Errorf("first join: %d %v", code, body)
	}
	code, body = st.get(t, "/join?chat=@music_room")
	if code != http.StatusOK || body["message"] != "You are already a member of music_room." {
		t.Errorf("second join: %d %v", code, body)
	}
}

func TestRestart(t *testing.T) {
	st := newStack(t)

	code, body := st.get(t, "/restart")
	if code != http.StatusOK || body["message"] != "Restarting application..." {
		t.Errorf("restart: %d %v", code, body)
	}
	select {
	case <-st.restart:
	case <-time.After(time.Second):
		t.Fatal("restart was not triggered")
	}
}

func TestHealthAndStatus(t *testing.T) {
	st := newStack(t)
	st.start(t)

	rec := httptest.NewRecorder()
	st.server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health-check", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("health-check status = %d", rec.Code)
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("missing X-Request-ID header")
	}

	if code, _ := st.get(t, "/play?chatid=8&url=song"); code != http.StatusOK {
		t.Fatalf("play failed: %d", code)
	}
	code, body := st.get(t, "/status")
	if code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if body["runtime"] != "ready" {
		t.Errorf("runtime = %v", body["runtime"])
	}
	sessions, ok := body["sessions"].([]any)
	if !ok || len(sessions) != 1 {
		t.Fatalf("sessions = %v", body["sessions"])
	}
	if s := sessions[0].(map[string]any); s["state"] != "playing" || s["chat_id"] != float64(8) {
		t.Errorf("session = %v", s)
	}
	if c, ok := body["cache"].(map[string]any); !ok || c["entries"] != float64(1) {
		t.Errorf("cache = %v", body["cache"])
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{invalid("bad"), http.StatusBadRequest},
		{fmt.Errorf("pause: %w", playback.ErrNoActiveSession), http.StatusBadRequest},
		{bridge.ErrRuntimeUnavailable, http.StatusServiceUnavailable},
		{fmt.Errorf("%w: play", bridge.ErrSubmitTimeout), http.StatusInternalServerError},
		{&fallback.AllBackendsFailedError{Key: "k"}, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := statusFor(tt.err); got != tt.want {
			t.Errorf("statusFor(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}
