package lifecycle

import (
	"context"
	"errors"
	"os"
	"sync"
	"syscall"
	"testing"
	"time"
)

type recorder struct {
	mu    sync.Mutex
	order []string
}

func (r *recorder) add(s string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.order = append(r.order, s)
}

func (r *recorder) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.order...)
}

func component(r *recorder, name string, stopErr, forceErr error) Func {
	return Func{
		ComponentName: name,
		Stop: func(context.Context) error {
			r.add("stop " + name)
			return stopErr
		},
		Force: func() error {
			r.add("force " + name)
			return forceErr
		},
	}
}

func TestShutdown_ReverseOrder(t *testing.T) {
	r := &recorder{}
	m := New(time.Second, nil)
	m.Register(component(r, "bridge", nil, nil))
	m.Register(component(r, "cache", nil, nil))
	m.Register(component(r, "http", nil, nil))

	if err := m.Shutdown(); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}

	want := []string{"stop http", "stop cache", "stop bridge"}
	got := r.list()
	if len(got) != len(want) {
		t.Fatalf("order = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("step %d = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestShutdown_ForceStopOnFailure(t *testing.T) {
	r := &recorder{}
	boom := errors.New("stuck")
	m := New(time.Second, nil)
	m.Register(component(r, "ok", nil, nil))
	m.Register(component(r, "stuck", errors.New("timeout"), boom))

	err := m.Shutdown()
	if !errors.Is(err, boom) {
		t.Errorf("Shutdown = %v, want %v", err, boom)
	}

	got := r.list()
	want := []string{"stop stuck", "force stuck", "stop ok"}
	if len(got) != len(want) {
		t.Fatalf("order = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("step %d = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestShutdown_Idempotent(t *testing.T) {
	r := &recorder{}
	m := New(time.Second, nil)
	m.Register(component(r, "once", nil, nil))

	_ = m.Shutdown()
	_ = m.Shutdown()
	m.Wait()

	if got := r.list(); len(got) != 1 {
		t.Errorf("component stopped %d times, want 1", len(got))
	}

	// Registering after shutdown is ignored.
	m.Register(component(r, "late", nil, nil))
	if len(m.components) != 1 {
		t.Errorf("late component registered")
	}
}

func TestSignalTriggersShutdown(t *testing.T) {
	r := &recorder{}
	m := New(time.Second, nil)
	m.signals = []os.Signal{syscall.SIGUSR1}
	m.Register(component(r, "svc", nil, nil))
	m.Start()

	if err := syscall.Kill(syscall.Getpid(), syscall.SIGUSR1); err != nil {
		t.Fatalf("Kill failed: %v", err)
	}

	select {
	case <-m.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("shutdown not triggered by signal")
	}
	if got := r.list(); len(got) != 1 || got[0] != "stop svc" {
		t.Errorf("order = %v", got)
	}
}
