// Package lifecycle coordinates graceful shutdown of long-running
// components.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
)

// Component is something that needs cleanup on shutdown.
type Component interface {
	// Name returns the component name for logging
	Name() string

	// Shutdown performs graceful shutdown
	Shutdown(ctx context.Context) error

	// ForceStop performs immediate termination if graceful shutdown fails
	ForceStop() error
}

// Manager shuts registered components down in reverse registration order.
type Manager struct {
	mu         sync.Mutex
	components []Component
	shutdownCh chan struct{}
	done       chan struct{}
	wg         sync.WaitGroup
	isShutdown bool
	err        error
	timeout    time.Duration
	signals    []os.Signal
	logger     *log.Logger
}

// New creates a manager. A zero timeout means five seconds.
func New(timeout time.Duration, logger *log.Logger) *Manager {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Manager{
		shutdownCh: make(chan struct{}),
		done:       make(chan struct{}),
		timeout:    timeout,
		signals:    []os.Signal{syscall.SIGINT, syscall.SIGTERM},
		logger:     logger.WithPrefix("lifecycle"),
	}
}

// Register adds a component.
func (m *Manager) Register(c Component) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.isShutdown {
		m.logger.Warn("Cannot register component during shutdown", "component", c.Name())
		return
	}

	m.components = append(m.components, c)
	m.logger.Debug("Registered component", "name", c.Name())
}

// Start begins monitoring for shutdown signals.
func (m *Manager) Start() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, m.signals...)

	m.wg.Add(1)
	go m.monitorSignals(sigCh)
}

func (m *Manager) monitorSignals(sigCh chan os.Signal) {
	defer m.wg.Done()
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		m.logger.Info("Received shutdown signal", "signal", sig)
		go func() { _ = m.Shutdown() }()
	case <-m.shutdownCh:
		m.logger.Debug("Shutdown initiated programmatically")
	}
}

// Shutdown stops every component in reverse order. A component whose
// graceful shutdown fails is force stopped. Repeated calls return the
// outcome of the first.
func (m *Manager) Shutdown() error {
	m.mu.Lock()
	if m.isShutdown {
		m.mu.Unlock()
		<-m.done
		return m.err
	}
	m.isShutdown = true
	components := make([]Component, len(m.components))
	copy(components, m.components)
	m.mu.Unlock()

	m.logger.Info("Starting graceful shutdown", "components", len(components))
	close(m.shutdownCh)

	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()

	var errs []error
	for i := len(components) - 1; i >= 0; i-- {
		c := components[i]
		m.logger.Debug("Shutting down component", "name", c.Name())

		if err := c.Shutdown(ctx); err != nil {
			m.logger.Warn("Component graceful shutdown failed", "name", c.Name(), "error", err)

			if forceErr := c.ForceStop(); forceErr != nil {
				m.logger.Error("Component force stop failed", "name", c.Name(), "error", forceErr)
				errs = append(errs, fmt.Errorf("%s: %w", c.Name(), forceErr))
			}
		}
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		m.logger.Info("Graceful shutdown complete")
	case <-time.After(2 * time.Second):
		m.logger.Warn("Timeout waiting for goroutines to finish")
	}

	m.err = errors.Join(errs...)
	close(m.done)
	return m.err
}

// Wait blocks until shutdown is complete.
func (m *Manager) Wait() {
	<-m.done
}

// Done is closed once shutdown completed.
func (m *Manager) Done() <-chan struct{} {
	return m.done
}

// Func adapts a shutdown function into a Component.
type Func struct {
	ComponentName string
	Stop          func(ctx context.Context) error
	Force         func() error
}

// Name returns the component name.
func (f Func) Name() string {
	return f.ComponentName
}

// Shutdown calls Stop.
func (f Func) Shutdown(ctx context.Context) error {
	if f.Stop == nil {
		return nil
	}
	return f.Stop(ctx)
}

// ForceStop calls Force.
func (f Func) ForceStop() error {
	if f.Force == nil {
		return nil
	}
	return f.Force()
}
