// Package bridge runs the Telegram client and call engine on a single
// worker goroutine and lets request handlers submit units of work to it.
//
// Request goroutines never touch the client or engine directly. A unit of
// work is split in two: Prepare runs on the caller's goroutine and is where
// slow I/O such as downloads belongs, and Apply runs on the worker with
// access to the collaborator handles. Apply calls are serialized.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/vcplay/vcplay/internal/telegram"
)

var (
	// ErrRuntimeUnavailable is returned when the runtime is not ready.
	ErrRuntimeUnavailable = errors.New("runtime unavailable")

	// ErrSubmitTimeout is returned when a unit did not complete in time.
	ErrSubmitTimeout = errors.New("timed out waiting for runtime")

	// ErrUnitPanicked wraps a panic recovered from a unit of work.
	ErrUnitPanicked = errors.New("unit of work panicked")
)

// Handles are the collaborators owned by the worker.
type Handles struct {
	Client telegram.Client
	Engine telegram.CallEngine
}

// Unit is a unit of work. Either step may be nil. When Apply is nil the
// result of Prepare is returned.
type Unit struct {
	Name    string
	Prepare func(ctx context.Context) (any, error)
	Apply   func(ctx context.Context, h Handles, prepared any) (any, error)
}

// Handler reacts to a call engine event on the worker.
type Handler func(ctx context.Context, h Handles, ev telegram.Event) error

// Submitter accepts units of work.
type Submitter interface {
	Submit(ctx context.Context, u Unit) (any, error)
}

// Options configures a Bridge.
type Options struct {
	Session   string
	NewClient telegram.ClientFactory
	NewEngine telegram.EngineFactory

	QueueSize      int
	SubmitTimeout  time.Duration // Bound on queueing plus Apply
	StartTimeout   time.Duration // Bound on startup and shutdown
	HandlerTimeout time.Duration // Bound on a single event handler

	Logger *log.Logger
}

// DefaultOptions returns the default bridge options without collaborators.
func DefaultOptions() Options {
	return Options{
		QueueSize:      64,
		SubmitTimeout:  30 * time.Second,
		StartTimeout:   30 * time.Second,
		HandlerTimeout: 30 * time.Second,
	}
}

type registration struct {
	name    string
	filter  telegram.EventFilter
	handler Handler
}

// Builder collects event handlers before the runtime exists. The collected
// handlers are handed to the call engine when it is constructed.
type Builder struct {
	regs []registration
}

// NewBuilder creates an empty builder.
func NewBuilder() *Builder {
	return &Builder{}
}

// On registers handler for events matching filter.
func (b *Builder) On(name string, filter telegram.EventFilter, handler Handler) *Builder {
	b.regs = append(b.regs, registration{name: name, filter: filter, handler: handler})
	return b
}

// Len returns the number of registered handlers.
func (b *Builder) Len() int {
	return len(b.regs)
}

// Build creates the runtime. It does not start it.
func (b *Builder) Build(opts Options) (*Bridge, error) {
	if opts.NewClient == nil || opts.NewEngine == nil {
		return nil, errors.New("bridge: client and engine factories are required")
	}

	defaults := DefaultOptions()
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaults.QueueSize
	}
	if opts.SubmitTimeout <= 0 {
		opts.SubmitTimeout = defaults.SubmitTimeout
	}
	if opts.StartTimeout <= 0 {
		opts.StartTimeout = defaults.StartTimeout
	}
	if opts.HandlerTimeout <= 0 {
		opts.HandlerTimeout = defaults.HandlerTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}

	regs := make([]registration, len(b.regs))
	copy(regs, b.regs)

	return &Bridge{
		opts:   opts,
		regs:   regs,
		logger: logger.WithPrefix("bridge"),
		jobs:   make(chan job, opts.QueueSize),
		ready:  make(chan struct{}),
		done:   make(chan struct{}),
	}, nil
}

type result struct {
	value any
	err   error
}

type job struct {
	name   string
	ctx    context.Context
	fn     func(ctx context.Context, h Handles) (any, error)
	result chan<- result // nil for events
	last   bool          // shutdown; the worker exits after it
}

// Bridge owns the worker goroutine and the collaborator handles.
type Bridge struct {
	opts   Options
	regs   []registration
	logger *log.Logger
	jobs   chan job

	mu    sync.RWMutex
	state State
	err   error

	startOnce sync.Once
	stopOnce  sync.Once
	stopErr   error
	ready     chan struct{} // closed once startup settled
	done      chan struct{} // closed when the worker exited

	// Only touched on the worker.
	handles Handles
}

// State returns the current lifecycle state.
func (b *Bridge) State() State {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}

// Err returns the startup error, if startup failed.
func (b *Bridge) Err() error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.err
}

// Done is closed when the worker has exited.
func (b *Bridge) Done() <-chan struct{} {
	return b.done
}

// setState moves to the given state if the transition is allowed. Callers
// hold b.mu.
func (b *Bridge) setState(to State) bool {
	if !canTransition(b.state, to) {
		b.logger.Warn("Invalid state transition", "from", b.state, "to", to)
		return false
	}
	b.logger.Debug("State transition", "from", b.state, "to", to)
	b.state = to
	return true
}

// Start brings up the client and the call engine. Concurrent and repeated
// calls share a single startup and all observe its outcome.
func (b *Bridge) Start(ctx context.Context) error {
	b.startOnce.Do(func() {
		b.mu.Lock()
		b.setState(StateStarting)
		b.mu.Unlock()
		go b.run()
	})

	select {
	case <-b.ready:
	case <-ctx.Done():
		return ctx.Err()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	switch {
	case b.state == StateReady:
		return nil
	case b.err != nil:
		return b.err
	default:
		return ErrRuntimeUnavailable
	}
}

func (b *Bridge) run() {
	defer close(b.done)

	if err := b.startup(); err != nil {
		b.logger.Error("Runtime startup failed", "error", err)
		b.mu.Lock()
		b.err = err
		b.setState(StateStopped)
		b.mu.Unlock()
		close(b.ready)
		return
	}

	b.mu.Lock()
	b.setState(StateReady)
	b.mu.Unlock()
	close(b.ready)

	defer b.drain()
	for j := range b.jobs {
		if j.last {
			err := b.shutdown(j.ctx)
			j.result <- result{err: err}
			return
		}
		b.execute(j)
	}
}

func (b *Bridge) startup() error {
	ctx, cancel := context.WithTimeout(context.Background(), b.opts.StartTimeout)
	defer cancel()

	client, err := b.opts.NewClient(b.opts.Session)
	if err != nil {
		return fmt.Errorf("create client: %w", err)
	}
	if err := client.Start(ctx); err != nil {
		return fmt.Errorf("start client: %w", err)
	}

	engine, err := b.opts.NewEngine(client, b.wire())
	if err != nil {
		_ = client.Stop(ctx)
		return fmt.Errorf("create call engine: %w", err)
	}
	if err := engine.Start(ctx); err != nil {
		_ = client.Stop(ctx)
		return fmt.Errorf("start call engine: %w", err)
	}

	b.handles = Handles{Client: client, Engine: engine}
	b.logger.Info("Runtime started", "handlers", len(b.regs))
	return nil
}

func (b *Bridge) shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), b.opts.StartTimeout)
	defer cancel()

	var errs []error
	if b.handles.Engine != nil {
		if err := b.handles.Engine.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop call engine: %w", err))
		}
	}
	if b.handles.Client != nil {
		if err := b.handles.Client.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop client: %w", err))
		}
	}
	b.handles = Handles{}

	b.mu.Lock()
	b.setState(StateStopped)
	b.mu.Unlock()

	b.logger.Info("Runtime stopped")
	return errors.Join(errs...)
}

// drain rejects whatever is still queued after shutdown.
func (b *Bridge) drain() {
	for {
		select {
		case j := <-b.jobs:
			if j.result != nil {
				j.result <- result{err: ErrRuntimeUnavailable}
			}
		default:
			return
		}
	}
}

func (b *Bridge) execute(j job) {
	start := time.Now()
	value, err := b.call(j)

	if j.result != nil {
		j.result <- result{value: value, err: err}
	} else if err != nil {
		b.logger.Error("Handler failed", "handler", j.name, "error", err)
	}
	b.logger.Debug("Unit finished", "unit", j.name, "took", time.Since(start), "error", err)
}

func (b *Bridge) call(j job) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %s: %v", ErrUnitPanicked, j.name, r)
		}
	}()

	// The caller may have given up while the job was queued.
	if err := j.ctx.Err(); err != nil {
		return nil, err
	}
	return j.fn(j.ctx, b.handles)
}

// wire turns the registered handlers into engine registrations that post
// the event to the worker.
func (b *Bridge) wire() []telegram.Registration {
	regs := make([]telegram.Registration, 0, len(b.regs))
	for _, r := range b.regs {
		regs = append(regs, telegram.Registration{
			Filter:   r.filter,
			Callback: func(ev telegram.Event) { b.post(r, ev) },
		})
	}
	return regs
}

// post queues an event handler without blocking the engine.
func (b *Bridge) post(r registration, ev telegram.Event) {
	if state := b.State(); state != StateReady && state != StateStarting {
		b.logger.Debug("Dropping event", "handler", r.name, "chat", ev.ChatID(), "state", state)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), b.opts.HandlerTimeout)
	j := job{
		name: r.name,
		ctx:  ctx,
		fn: func(ctx context.Context, h Handles) (any, error) {
			defer cancel()
			return nil, r.handler(ctx, h, ev)
		},
	}

	select {
	case b.jobs <- j:
	default:
		// Queue is full; the engine may be calling us from the worker itself.
		go func() {
			select {
			case b.jobs <- j:
			case <-b.done:
				cancel()
			}
		}()
	}
}

func (b *Bridge) available() error {
	if b.State() != StateReady {
		return ErrRuntimeUnavailable
	}
	return nil
}

// Submit runs u and waits for its result. Prepare runs on the calling
// goroutine; Apply is queued to the worker and must finish within the
// submit timeout. Submit fails with ErrRuntimeUnavailable unless the
// runtime is ready.
func (b *Bridge) Submit(ctx context.Context, u Unit) (any, error) {
	if err := b.available(); err != nil {
		return nil, err
	}

	var prepared any
	if u.Prepare != nil {
		var err error
		if prepared, err = u.Prepare(ctx); err != nil {
			return nil, err
		}
	}
	if u.Apply == nil {
		return prepared, nil
	}

	return b.apply(ctx, u.Name, func(ctx context.Context, h Handles) (any, error) {
		return u.Apply(ctx, h, prepared)
	})
}

func (b *Bridge) apply(ctx context.Context, name string, fn func(context.Context, Handles) (any, error)) (any, error) {
	if err := b.available(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, b.opts.SubmitTimeout)
	defer cancel()

	res := make(chan result, 1)
	select {
	case b.jobs <- job{name: name, ctx: ctx, fn: fn, result: res}:
	case <-ctx.Done():
		return nil, waitErr(ctx, name)
	case <-b.done:
		return nil, ErrRuntimeUnavailable
	}

	select {
	case r := <-res:
		return r.value, r.err
	case <-ctx.Done():
		return nil, waitErr(ctx, name)
	case <-b.done:
		select {
		case r := <-res:
			return r.value, r.err
		default:
			return nil, ErrRuntimeUnavailable
		}
	}
}

func waitErr(ctx context.Context, name string) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s", ErrSubmitTimeout, name)
	}
	return ctx.Err()
}

// Stop drains queued work, stops the call engine and then the client.
// Stopping a runtime that never started just marks it stopped. Stop is
// idempotent.
func (b *Bridge) Stop(ctx context.Context) error {
	b.stopOnce.Do(func() {
		b.startOnce.Do(func() {
			b.mu.Lock()
			b.setState(StateStopped)
			b.mu.Unlock()
			close(b.ready)
			close(b.done)
		})

		select {
		case <-b.ready:
		case <-ctx.Done():
			b.stopErr = ctx.Err()
			return
		}

		b.mu.Lock()
		if b.state != StateReady {
			b.mu.Unlock()
			return
		}
		b.setState(StateStopping)
		b.mu.Unlock()

		res := make(chan result, 1)
		select {
		case b.jobs <- job{name: "shutdown", ctx: ctx, result: res, last: true}:
		case <-ctx.Done():
			b.stopErr = ctx.Err()
			return
		}

		select {
		case r := <-res:
			b.stopErr = r.err
		case <-ctx.Done():
			b.stopErr = ctx.Err()
		}
	})
	return b.stopErr
}

// Name returns the component name.
func (b *Bridge) Name() string {
	return "runtime bridge"
}

// Shutdown stops the runtime.
func (b *Bridge) Shutdown(ctx context.Context) error {
	return b.Stop(ctx)
}

// ForceStop abandons the worker. Collaborators are left to process exit.
func (b *Bridge) ForceStop() error {
	return nil
}

// Do submits u and asserts the result type.
func Do[T any](ctx context.Context, s Submitter, u Unit) (T, error) {
	var zero T
	v, err := s.Submit(ctx, u)
	if err != nil || v == nil {
		return zero, err
	}
	t, ok := v.(T)
	if !ok {
		return zero, fmt.Errorf("unit %s returned %T, want %T", u.Name, v, zero)
	}
	return t, nil
}
