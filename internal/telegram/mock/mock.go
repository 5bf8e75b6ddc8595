// Package mock provides in-process Telegram collaborators for testing and
// for running the server without a real session.
package mock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/vcplay/vcplay/internal/telegram"
)

// ErrNotStarted is returned by operations on a collaborator that was not
// started.
var ErrNotStarted = errors.New("mock: not started")

// Message is a message sent through the mock client.
type Message struct {
	Target string
	Text   string
}

// Client implements telegram.Client in memory.
type Client struct {
	mu       sync.Mutex
	session  string
	started  bool
	joined   map[string]bool
	messages []Message
	failures map[string]error
	calls    map[string]int
}

// NewClient creates a mock client. It satisfies telegram.ClientFactory.
func NewClient(session string) (telegram.Client, error) {
	return New(session), nil
}

// New creates a mock client for the given session.
func New(session string) *Client {
	return &Client{
		session:  session,
		joined:   make(map[string]bool),
		failures: make(map[string]error),
		calls:    make(map[string]int),
	}
}

// Start marks the client as started.
func (c *Client) Start(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls["start"]++
	if err := c.failures["start"]; err != nil {
		return err
	}
	c.started = true
	return nil
}

// Stop marks the client as stopped.
func (c *Client) Stop(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls["stop"]++
	c.started = false
	return c.failures["stop"]
}

// JoinChat records the chat as joined. Joining twice reports the same
// USER_ALREADY_PARTICIPANT error a real session would.
func (c *Client) JoinChat(_ context.Context, chat string) (telegram.Chat, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls["join"]++

	if !c.started {
		return telegram.Chat{}, ErrNotStarted
	}
	if err := c.failures["join"]; err != nil {
		return telegram.Chat{}, err
	}
	if c.joined[chat] {
		return telegram.Chat{}, fmt.Errorf("[400 %w] The user is already a participant of this chat", telegram.ErrAlreadyParticipant)
	}
	c.joined[chat] = true
	return telegram.Chat{ID: int64(len(c.joined)), Title: chat, Username: chat}, nil
}

// SendMessage records the message.
func (c *Client) SendMessage(_ context.Context, target, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls["send"]++

	if !c.started {
		return ErrNotStarted
	}
	if err := c.failures["send"]; err != nil {
		return err
	}
	c.messages = append(c.messages, Message{Target: target, Text: text})
	return nil
}

// Test control methods

// SetFailure makes op ("start", "stop", "join", "send") fail with err.
func (c *Client) SetFailure(op string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures[op] = err
}

// ClearFailure resets op to normal operation.
func (c *Client) ClearFailure(op string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.failures, op)
}

// Messages returns the messages sent so far.
func (c *Client) Messages() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Message, len(c.messages))
	copy(out, c.messages)
	return out
}

// Started reports whether the client is started.
func (c *Client) Started() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.started
}

// GetCallCount returns how often op was called.
func (c *Client) GetCallCount(op string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[op]
}

// Call is one call engine invocation.
type Call struct {
	Op     string
	ChatID int64
	Path   string
}

// Engine implements telegram.CallEngine in memory. When a play duration is
// set, every stream ends on its own after that long.
type Engine struct {
	mu           sync.Mutex
	client       telegram.Client
	regs         []telegram.Registration
	started      bool
	playDuration time.Duration
	streams      map[int64]telegram.MediaStream
	paused       map[int64]bool
	timers       map[int64]*time.Timer
	calls        []Call
	failures     map[string]error
}

// NewEngine creates a mock engine bound to client. It satisfies
// telegram.EngineFactory.
func NewEngine(client telegram.Client, regs []telegram.Registration) (telegram.CallEngine, error) {
	return NewEngineWithDuration(client, regs, 0), nil
}

// Factory returns an engine factory whose streams end after playDuration.
// A zero duration means streams only end through EndStream.
func Factory(playDuration time.Duration) telegram.EngineFactory {
	return func(client telegram.Client, regs []telegram.Registration) (telegram.CallEngine, error) {
		return NewEngineWithDuration(client, regs, playDuration), nil
	}
}

// NewEngineWithDuration creates a mock engine with an automatic stream end.
func NewEngineWithDuration(client telegram.Client, regs []telegram.Registration, playDuration time.Duration) *Engine {
	return &Engine{
		client:       client,
		regs:         regs,
		playDuration: playDuration,
		streams:      make(map[int64]telegram.MediaStream),
		paused:       make(map[int64]bool),
		timers:       make(map[int64]*time.Timer),
		failures:     make(map[string]error),
	}
}

// Start marks the engine as started.
func (e *Engine) Start(context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.record("start", 0, "")
	if err := e.failures["start"]; err != nil {
		return err
	}
	e.started = true
	return nil
}

// Stop stops the engine and cancels pending stream ends.
func (e *Engine) Stop(context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.record("stop", 0, "")
	for chatID, t := range e.timers {
		t.Stop()
		delete(e.timers, chatID)
	}
	e.started = false
	return nil
}

// Play starts streaming into chatID, replacing any current stream.
func (e *Engine) Play(_ context.Context, chatID int64, stream telegram.MediaStream) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.record("play", chatID, stream.Path)

	if !e.started {
		return ErrNotStarted
	}
	if err := e.failures["play"]; err != nil {
		return err
	}

	e.streams[chatID] = stream
	delete(e.paused, chatID)
	if t, ok := e.timers[chatID]; ok {
		t.Stop()
	}
	if e.playDuration > 0 {
		e.timers[chatID] = time.AfterFunc(e.playDuration, func() {
			e.EndStream(chatID)
		})
	}
	return nil
}

// Pause pauses the stream in chatID.
func (e *Engine) Pause(_ context.Context, chatID int64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.record("pause", chatID, "")

	if err := e.failures["pause"]; err != nil {
		return err
	}
	if _, ok := e.streams[chatID]; !ok {
		return fmt.Errorf("pause chat %d: %w", chatID, telegram.ErrNotInCall)
	}
	e.paused[chatID] = true
	return nil
}

// Resume resumes the stream in chatID.
func (e *Engine) Resume(_ context.Context, chatID int64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.record("resume", chatID, "")

	if err := e.failures["resume"]; err != nil {
		return err
	}
	if _, ok := e.streams[chatID]; !ok {
		return fmt.Errorf("resume chat %d: %w", chatID, telegram.ErrNotInCall)
	}
	delete(e.paused, chatID)
	return nil
}

// LeaveCall leaves the call in chatID.
func (e *Engine) LeaveCall(_ context.Context, chatID int64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.record("leave", chatID, "")

	if err := e.failures["leave"]; err != nil {
		return err
	}
	if _, ok := e.streams[chatID]; !ok {
		return fmt.Errorf("leave chat %d: %w", chatID, telegram.ErrNotInCall)
	}
	e.drop(chatID)
	return nil
}

// EndStream finishes the stream in chatID and raises StreamEnded. It
// returns false when nothing was playing there.
func (e *Engine) EndStream(chatID int64) bool {
	e.mu.Lock()
	_, ok := e.streams[chatID]
	regs := e.regs
	e.mu.Unlock()

	if !ok {
		return false
	}
	telegram.Dispatch(regs, telegram.StreamEnded{Chat: chatID})
	return true
}

// drop forgets chatID. Callers hold e.mu.
func (e *Engine) drop(chatID int64) {
	delete(e.streams, chatID)
	delete(e.paused, chatID)
	if t, ok := e.timers[chatID]; ok {
		t.Stop()
		delete(e.timers, chatID)
	}
}

func (e *Engine) record(op string, chatID int64, path string) {
	e.calls = append(e.calls, Call{Op: op, ChatID: chatID, Path: path})
}

// Test control methods

// SetFailure makes op ("start", "play", "pause", "resume", "leave") fail with
// err.
func (e *Engine) SetFailure(op string, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.failures[op] = err
}

// ClearFailure resets op to normal operation.
func (e *Engine) ClearFailure(op string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.failures, op)
}

// Calls returns every invocation so far.
func (e *Engine) Calls() []Call {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Call, len(e.calls))
	copy(out, e.calls)
	return out
}

// GetCallCount returns how often op was called.
func (e *Engine) GetCallCount(op string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, c := range e.calls {
		if c.Op == op {
			n++
		}
	}
	return n
}

// Streaming returns the stream playing in chatID.
func (e *Engine) Streaming(chatID int64) (telegram.MediaStream, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.streams[chatID]
	return s, ok
}

// Paused reports whether chatID is paused.
func (e *Engine) Paused(chatID int64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.paused[chatID]
}

// Client returns the client the engine is bound to.
func (e *Engine) Client() telegram.Client {
	return e.client
}
