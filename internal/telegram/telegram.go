// Package telegram defines the contracts for the two external collaborators
// the player drives: the session client that talks to Telegram and the call
// engine that streams media into voice chats.
package telegram

import (
	"context"
	"fmt"
)

// Chat identifies a chat the client joined.
type Chat struct {
	ID       int64  `json:"id"`
	Title    string `json:"title,omitempty"`
	Username string `json:"username,omitempty"`
}

// Client is an authenticated Telegram session.
type Client interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	JoinChat(ctx context.Context, chat string) (Chat, error)
	SendMessage(ctx context.Context, target, text string) error
}

// MediaStream describes what to stream into a call.
type MediaStream struct {
	Path        string
	IgnoreVideo bool
}

// CallEngine streams media into group calls. It is bound to a started
// Client.
type CallEngine interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Play(ctx context.Context, chatID int64, stream MediaStream) error
	Pause(ctx context.Context, chatID int64) error
	Resume(ctx context.Context, chatID int64) error
	LeaveCall(ctx context.Context, chatID int64) error
}

// Event is an update raised by the call engine.
type Event interface {
	ChatID() int64
}

// StreamEnded is raised when the media in a call finished playing.
type StreamEnded struct {
	Chat int64
}

// ChatID implements Event.
func (e StreamEnded) ChatID() int64 {
	return e.Chat
}

// String implements fmt.Stringer.
func (e StreamEnded) String() string {
	return fmt.Sprintf("stream ended in chat %d", e.Chat)
}

// EventFilter selects the events a callback is interested in.
type EventFilter func(Event) bool

// StreamEnd matches StreamEnded events.
func StreamEnd() EventFilter {
	return func(ev Event) bool {
		_, ok := ev.(StreamEnded)
		return ok
	}
}

// Registration pairs a filter with the callback the engine invokes for
// matching events. Callbacks must not block.
type Registration struct {
	Filter   EventFilter
	Callback func(Event)
}

// Dispatch delivers ev to every registration whose filter matches.
func Dispatch(regs []Registration, ev Event) int {
	n := 0
	for _, r := range regs {
		if r.Filter == nil || r.Filter(ev) {
			r.Callback(ev)
			n++
		}
	}
	return n
}

// ClientFactory creates a client for the given session credential.
type ClientFactory func(session string) (Client, error)

// EngineFactory creates a call engine bound to client. The registrations are
// fixed for the lifetime of the engine.
type EngineFactory func(client Client, regs []Registration) (CallEngine, error)
