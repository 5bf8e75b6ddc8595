// Package playback tracks per-chat playback sessions and drives the call
// engine through the runtime bridge.
package playback

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/charmbracelet/log"

	"github.com/vcplay/vcplay/internal/bridge"
	"github.com/vcplay/vcplay/internal/fallback"
	"github.com/vcplay/vcplay/internal/telegram"
)

// ErrNoActiveSession is returned when pausing or resuming a chat that has
// nothing playing.
var ErrNoActiveSession = errors.New("no active session")

// Resolver turns a resource key into a local file.
type Resolver interface {
	Resolve(ctx context.Context, key, preferred string) (fallback.Result, error)
}

// Session is the playback state of one chat.
type Session struct {
	ChatID    int64     `json:"chat_id"`
	State     State     `json:"state"`
	Key       string    `json:"url,omitempty"`
	Path      string    `json:"path,omitempty"`
	Backend   string    `json:"api_used,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Options configures a Controller.
type Options struct {
	NotifyTarget string
	NotifyRate   float64 // notifications per second, 0 for unlimited
	NotifyBurst  int
}

// DefaultOptions returns the default controller options.
func DefaultOptions() Options {
	return Options{
		NotifyTarget: "@vcmusiclubot",
		NotifyRate:   1,
		NotifyBurst:  5,
	}
}

// Controller implements play, pause, resume and stop per chat. Sessions are
// read and written only inside units running on the bridge worker.
type Controller struct {
	resolver Resolver
	notifier *Notifier
	logger   *log.Logger
	runtime  bridge.Submitter

	sessions map[int64]*Session
}

// New creates a controller. Bind must be called before any operation that
// needs the runtime.
func New(resolver Resolver, opts Options, logger *log.Logger) *Controller {
	if logger == nil {
		logger = log.Default()
	}
	logger = logger.WithPrefix("playback")
	return &Controller{
		resolver: resolver,
		notifier: NewNotifier(opts.NotifyTarget, opts.NotifyRate, opts.NotifyBurst, logger),
		logger:   logger,
		sessions: make(map[int64]*Session),
	}
}

// Register installs the stream-end reaction on b.
func (c *Controller) Register(b *bridge.Builder) *bridge.Builder {
	return b.On("stream-end", telegram.StreamEnd(), c.onStreamEnd)
}

// Bind sets the runtime the controller submits work to.
func (c *Controller) Bind(runtime bridge.Submitter) {
	c.runtime = runtime
}

// Notifier returns the stream-end notifier.
func (c *Controller) Notifier() *Notifier {
	return c.notifier
}

type submitFunc func(context.Context, bridge.Unit) (any, error)

func (f submitFunc) Submit(ctx context.Context, u bridge.Unit) (any, error) { return f(ctx, u) }

func (c *Controller) submit(ctx context.Context, u bridge.Unit) (any, error) {
	if c.runtime == nil {
		return nil, bridge.ErrRuntimeUnavailable
	}
	return c.runtime.Submit(ctx, u)
}

// Play resolves key to a local file and streams it into chatID, replacing
// whatever was playing there. The download happens before the unit reaches
// the worker.
func (c *Controller) Play(ctx context.Context, chatID int64, key, preferred string) (fallback.Result, error) {
	return bridge.Do[fallback.Result](ctx, submitFunc(c.submit), bridge.Unit{
		Name: "play",
		Prepare: func(ctx context.Context) (any, error) {
			return c.resolver.Resolve(ctx, key, preferred)
		},
		Apply: func(ctx context.Context, h bridge.Handles, prepared any) (any, error) {
			res := prepared.(fallback.Result)
			if err := h.Engine.Play(ctx, chatID, telegram.MediaStream{Path: res.Path, IgnoreVideo: true}); err != nil {
				return nil, fmt.Errorf("play in chat %d: %w", chatID, err)
			}

			s := c.session(chatID)
			c.transition(s, StatePlaying)
			s.Key = key
			s.Path = res.Path
			s.Backend = res.Backend

			c.logger.Info("Playing", "chat", chatID, "key", key, "backend", res.Backend, "cached", res.Cached)
			return res, nil
		},
	})
}

// Pause pauses the stream in chatID.
func (c *Controller) Pause(ctx context.Context, chatID int64) error {
	return c.toggle(ctx, "pause", chatID, StatePaused, func(ctx context.Context, e telegram.CallEngine) error {
		return e.Pause(ctx, chatID)
	})
}

// Resume resumes the stream in chatID.
func (c *Controller) Resume(ctx context.Context, chatID int64) error {
	return c.toggle(ctx, "resume", chatID, StatePlaying, func(ctx context.Context, e telegram.CallEngine) error {
		return e.Resume(ctx, chatID)
	})
}

func (c *Controller) toggle(ctx context.Context, name string, chatID int64, to State,
	op func(context.Context, telegram.CallEngine) error) error {
	_, err := c.submit(ctx, bridge.Unit{
		Name: name,
		Apply: func(ctx context.Context, h bridge.Handles, _ any) (any, error) {
			s, ok := c.sessions[chatID]
			if !ok || s.State == StateIdle {
				return nil, fmt.Errorf("%s chat %d: %w", name, chatID, ErrNoActiveSession)
			}

			if err := op(ctx, h.Engine); err != nil {
				if telegram.IsNotInCall(err) {
					// The call is gone; the session is stale.
					delete(c.sessions, chatID)
					return nil, fmt.Errorf("%s chat %d: %w", name, chatID, ErrNoActiveSession)
				}
				return nil, fmt.Errorf("%s chat %d: %w", name, chatID, err)
			}

			c.transition(s, to)
			c.logger.Info("Session updated", "chat", chatID, "state", s.State)
			return nil, nil
		},
	})
	return err
}

// Stop leaves the call in chatID and forgets its session. Stopping a chat
// that is not in a call succeeds.
func (c *Controller) Stop(ctx context.Context, chatID int64) error {
	_, err := c.submit(ctx, bridge.Unit{
		Name: "stop",
		Apply: func(ctx context.Context, h bridge.Handles, _ any) (any, error) {
			if err := h.Engine.LeaveCall(ctx, chatID); err != nil && !telegram.IsNotInCall(err) {
				return nil, fmt.Errorf("stop chat %d: %w", chatID, err)
			}
			if _, ok := c.sessions[chatID]; ok {
				delete(c.sessions, chatID)
				c.logger.Info("Stopped", "chat", chatID)
			}
			return nil, nil
		},
	})
	return err
}

// Cache downloads key without playing it. It does not need the runtime.
func (c *Controller) Cache(ctx context.Context, key, preferred string) (fallback.Result, error) {
	return c.resolver.Resolve(ctx, key, preferred)
}

// Join makes the session client join chat, given as a username, an @name
// or a t.me link.
func (c *Controller) Join(ctx context.Context, chat string) (telegram.Chat, error) {
	name := telegram.NormalizeChat(chat)
	return bridge.Do[telegram.Chat](ctx, submitFunc(c.submit), bridge.Unit{
		Name: "join",
		Apply: func(ctx context.Context, h bridge.Handles, _ any) (any, error) {
			joined, err := h.Client.JoinChat(ctx, name)
			if err != nil {
				return nil, err
			}
			c.logger.Info("Joined chat", "chat", name, "id", joined.ID)
			return joined, nil
		},
	})
}

// Sessions returns a snapshot of the tracked sessions ordered by chat id.
func (c *Controller) Sessions(ctx context.Context) ([]Session, error) {
	return bridge.Do[[]Session](ctx, submitFunc(c.submit), bridge.Unit{
		Name: "sessions",
		Apply: func(context.Context, bridge.Handles, any) (any, error) {
			out := make([]Session, 0, len(c.sessions))
			for _, s := range c.sessions {
				out = append(out, *s)
			}
			sort.Slice(out, func(i, j int) bool { return out[i].ChatID < out[j].ChatID })
			return out, nil
		},
	})
}

// onStreamEnd leaves the call, forgets the session and sends the stream-end
// notification. Errors are returned to the bridge, which logs them.
func (c *Controller) onStreamEnd(ctx context.Context, h bridge.Handles, ev telegram.Event) error {
	chatID := ev.ChatID()
	c.logger.Info("Stream ended", "chat", chatID)

	var errs []error
	if err := h.Engine.LeaveCall(ctx, chatID); err != nil && !telegram.IsNotInCall(err) {
		errs = append(errs, fmt.Errorf("leave chat %d: %w", chatID, err))
	}
	delete(c.sessions, chatID)

	if err := c.notifier.StreamEnded(ctx, h.Client, chatID); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// session returns the session for chatID, creating an idle one.
func (c *Controller) session(chatID int64) *Session {
	s, ok := c.sessions[chatID]
	if !ok {
		s = &Session{ChatID: chatID, State: StateIdle}
		c.sessions[chatID] = s
	}
	return s
}

func (c *Controller) transition(s *Session, to State) {
	if !CanTransition(s.State, to) {
		c.logger.Warn("Invalid session transition", "chat", s.ChatID, "from", s.State, "to", to)
		return
	}
	s.State = to
	s.UpdatedAt = time.Now()
}
