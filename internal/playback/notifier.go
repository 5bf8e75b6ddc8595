package playback

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/charmbracelet/log"
	"golang.org/x/time/rate"

	"github.com/vcplay/vcplay/internal/telegram"
)

// Notifier reports finished streams to a fixed chat. Messages beyond the
// configured rate are dropped.
type Notifier struct {
	target  string
	limiter *rate.Limiter
	logger  *log.Logger

	sent    atomic.Int64
	dropped atomic.Int64
}

// NewNotifier creates a notifier sending to target. A rate of zero or less
// disables limiting; an empty target disables notifications.
func NewNotifier(target string, perSecond float64, burst int, logger *log.Logger) *Notifier {
	if logger == nil {
		logger = log.Default()
	}
	limit := rate.Limit(perSecond)
	if perSecond <= 0 {
		limit = rate.Inf
	}
	if burst < 1 {
		burst = 1
	}
	return &Notifier{
		target:  target,
		limiter: rate.NewLimiter(limit, burst),
		logger:  logger,
	}
}

// StreamEnded sends the stream-end message for chatID through client.
func (n *Notifier) StreamEnded(ctx context.Context, client telegram.Client, chatID int64) error {
	if n.target == "" {
		return nil
	}
	if !n.limiter.Allow() {
		n.dropped.Add(1)
		n.logger.Warn("Dropping notification", "chat", chatID, "target", n.target)
		return nil
	}

	if err := client.SendMessage(ctx, n.target, fmt.Sprintf("Stream ended in chat id %d", chatID)); err != nil {
		return fmt.Errorf("notify %s: %w", n.target, err)
	}
	n.sent.Add(1)
	return nil
}

// Sent returns how many notifications were delivered.
func (n *Notifier) Sent() int64 { return n.sent.Load() }

// Dropped returns how many notifications the rate limit discarded.
func (n *Notifier) Dropped() int64 { return n.dropped.Load() }
