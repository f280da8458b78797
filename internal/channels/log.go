// ABOUTME: LogChannel writes deliveries to the structured logger
// ABOUTME: Useful for local development and as a delivery sink in tests

package channels

import (
	"context"
	"log/slog"
	"sync"
)

// Delivery is one message handed to a LogChannel.
type Delivery struct {
	Target string
	Text   string
}

// LogChannel logs every delivery and keeps the most recent ones.
type LogChannel struct {
	id     string
	logger *slog.Logger
	keep   int

	mu   sync.Mutex
	sent []Delivery
}

// NewLogChannel creates a LogChannel that remembers up to keep deliveries.
func NewLogChannel(id string, keep int, logger *slog.Logger) *LogChannel {
	if logger == nil {
		logger = slog.Default()
	}
	if id == "" {
		id = "log"
	}
	return &LogChannel{id: id, keep: keep, logger: logger.With("component", "channel", "channel", id)}
}

func (c *LogChannel) ID() string { return c.id }

func (c *LogChannel) Send(ctx context.Context, target, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.logger.Info("delivery", "target", target, "text", text)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.keep > 0 {
		c.sent = append(c.sent, Delivery{Target: target, Text: text})
		if len(c.sent) > c.keep {
			c.sent = c.sent[len(c.sent)-c.keep:]
		}
	}
	return nil
}

// Sent returns the remembered deliveries, oldest first.
func (c *LogChannel) Sent() []Delivery {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Delivery, len(c.sent))
	copy(out, c.sent)
	return out
}
