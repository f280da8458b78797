// ABOUTME: Registry of outbound delivery channels keyed by channel id
// ABOUTME: Send resolves the channel and delivers text to a target within it

package channels

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"sync"
)

// Channel errors
var (
	ErrChannelNotFound = errors.New("channel not found")
	ErrEmptyTarget     = errors.New("delivery target is required")
	ErrInvalidTarget   = errors.New("invalid delivery target")
	ErrEmptyText       = errors.New("delivery text is required")
)

// Channel delivers text to a target.
type Channel interface {
	// ID names the channel in requests, e.g. "matrix".
	ID() string
	Send(ctx context.Context, target, text string) error
}

// Registry holds the configured channels.
type Registry struct {
	mu       sync.RWMutex
	channels map[string]Channel
	logger   *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		channels: make(map[string]Channel),
		logger:   logger.With("component", "channels"),
	}
}

// Register adds ch, replacing any channel with the same id.
func (r *Registry) Register(ch Channel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.channels[ch.ID()] = ch
	r.logger.Info("channel registered", "channel", ch.ID())
}

// Get returns the channel with id.
func (r *Registry) Get(id string) (Channel, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ch, ok := r.channels[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrChannelNotFound, id)
	}
	return ch, nil
}

// IDs returns the registered channel ids in sorted order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Sorted(maps.Keys(r.channels))
}

// Send delivers text to target on the channel named channelID.
func (r *Registry) Send(ctx context.Context, channelID, target, text string) error {
	ch, err := r.Get(channelID)
	if err != nil {
		return err
	}
	if strings.TrimSpace(target) == "" {
		return ErrEmptyTarget
	}
	if text == "" {
		return ErrEmptyText
	}

	if err := ch.Send(ctx, target, text); err != nil {
		r.logger.Error("delivery failed", "channel", channelID, "target", target, "error", err)
		return fmt.Errorf("sending via %s: %w", channelID, err)
	}
	r.logger.Debug("delivered", "channel", channelID, "target", target, "len", len(text))
	return nil
}
