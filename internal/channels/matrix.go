// ABOUTME: MatrixChannel delivers responses as text messages into Matrix rooms
// ABOUTME: Uses a mautrix client authenticated with a bot access token

package channels

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/id"
)

const sendTimeout = 30 * time.Second

// MatrixConfig configures a MatrixChannel.
type MatrixConfig struct {
	Homeserver  string
	UserID      string
	AccessToken string
}

// textSender is the subset of *mautrix.Client the channel needs.
type textSender interface {
	SendText(ctx context.Context, roomID id.RoomID, text string) (*mautrix.RespSendEvent, error)
}

// MatrixChannel sends text to Matrix rooms. Targets are room ids
// ("!abc:example.org").
type MatrixChannel struct {
	client textSender
	logger *slog.Logger
}

// NewMatrixChannel creates a MatrixChannel.
func NewMatrixChannel(cfg MatrixConfig, logger *slog.Logger) (*MatrixChannel, error) {
	if cfg.Homeserver == "" || cfg.UserID == "" || cfg.AccessToken == "" {
		return nil, fmt.Errorf("matrix channel requires homeserver, user_id and access_token")
	}
	client, err := mautrix.NewClient(cfg.Homeserver, id.UserID(cfg.UserID), cfg.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("creating matrix client: %w", err)
	}
	return newMatrixChannel(client, logger), nil
}

func newMatrixChannel(client textSender, logger *slog.Logger) *MatrixChannel {
	if logger == nil {
		logger = slog.Default()
	}
	return &MatrixChannel{client: client, logger: logger.With("component", "channel", "channel", "matrix")}
}

func (c *MatrixChannel) ID() string { return "matrix" }

func (c *MatrixChannel) Send(ctx context.Context, target, text string) error {
	if !strings.HasPrefix(target, "!") {
		return fmt.Errorf("%w: matrix target must be a room id", ErrInvalidTarget)
	}

	ctx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()

	resp, err := c.client.SendText(ctx, id.RoomID(target), text)
	if err != nil {
		return fmt.Errorf("sending matrix message: %w", err)
	}
	c.logger.Debug("message sent", "room", target, "event_id", resp.EventID.String())
	return nil
}
