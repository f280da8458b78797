// ABOUTME: Shared streaming state machine that pumps a run subscription into an Encoder
// ABOUTME: Client disconnects close the subscription only and never cancel the run

package adapter

import (
	"context"
	"errors"
	"io"

	"github.com/2389/clawd-gateway/internal/agent"
	"github.com/2389/clawd-gateway/internal/eventbus"
)

// StreamState tracks a streaming response's progress.
type StreamState int

const (
	StreamOpen StreamState = iota
	StreamStreaming
	StreamClosedNormal
	StreamClosedError
	StreamClosedClientDisconnect
)

func (s StreamState) String() string {
	switch s {
	case StreamOpen:
		return "open"
	case StreamStreaming:
		return "streaming"
	case StreamClosedNormal:
		return "closed_normal"
	case StreamClosedError:
		return "closed_error"
	case StreamClosedClientDisconnect:
		return "closed_client_disconnect"
	default:
		return "unknown"
	}
}

// Encoder projects run events onto one wire format.
type Encoder interface {
	// Encode writes one event. An error means the client is gone.
	Encode(ev *agent.Event) error
	// Abort writes a terminal error when the stream ends abnormally,
	// for example when the subscriber fell behind.
	Abort(err error) error
}

// Pump feeds sub into enc until the terminal event, a subscription error,
// or ctx ending. Ending ctx or failing to write closes the subscription;
// the run itself is left alone.
func Pump(ctx context.Context, sub *eventbus.Subscription, enc Encoder) (StreamState, error) {
	state := StreamOpen
	for {
		ev, err := sub.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				sub.Close()
				return StreamClosedClientDisconnect, ctx.Err()
			}
			if errors.Is(err, io.EOF) {
				if state == StreamOpen {
					return StreamClosedError, io.ErrUnexpectedEOF
				}
				return StreamClosedNormal, nil
			}
			_ = enc.Abort(err)
			return StreamClosedError, err
		}

		state = StreamStreaming
		if err := enc.Encode(ev); err != nil {
			sub.Close()
			return StreamClosedClientDisconnect, err
		}

		if ev.Kind.Terminal() {
			if ev.Kind == agent.EventError {
				return StreamClosedError, nil
			}
			return StreamClosedNormal, nil
		}
	}
}
