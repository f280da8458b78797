// ABOUTME: Engine interface that the run coordinator drives for each run
// ABOUTME: Request carries session history, the new input, and per-run options

package agent

import (
	"context"

	"github.com/2389/clawd-gateway/internal/session"
)

// Engine produces the output of one run. Run must return promptly; the
// work happens in a goroutine that sends on the returned channel and
// closes it when finished.
type Engine interface {
	Run(ctx context.Context, req *Request) (<-chan *Event, error)
}

// ModelLister is implemented by engines that can report the models they serve.
type ModelLister interface {
	Models() []string
}

// Request is the input to a single run.
type Request struct {
	RunID     string
	SessionID string
	History   []session.Turn
	Input     string
	Options   Options
}

// Options are per-run knobs passed through from the protocol surface.
type Options struct {
	Model     string
	MaxTokens int
	Caller    string // authenticated principal, if any
}
