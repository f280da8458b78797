// ABOUTME: Run state machine and Handle given to callers of Coordinator.Start
// ABOUTME: A run moves pending -> running -> completed|failed|cancelled exactly once

package run

import (
	"context"
	"sync"
	"time"

	"github.com/2389/clawd-gateway/internal/agent"
	"github.com/2389/clawd-gateway/internal/eventbus"
	"github.com/2389/clawd-gateway/internal/session"
)

// State is the lifecycle state of a run.
type State string

const (
	StatePending   State = "pending"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

// Terminal reports whether s is a final state.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// Result is the outcome of a finished run.
type Result struct {
	RunID     string         `json:"run_id"`
	SessionID string         `json:"session_id"`
	State     State          `json:"state"`
	Model     string         `json:"model,omitempty"`
	Text      string         `json:"text,omitempty"`
	Usage     *agent.Usage   `json:"usage,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Err       error          `json:"-"`
	StartedAt time.Time      `json:"started_at"`
	EndedAt   time.Time      `json:"ended_at"`
}

// Run is a single invocation of the engine against a session.
type Run struct {
	id      string
	input   string
	opts    Options
	sess    *session.Session
	bus     *eventbus.Bus
	primary *eventbus.Subscription
	cancel  context.CancelCauseFunc

	mu              sync.Mutex
	state           State
	cancelRequested bool
	timedOut        bool
	graceTimer      *time.Timer
	timeoutTimer    *time.Timer
	result          *Result
	startedAt       time.Time

	forced    chan struct{}
	forceOnce sync.Once
	done      chan struct{}
}

func (r *Run) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *Run) setState(s State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.state.Terminal() {
		r.state = s
	}
}

// requestCancel cancels the engine context and arms the grace timer.
// timeout marks the abort as a run timeout rather than a user cancel.
func (r *Run) requestCancel(grace time.Duration, cause error, timeout bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state.Terminal() {
		return ErrAlreadyTerminal
	}
	if r.cancelRequested {
		return nil
	}
	r.cancelRequested = true
	r.timedOut = timeout
	r.cancel(cause)
	r.graceTimer = time.AfterFunc(grace, r.force)
	return nil
}

func (r *Run) force() {
	r.forceOnce.Do(func() { close(r.forced) })
}

// Handle is the caller's view of a run.
type Handle struct {
	run *Run
}

// ID returns the run id.
func (h *Handle) ID() string { return h.run.id }

// SessionID returns the owning session's id.
func (h *Handle) SessionID() string { return h.run.sess.ID }

// State returns the current run state.
func (h *Handle) State() State { return h.run.State() }

// Events returns the primary subscription, created before the engine
// started so it observes every event of the run.
func (h *Handle) Events() *eventbus.Subscription { return h.run.primary }

// Subscribe attaches an additional live subscriber.
func (h *Handle) Subscribe() *eventbus.Subscription { return h.run.bus.Subscribe() }

// Log returns the events published so far.
func (h *Handle) Log() []*agent.Event { return h.run.bus.Log() }

// Done is closed once the run is terminal and its outcome recorded.
func (h *Handle) Done() <-chan struct{} { return h.run.done }

// Result returns the outcome, or nil while the run is still going.
func (h *Handle) Result() *Result {
	h.run.mu.Lock()
	defer h.run.mu.Unlock()
	return h.run.result
}

// Wait blocks until the run is terminal or ctx is done.
func (h *Handle) Wait(ctx context.Context) (*Result, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-h.run.done:
		return h.Result(), nil
	}
}
