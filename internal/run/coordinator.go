// ABOUTME: Run coordinator admitting one run per session and driving engines to completion
// ABOUTME: Handles cooperative cancellation with a bounded grace period and run timeouts

package run

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/clawd-gateway/internal/agent"
	"github.com/2389/clawd-gateway/internal/eventbus"
	"github.com/2389/clawd-gateway/internal/session"
)

// Coordinator errors
var (
	ErrSessionBusy        = errors.New("session busy")
	ErrRunNotFound        = errors.New("run not found")
	ErrAlreadyTerminal    = errors.New("run already terminal")
	ErrServiceUnavailable = errors.New("service unavailable")
	ErrEmptyInput         = errors.New("input is required")
)

var errRunTimeout = errors.New("run timed out")

// Defaults
const (
	DefaultCancelGrace = 5 * time.Second
	DefaultRetention   = 10 * time.Minute
)

// Config configures a Coordinator.
type Config struct {
	// CancelGrace bounds how long a cancelled engine may keep running
	// before the run is forced to cancelled.
	CancelGrace time.Duration

	// RunTimeout aborts runs that take longer. Zero disables it.
	RunTimeout time.Duration

	// Retention is how long terminal runs stay addressable by id.
	Retention time.Duration

	// BufferSize is the per-subscriber event buffer.
	BufferSize int

	// OnFinish, if set, is called with every terminal result before the
	// terminal event is published.
	OnFinish func(*Result)

	Logger *slog.Logger
}

// Options are per-run parameters.
type Options struct {
	Model     string
	MaxTokens int
	Caller    string

	// Stateless runs hand History to the engine instead of the session's
	// own history. On completion the session history becomes History plus
	// the new turn pair.
	Stateless bool
	History   []session.Turn
}

// Coordinator owns the lifecycle of every run.
type Coordinator struct {
	engine agent.Engine
	cfg    Config
	logger *slog.Logger

	baseCtx    context.Context
	baseCancel context.CancelFunc

	mu     sync.Mutex
	runs   map[string]*Run
	closed bool
	wg     sync.WaitGroup
}

// NewCoordinator creates a Coordinator driving engine.
func NewCoordinator(engine agent.Engine, cfg Config) *Coordinator {
	if cfg.CancelGrace <= 0 {
		cfg.CancelGrace = DefaultCancelGrace
	}
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultRetention
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	// Runs are detached from request contexts so a client disconnect
	// never cancels a run.
	baseCtx, baseCancel := context.WithCancel(context.Background())

	return &Coordinator{
		engine:     engine,
		cfg:        cfg,
		logger:     logger.With("component", "coordinator"),
		baseCtx:    baseCtx,
		baseCancel: baseCancel,
		runs:       make(map[string]*Run),
	}
}

// Start admits a new run on sess and starts the engine asynchronously.
// It returns ErrSessionBusy if sess already has an active run.
func (c *Coordinator) Start(ctx context.Context, sess *session.Session, input string, opts Options) (*Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(input) == "" {
		return nil, ErrEmptyInput
	}

	c.mu.Lock()
	if c.closed || c.engine == nil {
		c.mu.Unlock()
		return nil, ErrServiceUnavailable
	}
	c.mu.Unlock()

	runID := uuid.NewString()
	if err := sess.TryAcquire(runID, func() { _ = c.Cancel(runID) }); err != nil {
		if errors.Is(err, session.ErrBusy) {
			return nil, fmt.Errorf("%w: %s", ErrSessionBusy, sess.ID)
		}
		return nil, err
	}

	history := opts.History
	if !opts.Stateless {
		history = sess.History()
	}

	runCtx, cancel := context.WithCancelCause(c.baseCtx)
	bus := eventbus.New(runID, c.cfg.BufferSize, c.logger)
	r := &Run{
		id:        runID,
		input:     input,
		opts:      opts,
		sess:      sess,
		bus:       bus,
		primary:   bus.Subscribe(),
		cancel:    cancel,
		state:     StatePending,
		startedAt: time.Now(),
		forced:    make(chan struct{}),
		done:      make(chan struct{}),
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		cancel(ErrServiceUnavailable)
		sess.Release(runID)
		return nil, ErrServiceUnavailable
	}
	c.runs[runID] = r
	c.wg.Add(1)
	c.mu.Unlock()

	if c.cfg.RunTimeout > 0 {
		r.timeoutTimer = time.AfterFunc(c.cfg.RunTimeout, func() {
			if r.requestCancel(c.cfg.CancelGrace, errRunTimeout, true) == nil {
				c.logger.Warn("run timed out", "run_id", runID, "timeout", c.cfg.RunTimeout)
			}
		})
	}

	req := &agent.Request{
		RunID:     runID,
		SessionID: sess.ID,
		History:   history,
		Input:     input,
		Options: agent.Options{
			Model:     opts.Model,
			MaxTokens: opts.MaxTokens,
			Caller:    opts.Caller,
		},
	}

	r.setState(StateRunning)
	c.logger.Info("run started", "run_id", runID, "session_id", sess.ID, "model", opts.Model)
	go c.drive(runCtx, r, req)

	return &Handle{run: r}, nil
}

// Cancel requests cooperative cancellation of a run.
func (c *Coordinator) Cancel(runID string) error {
	r, err := c.lookup(runID)
	if err != nil {
		return err
	}
	if err := r.requestCancel(c.cfg.CancelGrace, agent.ErrCancelled, false); err != nil {
		return err
	}
	c.logger.Info("run cancel requested", "run_id", runID)
	return nil
}

// Get returns a handle to an active or recently finished run.
func (c *Coordinator) Get(runID string) (*Handle, error) {
	r, err := c.lookup(runID)
	if err != nil {
		return nil, err
	}
	return &Handle{run: r}, nil
}

// Stats reports the number of active and retained runs.
func (c *Coordinator) Stats() (active, retained int) {
	c.mu.Lock()
	runs := make([]*Run, 0, len(c.runs))
	for _, r := range c.runs {
		runs = append(runs, r)
	}
	c.mu.Unlock()

	for _, r := range runs {
		if r.State().Terminal() {
			retained++
		} else {
			active++
		}
	}
	return active, retained
}

// Close cancels every active run and waits for them to finish or ctx to end.
func (c *Coordinator) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	runs := make([]*Run, 0, len(c.runs))
	for _, r := range c.runs {
		runs = append(runs, r)
	}
	c.mu.Unlock()

	for _, r := range runs {
		_ = r.requestCancel(c.cfg.CancelGrace, ErrServiceUnavailable, false)
	}

	finished := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(finished)
	}()

	defer c.baseCancel()
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Coordinator) lookup(runID string) (*Run, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	r, ok := c.runs[runID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return r, nil
}

// outcome is what drive observed when the engine stream ended.
type outcome struct {
	state   State
	text    string
	usage   *agent.Usage
	message string
}

// drive pumps engine events into the bus until a terminal event, stream
// closure, or forced cancellation.
func (c *Coordinator) drive(ctx context.Context, r *Run, req *agent.Request) {
	defer c.wg.Done()

	events, err := c.engine.Run(ctx, req)
	if err != nil {
		c.finish(r, outcome{state: StateFailed, message: err.Error()})
		return
	}

	var text strings.Builder
	var usage *agent.Usage
	produced := false

	for {
		select {
		case <-r.forced:
			c.logger.Warn("engine ignored cancellation, forcing run to end", "run_id", r.id)
			go drainEvents(events)
			c.finish(r, outcome{state: StateCancelled})
			return

		case ev, ok := <-events:
			if !ok {
				// A clean close after output counts as completion.
				if !produced {
					c.finish(r, outcome{state: StateFailed, message: "engine stream ended without output"})
					return
				}
				c.finish(r, outcome{state: StateCompleted, text: text.String(), usage: usage})
				return
			}
			produced = true

			switch ev.Kind {
			case agent.EventTextDelta:
				text.WriteString(ev.Text)
				c.publish(r, ev)
			case agent.EventToolUse, agent.EventToolResult:
				c.publish(r, ev)
			case agent.EventUsage:
				if usage == nil {
					usage = &agent.Usage{}
				}
				usage.Add(ev.Usage)
				c.publish(r, ev)
			case agent.EventDone:
				full := text.String()
				if full == "" {
					full = ev.Text
				}
				if ev.Usage != nil {
					if usage == nil {
						usage = &agent.Usage{}
					}
					usage.Add(ev.Usage)
				}
				go drainEvents(events)
				c.finish(r, outcome{state: StateCompleted, text: full, usage: usage})
				return
			case agent.EventError:
				msg := "engine error"
				if ev.Error != nil && ev.Error.Message != "" {
					msg = ev.Error.Message
				}
				go drainEvents(events)
				c.finish(r, outcome{state: StateFailed, message: msg})
				return
			default:
				c.logger.Debug("ignoring unknown engine event", "run_id", r.id, "kind", ev.Kind)
			}
		}
	}
}

func (c *Coordinator) publish(r *Run, ev *agent.Event) {
	if err := r.bus.Publish(ev); err != nil {
		c.logger.Debug("publish after close", "run_id", r.id, "kind", ev.Kind)
	}
}

// finish records the terminal state, commits history for completed runs,
// releases the session, and publishes the terminal event, in that order.
func (c *Coordinator) finish(r *Run, out outcome) {
	r.mu.Lock()
	if r.state.Terminal() {
		r.mu.Unlock()
		return
	}
	state := out.state
	if r.cancelRequested {
		if r.timedOut {
			state = StateFailed
			out.message = errRunTimeout.Error()
		} else {
			state = StateCancelled
		}
	}
	r.state = state
	if r.graceTimer != nil {
		r.graceTimer.Stop()
	}
	if r.timeoutTimer != nil {
		r.timeoutTimer.Stop()
	}
	r.mu.Unlock()

	r.cancel(context.Canceled)

	result := &Result{
		RunID:     r.id,
		SessionID: r.sess.ID,
		State:     state,
		Model:     r.opts.Model,
		StartedAt: r.startedAt,
		EndedAt:   time.Now(),
	}

	var terminal *agent.Event
	switch state {
	case StateCompleted:
		meta := map[string]any{"last_run_id": r.id}
		if r.opts.Model != "" {
			meta["model"] = r.opts.Model
		}
		if out.usage != nil {
			meta["usage"] = *out.usage
		}
		turns := []session.Turn{
			{Role: session.RoleUser, Content: r.input, Timestamp: r.startedAt},
			{Role: session.RoleAssistant, Content: out.text, Timestamp: result.EndedAt},
		}
		commit := r.sess.Commit
		if r.opts.Stateless {
			prior := slices.Clone(r.opts.History)
			for i := range prior {
				if prior[i].Timestamp.IsZero() {
					prior[i].Timestamp = r.startedAt
				}
			}
			turns = append(prior, turns...)
			commit = r.sess.Replace
		}
		if err := commit(r.id, turns, meta); err != nil {
			c.logger.Warn("completed run not committed", "run_id", r.id, "session_id", r.sess.ID, "error", err)
		}
		r.sess.Release(r.id)

		result.Text = out.text
		result.Usage = out.usage
		result.Metadata = r.sess.Metadata()
		terminal = agent.Done(out.text)
		terminal.Usage = out.usage
		terminal.Metadata = result.Metadata

	case StateCancelled:
		r.sess.Release(r.id)
		result.Err = agent.ErrCancelled
		terminal = agent.Failure(agent.CodeCancelled, "run cancelled")

	default:
		r.sess.Release(r.id)
		result.Err = fmt.Errorf("%w: %s", agent.ErrEngineFailure, out.message)
		terminal = agent.Failure(agent.CodeEngineFailure, out.message)
	}

	r.mu.Lock()
	r.result = result
	r.mu.Unlock()

	if c.cfg.OnFinish != nil {
		c.cfg.OnFinish(result)
	}

	c.publish(r, terminal)
	close(r.done)

	c.logger.Info("run finished",
		"run_id", r.id,
		"session_id", r.sess.ID,
		"state", state,
		"duration", result.EndedAt.Sub(result.StartedAt))

	time.AfterFunc(c.cfg.Retention, func() { c.forget(r.id) })
}

func (c *Coordinator) forget(runID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.runs, runID)
}

// drainEvents consumes the rest of an engine stream so the engine
// goroutine can exit.
func drainEvents(events <-chan *agent.Event) {
	for range events {
	}
}
