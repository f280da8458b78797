// ABOUTME: Tests for the run coordinator lifecycle, admission, cancellation, and timeouts
// ABOUTME: Uses scripted fake engines to drive each terminal path deterministically

package run

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/clawd-gateway/internal/agent"
	"github.com/2389/clawd-gateway/internal/session"
)

// scriptEngine emits events in order, waiting on gate (if set) before the
// first one. It stops early when ctx is cancelled.
type scriptEngine struct {
	events []*agent.Event
	gate   chan struct{}

	mu   sync.Mutex
	reqs []*agent.Request
}

func (e *scriptEngine) Run(ctx context.Context, req *agent.Request) (<-chan *agent.Event, error) {
	e.mu.Lock()
	e.reqs = append(e.reqs, req)
	e.mu.Unlock()

	out := make(chan *agent.Event)
	go func() {
		defer close(out)
		if e.gate != nil {
			select {
			case <-ctx.Done():
				return
			case <-e.gate:
			}
		}
		for _, ev := range e.events {
			cp := *ev
			select {
			case <-ctx.Done():
				return
			case out <- &cp:
			}
		}
	}()
	return out, nil
}

func (e *scriptEngine) lastRequest() *agent.Request {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.reqs[len(e.reqs)-1]
}

// stubbornEngine ignores cancellation until release is closed.
type stubbornEngine struct {
	release chan struct{}
	exited  chan struct{}
}

func (e *stubbornEngine) Run(_ context.Context, _ *agent.Request) (<-chan *agent.Event, error) {
	out := make(chan *agent.Event)
	go func() {
		defer close(e.exited)
		defer close(out)
		out <- agent.TextDelta("partial")
		<-e.release
		out <- agent.TextDelta("too late")
		out <- agent.Done("")
	}()
	return out, nil
}

type failingEngine struct{}

func (failingEngine) Run(context.Context, *agent.Request) (<-chan *agent.Event, error) {
	return nil, errors.New("upstream unreachable")
}

func helloEngine() *scriptEngine {
	return &scriptEngine{events: []*agent.Event{
		agent.TextDelta("Hel"),
		agent.TextDelta("lo"),
		agent.UsageEvent(1, 2),
		agent.Done(""),
	}}
}

func newTestCoordinator(t *testing.T, engine agent.Engine, cfg Config) *Coordinator {
	t.Helper()
	c := NewCoordinator(engine, cfg)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = c.Close(ctx)
	})
	return c
}

func newSession(t *testing.T, id string) *session.Session {
	t.Helper()
	store := session.NewStore(session.Options{})
	t.Cleanup(store.Close)
	sess, err := store.Resolve(t.Context(), id)
	require.NoError(t, err)
	return sess
}

func waitResult(t *testing.T, h *Handle) *Result {
	t.Helper()
	ctx, cancel := context.WithTimeout(t.Context(), 2*time.Second)
	defer cancel()
	res, err := h.Wait(ctx)
	require.NoError(t, err)
	return res
}

func kinds(events []*agent.Event) []agent.EventKind {
	out := make([]agent.EventKind, len(events))
	for i, ev := range events {
		out[i] = ev.Kind
	}
	return out
}

func TestCoordinator_CompletedRunAppendsTurnPair(t *testing.T) {
	c := newTestCoordinator(t, helloEngine(), Config{})
	sess := newSession(t, "s1")

	h, err := c.Start(t.Context(), sess, "hi", Options{Model: "test-model"})
	require.NoError(t, err)
	assert.Equal(t, "s1", h.SessionID())

	res := waitResult(t, h)
	assert.Equal(t, StateCompleted, res.State)
	assert.Equal(t, "Hello", res.Text)
	assert.NoError(t, res.Err)
	assert.Equal(t, &agent.Usage{PromptTokens: 1, CompletionTokens: 2, TotalTokens: 3}, res.Usage)

	history := sess.History()
	require.Len(t, history, 2)
	assert.Equal(t, session.Turn{Role: session.RoleUser, Content: "hi", Timestamp: history[0].Timestamp}, history[0])
	assert.Equal(t, "Hello", history[1].Content)
	assert.Empty(t, sess.ActiveRun())

	meta := sess.Metadata()
	assert.Equal(t, "test-model", meta["model"])
	assert.Equal(t, h.ID(), meta["last_run_id"])
	assert.Equal(t, 2, meta["message_count"])

	assert.Equal(t,
		[]agent.EventKind{agent.EventTextDelta, agent.EventTextDelta, agent.EventUsage, agent.EventDone},
		kinds(h.Log()))
	terminal := h.Log()[3]
	assert.Equal(t, "Hello", terminal.Text)
	assert.Equal(t, 2, terminal.Metadata["message_count"])
}

func TestCoordinator_PrimarySubscriptionSeesEveryEvent(t *testing.T) {
	c := newTestCoordinator(t, helloEngine(), Config{})
	sess := newSession(t, "s1")

	h, err := c.Start(t.Context(), sess, "hi", Options{})
	require.NoError(t, err)

	var got []*agent.Event
	for ev := range h.Events().C() {
		got = append(got, ev)
	}
	assert.Equal(t,
		[]agent.EventKind{agent.EventTextDelta, agent.EventTextDelta, agent.EventUsage, agent.EventDone},
		kinds(got))
	for i, ev := range got {
		assert.Equal(t, uint64(i+1), ev.Seq)
		assert.Equal(t, h.ID(), ev.RunID)
	}
}

func TestCoordinator_SecondStartIsBusy(t *testing.T) {
	engine := helloEngine()
	engine.gate = make(chan struct{})
	c := newTestCoordinator(t, engine, Config{})
	sess := newSession(t, "s1")

	h, err := c.Start(t.Context(), sess, "first", Options{})
	require.NoError(t, err)

	_, err = c.Start(t.Context(), sess, "second", Options{})
	assert.ErrorIs(t, err, ErrSessionBusy)

	close(engine.gate)
	res := waitResult(t, h)
	assert.Equal(t, StateCompleted, res.State)
	require.Len(t, sess.History(), 2)
	assert.Equal(t, "first", sess.History()[0].Content)

	// The lock is free again once the first run is terminal.
	h2, err := c.Start(t.Context(), sess, "third", Options{})
	require.NoError(t, err)
	waitResult(t, h2)
	assert.Len(t, sess.History(), 4)
}

func TestCoordinator_ConcurrentStartsAdmitOne(t *testing.T) {
	engine := helloEngine()
	engine.gate = make(chan struct{})
	c := newTestCoordinator(t, engine, Config{})
	sess := newSession(t, "s1")

	var wg sync.WaitGroup
	var mu sync.Mutex
	var handles []*Handle
	var busy atomic.Int32
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h, err := c.Start(context.Background(), sess, "hi", Options{})
			if errors.Is(err, ErrSessionBusy) {
				busy.Add(1)
				return
			}
			if assert.NoError(t, err) {
				mu.Lock()
				handles = append(handles, h)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Len(t, handles, 1)
	assert.Equal(t, int32(15), busy.Load())
	assert.Equal(t, 0, sess.Len(), "rejected starts have no side effects")

	close(engine.gate)
	waitResult(t, handles[0])
	assert.Equal(t, 2, sess.Len())
}

func TestSingleActiveRunProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 30
	properties := gopter.NewProperties(parameters)

	properties.Property("concurrent starts on one session admit exactly one run", prop.ForAll(
		func(starters int) bool {
			engine := helloEngine()
			engine.gate = make(chan struct{})
			c := NewCoordinator(engine, Config{})
			defer func() {
				ctx, cancel := context.WithTimeout(context.Background(), time.Second)
				defer cancel()
				_ = c.Close(ctx)
			}()

			store := session.NewStore(session.Options{})
			defer store.Close()
			sess, err := store.Resolve(context.Background(), "prop")
			if err != nil {
				return false
			}

			var wg sync.WaitGroup
			var admitted, rejected atomic.Int32
			var mu sync.Mutex
			var winner *Handle
			for range starters {
				wg.Add(1)
				go func() {
					defer wg.Done()
					h, err := c.Start(context.Background(), sess, "hi", Options{})
					switch {
					case err == nil:
						admitted.Add(1)
						mu.Lock()
						winner = h
						mu.Unlock()
					case errors.Is(err, ErrSessionBusy):
						rejected.Add(1)
					}
				}()
			}
			wg.Wait()
			close(engine.gate)

			if admitted.Load() != 1 || int(rejected.Load()) != starters-1 {
				return false
			}
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			res, err := winner.Wait(ctx)
			return err == nil && res.State == StateCompleted && sess.Len() == 2
		},
		gen.IntRange(2, 24),
	))

	properties.TestingRun(t)
}

func TestCoordinator_CancelLeavesHistoryUnchanged(t *testing.T) {
	engine := helloEngine()
	engine.gate = make(chan struct{})
	c := newTestCoordinator(t, engine, Config{})
	sess := newSession(t, "s1")

	h, err := c.Start(t.Context(), sess, "hi", Options{})
	require.NoError(t, err)

	require.NoError(t, c.Cancel(h.ID()))
	res := waitResult(t, h)
	assert.Equal(t, StateCancelled, res.State)
	assert.ErrorIs(t, res.Err, agent.ErrCancelled)
	assert.Equal(t, 0, sess.Len())
	assert.Empty(t, sess.ActiveRun())

	terminal := h.Log()[len(h.Log())-1]
	assert.Equal(t, agent.EventError, terminal.Kind)
	assert.Equal(t, agent.CodeCancelled, terminal.Error.Code)

	assert.ErrorIs(t, c.Cancel(h.ID()), ErrAlreadyTerminal)
}

func TestCoordinator_CancelCompletedRunIsAlreadyTerminal(t *testing.T) {
	c := newTestCoordinator(t, helloEngine(), Config{})
	sess := newSession(t, "s1")

	h, err := c.Start(t.Context(), sess, "hi", Options{})
	require.NoError(t, err)
	waitResult(t, h)

	assert.ErrorIs(t, c.Cancel(h.ID()), ErrAlreadyTerminal)
	assert.Equal(t, StateCompleted, h.State())
	assert.Equal(t, 2, sess.Len())
}

func TestCoordinator_CancelUnknownRun(t *testing.T) {
	c := newTestCoordinator(t, helloEngine(), Config{})
	assert.ErrorIs(t, c.Cancel("nope"), ErrRunNotFound)

	_, err := c.Get("nope")
	assert.ErrorIs(t, err, ErrRunNotFound)
}

func TestCoordinator_ForcedCancellationReleasesLock(t *testing.T) {
	engine := &stubbornEngine{release: make(chan struct{}), exited: make(chan struct{})}
	c := newTestCoordinator(t, engine, Config{CancelGrace: 50 * time.Millisecond})
	sess := newSession(t, "s1")

	h, err := c.Start(t.Context(), sess, "hi", Options{})
	require.NoError(t, err)

	// Wait for the first delta so the engine is mid-run.
	ev, err := h.Events().Next(t.Context())
	require.NoError(t, err)
	assert.Equal(t, "partial", ev.Text)

	require.NoError(t, c.Cancel(h.ID()))
	res := waitResult(t, h)
	assert.Equal(t, StateCancelled, res.State)
	assert.Empty(t, sess.ActiveRun())
	assert.Equal(t, 0, sess.Len())

	// The stubborn engine is drained once it finally yields.
	close(engine.release)
	select {
	case <-engine.exited:
	case <-time.After(2 * time.Second):
		t.Fatal("engine goroutine was not reclaimed")
	}
	assert.Equal(t, StateCancelled, h.State())
	assert.Equal(t, 0, sess.Len())
}

func TestCoordinator_EngineErrorFailsRun(t *testing.T) {
	engine := &scriptEngine{events: []*agent.Event{
		agent.TextDelta("partial"),
		agent.Failure(agent.CodeEngineFailure, "model overloaded"),
	}}
	c := newTestCoordinator(t, engine, Config{})
	sess := newSession(t, "s1")

	h, err := c.Start(t.Context(), sess, "hi", Options{})
	require.NoError(t, err)

	res := waitResult(t, h)
	assert.Equal(t, StateFailed, res.State)
	assert.ErrorIs(t, res.Err, agent.ErrEngineFailure)
	assert.Contains(t, res.Err.Error(), "model overloaded")
	assert.Equal(t, 0, sess.Len())
	assert.Empty(t, sess.ActiveRun())
}

func TestCoordinator_EngineStartErrorFailsRun(t *testing.T) {
	c := newTestCoordinator(t, failingEngine{}, Config{})
	sess := newSession(t, "s1")

	h, err := c.Start(t.Context(), sess, "hi", Options{})
	require.NoError(t, err)

	res := waitResult(t, h)
	assert.Equal(t, StateFailed, res.State)
	assert.Contains(t, res.Err.Error(), "upstream unreachable")
	assert.Equal(t, 0, sess.Len())
}

func TestCoordinator_StreamEndAfterOutputCompletes(t *testing.T) {
	engine := &scriptEngine{events: []*agent.Event{agent.TextDelta("Hel"), agent.TextDelta("lo")}}
	c := newTestCoordinator(t, engine, Config{})
	sess := newSession(t, "s1")

	h, err := c.Start(t.Context(), sess, "hi", Options{})
	require.NoError(t, err)

	res := waitResult(t, h)
	assert.Equal(t, StateCompleted, res.State)
	assert.Equal(t, "Hello", res.Text)
	require.NoError(t, res.Err)

	history := sess.History()
	require.Len(t, history, 2)
	assert.Equal(t, "hi", history[0].Content)
	assert.Equal(t, "Hello", history[1].Content)

	log := h.Log()
	require.NotEmpty(t, log)
	assert.Equal(t, agent.EventDone, log[len(log)-1].Kind)
}

func TestCoordinator_StreamEndWithoutOutputFails(t *testing.T) {
	engine := &scriptEngine{}
	c := newTestCoordinator(t, engine, Config{})
	sess := newSession(t, "s1")

	h, err := c.Start(t.Context(), sess, "hi", Options{})
	require.NoError(t, err)

	res := waitResult(t, h)
	assert.Equal(t, StateFailed, res.State)
	assert.ErrorIs(t, res.Err, agent.ErrEngineFailure)
	assert.Equal(t, 0, sess.Len())
}

func TestCoordinator_RunTimeout(t *testing.T) {
	engine := helloEngine()
	engine.gate = make(chan struct{})
	c := newTestCoordinator(t, engine, Config{RunTimeout: 30 * time.Millisecond, CancelGrace: 50 * time.Millisecond})
	sess := newSession(t, "s1")

	h, err := c.Start(t.Context(), sess, "hi", Options{})
	require.NoError(t, err)

	res := waitResult(t, h)
	assert.Equal(t, StateFailed, res.State)
	assert.Contains(t, res.Err.Error(), "run timed out")
	assert.Equal(t, 0, sess.Len())
}

func TestCoordinator_ClosedPrimaryDoesNotCancelRun(t *testing.T) {
	engine := helloEngine()
	engine.gate = make(chan struct{})
	c := newTestCoordinator(t, engine, Config{})
	sess := newSession(t, "s1")

	reqCtx, disconnect := context.WithCancel(t.Context())
	h, err := c.Start(reqCtx, sess, "hi", Options{})
	require.NoError(t, err)

	// Client goes away.
	h.Events().Close()
	disconnect()
	close(engine.gate)

	res := waitResult(t, h)
	assert.Equal(t, StateCompleted, res.State)
	assert.Equal(t, 2, sess.Len())
}

func TestCoordinator_RejectsEmptyInputAndClosed(t *testing.T) {
	c := NewCoordinator(helloEngine(), Config{})
	sess := newSession(t, "s1")

	_, err := c.Start(t.Context(), sess, "   ", Options{})
	assert.ErrorIs(t, err, ErrEmptyInput)

	require.NoError(t, c.Close(t.Context()))
	_, err = c.Start(t.Context(), sess, "hi", Options{})
	assert.ErrorIs(t, err, ErrServiceUnavailable)
	assert.Empty(t, sess.ActiveRun())

	nilEngine := NewCoordinator(nil, Config{})
	_, err = nilEngine.Start(t.Context(), sess, "hi", Options{})
	assert.ErrorIs(t, err, ErrServiceUnavailable)
}

func TestCoordinator_StatelessUsesProvidedHistory(t *testing.T) {
	engine := helloEngine()
	c := newTestCoordinator(t, engine, Config{})
	sess := newSession(t, "s1")

	h, err := c.Start(t.Context(), sess, "first", Options{})
	require.NoError(t, err)
	waitResult(t, h)

	provided := []session.Turn{{Role: session.RoleSystem, Content: "be brief"}}
	h, err = c.Start(t.Context(), sess, "second", Options{Stateless: true, History: provided})
	require.NoError(t, err)
	waitResult(t, h)

	assert.Equal(t, provided, engine.lastRequest().History)

	// The request's context replaces what the session held before.
	history := sess.History()
	require.Len(t, history, 3)
	assert.Equal(t, "be brief", history[0].Content)
	assert.False(t, history[0].Timestamp.IsZero())
	assert.Equal(t, "second", history[1].Content)
	assert.Equal(t, session.RoleAssistant, history[2].Role)
	assert.Equal(t, "be brief", provided[0].Content)
	assert.True(t, provided[0].Timestamp.IsZero())
}

func TestCoordinator_SessionDeleteCancelsRun(t *testing.T) {
	engine := helloEngine()
	engine.gate = make(chan struct{})
	c := newTestCoordinator(t, engine, Config{})

	store := session.NewStore(session.Options{})
	defer store.Close()
	sess, err := store.Resolve(t.Context(), "s1")
	require.NoError(t, err)

	h, err := c.Start(t.Context(), sess, "hi", Options{})
	require.NoError(t, err)

	require.NoError(t, store.Delete(t.Context(), "s1"))
	res := waitResult(t, h)
	assert.Equal(t, StateCancelled, res.State)
}

func TestCoordinator_Stats(t *testing.T) {
	engine := helloEngine()
	engine.gate = make(chan struct{})
	c := newTestCoordinator(t, engine, Config{})

	h, err := c.Start(t.Context(), newSession(t, "a"), "hi", Options{})
	require.NoError(t, err)

	active, retained := c.Stats()
	assert.Equal(t, 1, active)
	assert.Equal(t, 0, retained)

	close(engine.gate)
	waitResult(t, h)

	active, retained = c.Stats()
	assert.Equal(t, 0, active)
	assert.Equal(t, 1, retained)
}

func TestCoordinator_OnFinishSeesEveryTerminalResult(t *testing.T) {
	var (
		mu      sync.Mutex
		results []*Result
	)
	engine := helloEngine()
	c := newTestCoordinator(t, engine, Config{OnFinish: func(res *Result) {
		mu.Lock()
		defer mu.Unlock()
		results = append(results, res)
	}})

	h, err := c.Start(t.Context(), newSession(t, "s1"), "hi", Options{Model: "m1"})
	require.NoError(t, err)
	waitResult(t, h)

	failed, err := newTestCoordinator(t, failingEngine{}, Config{OnFinish: func(res *Result) {
		mu.Lock()
		defer mu.Unlock()
		results = append(results, res)
	}}).Start(t.Context(), newSession(t, "s2"), "hi", Options{})
	require.NoError(t, err)
	waitResult(t, failed)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, results, 2)
	assert.Equal(t, StateCompleted, results[0].State)
	assert.Equal(t, "m1", results[0].Model)
	assert.Equal(t, 3, results[0].Usage.TotalTokens)
	assert.Equal(t, StateFailed, results[1].State)
}
