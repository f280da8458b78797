// ABOUTME: Per-run fan-out event bus with bounded subscriber buffers
// ABOUTME: Retains the run's event log and closes all subscriptions on the terminal event

package eventbus

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/clawd-gateway/internal/agent"
)

// DefaultBufferSize is the channel buffer for each subscriber.
const DefaultBufferSize = 256

// Bus errors
var (
	ErrClosed  = errors.New("event bus closed")
	ErrDropped = errors.New("subscriber dropped: buffer overflow")
)

// Bus carries the events of a single run from its one producer to any
// number of subscribers. Publish never blocks: a subscriber whose buffer
// is full is disconnected with ErrDropped.
type Bus struct {
	runID      string
	bufferSize int
	logger     *slog.Logger

	mu       sync.Mutex
	subs     map[string]*Subscription
	log      []*agent.Event
	seq      uint64
	closed   bool
	terminal *agent.Event
	done     chan struct{}
}

// New creates a bus for runID. bufferSize <= 0 uses DefaultBufferSize.
// Pass nil logger for default.
func New(runID string, bufferSize int, logger *slog.Logger) *Bus {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		runID:      runID,
		bufferSize: bufferSize,
		logger:     logger.With("component", "eventbus", "run_id", runID),
		subs:       make(map[string]*Subscription),
		done:       make(chan struct{}),
	}
}

// Publish stamps ev with the next sequence number and delivers it to every
// subscriber. A terminal event closes the bus after delivery.
func (b *Bus) Publish(ev *agent.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrClosed
	}

	b.seq++
	ev.Seq = b.seq
	if ev.RunID == "" {
		ev.RunID = b.runID
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	b.log = append(b.log, ev)

	for id, sub := range b.subs {
		select {
		case sub.ch <- ev:
		default:
			// Subscriber channel full, disconnect it
			sub.err = ErrDropped
			close(sub.ch)
			delete(b.subs, id)
			b.logger.Warn("dropped slow subscriber", "sub_id", id, "seq", ev.Seq)
		}
	}

	if ev.Kind.Terminal() {
		b.closed = true
		b.terminal = ev
		for id, sub := range b.subs {
			close(sub.ch)
			delete(b.subs, id)
		}
		close(b.done)
	}
	return nil
}

// Subscribe registers a live subscriber. It receives events published
// from this point on. After the bus has closed, the subscription yields
// only the terminal event.
func (b *Bus) Subscribe() *Subscription {
	sub := &Subscription{
		id:  uuid.NewString(),
		bus: b,
		ch:  make(chan *agent.Event, b.bufferSize),
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		if b.terminal != nil {
			sub.ch <- b.terminal
		}
		close(sub.ch)
		return sub
	}

	b.subs[sub.id] = sub
	b.logger.Debug("subscriber added", "sub_id", sub.id)
	return sub
}

// Log returns a copy of every event published so far.
func (b *Bus) Log() []*agent.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Clone(b.log)
}

// Terminal returns the terminal event, or nil if the run is still going.
func (b *Bus) Terminal() *agent.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.terminal
}

// Done is closed once the terminal event has been published.
func (b *Bus) Done() <-chan struct{} {
	return b.done
}

// Subscribers returns the number of live subscriptions.
func (b *Bus) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

func (b *Bus) unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[sub.id]; !ok {
		return
	}
	delete(b.subs, sub.id)
	close(sub.ch)
	b.logger.Debug("subscriber removed", "sub_id", sub.id)
}

// Subscription is one consumer's view of a bus.
type Subscription struct {
	id  string
	bus *Bus
	ch  chan *agent.Event
	err error // guarded by bus.mu
}

// ID returns the subscription id.
func (s *Subscription) ID() string {
	return s.id
}

// C returns the raw event channel. It is closed after the terminal event,
// on overflow, or when the subscription is closed.
func (s *Subscription) C() <-chan *agent.Event {
	return s.ch
}

// Next blocks for the next event. It returns io.EOF once the stream has
// ended normally, ErrDropped if the subscriber fell behind, or ctx.Err().
func (s *Subscription) Next(ctx context.Context) (*agent.Event, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case ev, ok := <-s.ch:
		if !ok {
			if err := s.Err(); err != nil {
				return nil, err
			}
			return nil, io.EOF
		}
		return ev, nil
	}
}

// Err returns ErrDropped if the subscription was disconnected for overflow.
func (s *Subscription) Err() error {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	return s.err
}

// Close unsubscribes. It is safe to call multiple times.
func (s *Subscription) Close() {
	s.bus.unsubscribe(s)
}
