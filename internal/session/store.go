// ABOUTME: Thread-safe session registry with idle reaping and LRU capacity eviction
// ABOUTME: Optionally backed by a Persister so transcripts survive reaping and restarts

package session

import (
	"container/list"
	"context"
	"errors"
	"iter"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Record is the persisted form of a session.
type Record struct {
	ID        string
	History   []Turn
	Metadata  map[string]any
	CreatedAt time.Time
	UpdatedAt time.Time

	// Replaced marks a record whose history was rewritten rather than
	// appended to, so stored turns must be replaced as a whole.
	Replaced bool
}

// Persister stores session transcripts. LoadSession returns ErrNotFound
// when the id is unknown.
type Persister interface {
	SaveSession(ctx context.Context, rec *Record) error
	LoadSession(ctx context.Context, id string) (*Record, error)
	ListSessionIDs(ctx context.Context) ([]string, error)
	DeleteSession(ctx context.Context, id string) error
}

// Options configures a Store.
type Options struct {
	// IdleTTL is how long a session may go untouched before it is reaped.
	// Zero disables reaping.
	IdleTTL time.Duration

	// ReapInterval is how often the reaper runs. Defaults to IdleTTL/2.
	ReapInterval time.Duration

	// MaxSessions caps the number of sessions held in memory. Zero means no cap.
	MaxSessions int

	Persister Persister
	Logger    *slog.Logger
}

// persistTimeout bounds each background persistence call.
const persistTimeout = 5 * time.Second

// Store is the registry of live sessions.
type Store struct {
	mu       sync.Mutex
	sessions map[string]*Session
	order    *list.List // least recently accessed at front

	idleTTL     time.Duration
	maxSessions int
	persister   Persister
	logger      *slog.Logger

	// deleting counts in-flight deletes per id; generation moves whenever
	// a delete starts or ends. Loads done outside mu discard their record
	// if either says a delete overlapped them.
	deleting   map[string]int
	generation uint64

	done   chan struct{}
	closed bool
}

// NewStore creates a Store. A background reaper is started when IdleTTL is set.
func NewStore(opts Options) *Store {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Store{
		sessions:    make(map[string]*Session),
		order:       list.New(),
		deleting:    make(map[string]int),
		idleTTL:     opts.IdleTTL,
		maxSessions: opts.MaxSessions,
		persister:   opts.Persister,
		logger:      logger.With("component", "sessions"),
		done:        make(chan struct{}),
	}

	if opts.IdleTTL > 0 {
		interval := opts.ReapInterval
		if interval <= 0 {
			interval = opts.IdleTTL / 2
		}
		go s.reapLoop(interval)
	}
	return s
}

// Resolve returns the session for id, creating it if it does not exist.
// An empty id gets a server-assigned one. Concurrent calls with the same
// id return the same *Session.
func (s *Store) Resolve(ctx context.Context, id string) (*Session, error) {
	if id == "" {
		id = uuid.NewString()
	}

	sess, gen, ok := s.cached(id)
	if ok {
		return sess, nil
	}

	rec, err := s.load(ctx, id)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if sess, ok := s.sessions[id]; ok {
		s.touchLocked(sess)
		return sess, nil
	}
	sess = newSession(id, time.Now())
	if rec != nil && !s.staleLocked(id, gen) {
		sess.restore(rec)
	}
	s.insertLocked(sess)
	return sess, nil
}

// Get returns an existing session or ErrNotFound.
func (s *Store) Get(ctx context.Context, id string) (*Session, error) {
	sess, gen, ok := s.cached(id)
	if ok {
		return sess, nil
	}

	rec, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if sess, ok := s.sessions[id]; ok {
		s.touchLocked(sess)
		return sess, nil
	}
	if s.staleLocked(id, gen) {
		return nil, ErrNotFound
	}
	sess = newSession(id, time.Now())
	sess.restore(rec)
	s.insertLocked(sess)
	return sess, nil
}

// cached returns the in-memory session for id, or the generation to check
// a subsequent load against.
func (s *Store) cached(id string) (*Session, uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[id]; ok {
		s.touchLocked(sess)
		return sess, 0, true
	}
	return nil, s.generation, false
}

// staleLocked reports whether a record loaded since gen may predate a delete.
func (s *Store) staleLocked(id string, gen uint64) bool {
	return s.generation != gen || s.deleting[id] > 0
}

// List returns a lazy sequence of known session ids, in no particular order.
func (s *Store) List(ctx context.Context) iter.Seq[string] {
	return func(yield func(string) bool) {
		s.mu.Lock()
		ids := make([]string, 0, len(s.sessions))
		seen := make(map[string]struct{}, len(s.sessions))
		for id := range s.sessions {
			ids = append(ids, id)
			seen[id] = struct{}{}
		}
		s.mu.Unlock()

		for _, id := range ids {
			if !yield(id) {
				return
			}
		}

		if s.persister == nil {
			return
		}
		persisted, err := s.persister.ListSessionIDs(ctx)
		if err != nil {
			s.logger.Warn("failed to list persisted sessions", "error", err)
			return
		}
		for _, id := range persisted {
			if _, ok := seen[id]; ok {
				continue
			}
			if !yield(id) {
				return
			}
		}
	}
}

// Infos returns summaries of the sessions currently held in memory.
func (s *Store) Infos() []Info {
	s.mu.Lock()
	sessions := make([]*Session, 0, len(s.sessions))
	for e := s.order.Back(); e != nil; e = e.Prev() {
		if sess, ok := e.Value.(*Session); ok {
			sessions = append(sessions, sess)
		}
	}
	s.mu.Unlock()

	infos := make([]Info, 0, len(sessions))
	for _, sess := range sessions {
		infos = append(infos, sess.Info())
	}
	return infos
}

// Len returns the number of sessions held in memory.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Delete removes a session. Any in-flight run is cancelled first.
func (s *Store) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	sess, ok := s.sessions[id]
	if ok {
		s.removeLocked(sess)
	}
	s.deleting[id]++
	s.generation++
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		if s.deleting[id]--; s.deleting[id] <= 0 {
			delete(s.deleting, id)
		}
		s.generation++
		s.mu.Unlock()
	}()

	if ok {
		if cancel := sess.detach(); cancel != nil {
			cancel()
		}
	}

	if s.persister == nil {
		if !ok {
			return ErrNotFound
		}
		return nil
	}

	if !ok {
		if _, err := s.persister.LoadSession(ctx, id); err != nil {
			return err
		}
	}
	if err := s.persister.DeleteSession(ctx, id); err != nil {
		return err
	}
	s.logger.Info("session deleted", "session_id", id)
	return nil
}

// Close stops the reaper. It is safe to call multiple times.
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.closed {
		close(s.done)
		s.closed = true
	}
}

func (s *Store) load(ctx context.Context, id string) (*Record, error) {
	if s.persister == nil {
		return nil, ErrNotFound
	}
	return s.persister.LoadSession(ctx, id)
}

// insertLocked adds sess, evicting the least recently used idle session
// if the store is at capacity. Must be called with mu held.
func (s *Store) insertLocked(sess *Session) {
	if s.maxSessions > 0 && len(s.sessions) >= s.maxSessions {
		if !s.evictOldestIdleLocked() {
			s.logger.Warn("session capacity exceeded, all sessions busy",
				"max_sessions", s.maxSessions,
				"sessions", len(s.sessions))
		}
	}

	if s.persister != nil {
		sess.onCommit = s.persist
	}
	sess.elem = s.order.PushBack(sess)
	s.sessions[sess.ID] = sess
}

func (s *Store) touchLocked(sess *Session) {
	sess.touch(time.Now())
	s.order.MoveToBack(sess.elem)
}

func (s *Store) removeLocked(sess *Session) {
	s.order.Remove(sess.elem)
	delete(s.sessions, sess.ID)
}

// evictOldestIdleLocked removes the least recently used session without an
// active run. Returns false if every session is busy.
func (s *Store) evictOldestIdleLocked() bool {
	for e := s.order.Front(); e != nil; e = e.Next() {
		sess, ok := e.Value.(*Session)
		if !ok {
			continue
		}
		if _, busy := sess.idleSince(); busy {
			continue
		}
		s.removeLocked(sess)
		sess.detach()
		s.logger.Debug("session evicted", "session_id", sess.ID)
		return true
	}
	return false
}

func (s *Store) persist(rec *Record) {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	if err := s.persister.SaveSession(ctx, rec); err != nil {
		s.logger.Error("failed to persist session", "session_id", rec.ID, "error", err)
	}
}

func (s *Store) reapLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.reap(time.Now())
		case <-s.done:
			return
		}
	}
}

// reap removes sessions idle longer than the TTL. Sessions with an active
// run are skipped.
func (s *Store) reap(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	reaped := 0
	for e := s.order.Front(); e != nil; {
		next := e.Next()
		sess, ok := e.Value.(*Session)
		if ok {
			last, busy := sess.idleSince()
			if !busy && now.Sub(last) > s.idleTTL {
				s.removeLocked(sess)
				sess.detach()
				reaped++
			}
		}
		e = next
	}

	if reaped > 0 {
		s.logger.Debug("reaped idle sessions", "count", reaped)
	}
	return reaped
}
