// ABOUTME: Session type holding history, metadata, and the single-run lock
// ABOUTME: Mutated only on run completion so readers never observe partial turns

package session

import (
	"container/list"
	"errors"
	"maps"
	"slices"
	"sync"
	"time"
)

// Session errors
var (
	ErrNotFound = errors.New("session not found")
	ErrBusy     = errors.New("session has an active run")
)

// Role identifies the author of a turn.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is a single entry in a session's history.
type Turn struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Info is a point-in-time summary of a session.
type Info struct {
	ID           string    `json:"id"`
	CreatedAt    time.Time `json:"created_at"`
	LastAccess   time.Time `json:"last_access"`
	MessageCount int       `json:"message_count"`
	ActiveRunID  string    `json:"active_run_id,omitempty"`
}

// Session is a conversation owned by a Store.
type Session struct {
	ID        string
	CreatedAt time.Time

	mu         sync.Mutex
	history    []Turn
	metadata   map[string]any
	activeRun  string
	cancelRun  func()
	lastAccess time.Time
	detached   bool
	onCommit   func(*Record)

	// elem is owned by the Store and guarded by the Store's mutex.
	elem *list.Element
}

func newSession(id string, now time.Time) *Session {
	return &Session{
		ID:         id,
		CreatedAt:  now,
		metadata:   make(map[string]any),
		lastAccess: now,
	}
}

// TryAcquire claims the run lock for runID. cancel is invoked if the
// session is deleted while the run is still active.
func (s *Session) TryAcquire(runID string, cancel func()) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.detached {
		return ErrNotFound
	}
	if s.activeRun != "" {
		return ErrBusy
	}
	s.activeRun = runID
	s.cancelRun = cancel
	s.lastAccess = time.Now()
	return nil
}

// Commit appends turns and merges meta into the session metadata.
// It only applies while runID holds the run lock.
func (s *Session) Commit(runID string, turns []Turn, meta map[string]any) error {
	return s.commit(runID, turns, meta, false)
}

// Replace sets the history to turns and merges meta, for runs whose
// context came with the request rather than from the session.
// It only applies while runID holds the run lock.
func (s *Session) Replace(runID string, turns []Turn, meta map[string]any) error {
	return s.commit(runID, turns, meta, true)
}

func (s *Session) commit(runID string, turns []Turn, meta map[string]any, replace bool) error {
	s.mu.Lock()
	if s.detached {
		s.mu.Unlock()
		return ErrNotFound
	}
	if s.activeRun != runID {
		s.mu.Unlock()
		return ErrBusy
	}

	now := time.Now()
	if replace {
		s.history = slices.Clone(turns)
	} else {
		s.history = append(s.history, turns...)
	}
	maps.Copy(s.metadata, meta)
	s.metadata["message_count"] = len(s.history)
	s.metadata["updated_at"] = now.UTC().Format(time.RFC3339)
	s.lastAccess = now

	hook := s.onCommit
	rec := s.recordLocked()
	rec.Replaced = replace
	s.mu.Unlock()

	if hook != nil {
		hook(rec)
	}
	return nil
}

// Release drops the run lock if runID still holds it.
func (s *Session) Release(runID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.activeRun == runID {
		s.activeRun = ""
		s.cancelRun = nil
	}
}

// ActiveRun returns the id of the run holding the lock, or "".
func (s *Session) ActiveRun() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeRun
}

// History returns a copy of the session's turns.
func (s *Session) History() []Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.history)
}

// Len returns the number of turns in the history.
func (s *Session) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.history)
}

// Metadata returns a copy of the session's metadata.
func (s *Session) Metadata() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return maps.Clone(s.metadata)
}

// Info returns a summary of the session.
func (s *Session) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Info{
		ID:           s.ID,
		CreatedAt:    s.CreatedAt,
		LastAccess:   s.lastAccess,
		MessageCount: len(s.history),
		ActiveRunID:  s.activeRun,
	}
}

func (s *Session) touch(now time.Time) {
	s.mu.Lock()
	s.lastAccess = now
	s.mu.Unlock()
}

// idleSince reports the last access time and whether a run is active.
func (s *Session) idleSince() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastAccess, s.activeRun != ""
}

// detach marks the session as removed and returns the cancel hook of
// any in-flight run.
func (s *Session) detach() func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.detached = true
	cancel := s.cancelRun
	s.cancelRun = nil
	return cancel
}

func (s *Session) recordLocked() *Record {
	return &Record{
		ID:        s.ID,
		History:   slices.Clone(s.history),
		Metadata:  maps.Clone(s.metadata),
		CreatedAt: s.CreatedAt,
		UpdatedAt: s.lastAccess,
	}
}

func (s *Session) restore(rec *Record) {
	s.history = slices.Clone(rec.History)
	if rec.Metadata != nil {
		s.metadata = maps.Clone(rec.Metadata)
	}
	if !rec.CreatedAt.IsZero() {
		s.CreatedAt = rec.CreatedAt
	}
}
