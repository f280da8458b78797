// Package session owns conversational state for clawd-gateway.
//
// # Overview
//
// A Session is a named conversation: an ordered, append-only history of
// turns, free-form metadata and a run lock that admits at most one active
// run at a time. Sessions are created on first reference and destroyed
// explicitly or reaped after an idle period.
//
// # Store
//
// The Store is the only way to obtain sessions:
//
//	store := session.NewStore(session.Options{IdleTTL: time.Hour})
//	sess, err := store.Resolve(ctx, "s1")
//
// Key operations:
//
//   - Resolve(ctx, id): existing session or a newly created one
//   - Get(ctx, id): existing session or ErrNotFound
//   - List(ctx): lazy sequence of session ids
//   - Delete(ctx, id): cancel any in-flight run and drop the history
//
// Every call touches the session's access time. Sessions with an active
// run are never reaped or evicted.
//
// # Run Lock
//
// The run coordinator drives the lock:
//
//	sess.TryAcquire(runID, cancel) // ErrBusy if another run holds it
//	sess.Commit(runID, turns, meta) // append the completed turn pair
//	sess.Release(runID)
//
// History is only mutated by Commit, under the same mutex that gates
// admission, so readers see either the pre-run or post-run history.
//
// # Persistence
//
// A Persister (see the store package) keeps transcripts across restarts
// and reaping. Reaped sessions are rehydrated on their next reference.
package session
