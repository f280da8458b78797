// Package run coordinates agent runs against sessions.
//
// # Overview
//
// The Coordinator is the only component that changes session history. For
// each Start it:
//
//  1. claims the session's run lock (ErrSessionBusy if already held)
//  2. creates the run's event bus and the caller's primary subscription
//  3. invokes the engine in its own goroutine, detached from the request
//  4. republishes engine events onto the bus
//  5. on completion commits the user/assistant turn pair, releases the
//     lock, then publishes the terminal done event
//
// Failed and cancelled runs release the lock without touching history and
// publish a terminal error event with code ENGINE_FAILURE or CANCELLED.
//
// # Cancellation
//
// Cancel is cooperative. The engine's context is cancelled and a grace
// timer armed; the run ends cancelled when the engine closes its stream or
// the timer fires, whichever comes first. A forced run's engine stream is
// drained in the background so the engine goroutine can exit.
//
// Terminal runs stay addressable for the retention window so a late Cancel
// reports ErrAlreadyTerminal instead of ErrRunNotFound.
package run
