// Package store provides persistent storage for the gateway using SQLite.
//
// SQLiteStore implements:
//
//   - session.Persister: session transcripts and metadata
//   - auth.KeyStore: API key records (hashes only)
//   - run usage accounting, one row per completed run
//
// Turns are append-only. SaveSession writes only the turns the database
// has not seen yet, so repeated saves of a growing session stay cheap.
//
// Timestamps are stored as RFC3339 text in UTC. The special path
// ":memory:" opens a private in-memory database.
package store
