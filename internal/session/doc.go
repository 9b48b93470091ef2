// Package session maps session keys to the sessions they name.
//
// A session key ("main", "work", a channel thread) is stable and chosen by
// clients. Each key resolves to a session id, which doubles as the internal
// run id the agent subsystem uses for that session. The Registry keeps the
// id to key mapping in memory so agent events can be attributed to a session
// without touching the store.
//
// Entries and transcripts persist through a Store; SQLiteStore is the
// default implementation.
package session
