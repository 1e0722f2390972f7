// Package store provides persistent storage for the support broker using SQLite.
//
// # Data Models
//
//   - Conversation: a support thread between one candidate and at most one agent,
//     moving UNASSIGNED -> ASSIGNED -> CLOSED (or UNASSIGNED -> CLOSED).
//   - Message: an entry in a conversation, ordered by a per-conversation sequence.
//
// # Conditional Updates
//
// AssignConversation and CloseConversation are compare-and-set operations on the
// status column. A second assignment returns ErrStatusConflict, so even two
// broker processes sharing a database cannot both record a winner.
//
// # SQLite Configuration
//
//	PRAGMA journal_mode=WAL;
//	PRAGMA foreign_keys=ON;
//
// A partial unique index enforces one open conversation per candidate.
//
// # Testing
//
// Use NewMockStore() for unit tests and NewSQLiteStore(":memory:") or a
// t.TempDir() path for integration tests.
package store
