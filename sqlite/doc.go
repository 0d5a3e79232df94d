// Package sqlite provides a durable SQLite-backed store implementing both the
// core.SessionService and core.ArtifactService contracts.
//
// Sessions keep their layered state split across three tables (app_states,
// user_states, sessions) merged on read; events live in an append-only table
// ordered by a per-session dense sequence number. Artifact payloads are
// compressed at rest when compression wins and addressed by
// (app, user, scope, filename, version).
//
// The store uses modernc.org/sqlite, so it builds without cgo.
package sqlite
