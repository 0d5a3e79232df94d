// Package core provides the foundational domain types and interfaces used by
// AgentState. It defines the core abstractions for:
//
//   - Sessions (stateful conversational containers with event history)
//   - Events (immutable communication + state mutation records)
//   - Layered state scopes (app / user / session / temp key routing)
//   - Versioned artifacts addressed by session or user namespace
//   - Pluggable services for session state, artifacts and memory recall
//
// The package intentionally keeps implementation concerns (persistence,
// concrete backends) out of scope, exposing small interfaces to enable custom
// backends and extensions. All exported identifiers include concise
// documentation to aid discoverability and external consumption.
package core
