// Package artifact contains concrete implementations of the core.ArtifactService.
//
// The canonical ArtifactService interface lives in the core package to avoid
// dependency cycles and keep domain contracts central. Implementations here
// own the version bookkeeping (dense, monotonically increasing per file) and
// the "user:" filename namespace that makes an artifact visible across every
// session of the same user.
//
// Only lightweight implementation specific types should live here. Callers
// should depend on the core interface rather than concrete types so they can
// substitute alternative persistence layers (such as the sqlite package's
// durable store) in tests or production.
package artifact
