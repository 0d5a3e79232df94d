// Package agentstate provides a layered conversation state and artifact store
// for agent runtimes: hierarchical key/value state scoped to app, user and
// session, an append-only per-session event log guarded by optimistic
// concurrency, and monotonically versioned artifacts addressed per session or
// per user namespace. Most applications interact with this package by:
//  1. Creating a Services bundle via New() (optionally overriding the default
//     in-memory backends) or via NewFromConfig() using connection URIs
//  2. Creating sessions and reading merged state views through
//     Services.Sessions
//  3. Committing state changes by appending events and storing file-like
//     payloads through Services.Artifacts
//
// The façade only wires backends together; the contracts live in the core
// package and the concrete stores in the session, artifact, memory and sqlite
// packages. All defaults are safe for local development and testing;
// production deployments typically supply a durable store (see the sqlite
// package) and a structured logger.
package agentstate

import (
	"errors"
	"io"

	"github.com/hupe1980/agentstate/artifact"
	"github.com/hupe1980/agentstate/core"
	"github.com/hupe1980/agentstate/logging"
	"github.com/hupe1980/agentstate/memory"
	"github.com/hupe1980/agentstate/session"
)

// Options configures the Services bundle.
type Options struct {
	// Sessions persists sessions, their layered state and event history
	// (defaults to the in-memory implementation if not provided).
	Sessions core.SessionService

	// Artifacts stores named, versioned artifact payloads (defaults to the
	// in-memory implementation if not provided).
	Artifacts core.ArtifactService

	// Memory ingests completed sessions for later recall (defaults to the
	// in-memory implementation if not provided).
	Memory core.MemoryService

	// Logger (defaults to NoOp logger if nil). Only applied to backends this
	// package constructs; explicitly provided services keep their own logger.
	Logger logging.Logger
}

// Services is the high-level façade aggregating the session, artifact and
// memory stores behind one handle.
type Services struct {
	Sessions  core.SessionService
	Artifacts core.ArtifactService
	Memory    core.MemoryService

	closers []io.Closer
}

// New creates a Services bundle with optional overrides. Any unset service is
// initialized with an in-memory implementation.
func New(optFns ...func(o *Options)) *Services {
	opts := Options{
		Logger: logging.NoOpLogger{},
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	if opts.Sessions == nil {
		opts.Sessions = session.NewInMemoryService(session.WithLogger(opts.Logger))
	}
	if opts.Artifacts == nil {
		opts.Artifacts = artifact.NewInMemoryService(artifact.WithLogger(opts.Logger))
	}
	if opts.Memory == nil {
		opts.Memory = memory.NewInMemoryService(memory.WithLogger(opts.Logger))
	}

	svcs := &Services{
		Sessions:  opts.Sessions,
		Artifacts: opts.Artifacts,
		Memory:    opts.Memory,
	}
	svcs.trackClosers()
	return svcs
}

// NewFromConfig creates a Services bundle by resolving the configured
// connection URIs through the registry. A nil registry uses a fresh one with
// the built-in backends and the configured logger. When the artifact URI
// equals the session URI and the session backend also implements
// core.ArtifactService (the SQLite store does), the backend instance is
// shared instead of opened twice.
func NewFromConfig(cfg Config, reg *Registry) (*Services, error) {
	if reg == nil {
		reg = NewRegistry(WithLogger(cfg.NewLogger()))
	}

	sessions, err := reg.NewSessionService(cfg.SessionServiceURI)
	if err != nil {
		return nil, err
	}

	var artifacts core.ArtifactService
	if cfg.ArtifactServiceURI == cfg.SessionServiceURI {
		if shared, ok := sessions.(core.ArtifactService); ok {
			artifacts = shared
		}
	}
	if artifacts == nil {
		artifacts, err = reg.NewArtifactService(cfg.ArtifactServiceURI)
		if err != nil {
			closeAll(sessions)
			return nil, err
		}
	}

	mem, err := reg.NewMemoryService(cfg.MemoryServiceURI)
	if err != nil {
		closeAll(sessions, artifacts)
		return nil, err
	}

	svcs := &Services{
		Sessions:  sessions,
		Artifacts: artifacts,
		Memory:    mem,
	}
	svcs.trackClosers()
	return svcs, nil
}

// Close releases resources held by backend services, e.g. database handles of
// the SQLite store. Services sharing one backend are closed once. In-memory
// backends hold nothing and Close is a no-op for them.
func (s *Services) Close() error {
	var errs []error
	for _, c := range s.closers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	return errors.Join(errs...)
}

// trackClosers records each distinct closable backend exactly once, so a
// store serving several contracts is not closed twice.
func (s *Services) trackClosers() {
	seen := map[io.Closer]struct{}{}
	for _, svc := range []any{s.Sessions, s.Artifacts, s.Memory} {
		c, ok := svc.(io.Closer)
		if !ok {
			continue
		}
		if _, dup := seen[c]; dup {
			continue
		}
		seen[c] = struct{}{}
		s.closers = append(s.closers, c)
	}
}

// closeAll best-effort closes the given services during failed construction.
func closeAll(svcs ...any) {
	seen := map[io.Closer]struct{}{}
	for _, svc := range svcs {
		if c, ok := svc.(io.Closer); ok {
			if _, dup := seen[c]; dup {
				continue
			}
			seen[c] = struct{}{}
			_ = c.Close()
		}
	}
}
