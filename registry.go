package agentstate

import (
	"strings"
	"sync"

	"github.com/hupe1980/agentstate/artifact"
	"github.com/hupe1980/agentstate/core"
	"github.com/hupe1980/agentstate/logging"
	"github.com/hupe1980/agentstate/memory"
	"github.com/hupe1980/agentstate/session"
	"github.com/hupe1980/agentstate/sqlite"
)

// SessionServiceFactory builds a SessionService from a connection URI.
type SessionServiceFactory func(uri string) (core.SessionService, error)

// ArtifactServiceFactory builds an ArtifactService from a connection URI.
type ArtifactServiceFactory func(uri string) (core.ArtifactService, error)

// MemoryServiceFactory builds a MemoryService from a connection URI.
type MemoryServiceFactory func(uri string) (core.MemoryService, error)

// Registry maps URI schemes to service factories, so deployments can select
// backends through connection strings instead of code changes. Custom
// backends (managed session services, object stores, vector indexes) plug in
// by registering a factory for their scheme.
//
// Built-in schemes:
//
//	memory:            volatile in-process backend (sessions, artifacts, memory)
//	sqlite:<path>      durable SQLite store (sessions, artifacts); also
//	                   sqlite://relative.db and sqlite:///abs/path.db
//
// A URI without a scheme is treated as a SQLite database path. Requesting a
// service kind the scheme does not provide fails with CodeUnsupported; the
// SQLite store, for example, registers no memory backend.
type Registry struct {
	mu        sync.RWMutex
	sessions  map[string]SessionServiceFactory
	artifacts map[string]ArtifactServiceFactory
	memories  map[string]MemoryServiceFactory
	logger    logging.Logger
}

// RegistryOption customizes a Registry.
type RegistryOption func(*Registry)

// WithLogger injects the structured logger handed to the built-in backend
// factories. Defaults to a no-op logger.
func WithLogger(l logging.Logger) RegistryOption {
	return func(r *Registry) { r.logger = logging.EnsureLogger(l) }
}

// NewRegistry returns a registry preloaded with the built-in memory and
// sqlite backends.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		sessions:  make(map[string]SessionServiceFactory),
		artifacts: make(map[string]ArtifactServiceFactory),
		memories:  make(map[string]MemoryServiceFactory),
		logger:    logging.NoOpLogger{},
	}
	for _, opt := range opts {
		opt(r)
	}
	r.registerBuiltins()
	return r
}

// RegisterSessionService registers a factory for a session service scheme,
// replacing any previous registration for that scheme.
func (r *Registry) RegisterSessionService(scheme string, factory SessionServiceFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[scheme] = factory
}

// RegisterArtifactService registers a factory for an artifact service scheme.
func (r *Registry) RegisterArtifactService(scheme string, factory ArtifactServiceFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.artifacts[scheme] = factory
}

// RegisterMemoryService registers a factory for a memory service scheme.
func (r *Registry) RegisterMemoryService(scheme string, factory MemoryServiceFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.memories[scheme] = factory
}

// NewSessionService resolves the URI's scheme and invokes the registered
// session service factory. Unknown schemes fail with CodeUnsupported.
func (r *Registry) NewSessionService(uri string) (core.SessionService, error) {
	scheme, err := resolveScheme(uri)
	if err != nil {
		return nil, err
	}

	r.mu.RLock()
	factory, ok := r.sessions[scheme]
	r.mu.RUnlock()
	if !ok {
		return nil, core.NewErrorf(core.CodeUnsupported, "no session service registered for scheme %q", scheme)
	}
	return factory(uri)
}

// NewArtifactService resolves the URI's scheme and invokes the registered
// artifact service factory. Unknown schemes fail with CodeUnsupported.
func (r *Registry) NewArtifactService(uri string) (core.ArtifactService, error) {
	scheme, err := resolveScheme(uri)
	if err != nil {
		return nil, err
	}

	r.mu.RLock()
	factory, ok := r.artifacts[scheme]
	r.mu.RUnlock()
	if !ok {
		return nil, core.NewErrorf(core.CodeUnsupported, "no artifact service registered for scheme %q", scheme)
	}
	return factory(uri)
}

// NewMemoryService resolves the URI's scheme and invokes the registered
// memory service factory. Unknown schemes fail with CodeUnsupported.
func (r *Registry) NewMemoryService(uri string) (core.MemoryService, error) {
	scheme, err := resolveScheme(uri)
	if err != nil {
		return nil, err
	}

	r.mu.RLock()
	factory, ok := r.memories[scheme]
	r.mu.RUnlock()
	if !ok {
		return nil, core.NewErrorf(core.CodeUnsupported, "no memory service registered for scheme %q", scheme)
	}
	return factory(uri)
}

func (r *Registry) registerBuiltins() {
	r.sessions[schemeMemory] = func(string) (core.SessionService, error) {
		return session.NewInMemoryService(session.WithLogger(r.logger)), nil
	}
	r.artifacts[schemeMemory] = func(string) (core.ArtifactService, error) {
		return artifact.NewInMemoryService(artifact.WithLogger(r.logger)), nil
	}
	r.memories[schemeMemory] = func(string) (core.MemoryService, error) {
		return memory.NewInMemoryService(memory.WithLogger(r.logger)), nil
	}

	r.sessions[schemeSQLite] = func(uri string) (core.SessionService, error) {
		return sqlite.Open(sqlitePath(uri), sqlite.WithLogger(r.logger))
	}
	r.artifacts[schemeSQLite] = func(uri string) (core.ArtifactService, error) {
		return sqlite.Open(sqlitePath(uri), sqlite.WithLogger(r.logger))
	}
}

const (
	schemeMemory = "memory"
	schemeSQLite = "sqlite"
)

// resolveScheme extracts the URI scheme; scheme-less URIs are treated as
// SQLite database paths. Empty URIs fail with CodeInvalidArgument.
func resolveScheme(uri string) (string, error) {
	if strings.TrimSpace(uri) == "" {
		return "", core.NewError(core.CodeInvalidArgument, "service uri is required")
	}
	if scheme := uriScheme(uri); scheme != "" {
		return scheme, nil
	}
	return schemeSQLite, nil
}

// uriScheme returns the lowercase scheme of a URI, or "" when the string
// carries none (a bare filesystem path).
func uriScheme(uri string) string {
	idx := strings.Index(uri, ":")
	if idx <= 0 {
		return ""
	}
	scheme := uri[:idx]
	for _, r := range scheme {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= '0' && r <= '9':
		case r == '+' || r == '-' || r == '.':
		default:
			return ""
		}
	}
	return scheme
}

// sqlitePath strips the sqlite scheme from a connection URI, accepting
// "sqlite:file.db", "sqlite://relative.db", "sqlite:///abs/path.db" and bare
// paths unchanged.
func sqlitePath(uri string) string {
	rest := strings.TrimPrefix(uri, schemeSQLite+":")
	rest = strings.TrimPrefix(rest, "//")
	return rest
}
