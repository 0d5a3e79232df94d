package agentstate

import (
	"github.com/caarlos0/env/v11"

	"github.com/hupe1980/agentstate/core"
	"github.com/hupe1980/agentstate/logging"
)

// Config selects the backends and logging of a Services bundle. Fields map to
// AGENTSTATE_* environment variables, so deployments choose their storage via
// connection strings instead of code changes:
//
//	AGENTSTATE_SESSION_SERVICE_URI=sqlite:///var/lib/agent/store.db
//	AGENTSTATE_ARTIFACT_SERVICE_URI=sqlite:///var/lib/agent/store.db
//	AGENTSTATE_MEMORY_SERVICE_URI=memory:
//
// See Registry for the recognized URI schemes.
type Config struct {
	// SessionServiceURI selects the session backend.
	SessionServiceURI string `env:"AGENTSTATE_SESSION_SERVICE_URI" envDefault:"memory:"`

	// ArtifactServiceURI selects the artifact backend. Pointing it at the
	// session URI shares one backend instance when the backend serves both
	// contracts.
	ArtifactServiceURI string `env:"AGENTSTATE_ARTIFACT_SERVICE_URI" envDefault:"memory:"`

	// MemoryServiceURI selects the memory backend.
	MemoryServiceURI string `env:"AGENTSTATE_MEMORY_SERVICE_URI" envDefault:"memory:"`

	// LogLevel sets the built-in logger threshold: debug, info, warn or error.
	LogLevel string `env:"AGENTSTATE_LOG_LEVEL" envDefault:"info"`

	// LogFormat selects the built-in logger encoding: json or text.
	LogFormat string `env:"AGENTSTATE_LOG_FORMAT" envDefault:"json"`
}

// ParseConfig loads configuration from environment variables.
func ParseConfig() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, core.WrapError(core.CodeInvalidArgument, "parse environment", err)
	}
	return cfg, nil
}

// NewLogger builds the structured logger described by LogLevel and LogFormat.
// An unknown level name falls back to info rather than failing, so a typo in
// a log setting never takes the store down.
func (c Config) NewLogger() logging.Logger {
	level, err := logging.ParseLevel(c.LogLevel)
	if err != nil {
		level = logging.LogLevelInfo
	}
	return logging.NewStructuredLogger(level, c.LogFormat)
}
