package sqlite

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	_ "modernc.org/sqlite"

	"github.com/hupe1980/agentstate/core"
	"github.com/hupe1980/agentstate/logging"
	"github.com/hupe1980/agentstate/sqlite/migrations"
)

// Compile-time checks that the store satisfies the core contracts.
var (
	_ core.SessionService  = (*Store)(nil)
	_ core.ArtifactService = (*Store)(nil)
)

// tracerName identifies spans emitted by this package.
const tracerName = "github.com/hupe1980/agentstate/sqlite"

// Store provides durable SQLite-backed persistence for sessions, layered
// state and artifact versions. One Store serves both the SessionService and
// the ArtifactService contract; both can share a single database file.
//
// All write operations run inside immediate transactions (_txlock=immediate),
// so revision checks and version allocation stay race-free across
// connections: concurrent writers queue on the database write lock instead
// of observing each other's half-applied state.
type Store struct {
	sqlDB  *sql.DB
	logger logging.Logger
	tracer trace.Tracer
}

// Option customizes a Store.
type Option func(*Store)

// WithLogger injects a structured logger. Defaults to a no-op logger.
func WithLogger(l logging.Logger) Option {
	return func(s *Store) { s.logger = logging.EnsureLogger(l) }
}

// Open opens (creating it if needed) a SQLite store at the provided path
// and applies pending migrations. The DSN enables WAL mode, foreign keys
// and a busy timeout so concurrent writers wait instead of failing.
func Open(path string, opts ...Option) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, core.NewError(core.CodeInvalidArgument, "storage path is required")
	}

	cleanPath := filepath.Clean(path)
	dsn := cleanPath + "?_txlock=immediate" +
		"&_pragma=journal_mode(WAL)" +
		"&_pragma=busy_timeout(5000)" +
		"&_pragma=foreign_keys(1)" +
		"&_pragma=synchronous(NORMAL)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, storageErr("open sqlite db", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, storageErr("ping sqlite db", err)
	}

	store := &Store{
		sqlDB:  sqlDB,
		logger: logging.NoOpLogger{},
		tracer: otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(store)
	}

	if err := store.runMigrations(); err != nil {
		_ = sqlDB.Close()
		return nil, storageErr("run migrations", err)
	}

	return store, nil
}

// DB returns the underlying sql.DB instance.
func (s *Store) DB() *sql.DB {
	if s == nil {
		return nil
	}
	return s.sqlDB
}

// Close closes the underlying SQLite database.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

func (s *Store) runMigrations() error {
	return applyMigrations(s.sqlDB, migrations.FS)
}

// Timestamps are stored as microseconds since the Unix epoch. Microsecond
// resolution keeps event-history cutoff filters faithful to the in-memory
// backend while staying inside SQLite's 64-bit integer range.

func toMicros(value time.Time) int64 {
	return value.UTC().UnixMicro()
}

func fromMicros(value int64) time.Time {
	return time.UnixMicro(value).UTC()
}

func encodeStateMap(state map[string]any) (string, error) {
	if len(state) == 0 {
		return "{}", nil
	}
	encoded, err := json.Marshal(state)
	if err != nil {
		return "", fmt.Errorf("marshal state: %w", err)
	}
	return string(encoded), nil
}

func decodeStateMap(value string) (map[string]any, error) {
	state := map[string]any{}
	if strings.TrimSpace(value) == "" {
		return state, nil
	}
	if err := json.Unmarshal([]byte(value), &state); err != nil {
		return nil, fmt.Errorf("unmarshal state: %w", err)
	}
	return state, nil
}

// storageErr tags a backend failure with CodeStorage, keeping the driver
// error reachable through errors.As.
func storageErr(message string, err error) error {
	return core.WrapError(core.CodeStorage, message, err)
}
