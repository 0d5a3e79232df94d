package memory

import (
	"context"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/hupe1980/agentstate/core"
	"github.com/hupe1980/agentstate/logging"
)

// Compile-time check that the service satisfies the core contract.
var _ core.MemoryService = (*InMemoryService)(nil)

var wordPattern = regexp.MustCompile(`[A-Za-z]+`)

// InMemoryService is a naive process-local MemoryService. Ingested sessions
// are kept per (app, user) pair keyed by session id, so re-adding a session
// after new turns replaces its previous snapshot instead of duplicating it.
//
// Concurrency: protected by RWMutex.
// Search: case-insensitive keyword overlap between the query and the text
// parts of recalled events. Suitable only for tests / demos; swap for a
// vector index or semantic store for production retrieval.
type InMemoryService struct {
	mu     sync.RWMutex
	events map[string]map[string][]core.Event // "{app}/{user}" -> sessionID -> ingested events
	logger logging.Logger
}

// InMemoryOption customizes an InMemoryService.
type InMemoryOption func(*InMemoryService)

// WithLogger injects a structured logger. Defaults to a no-op logger.
func WithLogger(l logging.Logger) InMemoryOption {
	return func(s *InMemoryService) { s.logger = logging.EnsureLogger(l) }
}

// NewInMemoryService creates a new empty in-memory memory service.
func NewInMemoryService(opts ...InMemoryOption) *InMemoryService {
	s := &InMemoryService{
		events: make(map[string]map[string][]core.Event),
		logger: logging.NoOpLogger{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// AddSessionToMemory snapshots the session's events into long-term memory.
// Partial chunks and events without content parts carry nothing searchable
// and are skipped. Adding the same session again replaces its previous
// snapshot.
func (s *InMemoryService) AddSessionToMemory(ctx context.Context, session *core.Session) error {
	if session == nil {
		return core.NewError(core.CodeInvalidArgument, "session must not be nil")
	}

	var kept []core.Event
	for _, ev := range session.GetEvents() {
		if ev.IsPartial() || ev.Content == nil || len(ev.Content.Parts) == 0 {
			continue
		}
		kept = append(kept, ev)
	}

	key := userKey(session.AppName, session.UserID)

	s.mu.Lock()
	defer s.mu.Unlock()

	byID, ok := s.events[key]
	if !ok {
		byID = make(map[string][]core.Event)
		s.events[key] = byID
	}
	byID[session.ID] = kept

	s.logger.Debug("session ingested into memory", "app_name", session.AppName, "user_id", session.UserID, "session_id", session.ID, "events", len(kept))
	return nil
}

// SearchMemory returns the recalled entries whose text shares at least one
// word with the query, compared case-insensitively. An empty query matches
// nothing.
func (s *InMemoryService) SearchMemory(ctx context.Context, appName, userID, query string) ([]core.MemoryEntry, error) {
	queryWords := make(map[string]struct{})
	for _, w := range strings.Fields(strings.ToLower(query)) {
		queryWords[w] = struct{}{}
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	byID, ok := s.events[userKey(appName, userID)]
	if !ok {
		return []core.MemoryEntry{}, nil
	}

	// Stable session order keeps results deterministic.
	sessionIDs := make([]string, 0, len(byID))
	for id := range byID {
		sessionIDs = append(sessionIDs, id)
	}
	sort.Strings(sessionIDs)

	entries := []core.MemoryEntry{}
	for _, id := range sessionIDs {
		for _, ev := range byID[id] {
			if !matchesQuery(ev, queryWords) {
				continue
			}
			entries = append(entries, core.MemoryEntry{
				Content:   ev.Content,
				Author:    ev.Author,
				Timestamp: ev.Timestamp,
			})
		}
	}
	return entries, nil
}

// matchesQuery reports whether any query word occurs in the event's text
// parts. Words are extracted as letter runs and compared lowercase.
func matchesQuery(ev core.Event, queryWords map[string]struct{}) bool {
	if len(queryWords) == 0 {
		return false
	}
	for _, part := range ev.Content.Parts {
		text, ok := part.(core.TextPart)
		if !ok {
			continue
		}
		for _, w := range wordPattern.FindAllString(strings.ToLower(text.Text), -1) {
			if _, hit := queryWords[w]; hit {
				return true
			}
		}
	}
	return false
}

func userKey(appName, userID string) string {
	return appName + "/" + userID
}
