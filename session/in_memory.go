package session

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/hupe1980/agentstate/core"
	"github.com/hupe1980/agentstate/logging"
)

// Compile-time check that the service satisfies the core contract.
var _ core.SessionService = (*InMemoryService)(nil)

// InMemoryService is a volatile SessionService implementation storing
// sessions and their layered state in process local maps. It is safe for
// concurrent access and best suited for tests or single-process runtimes.
// Each returned session is a merged snapshot cloned to prevent external
// mutation of internal state.
//
// Layout: appName -> userID -> sessionID -> session (session-scoped state only).
// App and user buckets are kept separately and merged into the view on read.
type InMemoryService struct {
	mu       sync.RWMutex
	sessions map[string]map[string]map[string]*core.Session
	appState map[string]map[string]any
	usrState map[string]map[string]map[string]any
	logger   logging.Logger
}

// InMemoryOption customizes an InMemoryService.
type InMemoryOption func(*InMemoryService)

// WithLogger injects a structured logger. Defaults to a no-op logger.
func WithLogger(l logging.Logger) InMemoryOption {
	return func(s *InMemoryService) { s.logger = logging.EnsureLogger(l) }
}

// NewInMemoryService constructs an empty in-memory session service.
func NewInMemoryService(opts ...InMemoryOption) *InMemoryService {
	s := &InMemoryService{
		sessions: make(map[string]map[string]map[string]*core.Session),
		appState: make(map[string]map[string]any),
		usrState: make(map[string]map[string]map[string]any),
		logger:   logging.NoOpLogger{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateSession allocates a new session for (appName, userID). An empty
// sessionID lets the service generate one; a taken sessionID fails with
// CodeAlreadyExists. Scope-prefixed entries of the initial state are routed
// to the lazily created app/user buckets. Returns the merged view.
func (s *InMemoryService) CreateSession(ctx context.Context, appName, userID string, state map[string]any, sessionID string) (*core.Session, error) {
	if appName == "" || userID == "" {
		return nil, core.NewError(core.CodeInvalidArgument, "app name and user id are required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	id := sessionID
	if id == "" {
		id = core.NewID()
	}
	if _, ok := s.lookupLocked(appName, userID, id); ok {
		return nil, core.NewErrorf(core.CodeAlreadyExists, "session %s already exists", id)
	}

	appDelta, userDelta, sessionState := core.SplitDelta(state)
	s.ensureAppLocked(appName)
	s.ensureUserLocked(appName, userID)
	for k, v := range appDelta {
		s.appState[appName][k] = v
	}
	for k, v := range userDelta {
		s.usrState[appName][userID][k] = v
	}

	sess := core.NewSession(appName, userID, id)
	sess.State = sessionState
	sess.Revision = 1

	if _, ok := s.sessions[appName]; !ok {
		s.sessions[appName] = make(map[string]map[string]*core.Session)
	}
	if _, ok := s.sessions[appName][userID]; !ok {
		s.sessions[appName][userID] = make(map[string]*core.Session)
	}
	s.sessions[appName][userID][id] = sess

	s.logger.Debug("session created", "app_name", appName, "user_id", userID, "session_id", id)

	return s.mergedLocked(sess), nil
}

// GetSession returns the merged view of an existing session or CodeNotFound.
// The event history honors cfg narrowing and stays in commit order.
func (s *InMemoryService) GetSession(ctx context.Context, appName, userID, sessionID string, cfg *core.GetSessionConfig) (*core.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.lookupLocked(appName, userID, sessionID)
	if !ok {
		return nil, core.NewErrorf(core.CodeNotFound, "session %s not found", sessionID)
	}

	view := s.mergedLocked(sess)
	view.Events = core.FilterEvents(view.Events, cfg)
	return view, nil
}

// ListSessions returns merged views without event history for one user, or
// for every user of the app when userID is empty. Results are sorted by
// (user id, session id) for deterministic iteration.
func (s *InMemoryService) ListSessions(ctx context.Context, appName, userID string) ([]*core.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users, ok := s.sessions[appName]
	if !ok {
		return []*core.Session{}, nil
	}

	res := []*core.Session{}
	for uid, byID := range users {
		if userID != "" && uid != userID {
			continue
		}
		for _, sess := range byID {
			view := s.mergedLocked(sess)
			view.Events = []core.Event{}
			res = append(res, view)
		}
	}
	sort.Slice(res, func(i, j int) bool {
		if res[i].UserID != res[j].UserID {
			return res[i].UserID < res[j].UserID
		}
		return res[i].ID < res[j].ID
	})
	return res, nil
}

// DeleteSession removes the session and its events. Deleting an absent
// session is a no-op; app and user buckets are left untouched.
func (s *InMemoryService) DeleteSession(ctx context.Context, appName, userID, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if users, ok := s.sessions[appName]; ok {
		if byID, ok := users[userID]; ok {
			delete(byID, sessionID)
		}
	}

	s.logger.Debug("session deleted", "app_name", appName, "user_id", userID, "session_id", sessionID)
	return nil
}

// AppendEvent commits an event against the caller's session snapshot.
// Partial events are returned unchanged without touching storage. A snapshot
// older than the stored revision fails with CodeStaleWrite and leaves storage
// unmodified. On success the event's state delta is routed to its scopes, the
// event joins the log, the revision advances and the commit is mirrored into
// the caller's session instance.
func (s *InMemoryService) AppendEvent(ctx context.Context, session *core.Session, event core.Event) (core.Event, error) {
	if session == nil {
		return event, core.NewError(core.CodeInvalidArgument, "session is required")
	}
	if event.IsPartial() {
		return event, nil
	}

	s.mu.Lock()
	stored, ok := s.lookupLocked(session.AppName, session.UserID, session.ID)
	if !ok {
		s.mu.Unlock()
		return event, core.NewErrorf(core.CodeNotFound, "session %s not found", session.ID)
	}
	if stored.Revision > session.Revision {
		staleRev := stored.Revision
		s.mu.Unlock()
		return event, core.NewErrorf(core.CodeStaleWrite, "session %s is stale: storage at revision %d, caller at %d", session.ID, staleRev, session.Revision)
	}

	if event.ID == "" {
		event.ID = core.NewID()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	event.Actions.StateDelta = core.TrimTempState(event.Actions.StateDelta)

	appDelta, userDelta, sessionDelta := core.SplitDelta(event.Actions.StateDelta)
	s.ensureAppLocked(session.AppName)
	s.ensureUserLocked(session.AppName, session.UserID)
	for k, v := range appDelta {
		s.appState[session.AppName][k] = v
	}
	for k, v := range userDelta {
		s.usrState[session.AppName][session.UserID][k] = v
	}
	for k, v := range sessionDelta {
		stored.State[k] = v
	}

	commitTime := time.Now().UTC()
	stored.Revision++
	stored.LastUpdateTime = commitTime
	stored.AddEvent(event)
	revision := stored.Revision
	s.mu.Unlock()

	session.ApplyCommit(event, revision, commitTime)

	s.logger.Debug("event appended", "app_name", session.AppName, "session_id", session.ID, "event_id", event.ID, "revision", revision)

	return event, nil
}

// lookupLocked resolves the internal session record; caller must hold a lock.
func (s *InMemoryService) lookupLocked(appName, userID, sessionID string) (*core.Session, bool) {
	users, ok := s.sessions[appName]
	if !ok {
		return nil, false
	}
	byID, ok := users[userID]
	if !ok {
		return nil, false
	}
	sess, ok := byID[sessionID]
	return sess, ok
}

// mergedLocked builds the merged snapshot of a stored session; caller must
// hold a lock. The returned session is independent of internal state.
func (s *InMemoryService) mergedLocked(sess *core.Session) *core.Session {
	view := sess.Clone()
	view.State = core.MergeState(s.appState[sess.AppName], s.usrState[sess.AppName][sess.UserID], sess.State)
	return view
}

func (s *InMemoryService) ensureAppLocked(appName string) {
	if _, ok := s.appState[appName]; !ok {
		s.appState[appName] = make(map[string]any)
	}
}

func (s *InMemoryService) ensureUserLocked(appName, userID string) {
	if _, ok := s.usrState[appName]; !ok {
		s.usrState[appName] = make(map[string]map[string]any)
	}
	if _, ok := s.usrState[appName][userID]; !ok {
		s.usrState[appName][userID] = make(map[string]any)
	}
}
