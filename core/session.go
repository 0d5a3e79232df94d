package core

import (
	"context"
	"sync"
	"time"
)

// Session represents a conversational container owned by one (app, user)
// pair, tracking mutable key/value state plus an ordered event history. It is
// safe for concurrent access, though a single instance must not be handed to
// concurrent AppendEvent calls: the freshness check reads Revision from the
// caller's instance.
//
// Contract:
//   - State holds the merged read view: session entries under bare keys,
//     user/app entries under their scope prefixes
//   - Revision is the optimistic concurrency token, advanced by every
//     committed append; LastUpdateTime mirrors the commit time
//   - GetEvents returns a defensive copy to avoid external mutation
//   - Clone performs deep copies of maps/slices for safe divergence.
type Session struct {
	AppName        string         `json:"app_name"`
	UserID         string         `json:"user_id"`
	ID             string         `json:"id"`
	State          map[string]any `json:"state"`
	Events         []Event        `json:"events"`
	CreateTime     time.Time      `json:"create_time"`
	LastUpdateTime time.Time      `json:"last_update_time"`
	Revision       int64          `json:"revision"`
	mu             sync.RWMutex
}

// NewSession creates an empty session addressed by app, user and id.
func NewSession(appName, userID, id string) *Session {
	now := time.Now().UTC()
	return &Session{
		AppName:        appName,
		UserID:         userID,
		ID:             id,
		State:          map[string]any{},
		Events:         []Event{},
		CreateTime:     now,
		LastUpdateTime: now,
		Revision:       0,
	}
}

// GetState returns the value and existence flag for a state key.
func (s *Session) GetState(key string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.State[key]
	return v, ok
}

// SetState sets a key/value pair in the local state view. It does not persist
// anything; state reaches storage only through AppendEvent deltas.
func (s *Session) SetState(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.State[key] = value
}

// ApplyStateDelta merges the provided key/value pairs into the local state view.
func (s *Session) ApplyStateDelta(delta map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, v := range delta {
		s.State[k] = v
	}
}

// AddEvent appends an event to the local history.
func (s *Session) AddEvent(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Events = append(s.Events, ev)
}

// ApplyCommit mirrors a committed append into this session instance: the
// event's state delta (temp keys dropped, scope prefixes kept) is merged into
// the view, the event joins the history, and the freshness token advances to
// the committed revision and time. Services call this after persisting so the
// caller's session stays aligned with storage.
func (s *Session) ApplyCommit(ev Event, revision int64, updateTime time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, v := range TrimTempState(ev.Actions.StateDelta) {
		s.State[k] = v
	}
	s.Events = append(s.Events, ev)
	s.Revision = revision
	s.LastUpdateTime = updateTime
}

// GetEvents returns a defensive copy of the full event slice.
func (s *Session) GetEvents() []Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	events := make([]Event, len(s.Events))
	copy(events, s.Events)
	return events
}

// GetConversationHistory returns filtered events suitable for providing
// conversational context (excludes partials and non-conversational roles).
func (s *Session) GetConversationHistory() []Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	allowed := map[string]bool{"user": true, "assistant": true, "tool": true}
	res := make([]Event, 0, len(s.Events))
	for _, ev := range s.Events {
		if ev.Content == nil || !allowed[ev.Content.Role] {
			continue
		}
		if ev.IsPartial() {
			continue
		}
		res = append(res, ev)
	}
	return res
}

// Clone returns a deep copy of the session safe for independent mutation.
func (s *Session) Clone() *Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	clone := &Session{
		AppName:        s.AppName,
		UserID:         s.UserID,
		ID:             s.ID,
		State:          make(map[string]any, len(s.State)),
		Events:         make([]Event, len(s.Events)),
		CreateTime:     s.CreateTime,
		LastUpdateTime: s.LastUpdateTime,
		Revision:       s.Revision,
	}
	for k, v := range s.State {
		clone.State[k] = v
	}
	copy(clone.Events, s.Events)
	return clone
}

// GetSessionConfig narrows the event history returned by GetSession. A nil
// config returns the complete history.
type GetSessionConfig struct {
	// NumRecentEvents keeps only the most recent N events when > 0.
	NumRecentEvents int
	// AfterTimestamp drops events whose timestamp precedes it when non-zero.
	AfterTimestamp time.Time
}

// FilterEvents applies GetSessionConfig narrowing to a chronological event
// slice: events before AfterTimestamp are dropped, then only the last
// NumRecentEvents are kept. Chronological (commit) order is preserved. The
// input slice is not modified.
func FilterEvents(events []Event, cfg *GetSessionConfig) []Event {
	if cfg == nil {
		return events
	}
	filtered := events
	if !cfg.AfterTimestamp.IsZero() {
		filtered = make([]Event, 0, len(events))
		for _, ev := range events {
			if ev.Timestamp.Before(cfg.AfterTimestamp) {
				continue
			}
			filtered = append(filtered, ev)
		}
	}
	if cfg.NumRecentEvents > 0 && len(filtered) > cfg.NumRecentEvents {
		filtered = filtered[len(filtered)-cfg.NumRecentEvents:]
	}
	return filtered
}

// SessionService persists sessions, their layered state and their append-only
// event history across applications and users.
//
// Contract:
//   - CreateSession fails with CodeAlreadyExists when sessionID is taken; an
//     empty sessionID lets the backend generate one
//   - GetSession fails with CodeNotFound for unknown sessions and returns the
//     merged state view (app/user entries under their prefixes)
//   - ListSessions returns merged state without events; an empty userID lists
//     sessions across all users of the app
//   - DeleteSession is idempotent and cascades to the session's events
//   - AppendEvent returns partial events unchanged without persisting, fails
//     with CodeStaleWrite when the caller's Revision lags storage, and on
//     success mirrors the commit into the caller's session instance.
type SessionService interface {
	CreateSession(ctx context.Context, appName, userID string, state map[string]any, sessionID string) (*Session, error)
	GetSession(ctx context.Context, appName, userID, sessionID string, cfg *GetSessionConfig) (*Session, error)
	ListSessions(ctx context.Context, appName, userID string) ([]*Session, error)
	DeleteSession(ctx context.Context, appName, userID, sessionID string) error
	AppendEvent(ctx context.Context, session *Session, event Event) (Event, error)
}
