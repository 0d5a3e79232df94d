package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/hupe1980/agentstate/core"
)

// rowQuerier lets shared-state reads run either on the pool or inside a
// transaction.
type rowQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// CreateSession allocates a new session row for (appName, userID). An empty
// sessionID lets the store generate one; a taken sessionID fails with
// CodeAlreadyExists. Scope-prefixed entries of the initial state are merged
// into the app/user tables in the same transaction. Returns the merged view.
func (s *Store) CreateSession(ctx context.Context, appName, userID string, state map[string]any, sessionID string) (*core.Session, error) {
	if appName == "" || userID == "" {
		return nil, core.NewError(core.CodeInvalidArgument, "app name and user id are required")
	}

	ctx, span := s.tracer.Start(ctx, "sqlite.create_session",
		trace.WithAttributes(attribute.String("app_name", appName)))
	defer span.End()

	id := sessionID
	if id == "" {
		id = core.NewID()
	}

	appDelta, userDelta, sessionState := core.SplitDelta(state)
	now := time.Now().UTC()

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return nil, storageErr("begin create transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	var one int
	err = tx.QueryRowContext(ctx,
		`SELECT 1 FROM sessions WHERE app_name = ? AND user_id = ? AND id = ?`,
		appName, userID, id).Scan(&one)
	switch {
	case err == nil:
		return nil, core.NewErrorf(core.CodeAlreadyExists, "session %s already exists", id)
	case err != sql.ErrNoRows:
		return nil, storageErr("check session existence", err)
	}

	appState, err := s.mergeAppStateTx(ctx, tx, appName, appDelta, now)
	if err != nil {
		return nil, err
	}
	userState, err := s.mergeUserStateTx(ctx, tx, appName, userID, userDelta, now)
	if err != nil {
		return nil, err
	}

	encoded, err := encodeStateMap(sessionState)
	if err != nil {
		return nil, storageErr("encode session state", err)
	}
	if _, err := tx.ExecContext(ctx, `
INSERT INTO sessions (app_name, user_id, id, state, revision, create_time, last_update_time)
VALUES (?, ?, ?, ?, 1, ?, ?)`,
		appName, userID, id, encoded, toMicros(now), toMicros(now)); err != nil {
		return nil, storageErr("insert session", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, storageErr("commit create transaction", err)
	}

	sess := core.NewSession(appName, userID, id)
	sess.State = core.MergeState(appState, userState, sessionState)
	sess.Revision = 1
	sess.CreateTime = now
	sess.LastUpdateTime = now

	s.logger.Debug("session created", "app_name", appName, "user_id", userID, "session_id", id)

	return sess, nil
}

// GetSession returns the merged view of an existing session or CodeNotFound.
// The event history honors cfg narrowing and stays in commit order.
func (s *Store) GetSession(ctx context.Context, appName, userID, sessionID string, cfg *core.GetSessionConfig) (*core.Session, error) {
	ctx, span := s.tracer.Start(ctx, "sqlite.get_session",
		trace.WithAttributes(attribute.String("session_id", sessionID)))
	defer span.End()

	var (
		stateRaw string
		revision int64
		createUs int64
		updateUs int64
	)
	err := s.sqlDB.QueryRowContext(ctx, `
SELECT state, revision, create_time, last_update_time
FROM sessions WHERE app_name = ? AND user_id = ? AND id = ?`,
		appName, userID, sessionID).Scan(&stateRaw, &revision, &createUs, &updateUs)
	if err == sql.ErrNoRows {
		return nil, core.NewErrorf(core.CodeNotFound, "session %s not found", sessionID)
	}
	if err != nil {
		return nil, storageErr("read session", err)
	}

	sessionState, err := decodeStateMap(stateRaw)
	if err != nil {
		return nil, storageErr("decode session state", err)
	}
	appState, err := readAppState(ctx, s.sqlDB, appName)
	if err != nil {
		return nil, err
	}
	userState, err := readUserState(ctx, s.sqlDB, appName, userID)
	if err != nil {
		return nil, err
	}
	events, err := s.readEvents(ctx, appName, userID, sessionID, cfg)
	if err != nil {
		return nil, err
	}

	sess := core.NewSession(appName, userID, sessionID)
	sess.State = core.MergeState(appState, userState, sessionState)
	sess.Events = events
	sess.Revision = revision
	sess.CreateTime = fromMicros(createUs)
	sess.LastUpdateTime = fromMicros(updateUs)
	return sess, nil
}

// ListSessions returns merged views without event history for one user, or
// for every user of the app when userID is empty. Results are ordered by
// (user id, session id).
func (s *Store) ListSessions(ctx context.Context, appName, userID string) ([]*core.Session, error) {
	ctx, span := s.tracer.Start(ctx, "sqlite.list_sessions",
		trace.WithAttributes(attribute.String("app_name", appName)))
	defer span.End()

	query := `SELECT user_id, id, state, revision, create_time, last_update_time FROM sessions WHERE app_name = ?`
	args := []any{appName}
	if userID != "" {
		query += ` AND user_id = ?`
		args = append(args, userID)
	}
	query += ` ORDER BY user_id, id`

	rows, err := s.sqlDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageErr("list sessions", err)
	}
	defer rows.Close()

	type sessionRow struct {
		userID   string
		id       string
		stateRaw string
		revision int64
		createUs int64
		updateUs int64
	}
	var collected []sessionRow
	for rows.Next() {
		var r sessionRow
		if err := rows.Scan(&r.userID, &r.id, &r.stateRaw, &r.revision, &r.createUs, &r.updateUs); err != nil {
			return nil, storageErr("scan session", err)
		}
		collected = append(collected, r)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("iterate sessions", err)
	}

	appState, err := readAppState(ctx, s.sqlDB, appName)
	if err != nil {
		return nil, err
	}
	userStates := make(map[string]map[string]any)

	res := make([]*core.Session, 0, len(collected))
	for _, r := range collected {
		userState, ok := userStates[r.userID]
		if !ok {
			userState, err = readUserState(ctx, s.sqlDB, appName, r.userID)
			if err != nil {
				return nil, err
			}
			userStates[r.userID] = userState
		}
		sessionState, err := decodeStateMap(r.stateRaw)
		if err != nil {
			return nil, storageErr("decode session state", err)
		}

		sess := core.NewSession(appName, r.userID, r.id)
		sess.State = core.MergeState(appState, userState, sessionState)
		sess.Revision = r.revision
		sess.CreateTime = fromMicros(r.createUs)
		sess.LastUpdateTime = fromMicros(r.updateUs)
		res = append(res, sess)
	}
	return res, nil
}

// DeleteSession removes the session row; its events go with it through the
// cascading foreign key. Deleting an absent session is a no-op. App and user
// state tables are left untouched.
func (s *Store) DeleteSession(ctx context.Context, appName, userID, sessionID string) error {
	ctx, span := s.tracer.Start(ctx, "sqlite.delete_session",
		trace.WithAttributes(attribute.String("session_id", sessionID)))
	defer span.End()

	if _, err := s.sqlDB.ExecContext(ctx,
		`DELETE FROM sessions WHERE app_name = ? AND user_id = ? AND id = ?`,
		appName, userID, sessionID); err != nil {
		return storageErr("delete session", err)
	}

	s.logger.Debug("session deleted", "app_name", appName, "user_id", userID, "session_id", sessionID)
	return nil
}

// AppendEvent commits an event against the caller's session snapshot.
// Partial events are returned unchanged without touching storage. A snapshot
// older than the stored revision fails with CodeStaleWrite and leaves the
// database unmodified. On success the event's state delta is routed to its
// scope tables, the event row joins the log with the next dense sequence
// number, the revision advances and the commit is mirrored into the caller's
// session instance. All of it happens in one transaction.
func (s *Store) AppendEvent(ctx context.Context, session *core.Session, event core.Event) (core.Event, error) {
	if session == nil {
		return event, core.NewError(core.CodeInvalidArgument, "session is required")
	}
	if event.IsPartial() {
		return event, nil
	}

	ctx, span := s.tracer.Start(ctx, "sqlite.append_event", trace.WithAttributes(
		attribute.String("app_name", session.AppName),
		attribute.String("session_id", session.ID),
	))
	defer span.End()

	if event.ID == "" {
		event.ID = core.NewID()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	event.Actions.StateDelta = core.TrimTempState(event.Actions.StateDelta)
	appDelta, userDelta, sessionDelta := core.SplitDelta(event.Actions.StateDelta)

	payload, err := json.Marshal(event)
	if err != nil {
		return event, storageErr("encode event", err)
	}

	commitTime := time.Now().UTC()

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return event, storageErr("begin append transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	var (
		stateRaw string
		revision int64
	)
	err = tx.QueryRowContext(ctx,
		`SELECT state, revision FROM sessions WHERE app_name = ? AND user_id = ? AND id = ?`,
		session.AppName, session.UserID, session.ID).Scan(&stateRaw, &revision)
	if err == sql.ErrNoRows {
		return event, core.NewErrorf(core.CodeNotFound, "session %s not found", session.ID)
	}
	if err != nil {
		return event, storageErr("read session revision", err)
	}
	if revision > session.Revision {
		return event, core.NewErrorf(core.CodeStaleWrite, "session %s is stale: storage at revision %d, caller at %d", session.ID, revision, session.Revision)
	}

	if len(appDelta) > 0 {
		if _, err := s.mergeAppStateTx(ctx, tx, session.AppName, appDelta, commitTime); err != nil {
			return event, err
		}
	}
	if len(userDelta) > 0 {
		if _, err := s.mergeUserStateTx(ctx, tx, session.AppName, session.UserID, userDelta, commitTime); err != nil {
			return event, err
		}
	}

	sessionState, err := decodeStateMap(stateRaw)
	if err != nil {
		return event, storageErr("decode session state", err)
	}
	for k, v := range sessionDelta {
		sessionState[k] = v
	}
	encoded, err := encodeStateMap(sessionState)
	if err != nil {
		return event, storageErr("encode session state", err)
	}

	newRevision := revision + 1
	if _, err := tx.ExecContext(ctx, `
UPDATE sessions SET state = ?, revision = ?, last_update_time = ?
WHERE app_name = ? AND user_id = ? AND id = ?`,
		encoded, newRevision, toMicros(commitTime),
		session.AppName, session.UserID, session.ID); err != nil {
		return event, storageErr("update session", err)
	}

	if _, err := tx.ExecContext(ctx, `
INSERT INTO events (app_name, user_id, session_id, id, seq, timestamp, payload)
VALUES (?, ?, ?, ?,
    (SELECT COALESCE(MAX(seq), -1) + 1 FROM events WHERE app_name = ? AND user_id = ? AND session_id = ?),
    ?, ?)`,
		session.AppName, session.UserID, session.ID, event.ID,
		session.AppName, session.UserID, session.ID,
		toMicros(event.Timestamp), string(payload)); err != nil {
		return event, storageErr("insert event", err)
	}

	if err := tx.Commit(); err != nil {
		return event, storageErr("commit append transaction", err)
	}

	session.ApplyCommit(event, newRevision, commitTime)

	s.logger.Debug("event appended", "app_name", session.AppName, "session_id", session.ID, "event_id", event.ID, "revision", newRevision)

	return event, nil
}

// readEvents fetches the newest matching events first so LIMIT keeps the
// most recent ones, then restores commit order.
func (s *Store) readEvents(ctx context.Context, appName, userID, sessionID string, cfg *core.GetSessionConfig) ([]core.Event, error) {
	limit := -1 // negative LIMIT means unlimited in SQLite
	query := `SELECT payload FROM events WHERE app_name = ? AND user_id = ? AND session_id = ?`
	args := []any{appName, userID, sessionID}
	if cfg != nil {
		if !cfg.AfterTimestamp.IsZero() {
			query += ` AND timestamp >= ?`
			args = append(args, toMicros(cfg.AfterTimestamp))
		}
		if cfg.NumRecentEvents > 0 {
			limit = cfg.NumRecentEvents
		}
	}
	query += ` ORDER BY seq DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.sqlDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageErr("read events", err)
	}
	defer rows.Close()

	var events []core.Event
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, storageErr("scan event", err)
		}
		var ev core.Event
		if err := json.Unmarshal([]byte(payload), &ev); err != nil {
			return nil, storageErr("decode event", err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("iterate events", err)
	}

	for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
		events[i], events[j] = events[j], events[i]
	}
	return events, nil
}

// mergeAppStateTx folds delta into the app bucket and returns the merged
// map. The read stays inside the caller's transaction so concurrent commits
// cannot interleave.
func (s *Store) mergeAppStateTx(ctx context.Context, tx *sql.Tx, appName string, delta map[string]any, now time.Time) (map[string]any, error) {
	current, err := readAppState(ctx, tx, appName)
	if err != nil {
		return nil, err
	}
	if len(delta) == 0 {
		return current, nil
	}
	for k, v := range delta {
		current[k] = v
	}
	encoded, err := encodeStateMap(current)
	if err != nil {
		return nil, storageErr("encode app state", err)
	}
	if _, err := tx.ExecContext(ctx, `
INSERT INTO app_states (app_name, state, update_time) VALUES (?, ?, ?)
ON CONFLICT (app_name) DO UPDATE SET state = excluded.state, update_time = excluded.update_time`,
		appName, encoded, toMicros(now)); err != nil {
		return nil, storageErr("upsert app state", err)
	}
	return current, nil
}

// mergeUserStateTx folds delta into the user bucket and returns the merged
// map.
func (s *Store) mergeUserStateTx(ctx context.Context, tx *sql.Tx, appName, userID string, delta map[string]any, now time.Time) (map[string]any, error) {
	current, err := readUserState(ctx, tx, appName, userID)
	if err != nil {
		return nil, err
	}
	if len(delta) == 0 {
		return current, nil
	}
	for k, v := range delta {
		current[k] = v
	}
	encoded, err := encodeStateMap(current)
	if err != nil {
		return nil, storageErr("encode user state", err)
	}
	if _, err := tx.ExecContext(ctx, `
INSERT INTO user_states (app_name, user_id, state, update_time) VALUES (?, ?, ?, ?)
ON CONFLICT (app_name, user_id) DO UPDATE SET state = excluded.state, update_time = excluded.update_time`,
		appName, userID, encoded, toMicros(now)); err != nil {
		return nil, storageErr("upsert user state", err)
	}
	return current, nil
}

func readAppState(ctx context.Context, q rowQuerier, appName string) (map[string]any, error) {
	var raw string
	err := q.QueryRowContext(ctx, `SELECT state FROM app_states WHERE app_name = ?`, appName).Scan(&raw)
	if err == sql.ErrNoRows {
		return map[string]any{}, nil
	}
	if err != nil {
		return nil, storageErr("read app state", err)
	}
	state, err := decodeStateMap(raw)
	if err != nil {
		return nil, storageErr("decode app state", err)
	}
	return state, nil
}

func readUserState(ctx context.Context, q rowQuerier, appName, userID string) (map[string]any, error) {
	var raw string
	err := q.QueryRowContext(ctx,
		`SELECT state FROM user_states WHERE app_name = ? AND user_id = ?`,
		appName, userID).Scan(&raw)
	if err == sql.ErrNoRows {
		return map[string]any{}, nil
	}
	if err != nil {
		return nil, storageErr("read user state", err)
	}
	state, err := decodeStateMap(raw)
	if err != nil {
		return nil, storageErr("decode user state", err)
	}
	return state, nil
}
