package session

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/hupe1980/agentstate/core"
)

// Interface compliance (compile-time assertion)
var _ core.SessionService = (*InMemoryService)(nil)

func eventWithDelta(author string, delta map[string]any) core.Event {
	ev := core.NewEvent("inv1", author)
	ev.Actions.StateDelta = delta
	return ev
}

func TestInMemoryService_CreateGetLifecycle(t *testing.T) {
	svc := NewInMemoryService()
	ctx := context.Background()

	initial := map[string]any{
		"app:theme":    "dark",
		"user:lang":    "de",
		"temp:scratch": 1,
		"count":        0,
	}
	sess, err := svc.CreateSession(ctx, "app", "u1", initial, "s1")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if sess.ID != "s1" || sess.AppName != "app" || sess.UserID != "u1" {
		t.Fatalf("unexpected identity: %+v", sess)
	}
	if sess.Revision != 1 {
		t.Fatalf("expected revision 1 after create, got %d", sess.Revision)
	}
	if sess.State["app:theme"] != "dark" || sess.State["user:lang"] != "de" || sess.State["count"] != 0 {
		t.Fatalf("unexpected merged state: %#v", sess.State)
	}
	if _, ok := sess.State["temp:scratch"]; ok {
		t.Fatalf("temp state must never be persisted: %#v", sess.State)
	}

	if _, err := svc.AppendEvent(ctx, sess, eventWithDelta("agent", map[string]any{"count": 1, "temp:x": 9})); err != nil {
		t.Fatalf("append: %v", err)
	}

	got, err := svc.GetSession(ctx, "app", "u1", "s1", nil)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Revision != 2 {
		t.Fatalf("expected revision 2 after one commit, got %d", got.Revision)
	}
	if got.State["count"] != 1 {
		t.Fatalf("expected count 1, got %#v", got.State["count"])
	}
	if _, ok := got.State["temp:x"]; ok {
		t.Fatalf("temp delta key leaked into state: %#v", got.State)
	}
	if len(got.Events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(got.Events))
	}
	if _, ok := got.Events[0].Actions.StateDelta["temp:x"]; ok {
		t.Fatalf("temp delta key leaked into stored event")
	}
	if got.Events[0].ID == "" || got.Events[0].Timestamp.IsZero() {
		t.Fatalf("expected event id and timestamp to be filled")
	}
}

func TestInMemoryService_CreateValidation(t *testing.T) {
	svc := NewInMemoryService()
	ctx := context.Background()

	if _, err := svc.CreateSession(ctx, "", "u1", nil, ""); !core.IsInvalidArgument(err) {
		t.Fatalf("expected invalid-argument for empty app, got %v", err)
	}
	if _, err := svc.CreateSession(ctx, "app", "", nil, ""); !core.IsInvalidArgument(err) {
		t.Fatalf("expected invalid-argument for empty user, got %v", err)
	}

	sess, err := svc.CreateSession(ctx, "app", "u1", nil, "")
	if err != nil {
		t.Fatalf("create with generated id: %v", err)
	}
	if sess.ID == "" {
		t.Fatalf("expected a generated session id")
	}

	if _, err := svc.CreateSession(ctx, "app", "u1", nil, sess.ID); !core.IsAlreadyExists(err) {
		t.Fatalf("expected already-exists, got %v", err)
	}
}

func TestInMemoryService_GetNotFound(t *testing.T) {
	svc := NewInMemoryService()
	if _, err := svc.GetSession(context.Background(), "app", "u1", "missing", nil); !core.IsNotFound(err) {
		t.Fatalf("expected not-found, got %v", err)
	}
}

func TestInMemoryService_StaleWriteRetry(t *testing.T) {
	svc := NewInMemoryService()
	ctx := context.Background()

	if _, err := svc.CreateSession(ctx, "app", "u1", nil, "s1"); err != nil {
		t.Fatal(err)
	}
	snapA, err := svc.GetSession(ctx, "app", "u1", "s1", nil)
	if err != nil {
		t.Fatal(err)
	}
	snapB, err := svc.GetSession(ctx, "app", "u1", "s1", nil)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := svc.AppendEvent(ctx, snapA, eventWithDelta("agent", map[string]any{"k": "a"})); err != nil {
		t.Fatalf("first append: %v", err)
	}

	// snapB still carries revision 1 while storage moved to 2.
	if _, err := svc.AppendEvent(ctx, snapB, eventWithDelta("agent", map[string]any{"k": "b"})); !core.IsStaleWrite(err) {
		t.Fatalf("expected stale-write, got %v", err)
	}

	// The rejected commit must not have touched storage.
	got, err := svc.GetSession(ctx, "app", "u1", "s1", nil)
	if err != nil {
		t.Fatal(err)
	}
	if got.Revision != 2 || got.State["k"] != "a" || len(got.Events) != 1 {
		t.Fatalf("storage changed by rejected commit: rev=%d state=%#v events=%d", got.Revision, got.State, len(got.Events))
	}

	// Reload and retry succeeds.
	if _, err := svc.AppendEvent(ctx, got, eventWithDelta("agent", map[string]any{"k": "b"})); err != nil {
		t.Fatalf("retry append: %v", err)
	}
	final, _ := svc.GetSession(ctx, "app", "u1", "s1", nil)
	if final.Revision != 3 || final.State["k"] != "b" || len(final.Events) != 2 {
		t.Fatalf("unexpected state after retry: rev=%d state=%#v events=%d", final.Revision, final.State, len(final.Events))
	}
}

func TestInMemoryService_PartialEventNoop(t *testing.T) {
	svc := NewInMemoryService()
	ctx := context.Background()

	sess, err := svc.CreateSession(ctx, "app", "u1", nil, "s1")
	if err != nil {
		t.Fatal(err)
	}

	partial := true
	ev := eventWithDelta("agent", map[string]any{"k": "v"})
	ev.Partial = &partial

	out, err := svc.AppendEvent(ctx, sess, ev)
	if err != nil {
		t.Fatalf("append partial: %v", err)
	}
	if out.ID != ev.ID {
		t.Fatalf("partial event must be returned unchanged")
	}

	got, _ := svc.GetSession(ctx, "app", "u1", "s1", nil)
	if got.Revision != 1 || len(got.Events) != 0 {
		t.Fatalf("partial event must not be committed: rev=%d events=%d", got.Revision, len(got.Events))
	}
	if _, ok := got.State["k"]; ok {
		t.Fatalf("partial event must not touch state: %#v", got.State)
	}
}

func TestInMemoryService_ScopeSharing(t *testing.T) {
	svc := NewInMemoryService()
	ctx := context.Background()

	s1, err := svc.CreateSession(ctx, "app", "u1", nil, "s1")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := svc.AppendEvent(ctx, s1, eventWithDelta("agent", map[string]any{
		"app:theme": "dark",
		"user:lang": "de",
		"private":   true,
	})); err != nil {
		t.Fatal(err)
	}

	// Another session of the same user sees app and user scope, not the
	// session-scoped key.
	s2, err := svc.CreateSession(ctx, "app", "u1", nil, "s2")
	if err != nil {
		t.Fatal(err)
	}
	if s2.State["app:theme"] != "dark" || s2.State["user:lang"] != "de" {
		t.Fatalf("expected shared scopes visible, got %#v", s2.State)
	}
	if _, ok := s2.State["private"]; ok {
		t.Fatalf("session state leaked across sessions: %#v", s2.State)
	}

	// Another user of the same app sees only app scope.
	s3, err := svc.CreateSession(ctx, "app", "u2", nil, "s3")
	if err != nil {
		t.Fatal(err)
	}
	if s3.State["app:theme"] != "dark" {
		t.Fatalf("expected app scope visible across users, got %#v", s3.State)
	}
	if _, ok := s3.State["user:lang"]; ok {
		t.Fatalf("user state leaked across users: %#v", s3.State)
	}
}

func TestInMemoryService_ListSessions(t *testing.T) {
	svc := NewInMemoryService()
	ctx := context.Background()

	for _, id := range []string{"s2", "s1"} {
		if _, err := svc.CreateSession(ctx, "app", "u1", nil, id); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := svc.CreateSession(ctx, "app", "u2", nil, "s3"); err != nil {
		t.Fatal(err)
	}

	sess, err := svc.GetSession(ctx, "app", "u1", "s1", nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := svc.AppendEvent(ctx, sess, eventWithDelta("agent", map[string]any{"k": "v"})); err != nil {
		t.Fatal(err)
	}

	list, err := svc.ListSessions(ctx, "app", "u1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 || list[0].ID != "s1" || list[1].ID != "s2" {
		t.Fatalf("expected sorted [s1 s2], got %v", sessionIDs(list))
	}
	for _, item := range list {
		if len(item.Events) != 0 {
			t.Fatalf("listings must not carry event history")
		}
	}

	all, err := svc.ListSessions(ctx, "app", "")
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 sessions across users, got %d", len(all))
	}

	none, err := svc.ListSessions(ctx, "ghost-app", "u1")
	if err != nil {
		t.Fatal(err)
	}
	if len(none) != 0 {
		t.Fatalf("expected empty list for unknown app, got %d", len(none))
	}
}

func TestInMemoryService_DeleteSession(t *testing.T) {
	svc := NewInMemoryService()
	ctx := context.Background()

	sess, err := svc.CreateSession(ctx, "app", "u1", map[string]any{"user:lang": "de"}, "s1")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := svc.AppendEvent(ctx, sess, eventWithDelta("agent", map[string]any{"k": "v"})); err != nil {
		t.Fatal(err)
	}

	if err := svc.DeleteSession(ctx, "app", "u1", "s1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := svc.GetSession(ctx, "app", "u1", "s1", nil); !core.IsNotFound(err) {
		t.Fatalf("expected not-found after delete, got %v", err)
	}

	// Deleting again is a no-op.
	if err := svc.DeleteSession(ctx, "app", "u1", "s1"); err != nil {
		t.Fatalf("expected idempotent delete, got %v", err)
	}

	// User scope survives session deletion.
	s2, err := svc.CreateSession(ctx, "app", "u1", nil, "s2")
	if err != nil {
		t.Fatal(err)
	}
	if s2.State["user:lang"] != "de" {
		t.Fatalf("user scope must outlive sessions, got %#v", s2.State)
	}
}

func TestInMemoryService_AppendValidation(t *testing.T) {
	svc := NewInMemoryService()
	ctx := context.Background()

	if _, err := svc.AppendEvent(ctx, nil, core.NewEvent("inv1", "agent")); !core.IsInvalidArgument(err) {
		t.Fatalf("expected invalid-argument for nil session, got %v", err)
	}

	ghost := core.NewSession("app", "u1", "missing")
	if _, err := svc.AppendEvent(ctx, ghost, core.NewEvent("inv1", "agent")); !core.IsNotFound(err) {
		t.Fatalf("expected not-found, got %v", err)
	}
}

func TestInMemoryService_EventFiltering(t *testing.T) {
	svc := NewInMemoryService()
	ctx := context.Background()

	sess, err := svc.CreateSession(ctx, "app", "u1", nil, "s1")
	if err != nil {
		t.Fatal(err)
	}
	var stamps []time.Time
	for i := 0; i < 3; i++ {
		ev, err := svc.AppendEvent(ctx, sess, core.NewMessageEvent("agent", fmt.Sprintf("turn %d", i)))
		if err != nil {
			t.Fatal(err)
		}
		stamps = append(stamps, ev.Timestamp)
		time.Sleep(2 * time.Millisecond) // keep timestamps strictly ordered
	}

	got, err := svc.GetSession(ctx, "app", "u1", "s1", &core.GetSessionConfig{NumRecentEvents: 2})
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Events) != 2 {
		t.Fatalf("expected 2 recent events, got %d", len(got.Events))
	}
	if got.Events[0].Timestamp.After(got.Events[1].Timestamp) {
		t.Fatalf("events must stay in commit order")
	}

	got, err = svc.GetSession(ctx, "app", "u1", "s1", &core.GetSessionConfig{AfterTimestamp: stamps[2]})
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Events) != 1 {
		t.Fatalf("expected 1 event at or after cutoff, got %d", len(got.Events))
	}
}

func TestInMemoryService_SnapshotIsolation(t *testing.T) {
	svc := NewInMemoryService()
	ctx := context.Background()

	sess, err := svc.CreateSession(ctx, "app", "u1", map[string]any{"count": 0}, "s1")
	if err != nil {
		t.Fatal(err)
	}
	sess.State["count"] = 99

	got, err := svc.GetSession(ctx, "app", "u1", "s1", nil)
	if err != nil {
		t.Fatal(err)
	}
	if got.State["count"] != 0 {
		t.Fatalf("mutating a snapshot must not affect storage, got %#v", got.State["count"])
	}
}

func TestInMemoryService_ConcurrentAppends(t *testing.T) {
	svc := NewInMemoryService()
	ctx := context.Background()

	if _, err := svc.CreateSession(ctx, "app", "u1", nil, "s1"); err != nil {
		t.Fatal(err)
	}

	const writers = 8
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for {
				snap, err := svc.GetSession(ctx, "app", "u1", "s1", nil)
				if err != nil {
					t.Errorf("get: %v", err)
					return
				}
				_, err = svc.AppendEvent(ctx, snap, eventWithDelta("agent", map[string]any{fmt.Sprintf("w%d", i): true}))
				if err == nil {
					return
				}
				if !core.IsStaleWrite(err) {
					t.Errorf("append: %v", err)
					return
				}
			}
		}(i)
	}
	wg.Wait()

	got, err := svc.GetSession(ctx, "app", "u1", "s1", nil)
	if err != nil {
		t.Fatal(err)
	}
	if got.Revision != int64(1+writers) {
		t.Fatalf("expected revision %d after %d commits, got %d", 1+writers, writers, got.Revision)
	}
	if len(got.Events) != writers {
		t.Fatalf("expected %d events, got %d", writers, len(got.Events))
	}
}

func sessionIDs(sessions []*core.Session) []string {
	ids := make([]string, 0, len(sessions))
	for _, s := range sessions {
		ids = append(ids, s.ID)
	}
	return ids
}
