package memory

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/hupe1980/agentstate/core"
	"github.com/hupe1980/agentstate/internal/testutil"
)

// Interface compliance (compile-time assertion)
var _ core.MemoryService = (*InMemoryService)(nil)

func sessionWithTurns(appName, userID, id string, texts ...string) *core.Session {
	sess := core.NewSession(appName, userID, id)
	for i, text := range texts {
		if i%2 == 0 {
			sess.AddEvent(core.NewUserMessageEvent("inv1", text))
		} else {
			sess.AddEvent(core.NewMessageEvent("assistant", text))
		}
	}
	return sess
}

func TestInMemoryService_IngestAndSearch(t *testing.T) {
	svc := NewInMemoryService()
	ctx := context.Background()

	sess := sessionWithTurns("app", "u1", "s1", "I like hiking in the Alps", "Noted, alpine hiking it is")
	if err := svc.AddSessionToMemory(ctx, sess); err != nil {
		t.Fatalf("add session: %v", err)
	}

	entries, err := svc.SearchMemory(ctx, "app", "u1", "hiking")
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 matching entries, got %d", len(entries))
	}
	if entries[0].Author != "user" || entries[1].Author != "assistant" {
		t.Fatalf("unexpected authors: %q %q", entries[0].Author, entries[1].Author)
	}

	// Matching is case-insensitive on word overlap.
	entries, err = svc.SearchMemory(ctx, "app", "u1", "ALPS")
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 matching entry, got %d", len(entries))
	}

	// No shared words, no results.
	entries, _ = svc.SearchMemory(ctx, "app", "u1", "sailing")
	if len(entries) != 0 {
		t.Fatalf("expected no entries, got %d", len(entries))
	}

	// Empty query matches nothing.
	entries, _ = svc.SearchMemory(ctx, "app", "u1", "")
	if len(entries) != 0 {
		t.Fatalf("expected no entries for empty query, got %d", len(entries))
	}
}

func TestInMemoryService_ReAddReplacesSnapshot(t *testing.T) {
	svc := NewInMemoryService()
	ctx := context.Background()

	if err := svc.AddSessionToMemory(ctx, sessionWithTurns("app", "u1", "s1", "first topic")); err != nil {
		t.Fatal(err)
	}
	if err := svc.AddSessionToMemory(ctx, sessionWithTurns("app", "u1", "s1", "first topic", "second topic")); err != nil {
		t.Fatal(err)
	}

	entries, err := svc.SearchMemory(ctx, "app", "u1", "topic")
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected replaced snapshot with 2 entries, got %d", len(entries))
	}
}

func TestInMemoryService_UserScoping(t *testing.T) {
	svc := NewInMemoryService()
	ctx := context.Background()

	if err := svc.AddSessionToMemory(ctx, sessionWithTurns("app", "u1", "s1", "shared secret")); err != nil {
		t.Fatal(err)
	}

	entries, err := svc.SearchMemory(ctx, "app", "u2", "secret")
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected no cross-user recall, got %d entries", len(entries))
	}

	entries, _ = svc.SearchMemory(ctx, "other-app", "u1", "secret")
	if len(entries) != 0 {
		t.Fatalf("expected no cross-app recall, got %d entries", len(entries))
	}
}

func TestInMemoryService_SkipsEventsWithoutContent(t *testing.T) {
	svc := NewInMemoryService()
	ctx := context.Background()

	sess := core.NewSession("app", "u1", "s1")
	sess.AddEvent(core.NewEvent("inv1", "system")) // no content
	sess.AddEvent(core.NewUserMessageEvent("inv1", "remember the milk"))

	if err := svc.AddSessionToMemory(ctx, sess); err != nil {
		t.Fatal(err)
	}
	entries, err := svc.SearchMemory(ctx, "app", "u1", "milk")
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
}

func TestInMemoryService_SkipsPartialEvents(t *testing.T) {
	svc := NewInMemoryService()
	ctx := context.Background()

	sess := testutil.NewSessionBuilder("app", "u1", "s1").
		Event(testutil.NewEventBuilder().Invocation("inv1").AssistantText("streaming draft chunk").Partial(true).Build()).
		Event(testutil.NewEventBuilder().Invocation("inv1").AssistantText("final answer").Build()).
		Build()

	if err := svc.AddSessionToMemory(ctx, sess); err != nil {
		t.Fatal(err)
	}

	if entries, _ := svc.SearchMemory(ctx, "app", "u1", "draft"); len(entries) != 0 {
		t.Fatalf("partial events should not be recalled, got %d entries", len(entries))
	}
	entries, err := svc.SearchMemory(ctx, "app", "u1", "answer")
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
}

func TestInMemoryService_NilSession(t *testing.T) {
	svc := NewInMemoryService()
	if err := svc.AddSessionToMemory(context.Background(), nil); !core.IsInvalidArgument(err) {
		t.Fatalf("expected invalid-argument, got %v", err)
	}
}

func TestInMemoryService_ConcurrentAccess(t *testing.T) {
	svc := NewInMemoryService()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("s%d", i%5)
			if err := svc.AddSessionToMemory(ctx, sessionWithTurns("app", "u1", id, "note number", fmt.Sprintf("entry %d", i))); err != nil {
				t.Errorf("add error: %v", err)
			}
			if _, err := svc.SearchMemory(ctx, "app", "u1", "note"); err != nil {
				t.Errorf("search error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	entries, err := svc.SearchMemory(ctx, "app", "u1", "note")
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) == 0 {
		t.Fatalf("expected entries after concurrent ingests")
	}
}
