package agentstate

import (
	"context"
	"io"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/agentstate/core"
	"github.com/hupe1980/agentstate/internal/testutil"
	"github.com/hupe1980/agentstate/memory"
)

func TestRegistry_MemoryScheme(t *testing.T) {
	reg := NewRegistry()
	ctx := context.Background()

	sessions, err := reg.NewSessionService("memory:")
	require.NoError(t, err)
	artifacts, err := reg.NewArtifactService("memory:")
	require.NoError(t, err)
	memories, err := reg.NewMemoryService("memory:")
	require.NoError(t, err)

	sess, err := sessions.CreateSession(ctx, "app", "u1", nil, "s1")
	require.NoError(t, err)

	ev := testutil.NewEventBuilder().
		Invocation("inv-1").
		AssistantText("saved the summary").
		StateDelta("user:topic", "go").
		ArtifactDelta("summary.txt", 0).
		Build()
	_, err = sessions.AppendEvent(ctx, sess, ev)
	require.NoError(t, err)

	got, err := sessions.GetSession(ctx, "app", "u1", "s1", nil)
	require.NoError(t, err)
	v, _ := got.GetState("user:topic")
	assert.Equal(t, "go", v)

	_, err = artifacts.SaveArtifact(ctx, "app", "u1", "s1", "summary.txt", core.TextPart{Text: "all good"}, nil)
	require.NoError(t, err)

	require.NoError(t, memories.AddSessionToMemory(ctx, got))
	entries, err := memories.SearchMemory(ctx, "app", "u1", "summary")
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestRegistry_SQLiteScheme(t *testing.T) {
	reg := NewRegistry()
	ctx := context.Background()

	for _, uri := range []string{
		"sqlite://" + filepath.Join(t.TempDir(), "a.db"),
		"sqlite:" + filepath.Join(t.TempDir(), "b.db"),
		filepath.Join(t.TempDir(), "bare.db"), // scheme-less path
	} {
		sessions, err := reg.NewSessionService(uri)
		require.NoError(t, err, "uri %q", uri)

		sess, err := sessions.CreateSession(ctx, "app", "u1", map[string]any{"k": "v"}, "")
		require.NoError(t, err)
		got, err := sessions.GetSession(ctx, "app", "u1", sess.ID, nil)
		require.NoError(t, err)
		v, _ := got.GetState("k")
		assert.Equal(t, "v", v)

		closer, ok := sessions.(io.Closer)
		require.True(t, ok)
		require.NoError(t, closer.Close())
	}
}

func TestRegistry_UnknownScheme(t *testing.T) {
	reg := NewRegistry()

	_, err := reg.NewSessionService("postgres://localhost/db")
	assert.True(t, core.IsUnsupported(err), "expected unsupported, got %v", err)

	_, err = reg.NewArtifactService("gs://bucket")
	assert.True(t, core.IsUnsupported(err), "expected unsupported, got %v", err)

	_, err = reg.NewMemoryService("rag://corpus")
	assert.True(t, core.IsUnsupported(err), "expected unsupported, got %v", err)
}

func TestRegistry_SQLiteProvidesNoMemoryService(t *testing.T) {
	reg := NewRegistry()
	_, err := reg.NewMemoryService("sqlite://store.db")
	assert.True(t, core.IsUnsupported(err), "expected unsupported, got %v", err)
}

func TestRegistry_EmptyURI(t *testing.T) {
	reg := NewRegistry()
	_, err := reg.NewSessionService("  ")
	assert.True(t, core.IsInvalidArgument(err), "expected invalid argument, got %v", err)
}

func TestRegistry_CustomScheme(t *testing.T) {
	reg := NewRegistry()

	var gotURI string
	reg.RegisterMemoryService("vector", func(uri string) (core.MemoryService, error) {
		gotURI = uri
		return memory.NewInMemoryService(), nil
	})

	svc, err := reg.NewMemoryService("vector://index-7")
	require.NoError(t, err)
	assert.NotNil(t, svc)
	assert.Equal(t, "vector://index-7", gotURI, "factories receive the full uri")
}

func TestURIScheme(t *testing.T) {
	tests := []struct {
		uri  string
		want string
	}{
		{"memory:", "memory"},
		{"sqlite:///var/store.db", "sqlite"},
		{"agent-engine+v2://x", "agent-engine+v2"},
		{"/var/lib/store.db", ""},
		{"store.db", ""},
		{"C:/store.db", ""}, // uppercase is not a scheme
		{":oops", ""},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, uriScheme(tc.uri), "uri %q", tc.uri)
	}
}

func TestSQLitePath(t *testing.T) {
	tests := []struct {
		uri  string
		want string
	}{
		{"sqlite:store.db", "store.db"},
		{"sqlite://store.db", "store.db"},
		{"sqlite:///var/lib/store.db", "/var/lib/store.db"},
		{"store.db", "store.db"},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, sqlitePath(tc.uri), "uri %q", tc.uri)
	}
}
