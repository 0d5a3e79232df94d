package core

import (
	"context"
	"time"
)

// MemoryEntry is one recalled fragment of a past conversation.
type MemoryEntry struct {
	Content   *Content  `json:"content"`             // Conversational content of the source event
	Author    string    `json:"author,omitempty"`    // Original event author
	Timestamp time.Time `json:"timestamp,omitempty"` // When the source event was produced
}

// MemoryService ingests completed sessions and retrieves relevant fragments
// for later invocations. Retrieval quality is implementation defined: a
// backend may match keywords, embeddings or any other heuristic.
type MemoryService interface {
	// AddSessionToMemory ingests the session's conversational events into the
	// (app, user) corpus. Partial and content-less events are skipped.
	AddSessionToMemory(ctx context.Context, session *Session) error
	// SearchMemory returns ingested entries relevant to query, scoped to one
	// (app, user) pair.
	SearchMemory(ctx context.Context, appName, userID, query string) ([]MemoryEntry, error)
}
