package core

import (
	"context"
	"strings"
	"time"
)

// UserNamespacePrefix marks artifact filenames addressed to the user
// namespace: visible across all sessions of one (app, user) pair instead of
// scoped to a single session.
const UserNamespacePrefix = "user:"

// IsUserNamespaced reports whether filename addresses the user namespace.
func IsUserNamespaced(filename string) bool {
	return strings.HasPrefix(filename, UserNamespacePrefix)
}

// ArtifactVersion describes one immutable revision of a named artifact.
// Versions are dense: the first save of a filename creates version 0 and each
// subsequent save appends max+1. Version numbers are never reused.
type ArtifactVersion struct {
	Version        int            `json:"version"`
	CanonicalURI   string         `json:"canonical_uri,omitempty"` // Backend-specific stable locator
	MimeType       string         `json:"mime_type,omitempty"`
	Size           int64          `json:"size,omitempty"`   // Uncompressed payload size in bytes
	Digest         string         `json:"digest,omitempty"` // Content digest of the payload
	CustomMetadata map[string]any `json:"custom_metadata,omitempty"`
	CreateTime     time.Time      `json:"create_time"`
}

// ArtifactService stores named, monotonically versioned artifacts addressed
// by app, user and either one session or the user namespace (filenames with
// the "user:" prefix). Implementations must be safe for concurrent use.
//
// Contract:
//   - Session-scoped filenames require a non-empty sessionID; violations fail
//     with CodeInvalidArgument before any I/O
//   - SaveArtifact accepts TextPart and BlobPart payloads; a FilePart with a
//     URI is recorded as an external reference without copying its bytes
//   - Version allocation is atomic: concurrent saves of the same artifact
//     observe distinct consecutive versions
//   - LoadArtifact with a nil version resolves the latest (highest) version
//     and fails with CodeNotFound when the artifact or version is absent
//   - ListArtifactKeys unions session-scoped and user-namespace filenames,
//     deduplicated and sorted
//   - DeleteArtifact removes every version and is idempotent
//   - ListVersions returns an empty slice, not an error, for unknown names.
type ArtifactService interface {
	SaveArtifact(ctx context.Context, appName, userID, sessionID, filename string, part Part, metadata map[string]any) (int, error)
	LoadArtifact(ctx context.Context, appName, userID, sessionID, filename string, version *int) (Part, error)
	ListArtifactKeys(ctx context.Context, appName, userID, sessionID string) ([]string, error)
	DeleteArtifact(ctx context.Context, appName, userID, sessionID, filename string) error
	ListVersions(ctx context.Context, appName, userID, sessionID, filename string) ([]int, error)
	ListArtifactVersions(ctx context.Context, appName, userID, sessionID, filename string) ([]ArtifactVersion, error)
	GetArtifactVersion(ctx context.Context, appName, userID, sessionID, filename string, version *int) (*ArtifactVersion, error)
}
