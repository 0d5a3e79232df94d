package artifact

import (
	"context"
	"encoding/hex"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/zeebo/blake3"

	"github.com/hupe1980/agentstate/core"
	"github.com/hupe1980/agentstate/logging"
)

// Compile-time check that the service satisfies the core contract.
var _ core.ArtifactService = (*InMemoryService)(nil)

// versionRecord is one immutable stored version: the payload part plus its
// metadata. Blob payloads are copied on the way in and out so callers can
// never mutate stored bytes.
type versionRecord struct {
	part core.Part
	meta core.ArtifactVersion
}

// InMemoryService is a volatile ArtifactService implementation keeping all
// artifact versions in process-local maps guarded by an RWMutex. It is safe
// for concurrent use and best suited for tests and single-process runtimes.
//
// Layout: scope path ("{app}/{user}/{session}" or "{app}/{user}/user") ->
// filename -> versions in ascending order. The path form mirrors the
// canonical blob naming used by durable backends, so user-namespace
// artifacts naturally shadow nothing and survive session deletion.
type InMemoryService struct {
	mu        sync.RWMutex
	artifacts map[string]map[string][]versionRecord
	logger    logging.Logger
}

// InMemoryOption customizes an InMemoryService.
type InMemoryOption func(*InMemoryService)

// WithLogger injects a structured logger. Defaults to a no-op logger.
func WithLogger(l logging.Logger) InMemoryOption {
	return func(s *InMemoryService) { s.logger = logging.EnsureLogger(l) }
}

// NewInMemoryService constructs an empty in-memory artifact service.
func NewInMemoryService(opts ...InMemoryOption) *InMemoryService {
	s := &InMemoryService{
		artifacts: make(map[string]map[string][]versionRecord),
		logger:    logging.NoOpLogger{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// scopePath resolves the storage prefix an artifact key lives under.
// User-namespace filenames share one prefix across all sessions of the
// (app, user) pair; every other filename is session-scoped and requires a
// session id. Violations fail with CodeInvalidArgument before any access.
func scopePath(appName, userID, sessionID, filename string) (string, error) {
	if core.IsUserNamespaced(filename) {
		return appName + "/" + userID + "/user", nil
	}
	if sessionID == "" {
		return "", core.NewErrorf(core.CodeInvalidArgument, "session id is required for session-scoped artifact %q", filename)
	}
	return appName + "/" + userID + "/" + sessionID, nil
}

// newVersionRecord validates the payload kind and captures payload metadata.
// TextPart and BlobPart carry inline payloads; a FilePart is accepted as an
// external reference and its bytes are never copied into the store. The
// version number and canonical URI are assigned by SaveArtifact.
func newVersionRecord(part core.Part, metadata map[string]any) (versionRecord, error) {
	rec := versionRecord{
		meta: core.ArtifactVersion{
			CustomMetadata: copyMetadata(metadata),
			CreateTime:     time.Now().UTC(),
		},
	}

	switch v := part.(type) {
	case core.TextPart:
		data := []byte(v.Text)
		rec.part = core.TextPart{Text: v.Text}
		rec.meta.MimeType = "text/plain"
		rec.meta.Size = int64(len(data))
		rec.meta.Digest = digest(data)
	case core.BlobPart:
		data := make([]byte, len(v.Data))
		copy(data, v.Data)
		rec.part = core.BlobPart{Data: data, MimeType: v.MimeType}
		rec.meta.MimeType = v.MimeType
		rec.meta.Size = int64(len(data))
		rec.meta.Digest = digest(data)
	case core.FilePart:
		if v.File.URI == "" {
			return versionRecord{}, core.NewError(core.CodeInvalidArgument, "file part must reference external content by uri")
		}
		rec.part = core.FilePart{File: v.File}
		rec.meta.CanonicalURI = v.File.URI
		if v.File.MimeType != nil {
			rec.meta.MimeType = *v.File.MimeType
		}
	default:
		return versionRecord{}, core.NewErrorf(core.CodeInvalidArgument, "unsupported artifact payload %T", part)
	}

	return rec, nil
}

// SaveArtifact stores a new version of the named artifact and returns the
// allocated version number: 0 for the first save, max+1 afterwards. The
// store mutex makes allocation atomic, so concurrent savers observe distinct
// consecutive versions.
func (s *InMemoryService) SaveArtifact(ctx context.Context, appName, userID, sessionID, filename string, part core.Part, metadata map[string]any) (int, error) {
	path, err := scopePath(appName, userID, sessionID, filename)
	if err != nil {
		return 0, err
	}
	rec, err := newVersionRecord(part, metadata)
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	byName, ok := s.artifacts[path]
	if !ok {
		byName = make(map[string][]versionRecord)
		s.artifacts[path] = byName
	}

	versions := byName[filename]
	next := 0
	if n := len(versions); n > 0 {
		next = versions[n-1].meta.Version + 1
	}
	rec.meta.Version = next
	if rec.meta.CanonicalURI == "" {
		rec.meta.CanonicalURI = blobURI(path, filename, next)
	}
	byName[filename] = append(versions, rec)

	s.logger.Debug("artifact saved", "app_name", appName, "user_id", userID, "filename", filename, "version", next)

	return next, nil
}

// LoadArtifact returns the payload of one version, or the latest version
// when version is nil. Missing artifacts and missing versions fail with
// CodeNotFound.
func (s *InMemoryService) LoadArtifact(ctx context.Context, appName, userID, sessionID, filename string, version *int) (core.Part, error) {
	path, err := scopePath(appName, userID, sessionID, filename)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, err := s.lookupLocked(path, filename, version)
	if err != nil {
		return nil, err
	}
	return clonePart(rec.part), nil
}

// ListArtifactKeys returns the union of session-scoped filenames (when a
// session id is given) and all user-namespace filenames of the (app, user)
// pair, deduplicated and lexicographically sorted.
func (s *InMemoryService) ListArtifactKeys(ctx context.Context, appName, userID, sessionID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]struct{})
	if sessionID != "" {
		for name := range s.artifacts[appName+"/"+userID+"/"+sessionID] {
			seen[name] = struct{}{}
		}
	}
	for name := range s.artifacts[appName+"/"+userID+"/user"] {
		seen[name] = struct{}{}
	}

	keys := make([]string, 0, len(seen))
	for name := range seen {
		keys = append(keys, name)
	}
	sort.Strings(keys)
	return keys, nil
}

// DeleteArtifact removes every version of the named artifact. Deleting an
// absent artifact is a no-op.
func (s *InMemoryService) DeleteArtifact(ctx context.Context, appName, userID, sessionID, filename string) error {
	path, err := scopePath(appName, userID, sessionID, filename)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if byName, ok := s.artifacts[path]; ok {
		delete(byName, filename)
	}

	s.logger.Debug("artifact deleted", "app_name", appName, "user_id", userID, "filename", filename)
	return nil
}

// ListVersions returns the stored version numbers in ascending order, or an
// empty slice when the artifact does not exist.
func (s *InMemoryService) ListVersions(ctx context.Context, appName, userID, sessionID, filename string) ([]int, error) {
	path, err := scopePath(appName, userID, sessionID, filename)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	records := s.artifacts[path][filename]
	versions := make([]int, 0, len(records))
	for _, rec := range records {
		versions = append(versions, rec.meta.Version)
	}
	return versions, nil
}

// ListArtifactVersions returns the metadata of every stored version in
// ascending version order, or an empty slice when the artifact is absent.
func (s *InMemoryService) ListArtifactVersions(ctx context.Context, appName, userID, sessionID, filename string) ([]core.ArtifactVersion, error) {
	path, err := scopePath(appName, userID, sessionID, filename)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	records := s.artifacts[path][filename]
	metas := make([]core.ArtifactVersion, 0, len(records))
	for _, rec := range records {
		metas = append(metas, cloneMeta(rec.meta))
	}
	return metas, nil
}

// GetArtifactVersion returns the metadata of one version, or of the latest
// version when version is nil. Missing artifacts and versions fail with
// CodeNotFound.
func (s *InMemoryService) GetArtifactVersion(ctx context.Context, appName, userID, sessionID, filename string, version *int) (*core.ArtifactVersion, error) {
	path, err := scopePath(appName, userID, sessionID, filename)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, err := s.lookupLocked(path, filename, version)
	if err != nil {
		return nil, err
	}
	meta := cloneMeta(rec.meta)
	return &meta, nil
}

// lookupLocked resolves one version record; caller must hold a lock. A nil
// version selects the latest stored version.
func (s *InMemoryService) lookupLocked(path, filename string, version *int) (versionRecord, error) {
	records := s.artifacts[path][filename]
	if len(records) == 0 {
		return versionRecord{}, core.NewErrorf(core.CodeNotFound, "artifact %q not found", filename)
	}
	if version == nil {
		return records[len(records)-1], nil
	}
	for _, rec := range records {
		if rec.meta.Version == *version {
			return rec, nil
		}
	}
	return versionRecord{}, core.NewErrorf(core.CodeNotFound, "artifact %q version %d not found", filename, *version)
}

// blobURI renders the canonical locator of a stored version.
func blobURI(path, filename string, version int) string {
	return fmt.Sprintf("memory://%s/%s/%d", path, filename, version)
}

// clonePart deep-copies payload bytes so stored data cannot be mutated
// through a returned part.
func clonePart(p core.Part) core.Part {
	if blob, ok := p.(core.BlobPart); ok {
		data := make([]byte, len(blob.Data))
		copy(data, blob.Data)
		blob.Data = data
		return blob
	}
	return p
}

func copyMetadata(metadata map[string]any) map[string]any {
	if metadata == nil {
		return nil
	}
	cp := make(map[string]any, len(metadata))
	for k, v := range metadata {
		cp[k] = v
	}
	return cp
}

func cloneMeta(meta core.ArtifactVersion) core.ArtifactVersion {
	meta.CustomMetadata = copyMetadata(meta.CustomMetadata)
	return meta
}

// digest returns the hex BLAKE3 digest of the uncompressed payload.
func digest(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}
