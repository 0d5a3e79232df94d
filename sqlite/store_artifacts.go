package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/hupe1980/agentstate/core"
)

// userScope is the scope segment shared by all user-namespaced artifacts of
// an (app, user) pair. Session-scoped rows carry the session id instead.
const userScope = "user"

// Artifact payload kinds persisted in the kind column.
const (
	kindText = "text"
	kindBlob = "blob"
	kindFile = "file"
)

// artifactScope resolves the scope segment an artifact key lives under.
// User-namespace filenames share one segment across all sessions of the
// (app, user) pair; every other filename is session-scoped and requires a
// session id. Violations fail with CodeInvalidArgument before any access.
func artifactScope(sessionID, filename string) (string, error) {
	if core.IsUserNamespaced(filename) {
		return userScope, nil
	}
	if sessionID == "" {
		return "", core.NewErrorf(core.CodeInvalidArgument, "session id is required for session-scoped artifact %q", filename)
	}
	return sessionID, nil
}

// artifactRow carries the column values derived from one payload part.
type artifactRow struct {
	kind        string
	mimeType    string
	canonical   string // empty for payload kinds until the version is known
	blob        []byte
	size        int64
	compression string
	digest      string
}

// buildArtifactRow validates the payload kind and derives the stored form.
// TextPart and BlobPart payloads are compressed at rest; a FilePart is
// accepted as an external reference whose locator is kept verbatim.
func buildArtifactRow(part core.Part) (artifactRow, error) {
	switch v := part.(type) {
	case core.TextPart:
		data := []byte(v.Text)
		blob, compression := compressBlob(data)
		return artifactRow{
			kind:        kindText,
			mimeType:    "text/plain",
			blob:        blob,
			size:        int64(len(data)),
			compression: compression,
			digest:      digestHex(data),
		}, nil
	case core.BlobPart:
		blob, compression := compressBlob(v.Data)
		return artifactRow{
			kind:        kindBlob,
			mimeType:    v.MimeType,
			blob:        blob,
			size:        int64(len(v.Data)),
			compression: compression,
			digest:      digestHex(v.Data),
		}, nil
	case core.FilePart:
		if v.File.URI == "" {
			return artifactRow{}, core.NewError(core.CodeInvalidArgument, "file part must reference external content by uri")
		}
		encoded, err := json.Marshal(v.File)
		if err != nil {
			return artifactRow{}, storageErr("encode file reference", err)
		}
		row := artifactRow{
			kind:        kindFile,
			canonical:   v.File.URI,
			blob:        encoded,
			compression: compressionNone,
		}
		if v.File.MimeType != nil {
			row.mimeType = *v.File.MimeType
		}
		return row, nil
	default:
		return artifactRow{}, core.NewErrorf(core.CodeInvalidArgument, "unsupported artifact payload %T", part)
	}
}

// SaveArtifact stores a new version of the named artifact and returns the
// allocated version number: 0 for the first save, max+1 afterwards. The
// MAX read and the insert share an immediate transaction, so concurrent
// savers observe distinct consecutive versions.
func (s *Store) SaveArtifact(ctx context.Context, appName, userID, sessionID, filename string, part core.Part, metadata map[string]any) (int, error) {
	scope, err := artifactScope(sessionID, filename)
	if err != nil {
		return 0, err
	}
	row, err := buildArtifactRow(part)
	if err != nil {
		return 0, err
	}

	ctx, span := s.tracer.Start(ctx, "sqlite.save_artifact",
		trace.WithAttributes(attribute.String("filename", filename)))
	defer span.End()

	var metaJSON any
	if metadata != nil {
		encoded, err := json.Marshal(metadata)
		if err != nil {
			return 0, storageErr("encode custom metadata", err)
		}
		metaJSON = string(encoded)
	}

	now := time.Now().UTC()

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return 0, storageErr("begin save transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	var next int
	if err := tx.QueryRowContext(ctx, `
SELECT COALESCE(MAX(version), -1) + 1 FROM artifacts
WHERE app_name = ? AND user_id = ? AND scope = ? AND filename = ?`,
		appName, userID, scope, filename).Scan(&next); err != nil {
		return 0, storageErr("allocate version", err)
	}

	canonical := row.canonical
	if canonical == "" {
		canonical = fmt.Sprintf("sqlite://%s/%s/%s/%s/%d", appName, userID, scope, filename, next)
	}

	if _, err := tx.ExecContext(ctx, `
INSERT INTO artifacts (app_name, user_id, scope, filename, version, kind, mime_type, canonical_uri, blob, size, compression, digest, custom_metadata, create_time)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		appName, userID, scope, filename, next,
		row.kind, row.mimeType, canonical, row.blob, row.size, row.compression, row.digest,
		metaJSON, toMicros(now)); err != nil {
		return 0, storageErr("insert artifact version", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, storageErr("commit save transaction", err)
	}

	s.logger.Debug("artifact saved", "app_name", appName, "user_id", userID, "filename", filename, "version", next)

	return next, nil
}

// LoadArtifact returns the payload of one version, or the latest version
// when version is nil. Missing artifacts and missing versions fail with
// CodeNotFound.
func (s *Store) LoadArtifact(ctx context.Context, appName, userID, sessionID, filename string, version *int) (core.Part, error) {
	scope, err := artifactScope(sessionID, filename)
	if err != nil {
		return nil, err
	}

	ctx, span := s.tracer.Start(ctx, "sqlite.load_artifact",
		trace.WithAttributes(attribute.String("filename", filename)))
	defer span.End()

	query := `SELECT kind, mime_type, blob, size, compression FROM artifacts WHERE app_name = ? AND user_id = ? AND scope = ? AND filename = ?`
	args := []any{appName, userID, scope, filename}
	if version != nil {
		query += ` AND version = ?`
		args = append(args, *version)
	}
	query += ` ORDER BY version DESC LIMIT 1`

	var (
		kind        string
		mimeType    string
		blob        []byte
		size        int64
		compression string
	)
	err = s.sqlDB.QueryRowContext(ctx, query, args...).Scan(&kind, &mimeType, &blob, &size, &compression)
	if err == sql.ErrNoRows {
		return nil, artifactNotFound(filename, version)
	}
	if err != nil {
		return nil, storageErr("read artifact", err)
	}

	return decodePart(kind, mimeType, blob, size, compression)
}

// ListArtifactKeys returns the union of session-scoped filenames (when a
// session id is given) and all user-namespace filenames of the (app, user)
// pair, deduplicated and lexicographically sorted.
func (s *Store) ListArtifactKeys(ctx context.Context, appName, userID, sessionID string) ([]string, error) {
	ctx, span := s.tracer.Start(ctx, "sqlite.list_artifact_keys",
		trace.WithAttributes(attribute.String("app_name", appName)))
	defer span.End()

	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT DISTINCT filename FROM artifacts
WHERE app_name = ? AND user_id = ? AND scope IN (?, ?)
ORDER BY filename`,
		appName, userID, sessionID, userScope)
	if err != nil {
		return nil, storageErr("list artifact keys", err)
	}
	defer rows.Close()

	keys := []string{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, storageErr("scan artifact key", err)
		}
		keys = append(keys, name)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("iterate artifact keys", err)
	}
	return keys, nil
}

// DeleteArtifact removes every version of the named artifact. Deleting an
// absent artifact is a no-op.
func (s *Store) DeleteArtifact(ctx context.Context, appName, userID, sessionID, filename string) error {
	scope, err := artifactScope(sessionID, filename)
	if err != nil {
		return err
	}

	ctx, span := s.tracer.Start(ctx, "sqlite.delete_artifact",
		trace.WithAttributes(attribute.String("filename", filename)))
	defer span.End()

	if _, err := s.sqlDB.ExecContext(ctx,
		`DELETE FROM artifacts WHERE app_name = ? AND user_id = ? AND scope = ? AND filename = ?`,
		appName, userID, scope, filename); err != nil {
		return storageErr("delete artifact", err)
	}

	s.logger.Debug("artifact deleted", "app_name", appName, "user_id", userID, "filename", filename)
	return nil
}

// ListVersions returns the stored version numbers in ascending order, or an
// empty slice when the artifact does not exist.
func (s *Store) ListVersions(ctx context.Context, appName, userID, sessionID, filename string) ([]int, error) {
	scope, err := artifactScope(sessionID, filename)
	if err != nil {
		return nil, err
	}

	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT version FROM artifacts
WHERE app_name = ? AND user_id = ? AND scope = ? AND filename = ?
ORDER BY version`,
		appName, userID, scope, filename)
	if err != nil {
		return nil, storageErr("list versions", err)
	}
	defer rows.Close()

	versions := []int{}
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, storageErr("scan version", err)
		}
		versions = append(versions, v)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("iterate versions", err)
	}
	return versions, nil
}

// ListArtifactVersions returns the metadata of every stored version in
// ascending version order, or an empty slice when the artifact is absent.
func (s *Store) ListArtifactVersions(ctx context.Context, appName, userID, sessionID, filename string) ([]core.ArtifactVersion, error) {
	scope, err := artifactScope(sessionID, filename)
	if err != nil {
		return nil, err
	}

	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT version, mime_type, canonical_uri, size, digest, custom_metadata, create_time
FROM artifacts
WHERE app_name = ? AND user_id = ? AND scope = ? AND filename = ?
ORDER BY version`,
		appName, userID, scope, filename)
	if err != nil {
		return nil, storageErr("list artifact versions", err)
	}
	defer rows.Close()

	metas := []core.ArtifactVersion{}
	for rows.Next() {
		var (
			meta     core.ArtifactVersion
			metaRaw  sql.NullString
			createUs int64
		)
		if err := rows.Scan(&meta.Version, &meta.MimeType, &meta.CanonicalURI, &meta.Size, &meta.Digest, &metaRaw, &createUs); err != nil {
			return nil, storageErr("scan artifact version", err)
		}
		if err := fillVersionMeta(&meta, metaRaw, createUs); err != nil {
			return nil, err
		}
		metas = append(metas, meta)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("iterate artifact versions", err)
	}
	return metas, nil
}

// GetArtifactVersion returns the metadata of one version, or of the latest
// version when version is nil. Missing artifacts and versions fail with
// CodeNotFound.
func (s *Store) GetArtifactVersion(ctx context.Context, appName, userID, sessionID, filename string, version *int) (*core.ArtifactVersion, error) {
	scope, err := artifactScope(sessionID, filename)
	if err != nil {
		return nil, err
	}

	query := `SELECT version, mime_type, canonical_uri, size, digest, custom_metadata, create_time FROM artifacts WHERE app_name = ? AND user_id = ? AND scope = ? AND filename = ?`
	args := []any{appName, userID, scope, filename}
	if version != nil {
		query += ` AND version = ?`
		args = append(args, *version)
	}
	query += ` ORDER BY version DESC LIMIT 1`

	var (
		meta     core.ArtifactVersion
		metaRaw  sql.NullString
		createUs int64
	)
	err = s.sqlDB.QueryRowContext(ctx, query, args...).Scan(&meta.Version, &meta.MimeType, &meta.CanonicalURI, &meta.Size, &meta.Digest, &metaRaw, &createUs)
	if err == sql.ErrNoRows {
		return nil, artifactNotFound(filename, version)
	}
	if err != nil {
		return nil, storageErr("read artifact version", err)
	}
	if err := fillVersionMeta(&meta, metaRaw, createUs); err != nil {
		return nil, err
	}
	return &meta, nil
}

// decodePart reconstructs the stored payload part from its row form.
func decodePart(kind, mimeType string, blob []byte, size int64, compression string) (core.Part, error) {
	switch kind {
	case kindText:
		data, err := decompressBlob(blob, compression, size)
		if err != nil {
			return nil, storageErr("decompress artifact", err)
		}
		return core.TextPart{Text: string(data)}, nil
	case kindBlob:
		data, err := decompressBlob(blob, compression, size)
		if err != nil {
			return nil, storageErr("decompress artifact", err)
		}
		return core.BlobPart{Data: data, MimeType: mimeType}, nil
	case kindFile:
		var file core.FilePartFile
		if err := json.Unmarshal(blob, &file); err != nil {
			return nil, storageErr("decode file reference", err)
		}
		return core.FilePart{File: file}, nil
	default:
		return nil, core.NewErrorf(core.CodeStorage, "unknown artifact kind %q", kind)
	}
}

func fillVersionMeta(meta *core.ArtifactVersion, metaRaw sql.NullString, createUs int64) error {
	meta.CreateTime = fromMicros(createUs)
	if metaRaw.Valid && metaRaw.String != "" {
		custom := map[string]any{}
		if err := json.Unmarshal([]byte(metaRaw.String), &custom); err != nil {
			return storageErr("decode custom metadata", err)
		}
		meta.CustomMetadata = custom
	}
	return nil
}

func artifactNotFound(filename string, version *int) error {
	if version != nil {
		return core.NewErrorf(core.CodeNotFound, "artifact %q version %d not found", filename, *version)
	}
	return core.NewErrorf(core.CodeNotFound, "artifact %q not found", filename)
}
