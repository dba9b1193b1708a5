package content

import (
	"database/sql"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/veritaslabs/strata/db"
	"github.com/veritaslabs/strata/errors"
	"github.com/veritaslabs/strata/internal/ident"
	"github.com/veritaslabs/strata/quota"
)

// Store persists sources and their raw payloads.
type Store struct {
	db     *sql.DB
	blobs  BlobStore
	guard  *quota.Guard
	logger *zap.SugaredLogger
}

// NewStore creates a content store.
func NewStore(db *sql.DB, blobs BlobStore, guard *quota.Guard, logger *zap.SugaredLogger) *Store {
	return &Store{db: db, blobs: blobs, guard: guard, logger: logger}
}

// Put hashes and persists raw bytes for a tenant. Identical bytes for the
// same tenant return the existing source with Deduplicated=true and no
// quota charge. A failed physical write records the source as pending and
// stages the payload for the retry worker; it never fails the caller.
func (s *Store) Put(tenant string, data []byte, mimeType string, metadata map[string]string) (*PutResult, error) {
	if tenant == "" {
		return nil, errors.Wrap(errors.ErrValidation, "tenant is required")
	}
	if len(data) == 0 {
		return nil, errors.Wrap(errors.ErrValidation, "payload is empty")
	}
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}

	hash := HashBytes(data)

	// Dedup check first: duplicate bytes short-circuit before quota.
	if existing, err := s.GetByHash(tenant, hash); err == nil {
		return &PutResult{SourceID: existing.ID, ContentHash: hash, Deduplicated: true}, nil
	} else if !errors.IsNotFound(err) {
		return nil, err
	}

	metaJSON, err := json.Marshal(metadata)
	if err != nil {
		return nil, errors.Wrap(err, "marshal source metadata")
	}

	id := ident.New(ident.Source)
	path := BlobPath(tenant, hash)
	now := time.Now().UTC()

	tx, err := s.db.Begin()
	if err != nil {
		return nil, errors.Wrap(err, "begin put tx")
	}
	defer tx.Rollback()

	// Quota gates the physical write: a rejected Put leaves no blob on
	// disk.
	if err := s.guard.CheckStorage(tx, tenant, int64(len(data))); err != nil {
		return nil, err
	}

	writeErr := s.blobs.Write(path, data)
	status := StatusUploaded
	if writeErr != nil {
		if !errors.IsTransientIO(writeErr) {
			return nil, writeErr
		}
		status = StatusPending
	}

	_, err = tx.Exec(`
		INSERT INTO sources (id, tenant_id, content_hash, storage_path, storage_status, mime_type, byte_size, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, tenant, hash, path, status, mimeType, len(data), string(metaJSON), now)
	if err != nil {
		// A concurrent Put of the same bytes won the unique index race;
		// treat it as the dedup case.
		if db.IsUniqueViolation(err) {
			tx.Rollback()
			existing, gerr := s.GetByHash(tenant, hash)
			if gerr != nil {
				return nil, gerr
			}
			return &PutResult{SourceID: existing.ID, ContentHash: hash, Deduplicated: true}, nil
		}
		return nil, errors.Wrap(err, "insert source")
	}

	if status == StatusPending {
		if _, err := tx.Exec(`
			INSERT INTO upload_queue (source_id, payload, retry_count, next_retry_at, last_error, created_at)
			VALUES (?, ?, 0, ?, ?, ?)`,
			id, data, now.Add(RetryBackoff(0)), writeErr.Error(), now); err != nil {
			return nil, errors.Wrap(err, "stage payload for retry")
		}
	}

	if err := s.guard.CommitStorage(tx, tenant, int64(len(data))); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(err, "commit put tx")
	}

	if status == StatusPending {
		s.logger.Warnw("Blob write failed, payload staged for retry",
			"source_id", id,
			"tenant", tenant,
			"error", writeErr.Error(),
		)
	} else {
		s.logger.Debugw("Source stored",
			"source_id", id,
			"tenant", tenant,
			"bytes", len(data),
			"hash", hash,
		)
	}

	return &PutResult{SourceID: id, ContentHash: hash, Deduplicated: false}, nil
}

// Get returns a source by id, tenant-scoped.
func (s *Store) Get(tenant, sourceID string) (*Source, error) {
	return s.scanOne(`
		SELECT id, tenant_id, content_hash, storage_path, storage_status, mime_type, byte_size, metadata, created_at
		FROM sources WHERE tenant_id = ? AND id = ?`, tenant, sourceID)
}

// GetByHash returns a source by content hash, tenant-scoped.
func (s *Store) GetByHash(tenant, hash string) (*Source, error) {
	return s.scanOne(`
		SELECT id, tenant_id, content_hash, storage_path, storage_status, mime_type, byte_size, metadata, created_at
		FROM sources WHERE tenant_id = ? AND content_hash = ?`, tenant, hash)
}

// ReadBytes returns the raw payload for an uploaded source.
func (s *Store) ReadBytes(src *Source) ([]byte, error) {
	if src.StorageStatus != StatusUploaded {
		return nil, errors.Wrapf(errors.ErrNotReady, "source %s has storage status %s", src.ID, src.StorageStatus)
	}
	return s.blobs.Read(src.StoragePath)
}

func (s *Store) scanOne(query string, args ...any) (*Source, error) {
	var src Source
	var metaJSON sql.NullString
	err := s.db.QueryRow(query, args...).Scan(
		&src.ID, &src.TenantID, &src.ContentHash, &src.StoragePath,
		&src.StorageStatus, &src.MimeType, &src.ByteSize, &metaJSON, &src.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrap(errors.ErrNotFound, "source")
	}
	if err != nil {
		return nil, errors.Wrap(err, "query source")
	}
	if metaJSON.Valid && metaJSON.String != "" && metaJSON.String != "null" {
		if err := json.Unmarshal([]byte(metaJSON.String), &src.Metadata); err != nil {
			return nil, errors.Wrap(err, "unmarshal source metadata")
		}
	}
	return &src, nil
}
