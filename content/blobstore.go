package content

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"

	"github.com/veritaslabs/strata/errors"
)

// BlobStore is the physical storage backend for raw payloads. The default
// implementation writes to the local filesystem; an object store can be
// swapped in without touching the Store.
type BlobStore interface {
	// Write persists data at path, creating parent directories as needed.
	Write(path string, data []byte) error
	// Read returns the bytes previously written at path.
	Read(path string) ([]byte, error)
}

// HashBytes returns the hex SHA-256 digest of data.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// BlobPath returns the deterministic storage path for (tenant, hash).
// The two-character fan-out keeps directory sizes manageable.
func BlobPath(tenant, hash string) string {
	return filepath.Join(tenant, hash[:2], hash)
}

// FSBlobStore stores blobs under a root directory on the local filesystem.
type FSBlobStore struct {
	Root string
}

// NewFSBlobStore creates a filesystem blob store rooted at root.
func NewFSBlobStore(root string) *FSBlobStore {
	return &FSBlobStore{Root: root}
}

// Write persists data at path under the store root. Failures are wrapped
// as transient-io so callers route them to the retry queue.
func (s *FSBlobStore) Write(path string, data []byte) error {
	full := filepath.Join(s.Root, path)
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return errors.Wrapf(errors.ErrTransientIO, "mkdir for blob: %v", err)
	}
	// Write through a temp file so a crash never leaves a partial blob at
	// the final path.
	tmp := full + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return errors.Wrapf(errors.ErrTransientIO, "write blob: %v", err)
	}
	if err := os.Rename(tmp, full); err != nil {
		os.Remove(tmp)
		return errors.Wrapf(errors.ErrTransientIO, "finalize blob: %v", err)
	}
	return nil
}

// Read returns the bytes at path under the store root.
func (s *FSBlobStore) Read(path string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(s.Root, path))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Wrapf(errors.ErrNotFound, "blob %s", path)
		}
		return nil, errors.Wrapf(errors.ErrTransientIO, "read blob: %v", err)
	}
	return data, nil
}
