// Package content is the content-addressed store for immutable raw
// payloads. Bytes are hashed and deduplicated per tenant; physical writes
// that fail are staged for background retry instead of failing ingestion.
package content

import "time"

// StorageStatus tracks the physical upload state of a source.
type StorageStatus string

const (
	StatusPending  StorageStatus = "pending"
	StatusUploaded StorageStatus = "uploaded"
	StatusFailed   StorageStatus = "failed"
)

// Source is an immutable raw ingested payload.
type Source struct {
	ID            string            `json:"id"`
	TenantID      string            `json:"tenant_id"`
	ContentHash   string            `json:"content_hash"`
	StoragePath   string            `json:"storage_path"`
	StorageStatus StorageStatus     `json:"storage_status"`
	MimeType      string            `json:"mime_type"`
	ByteSize      int64             `json:"byte_size"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
}

// PutResult is returned by Store.Put.
type PutResult struct {
	SourceID     string `json:"source_id"`
	ContentHash  string `json:"content_hash"`
	Deduplicated bool   `json:"deduplicated"`
}

// QueueEntry is a staged payload awaiting a successful physical write.
type QueueEntry struct {
	SourceID    string
	Payload     []byte
	RetryCount  int
	NextRetryAt time.Time
	LastError   string
	CreatedAt   time.Time
}
