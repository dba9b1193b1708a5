package content

import (
	"database/sql"
	"time"

	"github.com/veritaslabs/strata/errors"
)

// MaxUploadRetries is the retry ceiling before a pending source is marked
// permanently failed and its staged payload discarded.
const MaxUploadRetries = 5

// retryBackoff is the increasing delay before each retry attempt. Indexes
// past the end reuse the final value.
var retryBackoff = []time.Duration{
	30 * time.Second,
	60 * time.Second,
	120 * time.Second,
	300 * time.Second,
	600 * time.Second,
}

// RetryBackoff returns the delay before attempt n (0-based).
func RetryBackoff(n int) time.Duration {
	if n >= len(retryBackoff) {
		return retryBackoff[len(retryBackoff)-1]
	}
	return retryBackoff[n]
}

// DueUploads returns staged payloads whose next retry time has elapsed.
func (s *Store) DueUploads(now time.Time, limit int) ([]*QueueEntry, error) {
	rows, err := s.db.Query(`
		SELECT source_id, payload, retry_count, next_retry_at, COALESCE(last_error, ''), created_at
		FROM upload_queue
		WHERE next_retry_at <= ?
		ORDER BY next_retry_at ASC
		LIMIT ?`, now.UTC(), limit)
	if err != nil {
		return nil, errors.Wrap(err, "query due uploads")
	}
	defer rows.Close()

	var entries []*QueueEntry
	for rows.Next() {
		var e QueueEntry
		if err := rows.Scan(&e.SourceID, &e.Payload, &e.RetryCount, &e.NextRetryAt, &e.LastError, &e.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "scan queue entry")
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

// RetryUpload attempts the physical write for one staged payload. On
// success the source becomes uploaded and the queue entry is removed; on
// failure the entry is rescheduled with backoff, or the source marked
// permanently failed once the ceiling is hit.
func (s *Store) RetryUpload(entry *QueueEntry) error {
	var tenant, path string
	err := s.db.QueryRow(`SELECT tenant_id, storage_path FROM sources WHERE id = ?`, entry.SourceID).
		Scan(&tenant, &path)
	if errors.Is(err, sql.ErrNoRows) {
		// Source row gone (should not happen in normal flow); drop the orphan.
		_, derr := s.db.Exec(`DELETE FROM upload_queue WHERE source_id = ?`, entry.SourceID)
		return derr
	}
	if err != nil {
		return errors.Wrap(err, "read source for retry")
	}

	writeErr := s.blobs.Write(path, entry.Payload)
	now := time.Now().UTC()

	if writeErr == nil {
		tx, err := s.db.Begin()
		if err != nil {
			return errors.Wrap(err, "begin retry tx")
		}
		defer tx.Rollback()
		if _, err := tx.Exec(`UPDATE sources SET storage_status = ? WHERE id = ?`, StatusUploaded, entry.SourceID); err != nil {
			return errors.Wrap(err, "mark source uploaded")
		}
		if _, err := tx.Exec(`DELETE FROM upload_queue WHERE source_id = ?`, entry.SourceID); err != nil {
			return errors.Wrap(err, "dequeue uploaded payload")
		}
		if err := tx.Commit(); err != nil {
			return errors.Wrap(err, "commit retry tx")
		}
		s.logger.Infow("Staged upload completed",
			"source_id", entry.SourceID,
			"tenant", tenant,
			"attempts", entry.RetryCount+1,
		)
		return nil
	}

	attempts := entry.RetryCount + 1
	if attempts >= MaxUploadRetries {
		tx, err := s.db.Begin()
		if err != nil {
			return errors.Wrap(err, "begin failure tx")
		}
		defer tx.Rollback()
		if _, err := tx.Exec(`UPDATE sources SET storage_status = ? WHERE id = ?`, StatusFailed, entry.SourceID); err != nil {
			return errors.Wrap(err, "mark source failed")
		}
		if _, err := tx.Exec(`DELETE FROM upload_queue WHERE source_id = ?`, entry.SourceID); err != nil {
			return errors.Wrap(err, "discard staged payload")
		}
		if err := tx.Commit(); err != nil {
			return errors.Wrap(err, "commit failure tx")
		}
		s.logger.Errorw("Upload permanently failed, payload discarded",
			"source_id", entry.SourceID,
			"tenant", tenant,
			"attempts", attempts,
			"error", writeErr.Error(),
		)
		return nil
	}

	if _, err := s.db.Exec(`
		UPDATE upload_queue SET retry_count = ?, next_retry_at = ?, last_error = ?
		WHERE source_id = ?`,
		attempts, now.Add(RetryBackoff(attempts)), writeErr.Error(), entry.SourceID); err != nil {
		return errors.Wrap(err, "reschedule upload")
	}
	s.logger.Warnw("Upload retry failed, rescheduled",
		"source_id", entry.SourceID,
		"attempt", attempts,
		"next_retry_in", RetryBackoff(attempts).String(),
	)
	return nil
}
