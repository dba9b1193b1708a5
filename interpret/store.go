package interpret

import (
	"database/sql"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/veritaslabs/strata/db"
	"github.com/veritaslabs/strata/errors"
	"github.com/veritaslabs/strata/internal/ident"
)

const runColumns = `id, source_id, tenant_id, config, status, COALESCE(error, ''),
	heartbeat_at, started_at, completed_at, unknown_field_count, confidence,
	completeness, archived_at, created_at`

// Store persists interpretation runs.
type Store struct {
	db     *sql.DB
	logger *zap.SugaredLogger
}

// NewStore creates a run store.
func NewStore(sqlDB *sql.DB, logger *zap.SugaredLogger) *Store {
	return &Store{db: sqlDB, logger: logger}
}

// CreateRunning inserts a new run directly in the running state. The
// partial unique index on (source_id) WHERE status='running' is the
// single-writer lock: a second concurrent run for the same source fails
// here with a conflict, not in a check-then-act read.
func (s *Store) CreateRunning(tenant, sourceID string, config json.RawMessage) (*Run, error) {
	now := time.Now().UTC()
	run := &Run{
		ID:           ident.New(ident.Run),
		SourceID:     sourceID,
		TenantID:     tenant,
		Config:       config,
		Status:       StatusRunning,
		HeartbeatAt:  &now,
		StartedAt:    &now,
		Completeness: CompletenessUnknown,
		CreatedAt:    now,
	}

	var configStr any
	if len(config) > 0 {
		configStr = string(config)
	}

	_, err := s.db.Exec(`
		INSERT INTO interpretation_runs (id, source_id, tenant_id, config, status, heartbeat_at, started_at, completeness, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, sourceID, tenant, configStr, StatusRunning, now, now, CompletenessUnknown, now)
	if err != nil {
		if db.IsUniqueViolation(err) {
			return nil, errors.Wrapf(errors.ErrConflict, "interpretation already in progress for source %s", sourceID)
		}
		return nil, errors.Wrap(err, "insert run")
	}
	return run, nil
}

// Heartbeat records liveness for a running run.
func (s *Store) Heartbeat(runID string) error {
	_, err := s.db.Exec(`
		UPDATE interpretation_runs SET heartbeat_at = ?
		WHERE id = ? AND status = ?`,
		time.Now().UTC(), runID, StatusRunning)
	return errors.Wrap(err, "heartbeat run")
}

// Complete marks a run completed with its summary metrics.
func (s *Store) Complete(runID string, unknownFields int, confidence float64, completeness Completeness) error {
	now := time.Now().UTC()
	_, err := s.db.Exec(`
		UPDATE interpretation_runs
		SET status = ?, completed_at = ?, unknown_field_count = ?, confidence = ?, completeness = ?
		WHERE id = ? AND status = ?`,
		StatusCompleted, now, unknownFields, confidence, completeness, runID, StatusRunning)
	return errors.Wrap(err, "complete run")
}

// Fail marks a run failed with the retained error message.
func (s *Store) Fail(runID, message string, completeness Completeness) error {
	now := time.Now().UTC()
	_, err := s.db.Exec(`
		UPDATE interpretation_runs
		SET status = ?, completed_at = ?, error = ?, completeness = ?
		WHERE id = ? AND status = ?`,
		StatusFailed, now, message, completeness, runID, StatusRunning)
	return errors.Wrap(err, "fail run")
}

// Get returns a run by id, tenant-scoped.
func (s *Store) Get(tenant, runID string) (*Run, error) {
	row := s.db.QueryRow(`SELECT `+runColumns+` FROM interpretation_runs WHERE tenant_id = ? AND id = ?`, tenant, runID)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrap(errors.ErrNotFound, "run")
	}
	return run, err
}

// LatestCompletedForSource returns the most recent completed run for a
// source, excluding the given run id, or nil when there is none.
func (s *Store) LatestCompletedForSource(tenant, sourceID, excludeRunID string) (*Run, error) {
	row := s.db.QueryRow(`
		SELECT `+runColumns+` FROM interpretation_runs
		WHERE tenant_id = ? AND source_id = ? AND id != ? AND status = ?
		ORDER BY created_at DESC LIMIT 1`,
		tenant, sourceID, excludeRunID, StatusCompleted)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return run, err
}

// ListForSource returns every run for a source, oldest first, including
// archived ones.
func (s *Store) ListForSource(tenant, sourceID string) ([]*Run, error) {
	rows, err := s.db.Query(`
		SELECT `+runColumns+` FROM interpretation_runs
		WHERE tenant_id = ? AND source_id = ?
		ORDER BY created_at ASC`, tenant, sourceID)
	if err != nil {
		return nil, errors.Wrap(err, "query runs")
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// SweepStale force-fails running runs whose heartbeat is older than
// cutoff. Returns the ids of swept runs.
func (s *Store) SweepStale(cutoff time.Time) ([]string, error) {
	rows, err := s.db.Query(`
		SELECT id FROM interpretation_runs
		WHERE status = ? AND heartbeat_at < ?`,
		StatusRunning, cutoff.UTC())
	if err != nil {
		return nil, errors.Wrap(err, "query stale runs")
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, errors.Wrap(err, "scan stale run")
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	for _, id := range ids {
		if _, err := s.db.Exec(`
			UPDATE interpretation_runs
			SET status = ?, completed_at = ?, error = ?, completeness = ?
			WHERE id = ? AND status = ?`,
			StatusFailed, now, "timed out: no heartbeat within window", CompletenessFailed,
			id, StatusRunning); err != nil {
			return ids, errors.Wrapf(err, "sweep run %s", id)
		}
	}
	return ids, nil
}

// Archive flags runs created before cutoff as archived. Archival never
// deletes; metrics stay queryable, the run just leaves active listings.
func (s *Store) Archive(cutoff time.Time) (int64, error) {
	res, err := s.db.Exec(`
		UPDATE interpretation_runs SET archived_at = ?
		WHERE archived_at IS NULL
		  AND status IN (?, ?)
		  AND created_at < ?`,
		time.Now().UTC(), StatusCompleted, StatusFailed, cutoff.UTC())
	if err != nil {
		return 0, errors.Wrap(err, "archive runs")
	}
	n, err := res.RowsAffected()
	return n, errors.Wrap(err, "count archived runs")
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(sc rowScanner) (*Run, error) {
	var run Run
	var config sql.NullString
	var heartbeat, started, completed, archived sql.NullTime
	var confidence sql.NullFloat64

	err := sc.Scan(&run.ID, &run.SourceID, &run.TenantID, &config, &run.Status,
		&run.Error, &heartbeat, &started, &completed, &run.UnknownFieldCount,
		&confidence, &run.Completeness, &archived, &run.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, errors.Wrap(err, "scan run")
	}

	if config.Valid {
		run.Config = json.RawMessage(config.String)
	}
	if heartbeat.Valid {
		t := heartbeat.Time
		run.HeartbeatAt = &t
	}
	if started.Valid {
		t := started.Time
		run.StartedAt = &t
	}
	if completed.Valid {
		t := completed.Time
		run.CompletedAt = &t
	}
	if archived.Valid {
		t := archived.Time
		run.ArchivedAt = &t
	}
	if confidence.Valid {
		c := confidence.Float64
		run.Confidence = &c
	}
	return &run, nil
}
