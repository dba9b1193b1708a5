package worker

import (
	"context"
	"database/sql"
	"time"

	"go.uber.org/zap"

	"github.com/veritaslabs/strata/errors"
	"github.com/veritaslabs/strata/snapshot"
)

// maxRepairAttempts bounds how often a failing recompute is retried
// before it is left in the table for operator attention.
const maxRepairAttempts = 10

// SnapshotRepair retries snapshot recomputes that failed after a merge
// committed. Recompute is idempotent, so retrying is always safe.
type SnapshotRepair struct {
	db        *sql.DB
	snapshots *snapshot.Store
	interval  time.Duration
	logger    *zap.SugaredLogger
}

// NewSnapshotRepair creates the repair job.
func NewSnapshotRepair(db *sql.DB, snapshots *snapshot.Store, interval time.Duration, logger *zap.SugaredLogger) *SnapshotRepair {
	return &SnapshotRepair{db: db, snapshots: snapshots, interval: interval, logger: logger}
}

func (j *SnapshotRepair) Name() string            { return "snapshot-repair" }
func (j *SnapshotRepair) Interval() time.Duration { return j.interval }

// Run retries every queued recompute once.
func (j *SnapshotRepair) Run(ctx context.Context) error {
	rows, err := j.db.Query(`
		SELECT entity_id, tenant_id, attempts FROM snapshot_repairs
		WHERE attempts < ?`, maxRepairAttempts)
	if err != nil {
		return errors.Wrap(err, "query snapshot repairs")
	}

	type repair struct {
		entityID string
		tenant   string
		attempts int
	}
	var pending []repair
	for rows.Next() {
		var r repair
		if err := rows.Scan(&r.entityID, &r.tenant, &r.attempts); err != nil {
			rows.Close()
			return errors.Wrap(err, "scan snapshot repair")
		}
		pending = append(pending, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, r := range pending {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if _, err := j.snapshots.Recompute(r.tenant, r.entityID); err != nil {
			if _, uerr := j.db.Exec(`
				UPDATE snapshot_repairs SET attempts = attempts + 1, last_error = ?
				WHERE entity_id = ?`, err.Error(), r.entityID); uerr != nil {
				return errors.Wrap(uerr, "record repair failure")
			}
			continue
		}
		if _, err := j.db.Exec(`DELETE FROM snapshot_repairs WHERE entity_id = ?`, r.entityID); err != nil {
			return errors.Wrap(err, "dequeue snapshot repair")
		}
		j.logger.Infow("Snapshot repaired",
			"entity_id", r.entityID,
			"tenant", r.tenant,
			"attempts", r.attempts+1,
		)
	}
	return nil
}
