// Package merge implements the audited repair operation for duplicate
// entities: observation ownership moves from one entity to another in a
// single transaction and the source entity is retired.
package merge

import (
	"database/sql"
	"time"

	"go.uber.org/zap"

	"github.com/veritaslabs/strata/db"
	"github.com/veritaslabs/strata/entity"
	"github.com/veritaslabs/strata/errors"
	"github.com/veritaslabs/strata/internal/ident"
	"github.com/veritaslabs/strata/observation"
	"github.com/veritaslabs/strata/snapshot"
)

// Record is the immutable audit row for one merge.
type Record struct {
	ID                     string    `json:"id"`
	TenantID               string    `json:"tenant_id"`
	FromEntityID           string    `json:"from_entity_id"`
	ToEntityID             string    `json:"to_entity_id"`
	Reason                 string    `json:"reason,omitempty"`
	Actor                  string    `json:"actor,omitempty"`
	ObservationsRewritten  int64     `json:"observations_rewritten"`
	CreatedAt              time.Time `json:"created_at"`
}

// Result is returned by Merge.
type Result struct {
	Merged                bool     `json:"merged"`
	ObservationsRewritten int64    `json:"observations_rewritten"`
	SnapshotsRecomputed   []string `json:"snapshots_recomputed"`
}

// Service performs entity merges.
type Service struct {
	db        *sql.DB
	entities  *entity.Store
	snapshots *snapshot.Store
	logger    *zap.SugaredLogger
}

// NewService creates a merge service.
func NewService(sqlDB *sql.DB, entities *entity.Store, snapshots *snapshot.Store, logger *zap.SugaredLogger) *Service {
	return &Service{db: sqlDB, entities: entities, snapshots: snapshots, logger: logger}
}

// Merge reassigns every observation on from to to, retires from, and
// records the audit row, all in one transaction. Merges are flat: an
// entity can be the source of at most one merge, and a retired entity can
// never be a target. A target may itself be merged later; the transaction
// path-compresses every pointer at from onto to, so redirect lookups
// stay single-hop across chains. Any validation failure aborts with zero
// side effects.
func (s *Service) Merge(tenant, fromID, toID, reason, actor string) (*Result, error) {
	if fromID == toID {
		return nil, errors.Wrap(errors.ErrValidation, "cannot merge an entity into itself")
	}

	from, err := s.lookup(tenant, fromID)
	if err != nil {
		return nil, err
	}
	to, err := s.lookup(tenant, toID)
	if err != nil {
		return nil, err
	}

	if from.Retired() {
		return nil, errors.Wrapf(errors.ErrConflict, "entity %s was already merged", fromID)
	}
	if to.Retired() {
		return nil, errors.Wrapf(errors.ErrConflict, "merge target %s was itself merged", toID)
	}

	now := time.Now().UTC()
	mergeID := ident.New(ident.Merge)

	tx, err := s.db.Begin()
	if err != nil {
		return nil, errors.Wrap(err, "begin merge tx")
	}
	defer tx.Rollback()

	rewritten, err := observation.ReassignTx(tx, tenant, fromID, toID)
	if err != nil {
		return nil, err
	}

	if _, err := tx.Exec(`
		INSERT INTO entity_merges (id, tenant_id, from_entity_id, to_entity_id, reason, actor, observations_rewritten, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		mergeID, tenant, fromID, toID, reason, actor, rewritten, now); err != nil {
		if db.IsUniqueViolation(err) {
			return nil, errors.Wrapf(errors.ErrConflict, "entity %s was already merged", fromID)
		}
		return nil, errors.Wrap(err, "insert merge audit row")
	}

	if _, err := tx.Exec(`
		UPDATE entities SET merged_into = ?, merged_at = ?
		WHERE tenant_id = ? AND id = ?`,
		toID, now, tenant, fromID); err != nil {
		return nil, errors.Wrap(err, "retire merged entity")
	}

	// Path compression: entities retired into from now point at to, so a
	// write addressed anywhere in the chain redirects in one hop.
	if _, err := tx.Exec(`
		UPDATE entities SET merged_into = ?
		WHERE tenant_id = ? AND merged_into = ?`,
		toID, tenant, fromID); err != nil {
		return nil, errors.Wrap(err, "compress merge chain")
	}

	if err := snapshot.DeleteTx(tx, tenant, fromID); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(err, "commit merge tx")
	}

	s.logger.Infow("Entities merged",
		"tenant", tenant,
		"from", fromID,
		"to", toID,
		"observations_rewritten", rewritten,
		"actor", actor,
	)

	result := &Result{Merged: true, ObservationsRewritten: rewritten}

	// Recompute after commit: idempotent and retryable, so a failure here
	// is queued for the repair worker instead of rolling anything back.
	if _, err := s.snapshots.Recompute(tenant, toID); err != nil {
		s.logger.Errorw("Post-merge snapshot recompute failed, queued for repair",
			"tenant", tenant,
			"entity_id", toID,
			"error", err.Error(),
		)
		if qerr := s.queueRepair(tenant, toID, err.Error()); qerr != nil {
			return result, qerr
		}
		return result, nil
	}
	result.SnapshotsRecomputed = []string{toID}
	return result, nil
}

// History returns the audit rows for a tenant, newest first.
func (s *Service) History(tenant string, limit int) ([]*Record, error) {
	rows, err := s.db.Query(`
		SELECT id, tenant_id, from_entity_id, to_entity_id, COALESCE(reason, ''), COALESCE(actor, ''), observations_rewritten, created_at
		FROM entity_merges WHERE tenant_id = ?
		ORDER BY created_at DESC LIMIT ?`, tenant, limit)
	if err != nil {
		return nil, errors.Wrap(err, "query merges")
	}
	defer rows.Close()

	var records []*Record
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.ID, &r.TenantID, &r.FromEntityID, &r.ToEntityID,
			&r.Reason, &r.Actor, &r.ObservationsRewritten, &r.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "scan merge")
		}
		records = append(records, &r)
	}
	return records, rows.Err()
}

// lookup fetches an entity and distinguishes a cross-tenant reference
// (access denied) from a genuinely missing one (not found).
func (s *Service) lookup(tenant, id string) (*entity.Entity, error) {
	e, err := s.entities.Get(tenant, id)
	if err == nil {
		return e, nil
	}
	if !errors.IsNotFound(err) {
		return nil, err
	}

	var owner string
	serr := s.db.QueryRow(`SELECT tenant_id FROM entities WHERE id = ?`, id).Scan(&owner)
	if serr == nil && owner != tenant {
		return nil, errors.Wrapf(errors.ErrAccessDenied, "entity %s belongs to another tenant", id)
	}
	return nil, errors.Wrapf(errors.ErrNotFound, "entity %s", id)
}

func (s *Service) queueRepair(tenant, entityID, message string) error {
	_, err := s.db.Exec(`
		INSERT INTO snapshot_repairs (entity_id, tenant_id, attempts, last_error, created_at)
		VALUES (?, ?, 0, ?, ?)
		ON CONFLICT(entity_id) DO UPDATE SET last_error = excluded.last_error`,
		entityID, tenant, message, time.Now().UTC())
	return errors.Wrap(err, "queue snapshot repair")
}
