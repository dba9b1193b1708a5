package observation

import (
	"database/sql"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/veritaslabs/strata/errors"
	"github.com/veritaslabs/strata/internal/ident"
)

// Store appends and reads observations. All writes are inserts; the
// append-only invariant is structural, not checked at runtime.
type Store struct {
	db     *sql.DB
	logger *zap.SugaredLogger
}

// NewStore creates an observation store.
func NewStore(db *sql.DB, logger *zap.SugaredLogger) *Store {
	return &Store{db: db, logger: logger}
}

// Append writes a new observation. A write addressed to a retired entity
// is transparently redirected to its merge target. The redirect lookup
// and the insert share one transaction, so a merge committing in between
// cannot strand the row on the retired entity. Returns the stored
// observation, including the id and the effective entity id.
func (s *Store) Append(obs *Observation) (*Observation, error) {
	stored := *obs
	if stored.ID == "" {
		stored.ID = ident.New(ident.Observation)
	}
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now().UTC()
	}

	valueJSON, err := json.Marshal(stored.Value)
	if err != nil {
		return nil, errors.Wrap(err, "marshal observation value")
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, errors.Wrap(err, "begin append tx")
	}
	defer tx.Rollback()

	var mergedInto sql.NullString
	err = tx.QueryRow(`SELECT merged_into FROM entities WHERE tenant_id = ? AND id = ?`,
		stored.TenantID, stored.EntityID).Scan(&mergedInto)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrap(errors.ErrNotFound, "entity")
	}
	if err != nil {
		return nil, errors.Wrap(err, "resolve entity for append")
	}
	if mergedInto.Valid && mergedInto.String != "" {
		s.logger.Debugw("Observation redirected to merge target",
			"from_entity", stored.EntityID,
			"to_entity", mergedInto.String,
			"field", stored.Field,
		)
		stored.EntityID = mergedInto.String
	}

	_, err = tx.Exec(`
		INSERT INTO observations (id, entity_id, tenant_id, field, value, priority, source_id, run_id, reason, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		stored.ID, stored.EntityID, stored.TenantID, stored.Field, string(valueJSON),
		stored.Priority, nullable(stored.SourceID), nullable(stored.RunID),
		nullable(stored.Reason), stored.CreatedAt)
	if err != nil {
		return nil, errors.Wrap(err, "insert observation")
	}
	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(err, "commit append tx")
	}
	return &stored, nil
}

// ListForEntity returns every observation owned by an entity, oldest first.
func (s *Store) ListForEntity(tenant, entityID string) ([]*Observation, error) {
	rows, err := s.db.Query(`
		SELECT id, entity_id, tenant_id, field, value, priority,
		       COALESCE(source_id, ''), COALESCE(run_id, ''), COALESCE(reason, ''), created_at
		FROM observations
		WHERE tenant_id = ? AND entity_id = ?
		ORDER BY created_at ASC, id ASC`, tenant, entityID)
	if err != nil {
		return nil, errors.Wrap(err, "query observations")
	}
	defer rows.Close()

	var observations []*Observation
	for rows.Next() {
		var o Observation
		var valueJSON string
		if err := rows.Scan(&o.ID, &o.EntityID, &o.TenantID, &o.Field, &valueJSON,
			&o.Priority, &o.SourceID, &o.RunID, &o.Reason, &o.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "scan observation")
		}
		if err := json.Unmarshal([]byte(valueJSON), &o.Value); err != nil {
			return nil, errors.Wrap(err, "unmarshal observation value")
		}
		observations = append(observations, &o)
	}
	return observations, rows.Err()
}

// CountForEntity returns the number of observations owned by an entity.
func (s *Store) CountForEntity(tenant, entityID string) (int, error) {
	var n int
	err := s.db.QueryRow(`
		SELECT COUNT(*) FROM observations WHERE tenant_id = ? AND entity_id = ?`,
		tenant, entityID).Scan(&n)
	return n, errors.Wrap(err, "count observations")
}

// ReassignTx rewrites observation ownership from one entity to another
// inside the caller's transaction. This is the only mutation the log
// permits and it exists solely for the merge service.
func ReassignTx(tx *sql.Tx, tenant, fromEntity, toEntity string) (int64, error) {
	res, err := tx.Exec(`
		UPDATE observations SET entity_id = ?
		WHERE tenant_id = ? AND entity_id = ?`,
		toEntity, tenant, fromEntity)
	if err != nil {
		return 0, errors.Wrap(err, "reassign observations")
	}
	n, err := res.RowsAffected()
	return n, errors.Wrap(err, "count reassigned observations")
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
