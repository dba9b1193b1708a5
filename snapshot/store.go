package snapshot

import (
	"database/sql"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/veritaslabs/strata/entity"
	"github.com/veritaslabs/strata/errors"
	"github.com/veritaslabs/strata/observation"
	"github.com/veritaslabs/strata/schema"
)

// Snapshot is the reducer output for one entity.
type Snapshot struct {
	EntityID         string         `json:"entity_id"`
	TenantID         string         `json:"tenant_id"`
	Fields           map[string]any `json:"fields"`
	ObservationCount int            `json:"observation_count"`
	ComputedAt       time.Time      `json:"computed_at"`
}

// Store recomputes and persists snapshots. Recompute is idempotent and
// safe to retry; the observation log remains the source of truth and a
// momentarily stale snapshot is acceptable.
type Store struct {
	db           *sql.DB
	entities     *entity.Store
	observations *observation.Store
	registry     schema.Registry
	logger       *zap.SugaredLogger
}

// NewStore creates a snapshot store.
func NewStore(db *sql.DB, entities *entity.Store, observations *observation.Store, registry schema.Registry, logger *zap.SugaredLogger) *Store {
	return &Store{db: db, entities: entities, observations: observations, registry: registry, logger: logger}
}

// Recompute reduces the entity's observations from scratch and upserts
// the snapshot row.
func (s *Store) Recompute(tenant, entityID string) (*Snapshot, error) {
	e, err := s.entities.Get(tenant, entityID)
	if err != nil {
		return nil, err
	}

	observations, err := s.observations.ListForEntity(tenant, entityID)
	if err != nil {
		return nil, err
	}

	def, _ := s.registry.Get(e.Type)
	fields := Reduce(def, observations)

	snap := &Snapshot{
		EntityID:         entityID,
		TenantID:         tenant,
		Fields:           fields,
		ObservationCount: len(observations),
		ComputedAt:       time.Now().UTC(),
	}

	fieldsJSON, err := json.Marshal(fields)
	if err != nil {
		return nil, errors.Wrap(err, "marshal snapshot fields")
	}

	_, err = s.db.Exec(`
		INSERT INTO entity_snapshots (entity_id, tenant_id, fields, observation_count, computed_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(entity_id) DO UPDATE SET
			fields = excluded.fields,
			observation_count = excluded.observation_count,
			computed_at = excluded.computed_at`,
		snap.EntityID, snap.TenantID, string(fieldsJSON), snap.ObservationCount, snap.ComputedAt)
	if err != nil {
		return nil, errors.Wrap(err, "upsert snapshot")
	}

	s.logger.Debugw("Snapshot recomputed",
		"entity_id", entityID,
		"tenant", tenant,
		"fields", len(fields),
		"observations", snap.ObservationCount,
	)
	return snap, nil
}

// Get returns the stored snapshot for an entity.
func (s *Store) Get(tenant, entityID string) (*Snapshot, error) {
	var snap Snapshot
	var fieldsJSON string
	err := s.db.QueryRow(`
		SELECT entity_id, tenant_id, fields, observation_count, computed_at
		FROM entity_snapshots WHERE tenant_id = ? AND entity_id = ?`,
		tenant, entityID).
		Scan(&snap.EntityID, &snap.TenantID, &fieldsJSON, &snap.ObservationCount, &snap.ComputedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrap(errors.ErrNotFound, "snapshot")
	}
	if err != nil {
		return nil, errors.Wrap(err, "query snapshot")
	}
	if err := json.Unmarshal([]byte(fieldsJSON), &snap.Fields); err != nil {
		return nil, errors.Wrap(err, "unmarshal snapshot fields")
	}
	return &snap, nil
}

// DeleteTx removes a retired entity's snapshot inside the caller's merge
// transaction.
func DeleteTx(tx *sql.Tx, tenant, entityID string) error {
	_, err := tx.Exec(`DELETE FROM entity_snapshots WHERE tenant_id = ? AND entity_id = ?`, tenant, entityID)
	return errors.Wrap(err, "delete snapshot")
}
