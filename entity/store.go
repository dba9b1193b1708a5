package entity

import (
	"database/sql"

	"go.uber.org/zap"

	"github.com/veritaslabs/strata/errors"
	"github.com/veritaslabs/strata/schema"
)

const entityColumns = `id, tenant_id, entity_type, canonical_name,
	COALESCE(external_id, ''), COALESCE(match_key, ''),
	COALESCE(merged_into, ''), merged_at, created_at`

// Store persists entities.
type Store struct {
	db     *sql.DB
	logger *zap.SugaredLogger
}

// NewStore creates an entity store.
func NewStore(db *sql.DB, logger *zap.SugaredLogger) *Store {
	return &Store{db: db, logger: logger}
}

// Create inserts a new entity.
func (s *Store) Create(e *Entity) error {
	_, err := s.db.Exec(`
		INSERT INTO entities (id, tenant_id, entity_type, canonical_name, external_id, match_key, merged_into, merged_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, NULL, NULL, ?)`,
		e.ID, e.TenantID, e.Type, e.CanonicalName,
		nullable(e.ExternalID), nullable(e.MatchKey), e.CreatedAt)
	return errors.Wrap(err, "insert entity")
}

// Get returns an entity by id, tenant-scoped. Retired entities are
// returned too; callers decide whether retirement matters.
func (s *Store) Get(tenant, id string) (*Entity, error) {
	row := s.db.QueryRow(`SELECT `+entityColumns+` FROM entities WHERE tenant_id = ? AND id = ?`, tenant, id)
	return scanEntity(row)
}

// FindByExternalID looks up a non-retired entity by external identifier.
func (s *Store) FindByExternalID(tenant, entityType, externalID string) (*Entity, error) {
	row := s.db.QueryRow(`
		SELECT `+entityColumns+` FROM entities
		WHERE tenant_id = ? AND entity_type = ? AND external_id = ? AND merged_into IS NULL
		ORDER BY created_at ASC LIMIT 1`,
		tenant, entityType, externalID)
	return scanEntity(row)
}

// FindByMatchKey looks up a non-retired entity by resolver match key.
func (s *Store) FindByMatchKey(tenant, entityType, matchKey string) (*Entity, error) {
	row := s.db.QueryRow(`
		SELECT `+entityColumns+` FROM entities
		WHERE tenant_id = ? AND entity_type = ? AND match_key = ? AND merged_into IS NULL
		ORDER BY created_at ASC LIMIT 1`,
		tenant, entityType, matchKey)
	return scanEntity(row)
}

// List returns non-retired entities for a tenant, newest first.
func (s *Store) List(tenant string, limit int) ([]*Entity, error) {
	return s.list(`
		SELECT `+entityColumns+` FROM entities
		WHERE tenant_id = ? AND merged_into IS NULL
		ORDER BY created_at DESC LIMIT ?`, tenant, limit)
}

// ListUntyped returns non-retired entities whose type is the generic
// fallback, for manual schema refinement.
func (s *Store) ListUntyped(tenant string, limit int) ([]*Entity, error) {
	return s.list(`
		SELECT `+entityColumns+` FROM entities
		WHERE tenant_id = ? AND entity_type = ? AND merged_into IS NULL
		ORDER BY created_at DESC LIMIT ?`, tenant, schema.GenericType, limit)
}

// ListByType returns non-retired entities of one type, for the duplicate
// candidate detector.
func (s *Store) ListByType(tenant, entityType string, limit int) ([]*Entity, error) {
	return s.list(`
		SELECT `+entityColumns+` FROM entities
		WHERE tenant_id = ? AND entity_type = ? AND merged_into IS NULL
		ORDER BY created_at ASC LIMIT ?`, tenant, entityType, limit)
}

// TenantsWithEntities returns distinct tenant ids that own entities.
func (s *Store) TenantsWithEntities() ([]string, error) {
	rows, err := s.db.Query(`SELECT DISTINCT tenant_id FROM entities`)
	if err != nil {
		return nil, errors.Wrap(err, "query tenants")
	}
	defer rows.Close()

	var tenants []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, errors.Wrap(err, "scan tenant")
		}
		tenants = append(tenants, t)
	}
	return tenants, rows.Err()
}

// EffectiveID resolves one hop of merge redirection: writes addressed to
// a retired entity land on its merge target. The merge transaction
// path-compresses chains, so a single hop is always enough.
func (s *Store) EffectiveID(tenant, id string) (string, error) {
	e, err := s.Get(tenant, id)
	if err != nil {
		return "", err
	}
	if e.Retired() {
		return e.MergedInto, nil
	}
	return e.ID, nil
}

func (s *Store) list(query string, args ...any) ([]*Entity, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "query entities")
	}
	defer rows.Close()

	var entities []*Entity
	for rows.Next() {
		e, err := scanEntityRows(rows)
		if err != nil {
			return nil, err
		}
		entities = append(entities, e)
	}
	return entities, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntity(row *sql.Row) (*Entity, error) {
	e, err := scanFrom(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrap(errors.ErrNotFound, "entity")
	}
	return e, err
}

func scanEntityRows(rows *sql.Rows) (*Entity, error) {
	return scanFrom(rows)
}

func scanFrom(sc rowScanner) (*Entity, error) {
	var e Entity
	var mergedAt sql.NullTime
	if err := sc.Scan(&e.ID, &e.TenantID, &e.Type, &e.CanonicalName,
		&e.ExternalID, &e.MatchKey, &e.MergedInto, &mergedAt, &e.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, errors.Wrap(err, "scan entity")
	}
	if mergedAt.Valid {
		t := mergedAt.Time
		e.MergedAt = &t
	}
	return &e, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
