package observation

import (
	"database/sql"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/veritaslabs/strata/errors"
	"github.com/veritaslabs/strata/internal/ident"
)

// FragmentStore persists raw fragments.
type FragmentStore struct {
	db     *sql.DB
	logger *zap.SugaredLogger
}

// NewFragmentStore creates a fragment store.
func NewFragmentStore(db *sql.DB, logger *zap.SugaredLogger) *FragmentStore {
	return &FragmentStore{db: db, logger: logger}
}

// Add stores one schema-invalid field payload.
func (s *FragmentStore) Add(frag *Fragment) (*Fragment, error) {
	stored := *frag
	if stored.ID == "" {
		stored.ID = ident.New(ident.Fragment)
	}
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now().UTC()
	}

	payloadJSON, err := json.Marshal(stored.Payload)
	if err != nil {
		return nil, errors.Wrap(err, "marshal fragment payload")
	}

	_, err = s.db.Exec(`
		INSERT INTO raw_fragments (id, tenant_id, source_id, run_id, entity_type_hint, field, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		stored.ID, stored.TenantID, stored.SourceID, nullableStr(stored.RunID),
		nullableStr(stored.EntityTypeHint), stored.Field, string(payloadJSON), stored.CreatedAt)
	if err != nil {
		return nil, errors.Wrap(err, "insert fragment")
	}
	return &stored, nil
}

// ListForSource returns fragments recorded for a source, oldest first.
func (s *FragmentStore) ListForSource(tenant, sourceID string) ([]*Fragment, error) {
	rows, err := s.db.Query(`
		SELECT id, tenant_id, source_id, COALESCE(run_id, ''), COALESCE(entity_type_hint, ''), field, payload, created_at
		FROM raw_fragments
		WHERE tenant_id = ? AND source_id = ?
		ORDER BY created_at ASC, id ASC`, tenant, sourceID)
	if err != nil {
		return nil, errors.Wrap(err, "query fragments")
	}
	defer rows.Close()

	var fragments []*Fragment
	for rows.Next() {
		var f Fragment
		var payloadJSON string
		if err := rows.Scan(&f.ID, &f.TenantID, &f.SourceID, &f.RunID,
			&f.EntityTypeHint, &f.Field, &payloadJSON, &f.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "scan fragment")
		}
		if err := json.Unmarshal([]byte(payloadJSON), &f.Payload); err != nil {
			return nil, errors.Wrap(err, "unmarshal fragment payload")
		}
		fragments = append(fragments, &f)
	}
	return fragments, rows.Err()
}

func nullableStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}
