// Package observation is the append-only log of atomic, provenance-tagged
// facts about entities, plus the raw fragment store for extracted data
// that failed schema validation. Observations are never updated or
// deleted; the single rewrite path is the merge transaction.
package observation

import "time"

// Source priorities. Higher wins outright at reduce time.
const (
	PriorityExtraction = 0    // automated inference from an interpretation run
	PriorityStructured = 100  // schema-validated structured ingest
	PriorityCorrection = 1000 // explicit human correction, always wins
)

// Observation is one immutable fact about an entity.
type Observation struct {
	ID        string    `json:"id"`
	EntityID  string    `json:"entity_id"`
	TenantID  string    `json:"tenant_id"`
	Field     string    `json:"field"`
	Value     any       `json:"value"`
	Priority  int       `json:"priority"`
	SourceID  string    `json:"source_id,omitempty"`
	RunID     string    `json:"run_id,omitempty"` // empty for non-AI writes
	Reason    string    `json:"reason,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Fragment is a durable record of a field that failed schema validation.
// This table is the sole authoritative store for unknown data; runs keep
// only a count.
type Fragment struct {
	ID             string    `json:"id"`
	TenantID       string    `json:"tenant_id"`
	SourceID       string    `json:"source_id"`
	RunID          string    `json:"run_id,omitempty"`
	EntityTypeHint string    `json:"entity_type_hint,omitempty"`
	Field          string    `json:"field"`
	Payload        any       `json:"payload"`
	CreatedAt      time.Time `json:"created_at"`
}
