// Package entity owns canonical entity records and the heuristic
// resolver that maps extracted fields onto them.
package entity

import "time"

// Entity is the canonical record for a real-world thing. An entity with a
// non-empty MergedInto is retired: excluded from default listing and
// resolution, with new observations redirected to the merge target.
type Entity struct {
	ID            string     `json:"id"`
	TenantID      string     `json:"tenant_id"`
	Type          string     `json:"type"`
	CanonicalName string     `json:"canonical_name"`
	ExternalID    string     `json:"external_id,omitempty"`
	MatchKey      string     `json:"match_key,omitempty"`
	MergedInto    string     `json:"merged_into,omitempty"`
	MergedAt      *time.Time `json:"merged_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

// Retired reports whether the entity has been merged away.
func (e *Entity) Retired() bool {
	return e.MergedInto != ""
}
