// Package snapshot computes and persists deterministic entity snapshots
// from the observation log.
package snapshot

import (
	"github.com/veritaslabs/strata/observation"
	"github.com/veritaslabs/strata/schema"
)

// Reduce maps an entity's observation set to its current-state field map.
// It is a pure function: identical observation sets produce identical
// output regardless of input order.
//
// Per field, the winner is the observation with the highest priority;
// within equal priority the latest created_at wins (or the earliest, for
// fields registered with the first-seen merge strategy); remaining ties
// fall to the largest observation id, giving a total order independent of
// arrival order.
func Reduce(def *schema.Definition, observations []*observation.Observation) map[string]any {
	winners := make(map[string]*observation.Observation)

	for _, obs := range observations {
		current, ok := winners[obs.Field]
		if !ok {
			winners[obs.Field] = obs
			continue
		}
		if beats(def, obs, current) {
			winners[obs.Field] = obs
		}
	}

	fields := make(map[string]any, len(winners))
	for field, obs := range winners {
		fields[field] = obs.Value
	}
	return fields
}

// beats reports whether a should replace b as the resolved value for
// their shared field.
func beats(def *schema.Definition, a, b *observation.Observation) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}

	firstSeen := false
	if def != nil {
		if fd, ok := def.Fields[a.Field]; ok {
			firstSeen = fd.Merge == schema.MergeFirstSeen
		}
	}

	if !a.CreatedAt.Equal(b.CreatedAt) {
		if firstSeen {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.CreatedAt.After(b.CreatedAt)
	}

	// Stable tie-break for equal priority and equal timestamp.
	if firstSeen {
		return a.ID < b.ID
	}
	return a.ID > b.ID
}
