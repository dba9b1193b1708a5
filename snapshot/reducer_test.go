package snapshot

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/veritaslabs/strata/observation"
	"github.com/veritaslabs/strata/schema"
)

func obs(id, field string, value any, priority int, at time.Time) *observation.Observation {
	return &observation.Observation{
		ID:        id,
		EntityID:  "ent_test",
		TenantID:  "t1",
		Field:     field,
		Value:     value,
		Priority:  priority,
		CreatedAt: at,
	}
}

func personDef(t *testing.T) *schema.Definition {
	t.Helper()
	def, ok := schema.NewRegistry().Get("person")
	if !ok {
		t.Fatal("person definition missing")
	}
	return def
}

func TestReduceOrderIndependence(t *testing.T) {
	def := personDef(t)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	set := []*observation.Observation{
		obs("obs_a", "name", "Ada", observation.PriorityExtraction, base),
		obs("obs_b", "name", "Ada Lovelace", observation.PriorityExtraction, base.Add(time.Hour)),
		obs("obs_c", "email", "ada@example.com", observation.PriorityStructured, base),
		obs("obs_d", "email", "typo@example.com", observation.PriorityExtraction, base.Add(2*time.Hour)),
	}

	forward := Reduce(def, set)

	reversed := make([]*observation.Observation, len(set))
	for i, o := range set {
		reversed[len(set)-1-i] = o
	}
	backward := Reduce(def, reversed)

	assert.Equal(t, forward, backward)
	assert.Equal(t, "Ada Lovelace", forward["name"])
	// Structured beats a later extraction outright.
	assert.Equal(t, "ada@example.com", forward["email"])
}

func TestReducePriorityBeatsRecency(t *testing.T) {
	def := personDef(t)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	fields := Reduce(def, []*observation.Observation{
		obs("obs_a", "name", "Corrected Name", observation.PriorityCorrection, base),
		obs("obs_b", "name", "Fresh Extraction", observation.PriorityExtraction, base.Add(48*time.Hour)),
	})
	assert.Equal(t, "Corrected Name", fields["name"])
}

func TestReduceEqualTimestampTieBreaksOnID(t *testing.T) {
	def := personDef(t)
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	fields := Reduce(def, []*observation.Observation{
		obs("obs_0001", "name", "first", observation.PriorityExtraction, at),
		obs("obs_0002", "name", "second", observation.PriorityExtraction, at),
	})
	assert.Equal(t, "second", fields["name"])
}

func TestReduceFirstSeenStrategy(t *testing.T) {
	def := personDef(t)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	// birth_date is registered first-seen: the earliest same-priority
	// observation sticks.
	fields := Reduce(def, []*observation.Observation{
		obs("obs_a", "birth_date", "1815-12-10T00:00:00Z", observation.PriorityExtraction, base),
		obs("obs_b", "birth_date", "1815-12-11T00:00:00Z", observation.PriorityExtraction, base.Add(time.Hour)),
	})
	assert.Equal(t, "1815-12-10T00:00:00Z", fields["birth_date"])

	// A correction still overrides first-seen.
	fields = Reduce(def, []*observation.Observation{
		obs("obs_a", "birth_date", "1815-12-10T00:00:00Z", observation.PriorityExtraction, base),
		obs("obs_c", "birth_date", "1815-12-12T00:00:00Z", observation.PriorityCorrection, base.Add(2*time.Hour)),
	})
	assert.Equal(t, "1815-12-12T00:00:00Z", fields["birth_date"])
}

func TestReduceEmptySet(t *testing.T) {
	fields := Reduce(personDef(t), nil)
	assert.Empty(t, fields)
}
