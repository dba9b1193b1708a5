package worker

import (
	"context"
	"database/sql"
	"time"

	"github.com/lithammer/fuzzysearch/fuzzy"
	"go.uber.org/zap"

	"github.com/veritaslabs/strata/entity"
	"github.com/veritaslabs/strata/errors"
	"github.com/veritaslabs/strata/schema"
)

// duplicateScanLimit caps the entities considered per tenant/type; the
// pairwise comparison is quadratic.
const duplicateScanLimit = 500

// maxEditDistance is the Levenshtein ceiling below which two canonical
// names count as a duplicate candidate pair.
const maxEditDistance = 2

// DuplicateDetector periodically scores fuzzy similarity between
// canonical names of non-merged entities and records a candidate metric.
// It never merges anything; repair stays an explicit operator action.
type DuplicateDetector struct {
	db       *sql.DB
	entities *entity.Store
	types    []string
	interval time.Duration
	logger   *zap.SugaredLogger
}

// NewDuplicateDetector creates the detector for entity types prone to
// duplication (name-matched types).
func NewDuplicateDetector(db *sql.DB, entities *entity.Store, types []string, interval time.Duration, logger *zap.SugaredLogger) *DuplicateDetector {
	if len(types) == 0 {
		types = []string{"person", "company", schema.GenericType}
	}
	return &DuplicateDetector{db: db, entities: entities, types: types, interval: interval, logger: logger}
}

func (j *DuplicateDetector) Name() string            { return "duplicate-detector" }
func (j *DuplicateDetector) Interval() time.Duration { return j.interval }

// Run computes candidate counts per tenant and entity type.
func (j *DuplicateDetector) Run(ctx context.Context) error {
	tenants, err := j.entities.TenantsWithEntities()
	if err != nil {
		return err
	}

	for _, tenant := range tenants {
		for _, entityType := range j.types {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if err := j.scan(tenant, entityType); err != nil {
				j.logger.Errorw("Duplicate scan failed",
					"tenant", tenant,
					"type", entityType,
					"error", err.Error(),
				)
			}
		}
	}
	return nil
}

func (j *DuplicateDetector) scan(tenant, entityType string) error {
	entities, err := j.entities.ListByType(tenant, entityType, duplicateScanLimit)
	if err != nil {
		return err
	}
	if len(entities) < 2 {
		return nil
	}

	pairs := 0
	for i := 0; i < len(entities); i++ {
		a := schema.NormalizeName(entities[i].CanonicalName)
		if a == "" {
			continue
		}
		for k := i + 1; k < len(entities); k++ {
			b := schema.NormalizeName(entities[k].CanonicalName)
			if b == "" {
				continue
			}
			if d := fuzzy.LevenshteinDistance(a, b); d <= maxEditDistance {
				pairs++
			}
		}
	}

	ratio := float64(pairs) / float64(len(entities))
	_, err = j.db.Exec(`
		INSERT INTO duplicate_metrics (tenant_id, entity_type, entity_count, candidate_pairs, ratio, computed_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		tenant, entityType, len(entities), pairs, ratio, time.Now().UTC())
	if err != nil {
		return errors.Wrap(err, "record duplicate metric")
	}

	if pairs > 0 {
		j.logger.Infow("Duplicate candidates detected",
			"tenant", tenant,
			"type", entityType,
			"entities", len(entities),
			"candidate_pairs", pairs,
			"ratio", ratio,
		)
	}
	return nil
}
