package entity

import (
	"time"

	"go.uber.org/zap"

	"github.com/veritaslabs/strata/errors"
	"github.com/veritaslabs/strata/internal/ident"
	"github.com/veritaslabs/strata/schema"
)

// Resolver maps extracted fields onto an entity id: external-id lookup,
// then type-specific match key, then create. Matching is heuristic;
// over- and under-merging are repaired through the merge service, never
// prevented here.
type Resolver struct {
	store    *Store
	registry schema.Registry
	logger   *zap.SugaredLogger
}

// NewResolver creates a resolver backed by the given store and registry.
func NewResolver(store *Store, registry schema.Registry, logger *zap.SugaredLogger) *Resolver {
	return &Resolver{store: store, registry: registry, logger: logger}
}

// Resolve returns the id of the entity the fields describe, creating one
// when no lookup matches. Entity types unknown to the registry fall back
// to the generic definition and the generic type name, so they surface in
// ListUntyped. Retired entities never match.
func (r *Resolver) Resolve(tenant, entityType string, fields map[string]any) (string, error) {
	if tenant == "" {
		return "", errors.Wrap(errors.ErrValidation, "tenant is required")
	}

	def, known := r.registry.Get(entityType)
	storedType := entityType
	if !known {
		storedType = schema.GenericType
	}

	// Step 1: external identifier, the only exact-match signal.
	externalID, _ := fields["external_id"].(string)
	if externalID != "" {
		e, err := r.store.FindByExternalID(tenant, storedType, externalID)
		if err == nil {
			return e.ID, nil
		}
		if !errors.IsNotFound(err) {
			return "", err
		}
	}

	// Step 2: type-specific heuristic match key.
	var matchKey string
	if def.MatchKey != nil {
		matchKey = def.MatchKey(fields)
	}
	if matchKey != "" {
		e, err := r.store.FindByMatchKey(tenant, storedType, matchKey)
		if err == nil {
			return e.ID, nil
		}
		if !errors.IsNotFound(err) {
			return "", err
		}
	}

	// Step 3: create.
	e := &Entity{
		ID:            ident.New(ident.Entity),
		TenantID:      tenant,
		Type:          storedType,
		CanonicalName: schema.CanonicalName(def, fields),
		ExternalID:    externalID,
		MatchKey:      matchKey,
		CreatedAt:     time.Now().UTC(),
	}
	if err := r.store.Create(e); err != nil {
		return "", err
	}

	r.logger.Debugw("Entity created",
		"entity_id", e.ID,
		"tenant", tenant,
		"type", storedType,
		"name", e.CanonicalName,
	)
	return e.ID, nil
}
