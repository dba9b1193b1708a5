// Package service is the external operation surface of Strata: ingest,
// structured ingest, reinterpretation, correction, merge, and entity
// queries. Transport (HTTP, tool invocation) lives outside this module
// and calls these methods directly.
package service

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/veritaslabs/strata/content"
	"github.com/veritaslabs/strata/entity"
	"github.com/veritaslabs/strata/errors"
	"github.com/veritaslabs/strata/interpret"
	"github.com/veritaslabs/strata/merge"
	"github.com/veritaslabs/strata/observation"
	"github.com/veritaslabs/strata/schema"
	"github.com/veritaslabs/strata/snapshot"
)

// Service bundles the pipeline components behind the public operations.
type Service struct {
	sources   *content.Store
	engine    *interpret.Engine
	resolver  *entity.Resolver
	entities  *entity.Store
	obs       *observation.Store
	snapshots *snapshot.Store
	merges    *merge.Service
	registry  schema.Registry
	logger    *zap.SugaredLogger
}

// New wires a service.
func New(
	sources *content.Store,
	engine *interpret.Engine,
	resolver *entity.Resolver,
	entities *entity.Store,
	obs *observation.Store,
	snapshots *snapshot.Store,
	merges *merge.Service,
	registry schema.Registry,
	logger *zap.SugaredLogger,
) *Service {
	return &Service{
		sources:   sources,
		engine:    engine,
		resolver:  resolver,
		entities:  entities,
		obs:       obs,
		snapshots: snapshots,
		merges:    merges,
		registry:  registry,
		logger:    logger,
	}
}

// IngestOptions tunes Ingest.
type IngestOptions struct {
	Metadata  map[string]string
	Interpret bool            // run extraction synchronously after storing
	Config    json.RawMessage // extraction config, logged verbatim on the run
}

// IngestResult is returned by Ingest.
type IngestResult struct {
	SourceID            string            `json:"source_id"`
	ContentHash         string            `json:"content_hash"`
	Deduplicated        bool              `json:"deduplicated"`
	Interpretation      *interpret.Result `json:"interpretation,omitempty"`
	InterpretationError string            `json:"interpretation_error,omitempty"`
}

// Ingest stores raw bytes and optionally interprets them. Ingestion never
// blocks on extraction failures: the source always exists afterwards and
// a failed synchronous interpretation is reported on the result, not as
// an error.
func (s *Service) Ingest(ctx context.Context, tenant string, data []byte, mimeType string, opts IngestOptions) (*IngestResult, error) {
	put, err := s.sources.Put(tenant, data, mimeType, opts.Metadata)
	if err != nil {
		return nil, err
	}

	result := &IngestResult{
		SourceID:     put.SourceID,
		ContentHash:  put.ContentHash,
		Deduplicated: put.Deduplicated,
	}

	if opts.Interpret {
		interp, ierr := s.engine.Interpret(ctx, tenant, put.SourceID, opts.Config)
		if ierr != nil {
			result.InterpretationError = ierr.Error()
			s.logger.Warnw("Synchronous interpretation failed after ingest",
				"tenant", tenant,
				"source_id", put.SourceID,
				"error", ierr.Error(),
			)
		} else {
			result.Interpretation = interp
		}
	}

	return result, nil
}

// StructuredResult is returned by IngestStructured.
type StructuredResult struct {
	EntityID       string   `json:"entity_id"`
	ObservationIDs []string `json:"observation_ids"`
	SourceID       string   `json:"source_id,omitempty"`
}

// IngestStructured writes caller-supplied fields as priority-100
// observations. Validation is all-or-nothing and fails fast before any
// write, surfacing the offending field. An optional raw attachment goes
// through the content store and becomes the observations' provenance.
func (s *Service) IngestStructured(ctx context.Context, tenant, entityType string, fields map[string]any, rawAttachment []byte) (*StructuredResult, error) {
	if len(fields) == 0 {
		return nil, errors.Wrap(errors.ErrValidation, "no fields supplied")
	}

	def, _ := s.registry.Get(entityType)
	normalized := make(map[string]any, len(fields))
	for field, value := range fields {
		v, err := schema.Validate(def, field, value)
		if err != nil {
			return nil, err
		}
		normalized[field] = v
	}

	var sourceID string
	if len(rawAttachment) > 0 {
		put, err := s.sources.Put(tenant, rawAttachment, "application/octet-stream",
			map[string]string{"kind": "structured-attachment"})
		if err != nil {
			return nil, err
		}
		sourceID = put.SourceID
	}

	entityID, err := s.resolver.Resolve(tenant, entityType, normalized)
	if err != nil {
		return nil, err
	}

	result := &StructuredResult{EntityID: entityID, SourceID: sourceID}
	for field, value := range normalized {
		stored, err := s.obs.Append(&observation.Observation{
			EntityID: entityID,
			TenantID: tenant,
			Field:    field,
			Value:    value,
			Priority: observation.PriorityStructured,
			SourceID: sourceID,
		})
		if err != nil {
			return nil, err
		}
		result.ObservationIDs = append(result.ObservationIDs, stored.ID)
	}

	if _, err := s.snapshots.Recompute(tenant, entityID); err != nil {
		return nil, err
	}
	return result, nil
}

// Reinterpret runs a fresh extraction attempt over an existing source.
func (s *Service) Reinterpret(ctx context.Context, tenant, sourceID string, config json.RawMessage) (*interpret.Result, error) {
	return s.engine.Reinterpret(ctx, tenant, sourceID, config)
}

// CorrectionResult is returned by Correct.
type CorrectionResult struct {
	ObservationID string `json:"observation_id"`
	Priority      int    `json:"priority"`
}

// Correct writes a highest-priority observation for one field. The
// corrected value wins every reducer conflict; earlier observations stay
// in the log untouched.
func (s *Service) Correct(ctx context.Context, tenant, entityID, field string, value any, reason string) (*CorrectionResult, error) {
	e, err := s.entities.Get(tenant, entityID)
	if err != nil {
		return nil, err
	}

	def, _ := s.registry.Get(e.Type)
	normalized, err := schema.Validate(def, field, value)
	if err != nil {
		return nil, err
	}

	stored, err := s.obs.Append(&observation.Observation{
		EntityID: entityID,
		TenantID: tenant,
		Field:    field,
		Value:    normalized,
		Priority: observation.PriorityCorrection,
		Reason:   reason,
	})
	if err != nil {
		return nil, err
	}

	// Recompute against the effective entity; a correction aimed at a
	// retired entity landed on its merge target.
	if _, err := s.snapshots.Recompute(tenant, stored.EntityID); err != nil {
		return nil, err
	}

	return &CorrectionResult{ObservationID: stored.ID, Priority: observation.PriorityCorrection}, nil
}

// MergeEntities repairs a duplicate pair by merging from into to.
func (s *Service) MergeEntities(ctx context.Context, tenant, fromID, toID, reason, actor string) (*merge.Result, error) {
	return s.merges.Merge(tenant, fromID, toID, reason, actor)
}

// ListUntypedEntities surfaces entities on the generic fallback schema
// for manual refinement.
func (s *Service) ListUntypedEntities(tenant string, limit int) ([]*entity.Entity, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.entities.ListUntyped(tenant, limit)
}

// ListEntities returns non-retired entities for a tenant.
func (s *Service) ListEntities(tenant string, limit int) ([]*entity.Entity, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.entities.List(tenant, limit)
}

// GetSnapshot returns the current snapshot for an entity.
func (s *Service) GetSnapshot(tenant, entityID string) (*snapshot.Snapshot, error) {
	return s.snapshots.Get(tenant, entityID)
}
