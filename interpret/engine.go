package interpret

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/veritaslabs/strata/content"
	"github.com/veritaslabs/strata/entity"
	"github.com/veritaslabs/strata/errors"
	"github.com/veritaslabs/strata/observation"
	"github.com/veritaslabs/strata/quota"
	"github.com/veritaslabs/strata/schema"
	"github.com/veritaslabs/strata/snapshot"
)

// EngineConfig bounds engine behavior.
type EngineConfig struct {
	// BackendCallsPerMinute throttles calls into the extraction backend.
	BackendCallsPerMinute int
	// MinConfidence drops whole candidates below the threshold to the
	// fragment store instead of writing observations.
	MinConfidence float64
}

// Engine runs extraction over sources and writes the results through the
// schema gate: valid fields become observations, everything else becomes
// raw fragments.
type Engine struct {
	runs      *Store
	sources   *content.Store
	resolver  *entity.Resolver
	obs       *observation.Store
	fragments *observation.FragmentStore
	snapshots *snapshot.Store
	registry  schema.Registry
	guard     *quota.Guard
	backend   Extractor
	limiter   *rate.Limiter
	cfg       EngineConfig
	logger    *zap.SugaredLogger
}

// NewEngine wires an interpretation engine.
func NewEngine(
	runs *Store,
	sources *content.Store,
	resolver *entity.Resolver,
	obs *observation.Store,
	fragments *observation.FragmentStore,
	snapshots *snapshot.Store,
	registry schema.Registry,
	guard *quota.Guard,
	backend Extractor,
	cfg EngineConfig,
	logger *zap.SugaredLogger,
) *Engine {
	perMinute := cfg.BackendCallsPerMinute
	if perMinute <= 0 {
		perMinute = 60
	}
	return &Engine{
		runs:      runs,
		sources:   sources,
		resolver:  resolver,
		obs:       obs,
		fragments: fragments,
		snapshots: snapshots,
		registry:  registry,
		guard:     guard,
		backend:   backend,
		limiter:   rate.NewLimiter(rate.Limit(float64(perMinute)/60.0), perMinute),
		cfg:       cfg,
		logger:    logger,
	}
}

// Interpret runs one extraction attempt over a source. Preconditions: the
// source is uploaded, no other run for it is running, and the tenant has
// interpretation quota left. Each call creates a brand-new run and
// brand-new observations; prior runs and observations are never touched.
func (e *Engine) Interpret(ctx context.Context, tenant, sourceID string, config json.RawMessage) (*Result, error) {
	src, err := e.sources.Get(tenant, sourceID)
	if err != nil {
		return nil, err
	}
	if src.StorageStatus != content.StatusUploaded {
		return nil, errors.Wrapf(errors.ErrNotReady, "source %s has storage status %s", sourceID, src.StorageStatus)
	}

	// Take the single-writer lock first: a call rejected on the conflict
	// never consumes a run credit.
	run, err := e.runs.CreateRunning(tenant, sourceID, config)
	if err != nil {
		return nil, err
	}

	if err := e.guard.ConsumeRun(tenant); err != nil {
		if ferr := e.runs.Fail(run.ID, err.Error(), CompletenessFailed); ferr != nil {
			e.logger.Errorw("Failed to mark run failed",
				"run_id", run.ID,
				"error", ferr.Error(),
			)
		}
		return nil, err
	}

	result, err := e.execute(ctx, run, src)
	if err != nil {
		if ferr := e.runs.Fail(run.ID, err.Error(), CompletenessFailed); ferr != nil {
			e.logger.Errorw("Failed to mark run failed",
				"run_id", run.ID,
				"error", ferr.Error(),
			)
		}
		return nil, errors.Wrapf(err, "run %s failed", run.ID)
	}

	if prev, perr := e.runs.LatestCompletedForSource(tenant, sourceID, run.ID); perr == nil && prev != nil {
		result.PreviousRunID = prev.ID
	}

	return result, nil
}

// Reinterpret is Interpret called again on an existing source.
func (e *Engine) Reinterpret(ctx context.Context, tenant, sourceID string, config json.RawMessage) (*Result, error) {
	return e.Interpret(ctx, tenant, sourceID, config)
}

func (e *Engine) execute(ctx context.Context, run *Run, src *content.Source) (*Result, error) {
	data, err := e.sources.ReadBytes(src)
	if err != nil {
		return nil, err
	}

	// The backend may take seconds; the heartbeat around the call keeps
	// the sweeper away while it blocks.
	if err := e.limiter.Wait(ctx); err != nil {
		return nil, errors.Wrap(err, "rate limit wait")
	}
	if err := e.runs.Heartbeat(run.ID); err != nil {
		return nil, err
	}

	// Keep the heartbeat fresh while the backend blocks; extraction is
	// allowed to take long enough that a single pre-call heartbeat would
	// go stale and trip the sweeper.
	beatCtx, stopBeat := context.WithCancel(ctx)
	beatDone := make(chan struct{})
	go func() {
		defer close(beatDone)
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-beatCtx.Done():
				return
			case <-ticker.C:
				if err := e.runs.Heartbeat(run.ID); err != nil {
					e.logger.Warnw("Heartbeat failed", "run_id", run.ID, "error", err.Error())
				}
			}
		}
	}()

	candidates, err := e.backend.Extract(ctx, data, src.MimeType, run.Config)
	stopBeat()
	<-beatDone
	if err != nil {
		return nil, errors.Wrap(err, "extraction backend")
	}
	if err := e.runs.Heartbeat(run.ID); err != nil {
		return nil, err
	}

	unknownFields := 0
	validFields := 0
	totalConfidence := 0.0
	touched := make(map[string]bool)
	var entityIDs []string

	for _, cand := range candidates {
		totalConfidence += cand.Confidence

		if cand.Confidence < e.cfg.MinConfidence {
			// Low-confidence candidates are preserved as fragments so a
			// later reinterpret with a better backend can recover them.
			for field, value := range cand.Fields {
				if _, err := e.fragments.Add(&observation.Fragment{
					TenantID:       run.TenantID,
					SourceID:       src.ID,
					RunID:          run.ID,
					EntityTypeHint: cand.EntityType,
					Field:          field,
					Payload:        value,
				}); err != nil {
					return nil, err
				}
				unknownFields++
			}
			continue
		}

		entityID, err := e.resolver.Resolve(run.TenantID, cand.EntityType, cand.Fields)
		if err != nil {
			return nil, err
		}

		// Fragments keep the backend's type hint verbatim even when the
		// registry fell back to the generic definition.
		def, _ := e.registry.Get(cand.EntityType)
		hint := cand.EntityType

		for field, value := range cand.Fields {
			normalized, verr := schema.Validate(def, field, value)
			if verr != nil {
				if _, err := e.fragments.Add(&observation.Fragment{
					TenantID:       run.TenantID,
					SourceID:       src.ID,
					RunID:          run.ID,
					EntityTypeHint: hint,
					Field:          field,
					Payload:        value,
				}); err != nil {
					return nil, err
				}
				unknownFields++
				continue
			}

			if _, err := e.obs.Append(&observation.Observation{
				EntityID: entityID,
				TenantID: run.TenantID,
				Field:    field,
				Value:    normalized,
				Priority: observation.PriorityExtraction,
				SourceID: src.ID,
				RunID:    run.ID,
			}); err != nil {
				return nil, err
			}
			validFields++
		}

		if !touched[entityID] {
			touched[entityID] = true
			entityIDs = append(entityIDs, entityID)
		}
		if err := e.runs.Heartbeat(run.ID); err != nil {
			return nil, err
		}
	}

	// Observations for this run are all written before the run completes.
	for _, entityID := range entityIDs {
		if _, err := e.snapshots.Recompute(run.TenantID, entityID); err != nil {
			return nil, err
		}
	}

	confidence := 0.0
	if len(candidates) > 0 {
		confidence = totalConfidence / float64(len(candidates))
	}
	completeness := grade(len(candidates), validFields, unknownFields)

	if err := e.runs.Complete(run.ID, unknownFields, confidence, completeness); err != nil {
		return nil, err
	}

	e.logger.Infow("Interpretation run completed",
		"run_id", run.ID,
		"tenant", run.TenantID,
		"source_id", src.ID,
		"entities", len(entityIDs),
		"valid_fields", validFields,
		"unknown_fields", unknownFields,
		"completeness", completeness,
	)

	return &Result{
		RunID:             run.ID,
		EntityIDs:         entityIDs,
		UnknownFieldCount: unknownFields,
		Completeness:      string(completeness),
		Confidence:        confidence,
	}, nil
}

// grade derives the completeness tier from what extraction returned and
// how much of it validated.
func grade(candidates, validFields, unknownFields int) Completeness {
	switch {
	case candidates == 0:
		return CompletenessFailed
	case validFields > 0 && unknownFields == 0:
		return CompletenessComplete
	case validFields > 0:
		return CompletenessPartial
	default:
		return CompletenessUnknown
	}
}
