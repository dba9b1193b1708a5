package interpret

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/veritaslabs/strata/config"
	"github.com/veritaslabs/strata/content"
	"github.com/veritaslabs/strata/entity"
	"github.com/veritaslabs/strata/errors"
	"github.com/veritaslabs/strata/internal/testutil"
	"github.com/veritaslabs/strata/observation"
	"github.com/veritaslabs/strata/quota"
	"github.com/veritaslabs/strata/schema"
	"github.com/veritaslabs/strata/snapshot"
)

type fixture struct {
	conn         *sql.DB
	sources      *content.Store
	runs         *Store
	entities     *entity.Store
	observations *observation.Store
	fragments    *observation.FragmentStore
	snapshots    *snapshot.Store
}

func newFixture(t *testing.T, backend Extractor, monthlyRuns int) (*Engine, *fixture) {
	t.Helper()
	conn := testutil.CreateTestDB(t)
	log := zap.NewNop().Sugar()

	tiers := map[string]config.TierLimits{
		"free": {StorageBytes: 1 << 20, MonthlyRuns: monthlyRuns},
	}
	guard := quota.NewGuard(conn, tiers, log)
	sources := content.NewStore(conn, content.NewFSBlobStore(t.TempDir()), guard, log)
	registry := schema.NewRegistry()
	entities := entity.NewStore(conn, log)
	resolver := entity.NewResolver(entities, registry, log)
	observations := observation.NewStore(conn, log)
	fragments := observation.NewFragmentStore(conn, log)
	snapshots := snapshot.NewStore(conn, entities, observations, registry, log)
	runs := NewStore(conn, log)

	engine := NewEngine(runs, sources, resolver, observations, fragments, snapshots,
		registry, guard, backend,
		EngineConfig{BackendCallsPerMinute: 600, MinConfidence: 0.5}, log)

	return engine, &fixture{
		conn:         conn,
		sources:      sources,
		runs:         runs,
		entities:     entities,
		observations: observations,
		fragments:    fragments,
		snapshots:    snapshots,
	}
}

func (f *fixture) put(t *testing.T, tenant string, data []byte) string {
	t.Helper()
	res, err := f.sources.Put(tenant, data, "application/json", nil)
	require.NoError(t, err)
	return res.SourceID
}

func candidates(cands ...Candidate) Extractor {
	return ExtractorFunc(func(context.Context, []byte, string, json.RawMessage) ([]Candidate, error) {
		return cands, nil
	})
}

func TestInterpretSchemaGate(t *testing.T) {
	// One candidate with two valid transaction fields and one field the
	// schema does not know.
	backend := candidates(Candidate{
		EntityType: "transaction",
		Confidence: 0.9,
		Fields: map[string]any{
			"date":        "2026-01-15",
			"amount":      12.5,
			"description": "Coffee Shop",
			"notes":       "barista was friendly",
		},
	})
	engine, f := newFixture(t, backend, 100)
	sourceID := f.put(t, "t1", []byte(`{"raw":"receipt"}`))

	res, err := engine.Interpret(context.Background(), "t1", sourceID, nil)
	require.NoError(t, err)
	require.Len(t, res.EntityIDs, 1)
	assert.Equal(t, 1, res.UnknownFieldCount)
	assert.Equal(t, string(CompletenessPartial), res.Completeness)
	assert.InDelta(t, 0.9, res.Confidence, 1e-9)

	// Valid fields became observations on the resolved entity.
	obs, err := f.observations.ListForEntity("t1", res.EntityIDs[0])
	require.NoError(t, err)
	assert.Len(t, obs, 3)
	for _, o := range obs {
		assert.Equal(t, observation.PriorityExtraction, o.Priority)
		assert.Equal(t, res.RunID, o.RunID)
		assert.Equal(t, sourceID, o.SourceID)
	}

	// The invalid field landed in the fragment store, not on the entity.
	frags, err := f.fragments.ListForSource("t1", sourceID)
	require.NoError(t, err)
	require.Len(t, frags, 1)
	assert.Equal(t, "notes", frags[0].Field)
	assert.Equal(t, "barista was friendly", frags[0].Payload)
	assert.Equal(t, "transaction", frags[0].EntityTypeHint)

	// The run records the count; its snapshot is materialized.
	run, err := f.runs.Get("t1", res.RunID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, run.Status)
	assert.Equal(t, 1, run.UnknownFieldCount)
	assert.Equal(t, CompletenessPartial, run.Completeness)

	snap, err := f.snapshots.Get("t1", res.EntityIDs[0])
	require.NoError(t, err)
	assert.Equal(t, float64(12.5), snap.Fields["amount"])
	assert.Equal(t, "2026-01-15T00:00:00Z", snap.Fields["date"])
}

func TestReinterpretOnlyAdds(t *testing.T) {
	backend := candidates(Candidate{
		EntityType: "person",
		Confidence: 0.8,
		Fields:     map[string]any{"name": "Ada Lovelace", "email": "ada@example.com"},
	})
	engine, f := newFixture(t, backend, 100)
	sourceID := f.put(t, "t1", []byte("raw document"))

	first, err := engine.Interpret(context.Background(), "t1", sourceID, nil)
	require.NoError(t, err)
	second, err := engine.Reinterpret(context.Background(), "t1", sourceID, nil)
	require.NoError(t, err)

	assert.NotEqual(t, first.RunID, second.RunID)
	assert.Equal(t, first.RunID, second.PreviousRunID)
	// Same match key, same entity.
	assert.Equal(t, first.EntityIDs, second.EntityIDs)

	// Both runs exist; neither overwrites the other.
	runs, err := f.runs.ListForSource("t1", sourceID)
	require.NoError(t, err)
	assert.Len(t, runs, 2)

	// The observation set only grew.
	obs, err := f.observations.ListForEntity("t1", first.EntityIDs[0])
	require.NoError(t, err)
	assert.Len(t, obs, 4)
}

func TestInterpretConcurrentRunConflict(t *testing.T) {
	engine, f := newFixture(t, candidates(), 100)
	sourceID := f.put(t, "t1", []byte("contended"))

	// Another run holds the per-source lock.
	_, err := f.runs.CreateRunning("t1", sourceID, nil)
	require.NoError(t, err)

	_, err = engine.Interpret(context.Background(), "t1", sourceID, nil)
	require.Error(t, err)
	assert.True(t, errors.IsConflict(err))
}

func TestInterpretConflictKeepsRunCredit(t *testing.T) {
	backend := candidates(Candidate{
		EntityType: "person",
		Confidence: 0.9,
		Fields:     map[string]any{"name": "Ada"},
	})
	engine, f := newFixture(t, backend, 1)
	sourceID := f.put(t, "t1", []byte("contended"))

	blocking, err := f.runs.CreateRunning("t1", sourceID, nil)
	require.NoError(t, err)

	_, err = engine.Interpret(context.Background(), "t1", sourceID, nil)
	require.Error(t, err)
	assert.True(t, errors.IsConflict(err))

	// The rejected call did not burn the single run credit: with the lock
	// released, the one allowed run still goes through.
	require.NoError(t, f.runs.Fail(blocking.ID, "released", CompletenessFailed))
	_, err = engine.Interpret(context.Background(), "t1", sourceID, nil)
	assert.NoError(t, err)
}

func TestInterpretSourceNotReady(t *testing.T) {
	engine, f := newFixture(t, candidates(), 100)
	sourceID := f.put(t, "t1", []byte("pending payload"))

	_, err := f.conn.Exec(`UPDATE sources SET storage_status = 'pending' WHERE id = ?`, sourceID)
	require.NoError(t, err)

	_, err = engine.Interpret(context.Background(), "t1", sourceID, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrNotReady))
}

func TestInterpretQuota(t *testing.T) {
	backend := candidates(Candidate{
		EntityType: "person",
		Confidence: 0.9,
		Fields:     map[string]any{"name": "Ada"},
	})
	engine, f := newFixture(t, backend, 1)
	sourceID := f.put(t, "t1", []byte("single run allowed"))

	_, err := engine.Interpret(context.Background(), "t1", sourceID, nil)
	require.NoError(t, err)

	_, err = engine.Reinterpret(context.Background(), "t1", sourceID, nil)
	require.Error(t, err)
	assert.True(t, errors.IsQuotaExceeded(err))

	// The over-quota attempt is recorded as a failed run, not left holding
	// the per-source lock.
	runs, err := f.runs.ListForSource("t1", sourceID)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, StatusFailed, runs[1].Status)
	_, err = f.runs.CreateRunning("t1", sourceID, nil)
	assert.NoError(t, err)
}

func TestInterpretBackendFailure(t *testing.T) {
	backend := ExtractorFunc(func(context.Context, []byte, string, json.RawMessage) ([]Candidate, error) {
		return nil, errors.New("model endpoint returned 503")
	})
	engine, f := newFixture(t, backend, 100)
	sourceID := f.put(t, "t1", []byte("doomed"))

	_, err := engine.Interpret(context.Background(), "t1", sourceID, nil)
	require.Error(t, err)

	// The run is failed with the retained message, and the source is free
	// for another attempt.
	runs, err := f.runs.ListForSource("t1", sourceID)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, StatusFailed, runs[0].Status)
	assert.Contains(t, runs[0].Error, "model endpoint returned 503")
	assert.Equal(t, CompletenessFailed, runs[0].Completeness)

	_, err = f.runs.CreateRunning("t1", sourceID, nil)
	assert.NoError(t, err)
}

func TestInterpretLowConfidenceGoesToFragments(t *testing.T) {
	backend := candidates(Candidate{
		EntityType: "person",
		Confidence: 0.2,
		Fields:     map[string]any{"name": "Maybe Someone"},
	})
	engine, f := newFixture(t, backend, 100)
	sourceID := f.put(t, "t1", []byte("noisy scan"))

	res, err := engine.Interpret(context.Background(), "t1", sourceID, nil)
	require.NoError(t, err)
	assert.Empty(t, res.EntityIDs)
	assert.Equal(t, 1, res.UnknownFieldCount)
	assert.Equal(t, string(CompletenessUnknown), res.Completeness)

	frags, err := f.fragments.ListForSource("t1", sourceID)
	require.NoError(t, err)
	require.Len(t, frags, 1)
	assert.Equal(t, "name", frags[0].Field)

	entities, err := f.entities.List("t1", 10)
	require.NoError(t, err)
	assert.Empty(t, entities)
}

func TestInterpretNoCandidates(t *testing.T) {
	engine, f := newFixture(t, candidates(), 100)
	sourceID := f.put(t, "t1", []byte("nothing extractable"))

	res, err := engine.Interpret(context.Background(), "t1", sourceID, nil)
	require.NoError(t, err)
	assert.Equal(t, string(CompletenessFailed), res.Completeness)
	assert.Zero(t, res.Confidence)
}

func TestSweepStale(t *testing.T) {
	_, f := newFixture(t, candidates(), 100)
	sourceID := f.put(t, "t1", []byte("will go stale"))

	run, err := f.runs.CreateRunning("t1", sourceID, nil)
	require.NoError(t, err)

	stale := time.Now().UTC().Add(-time.Hour)
	_, err = f.conn.Exec(`UPDATE interpretation_runs SET heartbeat_at = ? WHERE id = ?`, stale, run.ID)
	require.NoError(t, err)

	swept, err := f.runs.SweepStale(time.Now().UTC().Add(-10 * time.Minute))
	require.NoError(t, err)
	assert.Equal(t, []string{run.ID}, swept)

	got, err := f.runs.Get("t1", run.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Contains(t, got.Error, "no heartbeat")

	// A fresh run is not swept.
	fresh, err := f.runs.CreateRunning("t1", sourceID, nil)
	require.NoError(t, err)
	swept, err = f.runs.SweepStale(time.Now().UTC().Add(-10 * time.Minute))
	require.NoError(t, err)
	assert.Empty(t, swept)
	got, err = f.runs.Get("t1", fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, got.Status)
}

func TestArchive(t *testing.T) {
	_, f := newFixture(t, candidates(), 100)
	sourceID := f.put(t, "t1", []byte("old run"))

	run, err := f.runs.CreateRunning("t1", sourceID, nil)
	require.NoError(t, err)
	require.NoError(t, f.runs.Complete(run.ID, 0, 1.0, CompletenessComplete))

	old := time.Now().UTC().Add(-200 * 24 * time.Hour)
	_, err = f.conn.Exec(`UPDATE interpretation_runs SET created_at = ? WHERE id = ?`, old, run.ID)
	require.NoError(t, err)

	n, err := f.runs.Archive(time.Now().UTC().Add(-180 * 24 * time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, err := f.runs.Get("t1", run.ID)
	require.NoError(t, err)
	assert.NotNil(t, got.ArchivedAt)
	// Archived runs stay fully readable.
	assert.Equal(t, StatusCompleted, got.Status)

	// Idempotent.
	n, err = f.runs.Archive(time.Now().UTC().Add(-180 * 24 * time.Hour))
	require.NoError(t, err)
	assert.Zero(t, n)
}
