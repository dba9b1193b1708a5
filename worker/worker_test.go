package worker

import (
	"context"
	"database/sql"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/veritaslabs/strata/config"
	"github.com/veritaslabs/strata/content"
	"github.com/veritaslabs/strata/entity"
	"github.com/veritaslabs/strata/errors"
	"github.com/veritaslabs/strata/internal/ident"
	"github.com/veritaslabs/strata/internal/testutil"
	"github.com/veritaslabs/strata/interpret"
	"github.com/veritaslabs/strata/observation"
	"github.com/veritaslabs/strata/quota"
	"github.com/veritaslabs/strata/schema"
	"github.com/veritaslabs/strata/snapshot"
)

// brokenBlobStore always fails writes with a transient error.
type brokenBlobStore struct{}

func (brokenBlobStore) Write(string, []byte) error { return errors.Wrap(errors.ErrTransientIO, "disk full") }
func (brokenBlobStore) Read(string) ([]byte, error) {
	return nil, errors.Wrap(errors.ErrTransientIO, "disk full")
}

func newContentStore(t *testing.T, conn *sql.DB, blobs content.BlobStore) *content.Store {
	t.Helper()
	log := zap.NewNop().Sugar()
	tiers := map[string]config.TierLimits{"free": {StorageBytes: 1 << 20, MonthlyRuns: 100}}
	return content.NewStore(conn, blobs, quota.NewGuard(conn, tiers, log), log)
}

func TestUploadRetryJob(t *testing.T) {
	conn := testutil.CreateTestDB(t)
	log := zap.NewNop().Sugar()
	store := newContentStore(t, conn, brokenBlobStore{})

	res, err := store.Put("t1", []byte("staged payload"), "text/plain", nil)
	require.NoError(t, err)

	// Pull the retry forward so the job sees it.
	_, err = conn.Exec(`UPDATE upload_queue SET next_retry_at = ? WHERE source_id = ?`,
		time.Now().UTC().Add(-time.Minute), res.SourceID)
	require.NoError(t, err)

	job := NewUploadRetry(store, time.Minute, log)
	assert.Equal(t, "upload-retry", job.Name())
	require.NoError(t, job.Run(context.Background()))

	// Still failing: rescheduled with one more attempt on the clock.
	var retryCount int
	require.NoError(t, conn.QueryRow(`SELECT retry_count FROM upload_queue WHERE source_id = ?`, res.SourceID).
		Scan(&retryCount))
	assert.Equal(t, 1, retryCount)

	src, err := store.Get("t1", res.SourceID)
	require.NoError(t, err)
	assert.Equal(t, content.StatusPending, src.StorageStatus)
}

func TestStaleRunSweeperJob(t *testing.T) {
	conn := testutil.CreateTestDB(t)
	log := zap.NewNop().Sugar()
	runs := interpret.NewStore(conn, log)
	store := newContentStore(t, conn, content.NewFSBlobStore(t.TempDir()))

	put, err := store.Put("t1", []byte("doc"), "text/plain", nil)
	require.NoError(t, err)
	run, err := runs.CreateRunning("t1", put.SourceID, nil)
	require.NoError(t, err)

	_, err = conn.Exec(`UPDATE interpretation_runs SET heartbeat_at = ? WHERE id = ?`,
		time.Now().UTC().Add(-time.Hour), run.ID)
	require.NoError(t, err)

	job := NewStaleRunSweeper(runs, 10*time.Minute, time.Minute, log)
	require.NoError(t, job.Run(context.Background()))

	got, err := runs.Get("t1", run.ID)
	require.NoError(t, err)
	assert.Equal(t, interpret.StatusFailed, got.Status)

	// The source is free for a fresh run again.
	_, err = runs.CreateRunning("t1", put.SourceID, nil)
	assert.NoError(t, err)
}

func TestArchiverJob(t *testing.T) {
	conn := testutil.CreateTestDB(t)
	log := zap.NewNop().Sugar()
	runs := interpret.NewStore(conn, log)
	store := newContentStore(t, conn, content.NewFSBlobStore(t.TempDir()))

	put, err := store.Put("t1", []byte("doc"), "text/plain", nil)
	require.NoError(t, err)
	run, err := runs.CreateRunning("t1", put.SourceID, nil)
	require.NoError(t, err)
	require.NoError(t, runs.Complete(run.ID, 0, 1.0, interpret.CompletenessComplete))

	_, err = conn.Exec(`UPDATE interpretation_runs SET created_at = ? WHERE id = ?`,
		time.Now().UTC().Add(-200*24*time.Hour), run.ID)
	require.NoError(t, err)

	job := NewArchiver(runs, 180*24*time.Hour, time.Hour, log)
	require.NoError(t, job.Run(context.Background()))

	got, err := runs.Get("t1", run.ID)
	require.NoError(t, err)
	assert.NotNil(t, got.ArchivedAt)
}

func TestDuplicateDetectorJob(t *testing.T) {
	conn := testutil.CreateTestDB(t)
	log := zap.NewNop().Sugar()
	entities := entity.NewStore(conn, log)

	names := []string{"Acme Inc", "Acme Inc.", "Wholly Different Co"}
	for _, name := range names {
		require.NoError(t, entities.Create(&entity.Entity{
			ID:            ident.New(ident.Entity),
			TenantID:      "t1",
			Type:          "company",
			CanonicalName: name,
			CreatedAt:     time.Now().UTC(),
		}))
	}

	job := NewDuplicateDetector(conn, entities, []string{"company"}, time.Hour, log)
	require.NoError(t, job.Run(context.Background()))

	var entityCount, pairs int
	var ratio float64
	require.NoError(t, conn.QueryRow(`
		SELECT entity_count, candidate_pairs, ratio FROM duplicate_metrics
		WHERE tenant_id = 't1' AND entity_type = 'company'`).
		Scan(&entityCount, &pairs, &ratio))
	assert.Equal(t, 3, entityCount)
	// "acme inc" vs "acme inc" after normalization: distance 0.
	assert.Equal(t, 1, pairs)
	assert.InDelta(t, 1.0/3.0, ratio, 1e-9)
}

func TestSnapshotRepairJob(t *testing.T) {
	conn := testutil.CreateTestDB(t)
	log := zap.NewNop().Sugar()
	entities := entity.NewStore(conn, log)
	observations := observation.NewStore(conn, log)
	snapshots := snapshot.NewStore(conn, entities, observations, schema.NewRegistry(), log)

	e := &entity.Entity{
		ID:            ident.New(ident.Entity),
		TenantID:      "t1",
		Type:          "person",
		CanonicalName: "Ada",
		CreatedAt:     time.Now().UTC(),
	}
	require.NoError(t, entities.Create(e))
	_, err := observations.Append(&observation.Observation{
		EntityID: e.ID,
		TenantID: "t1",
		Field:    "name",
		Value:    "Ada",
		Priority: observation.PriorityExtraction,
	})
	require.NoError(t, err)

	_, err = conn.Exec(`
		INSERT INTO snapshot_repairs (entity_id, tenant_id, attempts, last_error, created_at)
		VALUES (?, 't1', 0, 'recompute failed', ?)`, e.ID, time.Now().UTC())
	require.NoError(t, err)

	job := NewSnapshotRepair(conn, snapshots, time.Minute, log)
	require.NoError(t, job.Run(context.Background()))

	// Repaired and dequeued.
	snap, err := snapshots.Get("t1", e.ID)
	require.NoError(t, err)
	assert.Equal(t, "Ada", snap.Fields["name"])

	var queued int
	require.NoError(t, conn.QueryRow(`SELECT COUNT(*) FROM snapshot_repairs`).Scan(&queued))
	assert.Zero(t, queued)
}

// tickJob counts executions for pool lifecycle tests.
type tickJob struct {
	runs atomic.Int64
}

func (j *tickJob) Name() string            { return "tick" }
func (j *tickJob) Interval() time.Duration { return 10 * time.Millisecond }
func (j *tickJob) Run(ctx context.Context) error {
	j.runs.Add(1)
	return nil
}

func TestPoolLifecycle(t *testing.T) {
	pool := NewPool(context.Background(), zap.NewNop().Sugar())
	job := &tickJob{}
	pool.Register(job)

	pool.Start()
	assert.Eventually(t, func() bool { return job.runs.Load() >= 2 }, 2*time.Second, 5*time.Millisecond)
	pool.Stop()

	after := job.runs.Load()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, after, job.runs.Load(), "no runs after Stop")
}
