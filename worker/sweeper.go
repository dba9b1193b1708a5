package worker

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/veritaslabs/strata/interpret"
)

// StaleRunSweeper force-fails running interpretation runs whose heartbeat
// went quiet. Abandoned runs (caller gone, backend hung) are cleaned up
// here rather than in any request lifetime.
type StaleRunSweeper struct {
	runs     *interpret.Store
	timeout  time.Duration
	interval time.Duration
	logger   *zap.SugaredLogger
}

// NewStaleRunSweeper creates the sweeper. timeout is the heartbeat window.
func NewStaleRunSweeper(runs *interpret.Store, timeout, interval time.Duration, logger *zap.SugaredLogger) *StaleRunSweeper {
	return &StaleRunSweeper{runs: runs, timeout: timeout, interval: interval, logger: logger}
}

func (j *StaleRunSweeper) Name() string            { return "stale-run-sweeper" }
func (j *StaleRunSweeper) Interval() time.Duration { return j.interval }

// Run fails every running run with a heartbeat older than the window.
func (j *StaleRunSweeper) Run(ctx context.Context) error {
	swept, err := j.runs.SweepStale(time.Now().Add(-j.timeout))
	if err != nil {
		return err
	}
	if len(swept) > 0 {
		j.logger.Warnw("Swept stale runs",
			"count", len(swept),
			"run_ids", swept,
			"timeout", j.timeout.String(),
		)
	}
	return nil
}

// Archiver flags old runs as archived after the retention window.
// Archival only excludes runs from active listings; nothing is deleted.
type Archiver struct {
	runs      *interpret.Store
	retention time.Duration
	interval  time.Duration
	logger    *zap.SugaredLogger
}

// NewArchiver creates the archival job.
func NewArchiver(runs *interpret.Store, retention, interval time.Duration, logger *zap.SugaredLogger) *Archiver {
	return &Archiver{runs: runs, retention: retention, interval: interval, logger: logger}
}

func (j *Archiver) Name() string            { return "run-archiver" }
func (j *Archiver) Interval() time.Duration { return j.interval }

// Run archives finished runs created before the retention cutoff.
func (j *Archiver) Run(ctx context.Context) error {
	n, err := j.runs.Archive(time.Now().Add(-j.retention))
	if err != nil {
		return err
	}
	if n > 0 {
		j.logger.Infow("Archived runs", "count", n, "retention", j.retention.String())
	}
	return nil
}
