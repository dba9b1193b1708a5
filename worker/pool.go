// Package worker runs Strata's periodic background jobs: upload retry,
// stale-run sweeping, archival, duplicate-candidate detection, and
// snapshot repair. All coordination goes through the durable store, so
// jobs are safe to run from separate processes.
package worker

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Job is one periodic unit of background work.
type Job interface {
	Name() string
	Interval() time.Duration
	Run(ctx context.Context) error
}

// Pool schedules registered jobs on independent tickers sharing a parent
// context. Stop cancels the context and waits for in-flight runs.
type Pool struct {
	jobs   []Job
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger *zap.SugaredLogger
}

// NewPool creates a worker pool derived from the parent context.
func NewPool(parent context.Context, logger *zap.SugaredLogger) *Pool {
	ctx, cancel := context.WithCancel(parent)
	return &Pool{ctx: ctx, cancel: cancel, logger: logger}
}

// Register adds a job. Must be called before Start.
func (p *Pool) Register(job Job) {
	p.jobs = append(p.jobs, job)
}

// Start launches one goroutine per registered job.
func (p *Pool) Start() {
	for _, job := range p.jobs {
		p.wg.Add(1)
		go p.loop(job)
	}
	p.logger.Infow("Worker pool started", "jobs", len(p.jobs))
}

// Stop cancels all jobs and waits for them to finish their current run.
func (p *Pool) Stop() {
	p.cancel()
	p.wg.Wait()
	p.logger.Infow("Worker pool stopped")
}

func (p *Pool) loop(job Job) {
	defer p.wg.Done()

	p.logger.Debugw("Worker started",
		"job", job.Name(),
		"interval", job.Interval().String(),
	)

	ticker := time.NewTicker(job.Interval())
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			p.logger.Debugw("Worker stopping", "job", job.Name())
			return
		case <-ticker.C:
			if err := job.Run(p.ctx); err != nil {
				p.logger.Errorw("Worker run failed",
					"job", job.Name(),
					"error", err.Error(),
				)
			}
		}
	}
}
