package worker

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/veritaslabs/strata/content"
)

// uploadBatchSize caps how many staged payloads one sweep attempts.
const uploadBatchSize = 50

// UploadRetry drives the content store's staged-payload queue.
type UploadRetry struct {
	sources  *content.Store
	interval time.Duration
	logger   *zap.SugaredLogger
}

// NewUploadRetry creates the upload retry job.
func NewUploadRetry(sources *content.Store, interval time.Duration, logger *zap.SugaredLogger) *UploadRetry {
	return &UploadRetry{sources: sources, interval: interval, logger: logger}
}

func (j *UploadRetry) Name() string            { return "upload-retry" }
func (j *UploadRetry) Interval() time.Duration { return j.interval }

// Run attempts every due staged upload once.
func (j *UploadRetry) Run(ctx context.Context) error {
	entries, err := j.sources.DueUploads(time.Now(), uploadBatchSize)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := j.sources.RetryUpload(entry); err != nil {
			j.logger.Errorw("Upload retry errored",
				"source_id", entry.SourceID,
				"error", err.Error(),
			)
		}
	}
	return nil
}
