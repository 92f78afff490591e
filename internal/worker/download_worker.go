package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"
	"github.com/vidfetch/api/internal/model"
)

// DownloadWorker processes download tasks delivered by asynq
type DownloadWorker struct {
	runner *JobRunner
	log    *slog.Logger
}

// NewDownloadWorker creates a new download worker
func NewDownloadWorker(runner *JobRunner, log *slog.Logger) *DownloadWorker {
	if log == nil {
		log = slog.Default()
	}
	return &DownloadWorker{runner: runner, log: log}
}

// ProcessTask handles download task processing. Failed jobs are recorded
// in the store and never retried.
func (w *DownloadWorker) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var payload model.DownloadTaskPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("failed to unmarshal task payload: %v: %w", err, asynq.SkipRetry)
	}
	if payload.JobID == "" {
		return fmt.Errorf("task payload without job id: %w", asynq.SkipRetry)
	}

	w.log.Info("starting download job", "job_id", payload.JobID)

	if err := w.runner.Run(ctx, payload); err != nil {
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}
	return nil
}
