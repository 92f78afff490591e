package worker

import (
	"context"

	"github.com/vidfetch/api/internal/model"
)

// LocalDispatcher runs each job on its own goroutine inside this process
type LocalDispatcher struct {
	runner *JobRunner
}

// NewLocalDispatcher creates a dispatcher backed by runner
func NewLocalDispatcher(runner *JobRunner) *LocalDispatcher {
	return &LocalDispatcher{runner: runner}
}

// Dispatch starts the job and returns without waiting for it
func (d *LocalDispatcher) Dispatch(_ context.Context, p model.DownloadTaskPayload) error {
	_, err := d.runner.Start(p)
	return err
}
