package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/vidfetch/api/internal/model"
	"github.com/vidfetch/api/internal/store"
)

// Task types
const (
	TaskTypeDownload = "download:process"
)

// QueueDownloads is the asynq queue download tasks are enqueued into
const QueueDownloads = "downloads"

const canceledMessage = "download canceled"

// ErrDispatch is returned by Submit when the job could not be handed off
var ErrDispatch = errors.New("dispatch failed")

// Dispatcher hands an accepted job to whatever executes it
type Dispatcher interface {
	Dispatch(ctx context.Context, p model.DownloadTaskPayload) error
}

// Canceler aborts a running job. It reports false if the job is not running here.
type Canceler interface {
	Cancel(jobID string) bool
}

// DownloadService handles download job operations
type DownloadService struct {
	jobs       *store.JobStore
	dispatcher Dispatcher
	canceler   Canceler
	log        *slog.Logger
	newID      func() string
}

func NewDownloadService(jobs *store.JobStore, dispatcher Dispatcher, canceler Canceler, log *slog.Logger) *DownloadService {
	if log == nil {
		log = slog.Default()
	}
	return &DownloadService{
		jobs:       jobs,
		dispatcher: dispatcher,
		canceler:   canceler,
		log:        log,
		newID:      func() string { return uuid.New().String() },
	}
}

// Submit registers a new job and dispatches it without waiting for the download
func (s *DownloadService) Submit(ctx context.Context, req *model.DownloadRequest) (*model.DownloadResponse, error) {
	jobID := s.newID()

	job, err := s.jobs.Create(jobID, req.VideoURL, req.Resolution)
	if err != nil {
		return nil, fmt.Errorf("failed to create job: %w", err)
	}

	payload := model.DownloadTaskPayload{
		JobID:      jobID,
		VideoURL:   req.VideoURL,
		Resolution: req.Resolution,
	}
	if err := s.dispatcher.Dispatch(ctx, payload); err != nil {
		s.log.Error("failed to dispatch job", "job_id", jobID, "error", err)
		if ferr := s.jobs.Fail(jobID, err.Error()); ferr != nil {
			s.log.Error("failed to mark job as failed", "job_id", jobID, "error", ferr)
		}
		return nil, fmt.Errorf("%w: %v", ErrDispatch, err)
	}

	s.log.Info("download job accepted", "job_id", jobID, "url", req.VideoURL, "resolution", req.Resolution)

	return &model.DownloadResponse{
		VideoID:   jobID,
		VideoName: job.Label,
	}, nil
}

// Snapshot returns the current state of a job
func (s *DownloadService) Snapshot(jobID string) (*model.JobResponse, error) {
	job, err := s.jobs.Get(jobID)
	if err != nil {
		return nil, err
	}
	resp := model.NewJobResponse(job)
	return &resp, nil
}

// Job returns the raw job snapshot
func (s *DownloadService) Job(jobID string) (model.Job, error) {
	return s.jobs.Get(jobID)
}

// History returns the label of every job known to the process
func (s *DownloadService) History() *model.HistoryResponse {
	return &model.HistoryResponse{History: s.jobs.ListHistory()}
}

// Watch subscribes to changes of a job. See store.JobStore.Watch.
func (s *DownloadService) Watch(jobID string) (model.Job, <-chan model.Job, func(), error) {
	ch, cancel, err := s.jobs.Watch(jobID)
	if err != nil {
		return model.Job{}, nil, nil, err
	}
	// read after subscribing so no change is missed in between
	job, err := s.jobs.Get(jobID)
	if err != nil {
		cancel()
		return model.Job{}, nil, nil, err
	}
	return job, ch, cancel, nil
}

// Cancel aborts a job. A job that is not running in this process (still
// queued, or owned by another worker) is failed directly. A running job is
// failed by its runner once the download unwinds, so the reported state
// may still be pending or downloading.
func (s *DownloadService) Cancel(jobID string) (*model.CancelResponse, error) {
	job, err := s.jobs.Get(jobID)
	if err != nil {
		return nil, err
	}
	if job.State.IsTerminal() {
		return nil, fmt.Errorf("cancel %s (%s): %w", jobID, job.State, store.ErrJobFinished)
	}

	if s.canceler == nil || !s.canceler.Cancel(jobID) {
		if err := s.jobs.Fail(jobID, canceledMessage); err != nil {
			return nil, err
		}
	}

	job, err = s.jobs.Get(jobID)
	if err != nil {
		return nil, err
	}

	s.log.Info("download job canceled", "job_id", jobID, "state", job.State)

	return &model.CancelResponse{
		Success: true,
		VideoID: jobID,
		State:   job.State,
	}, nil
}

// QueueDispatcher enqueues jobs for asynq workers
type QueueDispatcher struct {
	client *asynq.Client
}

func NewQueueDispatcher(client *asynq.Client) *QueueDispatcher {
	return &QueueDispatcher{client: client}
}

// Dispatch enqueues the job. Failed downloads are recorded, never retried.
func (d *QueueDispatcher) Dispatch(ctx context.Context, p model.DownloadTaskPayload) error {
	task, err := newDownloadTask(p)
	if err != nil {
		return fmt.Errorf("failed to create task: %w", err)
	}

	_, err = d.client.EnqueueContext(ctx, task,
		asynq.Queue(QueueDownloads),
		asynq.TaskID(p.JobID),
		asynq.MaxRetry(0),
		asynq.Retention(24*time.Hour),
	)
	if err != nil {
		if errors.Is(err, asynq.ErrTaskIDConflict) {
			return fmt.Errorf("job %s already enqueued: %w", p.JobID, err)
		}
		return fmt.Errorf("failed to enqueue task: %w", err)
	}
	return nil
}

func newDownloadTask(p model.DownloadTaskPayload) (*asynq.Task, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTypeDownload, data), nil
}
