package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/vidfetch/api/internal/client"
	"github.com/vidfetch/api/internal/extractor"
	"github.com/vidfetch/api/internal/model"
	"github.com/vidfetch/api/internal/store"
)

// ErrAlreadyRunning is returned when a job is started twice.
var ErrAlreadyRunning = errors.New("job already running")

const canceledMessage = "download canceled"

// RunnerConfig configures a JobRunner
type RunnerConfig struct {
	DownloadDir      string
	FallbackFormat   string
	StorageKeyPrefix string
}

// Task is the handle of one job running in the background
type Task struct {
	id     string
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

// ID returns the job id
func (t *Task) ID() string { return t.id }

// Done is closed once the job reached a terminal state
func (t *Task) Done() <-chan struct{} { return t.done }

// Cancel aborts the download; the job ends up failed
func (t *Task) Cancel() { t.cancel() }

// Err returns the job error. Only valid after Done is closed.
func (t *Task) Err() error { return t.err }

// JobRunner drives download jobs from submission to a terminal state
type JobRunner struct {
	store     *store.JobStore
	extractor extractor.Extractor
	storage   client.StorageClient
	cfg       RunnerConfig
	log       *slog.Logger

	baseCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup

	mu      sync.Mutex
	running map[string]context.CancelFunc
}

// NewJobRunner creates a runner. storage may be nil.
func NewJobRunner(jobs *store.JobStore, ext extractor.Extractor, storage client.StorageClient, cfg RunnerConfig, log *slog.Logger) *JobRunner {
	if cfg.FallbackFormat == "" {
		cfg.FallbackFormat = extractor.DefaultFallbackFormat
	}
	if log == nil {
		log = slog.Default()
	}
	ctx, stop := context.WithCancel(context.Background())
	return &JobRunner{
		store:     jobs,
		extractor: ext,
		storage:   storage,
		cfg:       cfg,
		log:       log,
		baseCtx:   ctx,
		stop:      stop,
		running:   make(map[string]context.CancelFunc),
	}
}

// OutputPath returns the destination file of a job
func (r *JobRunner) OutputPath(jobID string) string {
	return filepath.Join(r.cfg.DownloadDir, jobID+".mp4")
}

// Start runs the job on its own goroutine and returns its handle
func (r *JobRunner) Start(p model.DownloadTaskPayload) (*Task, error) {
	ctx, cancel := context.WithCancel(r.baseCtx)
	if err := r.register(p.JobID, cancel); err != nil {
		cancel()
		return nil, err
	}

	task := &Task{id: p.JobID, cancel: cancel, done: make(chan struct{})}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer close(task.done)
		defer r.unregister(p.JobID)
		defer cancel()
		task.err = r.execute(ctx, p)
	}()
	return task, nil
}

// Run executes the job on the calling goroutine
func (r *JobRunner) Run(ctx context.Context, p model.DownloadTaskPayload) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if err := r.register(p.JobID, cancel); err != nil {
		return err
	}
	defer r.unregister(p.JobID)
	return r.execute(ctx, p)
}

// Cancel aborts a running job. It reports false if the job is not running.
func (r *JobRunner) Cancel(jobID string) bool {
	r.mu.Lock()
	cancel, ok := r.running[jobID]
	r.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// Shutdown cancels every job started with Start and waits for them
func (r *JobRunner) Shutdown(ctx context.Context) error {
	r.stop()
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *JobRunner) register(jobID string, cancel context.CancelFunc) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.running[jobID]; ok {
		return fmt.Errorf("%s: %w", jobID, ErrAlreadyRunning)
	}
	r.running[jobID] = cancel
	return nil
}

func (r *JobRunner) unregister(jobID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.running, jobID)
}

func (r *JobRunner) execute(ctx context.Context, p model.DownloadTaskPayload) error {
	log := r.log.With("job_id", p.JobID)

	job, err := r.store.Get(p.JobID)
	if err != nil {
		return err
	}
	if job.State.IsTerminal() {
		log.Info("job already finished, skipping", "state", job.State)
		return nil
	}

	log.Debug("download task started", "url", p.VideoURL, "resolution", p.Resolution)

	available, err := r.extractor.ProbeFormats(ctx, p.VideoURL)
	if err != nil {
		log.Warn("error getting available formats", "error", err)
		available = nil
	}
	if ctx.Err() != nil {
		return r.fail(ctx, p.JobID, ctx.Err(), log)
	}

	format, fellBack := extractor.ResolveFormat(p.Resolution, available, r.cfg.FallbackFormat)
	if fellBack {
		log.Warn("requested format not available, selecting fallback",
			"requested", p.Resolution, "format", format)
	}
	if err := r.store.SetResolvedFormat(p.JobID, format); err != nil {
		return err
	}

	dest := r.OutputPath(p.JobID)
	log.Debug("starting download", "format", format, "destination", dest)

	res, err := r.extractor.Download(ctx, extractor.DownloadRequest{
		URL:         p.VideoURL,
		Format:      format,
		Destination: dest,
	}, r.progressHook(p.JobID, log))
	if err != nil {
		return r.fail(ctx, p.JobID, err, log)
	}

	var title string
	output := dest
	if res != nil {
		title = res.Title
		if res.Filename != "" {
			output = res.Filename
		}
	}

	if r.storage != nil {
		r.mirror(ctx, p.JobID, output, log)
	}

	if err := r.store.Complete(p.JobID, title, output); err != nil {
		return err
	}

	log.Info("download completed", "title", title, "output", output)
	return nil
}

// progressHook maps extractor reports onto store updates
func (r *JobRunner) progressHook(jobID string, log *slog.Logger) extractor.ProgressFunc {
	return func(p extractor.Progress) {
		var err error
		switch p.Status {
		case extractor.StatusDownloading:
			err = r.store.Update(jobID, p.Percent(), p.DownloadedMB())
			log.Debug("progress", "percent", p.Percent(), "downloaded_mb", fmt.Sprintf("%.2f", p.DownloadedMB()))
		case extractor.StatusFinished:
			err = r.store.Finish(jobID)
			log.Debug("download finished")
		}
		if err != nil && !errors.Is(err, store.ErrJobFinished) {
			log.Warn("failed to record progress", "error", err)
		}
	}
}

func (r *JobRunner) fail(ctx context.Context, jobID string, cause error, log *slog.Logger) error {
	msg := cause.Error()
	if errors.Is(ctx.Err(), context.Canceled) {
		msg = canceledMessage
	}

	log.Error("error during download", "error", cause)
	if err := r.store.Fail(jobID, msg); err != nil && !errors.Is(err, store.ErrJobFinished) {
		log.Error("failed to mark job as failed", "error", err)
	}
	return fmt.Errorf("download %s: %w", jobID, cause)
}

// mirror uploads the finished file to object storage. Failures are logged
// and do not fail the job.
func (r *JobRunner) mirror(ctx context.Context, jobID, path string, log *slog.Logger) {
	f, err := os.Open(path)
	if err != nil {
		log.Error("failed to open download for upload", "path", path, "error", err)
		return
	}
	defer f.Close()

	key := r.cfg.StorageKeyPrefix + filepath.Base(path)
	url, err := r.storage.Upload(ctx, key, f, "video/mp4")
	if err != nil {
		log.Error("failed to upload download", "key", key, "error", err)
		return
	}

	if err := r.store.SetStorageURL(jobID, url); err != nil {
		log.Error("failed to record storage url", "error", err)
		return
	}
	log.Info("download mirrored", "key", key)
}
