package worker

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/vidfetch/api/internal/extractor"
	"github.com/vidfetch/api/internal/extractor/mocks"
	"github.com/vidfetch/api/internal/model"
	"github.com/vidfetch/api/internal/store"
)

type fakeStorage struct {
	mu   sync.Mutex
	keys []string
	err  error
}

func (f *fakeStorage) Upload(_ context.Context, key string, body io.Reader, _ string) (string, error) {
	if _, err := io.Copy(io.Discard, body); err != nil {
		return "", err
	}
	if f.err != nil {
		return "", f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keys = append(f.keys, key)
	return "https://cdn.example.com/" + key, nil
}

func (f *fakeStorage) GetSignedURL(_ context.Context, key string, _ time.Duration) (string, error) {
	return "https://cdn.example.com/" + key + "?signed", nil
}

func newTestRunner(t *testing.T, ext extractor.Extractor) (*JobRunner, *store.JobStore) {
	t.Helper()
	jobs := store.NewJobStore()
	runner := NewJobRunner(jobs, ext, nil, RunnerConfig{
		DownloadDir:    t.TempDir(),
		FallbackFormat: extractor.DefaultFallbackFormat,
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = runner.Shutdown(ctx)
	})
	return runner, jobs
}

func createJob(t *testing.T, jobs *store.JobStore, id, url, res string) model.DownloadTaskPayload {
	t.Helper()
	_, err := jobs.Create(id, url, res)
	require.NoError(t, err)
	return model.DownloadTaskPayload{JobID: id, VideoURL: url, Resolution: res}
}

func waitDone(t *testing.T, task *Task) {
	t.Helper()
	select {
	case <-task.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("job %s did not finish", task.ID())
	}
}

func TestRun_RequestedFormatAvailable(t *testing.T) {
	ctrl := gomock.NewController(t)
	ext := mocks.NewMockExtractor(ctrl)
	runner, jobs := newTestRunner(t, ext)
	p := createJob(t, jobs, "job-1", "https://example.com/v", "720p")

	ext.EXPECT().ProbeFormats(gomock.Any(), "https://example.com/v").Return([]string{"720p", "360p"}, nil)
	ext.EXPECT().Download(gomock.Any(), gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, req extractor.DownloadRequest, onProgress extractor.ProgressFunc) (*extractor.Result, error) {
			assert.Equal(t, "720p", req.Format)
			assert.Equal(t, runner.OutputPath("job-1"), req.Destination)

			onProgress(extractor.Progress{Status: extractor.StatusDownloading, Fraction: 0.5, DownloadedBytes: 5 * 1024 * 1024})
			job, err := jobs.Get("job-1")
			require.NoError(t, err)
			assert.Equal(t, model.JobStateDownloading, job.State)
			assert.Equal(t, 50, job.Percent)
			assert.Equal(t, 5.0, job.SizeMB)

			onProgress(extractor.Progress{Status: extractor.StatusFinished})
			return &extractor.Result{Title: "My Video", Filename: req.Destination}, nil
		})

	require.NoError(t, runner.Run(context.Background(), p))

	job, err := jobs.Get("job-1")
	require.NoError(t, err)
	assert.Equal(t, model.JobStateComplete, job.State)
	assert.Equal(t, 100, job.Percent)
	assert.Equal(t, 5.0, job.SizeMB)
	assert.Equal(t, "720p", job.ResolvedFormat)
	assert.Equal(t, "My Video", jobs.ListHistory()["job-1"])
}

func TestRun_FallsBackWhenFormatMissing(t *testing.T) {
	ctrl := gomock.NewController(t)
	ext := mocks.NewMockExtractor(ctrl)
	runner, jobs := newTestRunner(t, ext)
	p := createJob(t, jobs, "job-1", "https://example.com/v", "144p")

	ext.EXPECT().ProbeFormats(gomock.Any(), gomock.Any()).Return([]string{"720p", "360p"}, nil)
	ext.EXPECT().Download(gomock.Any(), gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, req extractor.DownloadRequest, _ extractor.ProgressFunc) (*extractor.Result, error) {
			assert.Equal(t, "bestvideo+bestaudio", req.Format)
			return &extractor.Result{Title: "Fallback"}, nil
		})

	require.NoError(t, runner.Run(context.Background(), p))

	job, err := jobs.Get("job-1")
	require.NoError(t, err)
	assert.Equal(t, model.JobStateComplete, job.State)
	assert.Equal(t, "bestvideo+bestaudio", job.ResolvedFormat)
	assert.Equal(t, runner.OutputPath("job-1"), job.OutputPath)
}

func TestRun_ProbeErrorStillDownloads(t *testing.T) {
	ctrl := gomock.NewController(t)
	ext := mocks.NewMockExtractor(ctrl)
	runner, jobs := newTestRunner(t, ext)
	p := createJob(t, jobs, "job-1", "https://example.com/v", "720p")

	ext.EXPECT().ProbeFormats(gomock.Any(), gomock.Any()).Return(nil, errors.New("probe failed"))
	ext.EXPECT().Download(gomock.Any(), gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, req extractor.DownloadRequest, _ extractor.ProgressFunc) (*extractor.Result, error) {
			assert.Equal(t, "bestvideo+bestaudio", req.Format)
			return &extractor.Result{Title: "Still here"}, nil
		})

	require.NoError(t, runner.Run(context.Background(), p))

	assert.Equal(t, "Still here", jobs.ListHistory()["job-1"])
}

func TestRun_DownloadErrorFailsJob(t *testing.T) {
	ctrl := gomock.NewController(t)
	ext := mocks.NewMockExtractor(ctrl)
	runner, jobs := newTestRunner(t, ext)
	p := createJob(t, jobs, "job-1", "https://example.com/v", "720p")

	ext.EXPECT().ProbeFormats(gomock.Any(), gomock.Any()).Return([]string{"720p"}, nil)
	ext.EXPECT().Download(gomock.Any(), gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, _ extractor.DownloadRequest, onProgress extractor.ProgressFunc) (*extractor.Result, error) {
			onProgress(extractor.Progress{Status: extractor.StatusDownloading, Fraction: 0.3, DownloadedBytes: 1024 * 1024})
			return nil, errors.New("Unsupported URL")
		})

	err := runner.Run(context.Background(), p)
	require.Error(t, err)

	job, err := jobs.Get("job-1")
	require.NoError(t, err)
	assert.Equal(t, model.JobStateFailed, job.State)
	assert.Equal(t, 0, job.Percent)
	assert.Equal(t, 0.0, job.SizeMB)
	assert.Equal(t, "Error: Unsupported URL", jobs.ListHistory()["job-1"])
}

func TestRun_MissingTitleUsesPlaceholder(t *testing.T) {
	ctrl := gomock.NewController(t)
	ext := mocks.NewMockExtractor(ctrl)
	runner, jobs := newTestRunner(t, ext)
	p := createJob(t, jobs, "job-1", "https://example.com/v", "720p")

	ext.EXPECT().ProbeFormats(gomock.Any(), gomock.Any()).Return([]string{"720p"}, nil)
	ext.EXPECT().Download(gomock.Any(), gomock.Any(), gomock.Any()).Return(&extractor.Result{}, nil)

	require.NoError(t, runner.Run(context.Background(), p))

	assert.Equal(t, model.LabelUnknownTitle, jobs.ListHistory()["job-1"])
}

func TestRun_SkipsFinishedJob(t *testing.T) {
	ctrl := gomock.NewController(t)
	ext := mocks.NewMockExtractor(ctrl)
	runner, jobs := newTestRunner(t, ext)
	p := createJob(t, jobs, "job-1", "https://example.com/v", "720p")
	require.NoError(t, jobs.Fail("job-1", "download canceled"))

	require.NoError(t, runner.Run(context.Background(), p))

	assert.Equal(t, "Error: download canceled", jobs.ListHistory()["job-1"])
}

func TestStart_Cancel(t *testing.T) {
	ctrl := gomock.NewController(t)
	ext := mocks.NewMockExtractor(ctrl)
	runner, jobs := newTestRunner(t, ext)
	p := createJob(t, jobs, "job-1", "https://example.com/v", "720p")

	started := make(chan struct{})
	ext.EXPECT().ProbeFormats(gomock.Any(), gomock.Any()).Return([]string{"720p"}, nil)
	ext.EXPECT().Download(gomock.Any(), gomock.Any(), gomock.Any()).
		DoAndReturn(func(ctx context.Context, _ extractor.DownloadRequest, _ extractor.ProgressFunc) (*extractor.Result, error) {
			close(started)
			<-ctx.Done()
			return nil, ctx.Err()
		})

	task, err := runner.Start(p)
	require.NoError(t, err)

	<-started
	_, err = runner.Start(p)
	assert.ErrorIs(t, err, ErrAlreadyRunning)

	assert.True(t, runner.Cancel("job-1"))
	waitDone(t, task)

	assert.ErrorIs(t, task.Err(), context.Canceled)
	assert.False(t, runner.Cancel("job-1"))

	job, err := jobs.Get("job-1")
	require.NoError(t, err)
	assert.Equal(t, model.JobStateFailed, job.State)
	assert.Equal(t, "Error: download canceled", job.Label)
}

func TestRun_MirrorsToStorage(t *testing.T) {
	ctrl := gomock.NewController(t)
	ext := mocks.NewMockExtractor(ctrl)
	jobs := store.NewJobStore()
	storage := &fakeStorage{}
	dir := t.TempDir()
	runner := NewJobRunner(jobs, ext, storage, RunnerConfig{
		DownloadDir:      dir,
		StorageKeyPrefix: "downloads/",
	}, nil)
	p := createJob(t, jobs, "job-1", "https://example.com/v", "720p")

	ext.EXPECT().ProbeFormats(gomock.Any(), gomock.Any()).Return([]string{"720p"}, nil)
	ext.EXPECT().Download(gomock.Any(), gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, req extractor.DownloadRequest, _ extractor.ProgressFunc) (*extractor.Result, error) {
			require.NoError(t, os.WriteFile(req.Destination, []byte("video"), 0o644))
			return &extractor.Result{Title: "Mirrored", Filename: req.Destination}, nil
		})

	require.NoError(t, runner.Run(context.Background(), p))

	job, err := jobs.Get("job-1")
	require.NoError(t, err)
	assert.Equal(t, model.JobStateComplete, job.State)
	assert.Equal(t, "https://cdn.example.com/downloads/job-1.mp4", job.StorageURL)
	assert.Equal(t, filepath.Join(dir, "job-1.mp4"), job.OutputPath)
	assert.Equal(t, []string{"downloads/job-1.mp4"}, storage.keys)
}

func TestRun_MirrorFailureKeepsJobComplete(t *testing.T) {
	ctrl := gomock.NewController(t)
	ext := mocks.NewMockExtractor(ctrl)
	jobs := store.NewJobStore()
	runner := NewJobRunner(jobs, ext, &fakeStorage{err: errors.New("bucket gone")}, RunnerConfig{
		DownloadDir: t.TempDir(),
	}, nil)
	p := createJob(t, jobs, "job-1", "https://example.com/v", "720p")

	ext.EXPECT().ProbeFormats(gomock.Any(), gomock.Any()).Return([]string{"720p"}, nil)
	ext.EXPECT().Download(gomock.Any(), gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, req extractor.DownloadRequest, _ extractor.ProgressFunc) (*extractor.Result, error) {
			require.NoError(t, os.WriteFile(req.Destination, []byte("video"), 0o644))
			return &extractor.Result{Title: "Local only"}, nil
		})

	require.NoError(t, runner.Run(context.Background(), p))

	job, err := jobs.Get("job-1")
	require.NoError(t, err)
	assert.Equal(t, model.JobStateComplete, job.State)
	assert.Empty(t, job.StorageURL)
}

func TestLocalDispatcher_RunsConcurrently(t *testing.T) {
	ctrl := gomock.NewController(t)
	ext := mocks.NewMockExtractor(ctrl)
	runner, jobs := newTestRunner(t, ext)
	dispatcher := NewLocalDispatcher(runner)

	const n = 3
	release := make(chan struct{})
	var inFlight sync.WaitGroup
	inFlight.Add(n)

	ext.EXPECT().ProbeFormats(gomock.Any(), gomock.Any()).Return([]string{"720p"}, nil).Times(n)
	ext.EXPECT().Download(gomock.Any(), gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, _ extractor.DownloadRequest, _ extractor.ProgressFunc) (*extractor.Result, error) {
			inFlight.Done()
			<-release
			return &extractor.Result{Title: "done"}, nil
		}).Times(n)

	ids := []string{"a", "b", "c"}
	for _, id := range ids {
		p := createJob(t, jobs, id, "https://example.com/"+id, "720p")
		require.NoError(t, dispatcher.Dispatch(context.Background(), p))
	}

	// all three downloads are in flight at the same time
	inFlight.Wait()
	close(release)

	require.Eventually(t, func() bool {
		history := jobs.ListHistory()
		for _, id := range ids {
			if history[id] != "done" {
				return false
			}
		}
		return true
	}, 5*time.Second, 10*time.Millisecond)
}

func TestDownloadWorker_ProcessTask(t *testing.T) {
	ctrl := gomock.NewController(t)
	ext := mocks.NewMockExtractor(ctrl)
	runner, jobs := newTestRunner(t, ext)
	w := NewDownloadWorker(runner, nil)

	t.Run("runs the job", func(t *testing.T) {
		p := createJob(t, jobs, "job-1", "https://example.com/v", "720p")
		ext.EXPECT().ProbeFormats(gomock.Any(), gomock.Any()).Return([]string{"720p"}, nil)
		ext.EXPECT().Download(gomock.Any(), gomock.Any(), gomock.Any()).Return(&extractor.Result{Title: "queued"}, nil)

		payload, err := json.Marshal(p)
		require.NoError(t, err)

		require.NoError(t, w.ProcessTask(context.Background(), asynq.NewTask("download:process", payload)))
		assert.Equal(t, "queued", jobs.ListHistory()["job-1"])
	})

	t.Run("bad payload is not retried", func(t *testing.T) {
		err := w.ProcessTask(context.Background(), asynq.NewTask("download:process", []byte("{")))
		assert.ErrorIs(t, err, asynq.SkipRetry)
	})

	t.Run("failed job is not retried", func(t *testing.T) {
		p := createJob(t, jobs, "job-2", "https://example.com/v", "720p")
		ext.EXPECT().ProbeFormats(gomock.Any(), gomock.Any()).Return([]string{"720p"}, nil)
		ext.EXPECT().Download(gomock.Any(), gomock.Any(), gomock.Any()).Return(nil, errors.New("boom"))

		payload, err := json.Marshal(p)
		require.NoError(t, err)

		err = w.ProcessTask(context.Background(), asynq.NewTask("download:process", payload))
		assert.ErrorIs(t, err, asynq.SkipRetry)
		assert.Equal(t, "Error: boom", jobs.ListHistory()["job-2"])
	})
}
