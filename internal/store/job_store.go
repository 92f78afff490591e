// Package store keeps download job state in memory.
package store

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/vidfetch/api/internal/model"
)

var (
	ErrNotFound    = errors.New("job not found")
	ErrDuplicateID = errors.New("job id already exists")
	ErrJobFinished = errors.New("job already finished")
)

// ChangeHandler is called with the post-change snapshot of a job.
type ChangeHandler func(job model.Job)

// JobStore is a concurrent-safe registry of download jobs.
// Jobs are never removed for the lifetime of the process.
type JobStore struct {
	mu       sync.RWMutex
	jobs     map[string]*model.Job
	versions map[string]uint64
	watchers map[string][]chan model.Job
	handlers []ChangeHandler
	now      func() time.Time

	// deliverMu serializes notifications; delivered holds the last
	// version handed out per job so an older snapshot is never delivered
	// after a newer one.
	deliverMu sync.Mutex
	delivered map[string]uint64
}

// NewJobStore creates an empty store
func NewJobStore() *JobStore {
	return &JobStore{
		jobs:      make(map[string]*model.Job),
		versions:  make(map[string]uint64),
		watchers:  make(map[string][]chan model.Job),
		delivered: make(map[string]uint64),
		now:       time.Now,
	}
}

// OnChange registers a handler invoked after every mutation.
// Handlers run on the mutating goroutine, see snapshots of a job in the
// order they were made, and must neither block nor mutate the store.
func (s *JobStore) OnChange(h ChangeHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers = append(s.handlers, h)
}

// Create inserts a new pending job.
func (s *JobStore) Create(id, sourceURL, requestedFormat string) (model.Job, error) {
	// callers may hand in request-scoped strings
	id = strings.Clone(id)

	s.mu.Lock()
	if _, ok := s.jobs[id]; ok {
		s.mu.Unlock()
		return model.Job{}, fmt.Errorf("create %s: %w", id, ErrDuplicateID)
	}
	job := &model.Job{
		ID:              id,
		SourceURL:       sourceURL,
		RequestedFormat: requestedFormat,
		State:           model.JobStatePending,
		Label:           model.LabelDownloading,
		CreatedAt:       s.now(),
	}
	s.jobs[id] = job
	snap, version := s.commit(job)
	s.mu.Unlock()

	s.notify(snap, version)
	return snap, nil
}

// Update records transfer progress. Percent is clamped to [0,100] and
// never lowered; the first update moves a pending job to downloading.
func (s *JobStore) Update(id string, percent int, sizeMB float64) error {
	return s.mutate(id, "update", func(job *model.Job) {
		s.markStarted(job)
		percent = min(max(percent, 0), 100)
		if percent > job.Percent {
			job.Percent = percent
		}
		job.SizeMB = max(sizeMB, 0)
	})
}

// Finish records the extractor's "finished" report: percent 100, size kept.
func (s *JobStore) Finish(id string) error {
	return s.mutate(id, "finish", func(job *model.Job) {
		s.markStarted(job)
		job.Percent = 100
	})
}

// SetResolvedFormat records the format actually handed to the extractor.
func (s *JobStore) SetResolvedFormat(id, format string) error {
	return s.mutate(id, "set format", func(job *model.Job) {
		job.ResolvedFormat = format
	})
}

// Complete moves the job to its successful terminal state.
func (s *JobStore) Complete(id, title, outputPath string) error {
	return s.mutate(id, "complete", func(job *model.Job) {
		if title == "" {
			title = model.LabelUnknownTitle
		}
		now := s.now()
		job.State = model.JobStateComplete
		job.Percent = 100
		job.Title = title
		job.Label = title
		job.OutputPath = outputPath
		job.CompletedAt = &now
	})
}

// Fail moves the job to its failed terminal state. The history label
// becomes "Error: <message>" and progress is reset.
func (s *JobStore) Fail(id, message string) error {
	return s.mutate(id, "fail", func(job *model.Job) {
		now := s.now()
		job.State = model.JobStateFailed
		job.Percent = 0
		job.SizeMB = 0
		job.Error = message
		job.Label = model.LabelErrorPrefix + message
		job.CompletedAt = &now
	})
}

// SetStorageURL records where a finished file was mirrored.
// Allowed in any state, since mirroring happens around completion.
func (s *JobStore) SetStorageURL(id, url string) error {
	s.mu.Lock()
	job, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("set storage url %s: %w", id, ErrNotFound)
	}
	job.StorageURL = url
	snap, version := s.commit(job)
	s.mu.Unlock()

	s.notify(snap, version)
	return nil
}

// Get returns a snapshot of the job.
func (s *JobStore) Get(id string) (model.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, ok := s.jobs[id]
	if !ok {
		return model.Job{}, fmt.Errorf("get %s: %w", id, ErrNotFound)
	}
	return *job, nil
}

// ListHistory returns a copy of the id -> history label mapping.
func (s *JobStore) ListHistory() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	history := make(map[string]string, len(s.jobs))
	for id, job := range s.jobs {
		history[id] = job.Label
	}
	return history
}

// Watch returns a channel that receives the latest snapshot after each
// change of the job. Only the most recent snapshot is buffered. The
// returned func must be called to release the subscription.
func (s *JobStore) Watch(id string) (<-chan model.Job, func(), error) {
	id = strings.Clone(id)

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[id]; !ok {
		return nil, nil, fmt.Errorf("watch %s: %w", id, ErrNotFound)
	}

	ch := make(chan model.Job, 1)
	s.watchers[id] = append(s.watchers[id], ch)

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			subs := s.watchers[id]
			for i, sub := range subs {
				if sub == ch {
					s.watchers[id] = append(subs[:i], subs[i+1:]...)
					break
				}
			}
			if len(s.watchers[id]) == 0 {
				delete(s.watchers, id)
			}
		})
	}
	return ch, cancel, nil
}

func (s *JobStore) mutate(id, op string, fn func(job *model.Job)) error {
	s.mu.Lock()
	job, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%s %s: %w", op, id, ErrNotFound)
	}
	if job.State.IsTerminal() {
		s.mu.Unlock()
		return fmt.Errorf("%s %s (%s): %w", op, id, job.State, ErrJobFinished)
	}
	fn(job)
	snap, version := s.commit(job)
	s.mu.Unlock()

	s.notify(snap, version)
	return nil
}

// commit bumps the job version and returns a snapshot. Callers hold mu.
func (s *JobStore) commit(job *model.Job) (model.Job, uint64) {
	s.versions[job.ID]++
	return *job, s.versions[job.ID]
}

func (s *JobStore) markStarted(job *model.Job) {
	if job.State == model.JobStatePending {
		now := s.now()
		job.State = model.JobStateDownloading
		job.StartedAt = &now
	}
}

// notify delivers the snapshot to watchers and handlers. Watchers keep
// only the latest snapshot, so a slow reader never blocks a writer.
// A snapshot older than one already delivered is dropped.
func (s *JobStore) notify(job model.Job, version uint64) {
	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()

	if version <= s.delivered[job.ID] {
		return
	}
	s.delivered[job.ID] = version

	s.mu.RLock()
	subs := make([]chan model.Job, len(s.watchers[job.ID]))
	copy(subs, s.watchers[job.ID])
	handlers := make([]ChangeHandler, len(s.handlers))
	copy(handlers, s.handlers)
	s.mu.RUnlock()

	for _, ch := range subs {
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- job:
		default:
		}
	}

	for _, h := range handlers {
		h(job)
	}
}
