package provision

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"

	"chatd/internal/common/fsutil"
)

// DefaultMaxConcurrent bounds simultaneous open download streams per
// scheduler.
const DefaultMaxConcurrent = 3

// Scheduler drives a set of pending download tasks to completion with
// at most limit concurrent streams. It exclusively owns the pending and
// in-flight sets; callers interact only through Submit/Resume/Pause and
// the onDone callback.
//
// A failed task is dropped from in-flight but stays in the pending set
// and is never restarted within this pass: the failure is logged and
// surfaced only through the absence of progress. Resume re-queues such
// tasks, so an explicit restart retries them. The destination path
// never holds a partial write; bytes land in a uniquely named temp file
// that is renamed into place on success.
type Scheduler struct {
	limit  int
	client *http.Client
	log    zerolog.Logger
	onDone func(Task, error)

	mu       sync.Mutex
	queue    []Task
	pending  map[Task]struct{}
	inflight map[Task]struct{}
	paused   bool
}

// NewScheduler returns a paused scheduler. onDone is invoked once per
// finished attempt (success or failure), off the scheduler's lock.
func NewScheduler(limit int, client *http.Client, log zerolog.Logger, onDone func(Task, error)) *Scheduler {
	if limit <= 0 {
		limit = DefaultMaxConcurrent
	}
	if client == nil {
		client = http.DefaultClient
	}
	if onDone == nil {
		onDone = func(Task, error) {}
	}
	return &Scheduler{
		limit:    limit,
		client:   client,
		log:      log,
		onDone:   onDone,
		pending:  make(map[Task]struct{}),
		inflight: make(map[Task]struct{}),
		paused:   true,
	}
}

// Submit enqueues a task unless it is already pending or in flight.
func (s *Scheduler) Submit(t Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.pending[t]; ok {
		return
	}
	if _, ok := s.inflight[t]; ok {
		return
	}
	s.pending[t] = struct{}{}
	s.queue = append(s.queue, t)
}

// Resume lets the scheduler start tasks until the concurrency bound is
// reached. Pending tasks that fell out of the queue (earlier failures)
// are re-queued first, so resuming retries them.
func (s *Scheduler) Resume(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paused = false
	s.requeueAbandoned()
	s.fill(ctx)
}

// Pause stops new task starts. In-flight tasks run to completion.
func (s *Scheduler) Pause() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paused = true
}

// Counts reports the pending (not yet succeeded) and in-flight sizes.
func (s *Scheduler) Counts() (pending, inflight int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending), len(s.inflight)
}

// Drained reports whether every submitted task succeeded.
func (s *Scheduler) Drained() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending) == 0 && len(s.inflight) == 0
}

// requeueAbandoned puts pending tasks that are neither queued nor in
// flight back on the queue. Caller holds mu.
func (s *Scheduler) requeueAbandoned() {
	queued := make(map[Task]struct{}, len(s.queue))
	for _, t := range s.queue {
		queued[t] = struct{}{}
	}
	for t := range s.pending {
		if _, ok := s.inflight[t]; ok {
			continue
		}
		if _, ok := queued[t]; ok {
			continue
		}
		s.queue = append(s.queue, t)
	}
}

// fill pulls queued tasks into flight up to the bound. Caller holds mu.
func (s *Scheduler) fill(ctx context.Context) {
	for !s.paused && len(s.inflight) < s.limit && len(s.queue) > 0 {
		t := s.queue[0]
		s.queue = s.queue[1:]
		if _, ok := s.pending[t]; !ok {
			continue
		}
		s.inflight[t] = struct{}{}
		downloadsStartedTotal.Inc()
		downloadsInflight.Inc()
		go s.run(ctx, t)
	}
}

func (s *Scheduler) run(ctx context.Context, t Task) {
	err := s.download(ctx, t)

	s.mu.Lock()
	delete(s.inflight, t)
	if err == nil {
		delete(s.pending, t)
	}
	s.mu.Unlock()

	downloadsInflight.Dec()
	if err != nil {
		downloadsFailedTotal.Inc()
		s.log.Error().Err(err).Str("url", t.URL).Msg("download failed, task abandoned")
	} else {
		downloadsCompletedTotal.Inc()
		s.log.Debug().Str("path", t.Path).Msg("download complete")
	}

	s.onDone(t, err)

	s.mu.Lock()
	s.fill(ctx)
	s.mu.Unlock()
}

// download streams the source into a temp file next to the destination
// and commits with an atomic rename.
func (s *Scheduler) download(ctx context.Context, t Task) error {
	dir := filepath.Dir(t.Path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", dir, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.URL, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("fetch %s: %w", t.URL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fetch %s: unexpected status %d", t.URL, resp.StatusCode)
	}

	tmp := fsutil.TempName(dir)
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	if _, err := io.Copy(f, resp.Body); err != nil {
		f.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("stream %s: %w", t.URL, err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("close temp: %w", err)
	}
	if err := os.Rename(tmp, t.Path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("commit %s: %w", t.Path, err)
	}
	return nil
}
