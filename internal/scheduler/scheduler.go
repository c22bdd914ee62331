// Package scheduler admits queued jobs into the processing pipeline while
// holding the number of concurrently running jobs under a fixed ceiling.
// Waiting jobs are dispatched by priority, first-in-first-out within a
// priority level.
package scheduler

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"github.com/dar-k-dev/vidharvest/internal/logging"
)

// Runner executes one admitted job to completion. Run blocks until the job
// reaches a terminal-or-ready outcome; the scheduler releases the slot when
// it returns.
type Runner interface {
	Run(ctx context.Context, jobID string)
}

type waiting struct {
	jobID    string
	priority int
	seq      uint64
}

// Scheduler owns the admission queue. Submit enqueues, dispatch loops drain
// it into the Runner as slots free up.
type Scheduler struct {
	runner        Runner
	logger        *slog.Logger
	maxConcurrent int

	mu      sync.Mutex
	queue   []waiting
	running map[string]context.CancelFunc
	nextSeq uint64
	closed  bool

	wg sync.WaitGroup
}

// New constructs a scheduler dispatching into runner with at most
// maxConcurrent jobs running at once. Values below one are coerced to one.
func New(runner Runner, maxConcurrent int, logger *slog.Logger) *Scheduler {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Scheduler{
		runner:        runner,
		logger:        logging.NewComponentLogger(logger, "scheduler"),
		maxConcurrent: maxConcurrent,
		running:       make(map[string]context.CancelFunc),
	}
}

// Submit enqueues a job for admission and dispatches immediately if a slot
// is free. Duplicate submissions of an id already queued or running are
// ignored.
func (s *Scheduler) Submit(jobID string, priority int) {
	s.mu.Lock()
	if s.closed || s.isKnownLocked(jobID) {
		s.mu.Unlock()
		return
	}
	s.nextSeq++
	s.queue = append(s.queue, waiting{jobID: jobID, priority: priority, seq: s.nextSeq})
	sort.SliceStable(s.queue, func(i, j int) bool {
		if s.queue[i].priority != s.queue[j].priority {
			return s.queue[i].priority > s.queue[j].priority
		}
		return s.queue[i].seq < s.queue[j].seq
	})
	s.mu.Unlock()

	s.dispatch()
}

// CancelQueued removes a job from the waiting queue before it was admitted.
// It reports whether the job was found waiting.
func (s *Scheduler) CancelQueued(jobID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, w := range s.queue {
		if w.jobID == jobID {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			return true
		}
	}
	return false
}

// CancelRunning signals the run context of an admitted job. It reports
// whether the job was running.
func (s *Scheduler) CancelRunning(jobID string) bool {
	s.mu.Lock()
	cancel, ok := s.running[jobID]
	s.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// QueueDepth returns the number of jobs waiting for admission.
func (s *Scheduler) QueueDepth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// RunningCount returns the number of jobs currently admitted.
func (s *Scheduler) RunningCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.running)
}

// Close stops admission of new work and waits for running jobs to drain.
// Queued jobs that were never admitted are returned so the caller can mark
// them cancelled.
func (s *Scheduler) Close() []string {
	s.mu.Lock()
	s.closed = true
	var abandoned []string
	for _, w := range s.queue {
		abandoned = append(abandoned, w.jobID)
	}
	s.queue = nil
	for _, cancel := range s.running {
		cancel()
	}
	s.mu.Unlock()

	s.wg.Wait()
	return abandoned
}

func (s *Scheduler) isKnownLocked(jobID string) bool {
	if _, ok := s.running[jobID]; ok {
		return true
	}
	for _, w := range s.queue {
		if w.jobID == jobID {
			return true
		}
	}
	return false
}

func (s *Scheduler) dispatch() {
	for {
		s.mu.Lock()
		if s.closed || len(s.queue) == 0 || len(s.running) >= s.maxConcurrent {
			s.mu.Unlock()
			return
		}
		next := s.queue[0]
		s.queue = s.queue[1:]
		ctx, cancel := context.WithCancel(context.Background())
		s.running[next.jobID] = cancel
		s.wg.Add(1)
		s.mu.Unlock()

		s.logger.Info("job admitted",
			logging.String(logging.FieldJobID, next.jobID),
			logging.Int("priority", next.priority))

		go func(ctx context.Context, cancel context.CancelFunc, jobID string) {
			defer s.wg.Done()
			defer func() {
				cancel()
				s.mu.Lock()
				delete(s.running, jobID)
				s.mu.Unlock()
				s.dispatch()
			}()
			s.runner.Run(ctx, jobID)
		}(ctx, cancel, next.jobID)
	}
}
