// Package workflow sequences each job through its stages: admission,
// download, optional enhancement, readiness, delivery, cleanup. The manager
// is the scheduler's runner and the single place terminal outcomes are
// decided.
package workflow

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/dar-k-dev/vidharvest/internal/config"
	"github.com/dar-k-dev/vidharvest/internal/enhance"
	"github.com/dar-k-dev/vidharvest/internal/fetch"
	"github.com/dar-k-dev/vidharvest/internal/jobs"
	"github.com/dar-k-dev/vidharvest/internal/logging"
	"github.com/dar-k-dev/vidharvest/internal/scheduler"
	"github.com/dar-k-dev/vidharvest/internal/services"
)

// Process owner labels recorded on jobs with a live external process.
const (
	ownerFetch   = "fetch"
	ownerEnhance = "enhance"
)

// Fetcher downloads a job's media.
type Fetcher interface {
	Fetch(ctx context.Context, job jobs.Job, progress func(percent int, label string)) (fetch.Result, error)
}

// Enhancer runs the optional transcode pass over a downloaded artifact.
type Enhancer interface {
	Enhance(ctx context.Context, job jobs.Job, artifactPath string, progress func(percent int, label string)) error
}

// Cleaner disposes of a finished job's artifact and registry entry.
type Cleaner interface {
	ScheduleCleanup(job jobs.Job)
}

// Recorder appends terminal outcomes to the history ledger.
type Recorder interface {
	Record(ctx context.Context, job jobs.Job) error
}

// Status summarizes pipeline state for the status endpoint and CLI.
type Status struct {
	States     map[jobs.State]int `json:"states"`
	Running    int                `json:"running"`
	QueueDepth int                `json:"queue_depth"`
}

// Manager drives jobs through the pipeline.
type Manager struct {
	registry  *jobs.Registry
	scheduler *scheduler.Scheduler
	fetcher   Fetcher
	enhancer  Enhancer
	cleaner   Cleaner
	recorder  Recorder
	logger    *slog.Logger

	stallThreshold time.Duration
}

// NewManager wires the pipeline together. The recorder may be nil when no
// history ledger is configured.
func NewManager(cfg *config.Config, registry *jobs.Registry, fetcher Fetcher, enhancer Enhancer, cleaner Cleaner, recorder Recorder, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = logging.NewNop()
	}
	m := &Manager{
		registry:       registry,
		fetcher:        fetcher,
		enhancer:       enhancer,
		cleaner:        cleaner,
		recorder:       recorder,
		logger:         logging.NewComponentLogger(logger, "workflow"),
		stallThreshold: cfg.StallThreshold(),
	}
	m.scheduler = scheduler.New(m, cfg.Fetch.MaxConcurrent, logger)
	return m
}

// Enqueue creates a job for the request and submits it for admission.
func (m *Manager) Enqueue(req jobs.Request) jobs.Job {
	job := m.registry.Create(req)
	m.scheduler.Submit(job.ID, req.Priority)
	m.logger.Info("job enqueued",
		logging.String(logging.FieldJobID, job.ID),
		logging.String("platform", req.Platform),
		logging.Int("priority", req.Priority))
	return job
}

// Get returns a snapshot of one job.
func (m *Manager) Get(id string) (jobs.Job, error) {
	return m.registry.Get(id)
}

// List returns snapshots of all live jobs.
func (m *Manager) List() []jobs.Job {
	return m.registry.List()
}

// Run executes one admitted job to its outcome. It is invoked by the
// scheduler with a context the manager cancels on job cancellation.
func (m *Manager) Run(ctx context.Context, jobID string) {
	ctx = services.WithJobID(ctx, jobID)

	job, err := m.registry.TransitionOwned(jobID, jobs.StateFetching, ownerFetch,
		jobs.WithStageLabel("Starting download"))
	if err != nil {
		// Typically a cancel that won the race with admission.
		m.logger.Debug("job not runnable", logging.String(logging.FieldJobID, jobID), logging.Error(err))
		return
	}

	result, err := m.fetcher.Fetch(ctx, job, m.progressSink(jobID))
	if err != nil {
		if errors.Is(err, context.Canceled) {
			m.finalize(jobID, jobs.StateCancelled, "", jobs.WithRetryCount(result.Attempts))
			return
		}
		m.logger.Error("fetch failed",
			logging.String(logging.FieldJobID, jobID),
			logging.Int("attempts", result.Attempts),
			logging.Error(err))
		m.finalize(jobID, jobs.StateFailed, services.UserMessage(err), jobs.WithRetryCount(result.Attempts))
		return
	}

	readyUpdates := []jobs.Update{
		jobs.WithArtifact(result.ArtifactPath),
		jobs.WithRetryCount(result.Attempts),
		jobs.WithStageLabel("Ready for delivery"),
	}

	if job.Request.Enhancements.Any() {
		enhancing, err := m.registry.TransitionOwned(jobID, jobs.StateEnhancing, ownerEnhance,
			jobs.WithArtifact(result.ArtifactPath),
			jobs.WithRetryCount(result.Attempts))
		if err != nil {
			m.logger.Debug("job left pipeline before enhancement",
				logging.String(logging.FieldJobID, jobID), logging.Error(err))
			return
		}

		if err := m.enhancer.Enhance(ctx, enhancing, result.ArtifactPath, m.progressSink(jobID)); err != nil {
			if enhance.Fatal(err) {
				m.finalize(jobID, jobs.StateCancelled, "", jobs.WithRetryCount(result.Attempts))
				return
			}
			// The unenhanced artifact is still a valid deliverable.
			m.logger.Warn("enhancement failed, delivering unenhanced artifact",
				logging.String(logging.FieldJobID, jobID),
				logging.Error(err))
			readyUpdates = append(readyUpdates, jobs.WithError(enhance.FailureNote(err)))
		}
	}

	if _, err := m.registry.Transition(jobID, jobs.StateReady, readyUpdates...); err != nil {
		m.logger.Debug("job left pipeline before readiness",
			logging.String(logging.FieldJobID, jobID), logging.Error(err))
		return
	}
	m.logger.Info("job ready",
		logging.String(logging.FieldJobID, jobID),
		logging.String("artifact", result.ArtifactPath))
}

// progressSink routes a stage's progress callbacks into the registry.
// Updates rejected because the job meanwhile reached a terminal state are
// logged and dropped.
func (m *Manager) progressSink(jobID string) func(percent int, label string) {
	return func(percent int, label string) {
		if _, err := m.registry.Progress(jobID, percent, label); err != nil {
			m.logger.Debug("progress update rejected",
				logging.String(logging.FieldJobID, jobID), logging.Error(err))
		}
	}
}

// Cancel stops a job wherever it currently is. Queued jobs are pulled from
// the admission queue, running jobs are marked cancelled immediately with
// their process signalled but not waited for, ready jobs are discarded
// before delivery. Cancelling a finished job fails with an
// invalid-transition error.
func (m *Manager) Cancel(id string) (jobs.Job, error) {
	job, err := m.registry.Get(id)
	if err != nil {
		return jobs.Job{}, err
	}

	switch {
	case job.State == jobs.StateQueued && m.scheduler.CancelQueued(id):
		return m.finalize(id, jobs.StateCancelled, "")
	case job.State.Active() || job.State == jobs.StateQueued:
		// Signal first so the process starts dying, then record the outcome
		// without waiting for exit. The run loop finds the terminal state
		// and stops wherever it is.
		m.scheduler.CancelRunning(id)
		return m.finalize(id, jobs.StateCancelled, "")
	case job.State == jobs.StateReady:
		return m.finalize(id, jobs.StateCancelled, "")
	default:
		return jobs.Job{}, &jobs.InvalidTransitionError{JobID: id, From: job.State, To: jobs.StateCancelled}
	}
}

// ConfirmDelivery marks a ready job delivered and schedules its cleanup.
// Confirming an already-delivered job is a no-op returning the job as-is.
func (m *Manager) ConfirmDelivery(id string) (jobs.Job, error) {
	current, err := m.registry.Get(id)
	if err != nil {
		return jobs.Job{}, err
	}
	if current.State == jobs.StateDelivered {
		return current, nil
	}
	return m.finalize(id, jobs.StateDelivered, "")
}

// finalize applies a terminal transition, records the outcome, and hands
// the job to the retention service.
func (m *Manager) finalize(id string, state jobs.State, message string, updates ...jobs.Update) (jobs.Job, error) {
	if message != "" {
		updates = append(updates, jobs.WithError(message))
	}
	job, err := m.registry.Transition(id, state, updates...)
	if err != nil {
		return jobs.Job{}, err
	}

	if m.recorder != nil {
		recordCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := m.recorder.Record(recordCtx, job); err != nil {
			m.logger.Warn("could not record job history",
				logging.String(logging.FieldJobID, id), logging.Error(err))
		}
		cancel()
	}
	if m.cleaner != nil {
		m.cleaner.ScheduleCleanup(job)
	}
	m.logger.Info("job finished",
		logging.String(logging.FieldJobID, id),
		logging.String("state", string(state)))
	return job, nil
}

// Stalled returns active jobs whose progress has not moved within the
// configured threshold.
func (m *Manager) Stalled() []jobs.Job {
	if m.stallThreshold <= 0 {
		return nil
	}
	cutoff := time.Now().Add(-m.stallThreshold)
	var stalled []jobs.Job
	for _, job := range m.registry.List() {
		if job.State.Active() && job.LastProgressAt.Before(cutoff) {
			stalled = append(stalled, job)
		}
	}
	return stalled
}

// StartStallMonitor periodically logs jobs flagged by Stalled until the
// context is cancelled.
func (m *Manager) StartStallMonitor(ctx context.Context) {
	if m.stallThreshold <= 0 {
		return
	}
	interval := m.stallThreshold / 2
	if interval < time.Second {
		interval = time.Second
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				for _, job := range m.Stalled() {
					m.logger.Warn("job appears stalled",
						logging.String(logging.FieldJobID, job.ID),
						logging.String("stage", string(job.State)),
						logging.Duration("since_progress", time.Since(job.LastProgressAt)))
				}
			}
		}
	}()
}

// Status reports aggregate pipeline state.
func (m *Manager) Status() Status {
	return Status{
		States:     m.registry.Stats(),
		Running:    m.scheduler.RunningCount(),
		QueueDepth: m.scheduler.QueueDepth(),
	}
}

// Close drains the scheduler and cancels jobs that never ran.
func (m *Manager) Close() {
	for _, id := range m.scheduler.Close() {
		if _, err := m.finalize(id, jobs.StateCancelled, "daemon shutting down"); err != nil {
			m.logger.Debug("could not cancel abandoned job",
				logging.String(logging.FieldJobID, id), logging.Error(err))
		}
	}
}
