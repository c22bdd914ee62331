// Package retention removes delivered and abandoned artifacts. Cleanup runs
// after a short grace period so a collaborator who just confirmed delivery
// can still finish a trailing read, and a periodic sweep catches anything
// the per-job path missed.
package retention

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/dar-k-dev/vidharvest/internal/config"
	"github.com/dar-k-dev/vidharvest/internal/fileutil"
	"github.com/dar-k-dev/vidharvest/internal/jobs"
	"github.com/dar-k-dev/vidharvest/internal/logging"
)

// Registry is the slice of the job registry the retention service needs.
type Registry interface {
	List() []jobs.Job
	Remove(id string)
}

// Service owns deferred artifact cleanup and the age sweep.
type Service struct {
	artifactDir string
	grace       time.Duration
	maxAge      time.Duration
	interval    time.Duration
	registry    Registry
	logger      *slog.Logger

	mu        sync.Mutex
	scheduled map[string]*time.Timer
	closed    bool

	wg sync.WaitGroup
}

// NewService constructs a retention service from configuration.
func NewService(cfg *config.Config, registry Registry, logger *slog.Logger) *Service {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Service{
		artifactDir: cfg.Paths.ArtifactDir,
		grace:       cfg.RetentionGrace(),
		maxAge:      cfg.RetentionMaxAge(),
		interval:    cfg.SweepInterval(),
		registry:    registry,
		logger:      logging.NewComponentLogger(logger, "retention"),
		scheduled:   make(map[string]*time.Timer),
	}
}

// ScheduleCleanup arranges removal of the job's artifact and registry entry
// after the grace period. Scheduling the same job twice is a no-op, so
// every terminal path can call it unconditionally.
func (s *Service) ScheduleCleanup(job jobs.Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if _, ok := s.scheduled[job.ID]; ok {
		return
	}

	s.wg.Add(1)
	s.scheduled[job.ID] = time.AfterFunc(s.grace, func() {
		defer s.wg.Done()
		s.cleanup(job)
		s.mu.Lock()
		delete(s.scheduled, job.ID)
		s.mu.Unlock()
	})
}

// cleanup removes the artifact, any partial files carrying the job id, and
// the registry entry. Filesystem errors are logged and swallowed; cleanup
// must never take a job's pipeline down.
func (s *Service) cleanup(job jobs.Job) {
	if job.ArtifactPath != "" {
		if err := fileutil.RemoveIfExists(job.ArtifactPath); err != nil {
			s.logger.Warn("could not remove artifact",
				logging.String(logging.FieldJobID, job.ID),
				logging.String("path", job.ArtifactPath),
				logging.Error(err))
		}
	}
	s.removeStrays(job.ID)
	s.registry.Remove(job.ID)
	s.logger.Info("job cleaned up",
		logging.String(logging.FieldJobID, job.ID),
		logging.String("state", string(job.State)))
}

// removeStrays deletes leftover files named after the job id, such as
// partial downloads the extraction tool left beside the artifact.
func (s *Service) removeStrays(jobID string) {
	entries, err := os.ReadDir(s.artifactDir)
	if err != nil {
		return
	}
	for _, platformDir := range entries {
		if !platformDir.IsDir() {
			continue
		}
		dir := filepath.Join(s.artifactDir, platformDir.Name())
		files, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, file := range files {
			if file.IsDir() || !strings.Contains(file.Name(), jobID) {
				continue
			}
			path := filepath.Join(dir, file.Name())
			if err := os.Remove(path); err != nil {
				s.logger.Warn("could not remove stray file",
					logging.String(logging.FieldJobID, jobID),
					logging.String("path", path),
					logging.Error(err))
			}
		}
	}
}

// Start runs the periodic age sweep until the context is cancelled.
func (s *Service) Start(ctx context.Context) {
	if s.interval <= 0 || s.maxAge <= 0 {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				removed := s.Sweep()
				if removed > 0 {
					s.logger.Info("age sweep removed artifacts", logging.Int("count", removed))
				}
			}
		}
	}()
}

// Sweep removes artifacts older than the maximum age regardless of job
// outcome, plus registry entries for finished jobs past the same age. It
// returns the number of files removed.
func (s *Service) Sweep() int {
	cutoff := time.Now().Add(-s.maxAge)
	removed := 0

	entries, err := os.ReadDir(s.artifactDir)
	if err != nil {
		s.logger.Warn("could not read artifact directory", logging.Error(err))
		return 0
	}
	for _, platformDir := range entries {
		if !platformDir.IsDir() {
			continue
		}
		dir := filepath.Join(s.artifactDir, platformDir.Name())
		files, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, file := range files {
			if file.IsDir() {
				continue
			}
			info, err := file.Info()
			if err != nil || info.ModTime().After(cutoff) {
				continue
			}
			path := filepath.Join(dir, file.Name())
			if err := os.Remove(path); err != nil {
				s.logger.Warn("could not remove aged artifact",
					logging.String("path", path),
					logging.Error(err))
				continue
			}
			removed++
		}
	}

	if s.registry != nil {
		for _, job := range s.registry.List() {
			if job.Finished() && job.CreatedAt.Before(cutoff) {
				s.registry.Remove(job.ID)
			}
		}
	}
	return removed
}

// Close cancels pending grace timers and waits for in-flight cleanup.
func (s *Service) Close() {
	s.mu.Lock()
	s.closed = true
	for id, timer := range s.scheduled {
		if timer.Stop() {
			s.wg.Done()
		}
		delete(s.scheduled, id)
	}
	s.mu.Unlock()
	s.wg.Wait()
}
