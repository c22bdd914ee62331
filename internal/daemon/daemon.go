// Package daemon assembles the pipeline services, enforces single-instance
// execution, and exposes the HTTP API collaborators drive jobs through.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync/atomic"

	"github.com/gofrs/flock"

	"github.com/dar-k-dev/vidharvest/internal/broadcast"
	"github.com/dar-k-dev/vidharvest/internal/config"
	"github.com/dar-k-dev/vidharvest/internal/deps"
	"github.com/dar-k-dev/vidharvest/internal/enhance"
	"github.com/dar-k-dev/vidharvest/internal/fetch"
	"github.com/dar-k-dev/vidharvest/internal/history"
	"github.com/dar-k-dev/vidharvest/internal/jobs"
	"github.com/dar-k-dev/vidharvest/internal/logging"
	"github.com/dar-k-dev/vidharvest/internal/retention"
	"github.com/dar-k-dev/vidharvest/internal/workflow"
)

// Daemon coordinates the background services and the API server.
type Daemon struct {
	cfg      *config.Config
	logger   *slog.Logger
	registry *jobs.Registry
	hub      *broadcast.Hub
	manager  *workflow.Manager
	cleaner  *retention.Service
	ledger   *history.Store
	api      *apiServer

	lockPath string
	lock     *flock.Flock

	running atomic.Bool
	cancel  context.CancelFunc
}

// Status represents daemon runtime information.
type Status struct {
	Running       bool                    `json:"running"`
	Workflow      workflow.Status         `json:"workflow"`
	Stalled       []string                `json:"stalled,omitempty"`
	DroppedEvents uint64                  `json:"dropped_events"`
	Watchers      int                     `json:"watchers"`
	LockFilePath  string                  `json:"lock_file_path"`
	HistoryDBPath string                  `json:"history_db_path"`
	Dependencies  []deps.DependencyStatus `json:"dependencies"`
}

// New constructs a daemon with all services wired.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Daemon, error) {
	if cfg == nil {
		return nil, errors.New("daemon requires config")
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, err
	}

	registry := jobs.NewRegistry()
	hub := broadcast.NewHub(logger)
	registry.SetObserver(hub.PublishJob)

	fetcher, err := fetch.New(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("create fetch client: %w", err)
	}
	enhancer, err := enhance.New(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("create enhance client: %w", err)
	}

	cleaner := retention.NewService(cfg, registry, logger)

	historyPath := filepath.Join(cfg.Paths.LogDir, "history.db")
	ledger, err := history.Open(ctx, historyPath, logger)
	if err != nil {
		return nil, fmt.Errorf("open history ledger: %w", err)
	}

	manager := workflow.NewManager(cfg, registry, fetcher, enhancer, cleaner, ledger, logger)

	d := &Daemon{
		cfg:      cfg,
		logger:   logging.NewComponentLogger(logger, "daemon"),
		registry: registry,
		hub:      hub,
		manager:  manager,
		cleaner:  cleaner,
		ledger:   ledger,
		lockPath: filepath.Join(cfg.Paths.LogDir, "vidharvestd.lock"),
	}
	d.lock = flock.New(d.lockPath)
	d.api = newAPIServer(cfg.Paths.APIBind, manager, hub, ledger, d, logger)
	return d, nil
}

// Start acquires the instance lock and launches the background services.
func (d *Daemon) Start(ctx context.Context) error {
	if d.running.Load() {
		return errors.New("daemon already running")
	}

	ok, err := d.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return errors.New("another vidharvest daemon instance is already running")
	}

	runCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel

	d.cleaner.Start(runCtx)
	d.manager.StartStallMonitor(runCtx)
	if err := d.api.start(runCtx); err != nil {
		cancel()
		_ = d.lock.Unlock()
		return err
	}

	d.running.Store(true)
	d.logger.Info("daemon started",
		logging.String("lock", d.lockPath),
		logging.String("api_bind", d.cfg.Paths.APIBind))
	return nil
}

// Stop shuts down background processing and releases the instance lock.
func (d *Daemon) Stop() {
	if !d.running.Load() {
		return
	}
	if d.cancel != nil {
		d.cancel()
		d.cancel = nil
	}
	d.api.stop()
	d.manager.Close()
	d.cleaner.Close()
	d.hub.Close()
	if err := d.lock.Unlock(); err != nil {
		d.logger.Warn("could not release daemon lock", logging.Error(err))
	}
	d.running.Store(false)
	d.logger.Info("daemon stopped")
}

// Close stops the daemon and closes the history ledger.
func (d *Daemon) Close() error {
	d.Stop()
	if d.ledger != nil {
		return d.ledger.Close()
	}
	return nil
}

// Status returns the current daemon status.
func (d *Daemon) Status() Status {
	var stalled []string
	for _, job := range d.manager.Stalled() {
		stalled = append(stalled, job.ID)
	}
	return Status{
		Running:       d.running.Load(),
		Workflow:      d.manager.Status(),
		Stalled:       stalled,
		DroppedEvents: d.hub.Dropped(),
		Watchers:      d.hub.SubscriberCount(),
		LockFilePath:  d.lockPath,
		HistoryDBPath: filepath.Join(d.cfg.Paths.LogDir, "history.db"),
		Dependencies:  deps.Check(d.cfg),
	}
}
