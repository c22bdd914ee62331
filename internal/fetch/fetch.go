// Package fetch drives the external extraction tool that downloads remote
// media into the artifact directory. The tool emits no machine-readable
// progress on a plain invocation, so the client synthesizes progress while
// the process runs and reports completion from the exit status plus the
// presence of the output file.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dar-k-dev/vidharvest/internal/config"
	"github.com/dar-k-dev/vidharvest/internal/execsupport"
	"github.com/dar-k-dev/vidharvest/internal/jobs"
	"github.com/dar-k-dev/vidharvest/internal/logging"
	"github.com/dar-k-dev/vidharvest/internal/platform"
	"github.com/dar-k-dev/vidharvest/internal/services"
)

// ProgressCap is the ceiling for synthetic fetch progress; the bar only
// passes it once the stage actually finishes.
const ProgressCap = 94

// Executor abstracts command execution for testability.
type Executor = execsupport.Executor

// Result describes a completed download.
type Result struct {
	ArtifactPath string
	Attempts     int
}

// Option configures the client.
type Option func(*Client)

// WithExecutor injects a custom executor (primarily for tests).
func WithExecutor(exec Executor) Option {
	return func(c *Client) {
		if exec != nil {
			c.exec = exec
		}
	}
}

// WithRandSource seeds the synthetic progress increments deterministically.
func WithRandSource(src rand.Source) Option {
	return func(c *Client) {
		if src != nil {
			c.rng = rand.New(src)
		}
	}
}

// Client wraps extraction tool invocations.
type Client struct {
	binary      string
	artifactDir string
	interval    time.Duration
	maxRetries  int
	exec        Executor
	rng         *rand.Rand
	logger      *slog.Logger
}

// New constructs a fetch client from configuration.
func New(cfg *config.Config, logger *slog.Logger, opts ...Option) (*Client, error) {
	binary := strings.TrimSpace(cfg.Fetch.Binary)
	if binary == "" {
		return nil, errors.New("fetch binary required")
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	client := &Client{
		binary:      binary,
		artifactDir: cfg.Paths.ArtifactDir,
		interval:    cfg.ProgressInterval(),
		maxRetries:  cfg.Fetch.MaxRetries,
		exec:        execsupport.CommandExecutor{},
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
		logger:      logging.NewComponentLogger(logger, "fetch"),
	}
	if client.interval <= 0 {
		client.interval = 750 * time.Millisecond
	}
	if client.maxRetries < 0 {
		client.maxRetries = 0
	}
	for _, opt := range opts {
		opt(client)
	}
	return client, nil
}

// ArtifactPath returns the destination for a job's download, grouped per
// platform under the artifact directory.
func (c *Client) ArtifactPath(job jobs.Job) string {
	return filepath.Join(c.artifactDir, platform.Normalize(job.Request.Platform), job.ID+"."+job.Request.Extension())
}

// Fetch downloads the job's media, retrying failed attempts up to the
// configured limit. Success requires both a zero exit status and the output
// file present on disk. Partial output is removed after every failed or
// cancelled attempt.
func (c *Client) Fetch(ctx context.Context, job jobs.Job, progress func(percent int, label string)) (Result, error) {
	dest := c.ArtifactPath(job)
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return Result{}, services.Wrap(services.ErrConfiguration, "fetch", "prepare destination", "create platform directory", err)
	}

	args := c.buildArgs(job.Request, dest)
	attempts := 1 + c.maxRetries
	var lastErr error

	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			c.removePartial(dest)
			return Result{Attempts: attempt - 1}, err
		}

		c.logger.Info("starting extraction",
			logging.String(logging.FieldJobID, job.ID),
			logging.Int("attempt", attempt),
			logging.String("destination", dest))

		err := c.runOnce(ctx, job, args, progress)
		if err == nil {
			if info, statErr := os.Stat(dest); statErr == nil && info.Size() > 0 {
				return Result{ArtifactPath: dest, Attempts: attempt}, nil
			}
			err = services.Wrap(services.ErrExternalTool, "fetch", "verify output",
				"extraction tool exited cleanly but produced no output file", nil)
		}

		c.removePartial(dest)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Result{Attempts: attempt}, ctxErr
		}
		lastErr = err
		c.logger.Warn("extraction attempt failed",
			logging.String(logging.FieldJobID, job.ID),
			logging.Int("attempt", attempt),
			logging.Error(err))
	}

	if lastErr == nil {
		lastErr = services.Wrap(services.ErrExternalTool, "fetch", "run extraction", "extraction failed", nil)
	}
	return Result{Attempts: attempts}, lastErr
}

func (c *Client) runOnce(ctx context.Context, job jobs.Job, args []string, progress func(int, string)) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan struct{})
	go c.synthesizeProgress(runCtx, job, done, progress)
	defer close(done)

	if err := c.exec.Run(runCtx, c.binary, args, func(line string) {
		c.logger.Debug("tool output",
			logging.String(logging.FieldJobID, job.ID),
			logging.String("line", line))
	}); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		return services.Wrap(services.ErrExternalTool, "fetch", "run extraction", "extraction tool failed", err)
	}
	return nil
}

// synthesizeProgress advances the bar by a small random step each interval
// while the process runs, never crossing ProgressCap.
func (c *Client) synthesizeProgress(ctx context.Context, job jobs.Job, done <-chan struct{}, progress func(int, string)) {
	if progress == nil {
		return
	}
	label := "Downloading from " + platform.Display(job.Request.Platform)
	progress(1, label)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	percent := 1
	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case <-ticker.C:
			percent += 3 + c.rng.Intn(5)
			if percent > ProgressCap {
				percent = ProgressCap
			}
			progress(percent, label)
		}
	}
}

// buildArgs assembles the extraction tool invocation. The URL is always the
// final discrete argument; it is never interpolated into a shell string.
func (c *Client) buildArgs(req jobs.Request, dest string) []string {
	args := []string{
		"--no-playlist",
		"--newline",
		"-o", dest,
	}
	if req.AudioOnly() {
		args = append(args, "-x", "--audio-format", "mp3")
	} else {
		if height := qualityHeight(req.Quality); height > 0 {
			args = append(args,
				"-f", fmt.Sprintf("bestvideo[height<=%d]+bestaudio/best[height<=%d]", height, height))
		} else {
			args = append(args, "-f", "bestvideo+bestaudio/best")
		}
		args = append(args, "--merge-output-format", "mp4")
	}
	return append(args, req.URL)
}

func qualityHeight(quality string) int {
	switch strings.ToLower(strings.TrimSpace(quality)) {
	case "2160p", "4k":
		return 2160
	case "1440p":
		return 1440
	case "1080p":
		return 1080
	case "720p":
		return 720
	case "480p":
		return 480
	case "360p":
		return 360
	default:
		return 0
	}
}

func (c *Client) removePartial(dest string) {
	for _, path := range []string{dest, dest + ".part", dest + ".ytdl"} {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			c.logger.Warn("could not remove partial download",
				logging.String("path", path),
				logging.Error(err))
		}
	}
}
