// Package enhance runs the optional post-download transcode pass. Failure
// here is never fatal to a job: the caller keeps the unenhanced artifact and
// continues.
package enhance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/dar-k-dev/vidharvest/internal/config"
	"github.com/dar-k-dev/vidharvest/internal/execsupport"
	"github.com/dar-k-dev/vidharvest/internal/fileutil"
	"github.com/dar-k-dev/vidharvest/internal/jobs"
	"github.com/dar-k-dev/vidharvest/internal/logging"
	"github.com/dar-k-dev/vidharvest/internal/services"
)

// Progress bounds for the enhancement stage.
const (
	progressFloor = jobs.EnhancingBaseline
	progressCeil  = 99
)

// Executor abstracts command execution for testability.
type Executor = execsupport.Executor

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

// WithProbeBinary overrides the duration probe binary.
func WithProbeBinary(binary string) Option {
	return func(c *Client) {
		if binary != "" {
			c.probeBinary = binary
		}
	}
}

// Client wraps transcoder invocations.
type Client struct {
	binary      string
	probeBinary string
	timeout     time.Duration
	exec        Executor
	logger      *slog.Logger
}

// New constructs an enhancement client from configuration.
func New(cfg *config.Config, logger *slog.Logger, opts ...Option) (*Client, error) {
	binary := strings.TrimSpace(cfg.Enhance.Binary)
	if binary == "" {
		return nil, errors.New("enhance binary required")
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	client := &Client{
		binary:      binary,
		probeBinary: "ffprobe",
		timeout:     cfg.EnhanceTimeout(),
		exec:        execsupport.CommandExecutor{},
		logger:      logging.NewComponentLogger(logger, "enhance"),
	}
	for _, opt := range opts {
		opt(client)
	}
	return client, nil
}

// Enhance applies the requested filters to the artifact in place: the
// transcoder writes a temporary sibling file which replaces the original on
// success. The stage is bounded by the configured timeout; on any failure
// the temporary file is removed and the original artifact is untouched.
func (c *Client) Enhance(ctx context.Context, job jobs.Job, artifactPath string, progress func(percent int, label string)) error {
	flags := job.Request.Enhancements
	if !flags.Any() {
		return nil
	}

	runCtx := ctx
	if c.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	label := "Enhancing (" + strings.Join(flags.Labels(), ", ") + ")"
	if progress != nil {
		progress(progressFloor, label)
	}

	duration := c.probeDuration(runCtx, artifactPath)
	tmpPath := artifactPath + ".enhance.tmp"
	args := c.buildArgs(job, artifactPath, tmpPath)

	c.logger.Info("starting enhancement",
		logging.String(logging.FieldJobID, job.ID),
		logging.Any("filters", flags.Labels()),
		logging.Duration("media_duration", duration))

	err := c.exec.Run(runCtx, c.binary, args, func(line string) {
		if progress == nil {
			return
		}
		if percent, ok := parseProgress(line, duration); ok {
			progress(percent, label)
		}
	})
	if err != nil {
		_ = os.Remove(tmpPath)
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return services.Wrap(services.ErrTimeout, "enhance", "run transcode", "enhancement exceeded its time limit", err)
		}
		if errors.Is(err, context.Canceled) {
			return err
		}
		return services.Wrap(services.ErrExternalTool, "enhance", "run transcode", "transcoder failed", err)
	}

	if info, statErr := os.Stat(tmpPath); statErr != nil || info.Size() == 0 {
		_ = os.Remove(tmpPath)
		return services.Wrap(services.ErrExternalTool, "enhance", "verify output",
			"transcoder exited cleanly but produced no output file", statErr)
	}
	if err := fileutil.ReplaceFile(tmpPath, artifactPath); err != nil {
		_ = os.Remove(tmpPath)
		return services.Wrap(services.ErrExternalTool, "enhance", "replace artifact", "install enhanced output", err)
	}

	if progress != nil {
		progress(progressCeil, label)
	}
	return nil
}

// buildArgs assembles the transcoder invocation. Video filters are chained
// in enhancement-flag declaration order; audio-only artifacts get a
// denoise-only audio filter.
func (c *Client) buildArgs(job jobs.Job, input, output string) []string {
	args := []string{"-y", "-i", input, "-progress", "pipe:1", "-nostats"}

	flags := job.Request.Enhancements
	if job.Request.AudioOnly() {
		if flags.NoiseReduction {
			args = append(args, "-af", "afftdn=nf=-25")
		}
	} else {
		var filters []string
		if flags.Upscale {
			filters = append(filters, "scale=iw*2:ih*2:flags=lanczos")
		}
		if flags.NoiseReduction {
			filters = append(filters, "hqdn3d=4:3:6:4.5")
		}
		if flags.ColorCorrection {
			filters = append(filters, "eq=contrast=1.05:saturation=1.1:brightness=0.02")
		}
		if len(filters) > 0 {
			args = append(args, "-vf", strings.Join(filters, ","))
		}
		args = append(args, "-c:a", "copy")
	}

	return append(args, output)
}

// probeDuration asks the probe tool for the artifact length so transcode
// progress can be mapped onto the stage's progress window. A zero duration
// disables percent mapping; the bar then holds at the stage floor.
func (c *Client) probeDuration(ctx context.Context, path string) time.Duration {
	var raw string
	err := c.exec.Run(ctx, c.probeBinary, []string{
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path,
	}, func(line string) {
		if raw == "" {
			raw = strings.TrimSpace(line)
		}
	})
	if err != nil || raw == "" {
		return 0
	}
	seconds, err := strconv.ParseFloat(raw, 64)
	if err != nil || seconds <= 0 {
		return 0
	}
	return time.Duration(seconds * float64(time.Second))
}

// parseProgress maps the transcoder's out_time_ms counter onto the
// enhancement progress window.
func parseProgress(line string, duration time.Duration) (int, bool) {
	if duration <= 0 {
		return 0, false
	}
	value, ok := strings.CutPrefix(strings.TrimSpace(line), "out_time_ms=")
	if !ok {
		return 0, false
	}
	micros, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
	if err != nil || micros < 0 {
		return 0, false
	}
	elapsed := time.Duration(micros) * time.Microsecond
	ratio := float64(elapsed) / float64(duration)
	if ratio < 0 {
		ratio = 0
	}
	if ratio > 1 {
		ratio = 1
	}
	percent := progressFloor + int(ratio*float64(progressCeil-progressFloor))
	if percent > progressCeil {
		percent = progressCeil
	}
	return percent, true
}

// Fatal reports whether an enhancement error should fail the job. Only a
// caller-initiated cancel is fatal; tool failures and timeouts degrade to
// the unenhanced artifact.
func Fatal(err error) bool {
	return errors.Is(err, context.Canceled)
}

// FailureNote renders the message recorded on a job whose enhancement was
// skipped after a tool failure.
func FailureNote(err error) string {
	if errors.Is(err, services.ErrTimeout) {
		return "enhancement skipped: processing took too long and was stopped"
	}
	return fmt.Sprintf("enhancement skipped: %s", services.UserMessage(err))
}
