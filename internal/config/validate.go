package config

import (
	"errors"
	"fmt"
	"strings"
)

// Validate checks configuration values for consistency.
func (c *Config) Validate() error {
	var problems []string

	if strings.TrimSpace(c.Paths.ArtifactDir) == "" {
		problems = append(problems, "paths.artifact_dir must not be empty")
	}
	if strings.TrimSpace(c.Paths.LogDir) == "" {
		problems = append(problems, "paths.log_dir must not be empty")
	}
	if c.Fetch.Binary == "" {
		problems = append(problems, "fetch.binary must not be empty")
	}
	if c.Fetch.MaxConcurrent <= 0 {
		problems = append(problems, "fetch.max_concurrent must be positive")
	}
	if c.Fetch.ProgressIntervalMS <= 0 {
		problems = append(problems, "fetch.progress_interval_ms must be positive")
	}
	if c.Fetch.MaxRetries < 0 {
		problems = append(problems, "fetch.max_retries must not be negative")
	}
	if c.Enhance.Binary == "" {
		problems = append(problems, "enhance.binary must not be empty")
	}
	if c.Enhance.TimeoutSeconds <= 0 {
		problems = append(problems, "enhance.timeout_seconds must be positive")
	}
	if c.Retention.GraceSeconds < 0 {
		problems = append(problems, "retention.grace_seconds must not be negative")
	}
	if c.Retention.MaxAgeHours <= 0 {
		problems = append(problems, "retention.max_age_hours must be positive")
	}
	if c.Retention.SweepIntervalMinutes <= 0 {
		problems = append(problems, "retention.sweep_interval_minutes must be positive")
	}
	if c.Workflow.StallThresholdSeconds <= 0 {
		problems = append(problems, "workflow.stall_threshold_seconds must be positive")
	}
	switch c.Logging.Format {
	case "", "console", "json":
	default:
		problems = append(problems, fmt.Sprintf("logging.format %q is not supported (console, json)", c.Logging.Format))
	}

	if len(problems) > 0 {
		return errors.New("invalid configuration: " + strings.Join(problems, "; "))
	}
	return nil
}
