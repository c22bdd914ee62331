package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths contains directory and bind address configuration.
type Paths struct {
	ArtifactDir string `toml:"artifact_dir"`
	LogDir      string `toml:"log_dir"`
	APIBind     string `toml:"api_bind"`
}

// Fetch contains configuration for the external extraction tool.
type Fetch struct {
	Binary             string `toml:"binary"`
	MaxConcurrent      int    `toml:"max_concurrent"`
	ProgressIntervalMS int    `toml:"progress_interval_ms"`
	MaxRetries         int    `toml:"max_retries"`
}

// Enhance contains configuration for the external transcode tool.
type Enhance struct {
	Binary         string `toml:"binary"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
}

// Retention contains configuration for artifact cleanup.
type Retention struct {
	GraceSeconds         int `toml:"grace_seconds"`
	MaxAgeHours          int `toml:"max_age_hours"`
	SweepIntervalMinutes int `toml:"sweep_interval_minutes"`
}

// Workflow contains configuration for job supervision.
type Workflow struct {
	StallThresholdSeconds int `toml:"stall_threshold_seconds"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format string `toml:"format"`
	Level  string `toml:"level"`
}

// Config encapsulates all configuration values for vidharvest.
//
// Configuration sections by subsystem:
//   - Paths: artifact/log directories and API bind address
//   - Fetch: extraction tool binary and concurrency ceiling
//   - Enhance: transcode tool binary and stage timeout
//   - Retention: artifact cleanup delays and sweep cadence
//   - Workflow: stall detection threshold
//   - Logging: log format and level
type Config struct {
	Paths     Paths     `toml:"paths"`
	Fetch     Fetch     `toml:"fetch"`
	Enhance   Enhance   `toml:"enhance"`
	Retention Retention `toml:"retention"`
	Workflow  Workflow  `toml:"workflow"`
	Logging   Logging   `toml:"logging"`
}

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath("~/.config/vidharvest/config.toml")
}

// Load locates, parses, and validates a configuration file. The returned config
// has all path fields expanded and normalized. The boolean reports whether a
// config file was found on disk.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		_, err = os.Stat(expanded)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := DefaultConfigPath()
	if err != nil {
		return "", false, err
	}

	projectPath, err := filepath.Abs("vidharvest.toml")
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}

	return defaultPath, false, nil
}

// EnsureDirectories creates required directories for daemon operation.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.Paths.ArtifactDir, c.Paths.LogDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	return nil
}

// ProgressInterval returns the synthetic fetch progress cadence.
func (c *Config) ProgressInterval() time.Duration {
	return time.Duration(c.Fetch.ProgressIntervalMS) * time.Millisecond
}

// EnhanceTimeout returns the wall-clock bound for the enhancement stage.
func (c *Config) EnhanceTimeout() time.Duration {
	return time.Duration(c.Enhance.TimeoutSeconds) * time.Second
}

// RetentionGrace returns the post-delivery deletion delay.
func (c *Config) RetentionGrace() time.Duration {
	return time.Duration(c.Retention.GraceSeconds) * time.Second
}

// RetentionMaxAge returns the maximum artifact age before the sweep removes it.
func (c *Config) RetentionMaxAge() time.Duration {
	return time.Duration(c.Retention.MaxAgeHours) * time.Hour
}

// SweepInterval returns the cadence of the retention age sweep.
func (c *Config) SweepInterval() time.Duration {
	return time.Duration(c.Retention.SweepIntervalMinutes) * time.Minute
}

// StallThreshold returns how long a fetching job may go without progress
// before the stall check flags it.
func (c *Config) StallThreshold() time.Duration {
	return time.Duration(c.Workflow.StallThresholdSeconds) * time.Second
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	cleaned := filepath.Clean(pathValue)
	absolute, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", cleaned, err)
	}
	return absolute, nil
}

// ExpandPath exposes the repository path expansion rules for other packages.
func ExpandPath(pathValue string) (string, error) {
	return expandPath(pathValue)
}

// CreateSample writes a sample configuration file to the specified location.
func CreateSample(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}

	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}
