package testsupport

import (
	"path/filepath"
	"testing"

	"github.com/dar-k-dev/vidharvest/internal/config"
)

// ConfigOption allows callers to customize the generated test configuration.
type ConfigOption func(*config.Config)

// NewConfig produces a config seeded with unique temp directories per test.
// It defaults common fields and applies any provided options.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	base := t.TempDir()
	def := config.Default()
	cfg := &def
	cfg.Paths.ArtifactDir = filepath.Join(base, "artifacts")
	cfg.Paths.LogDir = filepath.Join(base, "logs")
	cfg.Paths.APIBind = "127.0.0.1:0"
	cfg.Fetch.ProgressIntervalMS = 5
	cfg.Retention.GraceSeconds = 0

	for _, opt := range opts {
		opt(cfg)
	}
	return cfg
}

// WithFetchBinary overrides the extraction tool binary on the test config.
func WithFetchBinary(binary string) ConfigOption {
	return func(cfg *config.Config) {
		cfg.Fetch.Binary = binary
	}
}

// WithMaxConcurrent overrides the concurrency ceiling on the test config.
func WithMaxConcurrent(n int) ConfigOption {
	return func(cfg *config.Config) {
		cfg.Fetch.MaxConcurrent = n
	}
}
