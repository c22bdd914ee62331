package logging

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"

	"github.com/dar-k-dev/vidharvest/internal/services"
)

func TestConsoleHandlerFormatsLine(t *testing.T) {
	var buf bytes.Buffer
	lvl := new(slog.LevelVar)
	logger := slog.New(newConsoleHandler(&buf, lvl))

	logger.Info("job admitted",
		String(FieldComponent, "scheduler"),
		String(FieldJobID, "abc123"),
		Int("active", 2),
	)

	line := buf.String()
	if !strings.Contains(line, "INFO scheduler: job admitted") {
		t.Fatalf("unexpected line: %q", line)
	}
	if !strings.Contains(line, "job_id=abc123") {
		t.Fatalf("missing job_id attr: %q", line)
	}
	if !strings.Contains(line, "active=2") {
		t.Fatalf("missing int attr: %q", line)
	}
}

func TestConsoleHandlerQuotesValuesWithSpaces(t *testing.T) {
	var buf bytes.Buffer
	lvl := new(slog.LevelVar)
	logger := slog.New(newConsoleHandler(&buf, lvl))

	logger.Warn("fetch retry", String("reason", "exit status 1"))
	if !strings.Contains(buf.String(), `reason="exit status 1"`) {
		t.Fatalf("value not quoted: %q", buf.String())
	}
}

func TestWithContextAddsJobFields(t *testing.T) {
	var buf bytes.Buffer
	lvl := new(slog.LevelVar)
	base := slog.New(newConsoleHandler(&buf, lvl))

	ctx := services.WithJobID(context.Background(), "j-1")
	ctx = services.WithStage(ctx, "fetch")
	WithContext(ctx, base).Info("stage started")

	line := buf.String()
	if !strings.Contains(line, "job_id=j-1") || !strings.Contains(line, "stage=fetch") {
		t.Fatalf("context fields missing: %q", line)
	}
}

func TestParseLevel(t *testing.T) {
	if parseLevel("debug") != slog.LevelDebug {
		t.Fatal("debug level not parsed")
	}
	if parseLevel("") != slog.LevelInfo {
		t.Fatal("empty level should default to info")
	}
	if parseLevel("nonsense") != slog.LevelInfo {
		t.Fatal("unknown level should default to info")
	}
}
