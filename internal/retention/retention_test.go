package retention

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/dar-k-dev/vidharvest/internal/config"
	"github.com/dar-k-dev/vidharvest/internal/jobs"
)

type fakeRegistry struct {
	mu      sync.Mutex
	jobs    []jobs.Job
	removed []string
}

func (f *fakeRegistry) List() []jobs.Job {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]jobs.Job(nil), f.jobs...)
}

func (f *fakeRegistry) Remove(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, id)
}

func (f *fakeRegistry) removedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.removed...)
}

func newService(t *testing.T, registry *fakeRegistry) (*Service, string) {
	t.Helper()
	cfg := config.Default()
	cfg.Paths.ArtifactDir = t.TempDir()
	cfg.Retention.GraceSeconds = 0
	svc := NewService(&cfg, registry, nil)
	svc.grace = 20 * time.Millisecond
	return svc, cfg.Paths.ArtifactDir
}

func writeFile(t *testing.T, path string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("media"), 0o644); err != nil {
		t.Fatal(err)
	}
}

func waitRemoved(t *testing.T, registry *fakeRegistry, id string) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		for _, removed := range registry.removedIDs() {
			if removed == id {
				return
			}
		}
		select {
		case <-deadline:
			t.Fatalf("job %s never removed from registry", id)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestScheduleCleanupRemovesArtifactAfterGrace(t *testing.T) {
	registry := &fakeRegistry{}
	svc, artifactDir := newService(t, registry)
	defer svc.Close()

	artifact := filepath.Join(artifactDir, "youtube", "job-1.mp4")
	stray := filepath.Join(artifactDir, "youtube", "job-1.mp4.part")
	writeFile(t, artifact)
	writeFile(t, stray)

	job := jobs.Job{ID: "job-1", State: jobs.StateDelivered, ArtifactPath: artifact}
	svc.ScheduleCleanup(job)

	// Artifact survives until the grace period elapses.
	if _, err := os.Stat(artifact); err != nil {
		t.Fatal("artifact removed before grace period")
	}

	waitRemoved(t, registry, "job-1")
	if _, err := os.Stat(artifact); !os.IsNotExist(err) {
		t.Fatal("artifact not removed")
	}
	if _, err := os.Stat(stray); !os.IsNotExist(err) {
		t.Fatal("stray partial not removed")
	}
}

func TestScheduleCleanupIdempotent(t *testing.T) {
	registry := &fakeRegistry{}
	svc, artifactDir := newService(t, registry)
	defer svc.Close()

	artifact := filepath.Join(artifactDir, "youtube", "job-1.mp4")
	writeFile(t, artifact)
	job := jobs.Job{ID: "job-1", State: jobs.StateDelivered, ArtifactPath: artifact}

	svc.ScheduleCleanup(job)
	svc.ScheduleCleanup(job)
	svc.ScheduleCleanup(job)

	waitRemoved(t, registry, "job-1")
	time.Sleep(50 * time.Millisecond)
	if got := len(registry.removedIDs()); got != 1 {
		t.Fatalf("registry.Remove called %d times, want 1", got)
	}
}

func TestCleanupSurvivesMissingArtifact(t *testing.T) {
	registry := &fakeRegistry{}
	svc, artifactDir := newService(t, registry)
	defer svc.Close()

	job := jobs.Job{
		ID:           "job-2",
		State:        jobs.StateFailed,
		ArtifactPath: filepath.Join(artifactDir, "youtube", "job-2.mp4"),
	}
	svc.ScheduleCleanup(job)
	waitRemoved(t, registry, "job-2")
}

func TestSweepRemovesAgedArtifacts(t *testing.T) {
	registry := &fakeRegistry{}
	svc, artifactDir := newService(t, registry)
	defer svc.Close()

	old := filepath.Join(artifactDir, "youtube", "old.mp4")
	fresh := filepath.Join(artifactDir, "youtube", "fresh.mp4")
	writeFile(t, old)
	writeFile(t, fresh)

	aged := time.Now().Add(-3 * time.Hour)
	if err := os.Chtimes(old, aged, aged); err != nil {
		t.Fatal(err)
	}

	if removed := svc.Sweep(); removed != 1 {
		t.Fatalf("Sweep removed %d files, want 1", removed)
	}
	if _, err := os.Stat(old); !os.IsNotExist(err) {
		t.Fatal("aged artifact not removed")
	}
	if _, err := os.Stat(fresh); err != nil {
		t.Fatal("fresh artifact removed")
	}
}

func TestSweepRemovesAgedFinishedJobs(t *testing.T) {
	registry := &fakeRegistry{
		jobs: []jobs.Job{
			{ID: "old-done", State: jobs.StateDelivered, CreatedAt: time.Now().Add(-3 * time.Hour)},
			{ID: "old-running", State: jobs.StateFetching, CreatedAt: time.Now().Add(-3 * time.Hour)},
			{ID: "fresh-done", State: jobs.StateDelivered, CreatedAt: time.Now()},
		},
	}
	svc, _ := newService(t, registry)
	defer svc.Close()

	svc.Sweep()

	removed := registry.removedIDs()
	if len(removed) != 1 || removed[0] != "old-done" {
		t.Fatalf("removed = %v, want [old-done]", removed)
	}
}

func TestCloseCancelsPendingCleanup(t *testing.T) {
	registry := &fakeRegistry{}
	svc, artifactDir := newService(t, registry)
	svc.grace = time.Hour

	artifact := filepath.Join(artifactDir, "youtube", "job-3.mp4")
	writeFile(t, artifact)
	svc.ScheduleCleanup(jobs.Job{ID: "job-3", State: jobs.StateDelivered, ArtifactPath: artifact})

	svc.Close()
	if _, err := os.Stat(artifact); err != nil {
		t.Fatal("artifact removed despite cancelled timer")
	}
	if len(registry.removedIDs()) != 0 {
		t.Fatal("registry entry removed despite cancelled timer")
	}
}
