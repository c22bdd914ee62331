package workflow

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dar-k-dev/vidharvest/internal/config"
	"github.com/dar-k-dev/vidharvest/internal/fetch"
	"github.com/dar-k-dev/vidharvest/internal/jobs"
	"github.com/dar-k-dev/vidharvest/internal/services"
)

type stubFetcher struct {
	mu      sync.Mutex
	err     error
	block   chan struct{}
	started chan string
}

func (f *stubFetcher) Fetch(ctx context.Context, job jobs.Job, progress func(int, string)) (fetch.Result, error) {
	if f.started != nil {
		f.started <- job.ID
	}
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return fetch.Result{Attempts: 1}, ctx.Err()
		}
	}
	if progress != nil {
		progress(50, "Downloading")
	}
	f.mu.Lock()
	err := f.err
	f.mu.Unlock()
	if err != nil {
		return fetch.Result{Attempts: 2}, err
	}
	return fetch.Result{ArtifactPath: "/tmp/" + job.ID + ".mp4", Attempts: 1}, nil
}

type stubEnhancer struct {
	err    error
	called bool
}

func (e *stubEnhancer) Enhance(ctx context.Context, job jobs.Job, artifactPath string, progress func(int, string)) error {
	e.called = true
	if progress != nil {
		progress(95, "Enhancing")
	}
	return e.err
}

type stubCleaner struct {
	mu   sync.Mutex
	jobs []jobs.Job
}

func (c *stubCleaner) ScheduleCleanup(job jobs.Job) {
	c.mu.Lock()
	c.jobs = append(c.jobs, job)
	c.mu.Unlock()
}

func (c *stubCleaner) cleaned() []jobs.Job {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]jobs.Job(nil), c.jobs...)
}

type stubRecorder struct {
	mu      sync.Mutex
	entries []jobs.Job
}

func (r *stubRecorder) Record(ctx context.Context, job jobs.Job) error {
	r.mu.Lock()
	r.entries = append(r.entries, job)
	r.mu.Unlock()
	return nil
}

type fixture struct {
	manager  *Manager
	registry *jobs.Registry
	fetcher  *stubFetcher
	enhancer *stubEnhancer
	cleaner  *stubCleaner
	recorder *stubRecorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cfg := config.Default()
	cfg.Paths.ArtifactDir = t.TempDir()
	registry := jobs.NewRegistry()
	f := &fixture{
		registry: registry,
		fetcher:  &stubFetcher{},
		enhancer: &stubEnhancer{},
		cleaner:  &stubCleaner{},
		recorder: &stubRecorder{},
	}
	f.manager = NewManager(&cfg, registry, f.fetcher, f.enhancer, f.cleaner, f.recorder, nil)
	t.Cleanup(f.manager.Close)
	return f
}

func waitState(t *testing.T, registry *jobs.Registry, id string, want jobs.State) jobs.Job {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		job, err := registry.Get(id)
		if err == nil && job.State == want {
			return job
		}
		select {
		case <-deadline:
			t.Fatalf("job %s never reached %s (last: %+v, err: %v)", id, want, job, err)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func request(enh jobs.Enhancements) jobs.Request {
	return jobs.Request{
		URL:          "https://example.com/watch?v=abc",
		Quality:      "720p",
		Format:       "video",
		Platform:     "youtube",
		Enhancements: enh,
	}
}

func TestRunToReadyWithoutEnhancement(t *testing.T) {
	f := newFixture(t)
	job := f.manager.Enqueue(request(jobs.Enhancements{}))

	ready := waitState(t, f.registry, job.ID, jobs.StateReady)
	if ready.ProgressPercent != 100 {
		t.Fatalf("ready progress = %d, want 100", ready.ProgressPercent)
	}
	if ready.ArtifactPath == "" {
		t.Fatal("ready job has no artifact")
	}
	if f.enhancer.called {
		t.Fatal("enhancer invoked without enhancement flags")
	}
}

func TestRunWithEnhancement(t *testing.T) {
	f := newFixture(t)
	job := f.manager.Enqueue(request(jobs.Enhancements{Upscale: true}))

	ready := waitState(t, f.registry, job.ID, jobs.StateReady)
	if !f.enhancer.called {
		t.Fatal("enhancer never invoked")
	}
	if ready.ErrorMessage != "" {
		t.Fatalf("unexpected error note %q", ready.ErrorMessage)
	}
}

func TestEnhancementFailureDegradesToReady(t *testing.T) {
	f := newFixture(t)
	f.enhancer.err = services.Wrap(services.ErrExternalTool, "enhance", "run transcode", "boom", nil)

	job := f.manager.Enqueue(request(jobs.Enhancements{NoiseReduction: true}))

	ready := waitState(t, f.registry, job.ID, jobs.StateReady)
	if ready.ErrorMessage == "" {
		t.Fatal("degraded job carries no note")
	}
	if ready.ArtifactPath == "" {
		t.Fatal("degraded job lost its artifact")
	}
}

func TestFetchFailureFailsJob(t *testing.T) {
	f := newFixture(t)
	f.fetcher.err = services.Wrap(services.ErrExternalTool, "fetch", "run extraction", "boom", nil)

	job := f.manager.Enqueue(request(jobs.Enhancements{}))

	failed := waitState(t, f.registry, job.ID, jobs.StateFailed)
	if failed.ErrorMessage != "the media could not be retrieved" {
		t.Fatalf("error message = %q", failed.ErrorMessage)
	}
	if failed.RetryCount != 2 {
		t.Fatalf("retry count = %d, want 2", failed.RetryCount)
	}

	deadline := time.After(time.Second)
	for len(f.cleaner.cleaned()) == 0 {
		select {
		case <-deadline:
			t.Fatal("failed job never scheduled for cleanup")
		case <-time.After(10 * time.Millisecond):
		}
	}
	f.recorder.mu.Lock()
	recorded := len(f.recorder.entries)
	f.recorder.mu.Unlock()
	if recorded != 1 {
		t.Fatalf("history entries = %d, want 1", recorded)
	}
}

func TestCancelRunningJob(t *testing.T) {
	f := newFixture(t)
	f.fetcher.block = make(chan struct{})
	f.fetcher.started = make(chan string, 1)

	job := f.manager.Enqueue(request(jobs.Enhancements{}))
	<-f.fetcher.started

	// The cancel is recorded immediately, before the download process has
	// actually exited.
	cancelled, err := f.manager.Cancel(job.ID)
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if cancelled.State != jobs.StateCancelled {
		t.Fatalf("state = %s, want cancelled", cancelled.State)
	}
	waitState(t, f.registry, job.ID, jobs.StateCancelled)

	deadline := time.After(time.Second)
	for len(f.cleaner.cleaned()) == 0 {
		select {
		case <-deadline:
			t.Fatal("cancelled job never scheduled for cleanup")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

// syncBuffer guards a log buffer written from pipeline goroutines.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestLateProgressRejectionIsLogged(t *testing.T) {
	var buf syncBuffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	cfg := config.Default()
	cfg.Paths.ArtifactDir = t.TempDir()
	registry := jobs.NewRegistry()
	fetcher := &stubFetcher{block: make(chan struct{}), started: make(chan string, 1)}
	m := NewManager(&cfg, registry, fetcher, &stubEnhancer{}, &stubCleaner{}, nil, logger)
	t.Cleanup(m.Close)

	job := m.Enqueue(request(jobs.Enhancements{}))
	<-fetcher.started

	// Finish the job behind the fetcher's back, then let the fetcher report
	// progress into the now-terminal job.
	if _, err := registry.Transition(job.ID, jobs.StateCancelled); err != nil {
		t.Fatalf("Transition: %v", err)
	}
	close(fetcher.block)

	deadline := time.After(2 * time.Second)
	for !strings.Contains(buf.String(), "progress update rejected") {
		select {
		case <-deadline:
			t.Fatalf("rejected progress never logged; log:\n%s", buf.String())
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestCancelQueuedJob(t *testing.T) {
	f := newFixture(t)
	f.fetcher.block = make(chan struct{})
	f.fetcher.started = make(chan string, 4)

	// Fill all three slots so the fourth job stays queued.
	var running []jobs.Job
	for i := 0; i < 3; i++ {
		running = append(running, f.manager.Enqueue(request(jobs.Enhancements{})))
		<-f.fetcher.started
	}
	queued := f.manager.Enqueue(request(jobs.Enhancements{}))

	cancelled, err := f.manager.Cancel(queued.ID)
	if err != nil {
		t.Fatalf("Cancel queued: %v", err)
	}
	if cancelled.State != jobs.StateCancelled {
		t.Fatalf("state = %s, want cancelled", cancelled.State)
	}

	close(f.fetcher.block)
	for _, job := range running {
		waitState(t, f.registry, job.ID, jobs.StateReady)
	}
}

func TestCancelReadyJob(t *testing.T) {
	f := newFixture(t)
	job := f.manager.Enqueue(request(jobs.Enhancements{}))
	waitState(t, f.registry, job.ID, jobs.StateReady)

	cancelled, err := f.manager.Cancel(job.ID)
	if err != nil {
		t.Fatalf("Cancel ready: %v", err)
	}
	if cancelled.State != jobs.StateCancelled {
		t.Fatalf("state = %s, want cancelled", cancelled.State)
	}
}

func TestCancelFinishedJobRejected(t *testing.T) {
	f := newFixture(t)
	job := f.manager.Enqueue(request(jobs.Enhancements{}))
	waitState(t, f.registry, job.ID, jobs.StateReady)

	if _, err := f.manager.ConfirmDelivery(job.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := f.manager.Cancel(job.ID); !errors.Is(err, jobs.ErrInvalidTransition) {
		t.Fatalf("Cancel delivered job: err = %v, want ErrInvalidTransition", err)
	}
}

func TestConfirmDeliveryIdempotent(t *testing.T) {
	f := newFixture(t)
	job := f.manager.Enqueue(request(jobs.Enhancements{}))
	waitState(t, f.registry, job.ID, jobs.StateReady)

	first, err := f.manager.ConfirmDelivery(job.ID)
	if err != nil {
		t.Fatalf("ConfirmDelivery: %v", err)
	}
	if first.State != jobs.StateDelivered {
		t.Fatalf("state = %s, want delivered", first.State)
	}

	second, err := f.manager.ConfirmDelivery(job.ID)
	if err != nil {
		t.Fatalf("second ConfirmDelivery: %v", err)
	}
	if second.State != jobs.StateDelivered {
		t.Fatalf("second call state = %s", second.State)
	}

	if got := len(f.cleaner.cleaned()); got != 1 {
		t.Fatalf("cleanup scheduled %d times, want 1", got)
	}
	f.recorder.mu.Lock()
	recorded := len(f.recorder.entries)
	f.recorder.mu.Unlock()
	if recorded != 1 {
		t.Fatalf("history entries = %d, want 1", recorded)
	}
}

func TestConfirmDeliveryRequiresReady(t *testing.T) {
	f := newFixture(t)
	f.fetcher.block = make(chan struct{})
	f.fetcher.started = make(chan string, 1)
	defer close(f.fetcher.block)

	job := f.manager.Enqueue(request(jobs.Enhancements{}))
	<-f.fetcher.started

	if _, err := f.manager.ConfirmDelivery(job.ID); !errors.Is(err, jobs.ErrInvalidTransition) {
		t.Fatalf("ConfirmDelivery on fetching job: err = %v, want ErrInvalidTransition", err)
	}
}

func TestStalledDetection(t *testing.T) {
	f := newFixture(t)
	f.fetcher.block = make(chan struct{})
	f.fetcher.started = make(chan string, 1)
	defer close(f.fetcher.block)

	job := f.manager.Enqueue(request(jobs.Enhancements{}))
	<-f.fetcher.started

	if stalled := f.manager.Stalled(); len(stalled) != 0 {
		t.Fatalf("fresh job reported stalled: %v", stalled)
	}

	f.manager.stallThreshold = 10 * time.Millisecond
	time.Sleep(30 * time.Millisecond)

	stalled := f.manager.Stalled()
	if len(stalled) != 1 || stalled[0].ID != job.ID {
		t.Fatalf("stalled = %v, want the fetching job", stalled)
	}
}

func TestStatusCounts(t *testing.T) {
	f := newFixture(t)
	f.fetcher.block = make(chan struct{})
	f.fetcher.started = make(chan string, 4)

	for i := 0; i < 3; i++ {
		f.manager.Enqueue(request(jobs.Enhancements{}))
		<-f.fetcher.started
	}
	f.manager.Enqueue(request(jobs.Enhancements{}))

	status := f.manager.Status()
	if status.Running != 3 {
		t.Fatalf("running = %d, want 3", status.Running)
	}
	if status.QueueDepth != 1 {
		t.Fatalf("queue depth = %d, want 1", status.QueueDepth)
	}
	if status.States[jobs.StateFetching] != 3 || status.States[jobs.StateQueued] != 1 {
		t.Fatalf("states = %v", status.States)
	}
	close(f.fetcher.block)
}
