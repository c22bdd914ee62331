package broadcast

import (
	"testing"
	"time"

	"github.com/dar-k-dev/vidharvest/internal/jobs"
)

func jobUpdate(id string, percent int) Event {
	return Event{JobID: id, State: jobs.StateFetching, ProgressPercent: percent}
}

func receive(t *testing.T, sub *Subscription) Event {
	t.Helper()
	select {
	case event, ok := <-sub.Events():
		if !ok {
			t.Fatal("subscription closed unexpectedly")
		}
		return event
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func TestPublishReachesAllSubscribers(t *testing.T) {
	hub := NewHub(nil)
	defer hub.Close()

	a := hub.Subscribe(4)
	b := hub.Subscribe(4)

	hub.Publish(jobUpdate("job-1", 10))

	for _, sub := range []*Subscription{a, b} {
		event := receive(t, sub)
		if event.JobID != "job-1" || event.ProgressPercent != 10 {
			t.Fatalf("unexpected event %+v", event)
		}
	}
}

func TestSequenceNumbersIncrease(t *testing.T) {
	hub := NewHub(nil)
	defer hub.Close()

	sub := hub.Subscribe(8)
	hub.Publish(jobUpdate("job-1", 10))
	hub.Publish(jobUpdate("job-1", 20))
	hub.Publish(jobUpdate("job-1", 30))

	var last uint64
	for i := 0; i < 3; i++ {
		event := receive(t, sub)
		if event.Seq <= last {
			t.Fatalf("seq %d not greater than %d", event.Seq, last)
		}
		last = event.Seq
	}
}

func TestNoReplayForLateSubscriber(t *testing.T) {
	hub := NewHub(nil)
	defer hub.Close()

	hub.Publish(jobUpdate("job-1", 50))
	sub := hub.Subscribe(4)

	select {
	case event := <-sub.Events():
		t.Fatalf("late subscriber received replayed event %+v", event)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSlowSubscriberDropsWithoutBlocking(t *testing.T) {
	hub := NewHub(nil)
	defer hub.Close()

	slow := hub.Subscribe(1)
	fast := hub.Subscribe(8)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 5; i++ {
			hub.Publish(jobUpdate("job-1", i*10))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a full subscriber")
	}

	if hub.Dropped() != 4 {
		t.Fatalf("dropped = %d, want 4", hub.Dropped())
	}
	// The fast subscriber still got everything.
	for i := 0; i < 5; i++ {
		receive(t, fast)
	}
	// The slow one kept only the first.
	event := receive(t, slow)
	if event.ProgressPercent != 0 {
		t.Fatalf("slow subscriber kept %+v, want the first event", event)
	}
}

func TestCancelClosesChannel(t *testing.T) {
	hub := NewHub(nil)
	defer hub.Close()

	sub := hub.Subscribe(4)
	sub.Cancel()

	if _, ok := <-sub.Events(); ok {
		t.Fatal("channel open after Cancel")
	}
	if hub.SubscriberCount() != 0 {
		t.Fatalf("subscriber count = %d, want 0", hub.SubscriberCount())
	}
	hub.Publish(jobUpdate("job-1", 10))
}

func TestCloseClosesAllSubscribers(t *testing.T) {
	hub := NewHub(nil)
	a := hub.Subscribe(4)
	b := hub.Subscribe(4)

	hub.Close()
	for _, sub := range []*Subscription{a, b} {
		if _, ok := <-sub.Events(); ok {
			t.Fatal("channel open after hub Close")
		}
	}

	hub.Publish(jobUpdate("job-1", 10))
	late := hub.Subscribe(4)
	if _, ok := <-late.Events(); ok {
		t.Fatal("subscription on closed hub not closed")
	}
}

func TestPublishJobSnapshots(t *testing.T) {
	hub := NewHub(nil)
	defer hub.Close()

	sub := hub.Subscribe(4)
	hub.PublishJob(jobs.Job{
		ID:              "job-2",
		State:           jobs.StateEnhancing,
		ProgressPercent: 92,
		StageLabel:      "Enhancing (upscale)",
		Request:         jobs.Request{Enhancements: jobs.Enhancements{Upscale: true}},
	})

	event := receive(t, sub)
	if event.State != jobs.StateEnhancing || event.ProgressPercent != 92 || !event.Enhancements.Upscale {
		t.Fatalf("unexpected event %+v", event)
	}
	if event.Timestamp.IsZero() {
		t.Fatal("timestamp not stamped")
	}
}
