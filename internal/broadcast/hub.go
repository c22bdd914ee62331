// Package broadcast fans job updates out to live watchers. Delivery is best
// effort: there is no replay for late subscribers, and a watcher that cannot
// keep up loses updates rather than slowing the pipeline.
package broadcast

import (
	"log/slog"
	"sync"
	"time"

	"github.com/dar-k-dev/vidharvest/internal/jobs"
	"github.com/dar-k-dev/vidharvest/internal/logging"
)

const defaultBuffer = 16

// Event is one job update as seen by a watcher. Seq increases per hub and
// lets a watcher detect gaps from dropped updates.
type Event struct {
	Seq             uint64            `json:"seq"`
	JobID           string            `json:"job_id"`
	State           jobs.State        `json:"state"`
	ProgressPercent int               `json:"progress_percent"`
	StageLabel      string            `json:"stage_label"`
	ErrorMessage    string            `json:"error_message,omitempty"`
	Enhancements    jobs.Enhancements `json:"enhancements"`
	Timestamp       time.Time         `json:"timestamp"`
}

// EventFromJob renders a registry snapshot as a watcher event.
func EventFromJob(job jobs.Job) Event {
	return Event{
		JobID:           job.ID,
		State:           job.State,
		ProgressPercent: job.ProgressPercent,
		StageLabel:      job.StageLabel,
		ErrorMessage:    job.ErrorMessage,
		Enhancements:    job.Request.Enhancements,
		Timestamp:       time.Now().UTC(),
	}
}

// Subscription is one watcher's feed.
type Subscription struct {
	hub *Hub
	id  uint64
	ch  chan Event
}

// Events returns the channel the watcher reads. It is closed when the
// subscription is cancelled or the hub shuts down.
func (s *Subscription) Events() <-chan Event {
	return s.ch
}

// Cancel removes the subscription and closes its channel.
func (s *Subscription) Cancel() {
	s.hub.unsubscribe(s.id)
}

// Hub multiplexes job updates to subscribers.
type Hub struct {
	logger *slog.Logger

	mu      sync.Mutex
	subs    map[uint64]*Subscription
	nextSub uint64
	nextSeq uint64
	dropped uint64
	closed  bool
}

// NewHub constructs an empty hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Hub{
		logger: logging.NewComponentLogger(logger, "broadcast"),
		subs:   make(map[uint64]*Subscription),
	}
}

// Subscribe registers a watcher with the given channel buffer. A buffer
// below one gets the default. The watcher sees only updates published after
// this call.
func (h *Hub) Subscribe(buffer int) *Subscription {
	if buffer < 1 {
		buffer = defaultBuffer
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	h.nextSub++
	sub := &Subscription{hub: h, id: h.nextSub, ch: make(chan Event, buffer)}
	if h.closed {
		close(sub.ch)
		return sub
	}
	h.subs[sub.id] = sub
	return sub
}

// Publish stamps the event with the next sequence number and offers it to
// every subscriber without blocking. Full subscribers are skipped.
func (h *Hub) Publish(event Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.nextSeq++
	event.Seq = h.nextSeq

	for _, sub := range h.subs {
		select {
		case sub.ch <- event:
		default:
			h.dropped++
			h.logger.Debug("dropped update for slow watcher",
				logging.String(logging.FieldJobID, event.JobID),
				logging.Int64("total_dropped", int64(h.dropped)))
		}
	}
}

// PublishJob is shorthand for Publish(EventFromJob(job)); it is the hook
// installed as the job registry observer.
func (h *Hub) PublishJob(job jobs.Job) {
	h.Publish(EventFromJob(job))
}

// Dropped returns the total number of updates discarded for slow watchers.
func (h *Hub) Dropped() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.dropped
}

// SubscriberCount returns the number of live subscriptions.
func (h *Hub) SubscriberCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Close shuts the hub down and closes all subscriber channels.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, sub := range h.subs {
		close(sub.ch)
		delete(h.subs, id)
	}
}

func (h *Hub) unsubscribe(id uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if sub, ok := h.subs[id]; ok {
		close(sub.ch)
		delete(h.subs, id)
	}
}
