package jobs

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Update mutates job fields inside a guarded transition.
type Update func(*Job)

// WithProgress sets the progress percent and stage label. Percent values
// below the job's current progress are clamped so progress never regresses
// within a stage.
func WithProgress(percent int, label string) Update {
	return func(j *Job) {
		if percent > j.ProgressPercent {
			j.ProgressPercent = percent
		}
		if label != "" {
			j.StageLabel = label
		}
		j.LastProgressAt = time.Now().UTC()
	}
}

// WithStageLabel sets only the human-readable stage label.
func WithStageLabel(label string) Update {
	return func(j *Job) {
		j.StageLabel = label
	}
}

// WithArtifact records the verified artifact path.
func WithArtifact(path string) Update {
	return func(j *Job) {
		j.ArtifactPath = path
	}
}

// WithError records the user-facing error summary.
func WithError(message string) Update {
	return func(j *Job) {
		j.ErrorMessage = message
	}
}

// WithRetryCount records the number of extraction attempts consumed.
func WithRetryCount(n int) Update {
	return func(j *Job) {
		j.RetryCount = n
	}
}

// Registry is the authoritative in-memory table of jobs. All mutation funnels
// through Transition (or the Progress convenience wrapper) so the
// state-machine invariants are enforced in one place.
type Registry struct {
	mu       sync.RWMutex
	jobs     map[string]*Job
	observer func(Job)
}

// NewRegistry constructs an empty registry.
func NewRegistry() *Registry {
	return &Registry{jobs: make(map[string]*Job)}
}

// SetObserver installs a callback invoked with a snapshot after every
// successful mutation (creation, transition, progress). Used to fan job
// changes out to the progress broadcaster. The callback runs with the
// registry lock held so per-job delivery order matches mutation order; it
// must not block or call back into the registry.
func (r *Registry) SetObserver(fn func(Job)) {
	r.mu.Lock()
	r.observer = fn
	r.mu.Unlock()
}

// Create inserts a new job in StateQueued and returns its snapshot.
func (r *Registry) Create(req Request) Job {
	now := time.Now().UTC()
	job := &Job{
		ID:             uuid.NewString(),
		State:          StateQueued,
		Request:        req,
		StageLabel:     "Waiting for a download slot",
		CreatedAt:      now,
		LastProgressAt: now,
	}

	r.mu.Lock()
	r.jobs[job.ID] = job
	snapshot := *job
	if r.observer != nil {
		r.observer(snapshot)
	}
	r.mu.Unlock()
	return snapshot
}

// Get returns a snapshot of the job.
func (r *Registry) Get(id string) (Job, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	job, ok := r.jobs[id]
	if !ok {
		return Job{}, ErrNotFound
	}
	return *job, nil
}

// List returns snapshots of all jobs ordered by creation time.
func (r *Registry) List() []Job {
	r.mu.RLock()
	out := make([]Job, 0, len(r.jobs))
	for _, job := range r.jobs {
		out = append(out, *job)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Stats returns a count of jobs grouped by state.
func (r *Registry) Stats() map[State]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	stats := make(map[State]int, len(allStates))
	for _, job := range r.jobs {
		stats[job.State]++
	}
	return stats
}

// Transition atomically moves a job to a new state and applies field
// updates. Transitions out of a terminal state are rejected with an error
// matching ErrInvalidTransition, as are edges the state machine does not
// allow. Process ownership is cleared on every state change unless the
// transition claims it via TransitionOwned.
func (r *Registry) Transition(id string, to State, updates ...Update) (Job, error) {
	return r.mutate(id, &to, "", updates...)
}

// TransitionOwned behaves like Transition and additionally claims process
// ownership for the named supervising component. It fails with
// ErrProcessOwned when another component already owns a process for the job.
func (r *Registry) TransitionOwned(id string, to State, owner string, updates ...Update) (Job, error) {
	return r.mutate(id, &to, owner, updates...)
}

// Progress applies field updates without changing state. Terminal jobs
// reject progress updates the same way they reject transitions.
func (r *Registry) Progress(id string, percent int, label string) (Job, error) {
	return r.mutate(id, nil, "", WithProgress(percent, label))
}

func (r *Registry) mutate(id string, to *State, owner string, updates ...Update) (Job, error) {
	r.mu.Lock()
	job, ok := r.jobs[id]
	if !ok {
		r.mu.Unlock()
		return Job{}, ErrNotFound
	}

	from := job.State
	if to != nil && *to != from {
		if from.Terminal() || !validTransition(from, *to) {
			r.mu.Unlock()
			return Job{}, &InvalidTransitionError{JobID: id, From: from, To: *to}
		}
	} else if from.Terminal() {
		// Field-only updates on finished jobs are invariant violations too.
		r.mu.Unlock()
		return Job{}, &InvalidTransitionError{JobID: id, From: from, To: from}
	}

	if owner != "" && job.ProcessOwner != "" && job.ProcessOwner != owner {
		r.mu.Unlock()
		return Job{}, ErrProcessOwned
	}

	if to != nil && *to != from {
		job.State = *to
		job.ProcessOwner = ""
		switch *to {
		case StateEnhancing:
			if job.ProgressPercent < EnhancingBaseline {
				job.ProgressPercent = EnhancingBaseline
			}
			job.LastProgressAt = time.Now().UTC()
		case StateReady:
			now := time.Now().UTC()
			job.ProgressPercent = 100
			job.ReadyAt = &now
			job.LastProgressAt = now
		}
	}
	if owner != "" {
		job.ProcessOwner = owner
	}

	for _, update := range updates {
		update(job)
	}

	snapshot := *job
	if r.observer != nil {
		r.observer(snapshot)
	}
	r.mu.Unlock()
	return snapshot, nil
}

// Remove deletes a job from the registry. Removing an unknown id is a no-op.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	delete(r.jobs, id)
	r.mu.Unlock()
}

func validTransition(from, to State) bool {
	switch from {
	case StateQueued:
		return to == StateFetching || to == StateCancelled
	case StateFetching:
		return to == StateEnhancing || to == StateReady || to == StateFailed || to == StateCancelled
	case StateEnhancing:
		return to == StateReady || to == StateFailed || to == StateCancelled
	case StateReady:
		return to == StateDelivered || to == StateCancelled
	default:
		return false
	}
}
