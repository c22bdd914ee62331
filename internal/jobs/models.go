package jobs

import (
	"strings"
	"time"
)

// State represents the lifecycle of a job.
type State string

const (
	StateQueued    State = "queued"
	StateFetching  State = "fetching"
	StateEnhancing State = "enhancing"
	StateReady     State = "ready"
	StateDelivered State = "delivered"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

var allStates = []State{
	StateQueued,
	StateFetching,
	StateEnhancing,
	StateReady,
	StateDelivered,
	StateFailed,
	StateCancelled,
}

// EnhancingBaseline is the progress percent a job is reset to when it enters
// the enhancement stage, keeping the overall bar monotonic across the
// fetch/enhance boundary.
const EnhancingBaseline = 90

// AllStates returns the ordered list of known states.
func AllStates() []State {
	cp := make([]State, len(allStates))
	copy(cp, allStates)
	return cp
}

// ParseState converts a string into a known State.
func ParseState(value string) (State, bool) {
	normalized := State(strings.ToLower(strings.TrimSpace(value)))
	switch normalized {
	case StateQueued, StateFetching, StateEnhancing, StateReady, StateDelivered, StateFailed, StateCancelled:
		return normalized, true
	default:
		return "", false
	}
}

// Terminal reports whether no further transitions are allowed out of s.
func (s State) Terminal() bool {
	switch s {
	case StateDelivered, StateFailed, StateCancelled:
		return true
	default:
		return false
	}
}

// Active reports whether the state may own a running external process.
func (s State) Active() bool {
	return s == StateFetching || s == StateEnhancing
}

// Enhancements is the set of independently toggleable enhancement flags.
// Flag-declaration order (upscale, noise reduction, color correction) is the
// order filters are applied by the enhancement pipeline.
type Enhancements struct {
	Upscale         bool `json:"upscale"`
	NoiseReduction  bool `json:"noise_reduction"`
	ColorCorrection bool `json:"color_correction"`
}

// Any reports whether at least one enhancement flag is set.
func (e Enhancements) Any() bool {
	return e.Upscale || e.NoiseReduction || e.ColorCorrection
}

// Labels returns the names of the enabled flags in declaration order.
func (e Enhancements) Labels() []string {
	var labels []string
	if e.Upscale {
		labels = append(labels, "upscale")
	}
	if e.NoiseReduction {
		labels = append(labels, "noise-reduction")
	}
	if e.ColorCorrection {
		labels = append(labels, "color-correction")
	}
	return labels
}

// Request is the immutable snapshot of what the collaborator asked for.
type Request struct {
	URL          string       `json:"url"`
	Quality      string       `json:"quality"`
	Format       string       `json:"format"`
	Platform     string       `json:"platform"`
	Priority     int          `json:"priority"`
	Enhancements Enhancements `json:"enhancements"`
}

// AudioOnly reports whether the request asks for an audio-only artifact.
func (r Request) AudioOnly() bool {
	switch strings.ToLower(strings.TrimSpace(r.Format)) {
	case "audio", "mp3":
		return true
	default:
		return false
	}
}

// Extension returns the artifact file extension derived from the requested
// format: mp3 for audio-only requests, mp4 otherwise.
func (r Request) Extension() string {
	if r.AudioOnly() {
		return "mp3"
	}
	return "mp4"
}

// Job is the central tracked entity: one requested media acquisition plus
// optional enhancement.
type Job struct {
	ID              string
	State           State
	Request         Request
	ProgressPercent int
	StageLabel      string
	ArtifactPath    string
	ErrorMessage    string
	RetryCount      int

	// ProcessOwner names the component currently supervising an external
	// process for this job ("fetch" or "enhance"), empty when none runs.
	ProcessOwner string

	CreatedAt      time.Time
	ReadyAt        *time.Time
	LastProgressAt time.Time
}

// Finished reports whether the job reached a terminal state.
func (j Job) Finished() bool {
	return j.State.Terminal()
}
