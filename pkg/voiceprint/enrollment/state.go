// Package enrollment derives a user's enrollment phase from what the stores
// hold. No state is kept in memory: the phase is recomputed on every call
// from the staged sample count and whether a voiceprint exists.
package enrollment

import "fmt"

// Phase is a user's position in the enrollment lifecycle
type Phase string

const (
	// PhaseEmpty means no samples are staged and no voiceprint exists
	PhaseEmpty Phase = "empty"
	// PhaseAccumulating means some, but fewer than the minimum, samples are staged
	PhaseAccumulating Phase = "accumulating"
	// PhaseReady means enough samples are staged to aggregate
	PhaseReady Phase = "ready"
	// PhaseEnrolled means a voiceprint exists
	PhaseEnrolled Phase = "enrolled"
)

// State is a snapshot of a user's enrollment
type State struct {
	Phase      Phase `json:"phase" yaml:"phase"`
	Count      int   `json:"sample_count" yaml:"sample_count"`
	MinSamples int   `json:"min_samples" yaml:"min_samples"`
}

// Derive computes the state from the stores' view of a user. An existing
// voiceprint always wins: staged samples are kept after aggregation and
// only re-enrollment returns the user to PhaseEmpty.
func Derive(count int, voiceprintExists bool, minSamples int) State {
	s := State{Count: count, MinSamples: minSamples}

	switch {
	case voiceprintExists:
		s.Phase = PhaseEnrolled
	case count <= 0:
		s.Phase = PhaseEmpty
		s.Count = 0
	case count < minSamples:
		s.Phase = PhaseAccumulating
	default:
		s.Phase = PhaseReady
	}
	return s
}

// SamplesNeeded returns how many more samples must be staged before
// aggregation can run
func (s State) SamplesNeeded() int {
	if s.Phase == PhaseEnrolled {
		return 0
	}
	return max(0, s.MinSamples-s.Count)
}

// CanAggregate reports whether enough samples are staged
func (s State) CanAggregate() bool {
	return s.Count >= s.MinSamples && s.Count > 0
}

func (s State) String() string {
	switch s.Phase {
	case PhaseAccumulating:
		return fmt.Sprintf("%s(%d/%d)", s.Phase, s.Count, s.MinSamples)
	default:
		return string(s.Phase)
	}
}
