package pipeline

import "fmt"

// Stage is a named position in the pipeline lifecycle.
type Stage string

const (
	StagePending        Stage = "pending"
	StageIntake         Stage = "intake"
	StageClarification  Stage = "clarification"
	StageProvisioning   Stage = "provisioning"
	StageImplementation Stage = "implementation"
	StagePRCreation     Stage = "pr_creation"
	StageCompleted      Stage = "completed"
	StageFailed         Stage = "failed"
)

// AllStages lists every stage in lifecycle order.
var AllStages = []Stage{
	StagePending,
	StageIntake,
	StageClarification,
	StageProvisioning,
	StageImplementation,
	StagePRCreation,
	StageCompleted,
	StageFailed,
}

// validTransitions is the single source of truth for legal stage changes.
// completed is terminal; failed can only be reset to pending manually.
var validTransitions = map[Stage][]Stage{
	StagePending:        {StageIntake, StageFailed},
	StageIntake:         {StageClarification, StageProvisioning, StageFailed},
	StageClarification:  {StageIntake, StageProvisioning, StageFailed},
	StageProvisioning:   {StageImplementation, StageFailed},
	StageImplementation: {StagePRCreation, StageFailed},
	StagePRCreation:     {StageCompleted, StageFailed},
	StageCompleted:      {},
	StageFailed:         {StagePending},
}

// Valid reports whether s is one of the eight known stages.
func (s Stage) Valid() bool {
	_, ok := validTransitions[s]
	return ok
}

func (s Stage) String() string {
	return string(s)
}

// ParseStage converts a string to a Stage, rejecting unknown values.
func ParseStage(s string) (Stage, error) {
	st := Stage(s)
	if !st.Valid() {
		return "", fmt.Errorf("unknown stage %q", s)
	}
	return st, nil
}

// CanTransitionTo reports whether s → to is a legal transition.
func (s Stage) CanTransitionTo(to Stage) bool {
	for _, t := range validTransitions[s] {
		if t == to {
			return true
		}
	}
	return false
}

// ValidTargets returns the legal target stages from s.
func ValidTargets(s Stage) []Stage {
	targets := validTransitions[s]
	out := make([]Stage, len(targets))
	copy(out, targets)
	return out
}

// Terminal reports whether no transition leaves s.
func (s Stage) Terminal() bool {
	return len(validTransitions[s]) == 0
}
