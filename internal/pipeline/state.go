package pipeline

import (
	"fmt"
	"time"
)

// IssueType classifies what kind of work an issue asks for.
type IssueType string

const (
	IssueTypeFeature        IssueType = "feature"
	IssueTypeBug            IssueType = "bug"
	IssueTypeDocumentation  IssueType = "documentation"
	IssueTypeInfrastructure IssueType = "infrastructure"
	IssueTypeUnknown        IssueType = "unknown"
)

// Valid reports whether t is a known issue type.
func (t IssueType) Valid() bool {
	switch t {
	case IssueTypeFeature, IssueTypeBug, IssueTypeDocumentation, IssueTypeInfrastructure, IssueTypeUnknown:
		return true
	}
	return false
}

// Classification is the structured verdict produced by the LLM classifier.
type Classification struct {
	IssueType              IssueType `json:"issue_type"`
	Requirements           []string  `json:"requirements"`
	AffectedPackages       []string  `json:"affected_packages"`
	CompletenessScore      int       `json:"completeness_score"`
	ClarificationQuestions []string  `json:"clarification_questions"`
	Confidence             *float64  `json:"confidence,omitempty"`
	Reasoning              string    `json:"reasoning,omitempty"`
}

// NeedsClarification reports whether the issue is too underspecified to
// provision; below this threshold the pipeline parks in clarification.
func (c *Classification) NeedsClarification() bool {
	return c.CompletenessScore < 3
}

// Transition is an immutable record of one stage change. A FromStage of ""
// marks the creation record that puts the state into pending.
type Transition struct {
	FromStage Stage          `json:"from_stage"`
	ToStage   Stage          `json:"to_stage"`
	Timestamp time.Time      `json:"timestamp"`
	Details   map[string]any `json:"details,omitempty"`
}

// PipelineState is the full persisted record for one tracked issue.
type PipelineState struct {
	IssueID        string          `json:"issue_id"`
	Repository     string          `json:"repository"`
	CurrentStage   Stage           `json:"current_stage"`
	StateHistory   []Transition    `json:"state_history"`
	Classification *Classification `json:"classification,omitempty"`
	WorkspacePath  string          `json:"workspace_path,omitempty"`
	PRNumber       int             `json:"pr_number,omitempty"`
	Error          string          `json:"error,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
	Version        int             `json:"version"`
}

// IssueID builds the canonical "{owner}/{repo}#{number}" identifier.
func IssueID(owner, repo string, number int) string {
	return fmt.Sprintf("%s/%s#%d", owner, repo, number)
}

// NewState creates a fresh state in pending at version 1, with the creation
// recorded as the first history entry.
func NewState(issueID, repository string) *PipelineState {
	now := time.Now().UTC()
	return &PipelineState{
		IssueID:      issueID,
		Repository:   repository,
		CurrentStage: StagePending,
		StateHistory: []Transition{
			{FromStage: "", ToStage: StagePending, Timestamp: now},
		},
		CreatedAt: now,
		UpdatedAt: now,
		Version:   1,
	}
}

// TransitionTo applies a stage change in memory: it validates the move against
// the transition map, appends a history entry stamped at the moment of the
// call, and maintains the failed/error coupling. It does not touch Version;
// persistence owns version arithmetic.
func (ps *PipelineState) TransitionTo(to Stage, details map[string]any) error {
	if !ps.CurrentStage.CanTransitionTo(to) {
		return &InvalidTransitionError{From: ps.CurrentStage, To: to}
	}

	if to == StageFailed {
		msg, _ := details["error"].(string)
		if msg == "" {
			return fmt.Errorf("transition to failed requires a non-empty error detail")
		}
		ps.Error = msg
	}
	if ps.CurrentStage == StageFailed && to == StagePending {
		ps.Error = ""
	}

	now := time.Now().UTC()
	ps.StateHistory = append(ps.StateHistory, Transition{
		FromStage: ps.CurrentStage,
		ToStage:   to,
		Timestamp: now,
		Details:   details,
	})
	ps.CurrentStage = to
	ps.UpdatedAt = now
	return nil
}

// LastTransition returns the most recent history entry, or nil for a state
// with no history (which never occurs for states built via NewState).
func (ps *PipelineState) LastTransition() *Transition {
	if len(ps.StateHistory) == 0 {
		return nil
	}
	return &ps.StateHistory[len(ps.StateHistory)-1]
}

// Clone returns a deep copy of the state.
func (ps *PipelineState) Clone() *PipelineState {
	cp := *ps
	cp.StateHistory = make([]Transition, len(ps.StateHistory))
	copy(cp.StateHistory, ps.StateHistory)
	for i := range cp.StateHistory {
		cp.StateHistory[i].Details = cloneDetails(ps.StateHistory[i].Details)
	}
	if ps.Classification != nil {
		c := *ps.Classification
		c.Requirements = append([]string(nil), ps.Classification.Requirements...)
		c.AffectedPackages = append([]string(nil), ps.Classification.AffectedPackages...)
		c.ClarificationQuestions = append([]string(nil), ps.Classification.ClarificationQuestions...)
		if ps.Classification.Confidence != nil {
			v := *ps.Classification.Confidence
			c.Confidence = &v
		}
		cp.Classification = &c
	}
	return &cp
}

func cloneDetails(d map[string]any) map[string]any {
	if d == nil {
		return nil
	}
	out := make(map[string]any, len(d))
	for k, v := range d {
		out[k] = v
	}
	return out
}
