package pipeline

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewStateStartsPending(t *testing.T) {
	ps := NewState("acme/widgets#42", "acme/widgets")

	assert.Equal(t, StagePending, ps.CurrentStage)
	assert.Equal(t, 1, ps.Version)
	require.Len(t, ps.StateHistory, 1)
	assert.Equal(t, Stage(""), ps.StateHistory[0].FromStage)
	assert.Equal(t, StagePending, ps.StateHistory[0].ToStage)
	assert.Equal(t, ps.CreatedAt, ps.UpdatedAt)
	assert.Equal(t, time.UTC, ps.CreatedAt.Location())
}

func TestTransitionToAppendsHistory(t *testing.T) {
	ps := NewState("acme/widgets#42", "acme/widgets")

	require.NoError(t, ps.TransitionTo(StageIntake, map[string]any{"trigger": "webhook"}))
	require.NoError(t, ps.TransitionTo(StageProvisioning, nil))

	require.Len(t, ps.StateHistory, 3)
	assert.Equal(t, StageProvisioning, ps.CurrentStage)
	last := ps.LastTransition()
	assert.Equal(t, StageIntake, last.FromStage)
	assert.Equal(t, StageProvisioning, last.ToStage)
	assert.False(t, ps.UpdatedAt.Before(ps.CreatedAt))
	assert.Equal(t, last.Timestamp, ps.UpdatedAt)
}

func TestInvalidTransitionLeavesStateUnchanged(t *testing.T) {
	ps := NewState("acme/widgets#42", "acme/widgets")
	require.NoError(t, ps.TransitionTo(StageIntake, nil))
	before := ps.Clone()

	err := ps.TransitionTo(StageCompleted, nil)
	var ite *InvalidTransitionError
	require.ErrorAs(t, err, &ite)
	assert.Equal(t, StageIntake, ite.From)
	assert.Equal(t, StageCompleted, ite.To)

	assert.Equal(t, before.CurrentStage, ps.CurrentStage)
	assert.Equal(t, len(before.StateHistory), len(ps.StateHistory))
}

func TestCompletedRejectsReset(t *testing.T) {
	ps := NewState("acme/widgets#42", "acme/widgets")
	require.NoError(t, ps.TransitionTo(StageIntake, nil))
	require.NoError(t, ps.TransitionTo(StageProvisioning, nil))
	require.NoError(t, ps.TransitionTo(StageImplementation, nil))
	require.NoError(t, ps.TransitionTo(StagePRCreation, nil))
	require.NoError(t, ps.TransitionTo(StageCompleted, nil))

	err := ps.TransitionTo(StagePending, nil)
	var ite *InvalidTransitionError
	require.ErrorAs(t, err, &ite)
	assert.Equal(t, StageCompleted, ps.CurrentStage)
	assert.Len(t, ps.StateHistory, 6)
}

func TestFailedRequiresError(t *testing.T) {
	ps := NewState("acme/widgets#42", "acme/widgets")

	err := ps.TransitionTo(StageFailed, nil)
	require.Error(t, err)
	assert.Equal(t, StagePending, ps.CurrentStage)

	require.NoError(t, ps.TransitionTo(StageFailed, map[string]any{"error": "classifier exploded"}))
	assert.Equal(t, StageFailed, ps.CurrentStage)
	assert.Equal(t, "classifier exploded", ps.Error)
}

func TestRecoveryClearsError(t *testing.T) {
	ps := NewState("acme/widgets#42", "acme/widgets")
	require.NoError(t, ps.TransitionTo(StageFailed, map[string]any{"error": "boom"}))
	require.NoError(t, ps.TransitionTo(StagePending, nil))

	assert.Empty(t, ps.Error)
	assert.Equal(t, StagePending, ps.CurrentStage)
}

func TestIssueID(t *testing.T) {
	assert.Equal(t, "acme/widgets#42", IssueID("acme", "widgets", 42))
}

func TestNeedsClarification(t *testing.T) {
	for score, want := range map[int]bool{1: true, 2: true, 3: false, 4: false, 5: false} {
		c := Classification{CompletenessScore: score}
		assert.Equal(t, want, c.NeedsClarification(), "score %d", score)
	}
}

func TestCloneIsDeep(t *testing.T) {
	conf := 0.9
	ps := NewState("acme/widgets#42", "acme/widgets")
	ps.Classification = &Classification{
		IssueType:    IssueTypeFeature,
		Requirements: []string{"a"},
		Confidence:   &conf,
	}
	cp := ps.Clone()

	cp.Classification.Requirements[0] = "b"
	cp.StateHistory[0].ToStage = StageFailed
	*cp.Classification.Confidence = 0.1

	assert.Equal(t, "a", ps.Classification.Requirements[0])
	assert.Equal(t, StagePending, ps.StateHistory[0].ToStage)
	assert.Equal(t, 0.9, *ps.Classification.Confidence)
}
