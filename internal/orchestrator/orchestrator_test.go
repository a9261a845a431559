package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lucasnoah/archon/internal/events"
	"github.com/lucasnoah/archon/internal/pipeline"
	"github.com/lucasnoah/archon/internal/pr"
	"github.com/lucasnoah/archon/internal/runner"
	"github.com/lucasnoah/archon/internal/store"
	"github.com/lucasnoah/archon/internal/workspace"
)

type fakeClassifier struct {
	verdicts []*pipeline.Classification
	calls    int
}

func (f *fakeClassifier) Classify(_ context.Context, _, _ string, _ []string) *pipeline.Classification {
	v := f.verdicts[f.calls]
	if f.calls < len(f.verdicts)-1 {
		f.calls++
	}
	return v
}

type fakeClarifier struct {
	calls []*pipeline.Classification
	err   error
}

func (f *fakeClarifier) Reconcile(_ context.Context, _ string, _ int, c *pipeline.Classification) error {
	f.calls = append(f.calls, c)
	return f.err
}

type fakeProvisioner struct {
	ws  *workspace.Workspace
	err error
}

func (f *fakeProvisioner) Provision(_ context.Context, _ string, _ *pipeline.Classification, _ workspace.IssueDetails) (*workspace.Workspace, error) {
	return f.ws, f.err
}

type fakeBuilder struct{ err error }

func (f *fakeBuilder) Build(_ context.Context, ws *workspace.Workspace, _ workspace.IssueDetails, _ *pipeline.Classification) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return ws.Path + "/task.md", nil
}

type fakeRunner struct{ result *runner.Result }

func (f *fakeRunner) Run(_ context.Context, _, _ string, _ runner.LogCallback) *runner.Result {
	return f.result
}

type fakePRCreator struct {
	outcome *pr.Outcome
	err     error
	inputs  []pr.Input
}

func (f *fakePRCreator) Create(_ context.Context, in pr.Input) (*pr.Outcome, error) {
	f.inputs = append(f.inputs, in)
	if f.err != nil {
		return nil, f.err
	}
	return f.outcome, nil
}

type captureEmitter struct {
	mu     sync.Mutex
	events []events.Event
}

func (c *captureEmitter) Emit(_ context.Context, ev events.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
	return nil
}

func (c *captureEmitter) byType(t events.Type) []events.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []events.Event
	for _, ev := range c.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

type harness struct {
	store       *store.Memory
	classifier  *fakeClassifier
	clarifier   *fakeClarifier
	provisioner *fakeProvisioner
	builder     *fakeBuilder
	runner      *fakeRunner
	prCreator   *fakePRCreator
	emitter     *captureEmitter
	orch        *Orchestrator
}

func goodVerdict() *pipeline.Classification {
	return &pipeline.Classification{
		IssueType:         pipeline.IssueTypeFeature,
		Requirements:      []string{"support the code flow"},
		AffectedPackages:  []string{"widgets"},
		CompletenessScore: 4,
	}
}

func vagueVerdict() *pipeline.Classification {
	return &pipeline.Classification{
		IssueType:              pipeline.IssueTypeFeature,
		CompletenessScore:      2,
		ClarificationQuestions: []string{"Which provider?", "Persist sessions?"},
	}
}

func newHarness(t *testing.T, verdicts ...*pipeline.Classification) *harness {
	t.Helper()
	h := &harness{
		store:       store.NewMemory(),
		classifier:  &fakeClassifier{verdicts: verdicts},
		clarifier:   &fakeClarifier{},
		provisioner: &fakeProvisioner{ws: &workspace.Workspace{Path: t.TempDir()}},
		builder:     &fakeBuilder{},
		runner:      &fakeRunner{result: &runner.Result{Success: true, ExitCode: 0, Stdout: "Implemented OAuth2"}},
		prCreator:   &fakePRCreator{outcome: &pr.Outcome{Number: 99, URL: "https://github.com/acme/widgets/pull/99", CommentPosted: true}},
		emitter:     &captureEmitter{},
	}
	h.orch = New(h.store, h.classifier, h.clarifier, h.provisioner, h.builder, h.runner, h.prCreator, h.emitter, Options{})
	return h
}

func openedEvent() IssueEvent {
	return IssueEvent{
		Action:     "opened",
		Owner:      "acme",
		Repository: "widgets",
		Number:     42,
		Title:      "Add OAuth2",
		Body:       "Support the authorization code flow with refresh tokens.",
		Labels:     []string{"archon-automate"},
	}
}

func TestHappyPath(t *testing.T) {
	h := newHarness(t, goodVerdict())

	require.NoError(t, h.orch.HandleIssueOpened(context.Background(), openedEvent()))

	ps, err := h.store.Get(context.Background(), "acme/widgets#42")
	require.NoError(t, err)

	assert.Equal(t, pipeline.StageCompleted, ps.CurrentStage)
	assert.Equal(t, 99, ps.PRNumber)
	assert.NotEmpty(t, ps.WorkspacePath)
	require.Len(t, ps.StateHistory, 6)

	wantStages := []pipeline.Stage{
		pipeline.StagePending,
		pipeline.StageIntake,
		pipeline.StageProvisioning,
		pipeline.StageImplementation,
		pipeline.StagePRCreation,
		pipeline.StageCompleted,
	}
	for i, tr := range ps.StateHistory {
		assert.Equal(t, wantStages[i], tr.ToStage, "transition %d", i)
	}

	completions := h.emitter.byType(events.TypeCompletion)
	require.Len(t, completions, 1)
	dur, ok := completions[0].Details["duration_seconds"].(float64)
	require.True(t, ok)
	assert.GreaterOrEqual(t, dur, 0.0)

	require.Len(t, h.prCreator.inputs, 1)
	assert.Equal(t, "Add OAuth2", h.prCreator.inputs[0].IssueTitle)
	assert.Equal(t, "Implemented OAuth2", h.prCreator.inputs[0].RunStdout)
}

func TestClarificationCycle(t *testing.T) {
	h := newHarness(t, vagueVerdict(), goodVerdict())

	require.NoError(t, h.orch.HandleIssueOpened(context.Background(), openedEvent()))

	ps, err := h.store.Get(context.Background(), "acme/widgets#42")
	require.NoError(t, err)
	assert.Equal(t, pipeline.StageClarification, ps.CurrentStage)
	require.Len(t, h.clarifier.calls, 1)
	assert.True(t, h.clarifier.calls[0].NeedsClarification())

	// Reporter edits the issue with a richer body.
	ev := openedEvent()
	ev.Action = "edited"
	ev.Body = "Support the code flow, refresh tokens, and PKCE for mobile."
	require.NoError(t, h.orch.HandleIssueUpdated(context.Background(), ev))

	ps, err = h.store.Get(context.Background(), "acme/widgets#42")
	require.NoError(t, err)
	assert.Equal(t, pipeline.StageCompleted, ps.CurrentStage)

	// Second reconcile carries the passing verdict, clearing the label.
	require.Len(t, h.clarifier.calls, 2)
	assert.False(t, h.clarifier.calls[1].NeedsClarification())

	// Both clarification visits are on record.
	var visits int
	for _, tr := range ps.StateHistory {
		if tr.ToStage == pipeline.StageClarification || tr.FromStage == pipeline.StageClarification {
			visits++
		}
	}
	assert.Equal(t, 2, visits)
}

func TestCLITimeoutFailsPipeline(t *testing.T) {
	h := newHarness(t, goodVerdict())
	h.runner.result = &runner.Result{
		Success:  false,
		ExitCode: -1,
		Stderr:   "process timed out after 30m0s and was killed",
		TimedOut: true,
	}

	err := h.orch.HandleIssueOpened(context.Background(), openedEvent())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timed out")

	ps, _ := h.store.Get(context.Background(), "acme/widgets#42")
	assert.Equal(t, pipeline.StageFailed, ps.CurrentStage)
	assert.Contains(t, ps.Error, "timed out")

	timeouts := h.emitter.byType(events.TypeTimeout)
	require.Len(t, timeouts, 1)
	assert.Equal(t, string(pipeline.StageImplementation), timeouts[0].Details["stage"])
}

func TestCLINonZeroExitFailsPipeline(t *testing.T) {
	h := newHarness(t, goodVerdict())
	h.runner.result = &runner.Result{Success: false, ExitCode: 3, Stderr: "boom"}

	err := h.orch.HandleIssueOpened(context.Background(), openedEvent())
	require.Error(t, err)

	ps, _ := h.store.Get(context.Background(), "acme/widgets#42")
	assert.Equal(t, pipeline.StageFailed, ps.CurrentStage)
	assert.Contains(t, ps.Error, "boom")
	assert.Empty(t, h.emitter.byType(events.TypeTimeout))
	assert.NotEmpty(t, h.emitter.byType(events.TypeError))
}

func TestProvisionFailureFailsPipeline(t *testing.T) {
	h := newHarness(t, goodVerdict())
	h.provisioner.err = errors.New("clone refused")

	err := h.orch.HandleIssueOpened(context.Background(), openedEvent())
	require.Error(t, err)

	ps, _ := h.store.Get(context.Background(), "acme/widgets#42")
	assert.Equal(t, pipeline.StageFailed, ps.CurrentStage)
	assert.Contains(t, ps.Error, "clone refused")
}

func TestConcurrentTransitionsOneWins(t *testing.T) {
	st := store.NewMemory()
	ps := pipeline.NewState("acme/widgets#42", "acme/widgets")
	require.NoError(t, st.Save(context.Background(), ps))

	// Advance to intake, version 2.
	require.NoError(t, ps.TransitionTo(pipeline.StageIntake, nil))
	ps.Version++
	ok, err := st.UpdateWithVersion(context.Background(), ps)
	require.NoError(t, err)
	require.True(t, ok)

	// Two writers race the same intake -> provisioning move from version 2.
	a := ps.Clone()
	b := ps.Clone()
	require.NoError(t, a.TransitionTo(pipeline.StageProvisioning, nil))
	require.NoError(t, b.TransitionTo(pipeline.StageProvisioning, nil))
	a.Version++
	b.Version++

	okA, err := st.UpdateWithVersion(context.Background(), a)
	require.NoError(t, err)
	okB, err := st.UpdateWithVersion(context.Background(), b)
	require.NoError(t, err)

	assert.True(t, okA != okB, "exactly one writer must win")

	final, err := st.Get(context.Background(), "acme/widgets#42")
	require.NoError(t, err)
	assert.Equal(t, 3, final.Version)
	assert.Len(t, final.StateHistory, 3)
}

func TestTransitionRetriesAfterConflict(t *testing.T) {
	h := newHarness(t, goodVerdict())
	ctx := context.Background()

	ps := pipeline.NewState("acme/widgets#7", "acme/widgets")
	require.NoError(t, h.store.Save(ctx, ps))
	require.NoError(t, ps.TransitionTo(pipeline.StageIntake, nil))
	ps.Version++
	ok, err := h.store.UpdateWithVersion(ctx, ps)
	require.NoError(t, err)
	require.True(t, ok)

	// Snapshot at intake/v2, then a concurrent writer advances to
	// provisioning/v3 behind our back.
	stale := ps.Clone()
	require.NoError(t, ps.TransitionTo(pipeline.StageProvisioning, nil))
	ps.Version++
	ok, err = h.store.UpdateWithVersion(ctx, ps)
	require.NoError(t, err)
	require.True(t, ok)

	// Recording a failure from the stale copy conflicts once, re-reads, and
	// lands provisioning -> failed on the fresh state.
	stale.Classification = goodVerdict()
	require.NoError(t, h.orch.transition(ctx, stale, pipeline.StageFailed, map[string]any{
		"error": "clone refused",
	}))

	final, err := h.store.Get(ctx, ps.IssueID)
	require.NoError(t, err)
	assert.Equal(t, pipeline.StageFailed, final.CurrentStage)
	assert.Equal(t, 4, final.Version)
	assert.Equal(t, "clone refused", final.Error)
	require.NotNil(t, final.Classification)
}

func TestCompletedRejectsReset(t *testing.T) {
	h := newHarness(t, goodVerdict())
	require.NoError(t, h.orch.HandleIssueOpened(context.Background(), openedEvent()))

	err := h.orch.ManualReset(context.Background(), "acme/widgets#42")
	var invalid *pipeline.InvalidTransitionError
	require.ErrorAs(t, err, &invalid)

	ps, _ := h.store.Get(context.Background(), "acme/widgets#42")
	assert.Equal(t, pipeline.StageCompleted, ps.CurrentStage)
	assert.Len(t, ps.StateHistory, 6)
}

func TestManualResetFromFailed(t *testing.T) {
	h := newHarness(t, goodVerdict())
	h.runner.result = &runner.Result{Success: false, ExitCode: 1, Stderr: "broke"}

	require.Error(t, h.orch.HandleIssueOpened(context.Background(), openedEvent()))
	require.NoError(t, h.orch.ManualReset(context.Background(), "acme/widgets#42"))

	ps, _ := h.store.Get(context.Background(), "acme/widgets#42")
	assert.Equal(t, pipeline.StagePending, ps.CurrentStage)
	assert.Empty(t, ps.Error)
}

func TestRetryAfterManualReset(t *testing.T) {
	h := newHarness(t, goodVerdict())
	h.runner.result = &runner.Result{Success: false, ExitCode: 1, Stderr: "flaky toolchain"}

	require.Error(t, h.orch.HandleIssueOpened(context.Background(), openedEvent()))
	require.NoError(t, h.orch.ManualReset(context.Background(), "acme/widgets#42"))

	// Operator fixes the CLI and redelivers the opened webhook; the reset
	// state in pending runs the full pipeline again.
	h.runner.result = &runner.Result{Success: true, ExitCode: 0, Stdout: "Implemented OAuth2"}
	require.NoError(t, h.orch.HandleIssueOpened(context.Background(), openedEvent()))

	ps, _ := h.store.Get(context.Background(), "acme/widgets#42")
	assert.Equal(t, pipeline.StageCompleted, ps.CurrentStage)
	assert.Equal(t, 99, ps.PRNumber)
	assert.Empty(t, ps.Error)

	// First run through failed (5), reset (1), full retry (5).
	assert.Len(t, ps.StateHistory, 11)
}

func TestEditedEventRestartsAfterManualReset(t *testing.T) {
	h := newHarness(t, goodVerdict())
	h.runner.result = &runner.Result{Success: false, ExitCode: 1, Stderr: "flaky toolchain"}

	require.Error(t, h.orch.HandleIssueOpened(context.Background(), openedEvent()))
	require.NoError(t, h.orch.ManualReset(context.Background(), "acme/widgets#42"))

	h.runner.result = &runner.Result{Success: true, ExitCode: 0, Stdout: "Implemented OAuth2"}
	ev := openedEvent()
	ev.Action = "edited"
	require.NoError(t, h.orch.HandleIssueUpdated(context.Background(), ev))

	ps, _ := h.store.Get(context.Background(), "acme/widgets#42")
	assert.Equal(t, pipeline.StageCompleted, ps.CurrentStage)
	assert.Equal(t, 99, ps.PRNumber)
}

func TestDuplicateOpenedIgnored(t *testing.T) {
	h := newHarness(t, goodVerdict())
	ev := openedEvent()

	require.NoError(t, h.orch.HandleIssueOpened(context.Background(), ev))
	require.NoError(t, h.orch.HandleIssueOpened(context.Background(), ev))

	ps, _ := h.store.Get(context.Background(), "acme/widgets#42")
	assert.Len(t, ps.StateHistory, 6)
}

func TestUpdateOutsideClarificationIgnored(t *testing.T) {
	h := newHarness(t, goodVerdict())
	require.NoError(t, h.orch.HandleIssueOpened(context.Background(), openedEvent()))

	ev := openedEvent()
	ev.Action = "edited"
	require.NoError(t, h.orch.HandleIssueUpdated(context.Background(), ev))

	ps, _ := h.store.Get(context.Background(), "acme/widgets#42")
	assert.Equal(t, pipeline.StageCompleted, ps.CurrentStage)
	assert.Len(t, ps.StateHistory, 6)
}

func TestUpdateForUntrackedIssueIgnored(t *testing.T) {
	h := newHarness(t, goodVerdict())
	ev := openedEvent()
	ev.Action = "edited"

	require.NoError(t, h.orch.HandleIssueUpdated(context.Background(), ev))
	_, err := h.store.Get(context.Background(), "acme/widgets#42")
	assert.ErrorIs(t, err, pipeline.ErrStateNotFound)
}

func TestPRCreationFailureFailsPipeline(t *testing.T) {
	h := newHarness(t, goodVerdict())
	h.prCreator.err = errors.New("branch conflict")

	err := h.orch.HandleIssueOpened(context.Background(), openedEvent())
	require.Error(t, err)

	ps, _ := h.store.Get(context.Background(), "acme/widgets#42")
	assert.Equal(t, pipeline.StageFailed, ps.CurrentStage)
	assert.Contains(t, ps.Error, "branch conflict")
}

func TestEmitterFailureDoesNotAffectPipeline(t *testing.T) {
	h := newHarness(t, goodVerdict())
	h.orch.emitter = failingEmitter{}

	require.NoError(t, h.orch.HandleIssueOpened(context.Background(), openedEvent()))

	ps, _ := h.store.Get(context.Background(), "acme/widgets#42")
	assert.Equal(t, pipeline.StageCompleted, ps.CurrentStage)
}

type failingEmitter struct{}

func (failingEmitter) Emit(context.Context, events.Event) error {
	return errors.New("sink down")
}
