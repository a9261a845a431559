// Package orchestrator drives an issue through the pipeline stages, from
// webhook receipt to an opened pull request. All collaborators are injected
// so every stage can be exercised against fakes.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lucasnoah/archon/internal/events"
	"github.com/lucasnoah/archon/internal/pipeline"
	"github.com/lucasnoah/archon/internal/pr"
	"github.com/lucasnoah/archon/internal/runner"
	"github.com/lucasnoah/archon/internal/store"
	"github.com/lucasnoah/archon/internal/workspace"
)

// lockRetries bounds optimistic-lock retries per transition before the
// conflict is surfaced.
const lockRetries = 3

// ErrVersionConflict reports that concurrent writers exhausted the retry
// budget for one issue.
var ErrVersionConflict = errors.New("version conflict: concurrent update on issue")

// IssueEvent is a parsed webhook payload the orchestrator acts on.
type IssueEvent struct {
	Action     string
	Owner      string
	Repository string
	Number     int
	Title      string
	Body       string
	Labels     []string
}

// Repo returns the "{owner}/{repo}" form used by the GitHub API.
func (ev IssueEvent) Repo() string { return ev.Owner + "/" + ev.Repository }

// Classifier produces a verdict for an issue. Implementations never fail;
// they degrade to a default verdict.
type Classifier interface {
	Classify(ctx context.Context, title, body string, labels []string) *pipeline.Classification
}

// Clarifier keeps the clarification label and comment in sync with a verdict.
type Clarifier interface {
	Reconcile(ctx context.Context, repo string, number int, c *pipeline.Classification) error
}

// Provisioner allocates a workspace with clones for an issue.
type Provisioner interface {
	Provision(ctx context.Context, issueID string, c *pipeline.Classification, issue workspace.IssueDetails) (*workspace.Workspace, error)
}

// ArtifactBuilder writes context.md and task.md, returning the task path.
type ArtifactBuilder interface {
	Build(ctx context.Context, ws *workspace.Workspace, issue workspace.IssueDetails, c *pipeline.Classification) (string, error)
}

// CLIRunner executes the implementation CLI.
type CLIRunner interface {
	Run(ctx context.Context, workspacePath, taskFile string, cb runner.LogCallback) *runner.Result
}

// PRCreator opens the pull request for a finished run.
type PRCreator interface {
	Create(ctx context.Context, in pr.Input) (*pr.Outcome, error)
}

// Orchestrator coordinates one issue's passage through the stages.
type Orchestrator struct {
	store       store.Store
	classifier  Classifier
	clarifier   Clarifier
	provisioner Provisioner
	builder     ArtifactBuilder
	runner      CLIRunner
	prCreator   PRCreator
	emitter     events.Emitter
	reviewers   []string
	baseBranch  string
	log         *slog.Logger
}

// Options carries the optional knobs.
type Options struct {
	Reviewers  []string
	BaseBranch string
	Logger     *slog.Logger
}

// New creates an Orchestrator with all collaborators injected.
func New(
	st store.Store,
	classifier Classifier,
	clarifier Clarifier,
	provisioner Provisioner,
	builder ArtifactBuilder,
	cliRunner CLIRunner,
	prCreator PRCreator,
	emitter events.Emitter,
	opts Options,
) *Orchestrator {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Orchestrator{
		store:       st,
		classifier:  classifier,
		clarifier:   clarifier,
		provisioner: provisioner,
		builder:     builder,
		runner:      cliRunner,
		prCreator:   prCreator,
		emitter:     emitter,
		reviewers:   opts.Reviewers,
		baseBranch:  opts.BaseBranch,
		log:         log,
	}
}

// HandleIssueOpened starts a fresh pipeline for a newly opened issue.
func (o *Orchestrator) HandleIssueOpened(ctx context.Context, ev IssueEvent) error {
	issueID := pipeline.IssueID(ev.Owner, ev.Repository, ev.Number)
	ps := pipeline.NewState(issueID, ev.Repo())

	if err := o.store.Save(ctx, ps); err != nil {
		if errors.Is(err, store.ErrAlreadyExists) {
			return o.restartIfPending(ctx, issueID, ev)
		}
		o.emit(ctx, events.New(events.TypeError, issueID, ev.Repo(), map[string]any{
			"stage": string(pipeline.StagePending),
			"error": err.Error(),
		}))
		return fmt.Errorf("create pipeline state: %w", err)
	}
	o.emit(ctx, events.New(events.TypeStateTransition, issueID, ev.Repo(), map[string]any{
		"from_stage": "",
		"to_stage":   string(pipeline.StagePending),
	}))

	if err := o.transition(ctx, ps, pipeline.StageIntake, nil); err != nil {
		return o.fail(ctx, ps, err)
	}
	return o.advance(ctx, ps, ev)
}

// HandleIssueUpdated re-enters intake for issues parked in clarification,
// and for issues sitting in pending after a manual reset. Updates to issues
// in any other stage are ignored.
func (o *Orchestrator) HandleIssueUpdated(ctx context.Context, ev IssueEvent) error {
	issueID := pipeline.IssueID(ev.Owner, ev.Repository, ev.Number)
	ps, err := o.store.Get(ctx, issueID)
	if err != nil {
		if errors.Is(err, pipeline.ErrStateNotFound) {
			o.log.Info("update for untracked issue, ignoring",
				slog.String("issue_id", issueID))
			return nil
		}
		return fmt.Errorf("load pipeline state: %w", err)
	}

	switch ps.CurrentStage {
	case pipeline.StageClarification, pipeline.StagePending:
	default:
		o.log.Info("update outside clarification or pending, ignoring",
			slog.String("issue_id", issueID),
			slog.String("stage", string(ps.CurrentStage)))
		return nil
	}

	if err := o.transition(ctx, ps, pipeline.StageIntake, map[string]any{
		"trigger": ev.Action,
	}); err != nil {
		return o.fail(ctx, ps, err)
	}
	return o.advance(ctx, ps, ev)
}

// restartIfPending handles a redelivered opened event for a tracked issue.
// A state in pending is where a manual reset parks a failed pipeline, so
// the redelivery re-enters intake and runs the pipeline again. Any other
// stage means the issue is already in flight and the duplicate is ignored.
func (o *Orchestrator) restartIfPending(ctx context.Context, issueID string, ev IssueEvent) error {
	ps, err := o.store.Get(ctx, issueID)
	if err != nil {
		return fmt.Errorf("load pipeline state: %w", err)
	}
	if ps.CurrentStage != pipeline.StagePending {
		o.log.Info("issue already tracked, ignoring opened event",
			slog.String("issue_id", issueID),
			slog.String("stage", string(ps.CurrentStage)))
		return nil
	}
	if err := o.transition(ctx, ps, pipeline.StageIntake, map[string]any{
		"trigger": ev.Action,
	}); err != nil {
		return o.fail(ctx, ps, err)
	}
	return o.advance(ctx, ps, ev)
}

// ManualReset moves a failed pipeline back to pending. It is the only
// recovery path out of failed.
func (o *Orchestrator) ManualReset(ctx context.Context, issueID string) error {
	ps, err := o.store.Get(ctx, issueID)
	if err != nil {
		return fmt.Errorf("load pipeline state: %w", err)
	}
	if err := o.transition(ctx, ps, pipeline.StagePending, map[string]any{
		"trigger": "manual_reset",
	}); err != nil {
		return err
	}
	return nil
}

// advance runs the pipeline from intake to its terminal stage.
func (o *Orchestrator) advance(ctx context.Context, ps *pipeline.PipelineState, ev IssueEvent) error {
	verdict := o.classifier.Classify(ctx, ev.Title, ev.Body, ev.Labels)
	ps.Classification = verdict

	if verdict.NeedsClarification() {
		if err := o.transition(ctx, ps, pipeline.StageClarification, map[string]any{
			"completeness_score": verdict.CompletenessScore,
		}); err != nil {
			return o.fail(ctx, ps, err)
		}
		if err := o.clarifier.Reconcile(ctx, ev.Repo(), ev.Number, verdict); err != nil {
			return o.fail(ctx, ps, fmt.Errorf("request clarification: %w", err))
		}
		return nil
	}

	if err := o.transition(ctx, ps, pipeline.StageProvisioning, nil); err != nil {
		return o.fail(ctx, ps, err)
	}
	// Clears a stale needs-clarification label after re-entry. Removal is
	// idempotent, so a failure here is housekeeping, not a pipeline error.
	if err := o.clarifier.Reconcile(ctx, ev.Repo(), ev.Number, verdict); err != nil {
		o.log.Warn("clarification reconcile failed",
			slog.String("issue_id", ps.IssueID),
			slog.String("error", err.Error()))
	}

	issue := workspace.IssueDetails{
		Owner:      ev.Owner,
		Repository: ev.Repository,
		Number:     ev.Number,
		Title:      ev.Title,
		Body:       ev.Body,
	}
	ws, err := o.provisioner.Provision(ctx, ps.IssueID, verdict, issue)
	if err != nil {
		return o.fail(ctx, ps, fmt.Errorf("provision workspace: %w", err))
	}
	taskFile, err := o.builder.Build(ctx, ws, issue, verdict)
	if err != nil {
		return o.fail(ctx, ps, fmt.Errorf("build workspace artifacts: %w", err))
	}
	ps.WorkspacePath = ws.Path

	if err := o.transition(ctx, ps, pipeline.StageImplementation, map[string]any{
		"workspace_path": ws.Path,
	}); err != nil {
		return o.fail(ctx, ps, err)
	}

	result := o.runner.Run(ctx, ws.Path, taskFile, nil)
	if !result.Success {
		return o.failRun(ctx, ps, result)
	}

	if err := o.transition(ctx, ps, pipeline.StagePRCreation, map[string]any{
		"exit_code": result.ExitCode,
	}); err != nil {
		return o.fail(ctx, ps, err)
	}

	outcome, err := o.prCreator.Create(ctx, pr.Input{
		Owner:       ev.Owner,
		Repository:  ev.Repository,
		IssueNumber: ev.Number,
		IssueTitle:  ev.Title,
		Verdict:     verdict,
		RunStdout:   result.Stdout,
		Reviewers:   o.reviewers,
		BaseBranch:  o.baseBranch,
	})
	if err != nil {
		return o.fail(ctx, ps, fmt.Errorf("open pull request: %w", err))
	}
	ps.PRNumber = outcome.Number

	duration := time.Since(ps.CreatedAt).Seconds()
	if err := o.transition(ctx, ps, pipeline.StageCompleted, map[string]any{
		"pr_number":        outcome.Number,
		"duration_seconds": duration,
	}); err != nil {
		return o.fail(ctx, ps, err)
	}

	o.emit(ctx, events.New(events.TypeCompletion, ps.IssueID, ps.Repository, map[string]any{
		"pr_number":        outcome.Number,
		"duration_seconds": duration,
	}))
	return nil
}

// transition applies one stage change and persists it under optimistic
// locking, retrying on version conflicts with a fresh read.
func (o *Orchestrator) transition(ctx context.Context, ps *pipeline.PipelineState, to pipeline.Stage, details map[string]any) error {
	for attempt := 0; attempt < lockRetries; attempt++ {
		work := ps.Clone()
		from := work.CurrentStage
		if err := work.TransitionTo(to, details); err != nil {
			return err
		}
		work.Version++

		ok, err := o.store.UpdateWithVersion(ctx, work)
		if err != nil {
			return fmt.Errorf("persist transition to %s: %w", to, err)
		}
		if ok {
			*ps = *work
			o.emit(ctx, events.New(events.TypeStateTransition, ps.IssueID, ps.Repository, map[string]any{
				"from_stage": string(from),
				"to_stage":   string(to),
			}))
			return nil
		}

		fresh, err := o.store.Get(ctx, ps.IssueID)
		if err != nil {
			return fmt.Errorf("re-read after version conflict: %w", err)
		}
		// Carry forward results computed in this orchestration that the
		// concurrent writer cannot have known about.
		if ps.Classification != nil {
			fresh.Classification = ps.Classification
		}
		if ps.WorkspacePath != "" {
			fresh.WorkspacePath = ps.WorkspacePath
		}
		if ps.PRNumber != 0 {
			fresh.PRNumber = ps.PRNumber
		}
		*ps = *fresh
	}
	return fmt.Errorf("%w %s after %d attempts", ErrVersionConflict, ps.IssueID, lockRetries)
}

// fail moves the state to failed and emits an error event. A failed
// transition that itself fails is logged, never re-raised, so the original
// cause always wins.
func (o *Orchestrator) fail(ctx context.Context, ps *pipeline.PipelineState, cause error) error {
	stage := ps.CurrentStage
	if err := o.transition(ctx, ps, pipeline.StageFailed, map[string]any{
		"error": cause.Error(),
	}); err != nil {
		o.log.Error("failed to record failure",
			slog.String("issue_id", ps.IssueID),
			slog.String("cause", cause.Error()),
			slog.String("error", err.Error()))
	}
	o.emit(ctx, events.New(events.TypeError, ps.IssueID, ps.Repository, map[string]any{
		"stage": string(stage),
		"error": cause.Error(),
	}))
	return cause
}

// failRun handles an unsuccessful CLI run, distinguishing timeouts from
// ordinary failures in the emitted event.
func (o *Orchestrator) failRun(ctx context.Context, ps *pipeline.PipelineState, result *runner.Result) error {
	cause := fmt.Errorf("implementation run failed (exit %d): %s", result.ExitCode, result.Stderr)

	stage := ps.CurrentStage
	if err := o.transition(ctx, ps, pipeline.StageFailed, map[string]any{
		"error":     cause.Error(),
		"exit_code": result.ExitCode,
	}); err != nil {
		o.log.Error("failed to record run failure",
			slog.String("issue_id", ps.IssueID),
			slog.String("error", err.Error()))
	}

	evType := events.TypeError
	if result.TimedOut {
		evType = events.TypeTimeout
	}
	o.emit(ctx, events.New(evType, ps.IssueID, ps.Repository, map[string]any{
		"stage":            string(stage),
		"error":            cause.Error(),
		"exit_code":        result.ExitCode,
		"duration_seconds": result.DurationSeconds,
	}))
	return cause
}

// emit delivers an event, swallowing sink errors.
func (o *Orchestrator) emit(ctx context.Context, ev events.Event) {
	if o.emitter == nil {
		return
	}
	if err := o.emitter.Emit(ctx, ev); err != nil {
		o.log.Warn("event emission failed",
			slog.String("event_type", string(ev.Type)),
			slog.String("issue_id", ev.IssueID),
			slog.String("error", err.Error()))
	}
}
