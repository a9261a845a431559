// Package pr opens pull requests for completed implementation runs and
// links them back to the originating issue.
package pr

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/lucasnoah/archon/internal/github"
	"github.com/lucasnoah/archon/internal/pipeline"
)

const (
	// AutomationLabel marks every PR the pipeline opens.
	AutomationLabel = "archon-automated"

	summaryLimit      = 2100
	truncationMarker  = "\n\n*(output truncated)*"
	emptySummaryNote  = "_The implementation run produced no summary output._"
	defaultBaseBranch = "main"
)

// typeLabels maps an issue type to the extra PR label. Unknown gets none.
var typeLabels = map[pipeline.IssueType]string{
	pipeline.IssueTypeFeature:        "enhancement",
	pipeline.IssueTypeBug:            "bug",
	pipeline.IssueTypeDocumentation:  "documentation",
	pipeline.IssueTypeInfrastructure: "infrastructure",
}

// GitHubAPI is the slice of the GitHub client the creator needs.
type GitHubAPI interface {
	CreatePR(ctx context.Context, repo string, req github.PRRequest) (*github.PullRequest, error)
	AddLabels(ctx context.Context, repo string, number int, labels []string) error
	RequestReviewers(ctx context.Context, repo string, prNumber int, reviewers []string) error
	CreateComment(ctx context.Context, repo string, number int, body string) error
}

// Input collects everything needed to open the PR.
type Input struct {
	Owner        string
	Repository   string
	IssueNumber  int
	IssueTitle   string
	Verdict      *pipeline.Classification
	RunStdout    string
	FilesChanged []string
	Reviewers    []string
	BaseBranch   string
}

// Outcome reports the created PR and whether the issue comment landed.
type Outcome struct {
	Number        int
	URL           string
	Branch        string
	CommentPosted bool
}

// Creator opens pull requests.
type Creator struct {
	gh  GitHubAPI
	log *slog.Logger
}

// NewCreator creates a Creator.
func NewCreator(gh GitHubAPI, log *slog.Logger) *Creator {
	if log == nil {
		log = slog.Default()
	}
	return &Creator{gh: gh, log: log}
}

// BranchName derives the head branch deterministically from the issue
// coordinates so a retry collides with the prior attempt instead of opening
// a duplicate PR.
func BranchName(owner, repo string, number int) string {
	return fmt.Sprintf("archon/%s-%s-%d", owner, repo, number)
}

// Create opens the PR, labels it, requests reviewers, and comments on the
// issue. A failed comment is reported via Outcome.CommentPosted, not as an
// error.
func (c *Creator) Create(ctx context.Context, in Input) (*Outcome, error) {
	repo := in.Owner + "/" + in.Repository
	branch := BranchName(in.Owner, in.Repository, in.IssueNumber)
	base := in.BaseBranch
	if base == "" {
		base = defaultBaseBranch
	}

	pull, err := c.gh.CreatePR(ctx, repo, github.PRRequest{
		Title: Title(in.IssueNumber, in.IssueTitle),
		Body:  Body(in),
		Head:  branch,
		Base:  base,
	})
	if err != nil {
		return nil, fmt.Errorf("create pull request: %w", err)
	}

	if err := c.gh.AddLabels(ctx, repo, pull.Number, Labels(in.Verdict)); err != nil {
		return nil, fmt.Errorf("label pull request #%d: %w", pull.Number, err)
	}

	if len(in.Reviewers) > 0 {
		if err := c.gh.RequestReviewers(ctx, repo, pull.Number, in.Reviewers); err != nil {
			return nil, fmt.Errorf("request reviewers on #%d: %w", pull.Number, err)
		}
	}

	out := &Outcome{Number: pull.Number, URL: pull.HTMLURL, Branch: branch, CommentPosted: true}

	comment := fmt.Sprintf("Opened %s to resolve this issue.", pull.HTMLURL)
	if err := c.gh.CreateComment(ctx, repo, in.IssueNumber, comment); err != nil {
		c.log.Warn("failed to comment PR link on issue",
			slog.String("repo", repo),
			slog.Int("issue", in.IssueNumber),
			slog.String("error", err.Error()))
		out.CommentPosted = false
	}
	return out, nil
}

// Title renders the PR title with the literal Fix # prefix.
func Title(number int, issueTitle string) string {
	return fmt.Sprintf("Fix #%d: %s", number, issueTitle)
}

// Body renders the PR description.
func Body(in Input) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Closes #%d\n\n", in.IssueNumber)

	sb.WriteString("## Summary\n\n")
	sb.WriteString(Summary(in.RunStdout) + "\n\n")

	if in.Verdict != nil {
		fmt.Fprintf(&sb, "**Type:** %s\n", in.Verdict.IssueType)
		if len(in.Verdict.AffectedPackages) > 0 {
			fmt.Fprintf(&sb, "**Packages:** %s\n", strings.Join(in.Verdict.AffectedPackages, ", "))
		}
	}

	if len(in.FilesChanged) > 0 {
		sb.WriteString("\n## Files Changed\n\n")
		for _, f := range in.FilesChanged {
			fmt.Fprintf(&sb, "- `%s`\n", f)
		}
	}
	return sb.String()
}

// Summary trims the run output, substitutes a note when empty, and truncates
// overlong output with a marker.
func Summary(stdout string) string {
	s := strings.TrimSpace(stdout)
	if s == "" {
		return emptySummaryNote
	}
	if len(s) > summaryLimit {
		cut := summaryLimit
		// Back up to a rune boundary so the cut never leaves invalid UTF-8.
		for cut > 0 && !utf8.RuneStart(s[cut]) {
			cut--
		}
		s = s[:cut] + truncationMarker
	}
	return s
}

// Labels returns the automation label plus the type-derived one, if any.
func Labels(c *pipeline.Classification) []string {
	labels := []string{AutomationLabel}
	if c == nil {
		return labels
	}
	if extra, ok := typeLabels[c.IssueType]; ok {
		labels = append(labels, extra)
	}
	return labels
}
