// Package clarification keeps the needs-clarification label and its
// checklist comment consistent with the latest classification verdict.
package clarification

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/lucasnoah/archon/internal/pipeline"
)

// Label marks issues awaiting answers from the reporter.
const Label = "needs-clarification"

const (
	commentHeader = "## Clarification needed\n\nBefore implementation can start, please answer the following:\n"
	commentFooter = "\nEdit the issue body or reply here; the pipeline re-runs automatically on update."
)

// GitHubAPI is the subset of the GitHub client the manager needs.
type GitHubAPI interface {
	CreateComment(ctx context.Context, repo string, number int, body string) error
	AddLabels(ctx context.Context, repo string, number int, labels []string) error
	RemoveLabel(ctx context.Context, repo string, number int, label string) error
}

// Manager reconciles an issue's clarification markers with a verdict.
type Manager struct {
	gh  GitHubAPI
	log *slog.Logger
}

// NewManager creates a Manager.
func NewManager(gh GitHubAPI, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{gh: gh, log: log}
}

// Reconcile enforces the invariant that the label is present iff the verdict
// says the issue is underspecified. When clarification is needed it posts the
// checklist comment (skipped for an empty question list); otherwise it removes
// the label, which the client treats as idempotent.
func (m *Manager) Reconcile(ctx context.Context, repo string, number int, c *pipeline.Classification) error {
	if c != nil && c.NeedsClarification() {
		if err := m.gh.AddLabels(ctx, repo, number, []string{Label}); err != nil {
			return fmt.Errorf("add %s label: %w", Label, err)
		}
		comment := FormatComment(c.ClarificationQuestions)
		if comment == "" {
			return nil
		}
		if err := m.gh.CreateComment(ctx, repo, number, comment); err != nil {
			return fmt.Errorf("post clarification comment: %w", err)
		}
		m.log.Info("clarification requested",
			slog.String("repo", repo),
			slog.Int("issue", number),
			slog.Int("questions", len(c.ClarificationQuestions)))
		return nil
	}

	if err := m.gh.RemoveLabel(ctx, repo, number, Label); err != nil {
		return fmt.Errorf("remove %s label: %w", Label, err)
	}
	return nil
}

// FormatComment renders questions as a GitHub-flavored markdown checklist.
// Returns "" for an empty list.
func FormatComment(questions []string) string {
	items := make([]string, 0, len(questions))
	for _, q := range questions {
		if s := sanitizeQuestion(q); s != "" {
			items = append(items, "- [ ] "+s)
		}
	}
	if len(items) == 0 {
		return ""
	}
	return commentHeader + "\n" + strings.Join(items, "\n") + "\n" + commentFooter
}

// sanitizeQuestion collapses newlines and squashes repeated whitespace so a
// multi-line question stays on one checklist line.
func sanitizeQuestion(q string) string {
	return strings.Join(strings.Fields(q), " ")
}
