// Package context generates the markdown artifacts the implementation CLI
// reads from the workspace: context.md (what we know about the issue) and
// task.md (what to do about it).
package context

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/lucasnoah/archon/internal/pipeline"
	"github.com/lucasnoah/archon/internal/workspace"
)

const (
	ContextFile = "context.md"
	TaskFile    = "task.md"

	filePerm = 0o644
)

// KnowledgeProvider supplies optional documentation context for an issue.
// A nil provider or a provider error just omits the knowledge section.
type KnowledgeProvider interface {
	Query(ctx context.Context, query string) (string, error)
}

// GraphProvider supplies structural summaries for affected packages. Like
// the knowledge provider it is optional and additive.
type GraphProvider interface {
	PackageSummary(ctx context.Context, pkg string) (string, error)
}

// Builder writes the workspace artifacts.
type Builder struct {
	knowledge KnowledgeProvider
	graph     GraphProvider
	log       *slog.Logger
}

// Option configures a Builder.
type Option func(*Builder)

// WithGraph attaches a code-graph provider.
func WithGraph(g GraphProvider) Option {
	return func(b *Builder) { b.graph = g }
}

// NewBuilder creates a Builder. knowledge may be nil.
func NewBuilder(knowledge KnowledgeProvider, log *slog.Logger, opts ...Option) *Builder {
	if log == nil {
		log = slog.Default()
	}
	b := &Builder{knowledge: knowledge, log: log}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Build writes context.md and task.md into the workspace and returns the
// path of the task file for the runner.
func (b *Builder) Build(ctx context.Context, ws *workspace.Workspace, issue workspace.IssueDetails, c *pipeline.Classification) (string, error) {
	contextPath := filepath.Join(ws.Path, ContextFile)
	if err := os.WriteFile(contextPath, []byte(b.contextDoc(ctx, issue, c)), filePerm); err != nil {
		return "", fmt.Errorf("write %s: %w", ContextFile, err)
	}

	taskPath := filepath.Join(ws.Path, TaskFile)
	if err := os.WriteFile(taskPath, []byte(taskDoc(issue, c)), filePerm); err != nil {
		return "", fmt.Errorf("write %s: %w", TaskFile, err)
	}
	return taskPath, nil
}

func (b *Builder) contextDoc(ctx context.Context, issue workspace.IssueDetails, c *pipeline.Classification) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "# Context: %s\n\n", issue.Title)

	sb.WriteString("## Issue Details\n\n")
	fmt.Fprintf(&sb, "**Title:** %s\n\n", issue.Title)
	body := strings.TrimSpace(issue.Body)
	if body == "" {
		body = "_No description provided._"
	}
	sb.WriteString(body + "\n\n")

	sb.WriteString("## Classification\n\n")
	fmt.Fprintf(&sb, "**Type:** %s\n", c.IssueType)
	fmt.Fprintf(&sb, "**Completeness:** %d/5\n", c.CompletenessScore)
	if len(c.AffectedPackages) > 0 {
		fmt.Fprintf(&sb, "**Affected packages:** %s\n", strings.Join(c.AffectedPackages, ", "))
	}
	if len(c.Requirements) > 0 {
		sb.WriteString("\n**Requirements:**\n\n")
		for i, r := range c.Requirements {
			fmt.Fprintf(&sb, "%d. %s\n", i+1, r)
		}
	}

	if text := b.queryKnowledge(ctx, issue, c); text != "" {
		sb.WriteString("\n## Knowledge Context\n\n")
		sb.WriteString(text + "\n")
	}

	if text := b.queryGraph(ctx, c); text != "" {
		sb.WriteString("\n## Code Structure\n\n")
		sb.WriteString(text + "\n")
	}
	return sb.String()
}

// queryKnowledge asks the provider for related documentation. Failures are
// logged and yield "", never an error: documentation context is additive.
func (b *Builder) queryKnowledge(ctx context.Context, issue workspace.IssueDetails, c *pipeline.Classification) string {
	if b.knowledge == nil {
		return ""
	}
	query := KnowledgeQuery(issue.Title, c.Requirements)
	text, err := b.knowledge.Query(ctx, query)
	if err != nil {
		b.log.Warn("knowledge retrieval failed, omitting section",
			slog.String("query", query),
			slog.String("error", err.Error()))
		return ""
	}
	return strings.TrimSpace(text)
}

// queryGraph summarizes each affected package from the code graph. Failures
// are logged per package and skipped.
func (b *Builder) queryGraph(ctx context.Context, c *pipeline.Classification) string {
	if b.graph == nil {
		return ""
	}
	var parts []string
	for _, pkg := range c.AffectedPackages {
		text, err := b.graph.PackageSummary(ctx, pkg)
		if err != nil {
			b.log.Warn("code graph lookup failed, skipping package",
				slog.String("package", pkg),
				slog.String("error", err.Error()))
			continue
		}
		if text = strings.TrimSpace(text); text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, "\n\n")
}

// KnowledgeQuery joins the issue title and requirements with spaces.
func KnowledgeQuery(title string, requirements []string) string {
	parts := append([]string{title}, requirements...)
	return strings.Join(parts, " ")
}

func taskDoc(issue workspace.IssueDetails, c *pipeline.Classification) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "# Task: %s\n\n", issue.Title)
	fmt.Fprintf(&sb, "**Type:** %s\n\n", c.IssueType)

	sb.WriteString("## Objective\n\n")
	objective := strings.TrimSpace(issue.Body)
	if objective == "" {
		objective = issue.Title
	}
	sb.WriteString(objective + "\n\n")

	sb.WriteString("## Requirements\n\n")
	for i, r := range c.Requirements {
		fmt.Fprintf(&sb, "%d. %s\n", i+1, r)
	}

	sb.WriteString("\n## Affected Packages\n\n")
	for _, p := range c.AffectedPackages {
		fmt.Fprintf(&sb, "- %s\n", p)
	}
	return sb.String()
}
