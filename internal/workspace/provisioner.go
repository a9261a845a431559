// Package workspace owns the on-disk directories issues are implemented in:
// creation, repository clones, and retention-based garbage collection.
package workspace

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	gogit "github.com/go-git/go-git/v5"

	"github.com/lucasnoah/archon/internal/pipeline"
)

const (
	defaultDirPerm      = 0o755
	defaultCloneTimeout = 300 * time.Second
)

// GitCloneError reports a failed repository clone.
type GitCloneError struct {
	URL    string
	Stderr string
	Err    error
}

func (e *GitCloneError) Error() string {
	return fmt.Sprintf("clone %s: %s", e.URL, e.Stderr)
}

func (e *GitCloneError) Unwrap() error { return e.Err }

// IssueDetails carries the issue fields provisioning needs.
type IssueDetails struct {
	Owner      string
	Repository string
	Number     int
	Title      string
	Body       string
}

// Workspace is a provisioned directory with its clones.
type Workspace struct {
	Path string
	// Clones maps package name to its checkout path inside the workspace.
	Clones map[string]string
}

// CloneFunc performs one shallow clone; replaced in tests.
type CloneFunc func(ctx context.Context, url, dir string) error

// Provisioner creates and garbage-collects workspaces.
type Provisioner struct {
	basePath      string
	dirPerm       os.FileMode
	cloneTimeout  time.Duration
	retentionDays int
	clone         CloneFunc
	log           *slog.Logger

	// now is swapped out in GC tests.
	now func() time.Time
}

// Option configures a Provisioner.
type Option func(*Provisioner)

// WithDirPerm overrides the workspace directory permission bits.
func WithDirPerm(perm os.FileMode) Option {
	return func(p *Provisioner) { p.dirPerm = perm }
}

// WithCloneTimeout bounds each individual clone.
func WithCloneTimeout(d time.Duration) Option {
	return func(p *Provisioner) {
		if d > 0 {
			p.cloneTimeout = d
		}
	}
}

// WithCloneFunc replaces the clone implementation.
func WithCloneFunc(fn CloneFunc) Option {
	return func(p *Provisioner) { p.clone = fn }
}

// NewProvisioner creates a Provisioner rooted at basePath. Workspaces older
// than retentionDays are eligible for GC.
func NewProvisioner(basePath string, retentionDays int, log *slog.Logger, opts ...Option) *Provisioner {
	if log == nil {
		log = slog.Default()
	}
	p := &Provisioner{
		basePath:      basePath,
		dirPerm:       defaultDirPerm,
		cloneTimeout:  defaultCloneTimeout,
		retentionDays: retentionDays,
		clone:         shallowClone,
		log:           log,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// DirName derives the workspace directory name from the issue id plus a
// creation-time tag so retries never collide with prior attempts.
func DirName(issueID string, createdAt time.Time) string {
	sanitized := strings.NewReplacer("/", "_", "#", "_").Replace(issueID)
	return fmt.Sprintf("%s_%d", sanitized, createdAt.Unix())
}

// Provision creates the workspace directory and shallow-clones the primary
// repository plus every affected package, concurrently with a per-clone
// timeout.
func (p *Provisioner) Provision(ctx context.Context, issueID string, c *pipeline.Classification, issue IssueDetails) (*Workspace, error) {
	dir := filepath.Join(p.basePath, DirName(issueID, p.now()))
	if err := os.MkdirAll(dir, p.dirPerm); err != nil {
		return nil, fmt.Errorf("create workspace %s: %w", dir, err)
	}
	// MkdirAll is umask-filtered; force the configured bits.
	if err := os.Chmod(dir, p.dirPerm); err != nil {
		return nil, fmt.Errorf("chmod workspace %s: %w", dir, err)
	}

	targets := resolveCloneTargets(issue, c)
	ws := &Workspace{Path: dir, Clones: make(map[string]string, len(targets))}

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		firstErr error
	)
	for name, url := range targets {
		dest := filepath.Join(dir, name)
		wg.Add(1)
		go func(name, url, dest string) {
			defer wg.Done()
			cloneCtx, cancel := context.WithTimeout(ctx, p.cloneTimeout)
			defer cancel()

			p.log.Info("cloning repository", slog.String("url", url), slog.String("dest", dest))
			if err := p.clone(cloneCtx, url, dest); err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = &GitCloneError{URL: url, Stderr: err.Error(), Err: err}
				}
				mu.Unlock()
				return
			}
			mu.Lock()
			ws.Clones[name] = dest
			mu.Unlock()
		}(name, url, dest)
	}
	wg.Wait()

	if firstErr != nil {
		return nil, firstErr
	}
	return ws, nil
}

// resolveCloneTargets maps package name → clone URL: always the issue's
// primary repository, plus each affected package, deduplicated.
func resolveCloneTargets(issue IssueDetails, c *pipeline.Classification) map[string]string {
	targets := map[string]string{
		issue.Repository: fmt.Sprintf("https://github.com/%s/%s.git", issue.Owner, issue.Repository),
	}
	if c == nil {
		return targets
	}
	for _, pkg := range c.AffectedPackages {
		pkg = strings.TrimSpace(pkg)
		if pkg == "" || pkg == issue.Repository {
			continue
		}
		targets[pkg] = fmt.Sprintf("https://github.com/%s/%s.git", issue.Owner, pkg)
	}
	return targets
}

// shallowClone is the production CloneFunc: a depth-1 clone via go-git.
func shallowClone(ctx context.Context, url, dir string) error {
	_, err := gogit.PlainCloneContext(ctx, dir, false, &gogit.CloneOptions{
		URL:   url,
		Depth: 1,
	})
	return err
}

// CleanupOldWorkspaces removes every direct subdirectory of the base path
// whose mtime is older than the retention window and returns the count.
// Plain files in the base path are ignored.
func (p *Provisioner) CleanupOldWorkspaces(ctx context.Context) (int, error) {
	entries, err := os.ReadDir(p.basePath)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("read workspace base %s: %w", p.basePath, err)
	}

	cutoff := p.now().Add(-time.Duration(p.retentionDays) * 24 * time.Hour)
	removed := 0
	for _, entry := range entries {
		if ctx.Err() != nil {
			return removed, ctx.Err()
		}
		if !entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return removed, fmt.Errorf("stat %s: %w", entry.Name(), err)
		}
		if !olderThan(info, cutoff) {
			continue
		}
		full := filepath.Join(p.basePath, entry.Name())
		if err := os.RemoveAll(full); err != nil {
			return removed, fmt.Errorf("remove workspace %s: %w", full, err)
		}
		p.log.Info("removed expired workspace",
			slog.String("path", full),
			slog.Time("mtime", info.ModTime()))
		removed++
	}
	return removed, nil
}

func olderThan(info fs.FileInfo, cutoff time.Time) bool {
	return info.ModTime().Before(cutoff)
}
