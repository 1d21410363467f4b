// Package worktree implements ports.WorktreeManager by shelling out to
// the git CLI, the same way a one-off maintenance command would: `git
// worktree add`/`remove` run from the repository root, with a bounded
// timeout per invocation.
package worktree

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/dispatchd/dispatchd/internal/ports"
)

// DefaultTimeout bounds a single git invocation.
const DefaultTimeout = 30 * time.Second

var _ ports.WorktreeManager = (*GitManager)(nil)

// GitManager creates and checks for git worktrees rooted under BaseDir,
// one per task (the path is BaseDir/<taskID>), branching off RepoDir.
type GitManager struct {
	RepoDir string
	BaseDir string
	Timeout time.Duration
}

// New constructs a GitManager. repoDir is the git repository worktrees
// are added against; baseDir is where new worktree directories are
// created.
func New(repoDir, baseDir string) *GitManager {
	return &GitManager{RepoDir: repoDir, BaseDir: baseDir, Timeout: DefaultTimeout}
}

func (m *GitManager) run(ctx context.Context, args ...string) (string, error) {
	timeout := m.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = m.RepoDir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return string(out), nil
}

// CreateWorktree runs `git worktree add -b <branch> <path> HEAD`,
// creating a fresh branch named after the task for the assigned agent to
// work in.
func (m *GitManager) CreateWorktree(ctx context.Context, opts ports.CreateWorktreeOptions) (*ports.WorktreeInfo, error) {
	branch := opts.Branch
	if branch == "" {
		branch = fmt.Sprintf("task/%s", opts.TaskID)
	}
	path := filepath.Join(m.BaseDir, opts.TaskID)

	if err := os.MkdirAll(m.BaseDir, 0o755); err != nil {
		return nil, fmt.Errorf("worktree: create base dir: %w", err)
	}

	if _, err := m.run(ctx, "worktree", "add", "-b", branch, path, "HEAD"); err != nil {
		return nil, fmt.Errorf("worktree: create for task %s: %w", opts.TaskID, err)
	}

	return &ports.WorktreeInfo{Path: path, Branch: branch}, nil
}

// WorktreeExists checks the filesystem directly rather than parsing
// `git worktree list`, since a handoff worktree path is already known.
func (m *GitManager) WorktreeExists(ctx context.Context, path string) (bool, error) {
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return info.IsDir(), nil
}

// Remove deletes a worktree and prunes its registration. Not part of
// ports.WorktreeManager — the daemon never deletes worktrees itself, but
// an admin/cleanup surface can call this directly against a *GitManager.
func (m *GitManager) Remove(ctx context.Context, path string) error {
	if _, err := m.run(ctx, "worktree", "remove", "--force", path); err != nil {
		return fmt.Errorf("worktree: remove %s: %w", path, err)
	}
	return nil
}
