// Package checkpoint records task progress as git history: one branch
// per task, one commit per state transition, merge on completion. The
// listener owns the tree; workers never run git themselves.
package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/c360studio/semfloor/contract"
)

// BranchPrefix namespaces task branches.
const BranchPrefix = "task/"

// ErrDirtyTree refuses to start a task branch over uncommitted work.
var ErrDirtyTree = errors.New("working tree has uncommitted changes")

// ErrNotRepo marks a repo root that is not under git.
var ErrNotRepo = errors.New("not a git repository")

// ConflictError reports a merge that git could not complete cleanly.
// Conflicts are never auto-resolved; the caller halts the task.
type ConflictError struct {
	Branch string
	Target string
	Output string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("merge of %s into %s conflicts: %s", e.Branch, e.Target, strings.TrimSpace(e.Output))
}

// BranchName returns the task's branch name.
func BranchName(taskID string) string {
	return BranchPrefix + contract.SafeTaskID(taskID)
}

// Runner executes git subprocesses rooted at the managed tree.
type Runner struct {
	repoRoot string
	logger   *slog.Logger
}

// NewRunner creates a runner over repoRoot.
func NewRunner(repoRoot string, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{repoRoot: repoRoot, logger: logger}
}

// runGit executes a git command in the repo directory.
func (r *Runner) runGit(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = r.repoRoot
	output, err := cmd.CombinedOutput()
	if err != nil {
		return string(output), fmt.Errorf("git %s: %w: %s", args[0], err, strings.TrimSpace(string(output)))
	}
	return string(output), nil
}

// isGitRepo checks whether the repo root is under git.
func (r *Runner) isGitRepo() bool {
	cmd := exec.Command("git", "rev-parse", "--git-dir")
	cmd.Dir = r.repoRoot
	return cmd.Run() == nil
}

// branchExists checks a local branch ref.
func (r *Runner) branchExists(ctx context.Context, name string) bool {
	_, err := r.runGit(ctx, "show-ref", "--verify", "--quiet", "refs/heads/"+name)
	return err == nil
}

// head returns the current commit SHA.
func (r *Runner) head(ctx context.Context) (string, error) {
	out, err := r.runGit(ctx, "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// CurrentBranch returns the checked-out branch name.
func (r *Runner) CurrentBranch(ctx context.Context) (string, error) {
	out, err := r.runGit(ctx, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// CreateTaskBranch starts the task's branch off base (HEAD when empty)
// and returns the base commit recorded in the contract. A dirty tree
// refuses: starting a task over uncommitted work loses the rollback
// point.
func (r *Runner) CreateTaskBranch(ctx context.Context, taskID, base string) (string, error) {
	if !r.isGitRepo() {
		return "", ErrNotRepo
	}
	status, err := r.runGit(ctx, "status", "--porcelain")
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(status) != "" {
		return "", fmt.Errorf("%w:\n%s", ErrDirtyTree, strings.TrimSpace(status))
	}

	name := BranchName(taskID)
	if r.branchExists(ctx, name) {
		// Resuming a task lands back on its branch.
		if _, err := r.runGit(ctx, "checkout", name); err != nil {
			return "", err
		}
		r.logger.Info("resumed task branch", "task_id", taskID, "branch", name)
	} else {
		args := []string{"checkout", "-b", name}
		if base != "" {
			args = append(args, base)
		}
		if _, err := r.runGit(ctx, args...); err != nil {
			return "", err
		}
		r.logger.Info("created task branch", "task_id", taskID, "branch", name)
	}

	baseCommit, err := r.head(ctx)
	if err != nil {
		return "", err
	}
	return baseCommit, nil
}

// Checkpoint commits the task's current tree state for one transition
// and returns the commit SHA. Transitions without file changes still
// commit so history maps one to one onto the audit log.
func (r *Runner) Checkpoint(ctx context.Context, taskID string, status contract.Status, event string, files []string) (string, error) {
	if !r.isGitRepo() {
		return "", ErrNotRepo
	}

	if len(files) == 0 {
		if _, err := r.runGit(ctx, "add", "-A"); err != nil {
			return "", err
		}
	} else {
		args := append([]string{"add", "--"}, r.existingFiles(files)...)
		if len(args) > 2 {
			if _, err := r.runGit(ctx, args...); err != nil {
				return "", err
			}
		}
	}

	message := fmt.Sprintf("[TASK: %s] Transition: %s (Event: %s)", taskID, status, event)
	if _, err := r.runGit(ctx, "commit", "--allow-empty", "-m", message); err != nil {
		return "", err
	}

	sha, err := r.head(ctx)
	if err != nil {
		return "", err
	}
	r.logger.Debug("checkpoint committed", "task_id", taskID, "sha", sha, "status", string(status))
	return sha, nil
}

// existingFiles filters paths to those present in the tree, so a file
// deleted mid-task does not fail the whole stage.
func (r *Runner) existingFiles(files []string) []string {
	var out []string
	for _, f := range files {
		p := f
		if !filepath.IsAbs(p) {
			p = filepath.Join(r.repoRoot, f)
		}
		if _, err := os.Stat(p); err == nil {
			out = append(out, f)
		}
	}
	return out
}

// MergeToMain merges the task branch into target ("main" when empty)
// and returns the merge commit. A conflict returns ConflictError with
// the merge left in place for inspection; the caller runs Rollback or
// resolves by hand.
func (r *Runner) MergeToMain(ctx context.Context, taskID, target string) (string, error) {
	if !r.isGitRepo() {
		return "", ErrNotRepo
	}
	if target == "" {
		target = "main"
	}
	branch := BranchName(taskID)

	if _, err := r.runGit(ctx, "checkout", target); err != nil {
		return "", err
	}
	out, err := r.runGit(ctx, "merge", "--no-ff", branch, "-m",
		fmt.Sprintf("[TASK: %s] Merge into %s", taskID, target))
	if err != nil {
		if strings.Contains(out, "CONFLICT") || strings.Contains(out, "Automatic merge failed") {
			return "", &ConflictError{Branch: branch, Target: target, Output: out}
		}
		return "", err
	}

	sha, err := r.head(ctx)
	if err != nil {
		return "", err
	}
	r.logger.Info("task merged", "task_id", taskID, "target", target, "sha", sha)
	return sha, nil
}

// Rollback aborts any in-flight merge and restores the tree to base.
func (r *Runner) Rollback(ctx context.Context, base string) error {
	if !r.isGitRepo() {
		return ErrNotRepo
	}
	// No-op when no merge is in flight.
	if _, err := os.Stat(filepath.Join(r.repoRoot, ".git", "MERGE_HEAD")); err == nil {
		if _, err := r.runGit(ctx, "merge", "--abort"); err != nil {
			return err
		}
	}
	if base != "" {
		if _, err := r.runGit(ctx, "checkout", base); err != nil {
			return err
		}
	}
	return nil
}

// DeleteTaskBranch removes a merged task's branch. Unmerged branches
// are kept; history is the audit trail.
func (r *Runner) DeleteTaskBranch(ctx context.Context, taskID string) error {
	if !r.isGitRepo() {
		return ErrNotRepo
	}
	name := BranchName(taskID)
	if !r.branchExists(ctx, name) {
		return nil
	}
	_, err := r.runGit(ctx, "branch", "-d", name)
	return err
}
