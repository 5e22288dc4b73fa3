package checkpoint

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/semfloor/contract"
)

// initRepo creates a real git repo with one commit on main.
func initRepo(t *testing.T) (*Runner, string) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	dir := t.TempDir()
	r := NewRunner(dir, nil)
	ctx := context.Background()

	mustGit := func(args ...string) {
		t.Helper()
		out, err := r.runGit(ctx, args...)
		require.NoError(t, err, out)
	}
	mustGit("init", "-b", "main")
	mustGit("config", "user.name", "semfloor-test")
	mustGit("config", "user.email", "semfloor@test.invalid")

	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("seed\n"), 0o644))
	mustGit("add", "README.md")
	mustGit("commit", "-m", "seed")
	return r, dir
}

func TestCreateTaskBranch(t *testing.T) {
	r, dir := initRepo(t)
	ctx := context.Background()

	base, err := r.CreateTaskBranch(ctx, "2026-08-25-001-fix-parser", "")
	require.NoError(t, err)
	assert.Len(t, base, 40)

	branch, err := r.CurrentBranch(ctx)
	require.NoError(t, err)
	assert.Equal(t, "task/2026-08-25-001-fix-parser", branch)

	// Re-creating resumes the existing branch.
	_, err = r.CreateTaskBranch(ctx, "2026-08-25-001-fix-parser", "")
	require.NoError(t, err)

	// A dirty tree refuses.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "dirty.go"), []byte("x\n"), 0o644))
	_, err = r.CreateTaskBranch(ctx, "2026-08-25-002-other", "")
	assert.ErrorIs(t, err, ErrDirtyTree)
}

func TestCheckpointCommitsTransition(t *testing.T) {
	r, dir := initRepo(t)
	ctx := context.Background()
	taskID := "2026-08-25-003-add-cache"

	_, err := r.CreateTaskBranch(ctx, taskID, "")
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "cache.go"), []byte("package cache\n"), 0o644))
	sha, err := r.Checkpoint(ctx, taskID, contract.StatusImplementationInProgress, "impl_started", []string{"cache.go"})
	require.NoError(t, err)
	assert.Len(t, sha, 40)

	out, err := r.runGit(ctx, "log", "-1", "--pretty=%s")
	require.NoError(t, err)
	assert.Equal(t, "[TASK: 2026-08-25-003-add-cache] Transition: implementation_in_progress (Event: impl_started)", strings.TrimSpace(out))

	// Transitions without file changes still checkpoint.
	sha2, err := r.Checkpoint(ctx, taskID, contract.StatusPendingLocalReview, "local_pass", []string{"cache.go"})
	require.NoError(t, err)
	assert.NotEqual(t, sha, sha2)
}

func TestMergeToMain(t *testing.T) {
	r, dir := initRepo(t)
	ctx := context.Background()
	taskID := "2026-08-25-004-merge-me"

	_, err := r.CreateTaskBranch(ctx, taskID, "")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "feature.go"), []byte("package feature\n"), 0o644))
	_, err = r.Checkpoint(ctx, taskID, contract.StatusImplementationInProgress, "impl_started", []string{"feature.go"})
	require.NoError(t, err)

	sha, err := r.MergeToMain(ctx, taskID, "main")
	require.NoError(t, err)
	assert.Len(t, sha, 40)

	branch, err := r.CurrentBranch(ctx)
	require.NoError(t, err)
	assert.Equal(t, "main", branch)
	assert.FileExists(t, filepath.Join(dir, "feature.go"))

	require.NoError(t, r.DeleteTaskBranch(ctx, taskID))
}

func TestMergeConflictIsStructured(t *testing.T) {
	r, dir := initRepo(t)
	ctx := context.Background()
	taskID := "2026-08-25-005-conflict"

	base, err := r.CreateTaskBranch(ctx, taskID, "")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("task version\n"), 0o644))
	_, err = r.Checkpoint(ctx, taskID, contract.StatusImplementationInProgress, "impl_started", []string{"README.md"})
	require.NoError(t, err)

	// Diverge main on the same file.
	_, err = r.runGit(ctx, "checkout", "main")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("main version\n"), 0o644))
	_, err = r.runGit(ctx, "commit", "-am", "diverge")
	require.NoError(t, err)

	_, err = r.MergeToMain(ctx, taskID, "main")
	var conflict *ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, "task/2026-08-25-005-conflict", conflict.Branch)
	assert.Equal(t, "main", conflict.Target)

	// Rollback clears the merge and restores the tree.
	require.NoError(t, r.Rollback(ctx, base))
	out, err := r.runGit(ctx, "status", "--porcelain")
	require.NoError(t, err)
	assert.Empty(t, strings.TrimSpace(out))
}
