package gitops

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ouroboros-agent/ouroboros/internal/audit"
	"github.com/ouroboros-agent/ouroboros/internal/state"
)

func runGit(t *testing.T, dir string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	require.NoError(t, err, string(out))
	return string(out)
}

// newClonedManager sets up a bare "remote", a clone with dev/stable
// branches, and a Manager pointed at the clone, mirroring how
// EnsureRepoPresent expects a repo to already be laid out.
func newClonedManager(t *testing.T, protected []string, bundleDir string, testFailureLimit int, opts ...Option) (*Manager, string) {
	t.Helper()
	remoteDir := t.TempDir()
	runGit(t, remoteDir, "init", "-q", "--bare", "-b", "dev")

	seedDir := t.TempDir()
	runGit(t, seedDir, "init", "-q", "-b", "dev")
	runGit(t, seedDir, "config", "user.name", "test")
	runGit(t, seedDir, "config", "user.email", "test@example.com")
	require.NoError(t, os.WriteFile(filepath.Join(seedDir, "README.md"), []byte("hi\n"), 0o644))
	runGit(t, seedDir, "add", "-A")
	runGit(t, seedDir, "commit", "-q", "-m", "initial")
	runGit(t, seedDir, "remote", "add", "origin", remoteDir)
	runGit(t, seedDir, "push", "-q", "origin", "dev")
	runGit(t, seedDir, "branch", "stable", "dev")
	runGit(t, seedDir, "push", "-q", "origin", "stable")

	cloneDir := t.TempDir()
	runGit(t, t.TempDir(), "clone", "-q", remoteDir, cloneDir)
	runGit(t, cloneDir, "config", "user.name", "test")
	runGit(t, cloneDir, "config", "user.email", "test@example.com")
	runGit(t, cloneDir, "checkout", "-q", "-b", "stable", "origin/stable")
	runGit(t, cloneDir, "checkout", "-q", "dev")

	dataRoot := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dataRoot, "locks"), 0o755))

	m := NewManager(cloneDir, "origin", "dev", "stable", bundleDir, protected, dataRoot, testFailureLimit, opts...)
	return m, remoteDir
}

func TestSafeRestartCleanTreeOK(t *testing.T) {
	m, _ := newClonedManager(t, nil, "", 3)
	ok, msg, err := m.SafeRestart("routine", PolicyRefuse, func() int64 { return 1 })
	require.NoError(t, err)
	require.True(t, ok)
	require.NotEmpty(t, msg)
}

func TestSafeRestartRefusesDirtyTree(t *testing.T) {
	m, _ := newClonedManager(t, nil, "", 3)
	require.NoError(t, os.WriteFile(filepath.Join(m.Repo().Dir, "dirty.txt"), []byte("x"), 0o644))

	ok, _, err := m.SafeRestart("routine", PolicyRefuse, func() int64 { return 1 })
	require.NoError(t, err)
	require.False(t, ok)
}

func TestSafeRestartRescueAndResetPreservesChangesOnBranch(t *testing.T) {
	m, _ := newClonedManager(t, nil, "", 3)
	require.NoError(t, os.WriteFile(filepath.Join(m.Repo().Dir, "dirty.txt"), []byte("rescued"), 0o644))

	ok, msg, err := m.SafeRestart("restart-for-test", PolicyRescueAndReset, func() int64 { return 1234 })
	require.NoError(t, err)
	require.True(t, ok)
	require.Contains(t, msg, "ouroboros-rescue-1234")

	require.True(t, m.Repo().BranchExists("ouroboros-rescue-1234"))

	dirty, err := m.Repo().HasChanges()
	require.NoError(t, err)
	require.False(t, dirty)

	_, err = os.Stat(filepath.Join(m.Repo().Dir, "dirty.txt"))
	require.True(t, os.IsNotExist(err))
}

func TestCommitSucceedsWithoutTestRunner(t *testing.T) {
	m, _ := newClonedManager(t, nil, "", 3)
	require.NoError(t, os.WriteFile(filepath.Join(m.Repo().Dir, "a.txt"), []byte("a"), 0o644))

	committed, testsPassed, err := m.Commit(context.Background(), CommitScope{All: true}, "add a")
	require.NoError(t, err)
	require.True(t, committed)
	require.True(t, testsPassed)
}

func TestCommitRevertsOnTestFailureUnderLimit(t *testing.T) {
	failing := func(ctx context.Context, dir string) error { return errors.New("tests failed") }
	m, _ := newClonedManager(t, nil, "", 3, WithTestRunner(failing))

	before, err := m.Repo().HeadCommit("HEAD")
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(m.Repo().Dir, "a.txt"), []byte("a"), 0o644))
	committed, testsPassed, err := m.Commit(context.Background(), CommitScope{All: true}, "add a")
	require.NoError(t, err)
	require.False(t, committed)
	require.False(t, testsPassed)

	after, err := m.Repo().HeadCommit("HEAD")
	require.NoError(t, err)
	require.Equal(t, before, after)
	require.Equal(t, 1, m.TestFailureStreak())
}

func TestCommitStandsOnThirdConsecutiveTestFailure(t *testing.T) {
	failing := func(ctx context.Context, dir string) error { return errors.New("tests failed") }
	m, _ := newClonedManager(t, nil, "", 3, WithTestRunner(failing))

	for i := 0; i < 2; i++ {
		require.NoError(t, os.WriteFile(filepath.Join(m.Repo().Dir, "a.txt"), []byte{byte('a' + i)}, 0o644))
		committed, testsPassed, err := m.Commit(context.Background(), CommitScope{All: true}, "attempt")
		require.NoError(t, err)
		require.False(t, committed)
		require.False(t, testsPassed)
	}
	require.Equal(t, 2, m.TestFailureStreak())

	before, err := m.Repo().HeadCommit("HEAD")
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(m.Repo().Dir, "a.txt"), []byte("final"), 0o644))
	committed, testsPassed, err := m.Commit(context.Background(), CommitScope{All: true}, "third attempt stands")
	require.NoError(t, err)
	require.True(t, committed)
	require.False(t, testsPassed)
	require.Equal(t, 0, m.TestFailureStreak())

	after, err := m.Repo().HeadCommit("HEAD")
	require.NoError(t, err)
	require.NotEqual(t, before, after)
}

func TestCommitResetsStreakOnSuccessBetweenFailures(t *testing.T) {
	calls := 0
	runner := func(ctx context.Context, dir string) error {
		calls++
		if calls == 2 {
			return nil
		}
		return errors.New("tests failed")
	}
	m, _ := newClonedManager(t, nil, "", 3, WithTestRunner(runner))

	require.NoError(t, os.WriteFile(filepath.Join(m.Repo().Dir, "a.txt"), []byte("1"), 0o644))
	_, _, err := m.Commit(context.Background(), CommitScope{All: true}, "fail once")
	require.NoError(t, err)
	require.Equal(t, 1, m.TestFailureStreak())

	require.NoError(t, os.WriteFile(filepath.Join(m.Repo().Dir, "a.txt"), []byte("2"), 0o644))
	committed, testsPassed, err := m.Commit(context.Background(), CommitScope{All: true}, "pass")
	require.NoError(t, err)
	require.True(t, committed)
	require.True(t, testsPassed)
	require.Equal(t, 0, m.TestFailureStreak())
}

func TestCheckoutAndResetMatchesRemoteTip(t *testing.T) {
	m, remoteDir := newClonedManager(t, nil, "", 3)

	// Advance the remote's dev branch independently of the clone.
	otherClone := t.TempDir()
	runGit(t, t.TempDir(), "clone", "-q", remoteDir, otherClone)
	runGit(t, otherClone, "config", "user.name", "test")
	runGit(t, otherClone, "config", "user.email", "test@example.com")
	require.NoError(t, os.WriteFile(filepath.Join(otherClone, "upstream.txt"), []byte("x"), 0o644))
	runGit(t, otherClone, "add", "-A")
	runGit(t, otherClone, "commit", "-q", "-m", "upstream change")
	runGit(t, otherClone, "push", "-q", "origin", "dev")

	require.NoError(t, m.CheckoutAndReset("dev"))

	_, err := os.Stat(filepath.Join(m.Repo().Dir, "upstream.txt"))
	require.NoError(t, err)
}

func TestRollbackToHardResetsDevBranch(t *testing.T) {
	m, _ := newClonedManager(t, nil, "", 3)
	before, err := m.Repo().HeadCommit("HEAD")
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(m.Repo().Dir, "a.txt"), []byte("a"), 0o644))
	require.NoError(t, m.Repo().StageAll())
	require.NoError(t, m.Repo().Commit("add a"))

	require.NoError(t, m.RollbackTo(before))

	after, err := m.Repo().HeadCommit("HEAD")
	require.NoError(t, err)
	require.Equal(t, before, after)
}

func TestSyncProtectedFilesCommitsWhenDifferent(t *testing.T) {
	bundleDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(bundleDir, "CONSTITUTION.md"), []byte("v2 rules\n"), 0o644))

	m, _ := newClonedManager(t, []string{"CONSTITUTION.md"}, bundleDir, 3)
	require.NoError(t, os.WriteFile(filepath.Join(m.Repo().Dir, "CONSTITUTION.md"), []byte("v1 rules\n"), 0o644))
	runGit(t, m.Repo().Dir, "add", "-A")
	runGit(t, m.Repo().Dir, "commit", "-q", "-m", "seed old constitution")

	changed, err := m.SyncProtectedFiles(context.Background())
	require.NoError(t, err)
	require.True(t, changed)

	data, err := os.ReadFile(filepath.Join(m.Repo().Dir, "CONSTITUTION.md"))
	require.NoError(t, err)
	require.Equal(t, "v2 rules\n", string(data))

	msg := runGit(t, m.Repo().Dir, "log", "-1", "--format=%B")
	require.Contains(t, msg, "safety-sync")
}

func TestSyncProtectedFilesRecordsAuditDenyOnDrift(t *testing.T) {
	bundleDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(bundleDir, "CONSTITUTION.md"), []byte("v2 rules\n"), 0o644))

	store, err := state.Open(t.TempDir())
	require.NoError(t, err)
	auditLog := audit.New(store)

	m, _ := newClonedManager(t, []string{"CONSTITUTION.md"}, bundleDir, 3, WithAuditLogger(auditLog))
	require.NoError(t, os.WriteFile(filepath.Join(m.Repo().Dir, "CONSTITUTION.md"), []byte("v1 rules\n"), 0o644))
	runGit(t, m.Repo().Dir, "add", "-A")
	runGit(t, m.Repo().Dir, "commit", "-q", "-m", "seed old constitution")

	changed, err := m.SyncProtectedFiles(context.Background())
	require.NoError(t, err)
	require.True(t, changed)
	require.EqualValues(t, 1, auditLog.DenyCount())
}

func TestSyncProtectedFilesNoopWhenIdentical(t *testing.T) {
	bundleDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(bundleDir, "CONSTITUTION.md"), []byte("same\n"), 0o644))

	m, _ := newClonedManager(t, []string{"CONSTITUTION.md"}, bundleDir, 3)
	require.NoError(t, os.WriteFile(filepath.Join(m.Repo().Dir, "CONSTITUTION.md"), []byte("same\n"), 0o644))
	runGit(t, m.Repo().Dir, "add", "-A")
	runGit(t, m.Repo().Dir, "commit", "-q", "-m", "seed same constitution")

	changed, err := m.SyncProtectedFiles(context.Background())
	require.NoError(t, err)
	require.False(t, changed)
}

func TestEnsureRepoPresentCreatesMissingBranch(t *testing.T) {
	remoteDir := t.TempDir()
	runGit(t, remoteDir, "init", "-q", "--bare", "-b", "dev")

	seedDir := t.TempDir()
	runGit(t, seedDir, "init", "-q", "-b", "dev")
	runGit(t, seedDir, "config", "user.name", "test")
	runGit(t, seedDir, "config", "user.email", "test@example.com")
	require.NoError(t, os.WriteFile(filepath.Join(seedDir, "README.md"), []byte("hi\n"), 0o644))
	runGit(t, seedDir, "add", "-A")
	runGit(t, seedDir, "commit", "-q", "-m", "initial")
	runGit(t, seedDir, "remote", "add", "origin", remoteDir)
	runGit(t, seedDir, "push", "-q", "origin", "dev")

	cloneDir := filepath.Join(t.TempDir(), "work")
	dataRoot := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dataRoot, "locks"), 0o755))

	m := NewManager(cloneDir, "origin", "dev", "stable", "", nil, dataRoot, 3)
	require.NoError(t, m.EnsureRepoPresent(remoteDir))

	require.True(t, m.Repo().BranchExists("dev"))
	require.True(t, m.Repo().BranchExists("stable"))
}
