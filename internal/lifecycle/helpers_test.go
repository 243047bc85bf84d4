package lifecycle

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/shinji-kodama/worktree-session/internal/events"
	"github.com/shinji-kodama/worktree-session/internal/model"
	"github.com/shinji-kodama/worktree-session/internal/registry"
	"github.com/shinji-kodama/worktree-session/internal/worktree"
)

func setupGitRepo(t *testing.T) string {
	t.Helper()

	base, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)
	dir := filepath.Join(base, "repo")
	require.NoError(t, os.MkdirAll(dir, 0o755))

	runGit(t, dir, "init")
	runGit(t, dir, "config", "user.email", "test@example.com")
	runGit(t, dir, "config", "user.name", "Test User")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("# Test\n"), 0o644))
	runGit(t, dir, "add", ".")
	runGit(t, dir, "commit", "-m", "initial commit")
	return dir
}

func runGit(t *testing.T, dir string, args ...string) string {
	t.Helper()
	out, err := exec.Command("git", append([]string{"-C", dir}, args...)...).CombinedOutput()
	require.NoError(t, err, "git %v failed: %s", args, string(out))
	return strings.TrimSpace(string(out))
}

// fakeSessions records cascade detaches. hook, when set, runs inside
// DetachWorktree.
type fakeSessions struct {
	mu    sync.Mutex
	calls []model.WorktreeID
	hook  func(id model.WorktreeID) error
}

func (f *fakeSessions) DetachWorktree(_ context.Context, id model.WorktreeID) error {
	f.mu.Lock()
	f.calls = append(f.calls, id)
	hook := f.hook
	f.mu.Unlock()
	if hook != nil {
		return hook(id)
	}
	return nil
}

func (f *fakeSessions) detached() []model.WorktreeID {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]model.WorktreeID(nil), f.calls...)
}

type fakeRecents struct {
	mu       sync.Mutex
	branches map[string][]string
}

func (f *fakeRecents) PushRecentBranch(repo, branch string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.branches == nil {
		f.branches = make(map[string][]string)
	}
	f.branches[repo] = append(f.branches[repo], branch)
	return nil
}

type fixture struct {
	repoDir  string
	repoID   model.RepositoryID
	reg      *registry.Registry
	ctrl     *Controller
	sessions *fakeSessions
	recents  *fakeRecents
	sub      *events.Subscription
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	bus := events.NewBus()
	t.Cleanup(bus.Close)

	f := &fixture{
		repoDir:  setupGitRepo(t),
		sessions: &fakeSessions{},
		recents:  &fakeRecents{},
		sub:      bus.Subscribe(),
	}
	git := worktree.NewManager()
	f.reg = registry.New(git, registry.WithPublisher(bus))
	f.ctrl = New(f.reg, git, f.sessions, WithPublisher(bus), WithBranchRecorder(f.recents))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = f.ctrl.Close(ctx)
	})

	id, err := f.reg.Register(context.Background(), f.repoDir)
	require.NoError(t, err)
	f.repoID = id
	return f
}

func (f *fixture) mainBranch(t *testing.T) string {
	t.Helper()
	repo, ok := f.reg.Repository(f.repoID)
	require.True(t, ok)
	wt, ok := f.reg.Worktree(repo.MainWorktree)
	require.True(t, ok)
	return wt.Branch
}

// create runs a create to completion.
func (f *fixture) create(t *testing.T, branch string) model.Worktree {
	t.Helper()
	op, err := f.ctrl.Create(context.Background(), f.repoID, branch, "", "")
	require.NoError(t, err)
	require.NoError(t, waitOp(t, op))
	wt, ok := f.reg.Worktree(op.WorktreeID)
	require.True(t, ok)
	return wt
}

func waitOp(t *testing.T, op *Operation) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := op.Wait(ctx)
	require.NotErrorIs(t, err, context.DeadlineExceeded, "operation %s did not finish", op.Kind)
	return err
}

// nextKinds reads n events, skipping status-change noise.
func (f *fixture) nextKinds(t *testing.T, n int) []model.EventKind {
	t.Helper()
	var kinds []model.EventKind
	for len(kinds) < n {
		select {
		case ev := <-f.sub.Events():
			if ev.Kind == model.EventWorktreeStatusChanged {
				continue
			}
			kinds = append(kinds, ev.Kind)
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for events, got %v", kinds)
		}
	}
	return kinds
}
