package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shinji-kodama/worktree-session/internal/app"
	"github.com/shinji-kodama/worktree-session/internal/logger"
	"github.com/shinji-kodama/worktree-session/internal/model"
)

func setupGitRepo(t *testing.T) string {
	t.Helper()

	base, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)
	dir := filepath.Join(base, "repo")
	require.NoError(t, os.MkdirAll(dir, 0o755))

	git := func(args ...string) {
		out, err := exec.Command("git", append([]string{"-C", dir}, args...)...).CombinedOutput()
		require.NoError(t, err, "git %v failed: %s", args, string(out))
	}
	git("init")
	git("config", "user.email", "test@example.com")
	git("config", "user.name", "Test User")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("# Test\n"), 0o644))
	git("add", ".")
	git("commit", "-m", "initial commit")
	return dir
}

// run executes the CLI with a private config file and returns stdout.
func run(t *testing.T, cfgPath string, args ...string) (string, error) {
	t.Helper()
	jsonOutput, verbose, configPath = false, false, ""
	t.Cleanup(logger.Close)

	cmd := NewRootCommand()
	var out bytes.Buffer
	cmd.SetIn(strings.NewReader(""))
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--config", cfgPath}, args...))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func exitCode(err error) model.ExitCode {
	return toCLIError(err).Code
}

func TestWorktreeCommands(t *testing.T) {
	repo := setupGitRepo(t)
	cfg := filepath.Join(t.TempDir(), "config.yaml")

	out, err := run(t, cfg, "register", repo)
	require.NoError(t, err)
	assert.Contains(t, out, "Registered "+repo)

	out, err = run(t, cfg, "create", "feature/x", "--repo", repo)
	require.NoError(t, err)
	wtPath := filepath.Join(filepath.Dir(repo), "repo-wt", "feature-x")
	assert.Contains(t, out, wtPath)

	out, err = run(t, cfg, "--json", "list", "--repo", repo)
	require.NoError(t, err)
	var listed struct {
		Worktrees []model.Worktree `json:"worktrees"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &listed))
	require.Len(t, listed.Worktrees, 2)
	assert.True(t, listed.Worktrees[0].IsMain)
	assert.Equal(t, "feature/x", listed.Worktrees[1].Branch)

	_, err = run(t, cfg, "create", "feature/x", "--repo", repo, "--path", filepath.Join(t.TempDir(), "other"))
	assert.Equal(t, model.ExitBranchAlreadyCheckedOut, exitCode(err))

	_, err = run(t, cfg, "create", "feature/y", "--repo", repo, "--path", wtPath)
	assert.Equal(t, model.ExitPathAlreadyExists, exitCode(err))

	require.NoError(t, os.WriteFile(filepath.Join(wtPath, "wip.txt"), []byte("wip"), 0o644))
	_, err = run(t, cfg, "remove", "feature/x", "--repo", repo)
	assert.Equal(t, model.ExitWorktreeDirty, exitCode(err))

	out, err = run(t, cfg, "remove", "feature/x", "--force", "--repo", repo)
	require.NoError(t, err)
	assert.Contains(t, out, "Removed worktree "+wtPath)
	assert.NoDirExists(t, wtPath)

	_, err = run(t, cfg, "remove", "feature/x", "--repo", repo)
	assert.Equal(t, model.ExitWorktreeNotFound, exitCode(err))

	out, err = run(t, cfg, "recent")
	require.NoError(t, err)
	assert.Contains(t, out, "* "+repo)

	out, err = run(t, cfg, "--json", "branches", "--repo", repo)
	require.NoError(t, err)
	var branches struct {
		Branches []branchInfo `json:"branches"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &branches))
	require.NotEmpty(t, branches.Branches)
	assert.Equal(t, branchInfo{Name: "feature/x", Recent: true}, branches.Branches[0])
}

func TestRemoveMainWorktree(t *testing.T) {
	repo := setupGitRepo(t)
	cfg := filepath.Join(t.TempDir(), "config.yaml")

	_, err := run(t, cfg, "remove", repo, "--force", "--repo", repo)
	assert.Equal(t, model.ExitMainWorktree, exitCode(err))
}

func TestPruneCommand(t *testing.T) {
	repo := setupGitRepo(t)
	cfg := filepath.Join(t.TempDir(), "config.yaml")

	_, err := run(t, cfg, "create", "gone", "--repo", repo)
	require.NoError(t, err)
	require.NoError(t, os.RemoveAll(filepath.Join(filepath.Dir(repo), "repo-wt", "gone")))

	out, err := run(t, cfg, "prune", "--repo", repo)
	require.NoError(t, err)
	assert.Contains(t, out, "Pruned")

	out, err = run(t, cfg, "prune", "--repo", repo)
	require.NoError(t, err)
	assert.Contains(t, out, "Nothing to prune.")
}

func TestOpenRunsCommandInWorktree(t *testing.T) {
	repo := setupGitRepo(t)
	cfg := filepath.Join(t.TempDir(), "config.yaml")

	out, err := run(t, cfg, "open", "--repo", repo, "--command", "/bin/sh", "--command", "-c", "--command", "echo hello from $WORKTREE_BRANCH", repo)
	require.NoError(t, err)
	assert.Contains(t, out, "hello from")

	_, err = run(t, cfg, "open", "--repo", repo, "--command", "/bin/sh", "--command", "-c", "--command", "echo bye; exit 4", repo)
	assert.Equal(t, model.ExitSessionCrashed, exitCode(err))
}

func TestRegisterNotARepository(t *testing.T) {
	cfg := filepath.Join(t.TempDir(), "config.yaml")
	_, err := run(t, cfg, "register", t.TempDir())
	assert.Equal(t, model.ExitNotAGitRepository, exitCode(err))
}

func TestListInvalidStatus(t *testing.T) {
	cfg := filepath.Join(t.TempDir(), "config.yaml")
	_, err := run(t, cfg, "list", "--status", "bogus")
	assert.Equal(t, model.ExitGeneralError, exitCode(err))
}

func TestToCLIError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want model.ExitCode
	}{
		{"plain error", errors.New("boom"), model.ExitGeneralError},
		{"kinded error", model.E(model.ErrWorktreeDirty, "remove", "/x", nil), model.ExitWorktreeDirty},
		{"cli error kept", model.NewCLIError(model.ExitGitError, "git"), model.ExitGitError},
		{"docker unavailable", app.ErrDockerNotRunning, model.ExitDockerNotRunning},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, toCLIError(tt.err).Code)
		})
	}
}

func TestPrintErrorJSON(t *testing.T) {
	jsonOutput = true
	defer func() { jsonOutput = false }()

	var buf bytes.Buffer
	printError(&buf, model.WrapKind("failed to remove worktree", model.E(model.ErrWorktreeDirty, "remove", "/x", nil)))

	var got struct {
		Error struct {
			Message string `json:"message"`
			Code    int    `json:"code"`
			Kind    string `json:"kind"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &got))
	assert.Equal(t, "failed to remove worktree", got.Error.Message)
	assert.Equal(t, int(model.ExitWorktreeDirty), got.Error.Code)
	assert.Equal(t, string(model.ErrWorktreeDirty), got.Error.Kind)
}

func TestOrderBranches(t *testing.T) {
	wts := []model.Worktree{{Branch: "main", Path: "/repo"}, {Branch: "b", Path: "/repo-wt/b"}}
	rows := orderBranches([]string{"a", "b", "c", "main"}, []string{"c", "gone", "a"}, wts)

	names := make([]string, 0, len(rows))
	for _, r := range rows {
		names = append(names, r.Name)
	}
	assert.Equal(t, []string{"c", "a", "b", "main"}, names)
	assert.True(t, rows[0].Recent)
	assert.False(t, rows[2].Recent)
	assert.Equal(t, "/repo-wt/b", rows[2].Worktree)
}

func TestPrintWorktrees(t *testing.T) {
	var buf bytes.Buffer
	printWorktrees(&buf, []model.Worktree{
		{Branch: "main", Path: "/repo", IsMain: true, HEAD: "0123456789abcdef", Status: model.StatusClean, State: model.StatePresent},
		{Path: "/repo-wt/detached", Status: model.StatusMissing, State: model.StateMissing},
	})
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3)
	assert.Contains(t, lines[1], "0123456")
	assert.Contains(t, lines[1], "/repo (main)")
	assert.True(t, strings.HasPrefix(lines[2], "-"))

	buf.Reset()
	printWorktrees(&buf, nil)
	assert.Equal(t, "No worktrees found.\n", buf.String())
}

func TestFilterWorktrees(t *testing.T) {
	wts := []model.Worktree{{Path: "/a", Status: model.StatusClean}, {Path: "/b", Status: model.StatusDirty}}
	assert.Len(t, filterWorktrees(wts, ""), 2)
	got := filterWorktrees(wts, model.StatusDirty)
	require.Len(t, got, 1)
	assert.Equal(t, "/b", got[0].Path)
}
