package worktree

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"

	"github.com/shinji-kodama/worktree-session/internal/model"
)

// Info holds metadata about a single Git worktree entry
// as parsed from `git worktree list --porcelain` output.
//
// Example porcelain output for a single worktree block:
//
//	worktree /path/to/feature-branch
//	HEAD abc123def456
//	branch refs/heads/feature-branch
//	locked reason
type Info struct {
	// Path is the absolute filesystem path to the worktree directory.
	Path string

	// Branch is the short branch name (e.g., "feature-x").
	// Empty if the worktree is in a detached HEAD state.
	Branch string

	// HEAD is the commit SHA that the worktree currently points to.
	HEAD string

	// IsBare indicates a bare repository entry.
	IsBare bool

	// Locked is set when the worktree was locked with `git worktree lock`.
	Locked bool

	// Prunable is set when git itself considers the entry stale
	// (its directory is gone).
	Prunable bool
}

// Manager provides Git worktree operations by invoking the git CLI and
// go-git.
type Manager struct {
	gitBinary string
}

// Option configures a Manager.
type Option func(*Manager)

// WithGitBinary overrides the git executable (default "git" from PATH).
func WithGitBinary(path string) Option {
	return func(m *Manager) { m.gitBinary = path }
}

// NewManager creates a new worktree Manager instance.
func NewManager(opts ...Option) *Manager {
	m := &Manager{gitBinary: "git"}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// RepoRoot returns the main worktree path of the repository containing
// path. Calling it from inside a linked worktree still yields the main
// worktree, because that is the first entry git lists.
//
// Returns model.ErrNotAGitRepository if no Git metadata is found at or
// above path, or if the repository is bare (it has no main worktree).
func (m *Manager) RepoRoot(ctx context.Context, path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", model.E(model.ErrNotAGitRepository, "register", path, err)
	}
	if _, statErr := os.Stat(abs); statErr != nil {
		return "", model.E(model.ErrNotAGitRepository, "register", path, statErr)
	}

	// go-git walks up to the enclosing .git (file or directory). The common
	// dir option lets it follow a linked worktree's gitdir pointer.
	if _, openErr := git.PlainOpenWithOptions(abs, &git.PlainOpenOptions{
		DetectDotGit:          true,
		EnableDotGitCommonDir: true,
	}); openErr != nil {
		return "", model.E(model.ErrNotAGitRepository, "register", path, openErr)
	}

	infos, err := m.List(ctx, abs)
	if err != nil {
		return "", err
	}
	if len(infos) == 0 || infos[0].IsBare {
		return "", model.E(model.ErrNotAGitRepository, "register", path, errors.New("repository has no main worktree"))
	}
	return infos[0].Path, nil
}

// Add creates a new Git worktree at worktreePath.
//
// This method handles two cases:
//  1. If the branch does NOT already exist: creates it from base
//     using `git worktree add -b <branch> <worktreePath> [<base>]`.
//  2. If the branch already exists: checks it out into the new worktree
//     using `git worktree add <worktreePath> <branch>`.
//
// Git failures are classified into model.ErrPathAlreadyExists,
// model.ErrBranchAlreadyCheckedOut or model.ErrGit.
func (m *Manager) Add(ctx context.Context, repoPath, branch, worktreePath, base string) error {
	var args []string
	if m.BranchExists(repoPath, branch) {
		args = []string{"worktree", "add", worktreePath, branch}
	} else {
		args = []string{"worktree", "add", "-b", branch, worktreePath}
		if base != "" {
			args = append(args, base)
		}
	}

	if _, err := m.run(ctx, repoPath, args...); err != nil {
		return classify("create", worktreePath, err)
	}
	return nil
}

// List returns information about all worktrees associated with the given
// repository, main worktree first.
func (m *Manager) List(ctx context.Context, repoPath string) ([]Info, error) {
	output, err := m.run(ctx, repoPath, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, classify("list", repoPath, err)
	}
	return parsePorcelainOutput(output), nil
}

// Remove deletes a Git worktree at the specified path.
//
// With force, `--force` allows removal of a worktree with uncommitted
// changes; a locked worktree additionally needs a second `--force`, which
// is passed when locked is true.
func (m *Manager) Remove(ctx context.Context, repoPath, worktreePath string, force, locked bool) error {
	args := []string{"worktree", "remove"}
	if force {
		args = append(args, "--force")
		if locked {
			args = append(args, "--force")
		}
	}
	args = append(args, worktreePath)

	if _, err := m.run(ctx, repoPath, args...); err != nil {
		return classify("remove", worktreePath, err)
	}
	return nil
}

// Prune removes administrative data for worktrees whose directories are
// gone (`git worktree prune`).
func (m *Manager) Prune(ctx context.Context, repoPath string) error {
	if _, err := m.run(ctx, repoPath, "worktree", "prune"); err != nil {
		return classify("prune", repoPath, err)
	}
	return nil
}

// IsDirty reports whether the worktree at path has modified, staged or
// untracked files (`git status --porcelain` is non-empty).
func (m *Manager) IsDirty(ctx context.Context, worktreePath string) (bool, error) {
	output, err := m.run(ctx, worktreePath, "status", "--porcelain")
	if err != nil {
		return false, classify("status", worktreePath, err)
	}
	return strings.TrimSpace(output) != "", nil
}

// CurrentBranch returns the short name of the branch checked out at path,
// or "HEAD" when detached.
func (m *Manager) CurrentBranch(ctx context.Context, path string) (string, error) {
	output, err := m.run(ctx, path, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", classify("branch", path, err)
	}
	return strings.TrimSpace(output), nil
}

// BranchExists checks whether a local branch with the given name exists.
func (m *Manager) BranchExists(repoPath, branch string) bool {
	repo, err := openRepo(repoPath)
	if err != nil {
		return false
	}
	_, err = repo.Reference(plumbing.NewBranchReferenceName(branch), true)
	return err == nil
}

// Branches returns the sorted local branch names of the repository.
func (m *Manager) Branches(repoPath string) ([]string, error) {
	repo, err := openRepo(repoPath)
	if err != nil {
		return nil, model.E(model.ErrNotAGitRepository, "branches", repoPath, err)
	}
	iter, err := repo.Branches()
	if err != nil {
		return nil, model.E(model.ErrGit, "branches", repoPath, err)
	}
	var branches []string
	_ = iter.ForEach(func(ref *plumbing.Reference) error {
		branches = append(branches, ref.Name().Short())
		return nil
	})
	sort.Strings(branches)
	return branches, nil
}

func openRepo(path string) (*git.Repository, error) {
	return git.PlainOpenWithOptions(path, &git.PlainOpenOptions{
		DetectDotGit:          true,
		EnableDotGitCommonDir: true,
	})
}

// commandError carries the stderr of a failed git invocation so callers
// can classify it.
type commandError struct {
	args   []string
	stderr string
	err    error
}

func (e *commandError) Error() string {
	message := fmt.Sprintf("git %s failed", strings.Join(e.args, " "))
	if e.stderr != "" {
		message = fmt.Sprintf("%s: %s", message, e.stderr)
	}
	return message
}

func (e *commandError) Unwrap() error {
	return e.err
}

// run executes a git command in dir (via -C) and returns stdout.
func (m *Manager) run(ctx context.Context, dir string, args ...string) (string, error) {
	fullArgs := append([]string{"-C", dir}, args...)

	// #nosec G204: args are built internally.
	cmd := exec.CommandContext(ctx, m.gitBinary, fullArgs...)

	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return "", &commandError{
			args:   args,
			stderr: strings.TrimSpace(stderr.String()),
			err:    err,
		}
	}
	return stdout.String(), nil
}

// classify maps git's stderr to a stable error kind.
func classify(op, subject string, err error) error {
	var cmdErr *commandError
	if !errors.As(err, &cmdErr) {
		return model.E(model.ErrGit, op, subject, err)
	}

	msg := cmdErr.stderr
	switch {
	case strings.Contains(msg, "is already checked out"),
		strings.Contains(msg, "is already used by worktree"):
		return model.E(model.ErrBranchAlreadyCheckedOut, op, subject, err)
	case strings.Contains(msg, "a branch named"):
		return model.E(model.ErrGit, op, subject, err)
	case strings.Contains(msg, "already exists"):
		return model.E(model.ErrPathAlreadyExists, op, subject, err)
	case strings.Contains(msg, "contains modified or untracked files"):
		return model.E(model.ErrWorktreeDirty, op, subject, err)
	case strings.Contains(msg, "is not a working tree"),
		strings.Contains(msg, "cannot change to"):
		return model.E(model.ErrWorktreeMissing, op, subject, err)
	case strings.Contains(msg, "not a git repository"):
		return model.E(model.ErrNotAGitRepository, op, subject, err)
	default:
		return model.E(model.ErrGit, op, subject, err)
	}
}

// parsePorcelainOutput parses the output of `git worktree list --porcelain`
// into a slice of Info structs.
//
// The porcelain format uses blank lines to separate worktree blocks.
// Each block contains key-value pairs (space-separated) and optional
// standalone markers like "bare", "detached", "locked" or "prunable"
// (the last two may carry a reason).
func parsePorcelainOutput(output string) []Info {
	var worktrees []Info

	lines := strings.Split(strings.TrimRight(output, "\n"), "\n")

	var current *Info
	for _, line := range lines {
		if line == "" {
			if current != nil {
				worktrees = append(worktrees, *current)
				current = nil
			}
			continue
		}

		key, value, _ := strings.Cut(line, " ")
		if key == "worktree" {
			current = &Info{Path: value}
			continue
		}
		if current == nil {
			continue
		}

		switch key {
		case "HEAD":
			current.HEAD = value
		case "branch":
			current.Branch = strings.TrimPrefix(value, "refs/heads/")
		case "bare":
			current.IsBare = true
		case "locked":
			current.Locked = true
		case "prunable":
			current.Prunable = true
		}
	}

	if current != nil {
		worktrees = append(worktrees, *current)
	}

	return worktrees
}
