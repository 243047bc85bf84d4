package cli

import (
	"context"
	"os"
	"path/filepath"

	"github.com/shinji-kodama/worktree-session/internal/app"
	"github.com/shinji-kodama/worktree-session/internal/model"
)

// resolveRepo registers the repository containing path, or the current
// directory when path is empty.
func resolveRepo(ctx context.Context, a *app.App, path string) (model.RepositoryID, error) {
	if path == "" {
		wd, err := os.Getwd()
		if err != nil {
			return "", err
		}
		path = wd
	}
	id, err := a.Register(ctx, path)
	if err != nil {
		return "", model.WrapKind("failed to register repository", err)
	}
	return id, nil
}

// resolveWorktree finds a worktree of repo by branch name or by a path
// inside it. A branch match wins over a relative path of the same name.
func resolveWorktree(ctx context.Context, a *app.App, repo model.RepositoryID, target string) (model.Worktree, error) {
	wts, err := a.Registry.ListWorktrees(ctx, repo)
	if err != nil {
		return model.Worktree{}, model.WrapKind("failed to list worktrees", err)
	}
	for _, wt := range wts {
		if wt.Branch == target {
			return wt, nil
		}
	}

	abs, err := filepath.Abs(target)
	if err == nil {
		if wt, ok := a.Registry.Lookup(abs); ok && wt.RepositoryID == repo {
			return wt, nil
		}
	}
	return model.Worktree{}, model.WrapKind("no worktree for "+target,
		model.E(model.ErrWorktreeNotFound, "resolve", target, nil))
}
