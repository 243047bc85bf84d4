package registry

import (
	"path/filepath"

	"github.com/shinji-kodama/worktree-session/internal/model"
)

// NormalizePath returns the absolute, symlink-resolved form of path. For a
// path that does not exist yet, the deepest existing ancestor is resolved
// and the remaining components are appended, so a worktree gets the same
// key before and after it is created.
func NormalizePath(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	abs = filepath.Clean(abs)

	var rest []string
	dir := abs
	for {
		resolved, evalErr := filepath.EvalSymlinks(dir)
		if evalErr == nil {
			for i := len(rest) - 1; i >= 0; i-- {
				resolved = filepath.Join(resolved, rest[i])
			}
			return resolved, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return abs, nil
		}
		rest = append(rest, filepath.Base(dir))
		dir = parent
	}
}

// WorktreeIDFor returns the identifier a worktree at path is tracked under.
func WorktreeIDFor(path string) (model.WorktreeID, error) {
	norm, err := NormalizePath(path)
	if err != nil {
		return "", err
	}
	return model.WorktreeID(norm), nil
}
