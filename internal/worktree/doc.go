// Package worktree provides the Git worktree store used by the registry
// and the lifecycle controller.
//
// Structural operations (add, remove, prune) and the porcelain listing are
// performed via os/exec calls to the git binary, so the tool sees exactly
// what the user sees in their terminal. Read-only lookups that do not
// depend on worktree plumbing (repository detection, branch refs) go
// through go-git, which avoids spawning a process per query.
//
// The git worktree store is not safe for concurrent structural mutation;
// callers serialize Add, Remove and Prune per repository.
package worktree
