// Package registry keeps the in-memory model of registered repositories and
// their worktrees.
//
// The registry is the single source of truth for worktree state. Git and the
// filesystem are consulted lazily: every ListWorktrees call reconciles the
// tracked set against `git worktree list --porcelain` and os.Stat, adopting
// worktrees created outside the tool and marking vanished ones missing.
// Entries in the creating or removing state belong to the lifecycle
// controller and are never touched by reconciliation.
//
// A Watcher (fsnotify) can additionally trigger reconciliation when a
// tracked directory disappears, so missing worktrees surface without the
// UI having to poll.
package registry
