// Package lifecycle creates, removes and prunes worktrees.
//
// Every mutating call validates and reserves synchronously, then returns
// an *Operation while the Git work runs in the background. Operations on
// the same repository are serialized by a per-repository lock; different
// repositories proceed in parallel. Removing a worktree first detaches its
// live session so no process outlives its working directory.
package lifecycle
