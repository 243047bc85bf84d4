// Package model defines the domain types and value objects for the
// worktree-session manager.
//
// This package contains pure data structures with no external dependencies.
// Repositories, worktrees and sessions are owned by the registry and the
// session tracker; the values defined here are copies handed to callers
// (snapshots), so mutating them never affects the in-memory model.
//
// The package also defines the stable error kinds (ErrorKind) surfaced by
// every operation, the Event type delivered to subscribers, and the exit
// codes (ExitCode) plus CLIError used at the CLI boundary.
package model
