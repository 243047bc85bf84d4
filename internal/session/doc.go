// Package session tracks the terminal sessions attached to worktrees.
//
// A Tracker owns session records, not processes: processes are created by
// a Spawner (a PTY, a container) and referenced through the Process
// interface. Each session walks starting → running → stopped|crashed, with
// one event published per transition. At most one live (starting or
// running) session exists per worktree.
package session
