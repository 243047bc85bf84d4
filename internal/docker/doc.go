// Package docker runs sessions inside containers through the Docker Engine
// SDK.
//
// Each session gets its own container: the worktree is bind-mounted at the
// workspace folder, forwarded ports are published on host ports from the
// port allocator, and the container's TTY is attached to the session I/O.
// Containers carry "worktree-session.*" labels so that leftovers from a
// previous run can be found and removed at startup.
package docker
