// Package terminal spawns session processes on a pseudo-terminal.
//
// Processes are started with creack/pty. Where a PTY is not available the
// spawner falls back to plain pipes. A process counts as ready once it has
// written its first byte of output (typically the shell prompt).
package terminal
