package session

import (
	"context"
	"io"

	"github.com/shinji-kodama/worktree-session/internal/model"
)

// Spec describes the process to launch for a worktree.
type Spec struct {
	SessionID  model.SessionID
	WorktreeID model.WorktreeID
	Dir        string
	Branch     string

	// Command is argv; empty means the spawner's default (a login shell for
	// PTYs, the image's default command for containers).
	Command []string
	Env     []string

	// Input and Output connect the session to the UI. Either may be nil.
	Input  io.Reader
	Output io.Writer

	Rows, Cols uint16
}

// Process is a handle to a spawned session process. The spawner owns the
// underlying resource; the tracker only observes and stops it.
type Process interface {
	// Ready is closed once the process reports readiness.
	Ready() <-chan struct{}

	// Done is closed once the process has exited.
	Done() <-chan struct{}

	// ExitCode is valid after Done is closed. -1 means the process was
	// killed by a signal or never produced an exit status.
	ExitCode() int

	// Stop asks the process to exit, escalating to a forced kill when ctx
	// expires. Done is closed once the process is gone.
	Stop(ctx context.Context) error
}

// Spawner starts session processes.
type Spawner interface {
	// Name identifies the backend ("pty", "docker").
	Name() string

	// Spawn starts a process for spec. Cancelling ctx aborts a spawn that
	// is still in progress.
	Spawn(ctx context.Context, spec Spec) (Process, error)
}

// AttachOption customizes a single Attach call.
type AttachOption func(*Spec)

// WithIO connects the session's terminal to in and out.
func WithIO(in io.Reader, out io.Writer) AttachOption {
	return func(s *Spec) {
		s.Input = in
		s.Output = out
	}
}

// WithCommand overrides the command run in the session.
func WithCommand(argv ...string) AttachOption {
	return func(s *Spec) { s.Command = argv }
}

// WithEnv appends KEY=VALUE pairs to the session environment.
func WithEnv(env ...string) AttachOption {
	return func(s *Spec) { s.Env = append(s.Env, env...) }
}

// WithSize sets the initial terminal size.
func WithSize(rows, cols uint16) AttachOption {
	return func(s *Spec) {
		s.Rows = rows
		s.Cols = cols
	}
}
