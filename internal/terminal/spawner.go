package terminal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"

	"github.com/shinji-kodama/worktree-session/internal/logger"
	"github.com/shinji-kodama/worktree-session/internal/session"
)

const (
	defaultCols = 120
	defaultRows = 40

	// outputDrain bounds how long the exit path waits for buffered output
	// after the process has exited.
	outputDrain = 200 * time.Millisecond
)

// Spawner launches session processes on a PTY.
type Spawner struct {
	shell string
	env   []string
	log   *slog.Logger
}

// Option configures a Spawner.
type Option func(*Spawner)

// WithShell sets the command used when a session does not specify one.
func WithShell(shell string) Option {
	return func(s *Spawner) { s.shell = shell }
}

// WithBaseEnv replaces os.Environ() as the base environment.
func WithBaseEnv(env []string) Option {
	return func(s *Spawner) { s.env = env }
}

// WithLogger sets the spawner logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Spawner) { s.log = logger.OrDiscard(l) }
}

// NewSpawner creates a PTY spawner.
func NewSpawner(opts ...Option) *Spawner {
	s := &Spawner{
		shell: defaultShell(),
		env:   os.Environ(),
		log:   logger.OrDiscard(nil),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Name implements session.Spawner.
func (s *Spawner) Name() string { return "pty" }

// Spawn implements session.Spawner.
func (s *Spawner) Spawn(ctx context.Context, spec session.Spec) (session.Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	argv := spec.Command
	if len(argv) == 0 {
		argv = []string{s.shell}
	}
	cols, rows := spec.Cols, spec.Rows
	if cols == 0 {
		cols = defaultCols
	}
	if rows == 0 {
		rows = defaultRows
	}

	// SECURITY: argv comes from the user's own configuration or flags.
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = spec.Dir
	cmd.Env = append(append([]string{}, s.env...),
		"WORKTREE_SESSION_ID="+string(spec.SessionID),
		"WORKTREE_BRANCH="+spec.Branch,
		"WORKTREE_PATH="+spec.Dir,
	)
	cmd.Env = append(cmd.Env, spec.Env...)

	p := &Process{
		cmd:   cmd,
		ready: make(chan struct{}),
		done:  make(chan struct{}),
		code:  -1,
		log:   s.log,
	}

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: cols, Rows: rows})
	switch {
	case err == nil:
		p.ptmx = ptmx
		p.output = ptmx
		p.input = ptmx
	case errors.Is(err, pty.ErrUnsupported):
		s.log.Debug("pty unsupported, falling back to pipes", "session", spec.SessionID)
		if err := p.startPipes(); err != nil {
			return nil, fmt.Errorf("failed to start %s: %w", argv[0], err)
		}
	default:
		return nil, fmt.Errorf("failed to start %s: %w", argv[0], err)
	}

	s.log.Debug("process started", "session", spec.SessionID, "pid", cmd.Process.Pid, "dir", spec.Dir)
	p.run(spec.Input, spec.Output)
	return p, nil
}

func defaultShell() string {
	if sh := os.Getenv("SHELL"); sh != "" {
		return sh
	}
	return "/bin/sh"
}

// Process is a running terminal process.
type Process struct {
	cmd    *exec.Cmd
	ptmx   *os.File // nil in pipe mode
	output io.ReadCloser
	input  io.WriteCloser
	log    *slog.Logger

	ready     chan struct{}
	readyOnce sync.Once
	done      chan struct{}

	mu   sync.Mutex
	code int
}

// startPipes starts cmd with stdout and stderr merged into one pipe.
func (p *Process) startPipes() error {
	r, w, err := os.Pipe()
	if err != nil {
		return err
	}
	stdin, err := p.cmd.StdinPipe()
	if err != nil {
		r.Close()
		w.Close()
		return err
	}
	p.cmd.Stdout = w
	p.cmd.Stderr = w
	if err := p.cmd.Start(); err != nil {
		r.Close()
		w.Close()
		stdin.Close()
		return err
	}
	// The child holds its own copy; closing ours lets the reader see EOF.
	w.Close()
	p.output = r
	p.input = stdin
	return nil
}

func (p *Process) run(in io.Reader, out io.Writer) {
	if out == nil {
		out = io.Discard
	}

	outputDone := make(chan struct{})
	go func() {
		defer close(outputDone)
		buf := make([]byte, 32*1024)
		for {
			n, err := p.output.Read(buf)
			if n > 0 {
				p.readyOnce.Do(func() { close(p.ready) })
				if _, werr := out.Write(buf[:n]); werr != nil {
					p.log.Debug("session output writer failed", "error", werr)
					out = io.Discard
				}
			}
			if err != nil {
				return
			}
		}
	}()

	if in != nil {
		go func() {
			// Blocks on in until it yields EOF or the process input closes.
			_, _ = io.Copy(p.input, in)
		}()
	}

	go func() {
		err := p.cmd.Wait()
		code := exitCode(p.cmd.ProcessState, err)

		select {
		case <-outputDone:
		case <-time.After(outputDrain):
		}
		_ = p.output.Close()
		if p.ptmx == nil {
			_ = p.input.Close()
		}

		p.mu.Lock()
		p.code = code
		p.mu.Unlock()
		close(p.done)
	}()
}

func exitCode(state *os.ProcessState, err error) int {
	if state == nil {
		return -1
	}
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return -1
	}
	if err != nil && state.ExitCode() == 0 {
		return -1
	}
	return state.ExitCode()
}

// Ready implements session.Process.
func (p *Process) Ready() <-chan struct{} { return p.ready }

// Done implements session.Process.
func (p *Process) Done() <-chan struct{} { return p.done }

// ExitCode implements session.Process.
func (p *Process) ExitCode() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.code
}

// Pid returns the OS process ID.
func (p *Process) Pid() int {
	return p.cmd.Process.Pid
}

// Stop sends SIGHUP, as closing a terminal would, and kills the process if
// it is still alive when ctx expires.
func (p *Process) Stop(ctx context.Context) error {
	select {
	case <-p.done:
		return nil
	default:
	}

	if err := p.cmd.Process.Signal(syscall.SIGHUP); err != nil && !errors.Is(err, os.ErrProcessDone) {
		p.log.Debug("SIGHUP failed, killing", "pid", p.cmd.Process.Pid, "error", err)
		_ = p.cmd.Process.Kill()
	}

	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
	}

	if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("failed to kill pid %d: %w", p.cmd.Process.Pid, err)
	}
	<-p.done
	return nil
}

// Resize changes the PTY window size. It is a no-op in pipe mode.
func (p *Process) Resize(rows, cols uint16) error {
	if p.ptmx == nil {
		return nil
	}
	return pty.Setsize(p.ptmx, &pty.Winsize{Rows: rows, Cols: cols})
}
