package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/shinji-kodama/worktree-session/internal/app"
	"github.com/shinji-kodama/worktree-session/internal/model"
	"github.com/shinji-kodama/worktree-session/internal/session"
)

type openFlags struct {
	repo    string
	command []string
	env     []string
}

// NewOpenCommand creates the "open" command.
func NewOpenCommand() *cobra.Command {
	flags := &openFlags{}

	cmd := &cobra.Command{
		Use:   "open <branch|path>",
		Short: "Open a session in a worktree",
		Long: `Start a session in a worktree and connect it to this terminal. The command
returns when the session's process exits.

The session runs the configured command (default: your shell) on a local
pseudo-terminal, or inside a container when the docker backend is
configured.

Examples:
  worktree-session open feature/auth
  worktree-session open main --command make --command test`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, stop, err := startApp(ctx)
			if err != nil {
				return err
			}
			defer stop()

			repo, err := resolveRepo(ctx, a, flags.repo)
			if err != nil {
				return err
			}
			wt, err := resolveWorktree(ctx, a, repo, args[0])
			if err != nil {
				return err
			}

			argv := flags.command
			if len(argv) == 0 {
				argv = a.Store.Config().Command
			}
			return runSession(ctx, a, wt, argv, flags.env, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&flags.repo, "repo", "", "Repository path (default: current directory)")
	cmd.Flags().StringArrayVar(&flags.command, "command", nil, "Command and arguments to run (repeatable)")
	cmd.Flags().StringArrayVarP(&flags.env, "env", "e", nil, "Extra KEY=VALUE environment (repeatable)")
	return cmd
}

// runSession attaches a session to wt, wired to in and out, and blocks
// until it terminates. When in is a terminal it is put in raw mode and its
// size follows the window.
func runSession(ctx context.Context, a *app.App, wt model.Worktree, argv, env []string, in io.Reader, out io.Writer) error {
	opts := []session.AttachOption{session.WithIO(in, out), session.WithEnv(env...)}
	if len(argv) > 0 {
		opts = append(opts, session.WithCommand(argv...))
	}

	fd, isTerm := terminalFd(in)
	if isTerm {
		if cols, rows, err := term.GetSize(fd); err == nil {
			opts = append(opts, session.WithSize(uint16(rows), uint16(cols)))
		}
	}

	id, err := a.Sessions.Attach(ctx, wt.ID, opts...)
	if err != nil {
		return model.WrapKind("failed to open session", err)
	}

	if isTerm {
		state, err := term.MakeRaw(fd)
		if err == nil {
			defer func() { _ = term.Restore(fd, state) }()
		}
		stopResize := watchResize(fd, func(rows, cols uint16) {
			_ = a.Sessions.Resize(id, rows, cols)
		})
		defer stopResize()
	}

	s, err := a.Sessions.Wait(ctx, id)
	if isTerm {
		// The raw terminal does not translate \n, so start the summary on a
		// fresh line.
		fmt.Fprint(out, "\r\n")
	}
	switch {
	case errors.Is(err, model.ErrSessionTimeout):
		return model.WrapKind("session did not become ready", err)
	case err != nil && s.State != model.SessionCrashed:
		return err
	case s.State == model.SessionCrashed:
		return model.WrapCLIError(model.ExitSessionCrashed,
			fmt.Sprintf("session exited with code %d", s.ExitCode), err)
	}

	if jsonOutput {
		return writeJSON(out, map[string]any{"session": s})
	}
	return nil
}

func terminalFd(r io.Reader) (int, bool) {
	f, ok := r.(*os.File)
	if !ok {
		return 0, false
	}
	fd := int(f.Fd())
	return fd, term.IsTerminal(fd)
}
