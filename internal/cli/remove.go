package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/shinji-kodama/worktree-session/internal/lifecycle"
	"github.com/shinji-kodama/worktree-session/internal/model"
)

type removeFlags struct {
	repo  string
	force bool
}

// NewRemoveCommand creates the "remove" command.
func NewRemoveCommand() *cobra.Command {
	flags := &removeFlags{}

	cmd := &cobra.Command{
		Use:   "remove <branch|path>",
		Short: "Remove a worktree",
		Long: `Remove a worktree, stopping its session first.

A worktree with uncommitted or untracked changes is only removed with
--force. The main worktree can never be removed, and a worktree whose
directory is already gone needs "prune" instead.

Interrupting the command (Ctrl+C) before Git starts deleting files cancels
the removal and leaves the worktree in place.

Examples:
  worktree-session remove feature/auth
  worktree-session remove ../project-wt/spike --force`,
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

			op, err := a.Lifecycle.Remove(ctx, wt.ID, flags.force)
			if err != nil {
				return model.WrapKind("failed to remove worktree", err)
			}

			sigCtx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
			defer cancel()
			err = waitCancellable(sigCtx, op)
			switch {
			case errors.Is(err, lifecycle.ErrCancelled):
				fmt.Fprintln(cmd.ErrOrStderr(), "Removal cancelled.")
				return model.WrapCLIError(model.ExitGeneralError, "removal cancelled", nil)
			case err != nil:
				return model.WrapKind("failed to remove worktree", err)
			}

			if jsonOutput {
				return writeJSON(cmd.OutOrStdout(), map[string]any{"removed": wt})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed worktree %s\n", wt.Path)
			return nil
		},
	}

	cmd.Flags().StringVar(&flags.repo, "repo", "", "Repository path (default: current directory)")
	cmd.Flags().BoolVarP(&flags.force, "force", "f", false, "Remove even with uncommitted changes")
	return cmd
}

// waitCancellable waits for op. If ctx ends first the operation is asked
// to cancel and the wait continues for its final result, which is
// ErrCancelled unless deletion had already started.
func waitCancellable(ctx context.Context, op *lifecycle.Operation) error {
	select {
	case <-op.Done():
		return op.Err()
	case <-ctx.Done():
	}
	op.Cancel()
	<-op.Done()
	return op.Err()
}
