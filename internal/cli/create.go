package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/shinji-kodama/worktree-session/internal/model"
)

type createFlags struct {
	repo string
	path string
	base string
}

// NewCreateCommand creates the "create" command.
func NewCreateCommand() *cobra.Command {
	flags := &createFlags{}

	cmd := &cobra.Command{
		Use:   "create <branch>",
		Short: "Create a worktree for a branch",
		Long: `Create a Git worktree for branch. An existing branch is checked out; a new
one is created from --base (default: HEAD).

Without --path the worktree goes to <repo>-wt/<branch> next to the
repository.

Examples:
  worktree-session create feature/auth
  worktree-session create hotfix --base v1.2.0
  worktree-session create spike --path /tmp/spike`,
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

			op, err := a.Lifecycle.Create(ctx, repo, args[0], flags.path, flags.base)
			if err != nil {
				return model.WrapKind("failed to create worktree", err)
			}
			if err := op.Wait(ctx); err != nil {
				return model.WrapKind("failed to create worktree", err)
			}

			wt, _ := a.Registry.Worktree(op.WorktreeID)
			if jsonOutput {
				return writeJSON(cmd.OutOrStdout(), map[string]any{"worktree": wt})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Created worktree %s for branch %s\n", wt.Path, wt.Branch)
			return nil
		},
	}

	cmd.Flags().StringVar(&flags.repo, "repo", "", "Repository path (default: current directory)")
	cmd.Flags().StringVar(&flags.path, "path", "", "Worktree directory (default: <repo>-wt/<branch>)")
	cmd.Flags().StringVar(&flags.base, "base", "", "Start point for a new branch")
	return cmd
}
