package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/shinji-kodama/worktree-session/internal/model"
)

// NewPruneCommand creates the "prune" command.
func NewPruneCommand() *cobra.Command {
	var repoFlag string

	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Forget worktrees whose directories are gone",
		Long: `Run "git worktree prune" and drop every worktree whose directory no longer
exists, stopping any session still attached to it.

Examples:
  worktree-session prune
  worktree-session prune --repo ~/src/project --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, stop, err := startApp(ctx)
			if err != nil {
				return err
			}
			defer stop()

			repo, err := resolveRepo(ctx, a, repoFlag)
			if err != nil {
				return err
			}
			op, err := a.Lifecycle.Prune(ctx, repo)
			if err != nil {
				return model.WrapKind("failed to prune worktrees", err)
			}
			if err := op.Wait(ctx); err != nil {
				return model.WrapKind("failed to prune worktrees", err)
			}

			pruned := op.Pruned()
			if pruned == nil {
				pruned = []model.Worktree{}
			}
			if jsonOutput {
				return writeJSON(cmd.OutOrStdout(), map[string]any{"pruned": pruned})
			}
			if len(pruned) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "Nothing to prune.")
				return nil
			}
			for _, wt := range pruned {
				fmt.Fprintf(cmd.OutOrStdout(), "Pruned %s (%s)\n", wt.Path, orDash(wt.Branch))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&repoFlag, "repo", "", "Repository path (default: current directory)")
	return cmd
}
