package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// NewRegisterCommand creates the "register" command.
func NewRegisterCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "register [path]",
		Short: "Register a Git repository",
		Long: `Register the repository containing path (default: the current directory)
and add it to the recent repository list.

Registering a path inside a linked worktree registers the repository that
owns it.

Examples:
  worktree-session register
  worktree-session register ~/src/project`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, stop, err := startApp(cmd.Context())
			if err != nil {
				return err
			}
			defer stop()

			var path string
			if len(args) == 1 {
				path = args[0]
			}
			id, err := resolveRepo(cmd.Context(), a, path)
			if err != nil {
				return err
			}
			wts, err := a.Registry.Worktrees(id)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if jsonOutput {
				repo, _ := a.Registry.Repository(id)
				return writeJSON(out, map[string]any{"repository": repo, "worktrees": wts})
			}
			fmt.Fprintf(out, "Registered %s (%d worktrees)\n", id, len(wts))
			return nil
		},
	}
}
