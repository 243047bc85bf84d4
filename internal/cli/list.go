package cli

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/shinji-kodama/worktree-session/internal/model"
)

type listFlags struct {
	repo   string
	status string
}

// NewListCommand creates the "list" command.
func NewListCommand() *cobra.Command {
	flags := &listFlags{}

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the worktrees of a repository",
		Long: `List the worktrees of a repository with their branch, status and state.

The list is reconciled against Git and the filesystem first, so worktrees
deleted behind Git's back show up as missing.

Examples:
  worktree-session list
  worktree-session list --status dirty
  worktree-session list --repo ~/src/project --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var filter model.WorktreeStatus
			if flags.status != "all" {
				s, err := model.ParseWorktreeStatus(flags.status)
				if err != nil {
					return model.WrapCLIError(model.ExitGeneralError,
						fmt.Sprintf("invalid status filter %q: valid values are clean, dirty, locked, missing, all", flags.status), nil)
				}
				filter = s
			}

			a, stop, err := startApp(cmd.Context())
			if err != nil {
				return err
			}
			defer stop()

			id, err := resolveRepo(cmd.Context(), a, flags.repo)
			if err != nil {
				return err
			}
			wts, err := a.Registry.ListWorktrees(cmd.Context(), id)
			if err != nil {
				return model.WrapKind("failed to list worktrees", err)
			}
			wts = filterWorktrees(wts, filter)

			if jsonOutput {
				return writeJSON(cmd.OutOrStdout(), map[string]any{"worktrees": wts})
			}
			printWorktrees(cmd.OutOrStdout(), wts)
			return nil
		},
	}

	cmd.Flags().StringVar(&flags.repo, "repo", "", "Repository path (default: current directory)")
	cmd.Flags().StringVar(&flags.status, "status", "all", "Filter by status: clean, dirty, locked, missing, all")
	return cmd
}

func filterWorktrees(wts []model.Worktree, status model.WorktreeStatus) []model.Worktree {
	if status == "" {
		return wts
	}
	out := make([]model.Worktree, 0, len(wts))
	for _, wt := range wts {
		if wt.Status == status {
			out = append(out, wt)
		}
	}
	return out
}

// printWorktrees writes an aligned table:
//
//	BRANCH      STATUS  STATE    HEAD     PATH
//	main        clean   present  1a2b3c4  /src/repo (main)
//	feature-x   dirty   present  5d6e7f8  /src/repo-wt/feature-x
func printWorktrees(w io.Writer, wts []model.Worktree) {
	if len(wts) == 0 {
		fmt.Fprintln(w, "No worktrees found.")
		return
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "BRANCH\tSTATUS\tSTATE\tHEAD\tPATH")
	for _, wt := range wts {
		path := wt.Path
		if wt.IsMain {
			path += " (main)"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", orDash(wt.Branch), wt.Status, wt.State, shortHash(wt.HEAD), path)
	}
	_ = tw.Flush()
}

func shortHash(h string) string {
	if len(h) > 7 {
		return h[:7]
	}
	return orDash(h)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
