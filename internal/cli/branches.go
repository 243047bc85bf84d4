package cli

import (
	"fmt"
	"io"
	"slices"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/shinji-kodama/worktree-session/internal/model"
)

// branchInfo is one row of the branches command.
type branchInfo struct {
	Name     string `json:"name"`
	Recent   bool   `json:"recent"`
	Worktree string `json:"worktree,omitempty"`
}

// NewBranchesCommand creates the "branches" command.
func NewBranchesCommand() *cobra.Command {
	var repoFlag string

	cmd := &cobra.Command{
		Use:   "branches",
		Short: "List branches, recently used first",
		Long: `List the local branches of a repository. Branches recently used to create
worktrees come first, newest first; the rest follow alphabetically. Branches
checked out in a worktree show its path.`,
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
			names, err := a.Git.Branches(string(repo))
			if err != nil {
				return model.WrapKind("failed to list branches", err)
			}
			wts, err := a.Registry.ListWorktrees(ctx, repo)
			if err != nil {
				return model.WrapKind("failed to list worktrees", err)
			}

			rows := orderBranches(names, a.Store.RecentBranches(string(repo)), wts)
			if jsonOutput {
				return writeJSON(cmd.OutOrStdout(), map[string]any{"branches": rows})
			}
			printBranches(cmd.OutOrStdout(), rows)
			return nil
		},
	}

	cmd.Flags().StringVar(&repoFlag, "repo", "", "Repository path (default: current directory)")
	return cmd
}

// orderBranches puts recent branches that still exist first, in recency
// order, then the remaining branches in the order given.
func orderBranches(names, recent []string, wts []model.Worktree) []branchInfo {
	checkedOut := make(map[string]string, len(wts))
	for _, wt := range wts {
		if wt.Branch != "" {
			checkedOut[wt.Branch] = wt.Path
		}
	}

	rows := make([]branchInfo, 0, len(names))
	for _, r := range recent {
		if slices.Contains(names, r) {
			rows = append(rows, branchInfo{Name: r, Recent: true, Worktree: checkedOut[r]})
		}
	}
	for _, n := range names {
		if !slices.Contains(recent, n) {
			rows = append(rows, branchInfo{Name: n, Worktree: checkedOut[n]})
		}
	}
	return rows
}

func printBranches(w io.Writer, rows []branchInfo) {
	if len(rows) == 0 {
		fmt.Fprintln(w, "No branches found.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	for _, r := range rows {
		marker := " "
		if r.Recent {
			marker = "*"
		}
		fmt.Fprintf(tw, "%s %s\t%s\n", marker, r.Name, orDash(r.Worktree))
	}
	_ = tw.Flush()
}
