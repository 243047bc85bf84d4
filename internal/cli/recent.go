package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// NewRecentCommand creates the "recent" command.
func NewRecentCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "recent",
		Short: "Show recently used repositories",
		Long: `Show the repositories registered most recently, newest first. The list is
kept in the config file and capped at 15 entries.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := loadStore()
			if err != nil {
				return err
			}
			repos := store.RecentRepos()
			last := store.Config().LastRepo

			if jsonOutput {
				if repos == nil {
					repos = []string{}
				}
				return writeJSON(cmd.OutOrStdout(), map[string]any{"repositories": repos, "last": last})
			}
			if len(repos) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No recent repositories.")
				return nil
			}
			for _, r := range repos {
				marker := " "
				if r == last {
					marker = "*"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", marker, r)
			}
			return nil
		},
	}
}
