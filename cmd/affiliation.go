package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/condor-spider/internal/server"
)

func newAffiliationCmd(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "affiliation",
		Short: "Manage the affiliation cache",
	}

	var force bool
	refresh := &cobra.Command{
		Use:   "refresh",
		Short: "Rebuild the affiliation cache when it is stale",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd.Context(), root, server.Options{Mode: server.ModeRun}, nil, func(app App) error {
				rebuilt, err := app.RefreshAffiliations(cmd.Context(), force)
				if err != nil {
					return fmt.Errorf("refresh affiliations: %w", err)
				}
				if rebuilt {
					fmt.Fprintln(cmd.OutOrStdout(), "affiliation cache rebuilt")
				} else {
					fmt.Fprintln(cmd.OutOrStdout(), "affiliation cache is fresh")
				}
				return nil
			})
		},
	}
	refresh.Flags().BoolVar(&force, "force", false, "rebuild even when the cache is fresh")
	cmd.AddCommand(refresh)
	return cmd
}
