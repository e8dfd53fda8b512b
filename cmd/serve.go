package cmd

import (
	"github.com/spf13/cobra"

	"github.com/JakeFAU/condor-spider/internal/server"
)

func newServeCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run passes on an interval and serve the HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd.Context(), root, server.Options{Mode: server.ModeRun}, nil, func(app App) error {
				return app.Serve(cmd.Context())
			})
		},
	}
}
