package cmd

import (
	"github.com/spf13/cobra"

	"github.com/JakeFAU/condor-spider/internal/server"
)

func newWorkerCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Consume distributed crawl tasks",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd.Context(), root, server.Options{Mode: server.ModeWorker}, nil, func(app App) error {
				return app.Work(cmd.Context())
			})
		},
	}
}
