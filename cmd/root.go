// Package cmd defines the spider CLI commands.
package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/condor-spider/internal/config"
	"github.com/JakeFAU/condor-spider/internal/runner"
	"github.com/JakeFAU/condor-spider/internal/server"
)

// App is what the commands need from the composition root. Tests replace
// newApp with a stub.
type App interface {
	RunOnce(ctx context.Context) (runner.Report, error)
	Serve(ctx context.Context) error
	Work(ctx context.Context) error
	RefreshAffiliations(ctx context.Context, force bool) (bool, error)
	Close(ctx context.Context) error
}

var newApp = func(ctx context.Context, cfg config.Config, opts server.Options) (App, error) {
	return server.Build(ctx, cfg, opts)
}

var loadConfig = config.Load

type rootOptions struct {
	configPath string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "spider",
		Short: "Harvests batch-scheduler job records into search, bus and archive sinks.",
		Long: `spider queries every registered scheduler for job records that changed
since its checkpoint, converts them into flat documents and delivers them
to the configured sinks within a bounded run deadline.`,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "config file (YAML, TOML or JSON)")

	cmd.AddCommand(
		newRunCmd(opts),
		newServeCmd(opts),
		newWorkerCmd(opts),
		newAffiliationCmd(opts),
	)
	return cmd
}

// withApp loads configuration, lets mutate apply flag overrides, validates
// the result, builds the application and hands it to fn.
func withApp(ctx context.Context, root *rootOptions, opts server.Options, mutate func(*config.Config), fn func(App) error) error {
	cfg, err := loadConfig(root.configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if mutate != nil {
		mutate(&cfg)
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid flags: %w", err)
		}
	}
	app, err := newApp(ctx, cfg, opts)
	if err != nil {
		return fmt.Errorf("failed to initialize application services: %w", err)
	}
	defer func() { _ = app.Close(context.WithoutCancel(ctx)) }()
	return fn(app)
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
