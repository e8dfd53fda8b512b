package cmd

import (
	"fmt"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/condor-spider/internal/config"
	"github.com/JakeFAU/condor-spider/internal/runner"
	"github.com/JakeFAU/condor-spider/internal/server"
	"github.com/JakeFAU/condor-spider/internal/spider"
)

type runFlags struct {
	skipHistory   bool
	processQueue  bool
	dryRun        bool
	readOnly      bool
	maxDocuments  int
	scheddFilter  string
	workers       int
	uploadWorkers int
	batchSize     int
	feedSearch    bool
	feedBus       bool
	feedArchive   bool
	distributed   bool
}

func newRunCmd(root *rootOptions) *cobra.Command {
	f := &runFlags{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one harvesting pass and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			opts := server.Options{Mode: server.ModeRun, Distributed: f.distributed}
			return withApp(cmd.Context(), root, opts, func(cfg *config.Config) { f.apply(cmd, cfg) }, func(app App) error {
				report, err := app.RunOnce(cmd.Context())
				if err != nil {
					return err
				}
				printReport(cmd, report)
				return nil
			})
		},
	}

	fl := cmd.Flags()
	fl.BoolVar(&f.skipHistory, "skip-history", false, "skip the checkpointed history phase")
	fl.BoolVar(&f.processQueue, "process-queue", false, "also snapshot the live queue")
	fl.BoolVar(&f.dryRun, "dry-run", false, "do not query sources; tasks complete with zero records")
	fl.BoolVar(&f.readOnly, "read-only", false, "query and convert, but write no sinks and no checkpoints")
	fl.IntVar(&f.maxDocuments, "max-documents", 0, "per-source document cap (0 = unlimited)")
	fl.StringVar(&f.scheddFilter, "schedd-filter", "", "comma-separated source names to restrict the pass to")
	fl.IntVar(&f.workers, "workers", 0, "concurrent source tasks")
	fl.IntVar(&f.uploadWorkers, "upload-workers", 0, "writers per sink (0 derives from --workers)")
	fl.IntVar(&f.batchSize, "batch-size", 0, "documents per batch")
	fl.BoolVar(&f.feedSearch, "feed-search", false, "enable the search-index sink")
	fl.BoolVar(&f.feedBus, "feed-bus", false, "enable the message-bus sink")
	fl.BoolVar(&f.feedArchive, "feed-archive", false, "enable the archive sink")
	fl.BoolVar(&f.distributed, "distributed", false, "submit per-source tasks to distributed workers")
	return cmd
}

// apply overrides cfg with every flag the user set explicitly.
func (f *runFlags) apply(cmd *cobra.Command, cfg *config.Config) {
	changed := cmd.Flags().Changed
	if f.skipHistory {
		cfg.Run.Phases = slices.DeleteFunc(slices.Clone(cfg.Run.Phases), func(p string) bool {
			return p == string(spider.PhaseHistory)
		})
	}
	if f.processQueue && !cfg.HasPhase(string(spider.PhaseQueue)) {
		cfg.Run.Phases = append(cfg.Run.Phases, string(spider.PhaseQueue))
	}
	if changed("dry-run") {
		cfg.Run.DryRun = f.dryRun
	}
	if changed("read-only") {
		cfg.Run.ReadOnly = f.readOnly
	}
	if changed("max-documents") {
		cfg.Crawl.MaxDocuments = f.maxDocuments
	}
	if changed("schedd-filter") {
		cfg.Run.ScheddFilter = splitList(f.scheddFilter)
	}
	if changed("workers") {
		cfg.Crawl.Workers = f.workers
	}
	if changed("upload-workers") {
		cfg.Delivery.UploadWorkers = f.uploadWorkers
	}
	if changed("batch-size") {
		cfg.Batch.Size = f.batchSize
	}
	if changed("feed-search") {
		cfg.Search.Enabled = f.feedSearch
	}
	if changed("feed-bus") {
		cfg.Bus.Enabled = f.feedBus
	}
	if changed("feed-archive") {
		cfg.Archive.Enabled = f.feedArchive
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func printReport(cmd *cobra.Command, report runner.Report) {
	out := cmd.OutOrStdout()
	for _, s := range report.Summaries {
		fmt.Fprintf(out, "run %s phase=%s sources=%d completed=%d documents=%d batches=%d complete=%t\n",
			s.RunID, s.Phase, len(s.Results), s.Count(spider.StatusCompleted), s.Documents, s.Batches, s.Complete)
	}
}
