// Package runner drives one pipeline pass: list sources, crawl every phase
// under a shared deadline, deliver the documents and record the summary.
package runner

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/condor-spider/internal/batcher"
	"github.com/JakeFAU/condor-spider/internal/checkpoint"
	"github.com/JakeFAU/condor-spider/internal/crawl"
	"github.com/JakeFAU/condor-spider/internal/delivery"
	"github.com/JakeFAU/condor-spider/internal/metrics"
	"github.com/JakeFAU/condor-spider/internal/scheduler"
	"github.com/JakeFAU/condor-spider/internal/spider"
)

const (
	defaultTimeout     = 10 * time.Minute
	defaultReserve     = 30 * time.Second
	defaultSaveTimeout = 10 * time.Second
	maxReserveFraction = 4
)

// Config tunes a pass.
type Config struct {
	// Timeout is the whole pass budget; it fixes the run deadline at start.
	Timeout time.Duration

	// DeliveryReserve is kept back from crawling for the final flush.
	DeliveryReserve time.Duration

	Phases       []spider.Phase
	ScheddFilter []string
	DryRun       bool
	ReadOnly     bool

	Workers      int
	MaxDocuments int
	AbortMargin  time.Duration
	QueueSlack   time.Duration
	Pool         string
	ReduceQueue  bool

	BatchSize     int
	MaxBatchWait  time.Duration
	InputDepth    int
	OutputDepth   int
	UploadWorkers int
	SinkQueue     int
	SinkTimeout   time.Duration
	AbortGrace    time.Duration
}

// Deps are the collaborators of a Runner.
type Deps struct {
	Source      spider.SourceClient
	Normalizer  spider.Normalizer
	Checkpoints spider.CheckpointStore
	Policy      checkpoint.Policy

	// Sinks lists the sinks fed by each phase.
	Sinks map[spider.Phase][]spider.Sink

	// Runs records summaries when set.
	Runs spider.RunStore

	// Remote replaces local crawling and delivery with distributed tasks.
	Remote spider.Crawler

	IDs    spider.IDGenerator
	Clock  spider.Clock
	Logger *zap.Logger
}

// Report is the outcome of one pass, one summary per phase.
type Report struct {
	RunID     string
	Deadline  time.Time
	Summaries []spider.RunSummary
}

// Runner executes passes. It is safe to call Run repeatedly but not concurrently.
type Runner struct {
	cfg  Config
	deps Deps
	log  *zap.Logger
}

// New builds a Runner.
func New(cfg Config, deps Deps) *Runner {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.DeliveryReserve <= 0 {
		cfg.DeliveryReserve = defaultReserve
	}
	if len(cfg.Phases) == 0 {
		cfg.Phases = []spider.Phase{spider.PhaseHistory}
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &Runner{cfg: cfg, deps: deps, log: deps.Logger.Named("runner")}
}

// Run performs one pass. It only fails before crawling starts; source,
// sink and deadline problems are reported in the summaries.
func (r *Runner) Run(ctx context.Context) (Report, error) {
	started := r.now()
	wallStart := time.Now()
	runID, err := r.deps.IDs.NewID()
	if err != nil {
		return Report{}, fmt.Errorf("generate run id: %w", err)
	}
	deadline := wallStart.Add(r.cfg.Timeout)
	crawlDeadline := deadline
	if r.deps.Remote == nil {
		crawlDeadline = deadline.Add(-reserve(r.cfg.DeliveryReserve, r.cfg.Timeout))
	}
	ctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	log := r.log.With(zap.String("run_id", runID))
	log.Info("pass started",
		zap.Strings("phases", phaseNames(r.cfg.Phases)),
		zap.Time("deadline", deadline),
		zap.Bool("dry_run", r.cfg.DryRun),
		zap.Bool("read_only", r.cfg.ReadOnly),
		zap.Bool("distributed", r.deps.Remote != nil))

	sources, listErr := r.deps.Source.ListSources(ctx)
	if listErr != nil {
		log.Error("failed to list sources", zap.Error(listErr))
	}
	sources = FilterSources(sources, r.cfg.ScheddFilter)

	router := make(phaseRouter, len(r.cfg.Phases))
	pipelines := make(map[spider.Phase]*delivery.Pipeline, len(r.cfg.Phases))
	var reqs []spider.CrawlRequest
	for _, phase := range r.cfg.Phases {
		if r.deps.Remote != nil {
			router[phase] = r.deps.Remote
		} else {
			pipe := r.startPipeline(ctx, phase, len(sources), log)
			pipelines[phase] = pipe
			router[phase] = crawl.New(r.cfg.crawlConfig(), r.crawlDeps(pipe.Outlet()))
		}
		for _, src := range sources {
			reqs = append(reqs, spider.CrawlRequest{RunID: runID, Source: src, Phase: phase, Deadline: crawlDeadline})
		}
	}

	pool := scheduler.New(router, r.deps.Checkpoints, scheduler.Config{
		Workers:  r.cfg.Workers,
		ReadOnly: r.cfg.ReadOnly || r.cfg.DryRun,
		Logger:   log,
	})
	results := pool.Run(ctx, reqs, crawlDeadline)

	report := Report{RunID: runID, Deadline: deadline}
	for _, phase := range r.cfg.Phases {
		summary := spider.RunSummary{
			RunID:     runID,
			Phase:     phase,
			StartedAt: started,
			Deadline:  deadline,
			Results:   resultsFor(results, phase),
			Complete:  listErr == nil,
		}
		if pipe, ok := pipelines[phase]; ok {
			delivered := pipe.Wait(ctx)
			summary.Sinks = delivered.Sinks
			summary.Documents = delivered.Documents
			summary.Batches = delivered.Batches
			summary.Complete = summary.Complete && delivered.Complete
		} else {
			for _, res := range summary.Results {
				summary.Documents += res.Documents
			}
		}
		summary.FinishedAt = r.now()
		metrics.ObserveRun(string(phase), summary.Complete, time.Since(wallStart))
		r.logSummary(log, summary)
		r.save(ctx, log, summary)
		report.Summaries = append(report.Summaries, summary)
	}
	return report, nil
}

func (r *Runner) startPipeline(ctx context.Context, phase spider.Phase, expected int, log *zap.Logger) *delivery.Pipeline {
	fanout := delivery.NewFanout(r.sinksFor(phase), r.cfg.SinkTimeout, log)
	return delivery.Start(ctx, r.cfg.pipelineConfig(phase, expected, r.deps), fanout, log)
}

// sinksFor returns the phase's sinks; read-only passes write nowhere.
func (r *Runner) sinksFor(phase spider.Phase) []spider.Sink {
	if r.cfg.ReadOnly {
		return nil
	}
	return r.deps.Sinks[phase]
}

func (r *Runner) crawlDeps(outlet spider.Outlet) crawl.Deps {
	return crawl.Deps{
		Source:      r.deps.Source,
		Normalizer:  r.deps.Normalizer,
		Checkpoints: r.deps.Checkpoints,
		Policy:      r.deps.Policy,
		Outlet:      outlet,
		Clock:       r.deps.Clock,
		Logger:      r.deps.Logger,
	}
}

func (r *Runner) save(ctx context.Context, log *zap.Logger, summary spider.RunSummary) {
	if r.deps.Runs == nil {
		return
	}
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), defaultSaveTimeout)
	defer cancel()
	if err := r.deps.Runs.SaveRun(saveCtx, summary); err != nil {
		log.Error("failed to save run summary", zap.String("phase", string(summary.Phase)), zap.Error(err))
	}
}

func (r *Runner) logSummary(log *zap.Logger, s spider.RunSummary) {
	fields := []zap.Field{
		zap.String("phase", string(s.Phase)),
		zap.Int("sources", len(s.Results)),
		zap.Int("completed", s.Count(spider.StatusCompleted)),
		zap.Int("truncated", s.Count(spider.StatusTruncated)),
		zap.Int("timed_out", s.Count(spider.StatusTimedOut)),
		zap.Int("failed", s.Count(spider.StatusFailed)),
		zap.Int("documents", s.Documents),
		zap.Int("batches", s.Batches),
		zap.Bool("complete", s.Complete),
	}
	for name, res := range s.Sinks {
		fields = append(fields,
			zap.Int(name+"_accepted", res.Accepted),
			zap.Int(name+"_rejected", res.Rejected))
	}
	log.Info("pass finished", fields...)
}

func (r *Runner) now() time.Time {
	if r.deps.Clock != nil {
		return r.deps.Clock.Now()
	}
	return time.Now().UTC()
}

func (c Config) crawlConfig() crawl.Config {
	return crawl.Config{
		MaxDocuments: c.MaxDocuments,
		AbortMargin:  c.AbortMargin,
		RunTimeout:   c.Timeout,
		QueueSlack:   c.QueueSlack,
		Pool:         c.Pool,
		ReduceQueue:  c.ReduceQueue,
		DryRun:       c.DryRun,
	}
}

func (c Config) pipelineConfig(phase spider.Phase, expected int, deps Deps) delivery.PipelineConfig {
	return delivery.PipelineConfig{
		Batch: batcher.Config{
			BufferSize:   c.InputDepth,
			OutputSize:   c.OutputDepth,
			BatchSize:    c.BatchSize,
			MaxBatchWait: c.MaxBatchWait,
			Expected:     expected,
			Phase:        phase,
			Clock:        deps.Clock,
			IDs:          deps.IDs,
		},
		UploadWorkers: c.UploadWorkers,
		SinkQueue:     c.SinkQueue,
		AbortGrace:    c.AbortGrace,
	}
}

// reserve caps the delivery reserve at a quarter of the budget.
func reserve(want, budget time.Duration) time.Duration {
	if limit := budget / maxReserveFraction; want > limit {
		return limit
	}
	return want
}

// FilterSources keeps the named sources, or all of them when names is empty.
// A name listed more than once by the registry is kept once, since the
// batcher expects exactly one producer per name.
func FilterSources(sources []spider.Source, names []string) []spider.Source {
	out := sources[:0:0]
	seen := make(map[string]bool, len(sources))
	for _, src := range sources {
		if seen[src.Name] {
			continue
		}
		if len(names) > 0 && !slices.Contains(names, src.Name) {
			continue
		}
		seen[src.Name] = true
		out = append(out, src)
	}
	return out
}

func resultsFor(results []spider.CrawlResult, phase spider.Phase) []spider.CrawlResult {
	var out []spider.CrawlResult
	for _, res := range results {
		if res.Phase == phase {
			out = append(out, res)
		}
	}
	return out
}

func phaseNames(phases []spider.Phase) []string {
	out := make([]string, len(phases))
	for i, p := range phases {
		out[i] = string(p)
	}
	return out
}

// phaseRouter sends each request to its phase's crawler.
type phaseRouter map[spider.Phase]spider.Crawler

func (r phaseRouter) Crawl(ctx context.Context, req spider.CrawlRequest) spider.CrawlResult {
	c, ok := r[req.Phase]
	if !ok {
		return spider.CrawlResult{
			Source: req.Source.Name,
			Phase:  req.Phase,
			Status: spider.StatusFailed,
			Error:  "no crawler for phase " + strconv.Quote(string(req.Phase)),
		}
	}
	return c.Crawl(ctx, req)
}
