// Package server builds the spider's dependencies from configuration and
// runs them as a one-shot pass, a scheduled service or a distributed worker.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/condor-spider/internal/affiliation"
	"github.com/JakeFAU/condor-spider/internal/api"
	"github.com/JakeFAU/condor-spider/internal/checkpoint"
	filecheckpoint "github.com/JakeFAU/condor-spider/internal/checkpoint/file"
	redischeckpoint "github.com/JakeFAU/condor-spider/internal/checkpoint/redis"
	"github.com/JakeFAU/condor-spider/internal/clock/system"
	"github.com/JakeFAU/condor-spider/internal/config"
	"github.com/JakeFAU/condor-spider/internal/distributor"
	collyfetcher "github.com/JakeFAU/condor-spider/internal/fetcher/colly"
	"github.com/JakeFAU/condor-spider/internal/id/uuid"
	"github.com/JakeFAU/condor-spider/internal/logging"
	"github.com/JakeFAU/condor-spider/internal/metrics"
	"github.com/JakeFAU/condor-spider/internal/normalize"
	"github.com/JakeFAU/condor-spider/internal/runner"
	"github.com/JakeFAU/condor-spider/internal/spider"
	"github.com/JakeFAU/condor-spider/internal/telemetry"
)

// Version is stamped into traces; set with -ldflags at build time.
var Version = "dev"

const (
	shutdownTimeout  = 10 * time.Second
	readyTimeout     = 2 * time.Second
	defaultInterval  = 12 * time.Minute
	workerPollPeriod = 5 * time.Second
)

// Mode selects which dependencies Build wires.
type Mode int

// Build modes.
const (
	// ModeRun crawls locally, or submits tasks when Distributed is set.
	ModeRun Mode = iota
	// ModeWorker consumes distributed tasks.
	ModeWorker
)

// Options adjust Build beyond the loaded configuration.
type Options struct {
	Mode        Mode
	Distributed bool
	// Logger replaces the configured logger, mainly for tests.
	Logger *zap.Logger
}

type runStore interface {
	spider.RunStore
	api.RunReader
}

type closer struct {
	name string
	fn   func() error
}

// App contains the application's dependencies.
type App struct {
	cfg          config.Config
	logger       *zap.Logger
	clock        spider.Clock
	ids          spider.IDGenerator
	checkpoints  spider.CheckpointStore
	source       spider.SourceClient
	affiliations *affiliation.Cache
	refresher    *affiliation.Refresher
	sinks        map[spider.Phase][]spider.Sink
	runs         runStore
	queue        *distributor.Queue
	remote       spider.Crawler
	tracer       *sdktrace.TracerProvider
	closers      []closer

	busy    atomic.Bool
	pending chan struct{}
}

// Build creates the application's dependencies. Every failure here is a
// configuration or connectivity problem detected before any crawl starts.
func Build(ctx context.Context, cfg config.Config, opts Options) (app *App, err error) {
	logger := opts.Logger
	if logger == nil {
		logger, err = logging.New(logging.Options{Development: cfg.Logging.Development, Level: cfg.Logging.Level})
		if err != nil {
			return nil, fmt.Errorf("logger init failed: %w", err)
		}
	}
	if opts.Distributed || opts.Mode == ModeWorker {
		if err := cfg.ValidateDistributed(); err != nil {
			return nil, err
		}
	}
	metrics.Init()

	app = &App{
		cfg:     cfg,
		logger:  logger,
		clock:   system.New(),
		ids:     uuid.NewUUIDGenerator(),
		pending: make(chan struct{}, 1),
	}
	defer func() {
		if err != nil {
			app.closeAll()
		}
	}()

	if cfg.Telemetry.Tracing {
		exporter, err := telemetry.ExporterOptions(cfg.Telemetry.Exporter, cfg.Telemetry.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("tracer init failed: %w", err)
		}
		app.tracer, err = telemetry.InitTracerProvider(ctx, cfg.Telemetry.ServiceName, Version, cfg.Telemetry.SampleRatio, exporter...)
		if err != nil {
			return nil, fmt.Errorf("tracer init failed: %w", err)
		}
	}

	if err = app.setupCheckpoints(); err != nil {
		return nil, err
	}
	fetcher, err := newFetcher(cfg.Source)
	if err != nil {
		return nil, err
	}
	if err = app.setupSource(fetcher); err != nil {
		return nil, err
	}
	if err = app.setupAffiliations(fetcher); err != nil {
		return nil, err
	}
	if err = app.setupSinks(ctx); err != nil {
		return nil, err
	}
	if err = app.setupRunStore(ctx); err != nil {
		return nil, err
	}
	if opts.Distributed || opts.Mode == ModeWorker {
		if err = app.setupDistributor(opts); err != nil {
			return nil, err
		}
	}

	logger.Info("application built",
		zap.Strings("phases", cfg.Run.Phases),
		zap.String("checkpoint_backend", cfg.Checkpoint.Backend),
		zap.Strings("history_sinks", sinkNames(app.sinks[spider.PhaseHistory])),
		zap.Strings("queue_sinks", sinkNames(app.sinks[spider.PhaseQueue])),
		zap.Bool("distributed", opts.Distributed),
		zap.Bool("dry_run", cfg.Run.DryRun),
		zap.Bool("read_only", cfg.Run.ReadOnly))
	return app, nil
}

// Logger returns the application logger.
func (a *App) Logger() *zap.Logger { return a.logger }

// RunOnce performs one pass with a freshly pinned launch time.
func (a *App) RunOnce(ctx context.Context) (runner.Report, error) {
	a.refreshAffiliations(ctx)
	report, err := runner.New(a.runnerConfig(), a.deps(a.clock.Now())).Run(ctx)
	if err != nil {
		return report, fmt.Errorf("run pass: %w", err)
	}
	return report, nil
}

// Trigger implements api.Trigger: it schedules a pass unless one is running
// or already pending.
func (a *App) Trigger() bool {
	if a.busy.Load() {
		return false
	}
	select {
	case a.pending <- struct{}{}:
		return true
	default:
		return false
	}
}

// Serve runs a pass every server.interval and serves the HTTP API until ctx
// ends or the process is signalled.
func (a *App) Serve(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	apiServer := api.NewServer(a.checkpoints, a.runs, a, api.Options{
		APIKey: a.cfg.Server.APIKey,
		Ready:  a.ready,
	}, a.logger.Named("api"))
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	if a.refresher != nil && a.cfg.Affiliation.MaxAge > 0 {
		go a.refresher.Run(ctx, a.cfg.Affiliation.MaxAge)
	}
	a.schedule(ctx)

	a.logger.Info("shutdown initiated")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	return nil
}

// Work consumes distributed tasks until ctx ends or the process is
// signalled. Each task gets a normalizer pinned to its own start time.
func (a *App) Work(ctx context.Context) error {
	if a.queue == nil {
		return errors.New("worker requires a distributor queue")
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := a.runnerConfig()
	tasks := distributor.RunnerFunc(func(ctx context.Context, task distributor.Task) spider.CrawlResult {
		return runner.NewTaskRunner(cfg, a.deps(a.clock.Now())).RunTask(ctx, task)
	})
	w := distributor.NewWorker(a.queue, tasks, distributor.WorkerConfig{
		Concurrency: a.cfg.Distributor.WorkerConcurrency,
		Retry:       a.retryPolicy(),
		PollTimeout: workerPollPeriod,
		Logger:      a.logger,
	})
	a.logger.Info("worker started",
		zap.String("queue", a.cfg.Distributor.Queue),
		zap.Int("concurrency", a.cfg.Distributor.WorkerConcurrency))
	w.Run(ctx)
	a.logger.Info("worker stopped")
	return nil
}

// RefreshAffiliations rebuilds the affiliation cache when stale, or always
// when force is set. It reports whether the file was rewritten.
func (a *App) RefreshAffiliations(ctx context.Context, force bool) (bool, error) {
	if a.refresher == nil {
		return false, errors.New("affiliation.url is not configured")
	}
	return a.refresher.Refresh(ctx, force)
}

// Close gracefully shuts down the application.
func (a *App) Close(ctx context.Context) error {
	a.closeAll()
	if a.tracer != nil {
		if err := a.tracer.Shutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}
	_ = a.logger.Sync()
	return nil
}

func (a *App) closeAll() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		c := a.closers[i]
		if err := c.fn(); err != nil {
			a.logger.Warn("close failed", zap.String("component", c.name), zap.Error(err))
		}
	}
	a.closers = nil
}

func (a *App) onClose(name string, fn func() error) {
	a.closers = append(a.closers, closer{name: name, fn: fn})
}

func (a *App) schedule(ctx context.Context) {
	interval := a.cfg.Server.Interval
	if interval <= 0 {
		interval = defaultInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		a.pass(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-a.pending:
		}
	}
}

func (a *App) pass(ctx context.Context) {
	a.busy.Store(true)
	defer a.busy.Store(false)
	if _, err := a.RunOnce(ctx); err != nil {
		a.logger.Error("scheduled pass failed", zap.Error(err))
	}
}

func (a *App) ready(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, readyTimeout)
	defer cancel()
	if _, err := a.checkpoints.All(ctx); err != nil {
		return fmt.Errorf("checkpoint store: %w", err)
	}
	return nil
}

func (a *App) refreshAffiliations(ctx context.Context) {
	if a.refresher == nil {
		return
	}
	if _, err := a.refresher.Refresh(ctx, false); err != nil {
		a.logger.Warn("affiliation refresh failed, using cached copy", zap.Error(err))
	}
}

func (a *App) deps(launch time.Time) runner.Deps {
	var lookup spider.AffiliationLookup
	if a.affiliations != nil {
		lookup = a.affiliations
	}
	return runner.Deps{
		Source: a.source,
		Normalizer: normalize.New(normalize.Config{
			LaunchTime:   launch,
			Affiliations: lookup,
			Logger:       a.logger,
		}),
		Checkpoints: a.checkpoints,
		Policy:      a.policy(),
		Sinks:       a.sinks,
		Runs:        a.runs,
		Remote:      a.remote,
		IDs:         a.ids,
		Clock:       system.Fixed(launch),
		Logger:      a.logger,
	}
}

func (a *App) runnerConfig() runner.Config {
	c := a.cfg
	phases := make([]spider.Phase, 0, len(c.Run.Phases))
	for _, p := range c.Run.Phases {
		phases = append(phases, spider.Phase(p))
	}
	return runner.Config{
		Timeout:         c.Run.Timeout,
		DeliveryReserve: c.Delivery.Reserve,
		Phases:          phases,
		ScheddFilter:    c.Run.ScheddFilter,
		DryRun:          c.Run.DryRun,
		ReadOnly:        c.Run.ReadOnly,
		Workers:         c.Crawl.Workers,
		MaxDocuments:    c.Crawl.MaxDocuments,
		AbortMargin:     c.Crawl.AbortMargin,
		QueueSlack:      c.Crawl.QueueSlack,
		Pool:            c.Crawl.PoolName,
		ReduceQueue:     !c.Crawl.KeepFullQueueData,
		BatchSize:       c.Batch.Size,
		MaxBatchWait:    c.Batch.MaxWait,
		InputDepth:      c.Batch.InputDepth,
		OutputDepth:     c.Batch.OutputDepth,
		UploadWorkers:   c.UploadWorkers(),
		SinkQueue:       c.Delivery.SinkQueue,
		SinkTimeout:     c.Delivery.SinkTimeout,
		AbortGrace:      c.Delivery.AbortGrace,
	}
}

func (a *App) policy() checkpoint.Policy {
	c := a.cfg.Checkpoint
	return checkpoint.Policy{
		InitialWindow:     c.InitialWindow,
		BurstyPrefixes:    c.BurstyPrefixes,
		BurstyMaxLookback: c.BurstyMaxLookback,
		Retention:         c.Retention,
		Overlap:           c.Overlap,
	}
}

func (a *App) retryPolicy() distributor.RetryPolicy {
	p := distributor.DefaultRetryPolicy()
	d := a.cfg.Distributor
	if d.MaxAttempts > 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	if d.BaseDelay > 0 {
		p.BaseDelay = d.BaseDelay
	}
	if d.MaxDelay > 0 {
		p.MaxDelay = d.MaxDelay
	}
	return p
}

func newFetcher(cfg config.SourceConfig) (*collyfetcher.Fetcher, error) {
	fetcher, err := collyfetcher.New(collyfetcher.Config{
		UserAgent: cfg.UserAgent,
		Timeout:   cfg.Timeout,
		CertFile:  cfg.CertFile,
		KeyFile:   cfg.KeyFile,
		CAFile:    cfg.CAFile,
	})
	if err != nil {
		return nil, fmt.Errorf("fetcher init failed: %w", err)
	}
	return fetcher, nil
}

func (a *App) setupCheckpoints() error {
	c := a.cfg.Checkpoint
	switch c.Backend {
	case config.BackendRedis:
		store, err := redischeckpoint.Dial(c.RedisURL, c.KeyPrefix)
		if err != nil {
			return fmt.Errorf("redis checkpoint store init failed: %w", err)
		}
		a.onClose("checkpoint", store.Close)
		a.checkpoints = store
	default:
		store, err := filecheckpoint.New(c.Path, a.logger.Named("checkpoint"))
		if err != nil {
			return fmt.Errorf("file checkpoint store init failed: %w", err)
		}
		a.checkpoints = store
	}
	a.logger.Debug("checkpoint store ready", zap.String("backend", c.Backend))
	return nil
}
