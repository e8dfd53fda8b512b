package runner

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/condor-spider/internal/crawl"
	"github.com/JakeFAU/condor-spider/internal/distributor"
	"github.com/JakeFAU/condor-spider/internal/metrics"
	"github.com/JakeFAU/condor-spider/internal/spider"
)

const defaultCommitTimeout = 10 * time.Second

// TaskRunner executes distributed tasks on a worker: it crawls one source
// into a private pipeline, commits the checkpoint itself and delivers the
// documents before the task deadline.
type TaskRunner struct {
	cfg  Config
	deps Deps
	log  *zap.Logger
}

var _ distributor.TaskRunner = (*TaskRunner)(nil)

// NewTaskRunner builds a TaskRunner. deps.Remote is ignored.
func NewTaskRunner(cfg Config, deps Deps) *TaskRunner {
	if cfg.DeliveryReserve <= 0 {
		cfg.DeliveryReserve = defaultReserve
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &TaskRunner{cfg: cfg, deps: deps, log: deps.Logger.Named("task")}
}

// RunTask implements distributor.TaskRunner. The crawl stops early enough to
// leave the delivery reserve before task.Request.Deadline.
func (t *TaskRunner) RunTask(ctx context.Context, task distributor.Task) spider.CrawlResult {
	req := task.Request
	log := t.log.With(
		zap.String("run_id", req.RunID),
		zap.String("task_id", task.ID),
		zap.String("source", req.Source.Name),
		zap.String("phase", string(req.Phase)))

	if !req.Deadline.IsZero() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, req.Deadline)
		defer cancel()
		req.Deadline = req.Deadline.Add(-reserve(t.cfg.DeliveryReserve, time.Until(req.Deadline)))
	}

	r := &Runner{cfg: t.cfg, deps: t.deps, log: t.log}
	pipe := r.startPipeline(ctx, req.Phase, 1, log)
	res := crawl.New(t.cfg.crawlConfig(), r.crawlDeps(pipe.Outlet())).Crawl(ctx, req)

	if t.shouldCommit(res, req.Deadline) {
		commitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), defaultCommitTimeout)
		err := t.deps.Checkpoints.Set(commitCtx, res.Source, res.Watermark)
		cancel()
		metrics.ObserveCheckpointCommit(err)
		if err != nil {
			log.Error("checkpoint commit failed", zap.Error(err))
		} else {
			res.Committed = true
		}
	}

	delivered := pipe.Wait(ctx)
	log.Debug("task delivered",
		zap.Int("documents", delivered.Documents),
		zap.Int("batches", delivered.Batches),
		zap.Bool("complete", delivered.Complete))
	return res
}

func (t *TaskRunner) shouldCommit(res spider.CrawlResult, deadline time.Time) bool {
	if t.cfg.ReadOnly || t.cfg.DryRun || t.deps.Checkpoints == nil || !res.NeedsCommit() {
		return false
	}
	return deadline.IsZero() || !res.FinishedAt.After(deadline)
}
