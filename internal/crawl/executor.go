// Package crawl runs one source crawl task: read the checkpoint, query the
// source, normalize each ad and forward the documents to the batcher.
package crawl

import (
	"context"
	"errors"
	"iter"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/condor-spider/internal/checkpoint"
	"github.com/JakeFAU/condor-spider/internal/metrics"
	"github.com/JakeFAU/condor-spider/internal/spider"
	"github.com/JakeFAU/condor-spider/internal/telemetry"
)

const (
	defaultQueueSlack   = time.Minute
	defaultCloseTimeout = 10 * time.Second
)

// Config tunes crawl tasks.
type Config struct {
	// MaxDocuments truncates a source after this many forwarded documents (0 = unlimited).
	MaxDocuments int
	// AbortMargin aborts a task once less than this much time remains before its deadline.
	AbortMargin time.Duration
	// RunTimeout and QueueSlack set the queue phase's completed-since bound:
	// start - (RunTimeout + QueueSlack).
	RunTimeout time.Duration
	QueueSlack time.Duration
	Pool       string
	// ReduceQueue prunes non-terminal queue documents to the running allow-list.
	ReduceQueue bool
	// DryRun skips source queries entirely.
	DryRun       bool
	CloseTimeout time.Duration
}

// Deps are the collaborators of an Executor.
type Deps struct {
	Source      spider.SourceClient
	Normalizer  spider.Normalizer
	Checkpoints spider.CheckpointStore
	Policy      checkpoint.Policy
	Outlet      spider.Outlet
	Clock       spider.Clock
	Tracer      trace.Tracer
	Logger      *zap.Logger
}

// Executor is the in-process spider.Crawler.
type Executor struct {
	cfg  Config
	deps Deps
	log  *zap.Logger
}

var _ spider.Crawler = (*Executor)(nil)

// New builds an Executor.
func New(cfg Config, deps Deps) *Executor {
	if cfg.QueueSlack <= 0 {
		cfg.QueueSlack = defaultQueueSlack
	}
	if cfg.CloseTimeout <= 0 {
		cfg.CloseTimeout = defaultCloseTimeout
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Tracer == nil {
		deps.Tracer = telemetry.Tracer()
	}
	return &Executor{cfg: cfg, deps: deps, log: deps.Logger.Named("crawl")}
}

// task holds the mutable state of one Crawl call.
type task struct {
	req      spider.CrawlRequest
	result   spider.CrawlResult
	producer spider.Producer
	log      *zap.Logger
}

// Crawl runs req to completion, truncation, failure or deadline. It never
// returns an error: the outcome is carried by the result's Status.
func (e *Executor) Crawl(ctx context.Context, req spider.CrawlRequest) spider.CrawlResult {
	t := &task{
		req: req,
		result: spider.CrawlResult{
			Source:    req.Source.Name,
			Phase:     req.Phase,
			Attempts:  1,
			StartedAt: e.now(),
		},
		log: e.log.With(zap.String("source", req.Source.Name), zap.String("phase", string(req.Phase))),
	}
	if !req.Deadline.IsZero() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, req.Deadline)
		defer cancel()
	}
	ctx, span := e.deps.Tracer.Start(ctx, "crawl.task", trace.WithAttributes(
		attribute.String("spider.source", req.Source.Name),
		attribute.String("spider.phase", string(req.Phase)),
	))
	defer span.End()

	metrics.IncActiveTasks()
	defer metrics.DecActiveTasks()

	e.run(ctx, t)

	t.result.FinishedAt = e.now()
	span.SetAttributes(
		attribute.String("spider.status", string(t.result.Status)),
		attribute.Int("spider.documents", t.result.Documents),
	)
	if t.result.Status == spider.StatusFailed {
		span.SetStatus(codes.Error, t.result.Error)
	}
	metrics.ObserveTask(string(req.Phase), string(t.result.Status), t.result.FinishedAt.Sub(t.result.StartedAt))
	t.log.Info("crawl task finished",
		zap.String("status", string(t.result.Status)),
		zap.Int("documents", t.result.Documents),
		zap.Int("dropped", t.result.Dropped),
		zap.Int("conversion_errors", t.result.ConversionErrors),
		zap.Time("watermark", t.result.Watermark),
		zap.Duration("duration", t.result.FinishedAt.Sub(t.result.StartedAt)))
	return t.result
}

func (e *Executor) run(ctx context.Context, t *task) {
	producer, err := e.deps.Outlet.Producer(ctx, string(t.req.Phase)+"/"+t.req.Source.Name)
	if err != nil {
		e.fail(ctx, t, err)
		return
	}
	t.producer = producer
	defer e.closeProducer(ctx, t)

	seq, err := e.query(ctx, t)
	if err != nil {
		e.fail(ctx, t, err)
		return
	}
	if seq == nil {
		t.result.Status = spider.StatusCompleted
		return
	}

	opts := spider.NormalizeOptions{
		Pool:   e.cfg.Pool,
		Reduce: e.cfg.ReduceQueue && t.req.Phase == spider.PhaseQueue,
	}
	phase := string(t.req.Phase)
	for ad, err := range seq {
		if err != nil {
			e.fail(ctx, t, err)
			return
		}
		if e.outOfTime(ctx) {
			t.result.Status = spider.StatusTimedOut
			t.log.Warn("crawl task out of time, abandoning source without checkpoint",
				zap.Int("documents", t.result.Documents))
			return
		}
		item, err := e.deps.Normalizer.Normalize(ad, opts)
		switch {
		case errors.Is(err, spider.ErrDropped):
			t.result.Dropped++
			metrics.ObserveAd(phase, "dropped")
			continue
		case err != nil:
			t.result.ConversionErrors++
			metrics.ObserveAd(phase, "error")
			id, _ := ad.GlobalJobID()
			t.log.Warn("failed to convert ad", zap.String("job_id", id), zap.Error(err))
			continue
		}
		if err := t.producer.Send(ctx, item); err != nil {
			e.fail(ctx, t, err)
			return
		}
		metrics.ObserveAd(phase, "forwarded")
		t.result.Documents++
		if changed, ok := ad.StatusChanged(); ok && changed.After(t.result.Watermark) {
			t.result.Watermark = changed
		}
		if e.cfg.MaxDocuments > 0 && t.result.Documents >= e.cfg.MaxDocuments {
			t.result.Status = spider.StatusTruncated
			t.log.Warn("document cap reached, truncating source", zap.Int("max_documents", e.cfg.MaxDocuments))
			return
		}
	}
	t.result.Status = spider.StatusCompleted
}

// query opens the phase's ad sequence. A nil sequence means dry-run.
func (e *Executor) query(ctx context.Context, t *task) (iter.Seq2[spider.RawAd, error], error) {
	now := e.now()
	switch t.req.Phase {
	case spider.PhaseQueue:
		t.result.Since = now.Add(-(e.cfg.RunTimeout + e.cfg.QueueSlack))
		if e.cfg.DryRun {
			return nil, nil
		}
		return e.deps.Source.Queue(ctx, t.req.Source, t.result.Since), nil
	default:
		stored, ok, err := e.deps.Checkpoints.Get(ctx, t.req.Source.Name)
		if err != nil {
			return nil, err
		}
		start := e.deps.Policy.Start(t.req.Source.Name, stored, ok, now)
		t.result.Since = e.deps.Policy.QueryFrom(start)
		t.log.Debug("history window",
			zap.Time("checkpoint", stored),
			zap.Bool("has_checkpoint", ok),
			zap.Time("since", t.result.Since))
		if e.cfg.DryRun {
			return nil, nil
		}
		return e.deps.Source.History(ctx, t.req.Source, t.result.Since), nil
	}
}

// fail records err. Once ctx has ended every failure counts as a timeout.
func (e *Executor) fail(ctx context.Context, t *task, err error) {
	if ctx.Err() != nil {
		t.result.Status = spider.StatusTimedOut
		t.result.Error = ctx.Err().Error()
		t.log.Warn("crawl task hit its deadline", zap.Int("documents", t.result.Documents))
		return
	}
	t.result.Status = spider.StatusFailed
	t.result.Error = err.Error()
	t.result.Retryable = spider.IsTemporary(err)
	t.log.Error("crawl task failed", zap.Bool("retryable", t.result.Retryable), zap.Error(err))
}

func (e *Executor) outOfTime(ctx context.Context) bool {
	if ctx.Err() != nil {
		return true
	}
	deadline, ok := ctx.Deadline()
	if !ok || e.cfg.AbortMargin <= 0 {
		return false
	}
	return time.Until(deadline) < e.cfg.AbortMargin
}

// closeProducer signals completion even when ctx has already expired, so the
// batcher can still account for this task.
func (e *Executor) closeProducer(ctx context.Context, t *task) {
	closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.CloseTimeout)
	defer cancel()
	if err := t.producer.Close(closeCtx); err != nil {
		t.log.Warn("failed to close producer", zap.Error(err))
	}
}

func (e *Executor) now() time.Time {
	if e.deps.Clock != nil {
		return e.deps.Clock.Now()
	}
	return time.Now().UTC()
}
