package distributor

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/condor-spider/internal/metrics"
	"github.com/JakeFAU/condor-spider/internal/spider"
)

const (
	defaultConcurrency = 4
	defaultPollTimeout = 2 * time.Second
)

// TaskRunner executes one task locally: crawl, deliver and commit.
type TaskRunner interface {
	RunTask(ctx context.Context, task Task) spider.CrawlResult
}

// RunnerFunc adapts a function to TaskRunner.
type RunnerFunc func(ctx context.Context, task Task) spider.CrawlResult

// RunTask calls f.
func (f RunnerFunc) RunTask(ctx context.Context, task Task) spider.CrawlResult {
	return f(ctx, task)
}

// WorkerConfig controls admission and retries.
type WorkerConfig struct {
	// Concurrency caps tasks running at once on this worker.
	Concurrency int
	Retry       RetryPolicy
	PollTimeout time.Duration
	Logger      *zap.Logger
}

// Worker consumes tasks from the queue.
type Worker struct {
	queue  *Queue
	runner TaskRunner
	cfg    WorkerConfig
	logger *zap.Logger
	wg     sync.WaitGroup
}

// NewWorker builds a Worker.
func NewWorker(queue *Queue, runner TaskRunner, cfg WorkerConfig) *Worker {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = defaultPollTimeout
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = DefaultRetryPolicy()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{queue: queue, runner: runner, cfg: cfg, logger: logger.Named("worker")}
}

// Run consumes tasks until ctx ends, then waits for running tasks.
func (w *Worker) Run(ctx context.Context) {
	sem := make(chan struct{}, w.cfg.Concurrency)
	defer w.wg.Wait()
	for {
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			return
		}
		task, ok, err := w.queue.Pop(ctx, w.cfg.PollTimeout)
		if err != nil || !ok {
			<-sem
			if ctx.Err() != nil {
				return
			}
			if err != nil {
				w.logger.Error("task dequeue failed", zap.Error(err))
				w.sleep(ctx, time.Second)
			}
			continue
		}
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			w.handle(ctx, task, sem)
		}()
	}
}

// handle runs task while holding one admission slot. The slot is released
// before any retry backoff.
func (w *Worker) handle(ctx context.Context, task Task, sem <-chan struct{}) {
	log := w.logger.With(
		zap.String("task_id", task.ID),
		zap.String("source", task.Request.Source.Name),
		zap.Int("attempt", task.Attempt))
	released := false
	release := func() {
		if !released {
			released = true
			<-sem
		}
	}
	defer release()

	var res spider.CrawlResult
	if deadline := task.Request.Deadline; !deadline.IsZero() && !time.Now().Before(deadline) {
		res = spider.CrawlResult{
			Source: task.Request.Source.Name,
			Phase:  task.Request.Phase,
			Status: spider.StatusTimedOut,
			Error:  "task dequeued after its deadline",
		}
	} else {
		res = w.runner.RunTask(ctx, task)
	}
	res.Attempts = task.Attempt
	release()

	if w.cfg.Retry.ShouldRetry(res, task.Attempt) {
		delay := w.cfg.Retry.Backoff(task.Attempt)
		if w.canRetry(task, delay) {
			log.Warn("temporary task failure, retrying",
				zap.Duration("backoff", delay),
				zap.String("error", res.Error))
			metrics.ObserveTaskRetry()
			if w.sleep(ctx, delay) {
				task.Attempt++
				err := w.queue.Push(context.WithoutCancel(ctx), task)
				if err == nil {
					return
				}
				log.Error("failed to requeue task", zap.Error(err))
			}
		}
	}

	if err := w.queue.PublishResult(context.WithoutCancel(ctx), task.ID, res); err != nil {
		log.Error("failed to publish task result", zap.Error(err))
		return
	}
	log.Info("task finished", zap.String("status", string(res.Status)), zap.Int("documents", res.Documents))
}

// canRetry reports whether a retry after delay still fits before the deadline.
func (w *Worker) canRetry(task Task, delay time.Duration) bool {
	deadline := task.Request.Deadline
	return deadline.IsZero() || time.Now().Add(delay).Before(deadline)
}

func (w *Worker) sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
