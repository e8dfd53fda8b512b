package distributor

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/condor-spider/internal/spider"
)

// Client submits crawl requests to the queue and blocks for their results.
// It satisfies spider.Crawler, so the scheduler pool can drive it.
type Client struct {
	queue  *Queue
	ids    spider.IDGenerator
	clock  spider.Clock
	logger *zap.Logger
}

var _ spider.Crawler = (*Client)(nil)

// NewClient builds a Client.
func NewClient(queue *Queue, ids spider.IDGenerator, clock spider.Clock, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{queue: queue, ids: ids, clock: clock, logger: logger.Named("distributor")}
}

// Crawl enqueues req and waits until its result arrives or req.Deadline
// passes. Failures are reported in the result, never returned.
func (c *Client) Crawl(ctx context.Context, req spider.CrawlRequest) spider.CrawlResult {
	started := c.now()
	res := spider.CrawlResult{Source: req.Source.Name, Phase: req.Phase, StartedAt: started}
	log := c.logger.With(zap.String("source", req.Source.Name), zap.String("phase", string(req.Phase)))

	id, err := c.ids.NewID()
	if err != nil {
		return c.failed(res, err, log)
	}
	task := Task{ID: id, Request: req, Attempt: 1, EnqueuedAt: started}
	if err := c.queue.Push(ctx, task); err != nil {
		return c.failed(res, err, log)
	}
	log.Debug("task submitted", zap.String("task_id", id))

	if !req.Deadline.IsZero() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, req.Deadline)
		defer cancel()
	}
	expired := func() bool {
		deadline, ok := ctx.Deadline()
		return ctx.Err() != nil || (ok && !time.Now().Before(deadline))
	}
	for !expired() {
		wait := time.Minute
		if deadline, ok := ctx.Deadline(); ok {
			wait = time.Until(deadline)
		}
		got, ok, err := c.queue.AwaitResult(ctx, id, wait)
		if err != nil {
			if expired() {
				break
			}
			return c.failed(res, err, log)
		}
		if ok {
			log.Debug("task result received",
				zap.String("task_id", id),
				zap.String("status", string(got.Status)),
				zap.Int("attempts", got.Attempts))
			return got
		}
	}
	res.Status = spider.StatusTimedOut
	res.Error = "no result before deadline"
	res.FinishedAt = c.now()
	log.Warn("distributed task did not report before deadline", zap.String("task_id", id))
	return res
}

func (c *Client) failed(res spider.CrawlResult, err error, log *zap.Logger) spider.CrawlResult {
	res.Status = spider.StatusFailed
	res.Error = err.Error()
	res.FinishedAt = c.now()
	log.Error("distributed task failed", zap.Error(err))
	return res
}

func (c *Client) now() time.Time {
	if c.clock != nil {
		return c.clock.Now()
	}
	return time.Now().UTC()
}
