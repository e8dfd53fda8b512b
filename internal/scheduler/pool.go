// Package scheduler runs one crawl task per source under a shared deadline
// and serializes checkpoint commits through a single committer.
package scheduler

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/condor-spider/internal/metrics"
	"github.com/JakeFAU/condor-spider/internal/spider"
)

const defaultCommitTimeout = 10 * time.Second

// Config sizes the pool.
type Config struct {
	// Workers bounds concurrently running crawl tasks.
	Workers int
	// ReadOnly disables checkpoint commits.
	ReadOnly      bool
	CommitTimeout time.Duration
	Logger        *zap.Logger
}

// Pool fans crawl requests out to a bounded set of workers.
type Pool struct {
	crawler     spider.Crawler
	checkpoints spider.CheckpointStore
	cfg         Config
	logger      *zap.Logger
}

// New creates a Pool. checkpoints may be nil when cfg.ReadOnly is set.
func New(crawler spider.Crawler, checkpoints spider.CheckpointStore, cfg Config) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.CommitTimeout <= 0 {
		cfg.CommitTimeout = defaultCommitTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{
		crawler:     crawler,
		checkpoints: checkpoints,
		cfg:         cfg,
		logger:      logger.Named("scheduler"),
	}
}

type commit struct {
	index     int
	source    string
	watermark time.Time
}

// Run crawls every request and blocks until all tasks have returned and all
// commits are written. Tasks are cancelled at deadline. Results come back in
// request order; a history result that finished in time has Committed set
// once its watermark is persisted.
func (p *Pool) Run(ctx context.Context, reqs []spider.CrawlRequest, deadline time.Time) []spider.CrawlResult {
	if !deadline.IsZero() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, deadline)
		defer cancel()
	}

	results := make([]spider.CrawlResult, len(reqs))
	commits := make(chan commit, len(reqs))
	committerDone := make(chan struct{})
	go func() {
		defer close(committerDone)
		p.commitLoop(ctx, commits, results)
	}()

	jobs := make(chan int)
	var wg sync.WaitGroup
	workers := min(p.cfg.Workers, len(reqs))
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				res := p.crawler.Crawl(ctx, reqs[i])
				results[i] = res
				if p.shouldCommit(res, deadline) {
					commits <- commit{index: i, source: res.Source, watermark: res.Watermark}
				}
			}
		}()
	}
	for i := range reqs {
		jobs <- i
	}
	close(jobs)
	wg.Wait()
	close(commits)
	<-committerDone

	p.logSummary(results)
	return results
}

// shouldCommit admits only history tasks that finished before the deadline.
func (p *Pool) shouldCommit(res spider.CrawlResult, deadline time.Time) bool {
	if p.cfg.ReadOnly || p.checkpoints == nil || !res.NeedsCommit() {
		return false
	}
	if !deadline.IsZero() && res.FinishedAt.After(deadline) {
		p.logger.Warn("task finished after deadline, checkpoint not advanced", zap.String("source", res.Source))
		return false
	}
	return true
}

// commitLoop is the single writer to the checkpoint store. Commits already
// admitted are written even if the run deadline passes meanwhile.
func (p *Pool) commitLoop(ctx context.Context, commits <-chan commit, results []spider.CrawlResult) {
	base := context.WithoutCancel(ctx)
	for c := range commits {
		cctx, cancel := context.WithTimeout(base, p.cfg.CommitTimeout)
		err := p.checkpoints.Set(cctx, c.source, c.watermark)
		cancel()
		metrics.ObserveCheckpointCommit(err)
		if err != nil {
			p.logger.Error("checkpoint commit failed", zap.String("source", c.source), zap.Error(err))
			continue
		}
		results[c.index].Committed = true
		p.logger.Debug("checkpoint committed", zap.String("source", c.source), zap.Time("watermark", c.watermark))
	}
}

func (p *Pool) logSummary(results []spider.CrawlResult) {
	counts := map[spider.TaskStatus]int{}
	docs := 0
	for _, r := range results {
		counts[r.Status]++
		docs += r.Documents
	}
	p.logger.Info("crawl pass finished",
		zap.Int("tasks", len(results)),
		zap.Int("completed", counts[spider.StatusCompleted]),
		zap.Int("truncated", counts[spider.StatusTruncated]),
		zap.Int("timed_out", counts[spider.StatusTimedOut]),
		zap.Int("failed", counts[spider.StatusFailed]),
		zap.Int("documents", docs))
}
