package delivery

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/condor-spider/internal/batcher"
	"github.com/JakeFAU/condor-spider/internal/spider"
)

const defaultAbortGrace = 5 * time.Second

// PipelineConfig sizes one phase's batcher and upload pool.
type PipelineConfig struct {
	Batch         batcher.Config
	UploadWorkers int
	// SinkQueue bounds the batches waiting on each sink.
	SinkQueue int
	// AbortGrace bounds the final flush once the run deadline has passed.
	AbortGrace time.Duration
}

// Pipeline couples a batcher to its upload pool for one phase of a run.
type Pipeline struct {
	batcher *batcher.Batcher
	report  chan Report
	grace   time.Duration
	logger  *zap.Logger
}

// Start launches the batcher and upload pool. Uploads stop at ctx's deadline.
func Start(ctx context.Context, cfg PipelineConfig, fanout *Fanout, logger *zap.Logger) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.AbortGrace <= 0 {
		cfg.AbortGrace = defaultAbortGrace
	}
	if cfg.Batch.Logger == nil {
		cfg.Batch.Logger = logger
	}
	p := &Pipeline{
		batcher: batcher.New(cfg.Batch),
		report:  make(chan Report, 1),
		grace:   cfg.AbortGrace,
		logger:  logger.Named("pipeline").With(zap.String("phase", string(cfg.Batch.Phase))),
	}
	uploader := NewUploader(fanout, cfg.UploadWorkers, cfg.SinkQueue, logger)
	go func() {
		p.report <- uploader.Run(ctx, p.batcher.Out())
	}()
	return p
}

// Outlet hands out producers for crawl tasks.
func (p *Pipeline) Outlet() spider.Outlet {
	return p.batcher
}

// Wait blocks until every expected producer has finished and all batches are
// uploaded. If ctx ends first, collection is aborted and the report is marked
// incomplete.
func (p *Pipeline) Wait(ctx context.Context) Report {
	select {
	case r := <-p.report:
		return r
	case <-ctx.Done():
	}
	p.logger.Warn("deadline reached before delivery finished, aborting collection")
	abortCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.grace)
	defer cancel()
	if err := p.batcher.Abort(abortCtx); err != nil {
		p.logger.Warn("batcher abort", zap.Error(err))
	}
	r := <-p.report
	r.Complete = false
	return r
}
