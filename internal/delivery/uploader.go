package delivery

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/condor-spider/internal/batcher"
	"github.com/JakeFAU/condor-spider/internal/metrics"
	"github.com/JakeFAU/condor-spider/internal/spider"
)

// Report aggregates what one pipeline delivered.
type Report struct {
	// Batches and Documents count what reached the upload pool.
	Batches   int
	Documents int
	// Total is the count carried by the batcher's terminal emission.
	Total    int
	Complete bool
	Sinks    map[string]spider.SinkResult
}

func (r *Report) merge(results []spider.SinkResult) {
	if r.Sinks == nil {
		r.Sinks = make(map[string]spider.SinkResult, len(results))
	}
	for _, res := range results {
		agg := r.Sinks[res.Sink]
		agg.Sink = res.Sink
		agg.Merge(res)
		r.Sinks[res.Sink] = agg
	}
}

// Uploader drains the batcher into one lane per sink. Each lane has its own
// bounded queue and workers, so a slow sink only falls behind on its own
// batches. A batch that finds a lane's queue full is shed for that sink.
type Uploader struct {
	fanout  *Fanout
	workers int
	depth   int
	logger  *zap.Logger
}

const defaultLaneDepth = 64

// NewUploader builds the upload lanes with the given worker count per sink
// (minimum 1) and per-sink queue depth.
func NewUploader(fanout *Fanout, workers, depth int, logger *zap.Logger) *Uploader {
	if workers <= 0 {
		workers = 1
	}
	if depth <= 0 {
		depth = defaultLaneDepth
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Uploader{fanout: fanout, workers: workers, depth: depth, logger: logger.Named("uploader")}
}

type lane struct {
	sink  spider.Sink
	queue chan spider.Batch
	shed  int
}

// Run drains emissions until in closes. Once ctx ends, queued batches are
// counted as undelivered for their sink instead of being written; draining
// continues so the batcher never blocks on a dead consumer.
func (u *Uploader) Run(ctx context.Context, in <-chan batcher.Emission) Report {
	var (
		mu     sync.Mutex
		report Report
		wg     sync.WaitGroup
	)
	record := func(res spider.SinkResult) {
		mu.Lock()
		report.merge([]spider.SinkResult{res})
		mu.Unlock()
	}

	lanes := make([]*lane, len(u.fanout.sinks))
	for i, sink := range u.fanout.sinks {
		l := &lane{sink: sink, queue: make(chan spider.Batch, u.depth)}
		lanes[i] = l
		for w := 0; w < u.workers; w++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for batch := range l.queue {
					if ctx.Err() != nil {
						record(u.reject(l.sink.Name(), batch, ReasonUndelivered))
						continue
					}
					record(u.fanout.write(ctx, l.sink, batch))
				}
			}()
		}
	}

	for e := range in {
		if e.Final {
			mu.Lock()
			report.Total = e.Total
			report.Complete = e.Complete
			mu.Unlock()
			continue
		}
		mu.Lock()
		report.Batches++
		report.Documents += e.Batch.Len()
		mu.Unlock()
		for _, l := range lanes {
			select {
			case l.queue <- e.Batch:
			default:
				l.shed++
				record(u.reject(l.sink.Name(), e.Batch, ReasonBacklog))
			}
		}
	}
	for _, l := range lanes {
		close(l.queue)
		if l.shed > 0 {
			u.logger.Warn("sink fell behind, batches shed",
				zap.String("sink", l.sink.Name()),
				zap.Int("batches", l.shed))
		}
	}
	wg.Wait()

	u.logger.Debug("upload lanes drained",
		zap.Int("batches", report.Batches),
		zap.Int("documents", report.Documents))
	return report
}

func (u *Uploader) reject(name string, batch spider.Batch, reason string) spider.SinkResult {
	res := spider.SinkResult{Sink: name}
	res.Reject(reason, batch.Len())
	if reason == ReasonUndelivered {
		u.logger.Warn("batch not delivered before deadline",
			zap.String("sink", name),
			zap.String("batch_id", batch.ID),
			zap.Int("documents", batch.Len()))
	}
	metrics.ObserveSinkWrite(name, 0, batch.Len(), true, 0)
	return res
}
