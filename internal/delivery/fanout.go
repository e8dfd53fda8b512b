// Package delivery writes batches to every configured sink and runs the
// bounded upload pool that drains the batcher.
package delivery

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/condor-spider/internal/metrics"
	"github.com/JakeFAU/condor-spider/internal/spider"
)

// Rejection reasons recorded when a sink write fails as a whole.
const (
	ReasonWriteFailed = "write_failed"
	ReasonTimeout     = "timeout"
	ReasonUndelivered = "undelivered"
	ReasonBacklog     = "backlog"
)

// Fanout delivers one batch to each sink independently.
type Fanout struct {
	sinks   []spider.Sink
	timeout time.Duration
	logger  *zap.Logger
}

// NewFanout builds a Fanout. A zero timeout leaves sink writes bounded only
// by the caller's context.
func NewFanout(sinks []spider.Sink, timeout time.Duration, logger *zap.Logger) *Fanout {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fanout{
		sinks:   append([]spider.Sink(nil), sinks...),
		timeout: timeout,
		logger:  logger.Named("fanout"),
	}
}

// SinkNames lists the configured sinks in delivery order.
func (f *Fanout) SinkNames() []string {
	names := make([]string, 0, len(f.sinks))
	for _, s := range f.sinks {
		names = append(names, s.Name())
	}
	return names
}

// Deliver writes batch to every sink concurrently. One result is returned per
// sink, in configuration order. A failing sink is reported as rejecting the
// whole batch and never affects the others.
func (f *Fanout) Deliver(ctx context.Context, batch spider.Batch) []spider.SinkResult {
	results := make([]spider.SinkResult, len(f.sinks))
	var wg sync.WaitGroup
	for i, sink := range f.sinks {
		wg.Add(1)
		go func(i int, sink spider.Sink) {
			defer wg.Done()
			results[i] = f.write(ctx, sink, batch)
		}(i, sink)
	}
	wg.Wait()
	return results
}

func (f *Fanout) write(ctx context.Context, sink spider.Sink, batch spider.Batch) spider.SinkResult {
	name := sink.Name()
	if f.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.timeout)
		defer cancel()
	}
	start := time.Now()
	res, err := safeWrite(ctx, sink, batch)
	res.Sink = name
	if err != nil {
		reason := ReasonWriteFailed
		if errors.Is(err, context.DeadlineExceeded) {
			reason = ReasonTimeout
		}
		res = spider.SinkResult{Sink: name}
		res.Reject(reason, batch.Len())
		f.logger.Warn("sink write failed",
			zap.String("sink", name),
			zap.String("batch_id", batch.ID),
			zap.Int("documents", batch.Len()),
			zap.Error(err))
	} else if res.Rejected > 0 {
		f.logger.Warn("sink rejected documents",
			zap.String("sink", name),
			zap.String("batch_id", batch.ID),
			zap.Int("rejected", res.Rejected),
			zap.Any("reasons", res.Reasons))
	}
	metrics.ObserveSinkWrite(name, res.Accepted, res.Rejected, err != nil, time.Since(start))
	return res
}

// safeWrite turns a sink panic into an error so one sink cannot crash the batch.
func safeWrite(ctx context.Context, sink spider.Sink, batch spider.Batch) (res spider.SinkResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Sink: sink.Name(), Value: r}
		}
	}()
	return sink.Write(ctx, batch)
}

// PanicError reports a sink that panicked during Write.
type PanicError struct {
	Sink  string
	Value any
}

func (e *PanicError) Error() string {
	return "sink " + e.Sink + " panicked: " + spider.AsString(e.Value)
}
