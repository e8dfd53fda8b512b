package delivery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/condor-spider/internal/batcher"
	"github.com/JakeFAU/condor-spider/internal/spider"
)

type stubSink struct {
	name  string
	err   error
	panic bool
	block bool

	mu      sync.Mutex
	batches []spider.Batch
}

func (s *stubSink) Name() string { return s.name }

func (s *stubSink) Write(ctx context.Context, batch spider.Batch) (spider.SinkResult, error) {
	if s.panic {
		panic("boom")
	}
	if s.block {
		<-ctx.Done()
		return spider.SinkResult{}, ctx.Err()
	}
	if s.err != nil {
		return spider.SinkResult{}, s.err
	}
	s.mu.Lock()
	s.batches = append(s.batches, batch)
	s.mu.Unlock()
	return spider.SinkResult{Accepted: batch.Len()}, nil
}

func (s *stubSink) Documents() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, b := range s.batches {
		n += b.Len()
	}
	return n
}

func batchOf(n int) spider.Batch {
	items := make([]spider.Item, n)
	for i := range items {
		id := spider.DocumentID(fmt.Sprintf("schedd#%d#1700000000", i))
		items[i] = spider.Item{ID: id, Doc: spider.Document{"GlobalJobId": string(id)}}
	}
	return spider.Batch{ID: "batch-1", Phase: spider.PhaseHistory, Items: items}
}

func byName(results []spider.SinkResult) map[string]spider.SinkResult {
	out := make(map[string]spider.SinkResult, len(results))
	for _, r := range results {
		out[r.Sink] = r
	}
	return out
}

// A failing search index must not stop the bus from accepting the batch.
func TestFanoutIsolatesSinkFailure(t *testing.T) {
	t.Parallel()

	index := &stubSink{name: "search", err: errors.New("cluster unavailable")}
	bus := &stubSink{name: "bus"}
	f := NewFanout([]spider.Sink{index, bus}, time.Second, nil)

	results := byName(f.Deliver(context.Background(), batchOf(2)))
	require.Len(t, results, 2)
	assert.Equal(t, 0, results["search"].Accepted)
	assert.Equal(t, 2, results["search"].Rejected)
	assert.Equal(t, 2, results["search"].Reasons[ReasonWriteFailed])
	assert.Equal(t, 2, results["bus"].Accepted)
	assert.Zero(t, results["bus"].Rejected)
	assert.Equal(t, 2, bus.Documents())
}

func TestFanoutRecoversSinkPanic(t *testing.T) {
	t.Parallel()

	f := NewFanout([]spider.Sink{&stubSink{name: "broken", panic: true}, &stubSink{name: "bus"}}, 0, nil)
	results := byName(f.Deliver(context.Background(), batchOf(3)))
	assert.Equal(t, 3, results["broken"].Rejected)
	assert.Equal(t, 3, results["bus"].Accepted)
}

func TestFanoutAppliesSinkTimeout(t *testing.T) {
	t.Parallel()

	f := NewFanout([]spider.Sink{&stubSink{name: "slow", block: true}}, 20*time.Millisecond, nil)
	start := time.Now()
	results := f.Deliver(context.Background(), batchOf(1))
	require.Less(t, time.Since(start), time.Second)
	require.Len(t, results, 1)
	assert.Equal(t, 1, results[0].Reasons[ReasonTimeout])
	assert.Equal(t, []string{"slow"}, f.SinkNames())
}

func TestPipelineDeliversEveryDocument(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	bus := &stubSink{name: "bus"}
	p := Start(ctx, PipelineConfig{
		Batch:         batcher.Config{BatchSize: 2, MaxBatchWait: time.Minute, Expected: 2, Phase: spider.PhaseHistory},
		UploadWorkers: 2,
	}, NewFanout([]spider.Sink{bus}, time.Second, nil), nil)

	var wg sync.WaitGroup
	for i, n := range []int{3, 2} {
		wg.Add(1)
		go func(name string, n int) {
			defer wg.Done()
			prod, err := p.Outlet().Producer(ctx, name)
			if !assert.NoError(t, err) {
				return
			}
			for _, it := range batchOf(n).Items {
				assert.NoError(t, prod.Send(ctx, it))
			}
			assert.NoError(t, prod.Close(ctx))
		}(fmt.Sprintf("schedd-%d", i), n)
	}
	wg.Wait()

	report := p.Wait(ctx)
	assert.True(t, report.Complete)
	assert.Equal(t, 5, report.Total)
	assert.Equal(t, 5, report.Documents)
	assert.GreaterOrEqual(t, report.Batches, 3)
	assert.Equal(t, 5, report.Sinks["bus"].Accepted)
	assert.Equal(t, 5, bus.Documents())
}

func TestPipelineWaitAbortsAtDeadline(t *testing.T) {
	t.Parallel()

	bus := &stubSink{name: "bus"}
	p := Start(context.Background(), PipelineConfig{
		Batch:      batcher.Config{BatchSize: 10, MaxBatchWait: time.Minute, Expected: 2},
		AbortGrace: time.Second,
	}, NewFanout([]spider.Sink{bus}, time.Second, nil), nil)

	prod, err := p.Outlet().Producer(context.Background(), "finished")
	require.NoError(t, err)
	for _, it := range batchOf(4).Items {
		require.NoError(t, prod.Send(context.Background(), it))
	}
	require.NoError(t, prod.Close(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	report := p.Wait(ctx)
	assert.False(t, report.Complete)
	assert.Equal(t, 4, report.Total)
	assert.Equal(t, 4, report.Documents)
}

func TestUploaderCountsUndeliveredAfterDeadline(t *testing.T) {
	t.Parallel()

	bus := &stubSink{name: "bus"}
	u := NewUploader(NewFanout([]spider.Sink{bus}, 0, nil), 1, 4, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	in := make(chan batcher.Emission, 2)
	in <- batcher.Emission{Batch: batchOf(2)}
	in <- batcher.Emission{Final: true, Total: 2, Complete: true}
	close(in)

	report := u.Run(ctx, in)
	assert.Equal(t, 2, report.Sinks["bus"].Reasons[ReasonUndelivered])
	assert.Zero(t, bus.Documents())
	assert.Equal(t, 2, report.Total)
}

// A hung search cluster must not hold back the bus: the bus sees every batch,
// and only search loses work.
func TestUploaderKeepsHealthySinkFlowingPastHungSink(t *testing.T) {
	t.Parallel()

	index := &stubSink{name: "search", block: true}
	bus := &stubSink{name: "bus"}
	u := NewUploader(NewFanout([]spider.Sink{index, bus}, 200*time.Millisecond, nil), 1, 2, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	in := make(chan batcher.Emission)
	go func() {
		defer close(in)
		for i := 0; i < 10; i++ {
			b := batchOf(1)
			b.ID = fmt.Sprintf("batch-%d", i)
			in <- batcher.Emission{Batch: b}
		}
		in <- batcher.Emission{Final: true, Total: 10, Complete: true}
	}()

	report := u.Run(ctx, in)
	assert.Equal(t, 10, bus.Documents())
	assert.Equal(t, 10, report.Sinks["bus"].Accepted)
	assert.Zero(t, report.Sinks["bus"].Rejected)

	search := report.Sinks["search"]
	assert.Zero(t, search.Accepted)
	assert.Equal(t, 10, search.Rejected)
	assert.Positive(t, search.Reasons[ReasonBacklog])
	assert.Equal(t, 10, report.Total)
}

func TestUploaderShedsOnlyForFullLane(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	slow := &gatedSink{name: "slow", release: release}
	bus := &stubSink{name: "bus"}
	u := NewUploader(NewFanout([]spider.Sink{slow, bus}, 0, nil), 1, 1, nil)

	in := make(chan batcher.Emission)
	done := make(chan Report, 1)
	go func() { done <- u.Run(context.Background(), in) }()

	for i := 0; i < 4; i++ {
		in <- batcher.Emission{Batch: batchOf(1)}
	}
	require.Eventually(t, func() bool { return bus.Documents() == 4 }, time.Second, 5*time.Millisecond)
	close(release)
	close(in)

	report := <-done
	assert.Equal(t, 4, report.Sinks["bus"].Accepted)
	slowRes := report.Sinks["slow"]
	assert.Equal(t, 4, slowRes.Accepted+slowRes.Rejected)
	assert.GreaterOrEqual(t, slowRes.Accepted, 1)
	assert.Equal(t, slowRes.Rejected, slowRes.Reasons[ReasonBacklog])
}

// gatedSink holds every write until release closes.
type gatedSink struct {
	name    string
	release chan struct{}
}

func (g *gatedSink) Name() string { return g.name }

func (g *gatedSink) Write(ctx context.Context, batch spider.Batch) (spider.SinkResult, error) {
	select {
	case <-g.release:
	case <-ctx.Done():
		return spider.SinkResult{}, ctx.Err()
	}
	return spider.SinkResult{Accepted: batch.Len()}, nil
}
