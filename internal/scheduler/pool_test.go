package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/condor-spider/internal/spider"
)

type crawlFunc func(ctx context.Context, req spider.CrawlRequest) spider.CrawlResult

func (f crawlFunc) Crawl(ctx context.Context, req spider.CrawlRequest) spider.CrawlResult {
	return f(ctx, req)
}

type memCheckpoints struct {
	mu       sync.Mutex
	marks    map[string]time.Time
	sets     int
	inFlight atomic.Int32
	overlap  atomic.Bool
	failFor  string
}

func newMemCheckpoints(marks map[string]time.Time) *memCheckpoints {
	if marks == nil {
		marks = map[string]time.Time{}
	}
	return &memCheckpoints{marks: marks}
}

func (m *memCheckpoints) Get(_ context.Context, source string) (time.Time, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.marks[source]
	return w, ok, nil
}

func (m *memCheckpoints) Set(_ context.Context, source string, watermark time.Time) error {
	if m.inFlight.Add(1) > 1 {
		m.overlap.Store(true)
	}
	defer m.inFlight.Add(-1)
	time.Sleep(time.Millisecond)
	if source == m.failFor {
		return errors.New("write failed")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sets++
	if watermark.After(m.marks[source]) {
		m.marks[source] = watermark
	}
	return nil
}

func (m *memCheckpoints) All(context.Context) (map[string]time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]time.Time, len(m.marks))
	for k, v := range m.marks {
		out[k] = v
	}
	return out, nil
}

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func requests(names ...string) []spider.CrawlRequest {
	reqs := make([]spider.CrawlRequest, 0, len(names))
	for _, n := range names {
		reqs = append(reqs, spider.CrawlRequest{Source: spider.Source{Name: n}, Phase: spider.PhaseHistory})
	}
	return reqs
}

func result(req spider.CrawlRequest, status spider.TaskStatus, watermark time.Time) spider.CrawlResult {
	return spider.CrawlResult{
		Source:     req.Source.Name,
		Phase:      req.Phase,
		Status:     status,
		Watermark:  watermark,
		FinishedAt: time.Now(),
	}
}

// Failed and timed-out sources keep the checkpoint they had before the run.
func TestPoolCommitsOnlyFinishedSources(t *testing.T) {
	t.Parallel()

	store := newMemCheckpoints(map[string]time.Time{"failed": t0, "slow": t0})
	outcomes := map[string]spider.TaskStatus{
		"ok":        spider.StatusCompleted,
		"truncated": spider.StatusTruncated,
		"failed":    spider.StatusFailed,
		"slow":      spider.StatusTimedOut,
	}
	crawler := crawlFunc(func(_ context.Context, req spider.CrawlRequest) spider.CrawlResult {
		return result(req, outcomes[req.Source.Name], t0.Add(time.Hour))
	})

	pool := New(crawler, store, Config{Workers: 4})
	results := pool.Run(context.Background(), requests("ok", "truncated", "failed", "slow"), time.Now().Add(time.Minute))
	require.Len(t, results, 4)
	assert.True(t, results[0].Committed)
	assert.True(t, results[1].Committed)
	assert.False(t, results[2].Committed)
	assert.False(t, results[3].Committed)

	marks, err := store.All(context.Background())
	require.NoError(t, err)
	assert.Equal(t, t0.Add(time.Hour), marks["ok"])
	assert.Equal(t, t0.Add(time.Hour), marks["truncated"])
	assert.Equal(t, t0, marks["failed"])
	assert.Equal(t, t0, marks["slow"])
}

func TestPoolCommitsAreSerialized(t *testing.T) {
	t.Parallel()

	store := newMemCheckpoints(nil)
	crawler := crawlFunc(func(_ context.Context, req spider.CrawlRequest) spider.CrawlResult {
		return result(req, spider.StatusCompleted, t0)
	})
	names := make([]string, 32)
	for i := range names {
		names[i] = string(rune('a' + i%26)) + string(rune('a'+i/26))
	}

	New(crawler, store, Config{Workers: 16}).Run(context.Background(), requests(names...), time.Time{})
	assert.Equal(t, 32, store.sets)
	assert.False(t, store.overlap.Load())
}

func TestPoolBoundsConcurrency(t *testing.T) {
	t.Parallel()

	var running, peak atomic.Int32
	crawler := crawlFunc(func(_ context.Context, req spider.CrawlRequest) spider.CrawlResult {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		running.Add(-1)
		return result(req, spider.StatusCompleted, time.Time{})
	})

	New(crawler, nil, Config{Workers: 2}).Run(context.Background(), requests("a", "b", "c", "d", "e"), time.Time{})
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestPoolCancelsTasksAtDeadline(t *testing.T) {
	t.Parallel()

	store := newMemCheckpoints(map[string]time.Time{"stuck": t0})
	crawler := crawlFunc(func(ctx context.Context, req spider.CrawlRequest) spider.CrawlResult {
		<-ctx.Done()
		return result(req, spider.StatusTimedOut, t0.Add(time.Hour))
	})

	start := time.Now()
	results := New(crawler, store, Config{Workers: 1}).Run(context.Background(), requests("stuck"), time.Now().Add(30*time.Millisecond))
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, spider.StatusTimedOut, results[0].Status)
	w, _, _ := store.Get(context.Background(), "stuck")
	assert.Equal(t, t0, w)
}

func TestPoolSkipsLateFinishers(t *testing.T) {
	t.Parallel()

	store := newMemCheckpoints(nil)
	deadline := time.Now().Add(time.Minute)
	crawler := crawlFunc(func(_ context.Context, req spider.CrawlRequest) spider.CrawlResult {
		res := result(req, spider.StatusCompleted, t0)
		res.FinishedAt = deadline.Add(time.Second)
		return res
	})

	results := New(crawler, store, Config{}).Run(context.Background(), requests("late"), deadline)
	assert.False(t, results[0].Committed)
	assert.Zero(t, store.sets)
}

func TestPoolReadOnlyAndPrecommittedResults(t *testing.T) {
	t.Parallel()

	store := newMemCheckpoints(nil)
	crawler := crawlFunc(func(_ context.Context, req spider.CrawlRequest) spider.CrawlResult {
		res := result(req, spider.StatusCompleted, t0)
		res.Committed = req.Source.Name == "remote"
		return res
	})

	New(crawler, store, Config{ReadOnly: true}).Run(context.Background(), requests("local"), time.Time{})
	assert.Zero(t, store.sets)

	results := New(crawler, store, Config{}).Run(context.Background(), requests("remote"), time.Time{})
	assert.True(t, results[0].Committed)
	assert.Zero(t, store.sets)
}

func TestPoolCommitFailureLeavesResultUncommitted(t *testing.T) {
	t.Parallel()

	store := newMemCheckpoints(nil)
	store.failFor = "broken"
	crawler := crawlFunc(func(_ context.Context, req spider.CrawlRequest) spider.CrawlResult {
		return result(req, spider.StatusCompleted, t0)
	})

	results := New(crawler, store, Config{Workers: 2}).Run(context.Background(), requests("broken", "fine"), time.Time{})
	assert.False(t, results[0].Committed)
	assert.True(t, results[1].Committed)
}
