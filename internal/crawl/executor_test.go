package crawl

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/condor-spider/internal/checkpoint"
	"github.com/JakeFAU/condor-spider/internal/clock/system"
	"github.com/JakeFAU/condor-spider/internal/normalize"
	memsource "github.com/JakeFAU/condor-spider/internal/source/memory"
	"github.com/JakeFAU/condor-spider/internal/spider"
)

var (
	launch = time.Unix(1_700_000_000, 0).UTC()
	t0     = time.Unix(1_699_990_000, 0).UTC()
	schedd = spider.Source{Name: "schedd1.cern.ch", Pool: "Global"}
)

type memCheckpoints struct {
	mu    sync.Mutex
	marks map[string]time.Time
	gets  int
	err   error
}

func newMemCheckpoints() *memCheckpoints {
	return &memCheckpoints{marks: map[string]time.Time{}}
}

func (m *memCheckpoints) Get(_ context.Context, source string) (time.Time, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gets++
	if m.err != nil {
		return time.Time{}, false, m.err
	}
	w, ok := m.marks[source]
	return w, ok, nil
}

func (m *memCheckpoints) Set(_ context.Context, source string, watermark time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.marks[source] = watermark
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

type recordingOutlet struct {
	mu     sync.Mutex
	items  []spider.Item
	opened []string
	closed []string
}

func (o *recordingOutlet) Producer(_ context.Context, name string) (spider.Producer, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.opened = append(o.opened, name)
	return &recordingProducer{outlet: o, name: name}, nil
}

func (o *recordingOutlet) Items() []spider.Item {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]spider.Item(nil), o.items...)
}

func (o *recordingOutlet) Closed() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.closed...)
}

type recordingProducer struct {
	outlet *recordingOutlet
	name   string
}

func (p *recordingProducer) Send(ctx context.Context, item spider.Item) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.outlet.mu.Lock()
	defer p.outlet.mu.Unlock()
	p.outlet.items = append(p.outlet.items, item)
	return nil
}

func (p *recordingProducer) Close(context.Context) error {
	p.outlet.mu.Lock()
	defer p.outlet.mu.Unlock()
	p.outlet.closed = append(p.outlet.closed, p.name)
	return nil
}

func completed(proc int, changed time.Time) spider.RawAd {
	return spider.NewRawAd(map[string]any{
		"GlobalJobId":          fmt.Sprintf("%s#%d.0#1699980000", schedd.Name, proc),
		"JobStatus":            4,
		"EnteredCurrentStatus": changed.Unix(),
		"CompletionDate":       changed.Unix(),
		"RemoteWallClockTime":  600,
		"RequestCpus":          1,
	})
}

type fixture struct {
	source      *memsource.Source
	checkpoints *memCheckpoints
	outlet      *recordingOutlet
}

func newFixture() *fixture {
	return &fixture{
		source:      memsource.New(),
		checkpoints: newMemCheckpoints(),
		outlet:      &recordingOutlet{},
	}
}

func (f *fixture) executor(cfg Config) *Executor {
	return New(cfg, Deps{
		Source:      f.source,
		Normalizer:  normalize.New(normalize.Config{LaunchTime: launch}),
		Checkpoints: f.checkpoints,
		Policy:      checkpoint.Policy{InitialWindow: 12 * time.Hour, Overlap: 720 * time.Second},
		Outlet:      f.outlet,
		Clock:       system.Fixed(launch),
	})
}

func historyRequest() spider.CrawlRequest {
	return spider.CrawlRequest{RunID: "run-1", Source: schedd, Phase: spider.PhaseHistory}
}

// Three ads changed at T0+10, T0+20 and T0+5 advance the watermark to T0+20.
func TestCrawlAdvancesWatermarkToNewestChange(t *testing.T) {
	t.Parallel()

	f := newFixture()
	f.checkpoints.marks[schedd.Name] = t0
	f.source.Add(schedd,
		completed(1, t0.Add(10*time.Second)),
		completed(2, t0.Add(20*time.Second)),
		completed(3, t0.Add(5*time.Second)),
	)

	res := f.executor(Config{}).Crawl(context.Background(), historyRequest())
	require.Equal(t, spider.StatusCompleted, res.Status, res.Error)
	assert.Equal(t, 3, res.Documents)
	assert.Equal(t, t0.Add(20*time.Second), res.Watermark)
	assert.Equal(t, t0.Add(-720*time.Second), res.Since)
	assert.True(t, res.NeedsCommit())
	assert.Len(t, f.outlet.Items(), 3)
	assert.Equal(t, []string{"history/" + schedd.Name}, f.outlet.Closed())
	assert.Equal(t, spider.DocumentID(schedd.Name+"#1.0#1699980000#1699990010"), f.outlet.Items()[0].ID)
}

func TestCrawlSkipsBadAdsAndKeepsGoing(t *testing.T) {
	t.Parallel()

	f := newFixture()
	f.source.Add(schedd,
		spider.NewRawAd(map[string]any{"JobStatus": 4, "EnteredCurrentStatus": t0.Unix()}),
		spider.NewRawAd(map[string]any{
			"GlobalJobId":          schedd.Name + "#9.0#1",
			"JobStatus":            4,
			"TaskType":             "ROOT",
			"EnteredCurrentStatus": t0.Unix(),
		}),
		completed(3, t0.Add(30*time.Second)),
	)

	res := f.executor(Config{}).Crawl(context.Background(), historyRequest())
	require.Equal(t, spider.StatusCompleted, res.Status)
	assert.Equal(t, 1, res.Documents)
	assert.Equal(t, 1, res.Dropped)
	assert.Equal(t, 1, res.ConversionErrors)
	assert.Equal(t, t0.Add(30*time.Second), res.Watermark)
}

func TestCrawlQueryFailureIsRetryableWhenTemporary(t *testing.T) {
	t.Parallel()

	f := newFixture()
	f.source.Add(schedd, completed(1, t0.Add(time.Second)))
	f.source.Fail(schedd.Name, &spider.QueryError{Source: schedd.Name, Err: errors.New("connection reset"), Temporary: true})

	res := f.executor(Config{}).Crawl(context.Background(), historyRequest())
	require.Equal(t, spider.StatusFailed, res.Status)
	assert.True(t, res.Retryable)
	assert.Contains(t, res.Error, "connection reset")
	assert.False(t, res.NeedsCommit())
	assert.Len(t, f.outlet.Closed(), 1)
}

func TestCrawlCheckpointReadFailure(t *testing.T) {
	t.Parallel()

	f := newFixture()
	f.checkpoints.err = errors.New("disk gone")
	res := f.executor(Config{}).Crawl(context.Background(), historyRequest())
	require.Equal(t, spider.StatusFailed, res.Status)
	assert.False(t, res.Retryable)
	assert.Zero(t, f.source.Queries(schedd.Name))
}

func TestCrawlTruncatesAtDocumentCap(t *testing.T) {
	t.Parallel()

	f := newFixture()
	f.source.Add(schedd,
		completed(1, t0.Add(5*time.Second)),
		completed(2, t0.Add(10*time.Second)),
		completed(3, t0.Add(20*time.Second)),
	)

	res := f.executor(Config{MaxDocuments: 2}).Crawl(context.Background(), historyRequest())
	require.Equal(t, spider.StatusTruncated, res.Status)
	assert.Equal(t, 2, res.Documents)
	assert.Equal(t, t0.Add(10*time.Second), res.Watermark)
	assert.True(t, res.NeedsCommit())
}

func TestCrawlTimesOutAtDeadline(t *testing.T) {
	t.Parallel()

	f := newFixture()
	for i := 0; i < 10; i++ {
		f.source.Add(schedd, completed(i, t0.Add(time.Duration(i)*time.Second)))
	}
	f.source.SetDelay(30 * time.Millisecond)

	req := historyRequest()
	req.Deadline = time.Now().Add(50 * time.Millisecond)
	res := f.executor(Config{}).Crawl(context.Background(), req)
	require.Equal(t, spider.StatusTimedOut, res.Status)
	assert.Less(t, res.Documents, 10)
	assert.False(t, res.NeedsCommit())
	assert.Len(t, f.outlet.Closed(), 1)
}

func TestCrawlAbortsInsideMargin(t *testing.T) {
	t.Parallel()

	f := newFixture()
	f.source.Add(schedd, completed(1, t0.Add(time.Second)))

	req := historyRequest()
	req.Deadline = time.Now().Add(time.Minute)
	res := f.executor(Config{AbortMargin: time.Hour}).Crawl(context.Background(), req)
	require.Equal(t, spider.StatusTimedOut, res.Status)
	assert.Zero(t, res.Documents)
	assert.Empty(t, f.outlet.Items())
}

func TestCrawlDryRunSkipsQueries(t *testing.T) {
	t.Parallel()

	f := newFixture()
	f.source.Add(schedd, completed(1, t0.Add(time.Second)))

	res := f.executor(Config{DryRun: true}).Crawl(context.Background(), historyRequest())
	require.Equal(t, spider.StatusCompleted, res.Status)
	assert.Zero(t, res.Documents)
	assert.False(t, res.NeedsCommit())
	assert.Zero(t, f.source.Queries(schedd.Name))
	assert.Len(t, f.outlet.Closed(), 1)
}

func TestCrawlQueuePhaseIgnoresCheckpoints(t *testing.T) {
	t.Parallel()

	f := newFixture()
	f.source.Add(schedd,
		spider.NewRawAd(map[string]any{
			"GlobalJobId":          schedd.Name + "#7.0#1",
			"JobStatus":            2,
			"EnteredCurrentStatus": launch.Add(-time.Hour).Unix(),
			"JobCurrentStartDate":  launch.Add(-time.Hour).Unix(),
			"RequestCpus":          1,
			"Cmd":                  "/bin/sleep",
		}),
		completed(8, launch.Add(-2*time.Hour)),
	)

	req := historyRequest()
	req.Phase = spider.PhaseQueue
	res := f.executor(Config{RunTimeout: 10 * time.Minute, ReduceQueue: true}).Crawl(context.Background(), req)
	require.Equal(t, spider.StatusCompleted, res.Status)
	assert.Equal(t, launch.Add(-11*time.Minute), res.Since)
	assert.Equal(t, 1, res.Documents)
	assert.False(t, res.NeedsCommit())
	assert.Zero(t, f.checkpoints.gets)

	items := f.outlet.Items()
	require.Len(t, items, 1)
	assert.Equal(t, "Running", items[0].Doc["Status"])
	assert.Equal(t, spider.DocumentID(fmt.Sprintf("%s#7.0#1#%d", schedd.Name, launch.Unix())), items[0].ID)
	assert.Equal(t, []string{"queue/" + schedd.Name}, f.outlet.Closed())
}
