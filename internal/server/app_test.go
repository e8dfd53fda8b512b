package server

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/condor-spider/internal/config"
	"github.com/JakeFAU/condor-spider/internal/spider"
)

type env struct {
	cfg        config.Config
	checkpoint string
	archive    string
}

func newEnv(t *testing.T) env {
	t.Helper()
	dir := t.TempDir()
	fixtures := filepath.Join(dir, "fixtures")
	require.NoError(t, os.MkdirAll(fixtures, 0o750))

	now := time.Now().Unix()
	var lines []string
	for i, status := range []int{4, 4, 2} {
		ad := map[string]any{
			"GlobalJobId":          fmt.Sprintf("schedd1.cern.ch#%d.0#%d", 100+i, now-7200),
			"JobStatus":            status,
			"JobUniverse":          5,
			"EnteredCurrentStatus": now - 3600,
			"QDate":                now - 7200,
			"CMS_Type":             "production",
		}
		if status == 4 {
			ad["CompletionDate"] = now - 3600
		}
		raw, err := json.Marshal(ad)
		require.NoError(t, err)
		lines = append(lines, string(raw))
	}
	require.NoError(t, os.WriteFile(filepath.Join(fixtures, "schedd1.cern.ch.ndjson"),
		[]byte(strings.Join(lines, "\n")+"\n"), 0o600))

	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Source.FixtureDir = fixtures
	cfg.Checkpoint.Path = filepath.Join(dir, "checkpoint.json")
	cfg.Archive.Enabled = true
	cfg.Archive.LocalDir = filepath.Join(dir, "archive")
	cfg.Affiliation.Path = ""
	cfg.Run.Phases = []string{"history", "queue"}
	cfg.Run.Timeout = 30 * time.Second
	cfg.Delivery.Reserve = 2 * time.Second
	cfg.Batch.MaxWait = 50 * time.Millisecond
	return env{cfg: cfg, checkpoint: cfg.Checkpoint.Path, archive: cfg.Archive.LocalDir}
}

func build(t *testing.T, cfg config.Config, opts Options) *App {
	t.Helper()
	opts.Logger = zap.NewNop()
	app, err := Build(context.Background(), cfg, opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Close(context.Background()) })
	return app
}

func archivedLines(t *testing.T, root string) int {
	t.Helper()
	n := 0
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() || !strings.HasSuffix(path, ".ndjson") {
			return err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		n += strings.Count(string(data), "\n")
		return nil
	})
	require.NoError(t, err)
	return n
}

func TestRunOnceCrawlsFixturesIntoArchive(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	app := build(t, e.cfg, Options{})

	report, err := app.RunOnce(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Summaries, 2)

	history := report.Summaries[0]
	assert.Equal(t, spider.PhaseHistory, history.Phase)
	assert.True(t, history.Complete)
	assert.Equal(t, 2, history.Documents)
	assert.Equal(t, 1, history.Count(spider.StatusCompleted))

	queue := report.Summaries[1]
	assert.Equal(t, spider.PhaseQueue, queue.Phase)
	// Completed jobs fall outside the queue window, leaving the running one.
	assert.Equal(t, 1, queue.Documents)

	assert.Equal(t, 3, archivedLines(t, e.archive))

	data, err := os.ReadFile(e.checkpoint)
	require.NoError(t, err)
	assert.Contains(t, string(data), "schedd1.cern.ch")

	last, err := app.runs.LastRun(context.Background())
	require.NoError(t, err)
	assert.Equal(t, report.RunID, last.RunID)
}

func TestRunOnceReadOnlyWritesNothing(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	e.cfg.Run.ReadOnly = true
	app := build(t, e.cfg, Options{})

	report, err := app.RunOnce(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, report.Summaries)

	_, err = os.Stat(e.checkpoint)
	assert.ErrorIs(t, err, os.ErrNotExist)
	assert.Zero(t, archivedLines(t, e.archive))
}

func TestBuildRoutesSearchToQueueOnlyWhenFed(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	e.cfg.Search.Enabled = true
	e.cfg.Search.Addresses = []string{"http://127.0.0.1:9"}

	app := build(t, e.cfg, Options{})
	assert.Equal(t, []string{"search", "archive"}, sinkNames(app.sinks[spider.PhaseHistory]))
	assert.Equal(t, []string{"archive"}, sinkNames(app.sinks[spider.PhaseQueue]))

	e.cfg.Search.FeedQueue = true
	app = build(t, e.cfg, Options{})
	assert.Equal(t, []string{"search", "archive"}, sinkNames(app.sinks[spider.PhaseQueue]))
}

func TestBuildRequiresSource(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	e.cfg.Source.FixtureDir = ""
	_, err := Build(context.Background(), e.cfg, Options{Logger: zap.NewNop()})
	require.ErrorContains(t, err, "source.base_url")
}

func TestBuildDistributedNeedsRedis(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	_, err := Build(context.Background(), e.cfg, Options{Mode: ModeWorker, Logger: zap.NewNop()})
	require.ErrorContains(t, err, "distributor.redis_url")
}

func TestTriggerCoalesces(t *testing.T) {
	t.Parallel()

	app := build(t, newEnv(t).cfg, Options{})
	assert.True(t, app.Trigger())
	assert.False(t, app.Trigger())

	<-app.pending
	app.busy.Store(true)
	assert.False(t, app.Trigger())
}

func TestRefreshAffiliationsNeedsURL(t *testing.T) {
	t.Parallel()

	app := build(t, newEnv(t).cfg, Options{})
	_, err := app.RefreshAffiliations(context.Background(), true)
	require.ErrorContains(t, err, "affiliation.url")
}
