package memsource

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/condor-spider/internal/spider"
)

func ad(id string, status, changed, completed int64) spider.RawAd {
	return spider.NewRawAd(map[string]any{
		"GlobalJobId":          id,
		"JobStatus":            status,
		"EnteredCurrentStatus": changed,
		"CompletionDate":       completed,
	})
}

func ids(t *testing.T, seq func(func(spider.RawAd, error) bool)) ([]string, error) {
	t.Helper()
	var out []string
	for a, err := range seq {
		if err != nil {
			return out, err
		}
		id, _ := a.GlobalJobID()
		out = append(out, id)
	}
	return out, nil
}

func TestHistoryFiltersBySince(t *testing.T) {
	t.Parallel()

	src := spider.Source{Name: "a"}
	s := New().Add(src,
		ad("old", 4, 100, 100),
		ad("new", 4, 200, 200),
		ad("running", 2, 300, 0),
	)

	got, err := ids(t, s.History(context.Background(), src, time.Unix(150, 0)))
	require.NoError(t, err)
	assert.Equal(t, []string{"new"}, got)
	assert.Equal(t, 1, s.Queries("a"))
}

func TestQueueIncludesLiveAndRecentlyCompleted(t *testing.T) {
	t.Parallel()

	src := spider.Source{Name: "a"}
	s := New().Add(src,
		ad("done-long-ago", 4, 100, 100),
		ad("done-recently", 4, 200, 200),
		ad("idle", 1, 50, 0),
	)

	got, err := ids(t, s.Queue(context.Background(), src, time.Unix(150, 0)))
	require.NoError(t, err)
	assert.Equal(t, []string{"done-recently", "idle"}, got)
}

func TestFailureEndsSequence(t *testing.T) {
	t.Parallel()

	src := spider.Source{Name: "a"}
	boom := errors.New("boom")
	s := New().Add(src, ad("x", 4, 100, 100)).Fail("a", boom)

	got, err := ids(t, s.History(context.Background(), src, time.Unix(0, 0)))
	require.ErrorIs(t, err, boom)
	assert.Equal(t, []string{"x"}, got)
}

func TestDelayHonoursContext(t *testing.T) {
	t.Parallel()

	src := spider.Source{Name: "a"}
	s := New().Add(src, ad("x", 4, 100, 100)).SetDelay(time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := ids(t, s.History(ctx, src, time.Unix(0, 0)))
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestLoadDir(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "schedd1.ndjson"),
		[]byte("{\"GlobalJobId\":\"s#1\",\"JobStatus\":4,\"EnteredCurrentStatus\":10}\n\n{\"GlobalJobId\":\"s#2\",\"JobStatus\":4,\"EnteredCurrentStatus\":20}\n"), 0o600))

	s, err := LoadDir(dir, "Global")
	require.NoError(t, err)
	sources, err := s.ListSources(context.Background())
	require.NoError(t, err)
	require.Len(t, sources, 1)
	assert.Equal(t, "schedd1", sources[0].Name)
	assert.Equal(t, "Global", sources[0].Pool)

	got, err := ids(t, s.History(context.Background(), sources[0], time.Unix(15, 0)))
	require.NoError(t, err)
	assert.Equal(t, []string{"s#2"}, got)
}
