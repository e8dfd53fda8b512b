package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/condor-spider/internal/spider"
)

var t0 = time.Unix(1_700_000_000, 0).UTC()

func sampleSummary() spider.RunSummary {
	return spider.RunSummary{
		RunID:      "run-1",
		Phase:      spider.PhaseHistory,
		StartedAt:  t0,
		FinishedAt: t0.Add(time.Minute),
		Deadline:   t0.Add(10 * time.Minute),
		Documents:  4,
		Batches:    1,
		Complete:   true,
		Sinks: map[string]spider.SinkResult{
			"bus": {Sink: "bus", Accepted: 4},
		},
		Results: []spider.CrawlResult{
			{Source: "schedd1", Phase: spider.PhaseHistory, Status: spider.StatusCompleted, Since: t0.Add(-time.Hour), Watermark: t0, Documents: 4, Attempts: 1, Committed: true, StartedAt: t0, FinishedAt: t0.Add(time.Minute)},
			{Source: "schedd2", Phase: spider.PhaseHistory, Status: spider.StatusFailed, Error: "boom", Attempts: 1, StartedAt: t0, FinishedAt: t0.Add(time.Second)},
		},
	}
}

func TestSaveRunWritesRunAndSources(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewRunStoreWithPool(mock, "", "")
	require.NoError(t, err)
	summary := sampleSummary()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO spider_runs").
		WithArgs(
			"run-1", "history", summary.StartedAt, summary.FinishedAt, summary.Deadline,
			4, 1, true, []byte(`{"bus":{"sink":"bus","accepted":4,"rejected":0}}`),
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("DELETE FROM spider_run_sources").
		WithArgs("run-1", "history").
		WillReturnResult(pgxmock.NewResult("DELETE", 0))
	for _, res := range summary.Results {
		mock.ExpectExec("INSERT INTO spider_run_sources").
			WithArgs(
				"run-1", "history", res.Source, string(res.Status), res.Since, res.Watermark,
				res.Documents, res.Dropped, res.ConversionErrors, res.Attempts, res.Committed,
				res.Error, res.StartedAt, res.FinishedAt,
			).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
	}
	mock.ExpectCommit()

	require.NoError(t, store.SaveRun(context.Background(), summary))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveRunRollsBackOnFailure(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewRunStoreWithPool(mock, "runs", "run_sources")
	require.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO runs").
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	err = store.SaveRun(context.Background(), sampleSummary())
	require.ErrorContains(t, err, "disk full")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveRunRequiresID(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewRunStoreWithPool(mock, "", "")
	require.NoError(t, err)
	require.Error(t, store.SaveRun(context.Background(), spider.RunSummary{}))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLastRunReadsSummary(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewRunStoreWithPool(mock, "", "")
	require.NoError(t, err)

	mock.ExpectQuery("SELECT (.+) FROM spider_runs").
		WillReturnRows(mock.NewRows([]string{
			"run_id", "phase", "started_at", "finished_at", "deadline", "documents", "batches", "complete", "sinks",
		}).AddRow("run-1", "queue", t0, t0.Add(time.Minute), t0.Add(time.Hour), 7, 2, false,
			[]byte(`{"search":{"sink":"search","accepted":5,"rejected":2,"reasons":{"timeout":2}}}`)))
	mock.ExpectQuery("SELECT (.+) FROM spider_run_sources").
		WithArgs("run-1", "queue").
		WillReturnRows(mock.NewRows([]string{
			"source", "status", "since", "watermark", "documents", "dropped", "conversion_errors",
			"attempts", "committed", "error", "started_at", "finished_at",
		}).AddRow("schedd1", "timed_out", t0, t0, 7, 1, 0, 2, false, "deadline", t0, t0.Add(time.Minute)))

	got, err := store.LastRun(context.Background())
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())

	assert.Equal(t, "run-1", got.RunID)
	assert.Equal(t, spider.PhaseQueue, got.Phase)
	assert.False(t, got.Complete)
	assert.Equal(t, 2, got.Sinks["search"].Reasons["timeout"])
	require.Len(t, got.Results, 1)
	assert.Equal(t, spider.StatusTimedOut, got.Results[0].Status)
	assert.Equal(t, spider.PhaseQueue, got.Results[0].Phase)
	assert.Equal(t, 2, got.Results[0].Attempts)
}

func TestLastRunNotFound(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewRunStoreWithPool(mock, "", "")
	require.NoError(t, err)

	mock.ExpectQuery("SELECT (.+) FROM spider_runs").WillReturnError(pgx.ErrNoRows)

	_, err = store.LastRun(context.Background())
	require.ErrorIs(t, err, spider.ErrNotFound)
}

func TestNewRunStoreWithPoolValidatesTables(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	_, err = NewRunStoreWithPool(mock, "runs; DROP TABLE x", "")
	require.Error(t, err)
	_, err = NewRunStoreWithPool(nil, "", "")
	require.Error(t, err)
}
