// Package postgres stores run summaries in Postgres.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/condor-spider/internal/spider"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// RunStoreConfig controls the Postgres connection pool used for run rows.
type RunStoreConfig struct {
	DSN             string
	Table           string
	ResultTable     string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pgxPool interface {
	Begin(context.Context) (pgx.Tx, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Query(context.Context, string, ...any) (pgx.Rows, error)
	Close()
}

// RunStore writes one row per run pass and one row per source result.
type RunStore struct {
	pool        pgxPool
	table       string
	resultTable string
}

var _ spider.RunStore = (*RunStore)(nil)

// NewRunStore connects to Postgres using the provided config.
func NewRunStore(ctx context.Context, cfg RunStoreConfig) (*RunStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	store, err := NewRunStoreWithPool(pool, cfg.Table, cfg.ResultTable)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

// NewRunStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewRunStoreWithPool(pool pgxPool, table, resultTable string) (*RunStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = "spider_runs"
	}
	if resultTable == "" {
		resultTable = "spider_run_sources"
	}
	for _, name := range []string{table, resultTable} {
		if !validTableName.MatchString(name) {
			return nil, fmt.Errorf("invalid table name %q", name)
		}
	}
	return &RunStore{pool: pool, table: table, resultTable: resultTable}, nil
}

// Close releases the underlying pool resources.
func (s *RunStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// SaveRun upserts the run row and replaces its source rows in one transaction.
func (s *RunStore) SaveRun(ctx context.Context, summary spider.RunSummary) error {
	if summary.RunID == "" {
		return fmt.Errorf("run id is required")
	}
	sinks, err := json.Marshal(summary.Sinks)
	if err != nil {
		return fmt.Errorf("marshal sink results: %w", err)
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin run transaction: %w", err)
	}
	if err := s.writeRun(ctx, tx, summary, sinks); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit run: %w", err)
	}
	return nil
}

func (s *RunStore) writeRun(ctx context.Context, tx pgx.Tx, summary spider.RunSummary, sinks []byte) error {
	runQuery := fmt.Sprintf(`
INSERT INTO %s (
	run_id,
	phase,
	started_at,
	finished_at,
	deadline,
	documents,
	batches,
	complete,
	sinks
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9
)
ON CONFLICT (run_id, phase) DO UPDATE SET
	finished_at = EXCLUDED.finished_at,
	documents = EXCLUDED.documents,
	batches = EXCLUDED.batches,
	complete = EXCLUDED.complete,
	sinks = EXCLUDED.sinks`, s.table)
	if _, err := tx.Exec(ctx, runQuery,
		summary.RunID,
		string(summary.Phase),
		summary.StartedAt,
		summary.FinishedAt,
		summary.Deadline,
		summary.Documents,
		summary.Batches,
		summary.Complete,
		sinks,
	); err != nil {
		return fmt.Errorf("upsert run: %w", err)
	}

	deleteQuery := fmt.Sprintf(`DELETE FROM %s WHERE run_id = $1 AND phase = $2`, s.resultTable)
	if _, err := tx.Exec(ctx, deleteQuery, summary.RunID, string(summary.Phase)); err != nil {
		return fmt.Errorf("clear source results: %w", err)
	}

	resultQuery := fmt.Sprintf(`
INSERT INTO %s (
	run_id,
	phase,
	source,
	status,
	since,
	watermark,
	documents,
	dropped,
	conversion_errors,
	attempts,
	committed,
	error,
	started_at,
	finished_at
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14
)`, s.resultTable)
	for _, res := range summary.Results {
		if _, err := tx.Exec(ctx, resultQuery,
			summary.RunID,
			string(summary.Phase),
			res.Source,
			string(res.Status),
			res.Since,
			res.Watermark,
			res.Documents,
			res.Dropped,
			res.ConversionErrors,
			res.Attempts,
			res.Committed,
			res.Error,
			res.StartedAt,
			res.FinishedAt,
		); err != nil {
			return fmt.Errorf("insert result for %s: %w", res.Source, err)
		}
	}
	return nil
}

// LastRun returns the most recently finished run pass with its source
// results, or spider.ErrNotFound when nothing was recorded yet.
func (s *RunStore) LastRun(ctx context.Context) (spider.RunSummary, error) {
	runQuery := fmt.Sprintf(`
SELECT run_id, phase, started_at, finished_at, deadline, documents, batches, complete, sinks
FROM %s
ORDER BY finished_at DESC
LIMIT 1`, s.table)

	var (
		summary spider.RunSummary
		phase   string
		sinks   []byte
	)
	err := s.pool.QueryRow(ctx, runQuery).Scan(
		&summary.RunID,
		&phase,
		&summary.StartedAt,
		&summary.FinishedAt,
		&summary.Deadline,
		&summary.Documents,
		&summary.Batches,
		&summary.Complete,
		&sinks,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return spider.RunSummary{}, spider.ErrNotFound
	}
	if err != nil {
		return spider.RunSummary{}, fmt.Errorf("select last run: %w", err)
	}
	summary.Phase = spider.Phase(phase)
	if len(sinks) > 0 {
		if err := json.Unmarshal(sinks, &summary.Sinks); err != nil {
			return spider.RunSummary{}, fmt.Errorf("decode sink results: %w", err)
		}
	}

	results, err := s.results(ctx, summary.RunID, phase)
	if err != nil {
		return spider.RunSummary{}, err
	}
	summary.Results = results
	return summary, nil
}

func (s *RunStore) results(ctx context.Context, runID, phase string) ([]spider.CrawlResult, error) {
	query := fmt.Sprintf(`
SELECT source, status, since, watermark, documents, dropped, conversion_errors, attempts, committed, error, started_at, finished_at
FROM %s
WHERE run_id = $1 AND phase = $2
ORDER BY source`, s.resultTable)

	rows, err := s.pool.Query(ctx, query, runID, phase)
	if err != nil {
		return nil, fmt.Errorf("select source results: %w", err)
	}
	defer rows.Close()

	var out []spider.CrawlResult
	for rows.Next() {
		var (
			res    spider.CrawlResult
			status string
		)
		if err := rows.Scan(
			&res.Source,
			&status,
			&res.Since,
			&res.Watermark,
			&res.Documents,
			&res.Dropped,
			&res.ConversionErrors,
			&res.Attempts,
			&res.Committed,
			&res.Error,
			&res.StartedAt,
			&res.FinishedAt,
		); err != nil {
			return nil, fmt.Errorf("scan source result: %w", err)
		}
		res.Phase = spider.Phase(phase)
		res.Status = spider.TaskStatus(status)
		out = append(out, res)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate source results: %w", err)
	}
	return out, nil
}
