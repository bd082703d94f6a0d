package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/source-ingest/internal/crawler"
)

const runColumns = `id, source_id, status, incremental, pages_found, new_pages, pages_scraped, pages_failed, error, started_at, completed_at`

// CreateRun inserts a run record.
func (s *Store) CreateRun(ctx context.Context, run crawler.Run) error {
	const query = `
INSERT INTO crawl_runs (id, source_id, status, incremental, started_at)
VALUES ($1, $2, $3, $4, $5)`
	if _, err := s.pool.Exec(ctx, query, run.ID, run.SourceID, string(run.Status), run.Incremental, run.StartedAt); err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// RecordDiscovery stores the discovery counters of a run.
func (s *Store) RecordDiscovery(ctx context.Context, runID string, pagesFound, newPages int) error {
	const query = `UPDATE crawl_runs SET pages_found = $2, new_pages = $3 WHERE id = $1`
	if _, err := s.pool.Exec(ctx, query, runID, pagesFound, newPages); err != nil {
		return fmt.Errorf("update run discovery: %w", err)
	}
	return nil
}

// OpenRun returns the most recent running run of the source.
func (s *Store) OpenRun(ctx context.Context, sourceID string) (crawler.Run, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+runColumns+` FROM crawl_runs
WHERE source_id = $1 AND status = $2 ORDER BY started_at DESC, id DESC LIMIT 1`, sourceID, string(crawler.RunRunning))
	run, err := scanRun(row)
	if err != nil {
		return crawler.Run{}, notFound(err, "open run for source "+sourceID)
	}
	return run, nil
}

// LatestRun returns the most recent run of the source.
func (s *Store) LatestRun(ctx context.Context, sourceID string) (crawler.Run, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+runColumns+` FROM crawl_runs
WHERE source_id = $1 ORDER BY started_at DESC, id DESC LIMIT 1`, sourceID)
	run, err := scanRun(row)
	if err != nil {
		return crawler.Run{}, notFound(err, "run for source "+sourceID)
	}
	return run, nil
}

// FinishRun closes a running run. It reports false when the run was already closed.
func (s *Store) FinishRun(ctx context.Context, run crawler.Run) (bool, error) {
	const query = `
UPDATE crawl_runs SET
	status = $2,
	pages_scraped = $3,
	pages_failed = $4,
	error = $5,
	completed_at = $6
WHERE id = $1 AND status = $7`
	tag, err := s.pool.Exec(ctx, query,
		run.ID,
		string(run.Status),
		run.PagesScraped,
		run.PagesFailed,
		run.Error,
		run.CompletedAt,
		string(crawler.RunRunning),
	)
	if err != nil {
		return false, fmt.Errorf("finish run: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func scanRun(row pgx.Row) (crawler.Run, error) {
	var (
		run    crawler.Run
		status string
	)
	if err := row.Scan(
		&run.ID,
		&run.SourceID,
		&status,
		&run.Incremental,
		&run.PagesFound,
		&run.NewPages,
		&run.PagesScraped,
		&run.PagesFailed,
		&run.Error,
		&run.StartedAt,
		&run.CompletedAt,
	); err != nil {
		return crawler.Run{}, err
	}
	run.Status = crawler.RunStatus(status)
	return run, nil
}
