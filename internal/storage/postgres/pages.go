package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/source-ingest/internal/crawler"
)

const pageColumns = `id, source_id, url, path, title, status, score, content_hash, last_error, discovered_at, last_scraped_at`

// ListPageURLs returns every known page URL of the source.
func (s *Store) ListPageURLs(ctx context.Context, sourceID string) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT url FROM pages WHERE source_id = $1 ORDER BY url`, sourceID)
	if err != nil {
		return nil, fmt.Errorf("select page urls: %w", err)
	}
	defer rows.Close()
	var urls []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, fmt.Errorf("scan page url: %w", err)
		}
		urls = append(urls, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate page urls: %w", err)
	}
	return urls, nil
}

// InsertPages adds pages in status discovered. Conflicting URLs are ignored.
func (s *Store) InsertPages(ctx context.Context, pages []crawler.Page) (int, error) {
	const query = `
INSERT INTO pages (id, source_id, url, path, title, status, discovered_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (source_id, url) DO NOTHING`
	inserted := 0
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		for _, page := range pages {
			tag, err := tx.Exec(ctx, query,
				page.ID,
				page.SourceID,
				page.URL,
				page.Path,
				page.Title,
				string(crawler.PageDiscovered),
				page.DiscoveredAt,
			)
			if err != nil {
				return fmt.Errorf("insert page %s: %w", page.URL, err)
			}
			inserted += int(tag.RowsAffected())
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return inserted, nil
}

// GetPage fetches a page by ID.
func (s *Store) GetPage(ctx context.Context, pageID string) (crawler.Page, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+pageColumns+` FROM pages WHERE id = $1`, pageID)
	page, err := scanPage(row)
	if err != nil {
		return crawler.Page{}, notFound(err, "page "+pageID)
	}
	return page, nil
}

// ListPages returns the source's pages, optionally filtered by status.
func (s *Store) ListPages(ctx context.Context, sourceID string, statuses ...crawler.PageStatus) ([]crawler.Page, error) {
	var (
		rows pgx.Rows
		err  error
	)
	if len(statuses) == 0 {
		rows, err = s.pool.Query(ctx,
			`SELECT `+pageColumns+` FROM pages WHERE source_id = $1 ORDER BY discovered_at, id`, sourceID)
	} else {
		rows, err = s.pool.Query(ctx,
			`SELECT `+pageColumns+` FROM pages WHERE source_id = $1 AND status = ANY($2) ORDER BY discovered_at, id`,
			sourceID, pageStatusStrings(statuses))
	}
	if err != nil {
		return nil, fmt.Errorf("select pages: %w", err)
	}
	defer rows.Close()
	var out []crawler.Page
	for rows.Next() {
		page, err := scanPage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan page: %w", err)
		}
		out = append(out, page)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pages: %w", err)
	}
	return out, nil
}

// CountPages returns the number of pages per status.
func (s *Store) CountPages(ctx context.Context, sourceID string) (map[crawler.PageStatus]int, error) {
	rows, err := s.pool.Query(ctx, `SELECT status, count(*) FROM pages WHERE source_id = $1 GROUP BY status`, sourceID)
	if err != nil {
		return nil, fmt.Errorf("count pages: %w", err)
	}
	defer rows.Close()
	counts := make(map[crawler.PageStatus]int)
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan page count: %w", err)
		}
		counts[crawler.PageStatus(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate page counts: %w", err)
	}
	return counts, nil
}

// TransitionPage implements crawler.PageStore.
func (s *Store) TransitionPage(
	ctx context.Context,
	pageID string,
	from []crawler.PageStatus,
	to crawler.PageStatus,
	upd crawler.PageUpdate,
) (bool, error) {
	if err := crawler.ValidatePageTransitions(from, to); err != nil {
		return false, err
	}
	const query = `
UPDATE pages SET
	status = $2,
	score = COALESCE($3, score),
	title = COALESCE($4, title),
	content_hash = COALESCE($5, content_hash),
	last_scraped_at = COALESCE($6, last_scraped_at),
	last_error = CASE WHEN $7::boolean THEN NULLIF($8, '') ELSE last_error END
WHERE id = $1 AND status = ANY($9)`
	tag, err := s.pool.Exec(ctx, query,
		pageID,
		string(to),
		upd.Score,
		upd.Title,
		upd.ContentHash,
		upd.ScrapedAt,
		upd.SetError,
		upd.LastError,
		pageStatusStrings(from),
	)
	if err != nil {
		return false, fmt.Errorf("update page status: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func scanPage(row pgx.Row) (crawler.Page, error) {
	var (
		page   crawler.Page
		status string
	)
	if err := row.Scan(
		&page.ID,
		&page.SourceID,
		&page.URL,
		&page.Path,
		&page.Title,
		&status,
		&page.Score,
		&page.ContentHash,
		&page.LastError,
		&page.DiscoveredAt,
		&page.LastScrapedAt,
	); err != nil {
		return crawler.Page{}, err
	}
	page.Status = crawler.PageStatus(status)
	return page, nil
}
