package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/source-ingest/internal/crawler"
)

const sourceColumns = `id, kind, url, domain, title, niche, language, constraints, crawl_status,
	pages_discovered, pages_scraped, content_hash, last_run_at, last_error, created_at`

// CreateSource inserts a source.
func (s *Store) CreateSource(ctx context.Context, source crawler.Source) error {
	constraints, err := json.Marshal(source.Constraints)
	if err != nil {
		return fmt.Errorf("marshal constraints: %w", err)
	}
	status := source.CrawlStatus
	if status == "" {
		status = crawler.CrawlIdle
	}
	const query = `
INSERT INTO sources (id, kind, url, domain, title, niche, language, constraints, crawl_status, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`
	if _, err := s.pool.Exec(ctx, query,
		source.ID,
		string(source.Kind),
		source.URL,
		source.Domain,
		source.Title,
		source.Niche,
		source.Language,
		constraints,
		string(status),
		source.CreatedAt,
	); err != nil {
		return fmt.Errorf("insert source: %w", err)
	}
	return nil
}

// GetSource fetches a source by ID.
func (s *Store) GetSource(ctx context.Context, sourceID string) (crawler.Source, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+sourceColumns+` FROM sources WHERE id = $1`, sourceID)
	source, err := scanSource(row)
	if err != nil {
		return crawler.Source{}, notFound(err, "source "+sourceID)
	}
	return source, nil
}

// ListSources returns sources of the given kind, or all when kind is empty.
func (s *Store) ListSources(ctx context.Context, kind crawler.SourceKind) ([]crawler.Source, error) {
	var (
		rows pgx.Rows
		err  error
	)
	if kind == "" {
		rows, err = s.pool.Query(ctx, `SELECT `+sourceColumns+` FROM sources ORDER BY id`)
	} else {
		rows, err = s.pool.Query(ctx, `SELECT `+sourceColumns+` FROM sources WHERE kind = $1 ORDER BY id`, string(kind))
	}
	if err != nil {
		return nil, fmt.Errorf("select sources: %w", err)
	}
	defer rows.Close()
	var out []crawler.Source
	for rows.Next() {
		source, err := scanSource(rows)
		if err != nil {
			return nil, fmt.Errorf("scan source: %w", err)
		}
		out = append(out, source)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sources: %w", err)
	}
	return out, nil
}

// TransitionSource implements crawler.SourceStore.
func (s *Store) TransitionSource(
	ctx context.Context,
	sourceID string,
	from []crawler.CrawlStatus,
	to crawler.CrawlStatus,
	upd crawler.SourceUpdate,
) (bool, error) {
	if err := crawler.ValidateCrawlTransitions(from, to); err != nil {
		return false, err
	}
	const query = `
UPDATE sources SET
	crawl_status = $2,
	pages_discovered = COALESCE($3, pages_discovered),
	pages_scraped = COALESCE($4, pages_scraped),
	last_run_at = COALESCE($5, last_run_at),
	last_error = CASE WHEN $6::boolean THEN NULLIF($7, '') ELSE last_error END
WHERE id = $1 AND crawl_status = ANY($8)`
	tag, err := s.pool.Exec(ctx, query,
		sourceID,
		string(to),
		upd.PagesDiscovered,
		upd.PagesScraped,
		upd.LastRunAt,
		upd.SetError,
		upd.LastError,
		crawlStatusStrings(from),
	)
	if err != nil {
		return false, fmt.Errorf("update source status: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// SetSourceContent records the title and content hash of a source-owned chunk set.
func (s *Store) SetSourceContent(ctx context.Context, sourceID, title, contentHash string, at time.Time) error {
	const query = `
UPDATE sources SET
	title = COALESCE(NULLIF($2, ''), title),
	content_hash = $3,
	last_run_at = $4,
	last_error = NULL
WHERE id = $1`
	tag, err := s.pool.Exec(ctx, query, sourceID, title, nullIfEmpty(contentHash), at)
	if err != nil {
		return fmt.Errorf("update source content: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("source %s: %w", sourceID, crawler.ErrNotFound)
	}
	return nil
}

func scanSource(row pgx.Row) (crawler.Source, error) {
	var (
		source      crawler.Source
		kind        string
		status      string
		constraints []byte
	)
	if err := row.Scan(
		&source.ID,
		&kind,
		&source.URL,
		&source.Domain,
		&source.Title,
		&source.Niche,
		&source.Language,
		&constraints,
		&status,
		&source.PagesDiscovered,
		&source.PagesScraped,
		&source.ContentHash,
		&source.LastRunAt,
		&source.LastError,
		&source.CreatedAt,
	); err != nil {
		return crawler.Source{}, err
	}
	source.Kind = crawler.SourceKind(kind)
	source.CrawlStatus = crawler.CrawlStatus(status)
	if len(constraints) > 0 {
		if err := json.Unmarshal(constraints, &source.Constraints); err != nil {
			return crawler.Source{}, fmt.Errorf("decode constraints: %w", err)
		}
	}
	return source, nil
}
