package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/source-ingest/internal/crawler"
	"github.com/JakeFAU/source-ingest/internal/metrics"
)

// WebpageIngester ingests a single-webpage source. The chunks belong to the
// source itself and its crawl status doubles as the ingest status.
type WebpageIngester struct {
	store     crawler.Store
	fetcher   crawler.Fetcher
	extractor crawler.Extractor
	changes   crawler.ChangeDetector
	chunker   crawler.Chunker
	ids       crawler.IDGenerator
	clock     crawler.Clock
	cfg       Config
	logger    *zap.Logger
}

// NewWebpageIngester builds a WebpageIngester.
func NewWebpageIngester(
	store crawler.Store,
	fetcher crawler.Fetcher,
	extractor crawler.Extractor,
	changes crawler.ChangeDetector,
	chunker crawler.Chunker,
	ids crawler.IDGenerator,
	clock crawler.Clock,
	cfg Config,
	logger *zap.Logger,
) *WebpageIngester {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WebpageIngester{
		store:     store,
		fetcher:   fetcher,
		extractor: extractor,
		changes:   changes,
		chunker:   chunker,
		ids:       ids,
		clock:     clock,
		cfg:       cfg.withDefaults(),
		logger:    logger.Named("webpage"),
	}
}

// Ingest fetches, extracts and chunks the page of a webpage source.
func (w *WebpageIngester) Ingest(ctx context.Context, job crawler.WebpageJob) error {
	source, err := w.store.GetSource(ctx, job.SourceID)
	if err != nil {
		if errors.Is(err, crawler.ErrNotFound) {
			return crawler.Permanent(err)
		}
		return fmt.Errorf("load source: %w", err)
	}
	if source.Kind != crawler.SourceKindWebpage {
		return crawler.Permanent(fmt.Errorf("source %s is a %s source", source.ID, source.Kind))
	}
	logger := w.logger.With(zap.String("source_id", source.ID))

	from := append([]crawler.CrawlStatus{crawler.CrawlScraping}, crawler.RestingCrawlStatuses...)
	if _, err := w.store.TransitionSource(ctx, source.ID, from, crawler.CrawlScraping,
		crawler.SourceUpdate{SetError: true}); err != nil {
		return fmt.Errorf("start ingest: %w", err)
	}

	target := job.URL
	if target == "" {
		target = source.URL
	}
	fetchCtx, cancel := context.WithTimeout(ctx, w.cfg.FetchTimeout)
	resp, err := w.fetcher.Fetch(fetchCtx, crawler.FetchRequest{
		URL:                   target,
		RespectRobots:         source.Constraints.RespectRobots || w.cfg.RespectRobots,
		RespectRobotsProvided: true,
		Timeout:               w.cfg.FetchTimeout,
	})
	cancel()
	if err == nil && resp.StatusCode >= 400 {
		err = fmt.Errorf("http status %d", resp.StatusCode)
	}
	if err != nil {
		return w.fail(ctx, logger, source, fmt.Errorf("fetch: %w", err))
	}

	extraction, err := w.extractor.Extract(resp.Body, resp.URL)
	if err != nil {
		return w.fail(ctx, logger, source, fmt.Errorf("extract: %w", err))
	}
	content := strings.TrimSpace(extraction.Content)
	if len([]rune(content)) < w.cfg.MinContentLength {
		return w.fail(ctx, logger, source,
			fmt.Errorf("%w: %d characters", crawler.ErrContentTooShort, len([]rune(content))))
	}

	title := extraction.Title
	if title == "" {
		title = source.Title
	}
	hash := w.changes.ContentHash(content)
	now := w.clock.Now()
	outcome := outcomeUnchanged
	if source.ContentHash == nil || *source.ContentHash != hash {
		outcome = outcomeScraped
		owner := crawler.SourceOwner(source.ID)
		sections := w.chunker.Chunk(ctx, content, title, crawler.ChunkOptions{
			SkipChunking: source.Constraints.SkipChunking,
			Language:     source.Language,
		})
		chunks, err := buildChunks(owner, sections, w.ids, now)
		if err != nil {
			return err
		}
		if err := w.store.ReplaceChunks(ctx, owner, chunks); err != nil {
			return fmt.Errorf("store chunks: %w", err)
		}
		metrics.ObserveChunks(len(chunks))
	}
	if err := w.store.SetSourceContent(ctx, source.ID, title, hash, now); err != nil {
		return fmt.Errorf("store source content: %w", err)
	}
	if _, err := w.store.TransitionSource(ctx, source.ID,
		[]crawler.CrawlStatus{crawler.CrawlScraping}, crawler.CrawlCompleted,
		crawler.SourceUpdate{PagesScraped: ptr(1), LastRunAt: ptr(now), SetError: true}); err != nil {
		return fmt.Errorf("complete ingest: %w", err)
	}
	metrics.ObservePageParsed(target, outcome, len(resp.Body))
	metrics.ObserveCrawlRun(string(crawler.CrawlCompleted))
	logger.Info("webpage ingested", zap.String("outcome", outcome))
	return nil
}

// OnExhausted marks the source failed once the job has no attempts left.
func (w *WebpageIngester) OnExhausted(ctx context.Context, job crawler.WebpageJob, cause error) error {
	source, err := w.store.GetSource(context.WithoutCancel(ctx), job.SourceID)
	if err != nil {
		return fmt.Errorf("load source: %w", err)
	}
	if cause == nil {
		cause = errors.New("retries exhausted")
	}
	return w.fail(ctx, w.logger.With(zap.String("source_id", source.ID)), source, cause)
}

// fail records cause on the source and returns nil: content failures are final.
func (w *WebpageIngester) fail(ctx context.Context, logger *zap.Logger, source crawler.Source, cause error) error {
	ctx = context.WithoutCancel(ctx)
	now := w.clock.Now()
	all := append(append([]crawler.CrawlStatus{}, crawler.RestingCrawlStatuses...), crawler.LiveCrawlStatuses...)
	if _, err := w.store.TransitionSource(ctx, source.ID, all, crawler.CrawlFailed,
		crawler.SourceUpdate{LastRunAt: ptr(now), SetError: true, LastError: cause.Error()}); err != nil {
		return fmt.Errorf("mark source failed: %w", err)
	}
	metrics.ObservePageParsed(source.URL, outcomeFailed, 0)
	metrics.ObserveCrawlRun(string(crawler.CrawlFailed))
	logger.Warn("webpage ingest failed", zap.Error(cause))
	return nil
}
