package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/source-ingest/internal/crawler"
	"github.com/JakeFAU/source-ingest/internal/metrics"
)

// Parse outcomes recorded on the pages_parsed metric.
const (
	outcomeScraped   = "scraped"
	outcomeUnchanged = "unchanged"
	outcomeFailed    = "failed"
)

// ParserDeps bundles the collaborators of a Parser. Headless, Detector and
// Blobs are optional.
type ParserDeps struct {
	Store     crawler.Store
	Fetcher   crawler.Fetcher
	Headless  crawler.Fetcher
	Detector  crawler.HeadlessDetector
	Extractor crawler.Extractor
	Changes   crawler.ChangeDetector
	Hasher    crawler.Hasher
	Chunker   crawler.Chunker
	Blobs     crawler.BlobStore
	Finalizer *Finalizer
	IDs       crawler.IDGenerator
	Clock     crawler.Clock
}

// Parser fetches, extracts and chunks one relevant page per job.
type Parser struct {
	deps   ParserDeps
	cfg    Config
	logger *zap.Logger
}

// NewParser builds a Parser.
func NewParser(deps ParserDeps, cfg Config, logger *zap.Logger) *Parser {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Parser{deps: deps, cfg: cfg.withDefaults(), logger: logger.Named("parser")}
}

// Parse processes one parse-page job. Fetch and content failures mark the
// page failed and return nil; persistence failures are returned so the job
// is retried.
func (p *Parser) Parse(ctx context.Context, job crawler.ParseJob) error {
	page, err := p.deps.Store.GetPage(ctx, job.PageID)
	if err != nil {
		if errors.Is(err, crawler.ErrNotFound) {
			return crawler.Permanent(err)
		}
		return fmt.Errorf("load page: %w", err)
	}
	source, err := p.deps.Store.GetSource(ctx, page.SourceID)
	if err != nil {
		return fmt.Errorf("load source: %w", err)
	}
	logger := p.logger.With(zap.String("source_id", source.ID), zap.String("page_id", page.ID))

	claimed, err := p.deps.Store.TransitionPage(ctx, page.ID,
		[]crawler.PageStatus{crawler.PageRelevant}, crawler.PageScraping, crawler.PageUpdate{})
	if err != nil {
		return fmt.Errorf("claim page: %w", err)
	}
	if !claimed {
		switch {
		case page.Status == crawler.PageScraping:
			// Redelivered after a failed attempt. A duplicate delivery may
			// parse alongside; chunk writes serialize on the page row and
			// only one of them wins the move to scraped.
		case page.Status.Terminal():
			_, err := p.deps.Finalizer.Finalize(ctx, source.ID)
			return err
		default:
			logger.Debug("page not claimable", zap.String("status", string(page.Status)))
			return nil
		}
	}

	resp, err := p.fetch(ctx, source, page.URL)
	if err != nil {
		return p.failPage(ctx, logger, source.ID, page, fmt.Errorf("fetch: %w", err))
	}
	p.archive(ctx, logger, source.ID, page.ID, resp.Body)

	extraction, err := p.deps.Extractor.Extract(resp.Body, resp.URL)
	if err != nil {
		return p.failPage(ctx, logger, source.ID, page, fmt.Errorf("extract: %w", err))
	}
	content := strings.TrimSpace(extraction.Content)
	if len([]rune(content)) < p.cfg.MinContentLength {
		return p.failPage(ctx, logger, source.ID, page,
			fmt.Errorf("%w: %d characters", crawler.ErrContentTooShort, len([]rune(content))))
	}

	title := extraction.Title
	if title == "" && page.Title != nil {
		title = *page.Title
	}
	hash := p.deps.Changes.ContentHash(content)
	now := p.deps.Clock.Now()
	outcome := outcomeScraped
	if job.PreviousHash != nil && *job.PreviousHash == hash {
		outcome = outcomeUnchanged
	} else {
		sections := p.deps.Chunker.Chunk(ctx, content, title, crawler.ChunkOptions{
			SkipChunking: source.Constraints.SkipChunking,
			Language:     source.Language,
		})
		chunks, err := buildChunks(crawler.PageOwner(page.ID), sections, p.deps.IDs, now)
		if err != nil {
			return err
		}
		if err := p.deps.Store.ReplaceChunks(ctx, crawler.PageOwner(page.ID), chunks); err != nil {
			return fmt.Errorf("store chunks: %w", err)
		}
		metrics.ObserveChunks(len(chunks))
	}

	upd := crawler.PageUpdate{ContentHash: ptr(hash), ScrapedAt: ptr(now), SetError: true}
	if title != "" {
		upd.Title = ptr(title)
	}
	marked, err := p.deps.Store.TransitionPage(ctx, page.ID,
		[]crawler.PageStatus{crawler.PageScraping}, crawler.PageScraped, upd)
	if err != nil {
		return fmt.Errorf("mark page scraped: %w", err)
	}
	if marked {
		metrics.ObservePageParsed(page.URL, outcome, len(resp.Body))
		logger.Info("page parsed", zap.String("outcome", outcome), zap.Bool("headless", resp.UsedHeadless))
	} else {
		// Another delivery or a new run moved the page on first.
		logger.Warn("page left scraping before parse finished")
	}

	if _, err := p.deps.Finalizer.Finalize(ctx, source.ID); err != nil {
		return fmt.Errorf("finalize crawl: %w", err)
	}
	return nil
}

// OnExhausted fails the page of a parse job that used its last attempt so the
// crawl can still finish.
func (p *Parser) OnExhausted(ctx context.Context, job crawler.ParseJob, cause error) error {
	ctx = context.WithoutCancel(ctx)
	msg := "retries exhausted"
	if cause != nil {
		msg = cause.Error()
	}
	if _, err := p.deps.Store.TransitionPage(ctx, job.PageID,
		[]crawler.PageStatus{crawler.PageRelevant, crawler.PageScraping}, crawler.PageFailed,
		crawler.PageUpdate{SetError: true, LastError: msg}); err != nil {
		return fmt.Errorf("fail exhausted page: %w", err)
	}
	if _, err := p.deps.Finalizer.Finalize(ctx, job.SourceID); err != nil {
		return fmt.Errorf("finalize crawl: %w", err)
	}
	return nil
}

func (p *Parser) fetch(ctx context.Context, source crawler.Source, pageURL string) (crawler.FetchResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.FetchTimeout)
	defer cancel()

	req := crawler.FetchRequest{
		URL:                   pageURL,
		RespectRobots:         source.Constraints.RespectRobots || p.cfg.RespectRobots,
		RespectRobotsProvided: true,
		Timeout:               p.cfg.FetchTimeout,
	}
	resp, err := p.deps.Fetcher.Fetch(ctx, req)
	if err != nil {
		return crawler.FetchResponse{}, err
	}
	if resp.StatusCode >= 400 {
		return crawler.FetchResponse{}, fmt.Errorf("http status %d", resp.StatusCode)
	}
	if !p.cfg.Headless || p.deps.Headless == nil || p.deps.Detector == nil || !p.deps.Detector.ShouldPromote(resp) {
		return resp, nil
	}

	req.UseHeadless = true
	rendered, err := p.deps.Headless.Fetch(ctx, req)
	if err != nil {
		p.logger.Warn("headless fetch failed, keeping static body", zap.String("url", pageURL), zap.Error(err))
		return resp, nil
	}
	return rendered, nil
}

// archive stores the raw HTML under <prefix>/<source>/<page>/<sha256>.html.
// Failures are logged and never fail the page.
func (p *Parser) archive(ctx context.Context, logger *zap.Logger, sourceID, pageID string, body []byte) {
	if p.deps.Blobs == nil || p.deps.Hasher == nil || len(body) == 0 {
		return
	}
	digest, err := p.deps.Hasher.Hash(body)
	if err != nil {
		logger.Warn("hash raw html", zap.Error(err))
		return
	}
	key := path.Join(p.cfg.BlobPrefix, sourceID, pageID, digest+".html")
	if _, err := p.deps.Blobs.PutObject(ctx, key, defaultBlobContentType, body); err != nil {
		logger.Warn("archive raw html", zap.String("key", key), zap.Error(err))
	}
}

func (p *Parser) failPage(
	ctx context.Context,
	logger *zap.Logger,
	sourceID string,
	page crawler.Page,
	cause error,
) error {
	if _, err := p.deps.Store.TransitionPage(ctx, page.ID,
		[]crawler.PageStatus{crawler.PageScraping}, crawler.PageFailed,
		crawler.PageUpdate{SetError: true, LastError: cause.Error()}); err != nil {
		return fmt.Errorf("mark page failed: %w", err)
	}
	metrics.ObservePageParsed(page.URL, outcomeFailed, 0)
	logger.Warn("page failed", zap.Error(cause))
	if _, err := p.deps.Finalizer.Finalize(ctx, sourceID); err != nil {
		return fmt.Errorf("finalize crawl: %w", err)
	}
	return nil
}

func buildChunks(owner crawler.ChunkOwner, sections []crawler.Section, ids crawler.IDGenerator, now time.Time) ([]crawler.Chunk, error) {
	chunks := make([]crawler.Chunk, 0, len(sections))
	for i, section := range sections {
		id, err := ids.NewID()
		if err != nil {
			return nil, fmt.Errorf("generate chunk id: %w", err)
		}
		chunks = append(chunks, crawler.Chunk{
			ID:        id,
			PageID:    owner.PageID,
			SourceID:  owner.SourceID,
			Index:     i,
			Title:     section.Title,
			Content:   section.Content,
			CreatedAt: now,
		})
	}
	return chunks, nil
}
