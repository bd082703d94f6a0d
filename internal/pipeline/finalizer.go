package pipeline

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/source-ingest/internal/crawler"
	"github.com/JakeFAU/source-ingest/internal/metrics"
)

// Finalizer closes a crawl once every relevant page is terminal. It is
// triggered after each page completes and may run concurrently for the same
// source: the scraping -> terminal move is a conditional update, so only one
// caller wins and the rest are no-ops.
type Finalizer struct {
	store     crawler.Store
	publisher crawler.Publisher
	clock     crawler.Clock
	cfg       Config
	logger    *zap.Logger
}

// NewFinalizer builds a Finalizer. publisher may be nil.
func NewFinalizer(
	store crawler.Store,
	publisher crawler.Publisher,
	clock crawler.Clock,
	cfg Config,
	logger *zap.Logger,
) *Finalizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Finalizer{
		store:     store,
		publisher: publisher,
		clock:     clock,
		cfg:       cfg.withDefaults(),
		logger:    logger.Named("finalizer"),
	}
}

// Finalize reports whether this call moved the crawl to a terminal status.
func (f *Finalizer) Finalize(ctx context.Context, sourceID string) (bool, error) {
	pages, err := f.store.ListPages(ctx, sourceID, crawler.RelevantSet...)
	if err != nil {
		return false, fmt.Errorf("list relevant pages: %w", err)
	}
	scraped, failed := 0, 0
	for _, page := range pages {
		switch page.Status {
		case crawler.PageScraped:
			scraped++
		case crawler.PageFailed:
			failed++
		default:
			return false, nil
		}
	}

	status := crawler.CrawlCompleted
	errText := ""
	if len(pages) > 0 && scraped == 0 {
		status = crawler.CrawlFailed
		errText = fmt.Sprintf("all %d relevant pages failed", failed)
	}
	return f.close(ctx, sourceID, status, scraped, failed, errText)
}

// close moves a scraping crawl to its terminal status and closes the run.
func (f *Finalizer) close(
	ctx context.Context,
	sourceID string,
	status crawler.CrawlStatus,
	scraped, failed int,
	errText string,
) (bool, error) {
	now := f.clock.Now()
	ok, err := f.store.TransitionSource(ctx, sourceID,
		[]crawler.CrawlStatus{crawler.CrawlScraping}, status,
		crawler.SourceUpdate{
			PagesScraped: ptr(scraped),
			LastRunAt:    ptr(now),
			SetError:     true,
			LastError:    errText,
		})
	if err != nil {
		return false, fmt.Errorf("finalize source: %w", err)
	}
	if !ok {
		return false, nil
	}

	logger := f.logger.With(zap.String("source_id", sourceID))
	runStatus := crawler.RunCompleted
	if status == crawler.CrawlFailed {
		runStatus = crawler.RunFailed
	}
	runID := ""
	run, err := f.store.OpenRun(ctx, sourceID)
	switch {
	case errors.Is(err, crawler.ErrNotFound):
		logger.Warn("no open run to close")
	case err != nil:
		return true, fmt.Errorf("load open run: %w", err)
	default:
		runID = run.ID
		run.Status = runStatus
		run.PagesScraped = scraped
		run.PagesFailed = failed
		run.CompletedAt = ptr(now)
		if errText != "" {
			run.Error = ptr(errText)
		}
		if _, err := f.store.FinishRun(ctx, run); err != nil {
			return true, fmt.Errorf("finish run: %w", err)
		}
	}

	metrics.ObserveCrawlRun(string(status))
	logger.Info("crawl finished",
		zap.String("run_id", runID),
		zap.String("status", string(status)),
		zap.Int("pages_scraped", scraped),
		zap.Int("pages_failed", failed),
	)
	f.publish(ctx, CompletionEvent{
		SourceID:     sourceID,
		RunID:        runID,
		Status:       string(status),
		PagesScraped: scraped,
		PagesFailed:  failed,
		FinishedAt:   now,
	})
	return true, nil
}

func (f *Finalizer) publish(ctx context.Context, event CompletionEvent) {
	if f.publisher == nil || f.cfg.EventTopic == "" {
		return
	}
	if _, err := f.publisher.Publish(ctx, f.cfg.EventTopic, event); err != nil {
		f.logger.Warn("publish completion event failed",
			zap.String("source_id", event.SourceID),
			zap.Error(err),
		)
	}
}
