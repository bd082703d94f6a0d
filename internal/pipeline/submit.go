package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/JakeFAU/source-ingest/internal/crawler"
)

// Submitter turns user or schedule requests into queued jobs.
type Submitter struct {
	store    crawler.SourceStore
	enqueuer crawler.Enqueuer
	ids      crawler.IDGenerator
	clock    crawler.Clock
	cfg      Config
}

// NewSubmitter builds a Submitter.
func NewSubmitter(
	store crawler.SourceStore,
	enqueuer crawler.Enqueuer,
	ids crawler.IDGenerator,
	clock crawler.Clock,
	cfg Config,
) *Submitter {
	return &Submitter{store: store, enqueuer: enqueuer, ids: ids, clock: clock, cfg: cfg.withDefaults()}
}

// SubmitCrawl enqueues a crawl-website job for a website source, or an
// ingest-webpage job for a single-webpage source. It refuses sources whose
// crawl is already live.
func (s *Submitter) SubmitCrawl(ctx context.Context, sourceID string, incremental bool) (string, error) {
	source, err := s.store.GetSource(ctx, sourceID)
	if err != nil {
		return "", fmt.Errorf("load source: %w", err)
	}
	if !source.CrawlStatus.AtRest() {
		return "", fmt.Errorf("source %s is %s: %w", sourceID, source.CrawlStatus, crawler.ErrCrawlInProgress)
	}
	id, err := s.ids.NewID()
	if err != nil {
		return "", fmt.Errorf("generate job id: %w", err)
	}

	var item crawler.QueueItem
	switch source.Kind {
	case crawler.SourceKindWebsite:
		item, err = crawler.NewQueueItem(id, crawler.QueueWebsiteCrawl, crawler.JobCrawlWebsite,
			crawler.CrawlJob{SourceID: source.ID, WebsiteURL: source.URL, IsIncremental: incremental},
			s.cfg.CrawlJob, s.clock.Now())
	case crawler.SourceKindWebpage:
		item, err = crawler.NewQueueItem(id, crawler.QueueWebpage, crawler.JobIngestWebpage,
			crawler.WebpageJob{SourceID: source.ID, URL: source.URL},
			s.cfg.WebpageJob, s.clock.Now())
	default:
		return "", fmt.Errorf("source kind %q cannot be crawled", source.Kind)
	}
	if err != nil {
		return "", err
	}
	if err := s.enqueuer.Enqueue(ctx, item); err != nil {
		return "", fmt.Errorf("enqueue crawl: %w", err)
	}
	return id, nil
}

// RefreshDue enqueues an incremental crawl for every auto-refresh website
// source at rest. It returns the number of jobs submitted.
func (s *Submitter) RefreshDue(ctx context.Context) (int, error) {
	sources, err := s.store.ListSources(ctx, crawler.SourceKindWebsite)
	if err != nil {
		return 0, fmt.Errorf("list sources: %w", err)
	}
	submitted := 0
	var errs []error
	for _, source := range sources {
		if !source.Constraints.AutoRefresh || !source.CrawlStatus.AtRest() {
			continue
		}
		if _, err := s.SubmitCrawl(ctx, source.ID, true); err != nil {
			errs = append(errs, fmt.Errorf("source %s: %w", source.ID, err))
			continue
		}
		submitted++
	}
	return submitted, errors.Join(errs...)
}
