package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/source-ingest/internal/crawler"
	"github.com/JakeFAU/source-ingest/internal/metrics"
)

const interruptedError = "interrupted before completion"

// Orchestrator runs the discover, score and fan-out stages of a crawl.
type Orchestrator struct {
	store      crawler.Store
	discoverer crawler.Discoverer
	scorer     crawler.RelevanceScorer
	enqueuer   crawler.Enqueuer
	finalizer  *Finalizer
	ids        crawler.IDGenerator
	clock      crawler.Clock
	cfg        Config
	logger     *zap.Logger
}

// NewOrchestrator builds an Orchestrator.
func NewOrchestrator(
	store crawler.Store,
	discoverer crawler.Discoverer,
	scorer crawler.RelevanceScorer,
	enqueuer crawler.Enqueuer,
	finalizer *Finalizer,
	ids crawler.IDGenerator,
	clock crawler.Clock,
	cfg Config,
	logger *zap.Logger,
) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		store:      store,
		discoverer: discoverer,
		scorer:     scorer,
		enqueuer:   enqueuer,
		finalizer:  finalizer,
		ids:        ids,
		clock:      clock,
		cfg:        cfg.withDefaults(),
		logger:     logger.Named("orchestrator"),
	}
}

// Run executes one crawl of a website source. Any error after the crawl has
// started marks the source and run failed and is returned so the job worker
// can retry the whole run.
func (o *Orchestrator) Run(ctx context.Context, job crawler.CrawlJob) error {
	source, err := o.store.GetSource(ctx, job.SourceID)
	if err != nil {
		return fmt.Errorf("load source: %w", err)
	}
	if source.Kind != crawler.SourceKindWebsite {
		return crawler.Permanent(fmt.Errorf("source %s is a %s source", source.ID, source.Kind))
	}
	logger := o.logger.With(zap.String("source_id", source.ID), zap.Bool("incremental", job.IsIncremental))

	started, err := o.store.TransitionSource(ctx, source.ID,
		crawler.RestingCrawlStatuses, crawler.CrawlDiscovering,
		crawler.SourceUpdate{SetError: true})
	if err != nil {
		return fmt.Errorf("start crawl: %w", err)
	}
	if !started {
		return crawler.Permanent(fmt.Errorf("source %s: %w", source.ID, crawler.ErrCrawlInProgress))
	}

	if err := o.closeStaleRun(ctx, logger, source.ID); err != nil {
		return o.fail(ctx, logger, source.ID, crawler.Run{}, err)
	}
	runID, err := o.ids.NewID()
	if err != nil {
		return o.fail(ctx, logger, source.ID, crawler.Run{}, fmt.Errorf("generate run id: %w", err))
	}
	run := crawler.Run{
		ID:          runID,
		SourceID:    source.ID,
		Status:      crawler.RunRunning,
		Incremental: job.IsIncremental,
		StartedAt:   o.clock.Now(),
	}
	if err := o.store.CreateRun(ctx, run); err != nil {
		return o.fail(ctx, logger, source.ID, crawler.Run{}, fmt.Errorf("create run: %w", err))
	}
	logger = logger.With(zap.String("run_id", run.ID))
	logger.Info("crawl started")

	if err := o.discover(ctx, logger, source, job, run.ID); err != nil {
		return o.fail(ctx, logger, source.ID, run, err)
	}
	if err := o.advance(ctx, source.ID, crawler.CrawlDiscovering, crawler.CrawlScoring); err != nil {
		return o.fail(ctx, logger, source.ID, run, err)
	}
	if err := o.score(ctx, logger, source); err != nil {
		return o.fail(ctx, logger, source.ID, run, err)
	}
	if err := o.advance(ctx, source.ID, crawler.CrawlScoring, crawler.CrawlScraping); err != nil {
		return o.fail(ctx, logger, source.ID, run, err)
	}
	eligible, err := o.prepareEligible(ctx, source, job.IsIncremental)
	if err != nil {
		return o.fail(ctx, logger, source.ID, run, err)
	}

	if len(eligible) == 0 {
		counts, err := o.store.CountPages(ctx, source.ID)
		if err != nil {
			return o.fail(ctx, logger, source.ID, run, fmt.Errorf("count pages: %w", err))
		}
		logger.Info("no pages eligible for parsing")
		if _, err := o.finalizer.close(ctx, source.ID, crawler.CrawlCompleted,
			counts[crawler.PageScraped], counts[crawler.PageFailed], ""); err != nil {
			return o.fail(ctx, logger, source.ID, run, err)
		}
		return nil
	}

	for _, page := range eligible {
		if err := o.enqueueParse(ctx, source.ID, page); err != nil {
			return o.fail(ctx, logger, source.ID, run, err)
		}
	}
	logger.Info("parse jobs enqueued", zap.Int("pages", len(eligible)))
	return nil
}

func (o *Orchestrator) discover(
	ctx context.Context,
	logger *zap.Logger,
	source crawler.Source,
	job crawler.CrawlJob,
	runID string,
) error {
	known, err := o.store.ListPageURLs(ctx, source.ID)
	if err != nil {
		return fmt.Errorf("list known pages: %w", err)
	}
	root := job.WebsiteURL
	if root == "" {
		root = source.URL
	}
	maxPages := source.Constraints.MaxPages
	if maxPages <= 0 {
		maxPages = o.cfg.MaxPagesDefault
	}
	depth := source.Constraints.DiscoveryDepth
	if depth <= 0 {
		depth = o.cfg.DiscoveryDepth
	}
	found, err := o.discoverer.Discover(ctx, crawler.DiscoverRequest{
		RootURL:       root,
		MaxPages:      maxPages,
		MaxDepth:      depth,
		Exclude:       source.Constraints.ExcludePaths,
		Known:         known,
		RespectRobots: source.Constraints.RespectRobots || o.cfg.RespectRobots,
	})
	if err != nil {
		return fmt.Errorf("discover pages: %w", err)
	}

	now := o.clock.Now()
	var fresh []crawler.Page
	for _, d := range found {
		if !d.IsNew {
			continue
		}
		id, err := o.ids.NewID()
		if err != nil {
			return fmt.Errorf("generate page id: %w", err)
		}
		page := crawler.Page{
			ID:           id,
			SourceID:     source.ID,
			URL:          d.URL,
			Path:         crawler.URLPath(d.URL),
			Status:       crawler.PageDiscovered,
			DiscoveredAt: now,
		}
		if d.Title != "" {
			page.Title = ptr(d.Title)
		}
		fresh = append(fresh, page)
	}
	inserted := 0
	if len(fresh) > 0 {
		inserted, err = o.store.InsertPages(ctx, fresh)
		if err != nil {
			return fmt.Errorf("insert pages: %w", err)
		}
	}
	total := len(known) + inserted
	if err := o.store.RecordDiscovery(ctx, runID, len(found), inserted); err != nil {
		return fmt.Errorf("record discovery: %w", err)
	}
	ok, err := o.store.TransitionSource(ctx, source.ID,
		[]crawler.CrawlStatus{crawler.CrawlDiscovering}, crawler.CrawlDiscovering,
		crawler.SourceUpdate{PagesDiscovered: ptr(total)})
	if err != nil {
		return fmt.Errorf("update pages discovered: %w", err)
	}
	if !ok {
		return fmt.Errorf("source left discovering while discovery was running")
	}
	logger.Info("discovery finished",
		zap.Int("found", len(found)),
		zap.Int("new", inserted),
		zap.Int("total", total),
	)
	return nil
}

func (o *Orchestrator) score(ctx context.Context, logger *zap.Logger, source crawler.Source) error {
	pages, err := o.store.ListPages(ctx, source.ID, crawler.PageDiscovered)
	if err != nil {
		return fmt.Errorf("list discovered pages: %w", err)
	}
	if len(pages) == 0 {
		return nil
	}
	refs := make([]crawler.PageRef, len(pages))
	for i, page := range pages {
		refs[i] = crawler.PageRef{URL: page.URL}
		if page.Title != nil {
			refs[i].Title = *page.Title
		}
	}
	scores, err := o.scorer.ScoreRelevance(ctx, refs, source.Topic())
	if err != nil {
		return fmt.Errorf("score pages: %w", err)
	}
	if len(scores) != len(pages) {
		return fmt.Errorf("score pages: got %d scores for %d pages", len(scores), len(pages))
	}
	relevant := 0
	for i, page := range pages {
		to := crawler.PageSkipped
		if scores[i] >= crawler.RelevanceThreshold {
			to = crawler.PageRelevant
			relevant++
		}
		if _, err := o.store.TransitionPage(ctx, page.ID,
			[]crawler.PageStatus{crawler.PageDiscovered}, to,
			crawler.PageUpdate{Score: ptr(scores[i])}); err != nil {
			return fmt.Errorf("store page score: %w", err)
		}
	}
	logger.Info("scoring finished", zap.Int("scored", len(pages)), zap.Int("relevant", relevant))
	return nil
}

// prepareEligible selects the pages to parse in this run and moves every one
// of them to relevant before any job is enqueued, so the finalizer cannot see
// an all-terminal state while fan-out is still in progress.
func (o *Orchestrator) prepareEligible(ctx context.Context, source crawler.Source, incremental bool) ([]crawler.Page, error) {
	pages, err := o.store.ListPages(ctx, source.ID, crawler.RelevantSet...)
	if err != nil {
		return nil, fmt.Errorf("list relevant pages: %w", err)
	}
	now := o.clock.Now()
	staleness := source.Constraints.StalenessDays
	if staleness <= 0 {
		staleness = DefaultStalenessDays
	}
	cutoff := now.Add(-time.Duration(staleness) * 24 * time.Hour)

	var eligible []crawler.Page
	for _, page := range pages {
		if page.Status == crawler.PageScraping {
			// Left over from a run that died mid-parse.
			if _, err := o.store.TransitionPage(ctx, page.ID,
				[]crawler.PageStatus{crawler.PageScraping}, crawler.PageFailed,
				crawler.PageUpdate{SetError: true, LastError: interruptedError}); err != nil {
				return nil, fmt.Errorf("reset interrupted page: %w", err)
			}
			page.Status = crawler.PageFailed
		}
		if !isEligible(page, incremental, cutoff) {
			continue
		}
		if page.Status != crawler.PageRelevant {
			ok, err := o.store.TransitionPage(ctx, page.ID,
				[]crawler.PageStatus{crawler.PageScraped, crawler.PageFailed}, crawler.PageRelevant,
				crawler.PageUpdate{})
			if err != nil {
				return nil, fmt.Errorf("requeue page: %w", err)
			}
			if !ok {
				continue
			}
			page.Status = crawler.PageRelevant
		}
		eligible = append(eligible, page)
	}
	return eligible, nil
}

// isEligible applies the staleness rule. A queued page is always eligible;
// a finished page is eligible on a full run, and on an incremental run only
// when it was never scraped or was last scraped before cutoff.
func isEligible(page crawler.Page, incremental bool, cutoff time.Time) bool {
	switch page.Status {
	case crawler.PageRelevant:
		return true
	case crawler.PageScraped, crawler.PageFailed:
		if !incremental {
			return true
		}
		return page.LastScrapedAt == nil || page.LastScrapedAt.Before(cutoff)
	default:
		return false
	}
}

func (o *Orchestrator) enqueueParse(ctx context.Context, sourceID string, page crawler.Page) error {
	id, err := o.ids.NewID()
	if err != nil {
		return fmt.Errorf("generate job id: %w", err)
	}
	item, err := crawler.NewQueueItem(id, crawler.QueuePageParse, crawler.JobParsePage,
		crawler.ParseJob{
			SourceID:     sourceID,
			PageID:       page.ID,
			PageURL:      page.URL,
			PreviousHash: page.ContentHash,
		}, o.cfg.ParseJob, o.clock.Now())
	if err != nil {
		return err
	}
	if err := o.enqueuer.Enqueue(ctx, item); err != nil {
		return fmt.Errorf("enqueue parse job: %w", err)
	}
	return nil
}

// closeStaleRun fails a run left open by an earlier attempt that never
// reached finalization. Only one run per source is open at a time.
func (o *Orchestrator) closeStaleRun(ctx context.Context, logger *zap.Logger, sourceID string) error {
	stale, err := o.store.OpenRun(ctx, sourceID)
	if errors.Is(err, crawler.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load open run: %w", err)
	}
	stale.Status = crawler.RunFailed
	stale.Error = ptr(interruptedError)
	stale.CompletedAt = ptr(o.clock.Now())
	if _, err := o.store.FinishRun(ctx, stale); err != nil {
		return fmt.Errorf("close stale run: %w", err)
	}
	logger.Warn("closed stale run", zap.String("stale_run_id", stale.ID))
	return nil
}

func (o *Orchestrator) advance(ctx context.Context, sourceID string, from, to crawler.CrawlStatus) error {
	if err := crawler.ValidateCrawlTransition(from, to); err != nil {
		return err
	}
	ok, err := o.store.TransitionSource(ctx, sourceID, []crawler.CrawlStatus{from}, to, crawler.SourceUpdate{})
	if err != nil {
		return fmt.Errorf("advance crawl to %s: %w", to, err)
	}
	if !ok {
		return fmt.Errorf("advance crawl to %s: source is no longer %s", to, from)
	}
	return nil
}

// fail records cause on the source and run and returns it.
func (o *Orchestrator) fail(
	ctx context.Context,
	logger *zap.Logger,
	sourceID string,
	run crawler.Run,
	cause error,
) error {
	ctx = context.WithoutCancel(ctx)
	now := o.clock.Now()
	msg := cause.Error()
	if _, err := o.store.TransitionSource(ctx, sourceID, crawler.LiveCrawlStatuses, crawler.CrawlFailed,
		crawler.SourceUpdate{LastRunAt: ptr(now), SetError: true, LastError: msg}); err != nil {
		logger.Error("record crawl failure on source", zap.Error(err))
	}
	if run.ID != "" {
		run.Status = crawler.RunFailed
		run.Error = ptr(msg)
		run.CompletedAt = ptr(now)
		if _, err := o.store.FinishRun(ctx, run); err != nil {
			logger.Error("record crawl failure on run", zap.Error(err))
		}
	}
	metrics.ObserveCrawlRun(string(crawler.CrawlFailed))
	logger.Error("crawl failed", zap.Error(cause))
	return cause
}
