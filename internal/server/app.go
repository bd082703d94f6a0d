// Package server builds the application's dependencies and runs them.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/JakeFAU/source-ingest/internal/api"
	"github.com/JakeFAU/source-ingest/internal/chunker"
	"github.com/JakeFAU/source-ingest/internal/clock/system"
	"github.com/JakeFAU/source-ingest/internal/config"
	"github.com/JakeFAU/source-ingest/internal/crawler"
	"github.com/JakeFAU/source-ingest/internal/discovery"
	"github.com/JakeFAU/source-ingest/internal/dispatcher"
	"github.com/JakeFAU/source-ingest/internal/extract"
	collyfetcher "github.com/JakeFAU/source-ingest/internal/fetcher/colly"
	headlessfetcher "github.com/JakeFAU/source-ingest/internal/fetcher/headless"
	"github.com/JakeFAU/source-ingest/internal/hash/sha256"
	"github.com/JakeFAU/source-ingest/internal/headless/detector"
	"github.com/JakeFAU/source-ingest/internal/id/uuid"
	"github.com/JakeFAU/source-ingest/internal/llm"
	"github.com/JakeFAU/source-ingest/internal/logging"
	"github.com/JakeFAU/source-ingest/internal/metrics"
	"github.com/JakeFAU/source-ingest/internal/pipeline"
	"github.com/JakeFAU/source-ingest/internal/policy/ratelimit"
	memorypublisher "github.com/JakeFAU/source-ingest/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/source-ingest/internal/publisher/pubsub"
	queuememory "github.com/JakeFAU/source-ingest/internal/queue/memory"
	redisqueue "github.com/JakeFAU/source-ingest/internal/queue/redis"
	"github.com/JakeFAU/source-ingest/internal/schedule"
	gcsstorage "github.com/JakeFAU/source-ingest/internal/storage/gcs"
	localstorage "github.com/JakeFAU/source-ingest/internal/storage/local"
	memorystorage "github.com/JakeFAU/source-ingest/internal/storage/memory"
	pgstore "github.com/JakeFAU/source-ingest/internal/storage/postgres"
	"github.com/JakeFAU/source-ingest/internal/worker"
)

const (
	shutdownTimeout = 10 * time.Second
	pollInterval    = 500 * time.Millisecond
)

// App contains the application's dependencies.
type App struct {
	cfg    *config.Config
	logger *zap.Logger
	clock  crawler.Clock
	ids    crawler.IDGenerator

	store     crawler.Store
	pgStore   *pgstore.Store
	queue     crawler.Queue
	memQueue  *queuememory.Queue
	redisQ    *redisqueue.Queue
	redis     *redis.Client
	blobs     crawler.BlobStore
	gcs       *storage.Client
	publisher crawler.Publisher
	gcpPub    *gcppublisher.Publisher
	headless  *headlessfetcher.Fetcher

	dispatch  *dispatcher.Dispatcher
	submitter *pipeline.Submitter
	apiServer *api.Server
	scheduler *schedule.Scheduler

	closeOnce sync.Once
}

// Build creates the application's dependencies.
func Build(ctx context.Context, cfg *config.Config) (*App, error) {
	logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)
	metrics.Init()

	app := &App{
		cfg:    cfg,
		logger: logger,
		clock:  system.New(),
		ids:    uuid.New(),
	}
	logger.Info("building application dependencies",
		zap.Int("server_port", cfg.Server.Port),
		zap.String("queue_backend", cfg.Queue.Backend),
		zap.String("storage_backend", cfg.Storage.Backend),
	)

	if err := app.build(ctx); err != nil {
		_ = app.Close(context.WithoutCancel(ctx))
		return nil, err
	}
	return app, nil
}

func (a *App) build(ctx context.Context) error {
	if err := setupDatabase(ctx, a); err != nil {
		return err
	}
	if err := setupQueue(a); err != nil {
		return err
	}
	if err := setupStorage(ctx, a); err != nil {
		return err
	}
	if err := setupPublisher(ctx, a); err != nil {
		return err
	}
	if err := setupPipeline(a); err != nil {
		return err
	}

	a.apiServer = api.NewServer(a.store, a.submitter, a.ready, a.cfg.Auth, a.logger)

	if a.cfg.Schedule.Enabled {
		var err error
		a.scheduler, err = schedule.New(a.cfg.Schedule.Cron, a.submitter, a.cfg.JobTimeout(), a.logger)
		if err != nil {
			return fmt.Errorf("scheduler init failed: %w", err)
		}
		a.logger.Info("auto refresh scheduled", zap.String("cron", a.cfg.Schedule.Cron))
	}
	return nil
}

func setupDatabase(ctx context.Context, app *App) error {
	if app.cfg.DB.DSN == "" {
		app.logger.Warn("no DSN specified for database, using in-memory store")
		app.store = memorystorage.NewStore()
		return nil
	}
	var err error
	app.pgStore, err = pgstore.NewStore(ctx, pgstore.Config{
		DSN:      app.cfg.DB.DSN,
		MaxConns: app.cfg.DB.MaxConns,
		MinConns: app.cfg.DB.MinConns,
	})
	if err != nil {
		return fmt.Errorf("postgres store init failed: %w", err)
	}
	if err := app.pgStore.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("postgres schema init failed: %w", err)
	}
	app.store = app.pgStore
	app.logger.Info("postgres store initialized",
		zap.Int32("max_conns", app.cfg.DB.MaxConns),
		zap.Int32("min_conns", app.cfg.DB.MinConns),
	)
	return nil
}

func setupQueue(app *App) error {
	switch app.cfg.Queue.Backend {
	case "redis":
		rc := app.cfg.Queue.Redis
		app.redis = redis.NewClient(&redis.Options{
			Addr:     rc.Addr,
			Password: rc.Password,
			DB:       rc.DB,
		})
		q, err := redisqueue.New(app.redis, redisqueue.Options{
			Prefix:       rc.Prefix,
			PollInterval: time.Duration(rc.PollIntervalMillis) * time.Millisecond,
		}, app.logger.Named("queue"))
		if err != nil {
			return fmt.Errorf("redis queue init failed: %w", err)
		}
		app.redisQ = q
		app.queue = q
		app.logger.Info("using redis job queue", zap.String("addr", rc.Addr), zap.String("prefix", rc.Prefix))
	default:
		app.memQueue = queuememory.NewQueue(app.cfg.Worker.QueueDepth)
		app.queue = app.memQueue
		app.logger.Info("using in-memory job queue", zap.Int("depth", app.cfg.Worker.QueueDepth))
	}
	return nil
}

func setupStorage(ctx context.Context, app *App) error {
	var err error
	switch app.cfg.Storage.Backend {
	case "gcs":
		app.gcs, err = storage.NewClient(ctx)
		if err != nil {
			return fmt.Errorf("gcs client init failed: %w", err)
		}
		blobs, err := gcsstorage.New(app.gcs, gcsstorage.Config{Bucket: app.cfg.Storage.GCSBucket})
		if err != nil {
			return fmt.Errorf("gcs blob store init failed: %w", err)
		}
		app.blobs = blobs
		app.logger.Info("using GCS raw html archive", zap.String("bucket", app.cfg.Storage.GCSBucket))
	case "local":
		blobs, err := localstorage.New(localstorage.Config{BaseDir: app.cfg.Storage.BaseDir})
		if err != nil {
			return fmt.Errorf("local blob store init failed: %w", err)
		}
		app.blobs = blobs
		app.logger.Info("using local raw html archive", zap.String("path", app.cfg.Storage.BaseDir))
	case "memory":
		app.blobs = memorystorage.NewBlobStore()
		app.logger.Info("using in-memory raw html archive")
	default:
		app.logger.Info("raw html archive disabled")
	}
	return nil
}

func setupPublisher(ctx context.Context, app *App) error {
	if app.cfg.PubSub.ProjectID == "" {
		app.logger.Warn("no Pub/Sub project configured, using in-memory publisher")
		app.publisher = memorypublisher.New(memorypublisher.DefaultRetain)
		return nil
	}
	client, err := pubsub.NewClient(ctx, app.cfg.PubSub.ProjectID)
	if err != nil {
		return fmt.Errorf("pubsub client init failed: %w", err)
	}
	app.gcpPub = gcppublisher.New(client)
	app.publisher = app.gcpPub
	app.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", app.cfg.PubSub.ProjectID),
		zap.String("topic", app.cfg.PubSub.Topic),
	)
	return nil
}

func pipelineConfig(cfg *config.Config, headless bool) pipeline.Config {
	return pipeline.Config{
		MinContentLength: cfg.Chunking.MinContentLength,
		FetchTimeout:     cfg.HTTP.Timeout(),
		UserAgent:        cfg.HTTP.UserAgent,
		RespectRobots:    !cfg.HTTP.IgnoreRobots,
		Headless:         headless,
		MaxPagesDefault:  cfg.Discovery.MaxPagesDefault,
		DiscoveryDepth:   cfg.Discovery.MaxDepth,
		BlobPrefix:       cfg.Storage.Prefix,
		EventTopic:       cfg.PubSub.Topic,
		CrawlJob:         crawler.JobOptions{Attempts: cfg.Jobs.Crawl.Attempts, Backoff: cfg.Jobs.Crawl.Backoff()},
		ParseJob:         crawler.JobOptions{Attempts: cfg.Jobs.Parse.Attempts, Backoff: cfg.Jobs.Parse.Backoff()},
		WebpageJob:       crawler.JobOptions{Attempts: cfg.Jobs.Webpage.Attempts, Backoff: cfg.Jobs.Webpage.Backoff()},
	}
}

func setupPipeline(app *App) error {
	cfg := app.cfg
	limiter := ratelimit.New(ratelimit.Config{
		DefaultRPS:   cfg.HTTP.RatePerSecond,
		DefaultBurst: cfg.HTTP.Burst,
	})

	llmCfg := llm.Config{
		Provider:    cfg.LLM.Provider,
		Model:       cfg.LLM.Model,
		APIKey:      cfg.LLM.APIKey,
		BaseURL:     cfg.LLM.BaseURL,
		Temperature: cfg.LLM.Temperature,
		MaxTokens:   cfg.LLM.MaxTokens,
		Timeout:     time.Duration(cfg.LLM.TimeoutSeconds) * time.Second,
		BatchSize:   cfg.Relevance.BatchSize,
	}
	model, err := llm.NewModel(llmCfg)
	if err != nil {
		return fmt.Errorf("llm init failed: %w", err)
	}
	llmClient := llm.New(model, llmCfg, app.logger.Named("llm"))
	app.logger.Info("llm client initialized", zap.String("provider", cfg.LLM.Provider), zap.String("model", cfg.LLM.Model))

	discoverer := discovery.New(limiter, discovery.Options{
		UserAgent:   cfg.HTTP.UserAgent,
		MaxDepth:    cfg.Discovery.MaxDepth,
		UseSitemap:  cfg.Discovery.UseSitemap,
		Timeout:     cfg.HTTP.Timeout(),
		MaxBodySize: cfg.HTTP.MaxBodyBytes,
	}, app.logger.Named("discovery"))

	fetcher := collyfetcher.New(collyfetcher.Config{
		UserAgent:     cfg.HTTP.UserAgent,
		RespectRobots: !cfg.HTTP.IgnoreRobots,
		Timeout:       cfg.HTTP.Timeout(),
		MaxBodySize:   int(cfg.HTTP.MaxBodyBytes),
	}, limiter, app.logger.Named("fetcher"))

	var headless crawler.Fetcher
	if cfg.Headless.Enabled {
		app.headless, err = headlessfetcher.NewChromedp(headlessfetcher.Config{
			MaxParallel:       cfg.Headless.MaxParallel,
			UserAgent:         cfg.HTTP.UserAgent,
			NavigationTimeout: time.Duration(cfg.Headless.NavTimeoutSec) * time.Second,
			ExecPath:          cfg.Headless.ExecPath,
		}, limiter, app.logger.Named("headless"))
		if err != nil {
			return fmt.Errorf("headless fetcher init failed: %w", err)
		}
		headless = app.headless
		app.logger.Info("headless promotion enabled", zap.Int("max_parallel", cfg.Headless.MaxParallel))
	}

	pcfg := pipelineConfig(cfg, headless != nil)
	hasher := sha256.New()
	extractor := extract.New()
	chunk := chunker.New(llmClient, chunker.Options{
		MaxWindow: cfg.Chunking.MaxWindow,
		MinSize:   cfg.Chunking.MinSize,
		MaxSize:   cfg.Chunking.MaxSize,
		TitleMax:  cfg.Chunking.TitleMax,
	}, app.logger.Named("chunker"))

	// Workers are built before the handlers exist; the map is filled below.
	handlers := make(map[crawler.JobKind]worker.Handler)
	workerCfg := worker.Config{
		MaxBackoff: time.Duration(cfg.Worker.MaxBackoffSeconds) * time.Second,
		JobTimeout: cfg.JobTimeout(),
	}
	app.dispatch = dispatcher.NewPool(app.queue, cfg.Worker.Concurrency, func() *worker.Worker {
		return worker.New(app.queue, handlers, app.clock, workerCfg, app.logger.Named("worker"))
	})

	finalizer := pipeline.NewFinalizer(app.store, app.publisher, app.clock, pcfg, app.logger)
	orch := pipeline.NewOrchestrator(app.store, discoverer, llmClient, app.dispatch, finalizer, app.ids, app.clock, pcfg, app.logger)
	parser := pipeline.NewParser(pipeline.ParserDeps{
		Store:     app.store,
		Fetcher:   fetcher,
		Headless:  headless,
		Detector:  detector.NewHeuristic(cfg.Headless.PromotionThresh),
		Extractor: extractor,
		Changes:   hasher,
		Hasher:    hasher,
		Chunker:   chunk,
		Blobs:     app.blobs,
		Finalizer: finalizer,
		IDs:       app.ids,
		Clock:     app.clock,
	}, pcfg, app.logger)
	webpage := pipeline.NewWebpageIngester(app.store, fetcher, extractor, hasher, chunk, app.ids, app.clock, pcfg, app.logger)

	for kind, h := range pipeline.Handlers(orch, parser, webpage, app.logger) {
		handlers[kind] = h
	}
	app.submitter = pipeline.NewSubmitter(app.store, app.dispatch, app.ids, app.clock, pcfg)

	app.logger.Info("pipeline initialized",
		zap.Int("workers", cfg.Worker.Concurrency),
		zap.Duration("job_timeout", workerCfg.JobTimeout),
		zap.Duration("fetch_timeout", pcfg.FetchTimeout),
		zap.Bool("respect_robots", pcfg.RespectRobots),
	)
	return nil
}

// ready pings the store and queue backends when they are remote.
func (a *App) ready(ctx context.Context) error {
	if a.pgStore != nil {
		if err := a.pgStore.Ping(ctx); err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
	}
	if a.redisQ != nil {
		if err := a.redisQ.Ping(ctx); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
	}
	return nil
}

// Handler exposes the HTTP API.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Store exposes the source store for command-line tooling.
func (a *App) Store() crawler.Store {
	return a.store
}

// Run starts the workers, the scheduler and the HTTP server and blocks until
// the context is canceled or a termination signal arrives.
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("application started")
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		a.logger.Info("dispatcher started", zap.Int("workers", a.cfg.Worker.Concurrency))
		a.dispatch.Run(ctx)
	}()

	if a.scheduler != nil {
		a.scheduler.Start()
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	if a.scheduler != nil {
		if err := a.scheduler.Stop(shutdownCtx); err != nil {
			a.logger.Warn("scheduler stop failed", zap.Error(err))
		}
	}
	wg.Wait()
	return a.Close(shutdownCtx)
}

// RunCrawl submits one crawl and processes jobs until the source comes to
// rest with a newer last run time.
func (a *App) RunCrawl(ctx context.Context, sourceID string, incremental bool) (crawler.Source, error) {
	started := a.clock.Now()
	jobID, err := a.submitter.SubmitCrawl(ctx, sourceID, incremental)
	if err != nil {
		return crawler.Source{}, fmt.Errorf("submit crawl: %w", err)
	}
	a.logger.Info("crawl submitted", zap.String("source_id", sourceID), zap.String("job_id", jobID))

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		a.dispatch.Run(runCtx)
	}()
	defer func() {
		cancel()
		<-done
	}()

	return a.waitForRest(ctx, sourceID, started)
}

func (a *App) waitForRest(ctx context.Context, sourceID string, since time.Time) (crawler.Source, error) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		source, err := a.store.GetSource(ctx, sourceID)
		if err != nil {
			return crawler.Source{}, fmt.Errorf("load source: %w", err)
		}
		if source.CrawlStatus.AtRest() && source.LastRunAt != nil && !source.LastRunAt.Before(since) {
			return source, nil
		}
		select {
		case <-ctx.Done():
			return source, fmt.Errorf("wait for crawl: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}

// AddSource registers a new source and returns it.
func (a *App) AddSource(ctx context.Context, source crawler.Source) (crawler.Source, error) {
	normalized, err := crawler.NormalizeURL(source.URL)
	if err != nil {
		return crawler.Source{}, fmt.Errorf("normalize url: %w", err)
	}
	if source.ID == "" {
		if source.ID, err = a.ids.NewID(); err != nil {
			return crawler.Source{}, fmt.Errorf("generate source id: %w", err)
		}
	}
	if source.Kind == "" {
		source.Kind = crawler.SourceKindWebsite
	}
	source.URL = normalized
	source.Domain = crawler.SiteHost(normalized)
	source.CrawlStatus = crawler.CrawlIdle
	source.CreatedAt = a.clock.Now().UTC()
	if err := a.store.CreateSource(ctx, source); err != nil {
		return crawler.Source{}, fmt.Errorf("create source: %w", err)
	}
	a.logger.Info("source added",
		zap.String("source_id", source.ID),
		zap.String("kind", string(source.Kind)),
		zap.String("url", source.URL),
	)
	return source, nil
}

// Close releases every backend. It is safe to call more than once.
func (a *App) Close(_ context.Context) error {
	a.closeOnce.Do(func() {
		if a.memQueue != nil {
			a.memQueue.Close()
		}
		if a.headless != nil {
			a.headless.Close()
		}
		if a.gcpPub != nil {
			if err := a.gcpPub.Close(); err != nil {
				a.logger.Warn("pubsub publisher close failed", zap.Error(err))
			}
		}
		if a.gcs != nil {
			if err := a.gcs.Close(); err != nil {
				a.logger.Warn("gcs client close failed", zap.Error(err))
			}
		}
		if a.redis != nil {
			if err := a.redis.Close(); err != nil {
				a.logger.Warn("redis client close failed", zap.Error(err))
			}
		}
		if a.pgStore != nil {
			a.pgStore.Close()
		}
		a.logger.Info("shutdown complete")
		_ = a.logger.Sync()
	})
	return nil
}
