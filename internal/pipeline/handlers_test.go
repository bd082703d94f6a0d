package pipeline

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/source-ingest/internal/crawler"
	"github.com/JakeFAU/source-ingest/internal/id/uuid"
	queuemem "github.com/JakeFAU/source-ingest/internal/queue/memory"
	"github.com/JakeFAU/source-ingest/internal/worker"
)

func TestHandlersRouteJobsThroughWorker(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.addWebsite(t, "src-1", crawler.CrawlConstraints{})
	env.site(map[string]float64{testRoot + "/a": 0.9})

	handlers := Handlers(env.orch, env.parser, env.webpage, zap.NewNop())
	require.Len(t, handlers, 3)

	queue := queuemem.NewQueue(8)
	t.Cleanup(queue.Close)
	w := worker.New(queue, handlers, env.clock, worker.Config{}, zap.NewNop())

	item, err := crawler.NewQueueItem("job-1", crawler.QueueWebsiteCrawl, crawler.JobCrawlWebsite,
		crawlJob("src-1", false), crawler.DefaultCrawlOptions, env.clock.Now())
	require.NoError(t, err)
	w.Process(ctx, item)

	parses := env.enqueuer.take()
	require.Len(t, parses, 1)
	w.Process(ctx, parses[0])
	require.Equal(t, crawler.CrawlCompleted, env.source(t, "src-1").CrawlStatus)
}

func TestCrawlFanOutLargerThanQueueBufferCompletes(t *testing.T) {
	env := newTestEnv(t)
	env.addWebsite(t, "src-1", crawler.CrawlConstraints{})
	env.site(map[string]float64{
		testRoot + "/a": 0.9,
		testRoot + "/b": 0.8,
		testRoot + "/c": 0.7,
		testRoot + "/d": 0.6,
	})

	queue := queuemem.NewQueue(1)
	t.Cleanup(queue.Close)
	orch := NewOrchestrator(env.store, env.discoverer, env.scorer, queue, env.finalizer,
		uuid.NewSequence("fanout"), env.clock, env.cfg, zap.NewNop())
	w := worker.New(queue, Handlers(orch, env.parser, env.webpage, nil), env.clock, worker.Config{}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Go(func() { w.Run(ctx) })
	t.Cleanup(func() {
		cancel()
		wg.Wait()
	})

	item, err := crawler.NewQueueItem("job-1", crawler.QueueWebsiteCrawl, crawler.JobCrawlWebsite,
		crawlJob("src-1", false), crawler.DefaultCrawlOptions, env.clock.Now())
	require.NoError(t, err)
	require.NoError(t, queue.Enqueue(ctx, item))

	require.Eventually(t, func() bool {
		source, err := env.store.GetSource(context.Background(), "src-1")
		return err == nil && source.CrawlStatus == crawler.CrawlCompleted
	}, 5*time.Second, 10*time.Millisecond)
	require.Equal(t, 4, env.source(t, "src-1").PagesScraped)
	require.Len(t, env.events(), 1)
}

func TestParseHandlerExhaustionFailsPage(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	jobs := startCrawl(t, env, map[string]float64{testRoot + "/a": 0.9})

	// Poison the page so every attempt returns an error.
	broken := *env.parser
	broken.deps.Store = erroringChunkStore{Store: env.store}

	queue := queuemem.NewQueue(8)
	t.Cleanup(queue.Close)
	w := worker.New(queue, Handlers(nil, &broken, nil, nil), env.clock, worker.Config{}, zap.NewNop())

	item, err := crawler.NewQueueItem("job-1", crawler.QueuePageParse, crawler.JobParsePage,
		jobs[0], crawler.JobOptions{Attempts: 1, Backoff: time.Millisecond}, env.clock.Now())
	require.NoError(t, err)
	w.Process(ctx, item)

	page, err := env.store.GetPage(ctx, jobs[0].PageID)
	require.NoError(t, err)
	require.Equal(t, crawler.PageFailed, page.Status)
	require.Equal(t, crawler.CrawlFailed, env.source(t, "src-1").CrawlStatus)
	require.Zero(t, queue.Pending())
}

type erroringChunkStore struct {
	crawler.Store
}

func (erroringChunkStore) ReplaceChunks(context.Context, crawler.ChunkOwner, []crawler.Chunk) error {
	return context.DeadlineExceeded
}
