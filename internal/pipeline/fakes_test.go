package pipeline

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/source-ingest/internal/crawler"
	"github.com/JakeFAU/source-ingest/internal/hash/sha256"
	"github.com/JakeFAU/source-ingest/internal/id/uuid"
	pubmem "github.com/JakeFAU/source-ingest/internal/publisher/memory"
	storemem "github.com/JakeFAU/source-ingest/internal/storage/memory"
)

const (
	testRoot  = "https://example.com"
	testTopic = "crawl-events"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fakeDiscoverer struct {
	pages []crawler.DiscoveredPage
	err   error
	last  crawler.DiscoverRequest
}

func (d *fakeDiscoverer) Discover(_ context.Context, req crawler.DiscoverRequest) ([]crawler.DiscoveredPage, error) {
	d.last = req
	if d.err != nil {
		return nil, d.err
	}
	out := make([]crawler.DiscoveredPage, 0, len(d.pages))
	for _, p := range d.pages {
		p.IsNew = !slices.Contains(req.Known, p.URL)
		out = append(out, p)
	}
	return out, nil
}

type fakeScorer struct {
	scores map[string]float64
	err    error
	calls  int
}

func (s *fakeScorer) ScoreRelevance(_ context.Context, pages []crawler.PageRef, _ crawler.Topic) ([]float64, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	out := make([]float64, len(pages))
	for i, p := range pages {
		out[i] = s.scores[p.URL]
	}
	return out, nil
}

type fakeFetcher struct {
	mu     sync.Mutex
	bodies map[string]string
	errs   map[string]error
	calls  map[string]int
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{bodies: map[string]string{}, errs: map[string]error{}, calls: map[string]int{}}
}

func (f *fakeFetcher) Fetch(_ context.Context, req crawler.FetchRequest) (crawler.FetchResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[req.URL]++
	if err := f.errs[req.URL]; err != nil {
		return crawler.FetchResponse{}, err
	}
	body, ok := f.bodies[req.URL]
	if !ok {
		return crawler.FetchResponse{URL: req.URL, StatusCode: 404}, nil
	}
	return crawler.FetchResponse{URL: req.URL, StatusCode: 200, Body: []byte(body), UsedHeadless: req.UseHeadless}, nil
}

// fakeExtractor treats the body as already-readable text.
type fakeExtractor struct{}

func (fakeExtractor) Extract(html []byte, pageURL string) (crawler.Extraction, error) {
	if strings.HasPrefix(string(html), "<broken") {
		return crawler.Extraction{}, errors.New("unparseable document")
	}
	return crawler.Extraction{Title: "Title of " + pageURL, Content: string(html)}, nil
}

type paragraphChunker struct{}

func (paragraphChunker) Chunk(_ context.Context, text, parentTitle string, opts crawler.ChunkOptions) []crawler.Section {
	if opts.SkipChunking {
		return []crawler.Section{{Index: 0, Title: parentTitle, Content: text}}
	}
	var out []crawler.Section
	for _, para := range strings.Split(text, "\n\n") {
		if para = strings.TrimSpace(para); para != "" {
			out = append(out, crawler.Section{Index: len(out), Title: parentTitle, Content: para})
		}
	}
	return out
}

type recordingEnqueuer struct {
	mu    sync.Mutex
	items []crawler.QueueItem
	err   error
}

func (e *recordingEnqueuer) Enqueue(_ context.Context, item crawler.QueueItem) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.err != nil {
		return e.err
	}
	e.items = append(e.items, item)
	return nil
}

func (e *recordingEnqueuer) take() []crawler.QueueItem {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := e.items
	e.items = nil
	return out
}

type testEnv struct {
	store      *storemem.Store
	enqueuer   *recordingEnqueuer
	publisher  *pubmem.Publisher
	clock      *fakeClock
	discoverer *fakeDiscoverer
	scorer     *fakeScorer
	fetcher    *fakeFetcher
	cfg        Config

	finalizer *Finalizer
	orch      *Orchestrator
	parser    *Parser
	webpage   *WebpageIngester
	submitter *Submitter
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		store:      storemem.NewStore(),
		enqueuer:   &recordingEnqueuer{},
		publisher:  pubmem.New(0),
		clock:      &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)},
		discoverer: &fakeDiscoverer{},
		scorer:     &fakeScorer{scores: map[string]float64{}},
		fetcher:    newFakeFetcher(),
		cfg:        Config{EventTopic: testTopic, MinContentLength: 40},
	}
	ids := uuid.NewSequence("id")
	hasher := sha256.New()
	logger := zap.NewNop()
	env.finalizer = NewFinalizer(env.store, env.publisher, env.clock, env.cfg, logger)
	env.orch = NewOrchestrator(env.store, env.discoverer, env.scorer, env.enqueuer, env.finalizer, ids, env.clock, env.cfg, logger)
	env.parser = NewParser(ParserDeps{
		Store:     env.store,
		Fetcher:   env.fetcher,
		Extractor: fakeExtractor{},
		Changes:   hasher,
		Hasher:    hasher,
		Chunker:   paragraphChunker{},
		Finalizer: env.finalizer,
		IDs:       ids,
		Clock:     env.clock,
	}, env.cfg, logger)
	env.webpage = NewWebpageIngester(env.store, env.fetcher, fakeExtractor{}, hasher, paragraphChunker{}, ids, env.clock, env.cfg, logger)
	env.submitter = NewSubmitter(env.store, env.enqueuer, ids, env.clock, env.cfg)
	return env
}

func (e *testEnv) addWebsite(t *testing.T, id string, constraints crawler.CrawlConstraints) crawler.Source {
	t.Helper()
	source := crawler.Source{
		ID:          id,
		Kind:        crawler.SourceKindWebsite,
		URL:         testRoot,
		Domain:      "example.com",
		Niche:       "home espresso",
		Language:    "en",
		Constraints: constraints,
		CreatedAt:   e.clock.Now(),
	}
	require.NoError(t, e.store.CreateSource(context.Background(), source))
	return source
}

// site registers discoverable pages with their scores and article bodies.
func (e *testEnv) site(pages map[string]float64) {
	e.discoverer.pages = nil
	urls := make([]string, 0, len(pages))
	for u := range pages {
		urls = append(urls, u)
	}
	slices.Sort(urls)
	for _, u := range urls {
		e.discoverer.pages = append(e.discoverer.pages, crawler.DiscoveredPage{URL: u})
		e.scorer.scores[u] = pages[u]
		if _, ok := e.fetcher.bodies[u]; !ok {
			e.fetcher.bodies[u] = article(u)
		}
	}
}

func article(u string) string {
	return "A long read about " + u + " and grinding coffee.\n\nSecond paragraph with brewing ratios and water temperature."
}

// drainParses runs every queued parse job until the queue is empty.
func (e *testEnv) drainParses(t *testing.T) int {
	t.Helper()
	ran := 0
	for {
		items := e.enqueuer.take()
		if len(items) == 0 {
			return ran
		}
		for _, item := range items {
			require.Equal(t, crawler.JobParsePage, item.Kind)
			var job crawler.ParseJob
			require.NoError(t, item.Decode(&job))
			require.NoError(t, e.parser.Parse(context.Background(), job))
			ran++
		}
	}
}

func (e *testEnv) source(t *testing.T, id string) crawler.Source {
	t.Helper()
	source, err := e.store.GetSource(context.Background(), id)
	require.NoError(t, err)
	return source
}

func (e *testEnv) pageByURL(t *testing.T, sourceID, u string) crawler.Page {
	t.Helper()
	pages, err := e.store.ListPages(context.Background(), sourceID)
	require.NoError(t, err)
	for _, p := range pages {
		if p.URL == u {
			return p
		}
	}
	t.Fatalf("page %s not found", u)
	return crawler.Page{}
}

func (e *testEnv) events() []CompletionEvent {
	var out []CompletionEvent
	for _, m := range e.publisher.Messages(testTopic) {
		out = append(out, m.Payload.(CompletionEvent))
	}
	return out
}
