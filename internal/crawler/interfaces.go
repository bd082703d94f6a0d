package crawler

import (
	"context"
	"time"
)

// SourceStore persists sources and their crawl status.
type SourceStore interface {
	CreateSource(ctx context.Context, source Source) error
	GetSource(ctx context.Context, sourceID string) (Source, error)
	ListSources(ctx context.Context, kind SourceKind) ([]Source, error)
	// TransitionSource moves the crawl status to `to` only when the current
	// status is one of `from`, writing upd in the same statement. It reports
	// whether a row changed.
	TransitionSource(ctx context.Context, sourceID string, from []CrawlStatus, to CrawlStatus, upd SourceUpdate) (bool, error)
	// SetSourceContent records the hash of a source-owned chunk set.
	SetSourceContent(ctx context.Context, sourceID, title, contentHash string, at time.Time) error
}

// PageStore persists discovered pages.
type PageStore interface {
	ListPageURLs(ctx context.Context, sourceID string) ([]string, error)
	// InsertPages adds pages in status discovered, ignoring URLs already known.
	InsertPages(ctx context.Context, pages []Page) (int, error)
	GetPage(ctx context.Context, pageID string) (Page, error)
	ListPages(ctx context.Context, sourceID string, statuses ...PageStatus) ([]Page, error)
	CountPages(ctx context.Context, sourceID string) (map[PageStatus]int, error)
	// TransitionPage is the page counterpart of TransitionSource.
	TransitionPage(ctx context.Context, pageID string, from []PageStatus, to PageStatus, upd PageUpdate) (bool, error)
}

// ChunkStore persists chunk sets.
type ChunkStore interface {
	// ReplaceChunks deletes every chunk of the owner and inserts the new set atomically.
	ReplaceChunks(ctx context.Context, owner ChunkOwner, chunks []Chunk) error
	ListChunks(ctx context.Context, owner ChunkOwner) ([]Chunk, error)
}

// RunStore persists crawl run audit records.
type RunStore interface {
	CreateRun(ctx context.Context, run Run) error
	// RecordDiscovery stores the discovery counters of a running run.
	RecordDiscovery(ctx context.Context, runID string, pagesFound, newPages int) error
	// OpenRun returns the most recent running run for the source.
	OpenRun(ctx context.Context, sourceID string) (Run, error)
	LatestRun(ctx context.Context, sourceID string) (Run, error)
	// FinishRun closes a running run. It reports false when the run was already closed.
	FinishRun(ctx context.Context, run Run) (bool, error)
}

// Store bundles every persistence concern used by the pipeline.
type Store interface {
	SourceStore
	PageStore
	ChunkStore
	RunStore
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error)
}

// Publisher pushes completion events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Fetcher fetches a URL and returns the body plus metadata.
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest) (FetchResponse, error)
}

// Extractor turns raw HTML into readable text.
type Extractor interface {
	Extract(html []byte, pageURL string) (Extraction, error)
}

// HeadlessDetector decides whether a headless fetch is warranted.
type HeadlessDetector interface {
	ShouldPromote(probe FetchResponse) bool
}

// Discoverer returns the reachable pages of a website.
type Discoverer interface {
	Discover(ctx context.Context, req DiscoverRequest) ([]DiscoveredPage, error)
}

// RelevanceScorer scores pages against a topic. The result is aligned with pages.
type RelevanceScorer interface {
	ScoreRelevance(ctx context.Context, pages []PageRef, topic Topic) ([]float64, error)
}

// Chunker splits text into titled, self-contained sections.
type Chunker interface {
	Chunk(ctx context.Context, text, parentTitle string, opts ChunkOptions) []Section
}

// ChangeDetector computes the normalized content hash.
type ChangeDetector interface {
	ContentHash(text string) string
}

// Limiter throttles requests per domain.
type Limiter interface {
	Wait(ctx context.Context, url string) error
}

// Queue provides enqueue/dequeue semantics for jobs.
type Queue interface {
	Enqueue(ctx context.Context, item QueueItem) error
	Dequeue(ctx context.Context) (QueueItem, error)
}

// Enqueuer is the dispatch interface injected wherever a job must be scheduled.
type Enqueuer interface {
	Enqueue(ctx context.Context, item QueueItem) error
}

// Hasher computes digests for deduplication/integrity.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces record IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
