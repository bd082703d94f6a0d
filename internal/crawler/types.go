package crawler

import (
	"net/http"
	"time"
)

// RelevanceThreshold is the minimum score for a page to be scraped. A score
// exactly equal to the threshold counts as relevant.
const RelevanceThreshold = 0.5

// SourceKind distinguishes the ingestion path for a Source.
type SourceKind string

// Source kinds handled by the pipeline.
const (
	SourceKindWebsite  SourceKind = "website"
	SourceKindWebpage  SourceKind = "webpage"
	SourceKindDocument SourceKind = "document"
)

// CrawlConstraints bounds a website crawl.
type CrawlConstraints struct {
	MaxPages       int      `json:"max_pages"`
	StalenessDays  int      `json:"staleness_days"`
	ExcludePaths   []string `json:"exclude_paths"`
	SkipChunking   bool     `json:"skip_chunking"`
	RespectRobots  bool     `json:"respect_robots"`
	AutoRefresh    bool     `json:"auto_refresh"`
	DiscoveryDepth int      `json:"discovery_depth"`
}

// Source is one configured content origin attached to a channel.
type Source struct {
	ID              string           `json:"id"`
	Kind            SourceKind       `json:"kind"`
	URL             string           `json:"url"`
	Domain          string           `json:"domain"`
	Title           string           `json:"title,omitempty"`
	Niche           string           `json:"niche,omitempty"`
	Language        string           `json:"language,omitempty"`
	Constraints     CrawlConstraints `json:"constraints"`
	CrawlStatus     CrawlStatus      `json:"crawl_status"`
	PagesDiscovered int              `json:"pages_discovered"`
	PagesScraped    int              `json:"pages_scraped"`
	ContentHash     *string          `json:"content_hash,omitempty"`
	LastRunAt       *time.Time       `json:"last_run_at,omitempty"`
	LastError       *string          `json:"last_error,omitempty"`
	CreatedAt       time.Time        `json:"created_at"`
}

// Topic returns the topical context used when scoring pages of this source.
func (s Source) Topic() Topic {
	return Topic{Niche: s.Niche, Language: s.Language}
}

// Page is one discovered URL under a website Source.
type Page struct {
	ID            string     `json:"id"`
	SourceID      string     `json:"source_id"`
	URL           string     `json:"url"`
	Path          string     `json:"path"`
	Title         *string    `json:"title,omitempty"`
	Status        PageStatus `json:"status"`
	Score         *float64   `json:"score,omitempty"`
	ContentHash   *string    `json:"content_hash,omitempty"`
	LastError     *string    `json:"last_error,omitempty"`
	DiscoveredAt  time.Time  `json:"discovered_at"`
	LastScrapedAt *time.Time `json:"last_scraped_at,omitempty"`
}

// ChunkOwner identifies the parent of a chunk set. Exactly one field is set.
type ChunkOwner struct {
	PageID   string
	SourceID string
}

// PageOwner returns the owner for chunks of a website page.
func PageOwner(pageID string) ChunkOwner {
	return ChunkOwner{PageID: pageID}
}

// SourceOwner returns the owner for chunks held directly by a source.
func SourceOwner(sourceID string) ChunkOwner {
	return ChunkOwner{SourceID: sourceID}
}

// Chunk is one self-contained unit of extracted text.
type Chunk struct {
	ID                string    `json:"id"`
	PageID            string    `json:"page_id,omitempty"`
	SourceID          string    `json:"source_id,omitempty"`
	Index             int       `json:"index"`
	Title             string    `json:"title,omitempty"`
	Content           string    `json:"content"`
	UsedForGeneration bool      `json:"used_for_generation"`
	CreatedAt         time.Time `json:"created_at"`
}

// Run is the audit record of one crawl invocation.
type Run struct {
	ID           string     `json:"id"`
	SourceID     string     `json:"source_id"`
	Status       RunStatus  `json:"status"`
	Incremental  bool       `json:"incremental"`
	PagesFound   int        `json:"pages_found"`
	NewPages     int        `json:"new_pages"`
	PagesScraped int        `json:"pages_scraped"`
	PagesFailed  int        `json:"pages_failed"`
	Error        *string    `json:"error,omitempty"`
	StartedAt    time.Time  `json:"started_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
}

// Topic carries the topical context passed to the relevance scorer.
type Topic struct {
	Niche    string
	Language string
}

// PageRef is the (url, title) pair sent to the relevance scorer.
type PageRef struct {
	URL   string
	Title string
}

// DiscoverRequest captures the constraints for one discovery pass.
type DiscoverRequest struct {
	RootURL       string
	MaxPages      int
	MaxDepth      int
	Exclude       []string
	Known         []string
	RespectRobots bool
}

// DiscoveredPage is a candidate page returned by a Discoverer.
type DiscoveredPage struct {
	URL   string
	Title string
	IsNew bool
}

// FetchRequest captures everything needed to fetch a URL.
type FetchRequest struct {
	URL                   string
	UseHeadless           bool
	Headers               http.Header
	RespectRobots         bool
	RespectRobotsProvided bool
	Timeout               time.Duration
}

// FetchResponse is the result returned by a Fetcher implementation.
type FetchResponse struct {
	URL          string
	StatusCode   int
	Headers      http.Header
	Body         []byte
	Duration     time.Duration
	UsedHeadless bool
}

// Extraction is the readable content pulled out of an HTML document.
type Extraction struct {
	Title   string
	Domain  string
	Content string
}

// Section is one chunk produced by the chunker before it is persisted.
type Section struct {
	Index   int    `json:"index"`
	Title   string `json:"title"`
	Content string `json:"content"`
}

// ChunkOptions tunes a single chunking call.
type ChunkOptions struct {
	SkipChunking bool
	Language     string
}

// Progress summarizes a source for the read endpoints.
type Progress struct {
	Source     Source             `json:"source"`
	PageCounts map[PageStatus]int `json:"page_counts"`
	LatestRun  *Run               `json:"latest_run,omitempty"`
}
