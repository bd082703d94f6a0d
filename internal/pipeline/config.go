package pipeline

import (
	"time"

	"github.com/JakeFAU/source-ingest/internal/crawler"
)

// Defaults applied when Config leaves a field zero.
const (
	DefaultMinContentLength = 100
	DefaultFetchTimeout     = 15 * time.Second
	DefaultMaxPages         = 100
	DefaultStalenessDays    = 7
	DefaultDiscoveryDepth   = 3
	defaultBlobContentType  = "text/html; charset=utf-8"
)

// Config tunes the pipeline stages.
type Config struct {
	// MinContentLength is the extracted-text length under which a page fails as too short.
	MinContentLength int
	FetchTimeout     time.Duration
	UserAgent        string
	// RespectRobots applies when a source does not set its own preference.
	RespectRobots bool
	// Headless enables promotion of JavaScript shells to the headless fetcher.
	Headless bool

	MaxPagesDefault int
	DiscoveryDepth  int

	// BlobPrefix is the raw HTML archive prefix.
	BlobPrefix string
	// EventTopic receives crawl completion events. Empty disables publishing.
	EventTopic string

	CrawlJob   crawler.JobOptions
	ParseJob   crawler.JobOptions
	WebpageJob crawler.JobOptions
}

func (c Config) withDefaults() Config {
	if c.MinContentLength <= 0 {
		c.MinContentLength = DefaultMinContentLength
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = DefaultFetchTimeout
	}
	if c.MaxPagesDefault <= 0 {
		c.MaxPagesDefault = DefaultMaxPages
	}
	if c.DiscoveryDepth <= 0 {
		c.DiscoveryDepth = DefaultDiscoveryDepth
	}
	if c.CrawlJob.Attempts <= 0 {
		c.CrawlJob = crawler.DefaultCrawlOptions
	}
	if c.ParseJob.Attempts <= 0 {
		c.ParseJob = crawler.DefaultParseOptions
	}
	if c.WebpageJob.Attempts <= 0 {
		c.WebpageJob = crawler.DefaultWebpageOptions
	}
	return c
}

// CompletionEvent is published when a crawl reaches a terminal status.
type CompletionEvent struct {
	SourceID     string    `json:"source_id"`
	RunID        string    `json:"run_id,omitempty"`
	Status       string    `json:"status"`
	PagesScraped int       `json:"pages_scraped"`
	PagesFailed  int       `json:"pages_failed"`
	FinishedAt   time.Time `json:"finished_at"`
}

// Attributes exposes routing attributes for message brokers that support them.
func (e CompletionEvent) Attributes() map[string]string {
	return map[string]string{"source_id": e.SourceID, "status": e.Status}
}

func ptr[T any](v T) *T {
	return &v
}
