package crawler

import (
	"encoding/json"
	"fmt"
	"time"
)

// JobKind routes a queue item to its handler.
type JobKind string

// Job kinds and the queues they travel on.
const (
	JobCrawlWebsite  JobKind = "crawl-website"
	JobParsePage     JobKind = "parse-page"
	JobIngestWebpage JobKind = "ingest-webpage"

	QueueWebsiteCrawl = "website-crawl"
	QueuePageParse    = "page-parse"
	QueueWebpage      = "webpage-ingest"
)

// CrawlJob is the payload of a crawl-website job.
type CrawlJob struct {
	SourceID      string `json:"sourceId"`
	WebsiteURL    string `json:"websiteUrl"`
	IsIncremental bool   `json:"isIncremental"`
}

// ParseJob is the payload of a parse-page job.
type ParseJob struct {
	SourceID     string  `json:"sourceId"`
	PageID       string  `json:"pageId"`
	PageURL      string  `json:"pageUrl"`
	PreviousHash *string `json:"previousHash,omitempty"`
}

// WebpageJob is the payload of an ingest-webpage job.
type WebpageJob struct {
	SourceID string `json:"sourceId"`
	URL      string `json:"url"`
}

// JobOptions sets the retry policy of a job type.
type JobOptions struct {
	Attempts int
	Backoff  time.Duration
}

// Default retry policies per job type.
var (
	DefaultCrawlOptions   = JobOptions{Attempts: 2, Backoff: 60 * time.Second}
	DefaultParseOptions   = JobOptions{Attempts: 2, Backoff: 30 * time.Second}
	DefaultWebpageOptions = JobOptions{Attempts: 2, Backoff: 30 * time.Second}
)

// QueueItem wraps a job ready to run.
type QueueItem struct {
	ID          string          `json:"id"`
	Queue       string          `json:"queue"`
	Kind        JobKind         `json:"kind"`
	Payload     json.RawMessage `json:"payload"`
	Attempt     int             `json:"attempt"`
	MaxAttempts int             `json:"max_attempts"`
	Backoff     time.Duration   `json:"backoff"`
	NotBefore   time.Time       `json:"not_before,omitempty"`
	Submitted   int64           `json:"submitted"`
}

// NewQueueItem encodes payload into a first-attempt queue item.
func NewQueueItem(id, queue string, kind JobKind, payload any, opts JobOptions, now time.Time) (QueueItem, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return QueueItem{}, fmt.Errorf("marshal %s payload: %w", kind, err)
	}
	attempts := opts.Attempts
	if attempts <= 0 {
		attempts = 1
	}
	return QueueItem{
		ID:          id,
		Queue:       queue,
		Kind:        kind,
		Payload:     data,
		Attempt:     1,
		MaxAttempts: attempts,
		Backoff:     opts.Backoff,
		Submitted:   now.Unix(),
	}, nil
}

// Decode unmarshals the payload into dst.
func (q QueueItem) Decode(dst any) error {
	if err := json.Unmarshal(q.Payload, dst); err != nil {
		return Permanent(fmt.Errorf("decode %s payload: %w", q.Kind, err))
	}
	return nil
}
