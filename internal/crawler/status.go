package crawler

import (
	"errors"
	"fmt"
	"slices"
	"time"
)

var (
	// ErrNotFound signals that the requested record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrIllegalTransition is returned when a status change would move an entity backward.
	ErrIllegalTransition = errors.New("illegal status transition")
	// ErrCrawlInProgress is returned when a crawl is requested while another run is live.
	ErrCrawlInProgress = errors.New("crawl already in progress")
	// ErrContentTooShort marks pages whose extracted text is below the minimum length.
	ErrContentTooShort = errors.New("content too short")
	// ErrQueueClosed is returned by queues that have been shut down.
	ErrQueueClosed = errors.New("queue closed")
	// ErrPermanent wraps errors that must not be retried by the job worker.
	ErrPermanent = errors.New("permanent failure")
)

// Permanent marks err as non-retryable.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrPermanent, err)
}

// CrawlStatus is the lifecycle of a Source's crawl.
type CrawlStatus string

// Crawl status values persisted on sources.crawl_status.
const (
	CrawlIdle        CrawlStatus = "idle"
	CrawlDiscovering CrawlStatus = "discovering"
	CrawlScoring     CrawlStatus = "scoring"
	CrawlScraping    CrawlStatus = "scraping"
	CrawlCompleted   CrawlStatus = "completed"
	CrawlFailed      CrawlStatus = "failed"
)

// AtRest reports whether no crawl run is live for the status.
func (s CrawlStatus) AtRest() bool {
	switch s {
	case CrawlIdle, CrawlCompleted, CrawlFailed, "":
		return true
	default:
		return false
	}
}

// RestingCrawlStatuses lists the statuses a new run may start from.
var RestingCrawlStatuses = []CrawlStatus{CrawlIdle, CrawlCompleted, CrawlFailed}

// LiveCrawlStatuses lists the statuses of an in-flight run.
var LiveCrawlStatuses = []CrawlStatus{CrawlDiscovering, CrawlScoring, CrawlScraping}

// Resting sources may also move straight to scraping or failed: a webpage
// source is fetched as a single page and never discovers or scores.
var crawlTransitions = map[CrawlStatus][]CrawlStatus{
	CrawlIdle:        {CrawlDiscovering, CrawlScraping, CrawlFailed},
	CrawlCompleted:   {CrawlDiscovering, CrawlScraping, CrawlFailed},
	CrawlFailed:      {CrawlDiscovering, CrawlScraping},
	CrawlDiscovering: {CrawlScoring, CrawlFailed},
	CrawlScoring:     {CrawlScraping, CrawlFailed},
	CrawlScraping:    {CrawlCompleted, CrawlFailed},
}

// CanTransitionCrawl reports whether a crawl may move from one status to another.
func CanTransitionCrawl(from, to CrawlStatus) bool {
	if from == to {
		return true
	}
	if from == "" {
		from = CrawlIdle
	}
	for _, next := range crawlTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ValidateCrawlTransition returns ErrIllegalTransition when the move is not allowed.
func ValidateCrawlTransition(from, to CrawlStatus) error {
	if !CanTransitionCrawl(from, to) {
		return fmt.Errorf("%w: crawl %s -> %s", ErrIllegalTransition, from, to)
	}
	return nil
}

// ValidateCrawlTransitions checks every status in from against to.
func ValidateCrawlTransitions(from []CrawlStatus, to CrawlStatus) error {
	for _, f := range from {
		if err := ValidateCrawlTransition(f, to); err != nil {
			return err
		}
	}
	return nil
}

// CrawlSourcesFor returns every status that may legally move to the target.
func CrawlSourcesFor(to CrawlStatus) []CrawlStatus {
	var out []CrawlStatus
	for from := range crawlTransitions {
		if from != to && CanTransitionCrawl(from, to) {
			out = append(out, from)
		}
	}
	slices.Sort(out)
	return out
}

// PageStatus is the lifecycle of a single discovered page.
type PageStatus string

// Page status values persisted on pages.status.
const (
	PageDiscovered PageStatus = "discovered"
	PageRelevant   PageStatus = "relevant"
	PageSkipped    PageStatus = "skipped"
	PageScraping   PageStatus = "scraping"
	PageScraped    PageStatus = "scraped"
	PageFailed     PageStatus = "failed"
)

// Terminal reports whether the page has finished its parse for the current run.
func (s PageStatus) Terminal() bool {
	return s == PageScraped || s == PageFailed
}

// RelevantSet lists every status a page may hold after it was scored relevant.
var RelevantSet = []PageStatus{PageRelevant, PageScraping, PageScraped, PageFailed}

var pageTransitions = map[PageStatus][]PageStatus{
	PageDiscovered: {PageRelevant, PageSkipped},
	PageRelevant:   {PageScraping, PageFailed},
	PageScraping:   {PageScraped, PageFailed},
	PageScraped:    {PageRelevant},
	PageFailed:     {PageRelevant},
}

// CanTransitionPage reports whether a page may move from one status to another.
func CanTransitionPage(from, to PageStatus) bool {
	if from == to {
		return true
	}
	for _, next := range pageTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ValidatePageTransition returns ErrIllegalTransition when the move is not allowed.
func ValidatePageTransition(from, to PageStatus) error {
	if !CanTransitionPage(from, to) {
		return fmt.Errorf("%w: page %s -> %s", ErrIllegalTransition, from, to)
	}
	return nil
}

// ValidatePageTransitions checks every status in from against to.
func ValidatePageTransitions(from []PageStatus, to PageStatus) error {
	for _, f := range from {
		if err := ValidatePageTransition(f, to); err != nil {
			return err
		}
	}
	return nil
}

// RunStatus is the status of a crawl_runs row.
type RunStatus string

// Run status values.
const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)

// SourceUpdate carries the fields written together with a crawl status change.
// Nil pointers leave the column untouched.
type SourceUpdate struct {
	PagesDiscovered *int
	PagesScraped    *int
	LastRunAt       *time.Time
	SetError        bool
	LastError       string
}

// PageUpdate carries the fields written together with a page status change.
type PageUpdate struct {
	Score       *float64
	Title       *string
	ContentHash *string
	ScrapedAt   *time.Time
	SetError    bool
	LastError   string
}
