// Package memory holds in-process stores for development runs and tests.
package memory

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/source-ingest/internal/crawler"
)

// Store implements crawler.Store in memory. Every transition is a
// compare-and-set under one lock, matching the conditional updates of the
// Postgres store.
type Store struct {
	mu      sync.RWMutex
	sources map[string]crawler.Source
	pages   map[string]crawler.Page
	byURL   map[string]map[string]string
	chunks  map[crawler.ChunkOwner][]crawler.Chunk
	runs    map[string]crawler.Run
	order   []string
}

// NewStore constructs a Store.
func NewStore() *Store {
	return &Store{
		sources: make(map[string]crawler.Source),
		pages:   make(map[string]crawler.Page),
		byURL:   make(map[string]map[string]string),
		chunks:  make(map[crawler.ChunkOwner][]crawler.Chunk),
		runs:    make(map[string]crawler.Run),
	}
}

// CreateSource stores a new source in status idle.
func (s *Store) CreateSource(_ context.Context, source crawler.Source) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.sources[source.ID]; exists {
		return fmt.Errorf("source %s already exists", source.ID)
	}
	if source.CrawlStatus == "" {
		source.CrawlStatus = crawler.CrawlIdle
	}
	s.sources[source.ID] = source
	return nil
}

// GetSource fetches a source by ID.
func (s *Store) GetSource(_ context.Context, sourceID string) (crawler.Source, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	source, ok := s.sources[sourceID]
	if !ok {
		return crawler.Source{}, fmt.Errorf("source %s: %w", sourceID, crawler.ErrNotFound)
	}
	return source, nil
}

// ListSources returns sources of the given kind, or all sources when kind is empty.
func (s *Store) ListSources(_ context.Context, kind crawler.SourceKind) ([]crawler.Source, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []crawler.Source
	for _, src := range s.sources {
		if kind == "" || src.Kind == kind {
			out = append(out, src)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// TransitionSource implements crawler.SourceStore.
func (s *Store) TransitionSource(
	_ context.Context,
	sourceID string,
	from []crawler.CrawlStatus,
	to crawler.CrawlStatus,
	upd crawler.SourceUpdate,
) (bool, error) {
	if err := crawler.ValidateCrawlTransitions(from, to); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	source, ok := s.sources[sourceID]
	if !ok {
		return false, fmt.Errorf("source %s: %w", sourceID, crawler.ErrNotFound)
	}
	current := source.CrawlStatus
	if current == "" {
		current = crawler.CrawlIdle
	}
	if !slices.Contains(from, current) {
		return false, nil
	}
	source.CrawlStatus = to
	if upd.PagesDiscovered != nil {
		source.PagesDiscovered = *upd.PagesDiscovered
	}
	if upd.PagesScraped != nil {
		source.PagesScraped = *upd.PagesScraped
	}
	if upd.LastRunAt != nil {
		source.LastRunAt = pointerTime(*upd.LastRunAt)
	}
	if upd.SetError {
		source.LastError = nullableString(upd.LastError)
	}
	s.sources[sourceID] = source
	return true, nil
}

// SetSourceContent records the title and content hash of a source-owned chunk set.
func (s *Store) SetSourceContent(_ context.Context, sourceID, title, contentHash string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	source, ok := s.sources[sourceID]
	if !ok {
		return fmt.Errorf("source %s: %w", sourceID, crawler.ErrNotFound)
	}
	if title != "" {
		source.Title = title
	}
	source.ContentHash = nullableString(contentHash)
	source.LastRunAt = pointerTime(at)
	source.LastError = nil
	s.sources[sourceID] = source
	return nil
}

// ListPageURLs returns every known page URL of the source.
func (s *Store) ListPageURLs(_ context.Context, sourceID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	urls := make([]string, 0, len(s.byURL[sourceID]))
	for u := range s.byURL[sourceID] {
		urls = append(urls, u)
	}
	sort.Strings(urls)
	return urls, nil
}

// InsertPages adds pages in status discovered, skipping URLs already known.
func (s *Store) InsertPages(_ context.Context, pages []crawler.Page) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inserted := 0
	for _, page := range pages {
		known := s.byURL[page.SourceID]
		if known == nil {
			known = make(map[string]string)
			s.byURL[page.SourceID] = known
		}
		if _, dup := known[page.URL]; dup {
			continue
		}
		if _, dup := s.pages[page.ID]; dup {
			return inserted, fmt.Errorf("page %s already exists", page.ID)
		}
		page.Status = crawler.PageDiscovered
		s.pages[page.ID] = page
		known[page.URL] = page.ID
		s.order = append(s.order, page.ID)
		inserted++
	}
	return inserted, nil
}

// GetPage fetches a page by ID.
func (s *Store) GetPage(_ context.Context, pageID string) (crawler.Page, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	page, ok := s.pages[pageID]
	if !ok {
		return crawler.Page{}, fmt.Errorf("page %s: %w", pageID, crawler.ErrNotFound)
	}
	return page, nil
}

// ListPages returns the source's pages in discovery order, optionally filtered by status.
func (s *Store) ListPages(_ context.Context, sourceID string, statuses ...crawler.PageStatus) ([]crawler.Page, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []crawler.Page
	for _, id := range s.order {
		page := s.pages[id]
		if page.SourceID != sourceID {
			continue
		}
		if len(statuses) > 0 && !slices.Contains(statuses, page.Status) {
			continue
		}
		out = append(out, page)
	}
	return out, nil
}

// CountPages returns the number of pages per status.
func (s *Store) CountPages(_ context.Context, sourceID string) (map[crawler.PageStatus]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	counts := make(map[crawler.PageStatus]int)
	for _, page := range s.pages {
		if page.SourceID == sourceID {
			counts[page.Status]++
		}
	}
	return counts, nil
}

// TransitionPage implements crawler.PageStore.
func (s *Store) TransitionPage(
	_ context.Context,
	pageID string,
	from []crawler.PageStatus,
	to crawler.PageStatus,
	upd crawler.PageUpdate,
) (bool, error) {
	if err := crawler.ValidatePageTransitions(from, to); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	page, ok := s.pages[pageID]
	if !ok {
		return false, fmt.Errorf("page %s: %w", pageID, crawler.ErrNotFound)
	}
	if !slices.Contains(from, page.Status) {
		return false, nil
	}
	page.Status = to
	if upd.Score != nil {
		score := *upd.Score
		page.Score = &score
	}
	if upd.Title != nil {
		page.Title = nullableString(*upd.Title)
	}
	if upd.ContentHash != nil {
		page.ContentHash = nullableString(*upd.ContentHash)
	}
	if upd.ScrapedAt != nil {
		page.LastScrapedAt = pointerTime(*upd.ScrapedAt)
	}
	if upd.SetError {
		page.LastError = nullableString(upd.LastError)
	}
	s.pages[pageID] = page
	return true, nil
}

// ReplaceChunks swaps the owner's chunk set in one step.
func (s *Store) ReplaceChunks(_ context.Context, owner crawler.ChunkOwner, chunks []crawler.Chunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(chunks) == 0 {
		delete(s.chunks, owner)
		return nil
	}
	s.chunks[owner] = slices.Clone(chunks)
	return nil
}

// ListChunks returns the owner's chunks ordered by index.
func (s *Store) ListChunks(_ context.Context, owner crawler.ChunkOwner) ([]crawler.Chunk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := slices.Clone(s.chunks[owner])
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out, nil
}

// CreateRun stores a new run record.
func (s *Store) CreateRun(_ context.Context, run crawler.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.runs[run.ID]; exists {
		return fmt.Errorf("run %s already exists", run.ID)
	}
	s.runs[run.ID] = run
	return nil
}

// RecordDiscovery stores the discovery counters of a run.
func (s *Store) RecordDiscovery(_ context.Context, runID string, pagesFound, newPages int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		return fmt.Errorf("run %s: %w", runID, crawler.ErrNotFound)
	}
	run.PagesFound = pagesFound
	run.NewPages = newPages
	s.runs[runID] = run
	return nil
}

// OpenRun returns the most recent running run of the source.
func (s *Store) OpenRun(_ context.Context, sourceID string) (crawler.Run, error) {
	return s.latest(sourceID, true)
}

// LatestRun returns the most recent run of the source.
func (s *Store) LatestRun(_ context.Context, sourceID string) (crawler.Run, error) {
	return s.latest(sourceID, false)
}

func (s *Store) latest(sourceID string, runningOnly bool) (crawler.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var (
		best  crawler.Run
		found bool
	)
	for _, run := range s.runs {
		if run.SourceID != sourceID || (runningOnly && run.Status != crawler.RunRunning) {
			continue
		}
		if !found || run.StartedAt.After(best.StartedAt) || (run.StartedAt.Equal(best.StartedAt) && run.ID > best.ID) {
			best, found = run, true
		}
	}
	if !found {
		return crawler.Run{}, fmt.Errorf("run for source %s: %w", sourceID, crawler.ErrNotFound)
	}
	return best, nil
}

// FinishRun closes a running run with its final status and counters.
func (s *Store) FinishRun(_ context.Context, run crawler.Run) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.runs[run.ID]
	if !ok {
		return false, fmt.Errorf("run %s: %w", run.ID, crawler.ErrNotFound)
	}
	if current.Status != crawler.RunRunning {
		return false, nil
	}
	current.Status = run.Status
	current.PagesScraped = run.PagesScraped
	current.PagesFailed = run.PagesFailed
	current.Error = run.Error
	current.CompletedAt = run.CompletedAt
	s.runs[run.ID] = current
	return true, nil
}

func pointerTime(t time.Time) *time.Time {
	return &t
}

func nullableString(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
