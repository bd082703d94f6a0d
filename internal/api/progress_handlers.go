package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/source-ingest/internal/crawler"
)

const (
	defaultPageLimit = 100
	maxPageLimit     = 1000
	progressTimeout  = 3 * time.Second
)

// ProgressReader is the read side of the store used by the progress endpoints.
type ProgressReader interface {
	GetSource(ctx context.Context, sourceID string) (crawler.Source, error)
	GetPage(ctx context.Context, pageID string) (crawler.Page, error)
	ListPages(ctx context.Context, sourceID string, statuses ...crawler.PageStatus) ([]crawler.Page, error)
	CountPages(ctx context.Context, sourceID string) (map[crawler.PageStatus]int, error)
	LatestRun(ctx context.Context, sourceID string) (crawler.Run, error)
	ListChunks(ctx context.Context, owner crawler.ChunkOwner) ([]crawler.Chunk, error)
}

// ProgressHandler exposes read-only crawl progress endpoints.
type ProgressHandler struct {
	repo    ProgressReader
	timeout time.Duration
	logger  *zap.Logger
}

// NewProgressHandler wires the repository and logger.
func NewProgressHandler(repo ProgressReader, logger *zap.Logger) *ProgressHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ProgressHandler{
		repo:    repo,
		timeout: progressTimeout,
		logger:  logger,
	}
}

// GetProgress handles GET /v1/sources/{source_id}/progress. It returns the
// source with its counters, page counts by status and the latest run, 404 for
// unknown sources, 503 when the repo is missing, or 500 otherwise.
func (h *ProgressHandler) GetProgress(w http.ResponseWriter, r *http.Request) {
	if h.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "progress repository unavailable")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()
	sourceID := chi.URLParam(r, "source_id")

	source, err := h.repo.GetSource(ctx, sourceID)
	if err != nil {
		h.notFoundOr500(w, err, "source not found", "failed to load source")
		return
	}
	counts, err := h.repo.CountPages(ctx, sourceID)
	if err != nil {
		h.logger.Error("count pages failed", zap.String("source_id", sourceID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to count pages")
		return
	}
	progress := crawler.Progress{Source: source, PageCounts: counts}
	run, err := h.repo.LatestRun(ctx, sourceID)
	switch {
	case err == nil:
		progress.LatestRun = &run
	case !errors.Is(err, crawler.ErrNotFound):
		h.logger.Error("latest run failed", zap.String("source_id", sourceID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load latest run")
		return
	}
	writeJSON(w, http.StatusOK, progress)
}

// ListPages handles GET /v1/sources/{source_id}/pages?status=&limit=&offset=.
// status accepts a comma separated list.
func (h *ProgressHandler) ListPages(w http.ResponseWriter, r *http.Request) {
	if h.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "progress repository unavailable")
		return
	}
	limit, offset, err := parseLimitOffset(r, defaultPageLimit, maxPageLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	statuses, err := parseStatuses(r.URL.Query().Get("status"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()
	sourceID := chi.URLParam(r, "source_id")

	if _, err := h.repo.GetSource(ctx, sourceID); err != nil {
		h.notFoundOr500(w, err, "source not found", "failed to load source")
		return
	}
	pages, err := h.repo.ListPages(ctx, sourceID, statuses...)
	if err != nil {
		h.logger.Error("list pages failed", zap.String("source_id", sourceID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list pages")
		return
	}
	total := len(pages)
	start := min(offset, total)
	end := min(start+limit, total)
	writeJSON(w, http.StatusOK, map[string]any{
		"pages": nonNil(pages[start:end]),
		"total": total,
	})
}

// ListChunks handles GET /v1/pages/{page_id}/chunks.
func (h *ProgressHandler) ListChunks(w http.ResponseWriter, r *http.Request) {
	if h.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "progress repository unavailable")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()
	pageID := chi.URLParam(r, "page_id")

	if _, err := h.repo.GetPage(ctx, pageID); err != nil {
		h.notFoundOr500(w, err, "page not found", "failed to load page")
		return
	}
	chunks, err := h.repo.ListChunks(ctx, crawler.PageOwner(pageID))
	if err != nil {
		h.logger.Error("list chunks failed", zap.String("page_id", pageID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list chunks")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"chunks": nonNil(chunks)})
}

func (h *ProgressHandler) notFoundOr500(w http.ResponseWriter, err error, notFound, failed string) {
	if errors.Is(err, crawler.ErrNotFound) {
		writeError(w, http.StatusNotFound, notFound)
		return
	}
	h.logger.Error(failed, zap.Error(err))
	writeError(w, http.StatusInternalServerError, failed)
}

func parseLimitOffset(r *http.Request, def, maxLimit int) (int, int, error) {
	q := r.URL.Query()
	limit := def
	if limStr := q.Get("limit"); limStr != "" {
		val, err := strconv.Atoi(limStr)
		if err != nil || val <= 0 {
			return 0, 0, errors.New("invalid limit")
		}
		if val > maxLimit {
			val = maxLimit
		}
		limit = val
	}
	offset := 0
	if offStr := q.Get("offset"); offStr != "" {
		val, err := strconv.Atoi(offStr)
		if err != nil || val < 0 {
			return 0, 0, errors.New("invalid offset")
		}
		offset = val
	}
	return limit, offset, nil
}

var knownPageStatuses = map[crawler.PageStatus]struct{}{
	crawler.PageDiscovered: {},
	crawler.PageRelevant:   {},
	crawler.PageSkipped:    {},
	crawler.PageScraping:   {},
	crawler.PageScraped:    {},
	crawler.PageFailed:     {},
}

func parseStatuses(input string) ([]crawler.PageStatus, error) {
	var out []crawler.PageStatus
	for _, part := range strings.Split(input, ",") {
		part = strings.ToLower(strings.TrimSpace(part))
		if part == "" {
			continue
		}
		status := crawler.PageStatus(part)
		if _, ok := knownPageStatuses[status]; !ok {
			return nil, errors.New("invalid status")
		}
		out = append(out, status)
	}
	return out, nil
}

func nonNil[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
