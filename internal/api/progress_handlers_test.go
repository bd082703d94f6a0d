package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/source-ingest/internal/config"
	"github.com/JakeFAU/source-ingest/internal/crawler"
	storemem "github.com/JakeFAU/source-ingest/internal/storage/memory"
)

func seedSource(t *testing.T, store *storemem.Store) {
	t.Helper()
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, store.CreateSource(ctx, crawler.Source{
		ID: "src-1", Kind: crawler.SourceKindWebsite, URL: "https://example.com", CreatedAt: now,
	}))
	_, err := store.InsertPages(ctx, []crawler.Page{
		{ID: "p1", SourceID: "src-1", URL: "https://example.com/a", DiscoveredAt: now},
		{ID: "p2", SourceID: "src-1", URL: "https://example.com/b", DiscoveredAt: now},
		{ID: "p3", SourceID: "src-1", URL: "https://example.com/c", DiscoveredAt: now},
	})
	require.NoError(t, err)
	_, err = store.TransitionPage(ctx, "p1", []crawler.PageStatus{crawler.PageDiscovered}, crawler.PageRelevant, crawler.PageUpdate{})
	require.NoError(t, err)
	_, err = store.TransitionPage(ctx, "p2", []crawler.PageStatus{crawler.PageDiscovered}, crawler.PageSkipped, crawler.PageUpdate{})
	require.NoError(t, err)
	require.NoError(t, store.CreateRun(ctx, crawler.Run{
		ID: "run-1", SourceID: "src-1", Status: crawler.RunRunning, StartedAt: now,
	}))
	require.NoError(t, store.ReplaceChunks(ctx, crawler.PageOwner("p1"), []crawler.Chunk{
		{ID: "c1", PageID: "p1", Index: 0, Title: "Intro", Content: "Hello", CreatedAt: now},
	}))
}

func TestProgressHandler_GetProgress(t *testing.T) {
	t.Parallel()

	server, store := newTestServer(t, &fakeSubmitter{}, nil, config.AuthConfig{})
	seedSource(t, store)

	rec := serve(server, http.MethodGet, "/v1/sources/src-1/progress", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var got crawler.Progress
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Equal(t, "src-1", got.Source.ID)
	require.Equal(t, 1, got.PageCounts[crawler.PageRelevant])
	require.Equal(t, 1, got.PageCounts[crawler.PageSkipped])
	require.Equal(t, 1, got.PageCounts[crawler.PageDiscovered])
	require.NotNil(t, got.LatestRun)
	require.Equal(t, "run-1", got.LatestRun.ID)
}

func TestProgressHandler_GetProgressWithoutRuns(t *testing.T) {
	t.Parallel()

	server, store := newTestServer(t, &fakeSubmitter{}, nil, config.AuthConfig{})
	require.NoError(t, store.CreateSource(context.Background(), crawler.Source{ID: "fresh", Kind: crawler.SourceKindWebsite}))

	rec := serve(server, http.MethodGet, "/v1/sources/fresh/progress", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotContains(t, rec.Body.String(), "latest_run")
}

func TestProgressHandler_UnknownSource(t *testing.T) {
	t.Parallel()

	server, _ := newTestServer(t, &fakeSubmitter{}, nil, config.AuthConfig{})
	require.Equal(t, http.StatusNotFound, serve(server, http.MethodGet, "/v1/sources/nope/progress", nil, nil).Code)
	require.Equal(t, http.StatusNotFound, serve(server, http.MethodGet, "/v1/sources/nope/pages", nil, nil).Code)
	require.Equal(t, http.StatusNotFound, serve(server, http.MethodGet, "/v1/pages/nope/chunks", nil, nil).Code)
}

func TestProgressHandler_ListPages(t *testing.T) {
	t.Parallel()

	server, store := newTestServer(t, &fakeSubmitter{}, nil, config.AuthConfig{})
	seedSource(t, store)

	type pagesBody struct {
		Pages []crawler.Page `json:"pages"`
		Total int            `json:"total"`
	}
	decode := func(raw []byte) pagesBody {
		var body pagesBody
		require.NoError(t, json.Unmarshal(raw, &body))
		return body
	}

	rec := serve(server, http.MethodGet, "/v1/sources/src-1/pages", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, 3, decode(rec.Body.Bytes()).Total)

	rec = serve(server, http.MethodGet, "/v1/sources/src-1/pages?status=relevant,skipped", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(rec.Body.Bytes())
	require.Equal(t, 2, body.Total)
	require.Equal(t, "p1", body.Pages[0].ID)

	rec = serve(server, http.MethodGet, "/v1/sources/src-1/pages?limit=1&offset=2", nil, nil)
	body = decode(rec.Body.Bytes())
	require.Len(t, body.Pages, 1)
	require.Equal(t, "p3", body.Pages[0].ID)

	rec = serve(server, http.MethodGet, "/v1/sources/src-1/pages?offset=10", nil, nil)
	require.Empty(t, decode(rec.Body.Bytes()).Pages)

	require.Equal(t, http.StatusBadRequest,
		serve(server, http.MethodGet, "/v1/sources/src-1/pages?status=archived", nil, nil).Code)
	require.Equal(t, http.StatusBadRequest,
		serve(server, http.MethodGet, "/v1/sources/src-1/pages?limit=0", nil, nil).Code)
}

func TestProgressHandler_ListChunks(t *testing.T) {
	t.Parallel()

	server, store := newTestServer(t, &fakeSubmitter{}, nil, config.AuthConfig{})
	seedSource(t, store)

	rec := serve(server, http.MethodGet, "/v1/pages/p1/chunks", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Chunks []crawler.Chunk `json:"chunks"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Chunks, 1)
	require.Equal(t, "Intro", body.Chunks[0].Title)

	rec = serve(server, http.MethodGet, "/v1/pages/p2/chunks", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"chunks":[]}`, rec.Body.String())
}

func TestProgressHandler_NilRepo(t *testing.T) {
	t.Parallel()

	h := NewProgressHandler(nil, nil)
	rec := httptestRecorder(h.GetProgress, "/")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func httptestRecorder(fn http.HandlerFunc, target string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	fn(rec, httptest.NewRequest(http.MethodGet, target, nil))
	return rec
}
