package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/source-ingest/internal/config"
	"github.com/JakeFAU/source-ingest/internal/crawler"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Logging.Development = false
	cfg.Logging.Level = "error"
	cfg.LLM.Provider = "ollama"
	cfg.HTTP.IgnoreRobots = true
	cfg.HTTP.RatePerSecond = 0
	cfg.Worker.Concurrency = 1
	return &cfg
}

func TestBuildWithMemoryBackends(t *testing.T) {
	cfg := testConfig(t)
	cfg.Storage.Backend = "memory"

	app, err := Build(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, app.Close(context.Background())) })

	require.NotNil(t, app.memQueue)
	require.Nil(t, app.pgStore)
	require.NotNil(t, app.blobs)

	rec := httptest.NewRecorder()
	app.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestBuildWithRedisQueue(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig(t)
	cfg.Queue.Backend = "redis"
	cfg.Queue.Redis.Addr = mr.Addr()

	app, err := Build(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, app.Close(context.Background())) })

	require.NotNil(t, app.redisQ)
	require.NoError(t, app.ready(context.Background()))

	mr.Close()
	require.Error(t, app.ready(context.Background()))
}

func TestBuildRejectsBadSettings(t *testing.T) {
	cfg := testConfig(t)
	cfg.LLM.Provider = "mystery"
	_, err := Build(context.Background(), cfg)
	require.ErrorContains(t, err, "llm init failed")

	cfg = testConfig(t)
	cfg.Schedule.Enabled = true
	cfg.Schedule.Cron = "not a cron"
	_, err = Build(context.Background(), cfg)
	require.ErrorContains(t, err, "scheduler init failed")
}

func TestAddSourceNormalizesURL(t *testing.T) {
	app, err := Build(context.Background(), testConfig(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Close(context.Background()) })

	source, err := app.AddSource(context.Background(), crawler.Source{URL: "HTTPS://Example.com/docs/", Niche: "go"})
	require.NoError(t, err)
	require.NotEmpty(t, source.ID)
	require.Equal(t, crawler.SourceKindWebsite, source.Kind)
	require.Equal(t, crawler.CrawlIdle, source.CrawlStatus)
	require.Equal(t, "example.com", source.Domain)

	stored, err := app.Store().GetSource(context.Background(), source.ID)
	require.NoError(t, err)
	require.Equal(t, source.URL, stored.URL)

	_, err = app.AddSource(context.Background(), crawler.Source{URL: "::not a url"})
	require.Error(t, err)
}

func TestRunCrawlWaitsForWebpageToSettle(t *testing.T) {
	site := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte("<html><body><p>too short</p></body></html>"))
	}))
	t.Cleanup(site.Close)

	app, err := Build(context.Background(), testConfig(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Close(context.Background()) })

	source, err := app.AddSource(context.Background(), crawler.Source{Kind: crawler.SourceKindWebpage, URL: site.URL + "/page"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	settled, err := app.RunCrawl(ctx, source.ID, false)
	require.NoError(t, err)
	require.Equal(t, crawler.CrawlFailed, settled.CrawlStatus)
	require.NotNil(t, settled.LastError)
}

func TestRunCrawlUnknownSource(t *testing.T) {
	app, err := Build(context.Background(), testConfig(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Close(context.Background()) })

	_, err = app.RunCrawl(context.Background(), "missing", false)
	require.ErrorIs(t, err, crawler.ErrNotFound)
}
