package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/source-ingest/internal/crawler"
)

type fakeApp struct {
	added      []crawler.Source
	crawled    string
	incr       bool
	ran        bool
	closed     bool
	crawlErr   error
	crawlState crawler.CrawlStatus
}

func (f *fakeApp) Run(context.Context) error {
	f.ran = true
	return context.Canceled
}

func (f *fakeApp) RunCrawl(_ context.Context, sourceID string, incremental bool) (crawler.Source, error) {
	f.crawled, f.incr = sourceID, incremental
	if f.crawlErr != nil {
		return crawler.Source{}, f.crawlErr
	}
	return crawler.Source{ID: sourceID, CrawlStatus: f.crawlState}, nil
}

func (f *fakeApp) AddSource(_ context.Context, source crawler.Source) (crawler.Source, error) {
	source.ID = "src-1"
	f.added = append(f.added, source)
	return source, nil
}

func (f *fakeApp) Close(context.Context) error {
	f.closed = true
	return nil
}

func execute(t *testing.T, app *fakeApp, args ...string) (string, error) {
	t.Helper()
	prev := newApp
	newApp = func(context.Context, string) (App, error) { return app, nil }
	t.Cleanup(func() { newApp = prev })

	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestSourcesAdd(t *testing.T) {
	app := &fakeApp{}
	out, err := execute(t, app, "sources", "add",
		"--url", "https://example.com", "--niche", "golang", "--max-pages", "25",
		"--exclude", "/tag/*,/login", "--auto-refresh")
	require.NoError(t, err)
	require.True(t, app.closed)
	require.Len(t, app.added, 1)

	added := app.added[0]
	require.Equal(t, crawler.SourceKindWebsite, added.Kind)
	require.Equal(t, "golang", added.Niche)
	require.Equal(t, 25, added.Constraints.MaxPages)
	require.Equal(t, []string{"/tag/*", "/login"}, added.Constraints.ExcludePaths)
	require.True(t, added.Constraints.AutoRefresh)
	require.True(t, added.Constraints.RespectRobots)

	var printed crawler.Source
	require.NoError(t, json.Unmarshal([]byte(out), &printed))
	require.Equal(t, "src-1", printed.ID)
}

func TestSourcesAddRejectsUnknownKind(t *testing.T) {
	app := &fakeApp{}
	_, err := execute(t, app, "sources", "add", "--url", "https://example.com/doc.pdf", "--kind", "document")
	require.ErrorContains(t, err, "unsupported source kind")
	require.Empty(t, app.added)
}

func TestCrawlDefaultsToIncremental(t *testing.T) {
	app := &fakeApp{crawlState: crawler.CrawlCompleted}
	out, err := execute(t, app, "crawl", "--source", "src-9")
	require.NoError(t, err)
	require.Equal(t, "src-9", app.crawled)
	require.True(t, app.incr)
	require.Contains(t, out, `"crawl_status": "completed"`)

	app = &fakeApp{}
	_, err = execute(t, app, "crawl", "--source", "src-9", "--full")
	require.NoError(t, err)
	require.False(t, app.incr)
}

func TestCrawlPropagatesErrors(t *testing.T) {
	app := &fakeApp{crawlErr: crawler.ErrCrawlInProgress}
	_, err := execute(t, app, "crawl", "--source", "src-9")
	require.ErrorIs(t, err, crawler.ErrCrawlInProgress)

	_, err = execute(t, &fakeApp{}, "crawl")
	require.Error(t, err)
}

func TestServeTreatsCancelAsCleanExit(t *testing.T) {
	app := &fakeApp{}
	_, err := execute(t, app, "serve")
	require.NoError(t, err)
	require.True(t, app.ran)
}

func TestAppFactoryErrorsSurface(t *testing.T) {
	prev := newApp
	newApp = func(context.Context, string) (App, error) { return nil, errors.New("no config") }
	t.Cleanup(func() { newApp = prev })

	root := newRootCmd()
	root.SetArgs([]string{"serve"})
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	err := root.ExecuteContext(context.Background())
	require.ErrorContains(t, err, "failed to initialize application services")
}
