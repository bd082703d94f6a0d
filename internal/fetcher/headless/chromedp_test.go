package headless

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/source-ingest/internal/crawler"
)

func TestNewChromedpValidation(t *testing.T) {
	t.Parallel()

	_, err := NewChromedp(Config{MaxParallel: -1}, nil, nil)
	require.Error(t, err)

	fetcher, err := NewChromedp(Config{MaxParallel: 2}, nil, nil)
	require.NoError(t, err)
	t.Cleanup(fetcher.Close)
	require.Equal(t, 2, cap(fetcher.tabs))
	require.Equal(t, defaultSettle, fetcher.cfg.SettleDelay)
	require.Equal(t, defaultNavTimeout, fetcher.cfg.NavigationTimeout)
}

func TestTimeoutForPrefersShorterRequestTimeout(t *testing.T) {
	t.Parallel()

	fetcher := &Fetcher{}
	require.Equal(t, defaultNavTimeout, fetcher.timeoutFor(crawler.FetchRequest{}))

	fetcher.cfg.NavigationTimeout = 10 * time.Second
	require.Equal(t, 10*time.Second, fetcher.timeoutFor(crawler.FetchRequest{Timeout: time.Minute}))
	require.Equal(t, 2*time.Second, fetcher.timeoutFor(crawler.FetchRequest{Timeout: 2 * time.Second}))
}

func TestOpenTabHonoursContext(t *testing.T) {
	t.Parallel()

	fetcher := &Fetcher{tabs: make(chan struct{}, 1)}
	require.NoError(t, fetcher.openTab(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, fetcher.openTab(ctx), context.Canceled)

	fetcher.closeTab()
	require.NoError(t, fetcher.openTab(context.Background()))

	unbounded := &Fetcher{}
	require.NoError(t, unbounded.openTab(ctx))
	unbounded.closeTab()
}

func TestNetworkHeaders(t *testing.T) {
	t.Parallel()

	headers := networkHeaders(http.Header{"X-Test": {"a", "b"}, "X-One": {"1"}, "X-None": {}})
	require.Equal(t, []string{"a", "b"}, headers["X-Test"])
	require.Equal(t, "1", headers["X-One"])
	require.NotContains(t, headers, "X-None")
}

func TestDocumentResponseKeepsFirstDocument(t *testing.T) {
	t.Parallel()

	doc := &documentResponse{}
	doc.observe(&network.EventResponseReceived{
		Type:     network.ResourceTypeScript,
		Response: &network.Response{Status: 404, URL: "https://example.com/app.js"},
	})
	doc.observe(&network.EventResponseReceived{
		Type: network.ResourceTypeDocument,
		Response: &network.Response{
			Status:  203,
			URL:     "https://example.com/rendered",
			Headers: network.Headers{"X-Request-ID": "abc"},
		},
	})
	doc.observe(&network.EventResponseReceived{
		Type:     network.ResourceTypeDocument,
		Response: &network.Response{Status: 500, URL: "https://ads.example.net/frame"},
	})

	status, headers, url := doc.result("https://req", "https://final")
	require.Equal(t, 203, status)
	require.Equal(t, "abc", headers.Get("X-Request-ID"))
	require.Equal(t, "https://example.com/rendered", url)
}

func TestDocumentResponseFallbacks(t *testing.T) {
	t.Parallel()

	status, headers, url := (&documentResponse{}).result("https://req", "https://final")
	require.Equal(t, http.StatusOK, status)
	require.NotNil(t, headers)
	require.Equal(t, "https://final", url)

	_, _, url = (&documentResponse{}).result("https://req", "")
	require.Equal(t, "https://req", url)
}
