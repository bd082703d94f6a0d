// Package headless renders JavaScript-driven pages in headless Chrome so
// their text can be extracted like any server-rendered page.
package headless

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/JakeFAU/source-ingest/internal/crawler"
)

const (
	defaultNavTimeout = 45 * time.Second
	defaultSettle     = 3 * time.Second
	textPollInterval  = 250 * time.Millisecond
	textLengthScript  = `document.body ? document.body.innerText.length : 0`
)

// Config controls the behavior of the headless fetcher.
type Config struct {
	// MaxParallel caps concurrent tabs. Zero leaves it unbounded.
	MaxParallel       int
	UserAgent         string
	NavigationTimeout time.Duration
	// SettleDelay bounds how long to wait for client scripts to stop adding text.
	SettleDelay time.Duration
	ExecPath    string
}

// Fetcher implements crawler.Fetcher on one shared Chrome process.
type Fetcher struct {
	cfg         Config
	tabs        chan struct{}
	rate        crawler.Limiter
	logger      *zap.Logger
	allocator   context.Context
	allocCancel context.CancelFunc
}

// NewChromedp creates a headless fetcher. Chrome starts lazily on the first
// Fetch. rate may be nil.
func NewChromedp(cfg Config, rate crawler.Limiter, logger *zap.Logger) (*Fetcher, error) {
	if cfg.MaxParallel < 0 {
		return nil, errors.New("max parallel must be >= 0")
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = defaultNavTimeout
	}
	if cfg.SettleDelay <= 0 {
		cfg.SettleDelay = defaultSettle
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	var tabs chan struct{}
	if cfg.MaxParallel > 0 {
		tabs = make(chan struct{}, cfg.MaxParallel)
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("blink-settings", "imagesEnabled=false"),
		chromedp.Flag("mute-audio", true),
		chromedp.Flag("enable-automation", false),
	)
	if cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ExecPath))
	}
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)

	return &Fetcher{
		cfg:         cfg,
		tabs:        tabs,
		rate:        rate,
		logger:      logger,
		allocator:   allocCtx,
		allocCancel: allocCancel,
	}, nil
}

// Close stops Chrome.
func (f *Fetcher) Close() {
	f.allocCancel()
}

// Fetch renders the page and returns the resulting DOM as the body.
func (f *Fetcher) Fetch(ctx context.Context, request crawler.FetchRequest) (crawler.FetchResponse, error) {
	if err := f.openTab(ctx); err != nil {
		return crawler.FetchResponse{}, err
	}
	defer f.closeTab()
	if f.rate != nil {
		if err := f.rate.Wait(ctx, request.URL); err != nil {
			return crawler.FetchResponse{}, fmt.Errorf("rate limit wait: %w", err)
		}
	}

	tabCtx, tabCancel := chromedp.NewContext(f.allocator)
	defer tabCancel()
	tabCtx, cancel := context.WithTimeout(tabCtx, f.timeoutFor(request))
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	doc := &documentResponse{}
	chromedp.ListenTarget(tabCtx, doc.observe)

	start := time.Now()
	var html, location string
	err := chromedp.Run(tabCtx,
		f.prepareTab(request.Headers),
		chromedp.Navigate(request.URL),
		chromedp.WaitReady("body", chromedp.ByQuery),
		waitForStableText(f.cfg.SettleDelay),
		chromedp.Location(&location),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	)
	if err != nil {
		return crawler.FetchResponse{}, fmt.Errorf("render %s: %w", request.URL, err)
	}
	elapsed := time.Since(start)
	f.logger.Debug("page rendered", zap.String("url", request.URL), zap.Duration("duration", elapsed))

	status, headers, finalURL := doc.result(request.URL, location)
	return crawler.FetchResponse{
		URL:          finalURL,
		StatusCode:   status,
		Headers:      headers,
		Body:         []byte(html),
		Duration:     elapsed,
		UsedHeadless: true,
	}, nil
}

func (f *Fetcher) timeoutFor(request crawler.FetchRequest) time.Duration {
	timeout := f.cfg.NavigationTimeout
	if timeout <= 0 {
		timeout = defaultNavTimeout
	}
	if request.Timeout > 0 && request.Timeout < timeout {
		timeout = request.Timeout
	}
	return timeout
}

func (f *Fetcher) prepareTab(headers http.Header) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if f.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(f.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		if len(headers) > 0 {
			if err := network.SetExtraHTTPHeaders(networkHeaders(headers)).Do(ctx); err != nil {
				return fmt.Errorf("set extra headers: %w", err)
			}
		}
		return nil
	})
}

// waitForStableText polls the visible text length until two reads agree or
// the budget runs out. Client-rendered pages keep growing for a while after
// the body exists.
func waitForStableText(budget time.Duration) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		deadline := time.Now().Add(budget)
		last := -1
		for time.Now().Before(deadline) {
			var length int
			if err := chromedp.Evaluate(textLengthScript, &length).Do(ctx); err != nil {
				return fmt.Errorf("measure text: %w", err)
			}
			if length > 0 && length == last {
				return nil
			}
			last = length
			if err := chromedp.Sleep(textPollInterval).Do(ctx); err != nil {
				return fmt.Errorf("settle wait: %w", err)
			}
		}
		return nil
	})
}

func (f *Fetcher) openTab(ctx context.Context) error {
	if f.tabs == nil {
		return nil
	}
	select {
	case f.tabs <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for headless tab: %w", ctx.Err())
	}
}

func (f *Fetcher) closeTab() {
	if f.tabs == nil {
		return
	}
	select {
	case <-f.tabs:
	default:
	}
}

// documentResponse keeps the first document response of a tab. Iframes
// arrive later as documents too and must not replace the page itself.
type documentResponse struct {
	mu      sync.Mutex
	seen    bool
	status  int
	headers http.Header
	url     string
}

func (d *documentResponse) observe(ev any) {
	event, ok := ev.(*network.EventResponseReceived)
	if !ok || event.Type != network.ResourceTypeDocument || event.Response == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.seen {
		return
	}
	d.seen = true
	d.status = int(event.Response.Status)
	d.url = event.Response.URL
	d.headers = make(http.Header, len(event.Response.Headers))
	for key, value := range event.Response.Headers {
		switch v := value.(type) {
		case string:
			d.headers.Add(key, v)
		case []any:
			for _, entry := range v {
				d.headers.Add(key, fmt.Sprint(entry))
			}
		default:
			d.headers.Add(key, fmt.Sprint(v))
		}
	}
}

// result falls back to the browser location, then the requested URL, and
// assumes 200 when no document response was observed.
func (d *documentResponse) result(requestURL, location string) (int, http.Header, string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	status, url := d.status, d.url
	headers := d.headers.Clone()
	if headers == nil {
		headers = http.Header{}
	}
	if url == "" {
		url = location
	}
	if url == "" {
		url = requestURL
	}
	if status == 0 {
		status = http.StatusOK
	}
	return status, headers, url
}

func networkHeaders(h http.Header) network.Headers {
	headers := network.Headers{}
	for key, values := range h {
		switch len(values) {
		case 0:
		case 1:
			headers[key] = values[0]
		default:
			headers[key] = append([]string(nil), values...)
		}
	}
	return headers
}
