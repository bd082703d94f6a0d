// Package collyfetcher implements the static page Fetcher on gocolly.
package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/source-ingest/internal/crawler"
)

const (
	defaultTimeout    = 15 * time.Second
	defaultRetryAfter = 30 * time.Second
	maxRetryAfter     = 10 * time.Minute
)

// ErrBlockedByRobots is returned when robots.txt disallows the URL.
var ErrBlockedByRobots = errors.New("blocked by robots.txt")

// Config controls collector behavior.
type Config struct {
	UserAgent string
	// RespectRobots applies when a request does not carry its own preference.
	RespectRobots bool
	Timeout       time.Duration
	MaxBodySize   int
}

// Fetcher implements crawler.Fetcher. Each Fetch clones a shared base
// collector so connections are pooled across pages.
type Fetcher struct {
	cfg       Config
	transport http.RoundTripper
	base      *colly.Collector
	limiter   crawler.Limiter
	logger    *zap.Logger
}

// pauser is implemented by limiters that can hold a whole domain.
type pauser interface {
	Pause(rawURL string, d time.Duration)
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Fetcher. limiter may be nil.
func New(cfg Config, limiter crawler.Limiter, logger *zap.Logger) *Fetcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	opts := []colly.CollectorOption{colly.Async(false), colly.AllowURLRevisit()}
	if cfg.MaxBodySize > 0 {
		opts = append(opts, colly.MaxBodySize(cfg.MaxBodySize))
	}
	base := colly.NewCollector(opts...)
	transport := newHTTPTransport()
	base.WithTransport(transport)

	return &Fetcher{
		cfg:       cfg,
		transport: transport,
		base:      base,
		limiter:   limiter,
		logger:    logger,
	}
}

// visit carries the outcome of one collector run.
type visit struct {
	request crawler.FetchRequest
	start   time.Time
	result  crawler.FetchResponse
	err     error
	// throttle is set when the host answered 429 or 503.
	throttle time.Duration
	robots   *robotsFallback
}

// Fetch performs one GET. Error statuses surface as errors that keep the code.
func (f *Fetcher) Fetch(ctx context.Context, request crawler.FetchRequest) (crawler.FetchResponse, error) {
	if f.limiter != nil {
		if err := f.limiter.Wait(ctx, request.URL); err != nil {
			return crawler.FetchResponse{}, fmt.Errorf("rate limit wait: %w", err)
		}
	}
	v := &visit{request: request, start: time.Now()}
	collector := f.collectorFor(v)

	if err := f.run(ctx, collector, v); err != nil {
		if p, ok := f.limiter.(pauser); ok && v.throttle > 0 {
			p.Pause(request.URL, v.throttle)
			f.logger.Info("host throttled, pausing domain",
				zap.String("url", request.URL), zap.Duration("pause", v.throttle))
		}
		return crawler.FetchResponse{}, err
	}
	if v.robots != nil && v.robots.used {
		f.logger.Warn("robots.txt unreadable, treated as allow-all",
			zap.String("url", request.URL),
			zap.String("reason", v.robots.reason),
		)
	}
	return v.result, nil
}

func (f *Fetcher) respectRobots(request crawler.FetchRequest) bool {
	if request.RespectRobotsProvided {
		return request.RespectRobots
	}
	return f.cfg.RespectRobots
}

func (f *Fetcher) collectorFor(v *visit) *colly.Collector {
	collector := f.base.Clone()
	if f.cfg.UserAgent != "" {
		collector.UserAgent = f.cfg.UserAgent
	}
	timeout := v.request.Timeout
	if timeout <= 0 {
		timeout = f.cfg.Timeout
	}
	collector.SetRequestTimeout(timeout)

	respect := f.respectRobots(v.request)
	collector.IgnoreRobotsTxt = !respect
	if respect {
		v.robots = newRobotsFallback(f.transport)
		collector.WithTransport(v.robots)
	} else {
		collector.WithTransport(f.transport)
	}

	v.attach(collector)
	return collector
}

func (v *visit) attach(hooks collectorHooks) {
	hooks.OnRequest(func(r *colly.Request) {
		for key, values := range v.request.Headers {
			for _, value := range values {
				r.Headers.Add(key, value)
			}
		}
	})

	hooks.OnResponse(func(r *colly.Response) {
		v.result = crawler.FetchResponse{
			URL:        r.Request.URL.String(),
			StatusCode: r.StatusCode,
			Headers:    r.Headers.Clone(),
			Body:       append([]byte(nil), r.Body...),
			Duration:   time.Since(v.start),
		}
	})

	hooks.OnError(func(r *colly.Response, err error) {
		if r != nil && r.StatusCode > 0 {
			if r.StatusCode == http.StatusTooManyRequests || r.StatusCode == http.StatusServiceUnavailable {
				var retryAfter string
				if r.Headers != nil {
					retryAfter = r.Headers.Get("Retry-After")
				}
				v.throttle = parseRetryAfter(retryAfter)
			}
			v.err = fmt.Errorf("http status %d: %w", r.StatusCode, err)
			return
		}
		v.err = err
	})
}

func (f *Fetcher) run(ctx context.Context, collector *colly.Collector, v *visit) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(v.request.URL)
	}()

	var err error
	select {
	case <-ctx.Done():
		return fmt.Errorf("fetch %s canceled: %w", v.request.URL, ctx.Err())
	case err = <-done:
	}
	switch {
	case errors.Is(err, colly.ErrRobotsTxtBlocked):
		return fmt.Errorf("fetch %s: %w", v.request.URL, ErrBlockedByRobots)
	case v.err != nil:
		return fmt.Errorf("fetch %s: %w", v.request.URL, v.err)
	case err != nil:
		return fmt.Errorf("visit %s: %w", v.request.URL, err)
	}
	return nil
}

// parseRetryAfter reads a delay-seconds Retry-After value. HTTP dates and
// missing values fall back to defaultRetryAfter.
func parseRetryAfter(value string) time.Duration {
	secs, err := strconv.Atoi(value)
	if err != nil || secs <= 0 {
		return defaultRetryAfter
	}
	return min(time.Duration(secs)*time.Second, maxRetryAfter)
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: time.Second,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   8,
		IdleConnTimeout:       90 * time.Second,
	}
}
