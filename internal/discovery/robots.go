package discovery

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/gocolly/colly/v2"
	"github.com/temoto/robotstxt"
	"go.uber.org/zap"
)

// robotsCache loads robots.txt once per host.
type robotsCache struct {
	opts   Options
	logger *zap.Logger
	cache  sync.Map
}

func newRobotsCache(opts Options, logger *zap.Logger) *robotsCache {
	return &robotsCache{opts: opts, logger: logger}
}

// rules returns the parsed robots.txt for the host of root. A fetch failure
// yields nil data, which allows every path.
func (r *robotsCache) rules(ctx context.Context, root *url.URL) *robotstxt.RobotsData {
	hostKey := strings.ToLower(root.Scheme + "://" + root.Host)
	if data, ok := r.cache.Load(hostKey); ok {
		cached, _ := data.(*robotstxt.RobotsData)
		return cached
	}
	data, err := r.load(ctx, root)
	if err != nil {
		r.logger.Warn("robots fetch failed; allowing access", zap.String("host", root.Host), zap.Error(err))
		data = nil
	}
	r.cache.Store(hostKey, data)
	return data
}

func (r *robotsCache) load(ctx context.Context, root *url.URL) (*robotstxt.RobotsData, error) {
	robotsURL := url.URL{Scheme: root.Scheme, Host: root.Host, Path: "/robots.txt"}

	c := newCollector(ctx, r.opts)
	// A 404 robots.txt means allow all, so error statuses reach OnResponse.
	c.ParseHTTPErrorResponse = true

	var (
		data     *robotstxt.RobotsData
		parseErr error
	)
	c.OnResponse(func(resp *colly.Response) {
		data, parseErr = robotstxt.FromStatusAndBytes(resp.StatusCode, resp.Body)
	})
	if err := c.Visit(robotsURL.String()); err != nil {
		return nil, fmt.Errorf("fetch robots: %w", err)
	}
	if parseErr != nil {
		return nil, fmt.Errorf("parse robots: %w", parseErr)
	}
	if data == nil {
		return nil, fmt.Errorf("fetch robots: no response from %s", robotsURL.String())
	}
	return data, nil
}

func allowed(data *robotstxt.RobotsData, userAgent, path string) bool {
	if data == nil {
		return true
	}
	group := data.FindGroup(userAgent)
	if group == nil {
		return true
	}
	return group.Test(path)
}
