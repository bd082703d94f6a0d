package discovery

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"

	"github.com/gocolly/colly/v2"
	"github.com/gocolly/colly/v2/queue"
	"go.uber.org/zap"
)

var errNotHTML = errors.New("root is not an HTML page")

// newCollector builds a synchronous collector bound to ctx.
func newCollector(ctx context.Context, opts Options, options ...colly.CollectorOption) *colly.Collector {
	base := []colly.CollectorOption{
		colly.UserAgent(opts.UserAgent),
		colly.StdlibContext(ctx),
		colly.MaxBodySize(int(opts.MaxBodySize)),
	}
	c := colly.NewCollector(append(base, options...)...)
	c.SetRequestTimeout(opts.Timeout)
	if opts.Transport != nil {
		c.WithTransport(opts.Transport)
	}
	return c
}

// allowedDomains lists the host of root with and without its www prefix.
func allowedDomains(host string) []string {
	bare := strings.TrimPrefix(strings.ToLower(host), "www.")
	return []string{bare, "www." + bare}
}

// urlFilters turns path exclusions into full-URL filters for colly. Path
// anchors are rewritten to sit right after the host.
func urlFilters(exclude []*regexp.Regexp) []*regexp.Regexp {
	filters := []*regexp.Regexp{regexp.MustCompile(`(?i)^[^?#]*\.(` + strings.Join(assetExtensions, "|") + `)([?#].*)?$`)}
	for _, re := range exclude {
		src := re.String()
		var full string
		if rest, anchored := strings.CutPrefix(src, "^"); anchored {
			full = `^[a-zA-Z][a-zA-Z0-9+.-]*://[^/?#]+` + rest
		} else {
			full = `^[a-zA-Z][a-zA-Z0-9+.-]*://[^/?#]+[^?#]*?` + src
		}
		if compiled, err := regexp.Compile(full); err == nil {
			filters = append(filters, compiled)
		}
	}
	return filters
}

// crawlLinks walks same-site links breadth first from the root. Pages are
// added as they are fetched and links as they are seen. Links on pages
// MaxDepth hops from the root are not followed.
func (d *Discoverer) crawlLinks(ctx context.Context, r *run) error {
	c := newCollector(ctx, d.opts,
		colly.AllowedDomains(allowedDomains(r.root.Hostname())...),
		// Colly counts the root as depth 1.
		colly.MaxDepth(d.opts.MaxDepth+1),
		colly.DisallowedURLFilters(urlFilters(r.exclude)...),
	)

	q, err := queue.New(1, &queue.InMemoryQueueStorage{MaxSize: max(d.opts.MaxFetches*4, 1000)})
	if err != nil {
		return fmt.Errorf("discovery queue: %w", err)
	}
	queued := map[string]struct{}{}

	c.OnRequest(func(req *colly.Request) {
		if ctx.Err() != nil || r.full() || r.fetches >= d.opts.MaxFetches {
			req.Abort()
			return
		}
		if _, ok := r.accept(req.URL.String()); !ok {
			req.Abort()
			return
		}
		if d.limiter != nil {
			if err := d.limiter.Wait(ctx, req.URL.String()); err != nil {
				req.Abort()
				return
			}
		}
		r.fetches++
	})

	c.OnError(func(resp *colly.Response, err error) {
		if resp.Request.Depth <= 1 && r.rootErr == nil {
			if resp.StatusCode != 0 {
				err = fmt.Errorf("status %d: %w", resp.StatusCode, err)
			}
			r.rootErr = err
		}
		d.logger.Debug("Discovery fetch failed",
			zap.String("url", resp.Request.URL.String()),
			zap.Int("status_code", resp.StatusCode),
			zap.Error(err),
		)
	})

	c.OnResponse(func(resp *colly.Response) {
		contentType := strings.ToLower(resp.Headers.Get("Content-Type"))
		if !strings.Contains(contentType, "html") {
			if resp.Request.Depth <= 1 && r.rootErr == nil {
				r.rootErr = errNotHTML
			}
			return
		}
		r.add(resp.Request.URL.String(), "", true)
	})

	c.OnHTML("head > title", func(e *colly.HTMLElement) {
		if title := strings.TrimSpace(e.Text); title != "" {
			r.add(e.Request.URL.String(), title, true)
		}
	})

	c.OnHTML("a[href]", func(e *colly.HTMLElement) {
		if e.Request.Depth > d.opts.MaxDepth {
			return
		}
		link := e.Request.AbsoluteURL(e.Attr("href"))
		if link == "" {
			return
		}
		if !r.add(link, strings.TrimSpace(e.Text), false) {
			return
		}
		norm, ok := r.accept(link)
		if !ok {
			return
		}
		if _, seen := queued[norm]; seen {
			return
		}
		target, err := url.Parse(norm)
		if err != nil {
			return
		}
		queued[norm] = struct{}{}
		if err := q.AddRequest(&colly.Request{
			URL:     target,
			Method:  http.MethodGet,
			Depth:   e.Request.Depth + 1,
			Headers: &http.Header{},
		}); err != nil {
			d.logger.Debug("Discovery queue full", zap.String("url", norm), zap.Error(err))
		}
	})

	rootURL := r.root.String()
	queued[rootURL] = struct{}{}
	if err := q.AddRequest(&colly.Request{
		URL:     r.root,
		Method:  http.MethodGet,
		Depth:   1,
		Headers: &http.Header{},
	}); err != nil {
		return fmt.Errorf("discovery queue: %w", err)
	}
	if err := q.Run(c); err != nil {
		return fmt.Errorf("discovery crawl: %w", err)
	}
	return nil
}

// readSitemaps adds the page URLs listed in sitemaps, following sitemap
// indexes up to MaxSitemaps documents.
func (d *Discoverer) readSitemaps(ctx context.Context, r *run, sitemapURLs []string) {
	c := newCollector(ctx, d.opts)
	read := 0

	c.OnRequest(func(req *colly.Request) {
		if ctx.Err() != nil || r.full() || read >= d.opts.MaxSitemaps {
			req.Abort()
			return
		}
		if d.limiter != nil {
			if err := d.limiter.Wait(ctx, req.URL.String()); err != nil {
				req.Abort()
				return
			}
		}
		read++
	})
	c.OnError(func(resp *colly.Response, err error) {
		d.logger.Debug("Sitemap fetch failed",
			zap.String("url", resp.Request.URL.String()),
			zap.Int("status_code", resp.StatusCode),
			zap.Error(err),
		)
	})
	c.OnXML("//urlset/url/loc", func(e *colly.XMLElement) {
		r.add(strings.TrimSpace(e.Text), "", false)
	})
	c.OnXML("//sitemapindex/sitemap/loc", func(e *colly.XMLElement) {
		child := strings.TrimSpace(e.Text)
		if err := c.Visit(child); err != nil && !alreadyVisited(err) {
			d.logger.Debug("Skipping sitemap", zap.String("url", child), zap.Error(err))
		}
	})

	for _, sm := range sitemapURLs {
		if err := c.Visit(sm); err != nil && !alreadyVisited(err) {
			d.logger.Debug("Skipping sitemap", zap.String("url", sm), zap.Error(err))
		}
	}
}

func alreadyVisited(err error) bool {
	var visited *colly.AlreadyVisitedError
	return errors.As(err, &visited)
}
