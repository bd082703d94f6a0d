// Package discovery finds the crawlable pages of a website by reading its
// sitemaps and following same-site links breadth first with colly.
package discovery

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/source-ingest/internal/crawler"
)

// Options configures a Discoverer.
type Options struct {
	UserAgent   string
	MaxDepth    int
	MaxFetches  int
	MaxSitemaps int
	UseSitemap  bool
	Timeout     time.Duration
	MaxBodySize int64
	// Transport replaces the collectors' HTTP transport, mostly for tests.
	Transport http.RoundTripper
}

func (o Options) withDefaults() Options {
	if o.UserAgent == "" {
		o.UserAgent = "source-ingest/1.0"
	}
	if o.MaxDepth <= 0 {
		o.MaxDepth = 3
	}
	if o.MaxFetches <= 0 {
		o.MaxFetches = 500
	}
	if o.MaxSitemaps <= 0 {
		o.MaxSitemaps = 10
	}
	if o.Timeout <= 0 {
		o.Timeout = 15 * time.Second
	}
	if o.MaxBodySize <= 0 {
		o.MaxBodySize = 10 << 20
	}
	return o
}

var assetExtensions = []string{
	"jpg", "jpeg", "png", "gif", "svg", "webp", "ico", "bmp",
	"css", "js", "mjs", "map", "json", "xml", "rss", "atom",
	"pdf", "zip", "gz", "tar", "rar", "7z", "exe", "dmg",
	"mp3", "mp4", "avi", "mov", "webm", "wav", "ogg",
	"woff", "woff2", "ttf", "eot", "otf",
	"doc", "docx", "xls", "xlsx", "ppt", "pptx", "csv", "txt",
}

// assetURL matches URLs whose path ends in a non-page file extension.
var assetURL = regexp.MustCompile(`(?i)^[^?#]*\.(` + strings.Join(assetExtensions, "|") + `)([?#].*)?$`)

// Discoverer implements crawler.Discoverer.
type Discoverer struct {
	limiter crawler.Limiter
	opts    Options
	robots  *robotsCache
	logger  *zap.Logger
}

// New builds a Discoverer. limiter may be nil.
func New(limiter crawler.Limiter, opts Options, logger *zap.Logger) *Discoverer {
	opts = opts.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Discoverer{
		limiter: limiter,
		opts:    opts,
		robots:  newRobotsCache(opts, logger.Named("robots")),
		logger:  logger,
	}
}

// run is the state of one Discover call. Collectors are synchronous and run
// one request at a time, so it needs no locking.
type run struct {
	req      crawler.DiscoverRequest
	root     *url.URL
	exclude  []*regexp.Regexp
	known    map[string]struct{}
	found    map[string]int
	pages    []crawler.DiscoveredPage
	newCount int
	budget   int
	fetches  int
	allow    func(path string) bool
	rootErr  error
}

// Discover returns the reachable pages of req.RootURL, tagging each as new or
// already known. The number of new pages never exceeds MaxPages minus the
// number of known URLs, so repeated calls with a growing known set converge.
func (d *Discoverer) Discover(ctx context.Context, req crawler.DiscoverRequest) ([]crawler.DiscoveredPage, error) {
	rootURL, err := crawler.NormalizeURL(req.RootURL)
	if err != nil {
		return nil, fmt.Errorf("discover root: %w", err)
	}
	root, err := url.Parse(rootURL)
	if err != nil {
		return nil, fmt.Errorf("discover root: %w", err)
	}
	if root.Scheme != "http" && root.Scheme != "https" {
		return nil, fmt.Errorf("discover root: unsupported scheme %q", root.Scheme)
	}

	r := &run{
		req:     req,
		root:    root,
		exclude: CompileExclusions(req.Exclude),
		known:   make(map[string]struct{}, len(req.Known)),
		found:   make(map[string]int),
		budget:  -1,
		allow:   func(string) bool { return true },
	}
	for _, k := range req.Known {
		if norm, err := crawler.NormalizeURL(k); err == nil {
			r.known[norm] = struct{}{}
		}
	}
	if req.MaxPages > 0 {
		r.budget = max(req.MaxPages-len(r.known), 0)
	}

	var sitemapURLs []string
	if req.RespectRobots || d.opts.UseSitemap {
		data := d.robots.rules(ctx, root)
		if data != nil {
			sitemapURLs = append(sitemapURLs, data.Sitemaps...)
		}
		if req.RespectRobots {
			r.allow = func(p string) bool { return allowed(data, d.opts.UserAgent, p) }
		}
	}

	if d.opts.UseSitemap {
		if len(sitemapURLs) == 0 {
			sitemapURLs = []string{root.Scheme + "://" + root.Host + "/sitemap.xml"}
		}
		d.readSitemaps(ctx, r, sitemapURLs)
	}

	if err := d.crawlLinks(ctx, r); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("discover: %w", err)
	}
	if r.rootErr != nil && len(r.pages) == 0 {
		return nil, fmt.Errorf("discover %s: %w", rootURL, r.rootErr)
	}

	d.logger.Info("Discovery finished",
		zap.String("url", rootURL),
		zap.Int("pages", len(r.pages)),
		zap.Int("new_pages", r.newCount),
		zap.Int("fetches", r.fetches),
	)
	return r.pages, nil
}

// add records a candidate. A page title replaces an earlier anchor text when
// fromPage is set. It reports false once the new-page budget is spent.
func (r *run) add(raw, title string, fromPage bool) bool {
	norm, ok := r.accept(raw)
	if !ok {
		return true
	}
	if idx, seen := r.found[norm]; seen {
		if title != "" && (fromPage || r.pages[idx].Title == "") {
			r.pages[idx].Title = title
		}
		return true
	}
	_, isKnown := r.known[norm]
	if !isKnown {
		if r.full() {
			return false
		}
		r.newCount++
	}
	r.found[norm] = len(r.pages)
	r.pages = append(r.pages, crawler.DiscoveredPage{URL: norm, Title: title, IsNew: !isKnown})
	return true
}

func (r *run) full() bool {
	return r.budget >= 0 && r.newCount >= r.budget
}

// accept normalizes raw and applies the site, asset, exclusion and robots filters.
func (r *run) accept(raw string) (string, bool) {
	norm, err := crawler.NormalizeURL(raw)
	if err != nil {
		return "", false
	}
	u, err := url.Parse(norm)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return "", false
	}
	if !crawler.SameSite(norm, r.root.String()) {
		return "", false
	}
	if assetURL.MatchString(u.Path) {
		return "", false
	}
	for _, re := range r.exclude {
		if re.MatchString(u.Path) {
			return "", false
		}
	}
	if !r.allow(u.EscapedPath()) {
		return "", false
	}
	return norm, true
}

// CompileExclusions turns exclusion patterns into regular expressions matched
// against URL paths. Patterns that are not valid expressions match literally.
func CompileExclusions(patterns []string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		re, err := regexp.Compile(p)
		if err != nil {
			re = regexp.MustCompile(regexp.QuoteMeta(p))
		}
		out = append(out, re)
	}
	return out
}
