// Package ratelimit paces requests per domain with token buckets.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/JakeFAU/source-ingest/internal/crawler"
	"github.com/JakeFAU/source-ingest/internal/metrics"
)

// Config sets the bucket every domain starts with.
type Config struct {
	DefaultRPS   float64
	DefaultBurst int
}

// domainState is the pacing state of one host.
type domainState struct {
	bucket      *rate.Limiter
	pausedUntil time.Time
}

// Limiter is shared by discovery and the page fetchers, so every worker
// paces the same host together.
type Limiter struct {
	mu      sync.Mutex
	domains map[string]*domainState
	limit   rate.Limit
	burst   int
}

// New creates a Limiter. A non-positive rate disables pacing but keeps Pause.
func New(cfg Config) *Limiter {
	limit := rate.Inf
	if cfg.DefaultRPS > 0 {
		limit = rate.Limit(cfg.DefaultRPS)
	}
	return &Limiter{
		domains: make(map[string]*domainState),
		limit:   limit,
		burst:   max(cfg.DefaultBurst, 1),
	}
}

// state must be called with l.mu held.
func (l *Limiter) state(domain string) *domainState {
	st, ok := l.domains[domain]
	if !ok {
		st = &domainState{bucket: rate.NewLimiter(l.limit, l.burst)}
		l.domains[domain] = st
	}
	return st
}

// Wait blocks until the URL's domain is neither paused nor out of tokens.
func (l *Limiter) Wait(ctx context.Context, rawURL string) error {
	domain := domainOf(rawURL)
	l.mu.Lock()
	st := l.state(domain)
	bucket, pause := st.bucket, time.Until(st.pausedUntil)
	l.mu.Unlock()

	start := time.Now()
	if pause > 0 {
		timer := time.NewTimer(pause)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return fmt.Errorf("rate limit wait for %s: %w", domain, ctx.Err())
		case <-timer.C:
		}
	}
	if err := bucket.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait for %s: %w", domain, err)
	}
	// Immediate grants are not delays.
	if waited := time.Since(start); waited > time.Millisecond {
		metrics.ObserveRateLimitDelay(domain, waited)
	}
	return nil
}

// Pause holds every request to the URL's domain for d, for example after a 429.
// A shorter pause never cuts an existing one.
func (l *Limiter) Pause(rawURL string, d time.Duration) {
	if d <= 0 {
		return
	}
	until := time.Now().Add(d)
	l.mu.Lock()
	defer l.mu.Unlock()
	st := l.state(domainOf(rawURL))
	if until.After(st.pausedUntil) {
		st.pausedUntil = until
	}
}

func domainOf(rawURL string) string {
	if host := crawler.SiteHost(rawURL); host != "" {
		return host
	}
	return "unknown"
}
