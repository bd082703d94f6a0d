package crawler

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCanTransitionCrawl(t *testing.T) {
	t.Parallel()

	cases := []struct {
		from, to CrawlStatus
		want     bool
	}{
		{CrawlIdle, CrawlDiscovering, true},
		{"", CrawlDiscovering, true},
		{CrawlCompleted, CrawlDiscovering, true},
		{CrawlFailed, CrawlDiscovering, true},
		{CrawlDiscovering, CrawlScoring, true},
		{CrawlScoring, CrawlScraping, true},
		{CrawlScraping, CrawlCompleted, true},
		{CrawlScraping, CrawlFailed, true},
		{CrawlDiscovering, CrawlFailed, true},
		{CrawlScraping, CrawlScraping, true},
		{CrawlScraping, CrawlDiscovering, false},
		{CrawlCompleted, CrawlScraping, true},
		{CrawlIdle, CrawlFailed, true},
		{CrawlCompleted, CrawlScoring, false},
		{CrawlScraping, CrawlScoring, false},
		{CrawlIdle, CrawlCompleted, false},
		{CrawlScoring, CrawlDiscovering, false},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, CanTransitionCrawl(tc.from, tc.to), "%s -> %s", tc.from, tc.to)
	}
}

func TestValidateCrawlTransitionWrapsSentinel(t *testing.T) {
	t.Parallel()

	err := ValidateCrawlTransition(CrawlCompleted, CrawlScoring)
	require.ErrorIs(t, err, ErrIllegalTransition)
	require.NoError(t, ValidateCrawlTransition(CrawlIdle, CrawlDiscovering))
}

func TestCrawlSourcesFor(t *testing.T) {
	t.Parallel()

	require.Equal(t, []CrawlStatus{CrawlCompleted, CrawlFailed, CrawlIdle}, CrawlSourcesFor(CrawlDiscovering))
	require.Equal(t, []CrawlStatus{CrawlCompleted, CrawlDiscovering, CrawlIdle, CrawlScoring, CrawlScraping}, CrawlSourcesFor(CrawlFailed))
	require.Equal(t, []CrawlStatus{CrawlScraping}, CrawlSourcesFor(CrawlCompleted))
}

func TestCrawlStatusAtRest(t *testing.T) {
	t.Parallel()

	for _, s := range RestingCrawlStatuses {
		require.True(t, s.AtRest(), s)
	}
	for _, s := range LiveCrawlStatuses {
		require.False(t, s.AtRest(), s)
	}
}

func TestCanTransitionPage(t *testing.T) {
	t.Parallel()

	cases := []struct {
		from, to PageStatus
		want     bool
	}{
		{PageDiscovered, PageRelevant, true},
		{PageDiscovered, PageSkipped, true},
		{PageRelevant, PageScraping, true},
		{PageScraping, PageScraped, true},
		{PageScraping, PageFailed, true},
		{PageRelevant, PageFailed, true},
		{PageScraped, PageRelevant, true},
		{PageFailed, PageRelevant, true},
		{PageScraped, PageScraped, true},
		{PageScraped, PageScraping, false},
		{PageScraping, PageRelevant, false},
		{PageSkipped, PageScraping, false},
		{PageDiscovered, PageScraped, false},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, CanTransitionPage(tc.from, tc.to), "%s -> %s", tc.from, tc.to)
	}
	require.ErrorIs(t, ValidatePageTransition(PageScraped, PageScraping), ErrIllegalTransition)
}

func TestValidateTransitionsChecksEverySource(t *testing.T) {
	t.Parallel()

	require.NoError(t, ValidatePageTransitions([]PageStatus{PageScraped, PageFailed}, PageRelevant))
	require.ErrorIs(t, ValidatePageTransitions([]PageStatus{PageFailed, PageScraped}, PageDiscovered), ErrIllegalTransition)
	require.NoError(t, ValidateCrawlTransitions(LiveCrawlStatuses, CrawlFailed))
	require.ErrorIs(t, ValidateCrawlTransitions(RestingCrawlStatuses, CrawlCompleted), ErrIllegalTransition)
}

func TestPageStatusTerminal(t *testing.T) {
	t.Parallel()

	require.True(t, PageScraped.Terminal())
	require.True(t, PageFailed.Terminal())
	require.False(t, PageScraping.Terminal())
	require.False(t, PageRelevant.Terminal())
}

func TestPermanent(t *testing.T) {
	t.Parallel()

	require.NoError(t, Permanent(nil))
	base := errors.New("boom")
	err := Permanent(base)
	require.ErrorIs(t, err, ErrPermanent)
	require.ErrorIs(t, err, base)
}

func TestRetryPolicy(t *testing.T) {
	t.Parallel()

	policy := NewExponentialRetryPolicy(time.Hour)
	item := QueueItem{Attempt: 1, MaxAttempts: 2, Backoff: 30 * time.Second}

	require.True(t, policy.ShouldRetry(errors.New("flaky"), item))
	require.False(t, policy.ShouldRetry(Permanent(errors.New("bad payload")), item))
	require.False(t, policy.ShouldRetry(nil, item))
	require.Equal(t, 30*time.Second, policy.Backoff(item))

	item.Attempt = 2
	require.False(t, policy.ShouldRetry(errors.New("flaky"), item))
	require.Equal(t, time.Minute, policy.Backoff(item))

	item.Attempt = 20
	require.Equal(t, time.Hour, policy.Backoff(item))
}
