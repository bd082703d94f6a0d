package collyfetcher

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func noSleep(context.Context, time.Duration) error { return nil }

func TestRobotsTimeoutFallsBackToAllowAll(t *testing.T) {
	t.Parallel()

	base := &stubRoundTripper{results: []roundTripResult{{err: context.DeadlineExceeded}}}
	rf := newRobotsFallback(base)
	var delays []time.Duration
	rf.sleep = func(_ context.Context, d time.Duration) error {
		delays = append(delays, d)
		return nil
	}

	resp, err := rf.RoundTrip(httptest.NewRequest(http.MethodGet, "https://example.com/robots.txt", nil))
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, allowAllRobots, string(body))
	require.True(t, rf.used)
	require.Equal(t, reasonTimeout, rf.reason)
	require.Equal(t, robotsRetries+1, base.calls)
	require.Equal(t, []time.Duration{250 * time.Millisecond, 500 * time.Millisecond, time.Second}, delays)
}

func TestRobotsServerErrorFallsBackWithoutRetry(t *testing.T) {
	t.Parallel()

	base := &stubRoundTripper{results: []roundTripResult{{resp: statusResponse(http.StatusServiceUnavailable)}}}
	rf := newRobotsFallback(base)
	rf.sleep = noSleep

	resp, err := rf.RoundTrip(httptest.NewRequest(http.MethodGet, "https://example.com/ROBOTS.TXT", nil))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, 1, base.calls)
	require.Equal(t, "robots.txt returned status 503", rf.reason)
}

func TestRobotsRetryStopsAfterSuccess(t *testing.T) {
	t.Parallel()

	base := &stubRoundTripper{results: []roundTripResult{
		{err: context.DeadlineExceeded},
		{resp: statusResponse(http.StatusNotFound)},
	}}
	rf := newRobotsFallback(base)
	rf.sleep = noSleep

	resp, err := rf.RoundTrip(httptest.NewRequest(http.MethodGet, "https://example.com/robots.txt", nil))
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	require.Equal(t, 2, base.calls)
	require.False(t, rf.used)
}

func TestRobotsHardErrorsAreReturned(t *testing.T) {
	t.Parallel()

	base := &stubRoundTripper{results: []roundTripResult{{err: errors.New("connection refused")}}}
	rf := newRobotsFallback(base)
	rf.sleep = noSleep

	_, err := rf.RoundTrip(httptest.NewRequest(http.MethodGet, "https://example.com/robots.txt", nil))
	require.ErrorContains(t, err, "connection refused")
	require.False(t, rf.used)
}

func TestRobotsBackoffHonorsContext(t *testing.T) {
	t.Parallel()

	base := &stubRoundTripper{results: []roundTripResult{{err: context.DeadlineExceeded}}}
	rf := newRobotsFallback(base)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	req := httptest.NewRequest(http.MethodGet, "https://example.com/robots.txt", nil).WithContext(ctx)
	_, err := rf.RoundTrip(req)
	require.ErrorIs(t, err, context.Canceled)
}

func TestPageRequestsPassThrough(t *testing.T) {
	t.Parallel()

	base := &stubRoundTripper{results: []roundTripResult{{resp: statusResponse(http.StatusOK)}}}
	rf := newRobotsFallback(base)

	resp, err := rf.RoundTrip(httptest.NewRequest(http.MethodGet, "https://example.com/page", nil))
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	require.Equal(t, 1, base.calls)
}

func statusResponse(code int) *http.Response {
	return &http.Response{StatusCode: code, Body: io.NopCloser(strings.NewReader("")), Header: http.Header{}}
}

type roundTripResult struct {
	resp *http.Response
	err  error
}

type stubRoundTripper struct {
	results []roundTripResult
	calls   int
}

func (s *stubRoundTripper) RoundTrip(_ *http.Request) (*http.Response, error) {
	idx := s.calls
	s.calls++
	if idx >= len(s.results) {
		idx = len(s.results) - 1
	}
	res := s.results[idx]
	return res.resp, res.err
}
