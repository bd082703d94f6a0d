package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"
)

const (
	robotsRetries    = 3
	robotsRetryBase  = 250 * time.Millisecond
	allowAllRobots   = "User-agent: *\nAllow: /"
	reasonTimeout    = "robots.txt timed out"
	reasonStatusFmt  = "robots.txt returned status %d"
	robotsPathSuffix = "/robots.txt"
)

// robotsFallback wraps the transport of one fetch. When the host cannot
// serve robots.txt because it times out or answers 5xx, it substitutes an
// allow-all file so a flaky robots endpoint does not fail every page.
type robotsFallback struct {
	next   http.RoundTripper
	sleep  func(ctx context.Context, d time.Duration) error
	used   bool
	reason string
}

func newRobotsFallback(next http.RoundTripper) *robotsFallback {
	return &robotsFallback{next: next, sleep: sleepContext}
}

func (rf *robotsFallback) RoundTrip(req *http.Request) (*http.Response, error) {
	if req == nil || req.URL == nil {
		return nil, errors.New("robots fallback: nil request")
	}
	if !strings.EqualFold(req.URL.Path, robotsPathSuffix) {
		resp, err := rf.next.RoundTrip(req)
		if err != nil {
			return nil, fmt.Errorf("roundtrip %s: %w", req.URL.Host, err)
		}
		return resp, nil
	}
	return rf.probe(req)
}

func (rf *robotsFallback) probe(req *http.Request) (*http.Response, error) {
	for attempt := 0; ; attempt++ {
		resp, err := rf.next.RoundTrip(req.Clone(req.Context()))
		if err == nil {
			if resp.StatusCode < http.StatusInternalServerError {
				return resp, nil
			}
			_, _ = io.Copy(io.Discard, resp.Body)
			_ = resp.Body.Close()
			return rf.allowAll(req, fmt.Sprintf(reasonStatusFmt, resp.StatusCode)), nil
		}
		if !isTimeout(err) {
			return nil, fmt.Errorf("fetch robots.txt: %w", err)
		}
		if attempt >= robotsRetries {
			return rf.allowAll(req, reasonTimeout), nil
		}
		if err := rf.sleep(req.Context(), robotsRetryBase<<attempt); err != nil {
			return nil, fmt.Errorf("robots.txt backoff: %w", err)
		}
	}
}

func (rf *robotsFallback) allowAll(req *http.Request, reason string) *http.Response {
	if !rf.used {
		rf.used = true
		rf.reason = reason
	}
	return &http.Response{
		StatusCode:    http.StatusOK,
		Status:        "200 OK",
		Body:          io.NopCloser(strings.NewReader(allowAllRobots)),
		ContentLength: int64(len(allowAllRobots)),
		Header:        http.Header{"Content-Type": {"text/plain"}},
		Request:       req,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return strings.Contains(err.Error(), "tls: handshake timeout")
}
