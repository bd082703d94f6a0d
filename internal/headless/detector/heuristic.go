// Package detector decides when a page fetched over plain HTTP is a
// JavaScript shell that must be re-rendered in a headless browser before
// its text can be extracted.
package detector

import (
	"bytes"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/source-ingest/internal/crawler"
)

const (
	defaultMinTextLength = 200
	scriptCoveragePct    = 25
)

// Heuristic promotes pages whose rendered text is thin and which carry
// signs of client-side rendering.
type Heuristic struct {
	// MinTextLength is the visible-text length under which a page counts as thin.
	MinTextLength int
}

// NewHeuristic creates a new detector.
func NewHeuristic(minTextLength int) *Heuristic {
	if minTextLength <= 0 {
		minTextLength = defaultMinTextLength
	}
	return &Heuristic{MinTextLength: minTextLength}
}

var spaMarkers = [][]byte{
	[]byte("__next"),
	[]byte("__nuxt"),
	[]byte("id=\"root\""),
	[]byte("id=\"app\""),
	[]byte("data-reactroot"),
	[]byte("ng-version"),
}

var noscriptHints = []string{"enable javascript", "requires javascript", "javascript is disabled"}

// ShouldPromote implements crawler.HeadlessDetector.
func (h *Heuristic) ShouldPromote(resp crawler.FetchResponse) bool {
	if resp.StatusCode != 200 {
		return false
	}
	body := resp.Body
	if len(bytes.TrimSpace(body)) == 0 {
		return true
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return false
	}
	if noscriptAsksForJS(doc) {
		return true
	}
	if visibleTextLength(doc) >= h.MinTextLength {
		return false
	}
	if scriptDensityHigh(doc, len(body)) {
		return true
	}
	for _, marker := range spaMarkers {
		if bytes.Contains(body, marker) {
			return true
		}
	}
	return false
}

func visibleTextLength(doc *goquery.Document) int {
	body := doc.Find("body").Clone()
	body.Find("script, style, noscript, template").Remove()
	return len(strings.Join(strings.Fields(body.Text()), " "))
}

func noscriptAsksForJS(doc *goquery.Document) bool {
	found := false
	doc.Find("noscript").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		text := strings.ToLower(s.Text())
		for _, hint := range noscriptHints {
			if strings.Contains(text, hint) {
				found = true
				return false
			}
		}
		return true
	})
	return found
}

// scriptDensityHigh reports whether script elements make up a large share of
// the raw document.
func scriptDensityHigh(doc *goquery.Document, total int) bool {
	if total == 0 {
		return false
	}
	covered := 0
	doc.Find("script").Each(func(_ int, s *goquery.Selection) {
		if html, err := goquery.OuterHtml(s); err == nil {
			covered += len(html)
		}
	})
	return covered*100/total >= scriptCoveragePct
}
