// Package extract turns fetched HTML into readable text for chunking.
package extract

import (
	"bytes"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	readability "github.com/go-shiori/go-readability"

	"github.com/JakeFAU/source-ingest/internal/crawler"
)

// ErrEmptyDocument is returned when the HTML holds no readable text at all.
var ErrEmptyDocument = errors.New("document has no readable text")

const (
	noiseSelectors   = "script, style, noscript, template, svg, iframe, header, footer, nav, aside, form, .header, .footer, .navigation, .sidebar, .menu, .cookie, [role='navigation']"
	blockSelectors   = "h1, h2, h3, h4, h5, h6, p, li, pre, blockquote, td, dt, dd"
	minReadableChars = 200
)

// Extractor implements crawler.Extractor with go-readability, falling back to
// a goquery walk over the page body when readability yields too little.
type Extractor struct{}

// New returns an Extractor.
func New() *Extractor {
	return &Extractor{}
}

// Extract returns the page title, its domain and its readable text. Paragraphs
// in Content are separated by blank lines.
func (e *Extractor) Extract(html []byte, pageURL string) (crawler.Extraction, error) {
	parsedURL, err := url.Parse(pageURL)
	if err != nil {
		return crawler.Extraction{}, fmt.Errorf("parse page url: %w", err)
	}
	out := crawler.Extraction{Domain: crawler.SiteHost(pageURL)}
	if len(bytes.TrimSpace(html)) == 0 {
		return out, ErrEmptyDocument
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(html))
	if err != nil {
		return out, fmt.Errorf("parse html: %w", err)
	}
	out.Title = documentTitle(doc)

	article, rerr := readability.FromReader(bytes.NewReader(html), parsedURL)
	if rerr == nil {
		if t := strings.TrimSpace(article.Title); t != "" && out.Title == "" {
			out.Title = t
		}
		out.Content = htmlToText(article.Content)
		if len([]rune(out.Content)) < minReadableChars {
			if text := strings.TrimSpace(article.TextContent); len([]rune(text)) > len([]rune(out.Content)) {
				out.Content = collapseLines(text)
			}
		}
	}

	if len([]rune(out.Content)) < minReadableChars {
		if fallback := bodyText(doc); len([]rune(fallback)) > len([]rune(out.Content)) {
			out.Content = fallback
		}
	}
	if out.Content == "" {
		if rerr != nil {
			return out, fmt.Errorf("readability: %w", rerr)
		}
		return out, ErrEmptyDocument
	}
	return out, nil
}

func documentTitle(doc *goquery.Document) string {
	if og, ok := doc.Find("meta[property='og:title']").Attr("content"); ok && strings.TrimSpace(og) != "" {
		return strings.TrimSpace(og)
	}
	if t := strings.TrimSpace(doc.Find("title").First().Text()); t != "" {
		return strings.Join(strings.Fields(t), " ")
	}
	return strings.TrimSpace(doc.Find("h1").First().Text())
}

// htmlToText renders an HTML fragment as paragraphs separated by blank lines.
func htmlToText(fragment string) string {
	if strings.TrimSpace(fragment) == "" {
		return ""
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(fragment))
	if err != nil {
		return ""
	}
	return blocksText(doc.Selection)
}

// bodyText strips navigation chrome from the body and returns its blocks.
func bodyText(doc *goquery.Document) string {
	body := doc.Find("body")
	if body.Length() == 0 {
		return ""
	}
	body = body.Clone()
	body.Find(noiseSelectors).Remove()
	for _, sel := range []string{"article", "main", "[role='main']", ".content", ".post-content", ".entry-content"} {
		if container := body.Find(sel).First(); container.Length() > 0 {
			if text := blocksText(container); len([]rune(text)) >= minReadableChars {
				return text
			}
		}
	}
	return blocksText(body)
}

func blocksText(sel *goquery.Selection) string {
	var parts []string
	sel.Find(blockSelectors).Each(func(_ int, s *goquery.Selection) {
		// Nested blocks (li > p) are emitted by the innermost element only.
		if s.Find(blockSelectors).Length() > 0 {
			return
		}
		if text := strings.Join(strings.Fields(s.Text()), " "); text != "" {
			parts = append(parts, text)
		}
	})
	if len(parts) == 0 {
		return collapseLines(sel.Text())
	}
	return strings.Join(parts, "\n\n")
}

func collapseLines(text string) string {
	var parts []string
	for _, line := range strings.Split(text, "\n") {
		if line = strings.Join(strings.Fields(line), " "); line != "" {
			parts = append(parts, line)
		}
	}
	return strings.Join(parts, "\n\n")
}
