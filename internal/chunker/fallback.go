package chunker

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/JakeFAU/source-ingest/internal/crawler"
)

var blankLine = regexp.MustCompile(`\n[ \t]*\n`)

// SplitParagraphs accumulates paragraphs into sections. The running buffer is
// flushed before a paragraph that would push it past MaxSize, provided it has
// already reached MinSize. Any non-empty input yields at least one section.
func SplitParagraphs(text, parentTitle string, opts Options) []crawler.Section {
	opts = opts.withDefaults()
	text = strings.ReplaceAll(text, "\r\n", "\n")

	var (
		sections []crawler.Section
		buf      strings.Builder
		bufLen   int
	)
	flush := func() {
		content := strings.TrimSpace(buf.String())
		buf.Reset()
		bufLen = 0
		if content == "" {
			return
		}
		sections = append(sections, crawler.Section{
			Index:   len(sections),
			Title:   fallbackTitle(content, parentTitle, opts.TitleMax),
			Content: content,
		})
	}

	for _, para := range blankLine.Split(text, -1) {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}
		paraLen := utf8.RuneCountInString(para)
		if bufLen > 0 && bufLen+2+paraLen > opts.MaxSize && bufLen >= opts.MinSize {
			flush()
		}
		if bufLen > 0 {
			buf.WriteString("\n\n")
			bufLen += 2
		}
		buf.WriteString(para)
		bufLen += paraLen
	}
	flush()

	if len(sections) == 0 && strings.TrimSpace(text) != "" {
		content := strings.TrimSpace(text)
		sections = append(sections, crawler.Section{
			Title:   fallbackTitle(content, parentTitle, opts.TitleMax),
			Content: content,
		})
	}
	return sections
}

var (
	headingMarker = regexp.MustCompile(`^(#{1,6}|[-*+>]|\d+[.)])\s+`)
	inlineMarker  = strings.NewReplacer("**", "", "__", "", "`", "", "*", "", "~~", "")
)

// fallbackTitle derives a title from the first line of content.
func fallbackTitle(content, parentTitle string, limit int) string {
	line := content
	if i := strings.IndexByte(line, '\n'); i >= 0 {
		line = line[:i]
	}
	line = strings.TrimSpace(line)
	for {
		stripped := headingMarker.ReplaceAllString(line, "")
		if stripped == line {
			break
		}
		line = stripped
	}
	line = inlineMarker.Replace(line)
	line = strings.Join(strings.Fields(line), " ")
	line = strings.TrimRightFunc(line, func(r rune) bool {
		return unicode.IsPunct(r) && r != ')' && r != '?' && r != '!'
	})
	if line == "" {
		return parentTitle
	}
	if utf8.RuneCountInString(line) > limit {
		runes := []rune(line)
		line = strings.TrimSpace(string(runes[:limit]))
	}
	return line
}
