// Package chunker splits extracted text into titled, self-contained sections.
// It asks the AI text service for the split and falls back to a deterministic
// paragraph splitter whenever that call fails or returns nothing usable.
package chunker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/JakeFAU/source-ingest/internal/crawler"
	"github.com/JakeFAU/source-ingest/internal/metrics"
)

// Completer is the slice of the AI text service the chunker needs.
type Completer interface {
	Complete(ctx context.Context, system, user string) (string, error)
}

// Options tunes window and section sizes. Sizes are counted in characters.
type Options struct {
	MaxWindow int
	MinSize   int
	MaxSize   int
	TitleMax  int
}

// DefaultOptions returns the production sizing.
func DefaultOptions() Options {
	return Options{
		MaxWindow: 50000,
		MinSize:   1000,
		MaxSize:   4000,
		TitleMax:  100,
	}
}

func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.MaxWindow <= 0 {
		o.MaxWindow = def.MaxWindow
	}
	if o.MinSize <= 0 {
		o.MinSize = def.MinSize
	}
	if o.MaxSize <= 0 {
		o.MaxSize = def.MaxSize
	}
	if o.MinSize > o.MaxSize {
		o.MinSize = o.MaxSize
	}
	if o.TitleMax <= 0 {
		o.TitleMax = def.TitleMax
	}
	return o
}

// ErrNoSections is returned when the AI response parses but holds no usable section.
var ErrNoSections = errors.New("ai chunking returned no sections")

// Chunker implements crawler.Chunker.
type Chunker struct {
	llm    Completer
	opts   Options
	logger *zap.Logger
}

// New builds a Chunker. A nil llm always uses the paragraph splitter.
func New(llm Completer, opts Options, logger *zap.Logger) *Chunker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Chunker{
		llm:    llm,
		opts:   opts.withDefaults(),
		logger: logger,
	}
}

// Chunk splits text into sections with contiguous 0-based indices. Any
// non-empty input yields at least one section.
func (c *Chunker) Chunk(ctx context.Context, text, parentTitle string, opts crawler.ChunkOptions) []crawler.Section {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if opts.SkipChunking {
		return []crawler.Section{{Index: 0, Title: parentTitle, Content: text}}
	}

	var sections []crawler.Section
	windows := SplitWindows(text, c.opts.MaxWindow)
	for i, window := range windows {
		if strings.TrimSpace(window) == "" {
			continue
		}
		part, err := c.aiChunk(ctx, window, opts.Language)
		if err != nil {
			metrics.ObserveChunkerFallback()
			c.logger.Warn("AI chunking failed; using paragraph splitter",
				zap.Int("window", i),
				zap.Int("windows", len(windows)),
				zap.Error(err),
			)
			part = SplitParagraphs(window, parentTitle, c.opts)
		}
		sections = append(sections, part...)
	}
	if len(sections) == 0 {
		sections = []crawler.Section{{Title: parentTitle, Content: text}}
	}
	for i := range sections {
		sections[i].Index = i
	}
	return sections
}

func (c *Chunker) aiChunk(ctx context.Context, window, language string) ([]crawler.Section, error) {
	if c.llm == nil {
		return nil, errors.New("no AI text service configured")
	}
	raw, err := c.llm.Complete(ctx, systemPrompt(language, c.opts), window)
	if err != nil {
		return nil, fmt.Errorf("complete: %w", err)
	}
	sections, err := ParseSections(raw)
	if err != nil {
		return nil, err
	}
	if len(sections) == 0 {
		return nil, ErrNoSections
	}
	return sections, nil
}

func systemPrompt(language string, opts Options) string {
	lang := "the same language as the text"
	if strings.TrimSpace(language) != "" {
		lang = language
	}
	return fmt.Sprintf(`You split documents into sections for a content writer.
Produce large, complete, self-contained sections, never fragments. Each section
should be roughly %d to %d characters long and keep related paragraphs together.
Copy the text of each section verbatim. Give every section a short descriptive
title written in %s.
Respond with a JSON array only, where every element is {"title": string, "content": string}.
Do not add commentary or markdown.`, opts.MinSize, opts.MaxSize, lang)
}

var codeFence = regexp.MustCompile("(?s)^```[a-zA-Z0-9_-]*\\s*(.*?)\\s*```$")

// StripCodeFence removes a surrounding markdown code fence, if any.
func StripCodeFence(raw string) string {
	raw = strings.TrimSpace(raw)
	if m := codeFence.FindStringSubmatch(raw); m != nil {
		return strings.TrimSpace(m[1])
	}
	return raw
}

type aiSection struct {
	Title   string `json:"title"`
	Content string `json:"content"`
}

// ParseSections decodes an AI chunking response, discarding entries without content.
func ParseSections(raw string) ([]crawler.Section, error) {
	body := StripCodeFence(raw)
	if start, end := strings.Index(body, "["), strings.LastIndex(body, "]"); start > 0 && end > start {
		body = body[start : end+1]
	}
	var parsed []aiSection
	if err := json.Unmarshal([]byte(body), &parsed); err != nil {
		return nil, fmt.Errorf("decode ai sections: %w", err)
	}
	sections := make([]crawler.Section, 0, len(parsed))
	for _, s := range parsed {
		content := strings.TrimSpace(s.Content)
		if content == "" {
			continue
		}
		sections = append(sections, crawler.Section{
			Index:   len(sections),
			Title:   strings.TrimSpace(s.Title),
			Content: content,
		})
	}
	return sections, nil
}

// SplitWindows cuts text into sequential windows of at most limit characters.
// A window ends just after the last paragraph break ("\n\n") that sits at or
// after its midpoint; without such a break it is cut at exactly limit characters.
func SplitWindows(text string, limit int) []string {
	if limit <= 0 || utf8.RuneCountInString(text) <= limit {
		return []string{text}
	}
	runes := []rune(text)
	var windows []string
	for len(runes) > limit {
		candidate := string(runes[:limit])
		cut := limit
		if idx := strings.LastIndex(candidate, "\n\n"); idx >= 0 {
			if pos := utf8.RuneCountInString(candidate[:idx]); pos >= limit/2 {
				cut = pos + 2
			}
		}
		windows = append(windows, string(runes[:cut]))
		runes = runes[cut:]
	}
	if len(runes) > 0 {
		windows = append(windows, string(runes))
	}
	return windows
}
