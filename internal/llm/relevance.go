package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/JakeFAU/source-ingest/internal/crawler"
)

const relevanceSystemPrompt = `You decide which pages of a website are useful source material for a content channel.
For every page you receive an index, a URL and a title. Score how relevant the page is to
the channel topic from 0 (unrelated: legal notices, login, cart, contact, tag listings) to
1 (substantial articles or guides on the topic).
Respond with a JSON array only, one element per page: {"index": number, "score": number}.`

type scoredPage struct {
	Index int     `json:"index"`
	Score float64 `json:"score"`
}

// ScoreRelevance scores pages in batches. The result is aligned with pages;
// pages the model leaves out score 0.
func (c *Client) ScoreRelevance(ctx context.Context, pages []crawler.PageRef, topic crawler.Topic) ([]float64, error) {
	scores := make([]float64, len(pages))
	for start := 0; start < len(pages); start += c.cfg.BatchSize {
		end := min(start+c.cfg.BatchSize, len(pages))
		batch, err := c.scoreBatch(ctx, pages[start:end], topic)
		if err != nil {
			return nil, fmt.Errorf("score pages %d-%d: %w", start, end-1, err)
		}
		copy(scores[start:end], batch)
	}
	return scores, nil
}

func (c *Client) scoreBatch(ctx context.Context, pages []crawler.PageRef, topic crawler.Topic) ([]float64, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Channel topic: %s\n", orDefault(topic.Niche, "general"))
	fmt.Fprintf(&b, "Channel language: %s\n\nPages:\n", orDefault(topic.Language, "any"))
	for i, p := range pages {
		fmt.Fprintf(&b, "%d. %s | %s\n", i, p.URL, orDefault(p.Title, "(no title)"))
	}

	raw, err := c.Complete(ctx, relevanceSystemPrompt, b.String())
	if err != nil {
		return nil, err
	}
	return ParseScores(raw, len(pages))
}

// ParseScores decodes a scoring response into n scores clamped to [0,1].
func ParseScores(raw string, n int) ([]float64, error) {
	start, end := strings.Index(raw, "["), strings.LastIndex(raw, "]")
	if start < 0 || end < start {
		return nil, fmt.Errorf("decode scores: no JSON array in response")
	}
	var parsed []scoredPage
	if err := json.Unmarshal([]byte(raw[start:end+1]), &parsed); err != nil {
		return nil, fmt.Errorf("decode scores: %w", err)
	}
	scores := make([]float64, n)
	for _, p := range parsed {
		if p.Index < 0 || p.Index >= n {
			continue
		}
		scores[p.Index] = min(max(p.Score, 0), 1)
	}
	return scores, nil
}

func orDefault(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}

