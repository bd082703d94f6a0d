package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms"

	"github.com/JakeFAU/source-ingest/internal/crawler"
)

type fakeModel struct {
	prompts []string
	reply   func(user string) (string, error)
}

func (f *fakeModel) GenerateContent(_ context.Context, messages []llms.MessageContent, _ ...llms.CallOption) (*llms.ContentResponse, error) {
	user := ""
	if len(messages) > 1 {
		if text, ok := messages[1].Parts[0].(llms.TextContent); ok {
			user = text.Text
		}
	}
	f.prompts = append(f.prompts, user)
	out, err := f.reply(user)
	if err != nil {
		return nil, err
	}
	if out == "" {
		return &llms.ContentResponse{}, nil
	}
	return &llms.ContentResponse{Choices: []*llms.ContentChoice{{Content: out}}}, nil
}

func (f *fakeModel) Call(ctx context.Context, prompt string, options ...llms.CallOption) (string, error) {
	return llms.GenerateFromSinglePrompt(ctx, f, prompt, options...)
}

func TestCompleteReturnsFirstChoice(t *testing.T) {
	t.Parallel()

	model := &fakeModel{reply: func(user string) (string, error) { return "echo: " + user, nil }}
	got, err := New(model, Config{}, nil).Complete(context.Background(), "sys", "hello")
	require.NoError(t, err)
	require.Equal(t, "echo: hello", got)
}

func TestCompleteErrors(t *testing.T) {
	t.Parallel()

	failing := &fakeModel{reply: func(string) (string, error) { return "", errors.New("rate limited") }}
	_, err := New(failing, Config{}, nil).Complete(context.Background(), "sys", "hello")
	require.ErrorContains(t, err, "rate limited")

	empty := &fakeModel{reply: func(string) (string, error) { return "", nil }}
	_, err = New(empty, Config{}, nil).Complete(context.Background(), "sys", "hello")
	require.ErrorIs(t, err, ErrEmptyResponse)
}

func TestScoreRelevanceBatchesAndAligns(t *testing.T) {
	t.Parallel()

	model := &fakeModel{reply: func(user string) (string, error) {
		n := strings.Count(user, " | ")
		var parts []string
		for i := 0; i < n; i++ {
			parts = append(parts, fmt.Sprintf(`{"index":%d,"score":%.1f}`, i, float64(i)/10))
		}
		return "```json\n[" + strings.Join(parts, ",") + "]\n```", nil
	}}
	client := New(model, Config{BatchSize: 3}, nil)

	pages := make([]crawler.PageRef, 7)
	for i := range pages {
		pages[i] = crawler.PageRef{URL: fmt.Sprintf("https://example.com/%d", i), Title: "T"}
	}
	scores, err := client.ScoreRelevance(context.Background(), pages, crawler.Topic{Niche: "coffee", Language: "en"})
	require.NoError(t, err)
	require.Equal(t, []float64{0, 0.1, 0.2, 0, 0.1, 0.2, 0}, scores)
	require.Len(t, model.prompts, 3)
	require.Contains(t, model.prompts[0], "Channel topic: coffee")
}

func TestScoreRelevancePropagatesParseErrors(t *testing.T) {
	t.Parallel()

	model := &fakeModel{reply: func(string) (string, error) { return "no idea", nil }}
	_, err := New(model, Config{}, nil).ScoreRelevance(context.Background(), []crawler.PageRef{{URL: "https://example.com"}}, crawler.Topic{})
	require.Error(t, err)
}

func TestParseScoresClampsAndIgnoresUnknownIndexes(t *testing.T) {
	t.Parallel()

	scores, err := ParseScores(`[{"index":0,"score":1.7},{"index":1,"score":-2},{"index":9,"score":0.9}]`, 3)
	require.NoError(t, err)
	require.Equal(t, []float64{1, 0, 0}, scores)
}

func TestNewModelUnknownProvider(t *testing.T) {
	t.Parallel()

	_, err := NewModel(Config{Provider: "carrier-pigeon"})
	require.Error(t, err)

	model, err := NewModel(Config{Provider: "ollama"})
	require.NoError(t, err)
	require.NotNil(t, model)
}
