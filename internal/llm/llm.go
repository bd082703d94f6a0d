// Package llm wraps the AI text service used for relevance scoring and
// chunking. Providers are reached through langchaingo.
package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/anthropic"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"
	"go.uber.org/zap"
)

// Config configures the provider and call limits.
type Config struct {
	Provider    string
	Model       string
	APIKey      string
	BaseURL     string
	Temperature float64
	MaxTokens   int
	Timeout     time.Duration
	BatchSize   int
}

// DefaultMaxTokens leaves room for the splitter to echo a 50k character window.
const DefaultMaxTokens = 16384

// ErrEmptyResponse is returned when the provider answers without any choice.
var ErrEmptyResponse = errors.New("llm returned no content")

// NewModel builds the langchaingo model for cfg.Provider.
func NewModel(cfg Config) (llms.Model, error) {
	switch strings.ToLower(cfg.Provider) {
	case "", "openai":
		opts := []openai.Option{}
		if cfg.APIKey != "" {
			opts = append(opts, openai.WithToken(cfg.APIKey))
		}
		if cfg.Model != "" {
			opts = append(opts, openai.WithModel(cfg.Model))
		}
		if cfg.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
		}
		model, err := openai.New(opts...)
		if err != nil {
			return nil, fmt.Errorf("init openai: %w", err)
		}
		return model, nil
	case "anthropic":
		opts := []anthropic.Option{}
		if cfg.APIKey != "" {
			opts = append(opts, anthropic.WithToken(cfg.APIKey))
		}
		if cfg.Model != "" {
			opts = append(opts, anthropic.WithModel(cfg.Model))
		}
		if cfg.BaseURL != "" {
			opts = append(opts, anthropic.WithBaseURL(cfg.BaseURL))
		}
		model, err := anthropic.New(opts...)
		if err != nil {
			return nil, fmt.Errorf("init anthropic: %w", err)
		}
		return model, nil
	case "ollama":
		modelName := cfg.Model
		if modelName == "" {
			modelName = "mistral"
		}
		serverURL := cfg.BaseURL
		if serverURL == "" {
			serverURL = "http://localhost:11434"
		}
		model, err := ollama.New(ollama.WithModel(modelName), ollama.WithServerURL(serverURL))
		if err != nil {
			return nil, fmt.Errorf("init ollama: %w", err)
		}
		return model, nil
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.Provider)
	}
}

// Client implements crawler.RelevanceScorer and the chunker's Completer.
type Client struct {
	model  llms.Model
	cfg    Config
	logger *zap.Logger
}

// New wraps model.
func New(model llms.Model, cfg Config, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 25
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = DefaultMaxTokens
	}
	return &Client{model: model, cfg: cfg, logger: logger}
}

// Complete sends one system + user exchange and returns the first choice.
func (c *Client) Complete(ctx context.Context, system, user string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	content := []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeSystem, system),
		llms.TextParts(llms.ChatMessageTypeHuman, user),
	}
	start := time.Now()
	resp, err := c.model.GenerateContent(ctx, content,
		llms.WithTemperature(c.cfg.Temperature),
		llms.WithMaxTokens(c.cfg.MaxTokens),
	)
	if err != nil {
		return "", fmt.Errorf("generate content: %w", err)
	}
	if resp == nil || len(resp.Choices) == 0 || resp.Choices[0] == nil {
		return "", ErrEmptyResponse
	}
	c.logger.Debug("LLM call finished",
		zap.Duration("duration", time.Since(start)),
		zap.Int("prompt_chars", len(system)+len(user)),
		zap.Int("response_chars", len(resp.Choices[0].Content)),
	)
	return resp.Choices[0].Content, nil
}
