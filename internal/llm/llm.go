// Package llm adapts language-model providers to the single prompt-in,
// text-out call the extractor and outreach generator need.
package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/googleai"
	"github.com/tmc/langchaingo/llms/openai"
)

// Supported providers.
const (
	ProviderGoogleAI = "googleai"
	ProviderOpenAI   = "openai"
)

// Defaults for Config.
const (
	DefaultModel       = "gemini-1.5-pro"
	DefaultTemperature = 0.2
	DefaultMaxTokens   = 2000
)

// ErrMissingAPIKey is returned when a provider is configured without a key.
var ErrMissingAPIKey = errors.New("llm: api key is required")

// Completer produces a completion for one prompt.
type Completer interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// Config selects a provider and its sampling parameters.
type Config struct {
	Provider    string
	Model       string
	APIKey      string
	Temperature float64
	MaxTokens   int
}

// LangChain implements Completer over a langchaingo model.
type LangChain struct {
	model       llms.Model
	temperature float64
	maxTokens   int
}

// New connects to the configured provider.
func New(ctx context.Context, cfg Config) (*LangChain, error) {
	cfg = withDefaults(cfg)
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, ErrMissingAPIKey
	}

	var (
		model llms.Model
		err   error
	)
	switch strings.ToLower(cfg.Provider) {
	case ProviderGoogleAI, "gemini", "google":
		model, err = googleai.New(ctx,
			googleai.WithAPIKey(cfg.APIKey),
			googleai.WithDefaultModel(cfg.Model),
		)
	case ProviderOpenAI:
		model, err = openai.New(
			openai.WithToken(cfg.APIKey),
			openai.WithModel(cfg.Model),
		)
	default:
		return nil, fmt.Errorf("llm: unknown provider %q", cfg.Provider)
	}
	if err != nil {
		return nil, fmt.Errorf("llm: create %s client: %w", cfg.Provider, err)
	}
	return NewFromModel(model, cfg), nil
}

// NewFromModel wraps an existing langchaingo model.
func NewFromModel(model llms.Model, cfg Config) *LangChain {
	cfg = withDefaults(cfg)
	return &LangChain{model: model, temperature: cfg.Temperature, maxTokens: cfg.MaxTokens}
}

// Complete implements Completer.
func (l *LangChain) Complete(ctx context.Context, prompt string) (string, error) {
	out, err := llms.GenerateFromSinglePrompt(ctx, l.model, prompt,
		llms.WithTemperature(l.temperature),
		llms.WithMaxTokens(l.maxTokens),
	)
	if err != nil {
		return "", fmt.Errorf("llm: completion: %w", err)
	}
	return out, nil
}

func withDefaults(cfg Config) Config {
	if cfg.Provider == "" {
		cfg.Provider = ProviderGoogleAI
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.Temperature <= 0 {
		cfg.Temperature = DefaultTemperature
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = DefaultMaxTokens
	}
	return cfg
}
