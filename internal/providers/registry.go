package providers

import (
	"fmt"
	"time"
)

// ClientConfig describes a provider selection plus credentials.
type ClientConfig struct {
	Type         string // "openrouter", "openai", "mock"
	APIKey       string
	DefaultModel string
	BaseURL      string
	Timeout      time.Duration
}

// NewClient constructs the LLMClient for a config.
func NewClient(cfg ClientConfig) (LLMClient, error) {
	switch cfg.Type {
	case OpenRouterName:
		return NewOpenRouterClient(OpenRouterConfig{
			APIKey:       cfg.APIKey,
			BaseURL:      cfg.BaseURL,
			DefaultModel: cfg.DefaultModel,
			Timeout:      cfg.Timeout,
		}), nil
	case OpenAIName:
		return NewOpenAIClient(OpenAIConfig{
			APIKey:       cfg.APIKey,
			BaseURL:      cfg.BaseURL,
			DefaultModel: cfg.DefaultModel,
			Timeout:      cfg.Timeout,
		}), nil
	case MockClientName:
		return NewMockClient(), nil
	default:
		return nil, fmt.Errorf("unknown LLM provider type %q", cfg.Type)
	}
}
