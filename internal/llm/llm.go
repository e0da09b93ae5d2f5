// Package llm requests text completions from a language model.
package llm

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"mcp-agent/internal/config"
)

// Completer turns a prompt into the model's full text response.
type Completer interface {
	Complete(ctx context.Context, prompt string) (string, error)
	Provider() string
	Model() string
}

// NewFromConfig builds the completer selected by cfg.Provider.
func NewFromConfig(cfg config.LLMConfig, log *slog.Logger) (Completer, error) {
	httpClient := &http.Client{Timeout: cfg.Timeout}
	switch cfg.Provider {
	case config.ProviderOllama, "":
		return NewOllama(cfg.BaseURL, cfg.Model, httpClient, log), nil
	case config.ProviderOpenAI:
		return NewOpenAI(cfg.APIKey, cfg.Model, cfg.BaseURL, httpClient), nil
	default:
		return nil, fmt.Errorf("unsupported llm provider: %s", cfg.Provider)
	}
}
