package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"mcp-agent/internal/errorsx"
)

// OpenAI completes prompts against any OpenAI-compatible chat endpoint.
type OpenAI struct {
	client *openai.Client
	model  string
}

// NewOpenAI creates a client. If baseURL is empty the default OpenAI endpoint is used.
func NewOpenAI(apiKey, model, baseURL string, httpClient *http.Client) *OpenAI {
	config := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		config.BaseURL = baseURL
	}
	if httpClient != nil {
		config.HTTPClient = httpClient
	}
	return &OpenAI{
		client: openai.NewClientWithConfig(config),
		model:  model,
	}
}

func (c *OpenAI) Provider() string { return "openai" }
func (c *OpenAI) Model() string    { return c.model }

// Complete sends the prompt as a single user message and joins the streamed deltas.
func (c *OpenAI) Complete(ctx context.Context, prompt string) (string, error) {
	stream, err := c.client.CreateChatCompletionStream(ctx, openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
		Stream: true,
	})
	if err != nil {
		return "", errorsx.Wrap(fmt.Errorf("LLM call failed: %w", err), errorsx.ReasonLLMUnavailable)
	}
	defer stream.Close()

	var full strings.Builder
	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", errorsx.Wrap(fmt.Errorf("LLM call failed: %w", err), errorsx.ReasonLLMUnavailable)
		}
		for _, choice := range resp.Choices {
			full.WriteString(choice.Delta.Content)
		}
	}
	return strings.TrimSpace(full.String()), nil
}
