package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"mcp-agent/internal/errorsx"
	"mcp-agent/internal/logging"
)

// Ollama talks to a local Ollama server's /api/generate endpoint.
type Ollama struct {
	BaseURL    string
	HTTPClient *http.Client
	model      string
	log        *slog.Logger
}

func NewOllama(baseURL, model string, httpClient *http.Client, log *slog.Logger) *Ollama {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 180 * time.Second}
	}
	if baseURL == "" {
		baseURL = "http://127.0.0.1:11434"
	}
	return &Ollama{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		HTTPClient: httpClient,
		model:      model,
		log:        logging.NewComponentLogger(log, "llm"),
	}
}

type generateRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Stream bool   `json:"stream"`
}

type generateChunk struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
}

func (o *Ollama) Provider() string { return "ollama" }
func (o *Ollama) Model() string    { return o.model }

// Complete streams /api/generate and concatenates the response fragments in order.
func (o *Ollama) Complete(ctx context.Context, prompt string) (string, error) {
	jsonData, err := json.Marshal(generateRequest{Model: o.model, Prompt: prompt, Stream: true})
	if err != nil {
		return "", fmt.Errorf("error marshaling request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.BaseURL+"/api/generate", bytes.NewReader(jsonData))
	if err != nil {
		return "", fmt.Errorf("error creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.HTTPClient.Do(req)
	if err != nil {
		return "", errorsx.Wrap(fmt.Errorf("LLM call failed: %w", err), errorsx.ReasonLLMUnavailable)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", errorsx.New(errorsx.ReasonLLMUnavailable, "LLM call failed: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var full strings.Builder
	reader := bufio.NewReader(resp.Body)
	for {
		line, err := reader.ReadBytes('\n')
		if len(bytes.TrimSpace(line)) > 0 {
			var chunk generateChunk
			if jsonErr := json.Unmarshal(line, &chunk); jsonErr != nil {
				o.log.Debug("llm_chunk_ignored", "error", jsonErr)
			} else {
				full.WriteString(chunk.Response)
				if chunk.Done {
					break
				}
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return "", errorsx.Wrap(fmt.Errorf("LLM call failed: reading stream: %w", err), errorsx.ReasonLLMUnavailable)
		}
	}
	return strings.TrimSpace(full.String()), nil
}
