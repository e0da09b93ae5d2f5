// Package backend provides a minimal client for the tool-serving backend.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"mcp-agent/internal/errorsx"
	"mcp-agent/internal/logging"
)

// Catalog lists the tools the backend currently serves.
type Catalog interface {
	FetchTools(ctx context.Context) ([]ToolDescriptor, error)
}

// CallRequest is the body of POST /call.
type CallRequest struct {
	CorrelationID string            `json:"cid"`
	Name          string            `json:"name"`
	Arguments     map[string]string `json:"arguments"`
}

// Client is a minimal HTTP client for the backend's /tools, /call and /stream endpoints.
type Client struct {
	BaseURL string
	HTTP    *http.Client
	// Stream is used for the long-lived /stream subscription and must not carry a timeout.
	Stream *http.Client
	log    *slog.Logger
}

// New returns a new client. If httpClient is nil, a default with 15s timeout is used.
func New(baseURL string, httpClient *http.Client, log *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTP:    httpClient,
		Stream:  &http.Client{Transport: httpClient.Transport},
		log:     logging.NewComponentLogger(log, "backend"),
	}
}

// FetchTools reads GET /tools. A body that is neither an array nor an object with a
// "tools" array yields an empty catalog, not an error.
func (c *Client) FetchTools(ctx context.Context) ([]ToolDescriptor, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/tools", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, errorsx.Wrap(fmt.Errorf("backend unreachable: %w", err), errorsx.ReasonBackendUnavailable)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, errorsx.New(errorsx.ReasonBackendError, "catalog unavailable: backend status %d", resp.StatusCode)
	}
	body, err := decodeJSON(resp.Body)
	if err != nil {
		return nil, errorsx.Wrap(fmt.Errorf("catalog unavailable: %w", err), errorsx.ReasonBackendError)
	}
	items, ok := extractItems(body)
	if !ok {
		c.log.Warn("catalog_unexpected_shape", "type", fmt.Sprintf("%T", body))
		return []ToolDescriptor{}, nil
	}
	tools := normalize(items)
	if skipped := len(items) - len(tools); skipped > 0 {
		c.log.Debug("catalog_entries_skipped", "skipped", skipped)
	}
	return tools, nil
}

// Submit posts a call request. The acknowledgment only confirms receipt and is returned opaque.
func (c *Client) Submit(ctx context.Context, call CallRequest) (json.RawMessage, error) {
	if call.Arguments == nil {
		call.Arguments = map[string]string{}
	}
	payload, err := json.Marshal(call)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/call", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, errorsx.Wrap(fmt.Errorf("backend unreachable: %w", err), errorsx.ReasonBackendUnavailable)
	}
	defer resp.Body.Close()
	ack, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, errorsx.New(errorsx.ReasonBackendError, "call rejected: backend status %d", resp.StatusCode)
	}
	return json.RawMessage(bytes.TrimSpace(ack)), nil
}

// OpenStream opens GET /stream. The caller owns and must close the returned body.
func (c *Client) OpenStream(ctx context.Context) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/stream", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/x-ndjson")
	resp, err := c.Stream.Do(req)
	if err != nil {
		return nil, errorsx.Wrap(fmt.Errorf("stream unreachable: %w", err), errorsx.ReasonBackendUnavailable)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		resp.Body.Close()
		return nil, errorsx.New(errorsx.ReasonBackendError, "stream unavailable: backend status %d", resp.StatusCode)
	}
	return resp.Body, nil
}

// decodeJSON decodes a response body into a generic interface.
func decodeJSON(r io.Reader) (any, error) {
	var body any
	if err := json.NewDecoder(r).Decode(&body); err != nil {
		return nil, err
	}
	return body, nil
}
