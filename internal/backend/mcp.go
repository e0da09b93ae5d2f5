package backend

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"mcp-agent/internal/errorsx"
)

// ClientName and ClientVersion identify this agent to MCP servers.
const (
	ClientName    = "mcp-agent"
	ClientVersion = "0.1.0"
)

// MCPCatalog lists tools through an MCP session instead of GET /tools.
type MCPCatalog struct {
	Endpoint string
	// Streamable selects the streamable HTTP transport; otherwise SSE is used.
	Streamable bool
	HTTP       *http.Client
}

// FetchTools connects, lists every tool and closes the session.
func (c *MCPCatalog) FetchTools(ctx context.Context) ([]ToolDescriptor, error) {
	client := mcp.NewClient(&mcp.Implementation{Name: ClientName, Version: ClientVersion}, nil)

	var transport mcp.Transport
	if c.Streamable {
		transport = &mcp.StreamableClientTransport{Endpoint: c.Endpoint, HTTPClient: c.HTTP}
	} else {
		transport = &mcp.SSEClientTransport{Endpoint: c.Endpoint, HTTPClient: c.HTTP}
	}

	session, err := client.Connect(ctx, transport, nil)
	if err != nil {
		return nil, errorsx.Wrap(fmt.Errorf("connect to MCP server: %w", err), errorsx.ReasonBackendUnavailable)
	}
	defer session.Close()

	tools := []ToolDescriptor{}
	for tool, err := range session.Tools(ctx, nil) {
		if err != nil {
			return nil, errorsx.Wrap(fmt.Errorf("list tools: %w", err), errorsx.ReasonBackendError)
		}
		if tool == nil || strings.TrimSpace(tool.Name) == "" {
			continue
		}
		tools = append(tools, fromMCPTool(tool))
	}
	return tools, nil
}

func fromMCPTool(t *mcp.Tool) ToolDescriptor {
	return ToolDescriptor{
		Name:        t.Name,
		Description: t.Description,
		InputSchema: schemaMap(t.InputSchema),
	}
}
