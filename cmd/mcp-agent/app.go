package main

import (
	"context"
	"net/http"

	"mcp-agent/internal/agent"
	"mcp-agent/internal/backend"
	"mcp-agent/internal/config"
	"mcp-agent/internal/dispatch"
	"mcp-agent/internal/llm"
	"mcp-agent/internal/router"
)

// components is the wired object graph shared by every command.
type components struct {
	correlator *dispatch.Correlator
	agent      *agent.Agent
}

// build wires the graph and starts the stream reader, which runs until ctx ends.
func (o *options) build(ctx context.Context) (*components, error) {
	cfg := o.cfg
	client := backend.New(cfg.Backend.BaseURL, &http.Client{Timeout: cfg.Backend.Timeout}, o.log)

	completer, err := llm.NewFromConfig(cfg.LLM, o.log)
	if err != nil {
		return nil, err
	}

	corr := dispatch.New(client, dispatch.Config{
		Timeout:       cfg.Dispatch.Timeout,
		IDPrefix:      cfg.Dispatch.IDPrefix,
		ReconnectBase: cfg.Dispatch.ReconnectBase,
		ReconnectMax:  cfg.Dispatch.ReconnectMax,
	}, o.log)
	corr.Start(ctx)

	catalog := catalogFor(cfg, client)
	o.log.Debug("components_ready",
		"catalog_source", cfg.Catalog.Source,
		"llm_provider", completer.Provider(),
		"llm_model", completer.Model(),
	)
	return &components{
		correlator: corr,
		agent:      agent.New(catalog, corr, router.New(completer, o.log), cfg.Dispatch.Timeout, o.log),
	}, nil
}

func catalogFor(cfg config.Config, client *backend.Client) backend.Catalog {
	switch cfg.Catalog.Source {
	case config.SourceMCPSSE, config.SourceMCPStreamable:
		return &backend.MCPCatalog{
			Endpoint:   cfg.Catalog.MCPEndpoint,
			Streamable: cfg.Catalog.Source == config.SourceMCPStreamable,
			HTTP:       &http.Client{Timeout: cfg.Backend.Timeout},
		}
	default:
		return client
	}
}
