// Package agent ties the catalog, the router and the correlator into the
// execute and query flows shared by the REST façade and the CLI.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"mcp-agent/internal/backend"
	"mcp-agent/internal/errorsx"
	"mcp-agent/internal/logging"
	"mcp-agent/internal/router"
)

// Invoker dispatches a tool call and returns its correlated event.
type Invoker interface {
	Invoke(ctx context.Context, toolName string, args map[string]string, timeout time.Duration) (backend.StreamEvent, error)
}

// Interpreter maps a natural-language query to a validated tool selection.
type Interpreter interface {
	Interpret(ctx context.Context, query string, tools []backend.ToolDescriptor) (router.Selection, error)
}

type Agent struct {
	catalog     backend.Catalog
	invoker     Invoker
	interpreter Interpreter
	timeout     time.Duration
	log         *slog.Logger
}

// New builds an Agent. interpreter may be nil, in which case Query always reports no match.
// A timeout <= 0 defers to the invoker's default.
func New(catalog backend.Catalog, invoker Invoker, interpreter Interpreter, timeout time.Duration, log *slog.Logger) *Agent {
	return &Agent{
		catalog:     catalog,
		invoker:     invoker,
		interpreter: interpreter,
		timeout:     timeout,
		log:         logging.NewComponentLogger(log, "agent"),
	}
}

// Tools fetches the current catalog.
func (a *Agent) Tools(ctx context.Context) ([]backend.ToolDescriptor, error) {
	return a.catalog.FetchTools(ctx)
}

// Execute validates name against a fresh catalog and dispatches the call.
func (a *Agent) Execute(ctx context.Context, name string, params map[string]string) (backend.StreamEvent, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return backend.StreamEvent{}, errorsx.New(errorsx.ReasonInvalidParams, "tool_name is required")
	}
	tools, err := a.catalog.FetchTools(ctx)
	if err != nil {
		return backend.StreamEvent{}, fmt.Errorf("fetch tools: %w", err)
	}
	tool, err := router.Validate(tools, name, params)
	if err != nil {
		return backend.StreamEvent{}, err
	}
	return a.dispatch(ctx, tool.Name, params)
}

// Query routes a natural-language question to a tool and dispatches it.
// A no_matching_tool error is a normal outcome.
func (a *Agent) Query(ctx context.Context, query string) (backend.StreamEvent, error) {
	if a.interpreter == nil {
		return backend.StreamEvent{}, errorsx.New(errorsx.ReasonNoMatchingTool, "no matching tool found")
	}
	tools, err := a.catalog.FetchTools(ctx)
	if err != nil {
		return backend.StreamEvent{}, fmt.Errorf("fetch tools: %w", err)
	}
	sel, err := a.interpreter.Interpret(ctx, query, tools)
	if err != nil {
		return backend.StreamEvent{}, err
	}
	return a.dispatch(ctx, sel.Tool.Name, sel.Params)
}

func (a *Agent) dispatch(ctx context.Context, name string, params map[string]string) (backend.StreamEvent, error) {
	start := time.Now()
	ev, err := a.invoker.Invoke(ctx, name, params, a.timeout)
	if err != nil {
		a.log.Warn("tool_call_failed", "tool", name, "reason", errorsx.Reason(err), "error", err, "duration", time.Since(start))
		return backend.StreamEvent{}, err
	}
	a.log.Info("tool_call_completed", "tool", name, "cid", ev.CorrelationID, "duration", time.Since(start))
	return ev, nil
}
