// Package router maps a natural-language query to one catalog tool through an LLM.
//
// The model's answer is untrusted: it must be a JSON object naming a tool that
// exists in the live catalog, with scalar parameters. Anything else resolves to
// "no matching tool" or a validation error, never to a backend call.
package router

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"reflect"
	"strconv"
	"strings"

	"github.com/mitchellh/mapstructure"

	"mcp-agent/internal/backend"
	"mcp-agent/internal/errorsx"
	"mcp-agent/internal/llm"
	"mcp-agent/internal/logging"
)

// NoTool is the sentinel the model returns when nothing fits.
const NoTool = "none"

// Selection is a validated routing decision.
type Selection struct {
	Tool   backend.ToolDescriptor
	Params map[string]string
}

// Router asks the completer to pick a tool.
type Router struct {
	completer llm.Completer
	log       *slog.Logger
}

func New(completer llm.Completer, log *slog.Logger) *Router {
	return &Router{completer: completer, log: logging.NewComponentLogger(log, "router")}
}

type modelOutput struct {
	Tool   string         `json:"tool"`
	Params map[string]any `json:"params"`
}

// Interpret returns the selected tool and its parameters.
//
// Errors carry one of: no_matching_tool (includes unparsable output),
// tool_not_found, invalid_params, llm_unavailable.
func (r *Router) Interpret(ctx context.Context, query string, tools []backend.ToolDescriptor) (Selection, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return Selection{}, errorsx.New(errorsx.ReasonInvalidParams, "user_query is required")
	}
	if len(tools) == 0 {
		return Selection{}, errorsx.New(errorsx.ReasonNoMatchingTool, "no tools available")
	}

	text, err := r.completer.Complete(ctx, BuildPrompt(query, tools))
	if err != nil {
		return Selection{}, errorsx.Wrap(err, errorsx.ReasonLLMUnavailable)
	}

	out, err := ParseOutput(text)
	if err != nil {
		r.log.Warn("router_parse_error", "error", err, "output", truncate(text, 200))
		return Selection{}, errorsx.New(errorsx.ReasonNoMatchingTool, "no matching tool found")
	}
	if out.Tool == "" || strings.EqualFold(out.Tool, NoTool) {
		return Selection{}, errorsx.New(errorsx.ReasonNoMatchingTool, "no matching tool found")
	}

	params, err := CoerceParams(out.Params)
	if err != nil {
		r.log.Warn("router_params_rejected", "tool", out.Tool, "error", err)
		return Selection{}, errorsx.New(errorsx.ReasonNoMatchingTool, "no matching tool found")
	}

	tool, err := Validate(tools, out.Tool, params)
	if err != nil {
		r.log.Warn("router_selection_rejected", "tool", out.Tool, "error", err)
		return Selection{}, err
	}
	r.log.Info("router_selected", "tool", tool.Name, "params", len(params))
	return Selection{Tool: tool, Params: params}, nil
}

// ParseOutput strictly decodes the model text. A surrounding markdown code fence is
// tolerated; any other text around the object is not.
func ParseOutput(text string) (modelOutput, error) {
	payload := stripFence(text)
	var out modelOutput
	if err := json.Unmarshal([]byte(payload), &out); err != nil {
		return modelOutput{}, errorsx.Wrap(fmt.Errorf("decode model output: %w", err), errorsx.ReasonMalformedModelOutput)
	}
	out.Tool = strings.TrimSpace(out.Tool)
	return out, nil
}

// CoerceParams converts scalar parameter values to strings. Nested values are rejected.
func CoerceParams(in map[string]any) (map[string]string, error) {
	out := map[string]string{}
	if len(in) == 0 {
		return out, nil
	}
	for k, v := range in {
		switch v.(type) {
		case map[string]any, []any:
			return nil, errorsx.New(errorsx.ReasonMalformedModelOutput, "parameter %q is not a scalar", k)
		}
	}
	cfg := &mapstructure.DecoderConfig{
		Result:           &out,
		WeaklyTypedInput: true,
		DecodeHook:       mapstructure.DecodeHookFuncType(boolToString),
	}
	decoder, err := mapstructure.NewDecoder(cfg)
	if err != nil {
		return nil, err
	}
	if err := decoder.Decode(in); err != nil {
		return nil, errorsx.Wrap(fmt.Errorf("coerce params: %w", err), errorsx.ReasonMalformedModelOutput)
	}
	return out, nil
}

// boolToString keeps booleans as "true"/"false"; weak decoding alone would emit "1"/"0".
func boolToString(from, to reflect.Type, data any) (any, error) {
	if from.Kind() == reflect.Bool && to.Kind() == reflect.String {
		return strconv.FormatBool(data.(bool)), nil
	}
	return data, nil
}

// Validate re-checks a tool name and its parameters against the catalog.
func Validate(tools []backend.ToolDescriptor, name string, params map[string]string) (backend.ToolDescriptor, error) {
	tool, ok := backend.Find(tools, name)
	if !ok {
		return backend.ToolDescriptor{}, errorsx.New(errorsx.ReasonToolNotFound, "tool %q not found", name)
	}
	var missing []string
	for _, key := range tool.Required() {
		if strings.TrimSpace(params[key]) == "" {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		return backend.ToolDescriptor{}, errorsx.New(errorsx.ReasonInvalidParams, "tool %q missing required params: %s", tool.Name, strings.Join(missing, ", "))
	}
	return tool, nil
}

func stripFence(text string) string {
	text = strings.TrimSpace(text)
	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```json")
		text = strings.TrimPrefix(text, "```")
		text = strings.TrimSuffix(text, "```")
		text = strings.TrimSpace(text)
	}
	return text
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
