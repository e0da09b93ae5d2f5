package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"mcp-agent/internal/backend"
	"mcp-agent/internal/errorsx"
	"mcp-agent/internal/server"
)

// Output formats for the tools command.
const (
	outputTable = "table"
	outputJSON  = "json"
	outputYAML  = "yaml"
)

func newToolsCmd(opts *options) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "tools",
		Short: "List the backend tool catalog",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client := backend.New(opts.cfg.Backend.BaseURL, &http.Client{Timeout: opts.cfg.Backend.Timeout}, opts.log)
			tools, err := catalogFor(opts.cfg, client).FetchTools(cmd.Context())
			if err != nil {
				return err
			}
			return writeTools(cmd.OutOrStdout(), tools, output)
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", outputTable, "Output format: table, json or yaml")
	return cmd
}

func newExecuteCmd(opts *options) *cobra.Command {
	var (
		rawParams []string
		timeout   time.Duration
	)
	cmd := &cobra.Command{
		Use:   "execute <tool>",
		Short: "Call a tool directly and print its result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			params, err := parseParams(rawParams)
			if err != nil {
				return err
			}
			return runFlow(cmd, opts, timeout, func(ctx context.Context, c *components) (backend.StreamEvent, error) {
				return c.agent.Execute(ctx, args[0], params)
			})
		},
	}
	cmd.Flags().StringArrayVarP(&rawParams, "param", "p", nil, "Tool parameter as key=value (repeatable)")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "Override dispatch.timeout")
	return cmd
}

func newQueryCmd(opts *options) *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "query <question>",
		Short: "Route a natural-language question to a tool and print its result",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			question := strings.Join(args, " ")
			return runFlow(cmd, opts, timeout, func(ctx context.Context, c *components) (backend.StreamEvent, error) {
				return c.agent.Query(ctx, question)
			})
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "Override dispatch.timeout")
	return cmd
}

// runFlow builds the components, runs fn and prints the event or the no-match message.
func runFlow(cmd *cobra.Command, opts *options, timeout time.Duration, fn func(context.Context, *components) (backend.StreamEvent, error)) error {
	if timeout > 0 {
		opts.cfg.Dispatch.Timeout = timeout
	}
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	c, err := opts.build(ctx)
	if err != nil {
		return err
	}
	ev, err := fn(ctx, c)
	if errorsx.HasReason(err, errorsx.ReasonNoMatchingTool) || errorsx.HasReason(err, errorsx.ReasonMalformedModelOutput) {
		infoColor.Fprintln(cmd.OutOrStdout(), server.NoMatchMessage)
		return nil
	}
	if err != nil {
		return fmt.Errorf("%s: %w", errorsx.Reason(err), err)
	}
	successColor.Fprintf(cmd.ErrOrStderr(), "matched %s\n", ev.CorrelationID)
	return writeEvent(cmd.OutOrStdout(), ev)
}

// parseParams turns repeated key=value flags into call arguments.
func parseParams(raw []string) (map[string]string, error) {
	params := make(map[string]string, len(raw))
	for _, kv := range raw {
		key, value, ok := strings.Cut(kv, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid param %q: want key=value", kv)
		}
		params[key] = value
	}
	return params, nil
}

// writeEvent indents the event without reordering keys or reformatting numbers.
func writeEvent(w io.Writer, ev backend.StreamEvent) error {
	var buf bytes.Buffer
	if err := json.Indent(&buf, ev.Payload, "", "  "); err != nil {
		_, err = fmt.Fprintln(w, string(ev.Payload))
		return err
	}
	buf.WriteByte('\n')
	_, err := buf.WriteTo(w)
	return err
}

func writeTools(w io.Writer, tools []backend.ToolDescriptor, format string) error {
	switch strings.ToLower(format) {
	case outputJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]any{"count": len(tools), "tools": tools})
	case outputYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(map[string]any{"count": len(tools), "tools": tools})
	case outputTable, "":
		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "NAME\tSUMMARY\tCOLUMNS")
		for _, t := range tools {
			fmt.Fprintf(tw, "%s\t%s\t%s\n", t.Name, t.Summary(), strings.Join(t.Columns(), ","))
		}
		return tw.Flush()
	default:
		return fmt.Errorf("unknown output format %q", format)
	}
}
