package router

import (
	"encoding/json"
	"fmt"
	"strings"

	"mcp-agent/internal/backend"
)

const promptHeader = `You are a JSON-only decision-making agent.
You must respond ONLY with a valid JSON object that follows this structure:
{
  "tool": "<tool_name>",
  "params": {
    "whereField": "<column_name>",
    "whereValue": "<value>",
    "limit": 5
  }
}

DO NOT add explanations or extra text, only output JSON.`

// BuildPrompt renders the routing prompt. Output depends only on its inputs, tools in
// catalog order.
func BuildPrompt(query string, tools []backend.ToolDescriptor) string {
	var sb strings.Builder
	sb.WriteString(promptHeader)
	sb.WriteString("\n\nHere are the available tools:\n")
	for _, t := range tools {
		fmt.Fprintf(&sb, "- %s: %s", t.Name, t.Summary())
		if cols := t.Columns(); len(cols) > 0 {
			fmt.Fprintf(&sb, " (Fields: %s)", strings.Join(cols, ", "))
		}
		sb.WriteString("\n")
	}

	listing := make([]map[string]string, 0, len(tools))
	for _, t := range tools {
		listing = append(listing, map[string]string{t.Name: t.Description})
	}
	raw, _ := json.MarshalIndent(listing, "", "  ")
	sb.WriteString("\n")
	sb.Write(raw)

	fmt.Fprintf(&sb, "\n\nUser question:\n%q\n\n", query)
	sb.WriteString("Pick the most relevant tool name based on the user's intent.\n")
	sb.WriteString("Infer which field and value to filter by.\n")
	sb.WriteString(`If you don't know, return {"tool": "none"} only.`)
	sb.WriteString("\n")
	return sb.String()
}
