package backend

import (
	"encoding/json"
	"strings"
)

// ToolDescriptor is one entry of the backend tool catalog.
type ToolDescriptor struct {
	Name        string         `json:"name" yaml:"name"`
	Description string         `json:"description" yaml:"description"`
	InputSchema map[string]any `json:"inputSchema,omitempty" yaml:"inputSchema,omitempty"`
}

// Summary returns the part of the description before the "|" separator.
func (t ToolDescriptor) Summary() string {
	summary, _, _ := strings.Cut(t.Description, "|")
	return strings.TrimSpace(summary)
}

// Columns parses the "Columns: a,b,c" suffix of the description. Missing suffix yields nil.
func (t ToolDescriptor) Columns() []string {
	_, rest, ok := strings.Cut(t.Description, "Columns:")
	if !ok {
		return nil
	}
	parts := strings.Split(rest, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Required lists the parameter names the input schema marks as required.
func (t ToolDescriptor) Required() []string {
	if t.InputSchema == nil {
		return nil
	}
	switch req := t.InputSchema["required"].(type) {
	case []string:
		return req
	case []any:
		out := make([]string, 0, len(req))
		for _, r := range req {
			if s, ok := r.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// Find looks a tool up by exact name, then case-insensitively.
func Find(tools []ToolDescriptor, name string) (ToolDescriptor, bool) {
	name = strings.TrimSpace(name)
	if name == "" {
		return ToolDescriptor{}, false
	}
	for _, t := range tools {
		if t.Name == name {
			return t, true
		}
	}
	for _, t := range tools {
		if strings.EqualFold(t.Name, name) {
			return t, true
		}
	}
	return ToolDescriptor{}, false
}

// extractItems accepts a bare array or an object with a "tools" array.
func extractItems(body any) ([]any, bool) {
	if arr, ok := body.([]any); ok {
		return arr, true
	}
	if m, ok := body.(map[string]any); ok {
		if v, ok := m["tools"]; ok {
			if arr, ok := v.([]any); ok {
				return arr, true
			}
		}
	}
	return nil, false
}

// normalize converts raw catalog items into descriptors, skipping anything without a name.
func normalize(items []any) []ToolDescriptor {
	out := make([]ToolDescriptor, 0, len(items))
	for _, it := range items {
		m, ok := it.(map[string]any)
		if !ok {
			continue
		}
		name := strings.TrimSpace(getString(m, "name"))
		if name == "" {
			continue
		}
		out = append(out, ToolDescriptor{
			Name:        name,
			Description: getString(m, "description"),
			InputSchema: schemaMap(firstNonNil(m["inputSchema"], m["input_schema"])),
		})
	}
	return out
}

func getString(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

func firstNonNil(vals ...any) any {
	for _, v := range vals {
		if v != nil {
			return v
		}
	}
	return nil
}

// schemaMap coerces an input schema into a map. Some backends serialize the
// schema as a JSON string, so strings are decoded too.
func schemaMap(v any) map[string]any {
	switch s := v.(type) {
	case nil:
		return nil
	case map[string]any:
		return s
	case string:
		var out map[string]any
		if err := json.Unmarshal([]byte(s), &out); err != nil {
			return nil
		}
		return out
	default:
		b, err := json.Marshal(s)
		if err != nil {
			return nil
		}
		var out map[string]any
		if err := json.Unmarshal(b, &out); err != nil {
			return nil
		}
		return out
	}
}
