package models

import "encoding/json"

// ToolDescriptor describes a callable tool as reported by a tool server.
type ToolDescriptor struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// FindTool returns the descriptor with the given name.
func FindTool(tools []ToolDescriptor, name string) (ToolDescriptor, bool) {
	for _, t := range tools {
		if t.Name == name {
			return t, true
		}
	}
	return ToolDescriptor{}, false
}

// FilterTools returns the descriptors whose names appear in names, in the
// order of names. Unknown names are skipped.
func FilterTools(tools []ToolDescriptor, names []string) []ToolDescriptor {
	byName := make(map[string]ToolDescriptor, len(tools))
	for _, t := range tools {
		if _, exists := byName[t.Name]; !exists {
			byName[t.Name] = t
		}
	}
	out := make([]ToolDescriptor, 0, len(names))
	seen := make(map[string]bool, len(names))
	for _, name := range names {
		t, ok := byName[name]
		if !ok || seen[name] {
			continue
		}
		seen[name] = true
		out = append(out, t)
	}
	return out
}
