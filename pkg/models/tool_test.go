package models

import (
	"strings"
	"testing"
)

func TestFilterTools(t *testing.T) {
	inventory := []ToolDescriptor{
		{Name: "weather", Description: "first"},
		{Name: "calculator"},
		{Name: "weather", Description: "duplicate"},
		{Name: "search"},
	}

	tests := []struct {
		name  string
		names []string
		want  string
	}{
		{"selection order wins", []string{"search", "weather"}, "search,weather"},
		{"unknown names skipped", []string{"missing", "calculator"}, "calculator"},
		{"repeated names collapse", []string{"search", "search"}, "search"},
		{"empty selection", nil, ""},
		{"mixed unknown and repeated", []string{"search", "missing", "calculator", "search"}, "search,calculator"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := FilterTools(inventory, tt.names)
			names := make([]string, len(got))
			for i, d := range got {
				names[i] = d.Name
			}
			if strings.Join(names, ",") != tt.want {
				t.Errorf("FilterTools() = %v, want %s", names, tt.want)
			}
		})
	}

	if got := FilterTools(inventory, []string{"weather"}); got[0].Description != "first" {
		t.Errorf("duplicate inventory entry should keep the first, got %q", got[0].Description)
	}
}

func TestFindTool(t *testing.T) {
	tools := []ToolDescriptor{{Name: "weather"}, {Name: "search"}}
	if d, ok := FindTool(tools, "search"); !ok || d.Name != "search" {
		t.Errorf("FindTool(search) = %v, %v", d, ok)
	}
	if _, ok := FindTool(tools, "missing"); ok {
		t.Error("FindTool(missing) should report false")
	}
}
