package toolcache

import (
	"encoding/json"
	"testing"
)

func TestCanonicalize(t *testing.T) {
	tests := []struct {
		name string
		desc Descriptor
		want string
	}{
		{
			name: "no parameters",
			desc: Descriptor{Name: "ping"},
			want: "Tool: ping\nDescription: No description provided for this tool.\nParameters: None",
		},
		{
			name: "empty properties",
			desc: Descriptor{Name: "ping", Description: "Ping it", Parameters: json.RawMessage(`{"type":"object","properties":{}}`)},
			want: "Tool: ping\nDescription: Ping it\nParameters: None",
		},
		{
			name: "property order and annotations",
			desc: Descriptor{
				Name:        "search",
				Description: "Search the web",
				Parameters: json.RawMessage(`{
					"type": "object",
					"properties": {
						"query": {"type": "string"},
						"limit": {"anyOf": [{"type": "integer"}, {"type": "null"}], "default": 10},
						"lang": {"type": "string", "default": "en"},
						"cursor": {"type": "string", "default": ""},
						"extra": {}
					},
					"required": ["query"]
				}`),
			},
			want: "Tool: search\nDescription: Search the web\nParameters: " +
				"query (string, required), " +
				"limit (integer, optional), default=10, " +
				"lang (string, optional), default='en', " +
				"cursor (string, optional), default='', " +
				"extra (any, optional)",
		},
		{
			name: "type list and boolean default",
			desc: Descriptor{
				Name:       "toggle",
				Parameters: json.RawMessage(`{"properties":{"on":{"type":["boolean","null"],"default":true}}}`),
			},
			want: "Tool: toggle\nDescription: No description provided for this tool.\nParameters: on (boolean|null, optional), default=true",
		},
		{
			name: "malformed schema",
			desc: Descriptor{Name: "bad", Description: "x", Parameters: json.RawMessage(`not json`)},
			want: "Tool: bad\nDescription: x\nParameters: None",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Canonicalize(tt.desc); got != tt.want {
				t.Errorf("Canonicalize() =\n%q\nwant\n%q", got, tt.want)
			}
		})
	}
}

func TestContentHashStable(t *testing.T) {
	a := NewEntry(Descriptor{Name: "x", Parameters: json.RawMessage(`{"properties":{"a":{"type":"string"},"b":{"type":"string"}}}`)})
	b := NewEntry(Descriptor{Name: "x", Parameters: json.RawMessage(`{"properties":{"a":{"type":"string"},"b":{"type":"string"}}}`)})
	c := NewEntry(Descriptor{Name: "x", Parameters: json.RawMessage(`{"properties":{"b":{"type":"string"},"a":{"type":"string"}}}`)})
	if a.Hash != b.Hash {
		t.Error("identical descriptors hash differently")
	}
	if a.Hash == c.Hash {
		t.Error("property order should change the canonical text")
	}
	if len(a.Hash) != 64 {
		t.Errorf("hash length = %d", len(a.Hash))
	}
}

func TestEntriesCollapsesDuplicates(t *testing.T) {
	entries := Entries([]Descriptor{
		{Name: "a", Description: "one"},
		{Name: "b", Description: "two"},
		{Name: "a", Description: "one"},
	})
	if len(entries) != 2 || entries[0].ToolName != "a" || entries[1].ToolName != "b" {
		t.Fatalf("Entries() = %+v", entries)
	}
}
