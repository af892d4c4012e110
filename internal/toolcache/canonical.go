package toolcache

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/haasonsaas/toolgate/pkg/models"
)

const noDescription = "No description provided for this tool."

// Descriptor is the tool shape the cache embeds.
type Descriptor = models.ToolDescriptor

// Entry is a canonicalized descriptor ready for embedding.
type Entry struct {
	Hash     string
	Text     string
	ToolName string
}

// Canonicalize renders a descriptor as the text that gets embedded:
//
//	Tool: <name>
//	Description: <description>
//	Parameters: p (type, required), q (type, optional), default='x'
func Canonicalize(d Descriptor) string {
	desc := d.Description
	if desc == "" {
		desc = noDescription
	}

	var b strings.Builder
	b.WriteString("Tool: ")
	b.WriteString(d.Name)
	b.WriteString("\nDescription: ")
	b.WriteString(desc)
	b.WriteString("\nParameters: ")

	params := parameters(d.Parameters)
	if len(params) == 0 {
		b.WriteString("None")
		return b.String()
	}
	b.WriteString(strings.Join(params, ", "))
	return b.String()
}

// ContentHash is the hex sha256 of text.
func ContentHash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// NewEntry canonicalizes and hashes d.
func NewEntry(d Descriptor) Entry {
	text := Canonicalize(d)
	return Entry{Hash: ContentHash(text), Text: text, ToolName: d.Name}
}

// Entries canonicalizes descriptors and collapses those with identical text.
func Entries(descriptors []Descriptor) []Entry {
	out := make([]Entry, 0, len(descriptors))
	seen := make(map[string]bool, len(descriptors))
	for _, d := range descriptors {
		e := NewEntry(d)
		if seen[e.Hash] {
			continue
		}
		seen[e.Hash] = true
		out = append(out, e)
	}
	return out
}

type property struct {
	Type    json.RawMessage   `json:"type"`
	AnyOf   []json.RawMessage `json:"anyOf"`
	Default json.RawMessage   `json:"default"`
}

type schema struct {
	Properties json.RawMessage `json:"properties"`
	Required   []string        `json:"required"`
}

func parameters(raw json.RawMessage) []string {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	var s schema
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil
	}
	names, props := orderedProperties(s.Properties)
	if len(names) == 0 {
		return nil
	}

	required := make(map[string]bool, len(s.Required))
	for _, name := range s.Required {
		required[name] = true
	}

	out := make([]string, 0, len(names))
	for _, name := range names {
		var p property
		_ = json.Unmarshal(props[name], &p)

		status := "optional"
		if required[name] {
			status = "required"
		}
		param := fmt.Sprintf("%s (%s, %s)", name, paramType(p), status)
		if len(p.Default) > 0 {
			param += ", default=" + renderDefault(p.Default)
		}
		out = append(out, param)
	}
	return out
}

// orderedProperties walks a JSON object keeping key order, which a map
// would lose and which the content hash depends on.
func orderedProperties(raw json.RawMessage) ([]string, map[string]json.RawMessage) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	tok, err := dec.Token()
	if err != nil {
		return nil, nil
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return nil, nil
	}

	var names []string
	props := make(map[string]json.RawMessage)
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return names, props
		}
		key, ok := tok.(string)
		if !ok {
			return names, props
		}
		var value json.RawMessage
		if err := dec.Decode(&value); err != nil {
			return names, props
		}
		if _, dup := props[key]; !dup {
			names = append(names, key)
		}
		props[key] = value
	}
	return names, props
}

func paramType(p property) string {
	if t := typeName(p.Type); t != "" {
		return t
	}
	if len(p.AnyOf) > 0 {
		var first property
		if err := json.Unmarshal(p.AnyOf[0], &first); err == nil {
			if t := typeName(first.Type); t != "" {
				return t
			}
		}
	}
	return "any"
}

// typeName accepts both "string" and ["string", "null"].
func typeName(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var single string
	if err := json.Unmarshal(raw, &single); err == nil {
		return single
	}
	var many []string
	if err := json.Unmarshal(raw, &many); err == nil {
		return strings.Join(many, "|")
	}
	return ""
}

func renderDefault(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return "'" + s + "'"
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	if v == nil {
		return "None"
	}
	return fmt.Sprintf("%v", v)
}
