package tools

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"
)

type echoArgs struct {
	Text  string `json:"text"`
	Times int    `json:"times,omitempty" jsonschema:"minimum=1"`
}

func newEcho(t *testing.T) *Tool {
	t.Helper()
	tool, err := New("echo", "Echo text back.", func(_ context.Context, args echoArgs) (string, error) {
		n := args.Times
		if n == 0 {
			n = 1
		}
		if args.Text == "boom" {
			return "", errors.New("exploded")
		}
		return strings.Repeat(args.Text, n), nil
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return tool
}

func TestDescriptorSchema(t *testing.T) {
	tool := newEcho(t)
	desc := tool.Descriptor()
	if desc.Name != "echo" || desc.Description != "Echo text back." {
		t.Fatalf("descriptor = %+v", desc)
	}

	var schema map[string]any
	if err := json.Unmarshal(desc.Parameters, &schema); err != nil {
		t.Fatalf("parameters are not JSON: %v", err)
	}
	if schema["type"] != "object" {
		t.Errorf("type = %v, want object", schema["type"])
	}
	if _, ok := schema["$schema"]; ok {
		t.Error("parameters should not carry $schema")
	}
	if _, ok := schema["$id"]; ok {
		t.Error("parameters should not carry $id")
	}
	props, _ := schema["properties"].(map[string]any)
	if _, ok := props["text"]; !ok {
		t.Errorf("properties = %v, want text", props)
	}
	required, _ := schema["required"].([]any)
	if len(required) != 1 || required[0] != "text" {
		t.Errorf("required = %v, want [text]", required)
	}
}

func TestRegistryCall(t *testing.T) {
	reg, err := NewRegistry(newEcho(t))
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}
	ctx := context.Background()

	tests := []struct {
		name    string
		tool    string
		args    string
		want    string
		wantErr func(error) bool
	}{
		{name: "ok", tool: "echo", args: `{"text":"ab","times":2}`, want: "abab"},
		{
			name: "unknown tool", tool: "missing", args: `{}`,
			wantErr: func(err error) bool { return errors.Is(err, ErrUnknownTool) },
		},
		{
			name: "missing required", tool: "echo", args: `{}`,
			wantErr: func(err error) bool { var e *ArgumentError; return errors.As(err, &e) },
		},
		{
			name: "schema violation", tool: "echo", args: `{"text":"a","times":0}`,
			wantErr: func(err error) bool { var e *ArgumentError; return errors.As(err, &e) },
		},
		{
			name: "malformed json", tool: "echo", args: `{"text":`,
			wantErr: func(err error) bool { var e *ArgumentError; return errors.As(err, &e) },
		},
		{
			name: "handler failure", tool: "echo", args: `{"text":"boom"}`,
			wantErr: func(err error) bool {
				var e *ExecutionError
				return errors.As(err, &e) && e.Tool == "echo" && strings.Contains(err.Error(), "exploded")
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := reg.Call(ctx, tt.tool, json.RawMessage(tt.args))
			if tt.wantErr != nil {
				if err == nil || !tt.wantErr(err) {
					t.Fatalf("Call() error = %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Call() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("Call() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRegistryDuplicate(t *testing.T) {
	if _, err := NewRegistry(newEcho(t), newEcho(t)); err == nil {
		t.Fatal("expected duplicate name error")
	}
}

func TestRegistryOrder(t *testing.T) {
	reg, err := Builtins()
	if err != nil {
		t.Fatalf("Builtins() error = %v", err)
	}
	names := reg.Names()
	if len(names) != 2 || names[0] != RetrieveToolsName || names[1] != CurrentTimeName {
		t.Fatalf("Names() = %v", names)
	}
	descs := reg.Descriptors()
	if len(descs) != 2 || descs[0].Name != RetrieveToolsName {
		t.Fatalf("Descriptors() = %v", descs)
	}
	if !reg.Has(RetrieveToolsName) || reg.Has("nope") {
		t.Error("Has() mismatch")
	}
}

func TestRetrieveToolsIsIntercepted(t *testing.T) {
	reg, err := Builtins()
	if err != nil {
		t.Fatalf("Builtins() error = %v", err)
	}

	args, err := reg.Validate(RetrieveToolsName, json.RawMessage(`{"keywords":"weather, forecast, city"}`))
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	var parsed RetrieveToolsArgs
	if err := json.Unmarshal(args, &parsed); err != nil || parsed.Keywords != "weather, forecast, city" {
		t.Fatalf("parsed = %+v, err = %v", parsed, err)
	}

	if _, err := reg.Validate(RetrieveToolsName, nil); err == nil {
		t.Error("keywords should be required")
	}

	_, err = reg.Call(context.Background(), RetrieveToolsName, args)
	if !errors.Is(err, ErrIntercepted) {
		t.Fatalf("Call() error = %v, want ErrIntercepted", err)
	}

	desc := reg.Descriptors()[0]
	if !strings.Contains(string(desc.Parameters), "atleast three keywords") {
		t.Errorf("keywords description missing: %s", desc.Parameters)
	}
}

func TestCurrentTime(t *testing.T) {
	fixed := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	tool, err := CurrentTime(func() time.Time { return fixed })
	if err != nil {
		t.Fatalf("CurrentTime() error = %v", err)
	}
	reg, err := NewRegistry(tool)
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}
	ctx := context.Background()

	got, err := reg.Call(ctx, CurrentTimeName, nil)
	if err != nil {
		t.Fatalf("Call() error = %v", err)
	}
	if got != "2024-03-01T12:00:00Z (Friday)" {
		t.Errorf("Call() = %q", got)
	}

	_, err = reg.Call(ctx, CurrentTimeName, json.RawMessage(`{"timezone":"Not/AZone"}`))
	var execErr *ExecutionError
	if !errors.As(err, &execErr) {
		t.Fatalf("Call() error = %v, want ExecutionError", err)
	}
}
