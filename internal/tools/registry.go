// Package tools holds the built-in tools the gateway executes itself.
//
// The registry is built once at startup from typed handlers. Each handler's
// parameter schema is reflected from its argument struct and every call is
// validated against that schema before the handler runs.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	invopop "github.com/invopop/jsonschema"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/haasonsaas/toolgate/pkg/models"
)

var (
	// ErrUnknownTool is returned for names the registry does not hold.
	ErrUnknownTool = errors.New("tools: unknown tool")

	// ErrIntercepted is returned when calling a declared tool whose
	// execution belongs to the caller.
	ErrIntercepted = errors.New("tools: tool is executed by the caller")
)

// ArgumentError reports arguments that failed schema validation or decoding.
type ArgumentError struct {
	Tool string
	Err  error
}

func (e *ArgumentError) Error() string {
	return fmt.Sprintf("invalid arguments for %s: %v", e.Tool, e.Err)
}

func (e *ArgumentError) Unwrap() error { return e.Err }

// ExecutionError reports a handler failure.
type ExecutionError struct {
	Tool string
	Err  error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("tool %s failed: %v", e.Tool, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// Tool is a named, schema-validated built-in.
type Tool struct {
	descriptor models.ToolDescriptor
	schema     *jsonschema.Schema
	call       func(ctx context.Context, args json.RawMessage) (string, error)
}

// New builds a tool whose arguments decode into T.
func New[T any](name, description string, fn func(ctx context.Context, args T) (string, error)) (*Tool, error) {
	t, err := Declare[T](name, description)
	if err != nil {
		return nil, err
	}
	t.call = func(ctx context.Context, raw json.RawMessage) (string, error) {
		var args T
		if err := json.Unmarshal(raw, &args); err != nil {
			return "", &ArgumentError{Tool: name, Err: err}
		}
		return fn(ctx, args)
	}
	return t, nil
}

// Declare builds a tool that is advertised and validated but executed by
// the caller. Calling it through the registry returns ErrIntercepted.
func Declare[T any](name, description string) (*Tool, error) {
	if name == "" {
		return nil, errors.New("tools: name is required")
	}
	params, compiled, err := reflectSchema[T](name)
	if err != nil {
		return nil, fmt.Errorf("schema for %s: %w", name, err)
	}
	return &Tool{
		descriptor: models.ToolDescriptor{Name: name, Description: description, Parameters: params},
		schema:     compiled,
	}, nil
}

// Descriptor returns the tool as advertised to the model.
func (t *Tool) Descriptor() models.ToolDescriptor {
	return t.descriptor
}

func reflectSchema[T any](name string) (json.RawMessage, *jsonschema.Schema, error) {
	r := &invopop.Reflector{
		DoNotReference:            true,
		ExpandedStruct:            true,
		AllowAdditionalProperties: true,
	}
	schema := r.Reflect(new(T))
	full, err := json.Marshal(schema)
	if err != nil {
		return nil, nil, err
	}
	compiled, err := jsonschema.CompileString(name+".schema.json", string(full))
	if err != nil {
		return nil, nil, err
	}

	// Model APIs reject meta keywords in function parameters.
	schema.Version = ""
	schema.ID = ""
	params, err := json.Marshal(schema)
	if err != nil {
		return nil, nil, err
	}
	return params, compiled, nil
}

// validate checks raw against the tool schema. Empty input counts as {}.
func (t *Tool) validate(raw json.RawMessage) (json.RawMessage, error) {
	if len(raw) == 0 {
		raw = json.RawMessage("{}")
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, &ArgumentError{Tool: t.descriptor.Name, Err: err}
	}
	if err := t.schema.Validate(doc); err != nil {
		return nil, &ArgumentError{Tool: t.descriptor.Name, Err: err}
	}
	return raw, nil
}

// Registry is an immutable set of tools keyed by name.
type Registry struct {
	tools map[string]*Tool
	order []string
}

// NewRegistry builds a registry. Duplicate names are rejected.
func NewRegistry(tools ...*Tool) (*Registry, error) {
	r := &Registry{tools: make(map[string]*Tool, len(tools))}
	for _, t := range tools {
		if t == nil {
			continue
		}
		name := t.descriptor.Name
		if _, exists := r.tools[name]; exists {
			return nil, fmt.Errorf("tools: duplicate tool %q", name)
		}
		r.tools[name] = t
		r.order = append(r.order, name)
	}
	return r, nil
}

// Has reports whether name is a registered tool.
func (r *Registry) Has(name string) bool {
	_, ok := r.tools[name]
	return ok
}

// Names returns tool names in registration order.
func (r *Registry) Names() []string {
	return append([]string(nil), r.order...)
}

// Descriptors returns every tool descriptor in registration order.
func (r *Registry) Descriptors() []models.ToolDescriptor {
	out := make([]models.ToolDescriptor, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.tools[name].descriptor)
	}
	return out
}

// Validate checks args for name and returns them normalized.
func (r *Registry) Validate(name string, args json.RawMessage) (json.RawMessage, error) {
	t, ok := r.tools[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}
	return t.validate(args)
}

// Call validates args and runs the tool's handler.
func (r *Registry) Call(ctx context.Context, name string, args json.RawMessage) (string, error) {
	t, ok := r.tools[name]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}
	args, err := t.validate(args)
	if err != nil {
		return "", err
	}
	if t.call == nil {
		return "", &ExecutionError{Tool: name, Err: ErrIntercepted}
	}

	out, err := t.call(ctx, args)
	if err != nil {
		var argErr *ArgumentError
		if errors.As(err, &argErr) {
			return "", err
		}
		return "", &ExecutionError{Tool: name, Err: err}
	}
	return out, nil
}
