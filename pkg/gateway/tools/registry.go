// Package tools holds the closed table of tools a voice agent may call.
//
// Every tool is registered up front with a typed argument schema and a
// handler. Calls are validated against the schema before the handler runs;
// failures come back as errors that ErrorContent turns into model-readable
// results.
package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/vango-go/vai-callbridge/pkg/core/types"
)

// Invocation is what a handler receives for one call.
type Invocation struct {
	CallID string
	Args   map[string]any
	Scope  Scope
}

// Scope carries per-session facts a tool may depend on but the model must not choose.
type Scope struct {
	SessionID string
	CallSID   string
	AgentID   string
	Subject   string
	Caller    string
}

// Result is a tool's successful output.
type Result struct {
	// Content is marshaled to JSON unless it is already a string.
	Content any
	// EndCall asks the session to hang up once the follow-up response has played.
	EndCall bool
}

// Handler runs one call.
type Handler func(ctx context.Context, inv Invocation) (Result, error)

// Descriptor is one entry in the registry.
type Descriptor struct {
	Name        string
	Description string
	Schema      Schema
	Handler     Handler
}

var toolNamePattern = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_]{0,63}$`)

// Registry maps tool names to descriptors. It is immutable after construction.
type Registry struct {
	byName map[string]Descriptor
}

// NewRegistry validates and registers descriptors.
func NewRegistry(descs ...Descriptor) (*Registry, error) {
	r := &Registry{byName: make(map[string]Descriptor, len(descs))}
	for _, d := range descs {
		name := strings.TrimSpace(d.Name)
		if !toolNamePattern.MatchString(name) {
			return nil, fmt.Errorf("invalid tool name %q", d.Name)
		}
		if d.Handler == nil {
			return nil, fmt.Errorf("tool %s: handler is required", name)
		}
		if _, dup := r.byName[name]; dup {
			return nil, fmt.Errorf("tool %s registered twice", name)
		}
		if err := d.Schema.check(); err != nil {
			return nil, fmt.Errorf("tool %s: %w", name, err)
		}
		d.Name = name
		r.byName[name] = d
	}
	return r, nil
}

func (r *Registry) Has(name string) bool {
	if r == nil {
		return false
	}
	_, ok := r.byName[strings.TrimSpace(name)]
	return ok
}

func (r *Registry) Names() []string {
	if r == nil {
		return nil
	}
	names := make([]string, 0, len(r.byName))
	for name := range r.byName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Definitions returns provider-facing definitions in name order.
func (r *Registry) Definitions() []types.ToolDefinition {
	names := r.Names()
	defs := make([]types.ToolDefinition, 0, len(names))
	for _, name := range names {
		d := r.byName[name]
		defs = append(defs, types.ToolDefinition{
			Name:        d.Name,
			Description: d.Description,
			Parameters:  d.Schema.JSONSchema(),
		})
	}
	return defs
}

// Subset returns a registry restricted to names. Unknown names are an error.
func (r *Registry) Subset(names []string) (*Registry, error) {
	if len(names) == 0 || r == nil {
		return r, nil
	}
	out := &Registry{byName: make(map[string]Descriptor, len(names))}
	for _, name := range names {
		name = strings.TrimSpace(name)
		d, ok := r.byName[name]
		if !ok {
			return nil, fmt.Errorf("unknown tool %q", name)
		}
		out.byName[name] = d
	}
	return out, nil
}

// Execute validates and runs a call, returning the result content as JSON text.
func (r *Registry) Execute(ctx context.Context, call types.ToolCall, scope Scope) (string, Result, error) {
	name := strings.TrimSpace(call.Name)
	if r == nil {
		return "", Result{}, &ValidationError{Tool: name, Reason: "unknown tool"}
	}
	d, ok := r.byName[name]
	if !ok {
		return "", Result{}, &ValidationError{Tool: name, Reason: "unknown tool"}
	}

	args := map[string]any{}
	trimmed := bytes.TrimSpace(call.Arguments)
	if len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null")) {
		if err := json.Unmarshal(trimmed, &args); err != nil {
			return "", Result{}, &ValidationError{Tool: name, Reason: "arguments must be a JSON object"}
		}
	}
	if err := d.Schema.Validate(name, args); err != nil {
		return "", Result{}, err
	}

	res, err := d.Handler(ctx, Invocation{CallID: call.ID, Args: args, Scope: scope})
	if err != nil {
		if _, isValidation := err.(*ValidationError); isValidation {
			return "", Result{}, err
		}
		return "", Result{}, &ToolError{Tool: name, Err: err}
	}

	content, err := renderContent(res.Content)
	if err != nil {
		return "", Result{}, &ToolError{Tool: name, Err: fmt.Errorf("encode result: %w", err)}
	}
	return content, res, nil
}

func renderContent(v any) (string, error) {
	switch c := v.(type) {
	case nil:
		return `{"status":"ok"}`, nil
	case string:
		return c, nil
	default:
		raw, err := json.Marshal(c)
		if err != nil {
			return "", err
		}
		return string(raw), nil
	}
}

// Helpers for handlers reading validated arguments.

func StringArg(args map[string]any, name, fallback string) string {
	if v, ok := args[name].(string); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	return fallback
}

func IntArg(args map[string]any, name string, fallback int) int {
	if v, ok := args[name].(int64); ok {
		return int(v)
	}
	return fallback
}
