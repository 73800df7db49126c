// Package tools holds the tool registry served over the protocol: the
// built-in execute, info and history tools and external tools declared in
// a manifest and run as subprocesses.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// ErrUnknownTool is returned for calls naming no registered tool.
var ErrUnknownTool = errors.New("unknown tool")

// ArgumentError reports arguments rejected by a tool's input schema.
type ArgumentError struct {
	Tool string
	Err  error
}

func (e *ArgumentError) Error() string {
	return fmt.Sprintf("tool %q: invalid arguments: %v", e.Tool, e.Err)
}

func (e *ArgumentError) Unwrap() error { return e.Err }

// Invocation is one call of a tool.
type Invocation struct {
	Arguments map[string]any
	// WorkDir is the directory the call operates in. Empty means the
	// server's working directory.
	WorkDir string
}

// Handler runs a tool. Failures of the tool's own work are reported in the
// result with IsError set; a returned error means the call could not be
// carried out at all.
type Handler func(ctx context.Context, inv Invocation) (*mcp.CallToolResult, error)

// Tool is a registered tool.
type Tool struct {
	Name        string
	Description string
	// Schema describes the arguments object. Nil accepts any object.
	Schema  *jsonschema.Schema
	Handler Handler
}

type entry struct {
	tool     Tool
	resolved *jsonschema.Resolved
}

// Registry maps tool names to tools. Register everything before serving;
// the registry is not safe for concurrent registration.
type Registry struct {
	tools map[string]*entry
	order []string
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]*entry)}
}

// Register adds t. Names must be unique and schemas must resolve.
func (r *Registry) Register(t Tool) error {
	if t.Name == "" {
		return errors.New("tool name is required")
	}
	if t.Handler == nil {
		return fmt.Errorf("tool %q: handler is required", t.Name)
	}
	if _, dup := r.tools[t.Name]; dup {
		return fmt.Errorf("tool %q: duplicate name", t.Name)
	}
	if t.Schema == nil {
		t.Schema = &jsonschema.Schema{Type: "object"}
	}
	resolved, err := t.Schema.Resolve(nil)
	if err != nil {
		return fmt.Errorf("tool %q: resolve schema: %w", t.Name, err)
	}
	r.tools[t.Name] = &entry{tool: t, resolved: resolved}
	r.order = append(r.order, t.Name)
	return nil
}

// Lookup returns the tool registered under name.
func (r *Registry) Lookup(name string) (Tool, bool) {
	e, ok := r.tools[name]
	if !ok {
		return Tool{}, false
	}
	return e.tool, true
}

// Names lists tool names in registration order.
func (r *Registry) Names() []string {
	return append([]string(nil), r.order...)
}

// Descriptors returns the tool list served to clients.
func (r *Registry) Descriptors() []*mcp.Tool {
	out := make([]*mcp.Tool, 0, len(r.order))
	for _, name := range r.order {
		t := r.tools[name].tool
		out = append(out, &mcp.Tool{Name: t.Name, Description: t.Description, InputSchema: t.Schema})
	}
	return out
}

// Validate checks args against the named tool's schema.
func (r *Registry) Validate(name string, args map[string]any) error {
	e, ok := r.tools[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}
	if args == nil {
		args = map[string]any{}
	}
	if err := e.resolved.Validate(args); err != nil {
		return &ArgumentError{Tool: name, Err: err}
	}
	return nil
}

// Call validates inv against the named tool and runs it.
func (r *Registry) Call(ctx context.Context, name string, inv Invocation) (*mcp.CallToolResult, error) {
	if err := r.Validate(name, inv.Arguments); err != nil {
		return nil, err
	}
	if inv.Arguments == nil {
		inv.Arguments = map[string]any{}
	}
	return r.tools[name].tool.Handler(ctx, inv)
}

// TextResult is a successful result with one text block. When structured
// is non-nil it is attached as structured content.
func TextResult(text string, structured any) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content:           []mcp.Content{&mcp.TextContent{Text: text}},
		StructuredContent: structured,
	}
}

// JSONResult renders v as indented JSON text and attaches it as structured
// content.
func JSONResult(v any) (*mcp.CallToolResult, error) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode result: %w", err)
	}
	return TextResult(string(b), v), nil
}

// ToolFaultCode marks a tool-level failure inside a successful envelope.
const ToolFaultCode = -32000

// ErrorResult is a tool-level failure result.
func ErrorResult(message string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: message}},
		IsError: true,
		Meta:    mcp.Meta{"errorCode": ToolFaultCode},
	}
}

// ResultText joins the text blocks of res.
func ResultText(res *mcp.CallToolResult) string {
	if res == nil {
		return ""
	}
	var out string
	for i, c := range res.Content {
		tc, ok := c.(*mcp.TextContent)
		if !ok {
			continue
		}
		if i > 0 && out != "" {
			out += "\n"
		}
		out += tc.Text
	}
	return out
}
