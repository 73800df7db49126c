package tools

import (
	"context"
	"errors"
	"testing"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func echoTool(name string, schema *jsonschema.Schema) Tool {
	return Tool{
		Name:   name,
		Schema: schema,
		Handler: func(_ context.Context, inv Invocation) (*mcp.CallToolResult, error) {
			return JSONResult(inv.Arguments)
		},
	}
}

func TestRegistry_Register(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(echoTool("b", nil)))
	require.NoError(t, r.Register(echoTool("a", &jsonschema.Schema{Type: "object"})))

	assert.Error(t, r.Register(echoTool("a", nil)), "duplicate")
	assert.Error(t, r.Register(Tool{Name: "", Handler: echoTool("x", nil).Handler}))
	assert.Error(t, r.Register(Tool{Name: "nohandler"}))

	assert.Equal(t, []string{"b", "a"}, r.Names())
	_, ok := r.Lookup("a")
	assert.True(t, ok)
	_, ok = r.Lookup("zzz")
	assert.False(t, ok)

	desc := r.Descriptors()
	require.Len(t, desc, 2)
	assert.Equal(t, "b", desc[0].Name)
	assert.NotNil(t, desc[0].InputSchema, "nil schemas default to an object schema")
}

func TestRegistry_Validate(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(echoTool("search", &jsonschema.Schema{
		Type: "object",
		Properties: map[string]*jsonschema.Schema{
			"query": {Type: "string"},
			"limit": {Type: "integer", Minimum: ptr(1.0)},
		},
		Required: []string{"query"},
	})))

	assert.NoError(t, r.Validate("search", map[string]any{"query": "x"}))
	assert.NoError(t, r.Validate("search", map[string]any{"query": "x", "limit": 3.0}))

	tests := []struct {
		name string
		args map[string]any
	}{
		{"missing required", map[string]any{}},
		{"nil arguments", nil},
		{"wrong type", map[string]any{"query": 5.0}},
		{"below minimum", map[string]any{"query": "x", "limit": 0.0}},
		{"not an integer", map[string]any{"query": "x", "limit": 1.5}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := r.Validate("search", tc.args)
			var argErr *ArgumentError
			require.ErrorAs(t, err, &argErr)
			assert.Equal(t, "search", argErr.Tool)
		})
	}

	err := r.Validate("nope", nil)
	assert.True(t, errors.Is(err, ErrUnknownTool))
}

func TestRegistry_Call(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(echoTool("echo", nil)))

	res, err := r.Call(context.Background(), "echo", Invocation{})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{}, res.StructuredContent)
	assert.Equal(t, "{}", ResultText(res))

	_, err = r.Call(context.Background(), "missing", Invocation{})
	assert.ErrorIs(t, err, ErrUnknownTool)
}

func TestResultHelpers(t *testing.T) {
	res := ErrorResult("boom")
	assert.True(t, res.IsError)
	assert.Equal(t, "boom", ResultText(res))
	assert.Equal(t, ToolFaultCode, res.Meta["errorCode"])

	res = &mcp.CallToolResult{Content: []mcp.Content{
		&mcp.TextContent{Text: "one"},
		&mcp.TextContent{Text: "two"},
	}}
	assert.Equal(t, "one\ntwo", ResultText(res))
	assert.Equal(t, "", ResultText(nil))
}
