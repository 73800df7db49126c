package batch

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hyperifyio/snippetd/internal/engine"
	"github.com/hyperifyio/snippetd/internal/history"
	"github.com/hyperifyio/snippetd/internal/tools"
)

type harness struct {
	reg   *tools.Registry
	coord *Coordinator
	calls []string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{reg: tools.NewRegistry()}
	record := func(name string, fn tools.Handler) tools.Handler {
		return func(ctx context.Context, inv tools.Invocation) (*mcp.CallToolResult, error) {
			h.calls = append(h.calls, name)
			return fn(ctx, inv)
		}
	}

	require.NoError(t, h.reg.Register(tools.ExecuteTool(engine.New(engine.DefaultConfig(), nil))))
	require.NoError(t, h.reg.Register(tools.Tool{
		Name: "search",
		Schema: &jsonschema.Schema{
			Type:       "object",
			Properties: map[string]*jsonschema.Schema{"query": {Type: "string"}},
		},
		Handler: record("search", func(_ context.Context, inv tools.Invocation) (*mcp.CallToolResult, error) {
			return tools.TextResult("found "+inv.Arguments["query"].(string), nil), nil
		}),
	}))
	require.NoError(t, h.reg.Register(tools.Tool{
		Name: "lint",
		Handler: record("lint", func(context.Context, tools.Invocation) (*mcp.CallToolResult, error) {
			return tools.ErrorResult("rules file not found"), nil
		}),
	}))
	require.NoError(t, h.reg.Register(tools.Tool{
		Name: "pwd",
		Handler: record("pwd", func(_ context.Context, inv tools.Invocation) (*mcp.CallToolResult, error) {
			return tools.TextResult(inv.WorkDir, nil), nil
		}),
	}))
	require.NoError(t, h.reg.Register(tools.Tool{
		Name: "explode",
		Handler: record("explode", func(context.Context, tools.Invocation) (*mcp.CallToolResult, error) {
			panic("kaboom")
		}),
	}))
	require.NoError(t, h.reg.Register(tools.Tool{
		Name: "broken",
		Handler: record("broken", func(context.Context, tools.Invocation) (*mcp.CallToolResult, error) {
			return nil, errors.New("transport down")
		}),
	}))
	h.coord = New(h.reg, nil)
	require.NoError(t, h.reg.Register(Tool(h.coord)))
	return h
}

func ops(list ...map[string]any) map[string]any {
	raw := make([]any, len(list))
	for i, op := range list {
		raw[i] = op
	}
	return map[string]any{"operations": raw}
}

func op(tool string, args map[string]any) map[string]any {
	o := map[string]any{"tool": tool}
	if args != nil {
		o["arguments"] = args
	}
	return o
}

func TestExecute_PartialFailure(t *testing.T) {
	h := newHarness(t)

	res, err := h.coord.Execute(context.Background(), ops(
		op("execute", map[string]any{"code": "1+1"}),
		op("execute", map[string]any{"code": "throw new Error('x')"}),
		op("execute", map[string]any{"code": "return 3"}),
	))
	require.NoError(t, err)
	assert.Equal(t, 3, res.Total)
	assert.Equal(t, 2, res.Succeeded)
	assert.Equal(t, 1, res.Failed)
	require.Len(t, res.Results, 3)

	assert.Equal(t, "2", res.Results[0].Content)
	assert.False(t, res.Results[1].Succeeded)
	assert.Contains(t, res.Results[1].Error, "Error: x")
	assert.True(t, res.Results[2].Succeeded)
	assert.Equal(t, "3", res.Results[2].Content)
	for i, r := range res.Results {
		assert.Equal(t, i, r.Index)
		assert.Equal(t, "execute", r.Tool)
	}
	assert.NotEmpty(t, res.RunID)
}

func TestExecute_FailuresDoNotAbort(t *testing.T) {
	h := newHarness(t)

	res, err := h.coord.Execute(context.Background(), ops(
		op("explode", nil),
		op("broken", nil),
		op("lint", map[string]any{"rules": "r.yml"}),
		op("search", map[string]any{"query": "needle"}),
	))
	require.NoError(t, err)
	assert.Equal(t, []string{"explode", "broken", "lint", "search"}, h.calls)
	assert.Equal(t, 1, res.Succeeded)
	assert.Equal(t, 3, res.Failed)
	assert.Equal(t, "operation panicked: kaboom", res.Results[0].Error)
	assert.Equal(t, "transport down", res.Results[1].Error)
	assert.Equal(t, "rules file not found", res.Results[2].Error)
	assert.Equal(t, "found needle", res.Results[3].Content)
}

func TestExecute_ValidationCollectsEverything(t *testing.T) {
	h := newHarness(t)

	args := ops(
		op("search", map[string]any{"query": "ok"}),
		op("nope", nil),
		op("search", map[string]any{}),
		op("lint", nil),
		op(ToolName, map[string]any{"operations": []any{}}),
		op("execute", map[string]any{"code": 5.0}),
	)
	args["operations"] = append(args["operations"].([]any), "not an object")

	_, err := h.coord.Execute(context.Background(), args)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Empty(t, h.calls, "nothing runs when validation fails")

	groups := verr.ByTool()
	assert.Equal(t, []string{`operation 1: unknown tool "nope"`}, groups["nope"])
	assert.Equal(t, []string{`operation 2: missing required field "query"`}, groups["search"])
	assert.Equal(t, []string{`operation 3: missing required field "rules"`}, groups["lint"])
	assert.Equal(t, []string{"operation 4: batches cannot nest batch_execute"}, groups[ToolName])
	require.Len(t, groups["execute"], 1)
	assert.True(t, strings.HasPrefix(groups["execute"][0], "operation 5: "))
	assert.Equal(t, []string{"operation 6 must be an object"}, groups["batch"])
	assert.Len(t, verr.Violations, 6)
}

func TestExecute_StructuralViolations(t *testing.T) {
	h := newHarness(t)

	tests := []struct {
		name string
		args map[string]any
		want string
	}{
		{"missing operations", map[string]any{}, "operations must be a non-empty array"},
		{"empty operations", map[string]any{"operations": []any{}}, "operations must be a non-empty array"},
		{"operations not array", map[string]any{"operations": "x"}, "operations must be a non-empty array"},
		{"tool missing", ops(map[string]any{"arguments": map[string]any{}}), "operation 0: tool must be a non-empty string"},
		{"bad working directory", map[string]any{
			"operations":       []any{op("pwd", nil)},
			"workingDirectory": filepath.Join(t.TempDir(), "missing"),
		}, "does not exist"},
		{"working directory not string", map[string]any{
			"operations":       []any{op("pwd", nil)},
			"workingDirectory": 3.0,
		}, "workingDirectory must be a string"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := h.coord.Execute(context.Background(), tc.args)
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Contains(t, verr.Error(), tc.want)
		})
	}
	assert.Empty(t, h.calls)
}

func TestExecute_WorkingDirectory(t *testing.T) {
	h := newHarness(t)
	dir := t.TempDir()

	args := ops(op("pwd", nil), op("execute", map[string]any{"code": "process.cwd()"}))
	args["workingDirectory"] = dir
	res, err := h.coord.Execute(context.Background(), args)
	require.NoError(t, err)
	assert.Equal(t, dir, res.WorkingDirectory)
	assert.Equal(t, dir, res.Results[0].Content)
	assert.Equal(t, dir, res.Results[1].Content)

	h.coord.getwd = func() (string, error) { return "/srv", nil }
	res, err = h.coord.Execute(context.Background(), ops(op("pwd", nil)))
	require.NoError(t, err)
	assert.Equal(t, "/srv", res.Results[0].Content)
}

func TestExecute_CanceledContextFailsRemaining(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := h.coord.Execute(ctx, ops(op("search", map[string]any{"query": "q"}), op("pwd", nil)))
	require.NoError(t, err)
	assert.Equal(t, 2, res.Failed)
	assert.Empty(t, h.calls)
	assert.Equal(t, context.Canceled.Error(), res.Results[1].Error)
}

type opCounter struct{ ok, failed int }

func (c *opCounter) ObserveBatchOperation(_ string, succeeded bool) {
	if succeeded {
		c.ok++
	} else {
		c.failed++
	}
}

func TestExecute_ObserversAndHistory(t *testing.T) {
	h := newHarness(t)
	st, err := history.Open(":memory:", nil)
	require.NoError(t, err)
	defer st.Close()
	counter := &opCounter{}
	h.coord.Observers = []OperationObserver{counter}
	h.coord.History = st

	res, err := h.coord.Execute(context.Background(), ops(
		op("search", map[string]any{"query": "a"}),
		op("lint", map[string]any{"rules": "r"}),
	))
	require.NoError(t, err)
	assert.Equal(t, 1, counter.ok)
	assert.Equal(t, 1, counter.failed)

	recs, err := st.Recent(context.Background(), 5)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, res.RunID, recs[0].ID)
	assert.Equal(t, history.KindBatch, recs[0].Kind)
	assert.False(t, recs[0].Succeeded)
	assert.Equal(t, "total=2 succeeded=1 failed=1", recs[0].Detail)
}

func TestTool(t *testing.T) {
	h := newHarness(t)

	out, err := h.reg.Call(context.Background(), ToolName, tools.Invocation{Arguments: ops(
		op("search", map[string]any{"query": "a"}),
	)})
	require.NoError(t, err)
	assert.False(t, out.IsError)
	var res Result
	require.NoError(t, json.Unmarshal([]byte(tools.ResultText(out)), &res))
	assert.Equal(t, 1, res.Succeeded)
	assert.Equal(t, "found a", res.Results[0].Content)

	dir := t.TempDir()
	out, err = h.reg.Call(context.Background(), ToolName, tools.Invocation{Arguments: ops(op("pwd", nil)), WorkDir: dir})
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal([]byte(tools.ResultText(out)), &res))
	assert.Equal(t, dir, res.Results[0].Content)

	_, err = h.reg.Call(context.Background(), ToolName, tools.Invocation{Arguments: map[string]any{"operations": []any{}}})
	var verr *ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestTool_CollectsViolationsThroughRegistry(t *testing.T) {
	h := newHarness(t)

	args := map[string]any{
		"operations":       []any{op("nope", nil), 5.0, op("search", map[string]any{})},
		"workingDirectory": 7.0,
	}
	_, err := h.reg.Call(context.Background(), ToolName, tools.Invocation{Arguments: args})
	var verr *ValidationError
	require.ErrorAs(t, err, &verr, "registry schema must not preempt the coordinator")
	var argErr *tools.ArgumentError
	assert.False(t, errors.As(err, &argErr))

	groups := verr.ByTool()
	assert.Equal(t, []string{`operation 0: unknown tool "nope"`}, groups["nope"])
	assert.Equal(t, []string{`operation 2: missing required field "query"`}, groups["search"])
	assert.ElementsMatch(t, []string{"workingDirectory must be a string", "operation 1 must be an object"}, groups["batch"])
	assert.Empty(t, h.calls)
}

func TestValidationError_Error(t *testing.T) {
	err := &ValidationError{Violations: []Violation{
		{Index: 1, Tool: "search", Message: "a"},
		{Index: -1, Message: "b"},
		{Index: 2, Tool: "search", Message: "c"},
	}}
	assert.Equal(t, "batch validation failed: batch: b | search: a; c", err.Error())
}
