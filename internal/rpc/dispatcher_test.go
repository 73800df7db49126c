package rpc

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"strings"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hyperifyio/snippetd/internal/batch"
	"github.com/hyperifyio/snippetd/internal/engine"
	"github.com/hyperifyio/snippetd/internal/tools"
)

type wireResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *Error          `json:"error"`
}

type observed struct {
	method string
	code   int
}

type recorder struct{ seen []observed }

func (r *recorder) ObserveRequest(method string, code int) {
	r.seen = append(r.seen, observed{method, code})
}

func newDispatcher(t *testing.T) (*Dispatcher, *recorder) {
	t.Helper()
	reg := tools.NewRegistry()
	require.NoError(t, reg.Register(tools.ExecuteTool(engine.New(engine.DefaultConfig(), nil))))
	require.NoError(t, reg.Register(tools.InfoTool(tools.ServerInfo{Version: "9.9.9", Platform: "linux", Arch: "x64"})))
	require.NoError(t, reg.Register(batch.Tool(batch.New(reg, nil))))
	require.NoError(t, reg.Register(tools.Tool{
		Name: "panics",
		Handler: func(context.Context, tools.Invocation) (*mcp.CallToolResult, error) {
			panic("handler bug")
		},
	}))
	rec := &recorder{}
	return New(reg, Options{Version: "9.9.9", Observer: rec}), rec
}

func call(t *testing.T, d *Dispatcher, line string) wireResponse {
	t.Helper()
	resp := d.Handle(context.Background(), []byte(line))
	require.NotNil(t, resp, "expected a response to %s", line)
	b, err := json.Marshal(resp)
	require.NoError(t, err)
	var out wireResponse
	require.NoError(t, json.Unmarshal(b, &out))
	assert.Equal(t, "2.0", out.JSONRPC)
	return out
}

func toolResult(t *testing.T, r wireResponse) *mcp.CallToolResult {
	t.Helper()
	require.Nil(t, r.Error)
	var res mcp.CallToolResult
	require.NoError(t, json.Unmarshal(r.Result, &res))
	return &res
}

func texts(res *mcp.CallToolResult) []string {
	var out []string
	for _, c := range res.Content {
		if tc, ok := c.(*mcp.TextContent); ok {
			out = append(out, tc.Text)
		}
	}
	return out
}

func TestHandle_Envelopes(t *testing.T) {
	d, _ := newDispatcher(t)

	tests := []struct {
		name   string
		line   string
		wantID string
		code   int
	}{
		{"parse error", `{"jsonrpc":"2.0","id":1,`, "null", CodeParseError},
		{"not an object", `5`, "null", CodeInvalidRequest},
		{"batch array", `[{"jsonrpc":"2.0","id":1,"method":"ping"}]`, "null", CodeInvalidRequest},
		{"wrong version", `{"jsonrpc":"1.0","id":"a","method":"ping"}`, `"a"`, CodeInvalidRequest},
		{"missing method", `{"jsonrpc":"2.0","id":2}`, "2", CodeInvalidRequest},
		{"object id", `{"jsonrpc":"2.0","id":{},"method":"ping"}`, "null", CodeInvalidRequest},
		{"unknown method", `{"jsonrpc":"2.0","id":"abc","method":"nope"}`, `"abc"`, CodeMethodNotFound},
		{"unknown tool", `{"jsonrpc":"2.0","id":3,"method":"tools/call","params":{"name":"nope"}}`, "3", CodeMethodNotFound},
		{"missing params", `{"jsonrpc":"2.0","id":4,"method":"callTool"}`, "4", CodeInvalidRequest},
		{"arguments not object", `{"jsonrpc":"2.0","id":5,"method":"tools/call","params":{"name":"execute","arguments":[1]}}`, "5", CodeInvalidRequest},
		{"schema violation", `{"jsonrpc":"2.0","id":6,"method":"tools/call","params":{"name":"execute","arguments":{}}}`, "6", CodeInvalidRequest},
		{"handler panic", `{"jsonrpc":"2.0","id":7,"method":"panics"}`, "7", CodeInternalError},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			r := call(t, d, tc.line)
			require.NotNil(t, r.Error)
			assert.Equal(t, tc.code, r.Error.Code)
			assert.Equal(t, tc.wantID, string(r.ID))
			assert.Nil(t, r.Result)
		})
	}
}

func TestHandle_PingEchoesID(t *testing.T) {
	d, rec := newDispatcher(t)
	for _, id := range []string{`1`, `"x-1"`, `null`, `-2.5`} {
		r := call(t, d, `{"jsonrpc":"2.0","id":`+id+`,"method":"ping"}`)
		assert.Equal(t, id, string(r.ID))
		assert.JSONEq(t, `{}`, string(r.Result))
	}
	assert.Equal(t, observed{"ping", 0}, rec.seen[0])
}

func TestHandle_BlankAndNotifications(t *testing.T) {
	d, rec := newDispatcher(t)
	assert.Nil(t, d.Handle(context.Background(), []byte("   \r")))
	assert.Nil(t, d.Handle(context.Background(), []byte(`{"jsonrpc":"2.0","method":"notifications/initialized"}`)))
	assert.Empty(t, rec.seen)

	r := call(t, d, `{"jsonrpc":"2.0","id":1,"method":"notifications/initialized"}`)
	assert.Equal(t, CodeMethodNotFound, r.Error.Code)
}

func TestHandle_Initialize(t *testing.T) {
	d, _ := newDispatcher(t)

	r := call(t, d, `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2024-11-05","capabilities":{},"clientInfo":{"name":"c","version":"1"}}}`)
	require.Nil(t, r.Error)
	var res mcp.InitializeResult
	require.NoError(t, json.Unmarshal(r.Result, &res))
	assert.Equal(t, "2024-11-05", res.ProtocolVersion)
	assert.Equal(t, "snippetd", res.ServerInfo.Name)
	assert.Equal(t, "9.9.9", res.ServerInfo.Version)
	assert.NotNil(t, res.Capabilities.Tools)

	r = call(t, d, `{"jsonrpc":"2.0","id":2,"method":"initialize","params":{"protocolVersion":"1999-01-01"}}`)
	require.NoError(t, json.Unmarshal(r.Result, &res))
	assert.Equal(t, protocolVersions[0], res.ProtocolVersion)
}

func TestHandle_ListTools(t *testing.T) {
	d, _ := newDispatcher(t)
	for _, m := range []string{"tools/list", "listTools"} {
		r := call(t, d, `{"jsonrpc":"2.0","id":1,"method":"`+m+`"}`)
		require.Nil(t, r.Error)
		var res struct {
			Tools []struct {
				Name        string         `json:"name"`
				InputSchema map[string]any `json:"inputSchema"`
			} `json:"tools"`
		}
		require.NoError(t, json.Unmarshal(r.Result, &res))
		var names []string
		for _, tl := range res.Tools {
			names = append(names, tl.Name)
			assert.Equal(t, "object", tl.InputSchema["type"])
		}
		assert.Equal(t, []string{"execute", "info", "batch_execute", "panics"}, names)
	}
}

func TestHandle_Execute(t *testing.T) {
	d, _ := newDispatcher(t)

	lines := []string{
		`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"execute","arguments":{"code":"1+1"}}}`,
		`{"jsonrpc":"2.0","id":2,"method":"callTool","params":{"name":"execute","arguments":{"code":"return 1+1;"}}}`,
		`{"jsonrpc":"2.0","id":3,"method":"execute","params":{"code":"1+1"}}`,
		`{"jsonrpc":"2.0","id":4,"method":"execute","params":{"name":"execute","arguments":{"code":"1+1"}}}`,
	}
	for _, line := range lines {
		res := toolResult(t, call(t, d, line))
		assert.False(t, res.IsError)
		assert.Equal(t, []string{"2"}, texts(res))
	}

	res := toolResult(t, call(t, d, `{"jsonrpc":"2.0","id":5,"method":"execute","params":{"code":"log('a'); log('b'); undefined"}}`))
	assert.Equal(t, []string{"a\nb", "undefined"}, texts(res))
}

func TestHandle_ExecutionFaultIsToolResult(t *testing.T) {
	d, rec := newDispatcher(t)

	r := call(t, d, `{"jsonrpc":"2.0","id":9,"method":"tools/call","params":{"name":"execute","arguments":{"code":"null.x"}}}`)
	res := toolResult(t, r)
	assert.True(t, res.IsError)
	assert.Equal(t, float64(engine.ExecutionFaultCode), res.Meta["errorCode"])
	assert.Equal(t, "execution", res.Meta["faultKind"])
	require.NotEmpty(t, texts(res))
	assert.Contains(t, texts(res)[0], "TypeError")
	assert.Equal(t, observed{"tools/call", 0}, rec.seen[len(rec.seen)-1])
}

func TestHandle_BatchExecute(t *testing.T) {
	d, _ := newDispatcher(t)

	r := call(t, d, `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"batch_execute","arguments":{"operations":[
		{"tool":"execute","arguments":{"code":"1"}},
		{"tool":"execute","arguments":{"code":"throw new Error('two')"}},
		{"tool":"execute","arguments":{"code":"3"}}]}}}`)
	res := toolResult(t, r)
	var agg batch.Result
	require.NoError(t, json.Unmarshal([]byte(texts(res)[0]), &agg))
	assert.Equal(t, 2, agg.Succeeded)
	assert.Equal(t, 1, agg.Failed)
	require.Len(t, agg.Results, 3)
	assert.Equal(t, "3", agg.Results[2].Content)

	r = call(t, d, `{"jsonrpc":"2.0","id":2,"method":"batch_execute","params":{"operations":[{"tool":"ghost"},{"tool":"execute","arguments":{}}]}}`)
	require.NotNil(t, r.Error)
	assert.Equal(t, CodeInvalidRequest, r.Error.Code)
	data, ok := r.Error.Data.(map[string]any)
	require.True(t, ok)
	violations, ok := data["violations"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, violations, "ghost")
	assert.Contains(t, violations, "execute")
}

func TestHandle_BatchExecuteReportsEveryViolation(t *testing.T) {
	d, _ := newDispatcher(t)

	r := call(t, d, `{"jsonrpc":"2.0","id":3,"method":"tools/call","params":{"name":"batch_execute","arguments":{
		"operations":[{"tool":"nope"},5,{"tool":"execute","arguments":{}}],"workingDirectory":7}}}`)
	require.NotNil(t, r.Error)
	assert.Equal(t, CodeInvalidRequest, r.Error.Code)
	data, ok := r.Error.Data.(map[string]any)
	require.True(t, ok, "error data carries the grouped violations")
	violations, ok := data["violations"].(map[string]any)
	require.True(t, ok)

	assert.Equal(t, []any{`operation 0: unknown tool "nope"`}, violations["nope"])
	assert.Equal(t, []any{`operation 2: missing required field "code"`}, violations["execute"])
	general, ok := violations["batch"].([]any)
	require.True(t, ok)
	assert.ElementsMatch(t, []any{"workingDirectory must be a string", "operation 1 must be an object"}, general)
}

func TestServe(t *testing.T) {
	d, rec := newDispatcher(t)
	in := strings.Join([]string{
		`{"jsonrpc":"2.0","id":1,"method":"ping"}`,
		``,
		`{"jsonrpc":"2.0","method":"notifications/initialized"}`,
		`not json`,
		`{"jsonrpc":"2.0","id":2,"method":"execute","params":{"code":"'` + strings.Repeat("x", 300) + `'"}}`,
		`{"jsonrpc":"2.0","id":3,"method":"execute","params":{"code":"6*7"}}`,
	}, "\n")

	var out bytes.Buffer
	require.NoError(t, d.Serve(context.Background(), strings.NewReader(in), &out, 200))

	var got []wireResponse
	sc := bufio.NewScanner(&out)
	for sc.Scan() {
		var r wireResponse
		require.NoError(t, json.Unmarshal(sc.Bytes(), &r))
		got = append(got, r)
	}
	require.Len(t, got, 4)
	assert.Equal(t, "1", string(got[0].ID))
	assert.Equal(t, CodeParseError, got[1].Error.Code)
	assert.Equal(t, "null", string(got[1].ID))
	assert.Equal(t, CodeParseError, got[2].Error.Code)
	assert.Contains(t, got[2].Error.Message, "exceeds 200 bytes")
	assert.Equal(t, "3", string(got[3].ID))
	assert.Equal(t, []string{"42"}, texts(toolResult(t, got[3])))
	assert.Len(t, rec.seen, 4)
}

func TestServe_CanceledContext(t *testing.T) {
	d, _ := newDispatcher(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	var out bytes.Buffer
	err := d.Serve(ctx, strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"ping"}`), &out, 0)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, out.Len())
}

func TestLineReader(t *testing.T) {
	lr := newLineReader(strings.NewReader("ab\r\n"+strings.Repeat("z", 10)+"\nlast"), 5)

	line, tooLong, err := lr.next()
	require.NoError(t, err)
	assert.False(t, tooLong)
	assert.Equal(t, "ab", string(line))

	line, tooLong, err = lr.next()
	require.NoError(t, err)
	assert.True(t, tooLong)
	assert.Empty(t, line)

	line, _, err = lr.next()
	require.NoError(t, err)
	assert.Equal(t, "last", string(line))

	_, _, err = lr.next()
	assert.ErrorIs(t, err, io.EOF)
}
