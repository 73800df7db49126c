package engine

import (
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hyperifyio/snippetd/internal/inspect"
)

// ExecutionFaultCode marks a tool result carrying a snippet fault. It sits
// in the result's _meta, inside a successful protocol envelope.
const ExecutionFaultCode = -32000

// RenderValue renders a completion value as result text.
func RenderValue(v inspect.Value) string {
	switch v.Kind {
	case inspect.KindUndefined:
		return "undefined"
	case inspect.KindNull:
		return "null"
	case inspect.KindFunction:
		if v.Text != "" {
			return v.Text
		}
		return inspect.Inspect(v)
	}
	if v.Kind.Primitive() {
		return inspect.Coerce(v)
	}
	return inspect.Inspect(v)
}

// Rendered is the text form of an Outcome.
type Rendered struct {
	Logs    []string
	Result  string
	IsError bool
}

// Render converts o to text. It reads o without modifying it.
func Render(o *Outcome) Rendered {
	r := Rendered{Logs: o.Logs}
	if o.Succeeded {
		r.Result = RenderValue(o.Value)
		return r
	}
	r.IsError = true
	if o.Fault != nil {
		r.Result = o.Fault.Render()
	}
	return r
}

// Report is the structured content of an execute result.
type Report struct {
	ExecutionID string   `json:"executionId"`
	Succeeded   bool     `json:"succeeded"`
	Result      string   `json:"result,omitempty"`
	Logs        []string `json:"logs"`
	Shape       string   `json:"shape,omitempty"`
	TimeoutMs   int64    `json:"timeoutMs"`
	ElapsedMs   int64    `json:"elapsedMs"`
	Truncated   bool     `json:"truncated,omitempty"`
	Fault       *Fault   `json:"fault,omitempty"`
}

// NewReport builds the structured form of o.
func NewReport(o *Outcome) Report {
	r := Render(o)
	logs := r.Logs
	if logs == nil {
		logs = []string{}
	}
	rep := Report{
		ExecutionID: o.ID,
		Succeeded:   o.Succeeded,
		Logs:        logs,
		TimeoutMs:   o.Timeout.Milliseconds(),
		ElapsedMs:   o.Elapsed.Milliseconds(),
		Truncated:   o.Truncated,
		Fault:       o.Fault,
	}
	if o.Shape != 0 {
		rep.Shape = o.Shape.String()
	}
	if o.Succeeded {
		rep.Result = r.Result
	}
	return rep
}

// ToolResult maps o onto a tool call result: a block of log lines when
// any were captured, then the rendered value or fault. Calling it twice on
// the same Outcome yields identical results.
func ToolResult(o *Outcome) *mcp.CallToolResult {
	r := Render(o)
	res := &mcp.CallToolResult{StructuredContent: NewReport(o)}
	if len(r.Logs) > 0 {
		res.Content = append(res.Content, &mcp.TextContent{Text: strings.Join(r.Logs, "\n")})
	}
	res.Content = append(res.Content, &mcp.TextContent{Text: r.Result})
	if r.IsError {
		res.IsError = true
		meta := mcp.Meta{"errorCode": ExecutionFaultCode}
		if o.Fault != nil {
			meta["faultKind"] = string(o.Fault.Kind)
		}
		res.Meta = meta
	}
	return res
}
