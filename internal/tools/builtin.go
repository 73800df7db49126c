package tools

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"time"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hyperifyio/snippetd/internal/engine"
	"github.com/hyperifyio/snippetd/internal/history"
)

// Executor runs snippets.
type Executor interface {
	Execute(ctx context.Context, req engine.Request) *engine.Outcome
}

// ExecutionObserver is told about every finished execution.
type ExecutionObserver interface {
	ObserveExecution(ctx context.Context, o *engine.Outcome)
}

func ptr[T any](v T) *T { return &v }

var executeSchema = &jsonschema.Schema{
	Type: "object",
	Properties: map[string]*jsonschema.Schema{
		"code": {Type: "string", Description: "JavaScript source to run. The last expression, an explicit return, or the awaited result becomes the result."},
		"timeout": {
			Type:        "number",
			Description: "Deadline in milliseconds. Raised to the configured floor, and to the network floor for snippets that fetch.",
			Minimum:     ptr(0.0),
		},
	},
	Required: []string{"code"},
}

// maxTimeoutMs is the largest millisecond count a time.Duration can hold.
const maxTimeoutMs = float64(math.MaxInt64 / int64(time.Millisecond))

// timeoutFromMillis converts a caller timeout, saturating instead of
// overflowing. The engine caps the result at its configured maximum.
func timeoutFromMillis(ms float64) time.Duration {
	if ms >= maxTimeoutMs {
		return time.Duration(maxTimeoutMs) * time.Millisecond
	}
	return time.Duration(ms * float64(time.Millisecond))
}

// ExecuteTool runs snippets on exec and reports each outcome to observers.
func ExecuteTool(exec Executor, observers ...ExecutionObserver) Tool {
	return Tool{
		Name:        "execute",
		Description: "Run a JavaScript snippet and return its console output and completion value.",
		Schema:      executeSchema,
		Handler: func(ctx context.Context, inv Invocation) (*mcp.CallToolResult, error) {
			code, _ := inv.Arguments["code"].(string)
			req := engine.Request{Code: code, WorkDir: inv.WorkDir}
			if ms, ok := inv.Arguments["timeout"].(float64); ok && ms > 0 && !math.IsInf(ms, 0) {
				req.Timeout = timeoutFromMillis(ms)
			}
			o := exec.Execute(ctx, req)
			for _, obs := range observers {
				if obs != nil {
					obs.ObserveExecution(ctx, o)
				}
			}
			return engine.ToolResult(o), nil
		},
	}
}

// ServerInfo is what the info tool reports besides the working directory.
type ServerInfo struct {
	Version  string   `json:"version"`
	Argv     []string `json:"argv"`
	Platform string   `json:"platform"`
	Arch     string   `json:"arch"`
	Surface  []string `json:"surface"`
}

type infoReport struct {
	WorkingDirectory string `json:"workingDirectory"`
	ServerInfo
}

// InfoTool reports the working directory and host metadata.
func InfoTool(info ServerInfo) Tool {
	return Tool{
		Name:        "info",
		Description: "Report the working directory, server version, invocation arguments and platform.",
		Schema:      &jsonschema.Schema{Type: "object"},
		Handler: func(_ context.Context, inv Invocation) (*mcp.CallToolResult, error) {
			wd := inv.WorkDir
			if wd == "" {
				var err error
				if wd, err = os.Getwd(); err != nil {
					return nil, fmt.Errorf("working directory: %w", err)
				}
			}
			return JSONResult(infoReport{WorkingDirectory: wd, ServerInfo: info})
		},
	}
}

// HistorySource lists recent runs.
type HistorySource interface {
	Recent(ctx context.Context, limit int) ([]history.Record, error)
}

// HistoryTool lists recent executions and batches from src.
func HistoryTool(src HistorySource) Tool {
	return Tool{
		Name:        "history",
		Description: "List recent executions and batches, newest first.",
		Schema: &jsonschema.Schema{
			Type: "object",
			Properties: map[string]*jsonschema.Schema{
				"limit": {Type: "integer", Minimum: ptr(1.0), Maximum: ptr(500.0)},
			},
		},
		Handler: func(ctx context.Context, inv Invocation) (*mcp.CallToolResult, error) {
			if src == nil {
				return nil, errors.New("history is not enabled")
			}
			limit := 20
			if n, ok := inv.Arguments["limit"].(float64); ok {
				limit = int(n)
			}
			recs, err := src.Recent(ctx, limit)
			if err != nil {
				return ErrorResult(err.Error()), nil
			}
			if recs == nil {
				recs = []history.Record{}
			}
			return JSONResult(map[string]any{"runs": recs})
		},
	}
}
