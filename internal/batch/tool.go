package batch

import (
	"context"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hyperifyio/snippetd/internal/tools"
)

// The schema only documents the arguments. Properties carry no type
// constraints because registry validation would stop at the first schema
// error; the coordinator checks structure and required fields so every
// violation is reported together.
var toolSchema = &jsonschema.Schema{
	Type: "object",
	Properties: map[string]*jsonschema.Schema{
		"operations": {
			Description: "Tool invocations to run in order, as an array of {tool, arguments} objects.",
		},
		"workingDirectory": {
			Description: "Directory every operation runs in, as a string path. Defaults to the server's working directory.",
		},
	},
}

// Tool exposes c as the batch_execute tool. Rejected batches surface as a
// *ValidationError from the handler.
func Tool(c *Coordinator) tools.Tool {
	return tools.Tool{
		Name:        ToolName,
		Description: "Run several tool invocations in sequence and report each result. A failing operation does not stop the batch.",
		Schema:      toolSchema,
		Handler: func(ctx context.Context, inv tools.Invocation) (*mcp.CallToolResult, error) {
			args := inv.Arguments
			if _, ok := args["workingDirectory"]; !ok && inv.WorkDir != "" {
				args = withWorkDir(args, inv.WorkDir)
			}
			res, err := c.Execute(ctx, args)
			if err != nil {
				return nil, err
			}
			return tools.JSONResult(res)
		},
	}
}

func withWorkDir(args map[string]any, dir string) map[string]any {
	out := make(map[string]any, len(args)+1)
	for k, v := range args {
		out[k] = v
	}
	out["workingDirectory"] = dir
	return out
}
